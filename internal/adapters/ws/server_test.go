package ws

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/olegsm/document-processor/internal/core/domain"
	"github.com/olegsm/document-processor/internal/notify"
)

func testServer() (*Server, *notify.Hub) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := notify.NewHub(logger)
	return NewServer(hub, logger, nil, 30*time.Second), hub
}

func drainFrame(t *testing.T, c *client) outboundFrame {
	t.Helper()
	select {
	case frame := <-c.send:
		return frame
	default:
		t.Fatal("expected a queued frame")
		return outboundFrame{}
	}
}

func TestConnectSendsHelloFrame(t *testing.T) {
	server, _ := testServer()
	router := mux.NewRouter()
	server.Register(router)
	ts := httptest.NewServer(router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame outboundFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if frame.Type != "connection" {
		t.Fatalf("expected connection frame first, got %+v", frame)
	}
	if frame.ConnID == "" {
		t.Fatal("hello frame is missing conn_id")
	}
	if frame.UserID != "alice" {
		t.Fatalf("unexpected user_id %q", frame.UserID)
	}
}

func TestDispatchSubscribeJob(t *testing.T) {
	server, hub := testServer()
	c := newClient("conn-1", "alice", nil)
	hub.Register("alice", c)

	server.dispatch(c, []byte(`{"type":"subscribe_job","job_id":"job-1"}`))

	frame := drainFrame(t, c)
	if frame.Type != "subscribed" || frame.JobID != "job-1" {
		t.Fatalf("unexpected ack %+v", frame)
	}
	if hub.Stats().JobSubscriptions != 1 {
		t.Fatal("subscription not recorded in hub")
	}
}

func TestDispatchUnsubscribeJob(t *testing.T) {
	server, hub := testServer()
	c := newClient("conn-1", "alice", nil)
	hub.Register("alice", c)
	hub.Subscribe("conn-1", "job-1")

	server.dispatch(c, []byte(`{"type":"unsubscribe_job","job_id":"job-1"}`))

	frame := drainFrame(t, c)
	if frame.Type != "unsubscribed" {
		t.Fatalf("unexpected ack %+v", frame)
	}
	if hub.Stats().JobSubscriptions != 0 {
		t.Fatal("subscription not removed from hub")
	}
}

func TestDispatchPing(t *testing.T) {
	server, _ := testServer()
	c := newClient("conn-1", "alice", nil)

	server.dispatch(c, []byte(`{"type":"ping"}`))

	if frame := drainFrame(t, c); frame.Type != "pong" {
		t.Fatalf("unexpected reply %+v", frame)
	}
}

func TestDispatchUnknownTypeRepliesError(t *testing.T) {
	server, _ := testServer()
	c := newClient("conn-1", "alice", nil)

	server.dispatch(c, []byte(`{"type":"resubscribe"}`))

	frame := drainFrame(t, c)
	if frame.Type != "error" || frame.Message == "" {
		t.Fatalf("expected error frame, got %+v", frame)
	}
}

func TestDispatchMalformedJSONRepliesError(t *testing.T) {
	server, _ := testServer()
	c := newClient("conn-1", "alice", nil)

	server.dispatch(c, []byte(`{not json`))

	if frame := drainFrame(t, c); frame.Type != "error" {
		t.Fatalf("expected error frame, got %+v", frame)
	}
}

func TestDispatchSubscribeWithoutJobID(t *testing.T) {
	server, _ := testServer()
	c := newClient("conn-1", "alice", nil)

	server.dispatch(c, []byte(`{"type":"subscribe_job"}`))

	if frame := drainFrame(t, c); frame.Type != "error" {
		t.Fatalf("expected error frame, got %+v", frame)
	}
}

func TestSendFailsWhenBufferFull(t *testing.T) {
	c := newClient("conn-1", "alice", nil)
	event := domain.ProgressEvent{Type: domain.EventTypeProcessingUpdate, JobID: "job-1"}

	for i := 0; i < sendBufferSize; i++ {
		if err := c.Send(event); err != nil {
			t.Fatalf("Send() filled early at %d: %v", i, err)
		}
	}
	if err := c.Send(event); err == nil {
		t.Fatal("expected error once buffer is full")
	}
}

func TestSendFailsAfterShutdown(t *testing.T) {
	c := newClient("conn-1", "alice", nil)
	c.shutdown()

	if err := c.Send(domain.ProgressEvent{JobID: "job-1"}); err == nil {
		t.Fatal("expected error after shutdown")
	}
}
