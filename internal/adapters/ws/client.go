package ws

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/olegsm/document-processor/internal/core/domain"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 32
)

// client pairs one websocket connection with a buffered outbound queue.
// The hub calls Send from its publish path; the write pump owns the
// actual socket so concurrent writes never interleave.
type client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan outboundFrame
	done   chan struct{}
}

type outboundFrame struct {
	Type      string  `json:"type"`
	ConnID    string  `json:"conn_id,omitempty"`
	UserID    string  `json:"user_id,omitempty"`
	JobID     string  `json:"job_id,omitempty"`
	Status    string  `json:"status,omitempty"`
	Stage     string  `json:"stage,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
	Message   string  `json:"message,omitempty"`
	Seq       uint64  `json:"seq,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
}

func newClient(id, userID string, conn *websocket.Conn) *client {
	return &client{
		id:     id,
		userID: userID,
		conn:   conn,
		send:   make(chan outboundFrame, sendBufferSize),
		done:   make(chan struct{}),
	}
}

func (c *client) ID() string { return c.id }

// Send enqueues the event for the write pump. A full buffer means the
// reader is not keeping up; failing here lets the hub drop the client
// instead of stalling every other subscriber.
func (c *client) Send(event domain.ProgressEvent) error {
	frame := outboundFrame{
		Type:      event.Type,
		JobID:     event.JobID,
		Status:    string(event.Status),
		Stage:     string(event.Stage),
		Progress:  event.Progress,
		Message:   event.Message,
		Seq:       event.Seq,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	select {
	case <-c.done:
		return fmt.Errorf("connection %s is closed", c.id)
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("send buffer full for conn %s", c.id)
	}
}

func (c *client) enqueueControl(frame outboundFrame) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	default:
	}
}

// shutdown stops the write pump. The send channel is never closed so a
// racing hub publish can at worst enqueue into a drained buffer.
func (c *client) shutdown() {
	close(c.done)
}

// writePump serializes all socket writes: queued frames and the
// heartbeat ping. Returns on shutdown or when a write fails.
func (c *client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
