// Package ws upgrades /ws/{user_id} connections and bridges them into
// the notify hub. Inbound messages are a small tagged protocol:
// subscribe_job, unsubscribe_job, and ping.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/olegsm/document-processor/internal/notify"
	"github.com/olegsm/document-processor/internal/observability/metrics"
)

const pongWait = 75 * time.Second

type Server struct {
	hub          *notify.Hub
	logger       *slog.Logger
	metrics      *metrics.HTTPServerMetrics
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

func NewServer(hub *notify.Hub, logger *slog.Logger, m *metrics.HTTPServerMetrics, pingInterval time.Duration) *Server {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Server{
		hub:          hub,
		logger:       logger.With("component", "ws"),
		metrics:      m,
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth and origin policy live at the edge proxy.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

func (s *Server) Register(router *mux.Router) {
	router.HandleFunc("/ws/{user_id}", s.handleConnection).Methods(http.MethodGet)
}

type clientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	if userID == "" {
		http.Error(w, "user id is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(uuid.NewString(), userID, conn)
	s.hub.Register(userID, c)
	if s.metrics != nil {
		s.metrics.WSConnected()
	}
	s.logger.Info("client connected", "conn_id", c.id, "user_id", userID)

	// Hello frame so the browser learns its connection id before any
	// progress events arrive.
	c.enqueueControl(outboundFrame{
		Type:      "connection",
		ConnID:    c.id,
		UserID:    userID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})

	go c.writePump(s.pingInterval)
	s.readLoop(c)

	s.hub.Unregister(c.id)
	c.shutdown()
	_ = conn.Close()
	if s.metrics != nil {
		s.metrics.WSDisconnected()
	}
	s.logger.Info("client disconnected", "conn_id", c.id, "user_id", userID)
}

func (s *Server) readLoop(c *client) {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "conn_id", c.id, "error", err)
			}
			return
		}
		s.dispatch(c, raw)
	}
}

// dispatch matches the inbound message type exhaustively; anything the
// protocol does not name gets an error frame back rather than a silent
// drop.
func (s *Server) dispatch(c *client, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.enqueueControl(outboundFrame{Type: "error", Message: "malformed message"})
		return
	}

	switch msg.Type {
	case "subscribe_job":
		if msg.JobID == "" {
			c.enqueueControl(outboundFrame{Type: "error", Message: "subscribe_job requires job_id"})
			return
		}
		s.hub.Subscribe(c.id, msg.JobID)
		c.enqueueControl(outboundFrame{Type: "subscribed", JobID: msg.JobID})
	case "unsubscribe_job":
		if msg.JobID == "" {
			c.enqueueControl(outboundFrame{Type: "error", Message: "unsubscribe_job requires job_id"})
			return
		}
		s.hub.Unsubscribe(c.id, msg.JobID)
		c.enqueueControl(outboundFrame{Type: "unsubscribed", JobID: msg.JobID})
	case "ping":
		c.enqueueControl(outboundFrame{Type: "pong"})
	default:
		c.enqueueControl(outboundFrame{Type: "error", Message: "unknown message type: " + msg.Type})
	}
}
