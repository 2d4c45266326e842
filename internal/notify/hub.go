// Package notify fans progress events out to connected clients. The hub
// tracks two kinds of targets per event: every connection owned by the
// job's user, and every connection explicitly subscribed to the job.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/olegsm/document-processor/internal/core/domain"
)

// Client is one delivery target. Send must not block indefinitely; a
// failing client is dropped from the hub after the first send error.
type Client interface {
	ID() string
	Send(event domain.ProgressEvent) error
}

type registration struct {
	client Client
	userID string
	jobs   map[string]struct{}
}

type Stats struct {
	Connections      int `json:"connections"`
	Users            int `json:"users"`
	JobSubscriptions int `json:"job_subscriptions"`
}

type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	byConn  map[string]*registration
	byUser  map[string]map[string]*registration
	byJob   map[string]map[string]*registration
	dropped uint64
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With("component", "notify_hub"),
		byConn: make(map[string]*registration),
		byUser: make(map[string]map[string]*registration),
		byJob:  make(map[string]map[string]*registration),
	}
}

// Register adds a connection for a user. Registering the same connection
// ID twice replaces the previous client without duplicating routing
// entries.
func (h *Hub) Register(userID string, c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.byConn[c.ID()]; ok {
		h.removeLocked(prev)
	}
	reg := &registration{client: c, userID: userID, jobs: make(map[string]struct{})}
	h.byConn[c.ID()] = reg
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[string]*registration)
	}
	h.byUser[userID][c.ID()] = reg
}

// Unregister removes a connection from the user index and from every job
// it subscribed to. Unknown connection IDs are a no-op.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if reg, ok := h.byConn[connID]; ok {
		h.removeLocked(reg)
	}
}

func (h *Hub) removeLocked(reg *registration) {
	connID := reg.client.ID()
	delete(h.byConn, connID)
	if conns, ok := h.byUser[reg.userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.byUser, reg.userID)
		}
	}
	for jobID := range reg.jobs {
		if conns, ok := h.byJob[jobID]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(h.byJob, jobID)
			}
		}
	}
}

// Subscribe attaches a connection to a job's update stream. The
// connection must be registered first.
func (h *Hub) Subscribe(connID, jobID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	reg, ok := h.byConn[connID]
	if !ok {
		return false
	}
	reg.jobs[jobID] = struct{}{}
	if h.byJob[jobID] == nil {
		h.byJob[jobID] = make(map[string]*registration)
	}
	h.byJob[jobID][connID] = reg
	return true
}

func (h *Hub) Unsubscribe(connID, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	reg, ok := h.byConn[connID]
	if !ok {
		return
	}
	delete(reg.jobs, jobID)
	if conns, ok := h.byJob[jobID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.byJob, jobID)
		}
	}
}

// Publish delivers an event to the job's subscribers and the owner's
// connections. Each target is attempted exactly once even when it
// appears in both sets; a send failure drops that connection and never
// blocks delivery to the rest.
func (h *Hub) Publish(ctx context.Context, event domain.ProgressEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	targets := make(map[string]*registration)
	for connID, reg := range h.byJob[event.JobID] {
		targets[connID] = reg
	}
	for connID, reg := range h.byUser[event.OwnerID] {
		targets[connID] = reg
	}
	h.mu.RUnlock()

	var failed []*registration
	for _, reg := range targets {
		if err := reg.client.Send(event); err != nil {
			h.logger.Warn("dropping client after send failure",
				"conn_id", reg.client.ID(), "job_id", event.JobID, "error", err)
			failed = append(failed, reg)
		}
	}

	if len(failed) > 0 {
		h.mu.Lock()
		for _, reg := range failed {
			// Drop only if still the registered client for that ID;
			// a replacement may have arrived between the send and now.
			if cur, ok := h.byConn[reg.client.ID()]; ok && cur == reg {
				h.removeLocked(reg)
				h.dropped++
			}
		}
		h.mu.Unlock()
	}
	return nil
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := 0
	for _, conns := range h.byJob {
		subs += len(conns)
	}
	return Stats{
		Connections:      len(h.byConn),
		Users:            len(h.byUser),
		JobSubscriptions: subs,
	}
}
