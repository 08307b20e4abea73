package ws

import (
	"log/slog"
	"sync"
)

// Event kinds delivered to job subscribers.
const (
	KindLog = "log"
	KindEnd = "end"
)

// Event is one frame of a live job stream.
type Event struct {
	JobID  string `json:"job_id"`
	Kind   string `json:"kind"`
	Text   string `json:"text,omitempty"`
	Status string `json:"status,omitempty"`
}

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send(Event) error
	Close()
}

// Hub fans job log text out to live subscribers keyed by job id. Publishing
// to a job without subscribers is a no-op.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[Subscriber]struct{}
	logger *slog.Logger
}

// NewHub creates an initialized Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[string]map[Subscriber]struct{}), logger: logger.With("component", "ws")}
}

// Subscribe attaches client to jobID and returns a function that detaches it.
func (h *Hub) Subscribe(jobID string, client Subscriber) func() {
	h.mu.Lock()
	if _, ok := h.subs[jobID]; !ok {
		h.subs[jobID] = make(map[Subscriber]struct{})
	}
	h.subs[jobID][client] = struct{}{}
	h.mu.Unlock()
	return func() { h.remove(jobID, client) }
}

// Publish sends log text to every subscriber of jobID.
func (h *Hub) Publish(jobID, text string) {
	h.send(Event{JobID: jobID, Kind: KindLog, Text: text}, false)
}

// Finish sends the terminal status and closes every subscriber of jobID.
func (h *Hub) Finish(jobID, status string) {
	h.send(Event{JobID: jobID, Kind: KindEnd, Status: status}, true)
}

// Count reports the number of subscribers attached to jobID.
func (h *Hub) Count(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

func (h *Hub) send(ev Event, final bool) {
	h.mu.RLock()
	clients := make([]Subscriber, 0, len(h.subs[ev.JobID]))
	for c := range h.subs[ev.JobID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.Send(ev); err != nil {
			h.logger.Debug("dropping job subscriber", "job_id", ev.JobID, "error", err)
			c.Close()
			h.remove(ev.JobID, c)
			continue
		}
		if final {
			c.Close()
		}
	}
	if final {
		h.mu.Lock()
		delete(h.subs, ev.JobID)
		h.mu.Unlock()
	}
}

func (h *Hub) remove(jobID string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.subs[jobID]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.subs, jobID)
	}
}
