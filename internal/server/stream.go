package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cwbudde/pidtune/internal/store"
)

// EventKind distinguishes the snapshot sent on connect from trial updates.
type EventKind string

const (
	EventSnapshot EventKind = "snapshot"
	EventTrial    EventKind = "trial"
)

// Event is one server-sent event of a study stream.
type Event struct {
	Study     string        `json:"study"`
	Kind      EventKind     `json:"kind"`
	Trial     *store.Trial  `json:"trial,omitempty"`
	Summary   store.Summary `json:"summary"`
	Timestamp time.Time     `json:"timestamp"`
}

// pingInterval keeps idle connections open through proxies.
var pingInterval = 30 * time.Second

// EventBroadcaster fans study events out to SSE clients
type EventBroadcaster struct {
	mu        sync.RWMutex
	clients   map[string]map[chan Event]bool // study -> set of client channels
	lastEvent map[string]Event               // study -> last event for new clients
	closed    bool
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients:   make(map[string]map[chan Event]bool),
		lastEvent: make(map[string]Event),
	}
}

// Subscribe adds a client to receive events for a study
func (eb *EventBroadcaster) Subscribe(study string) chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, 16) // Buffered to prevent blocking
	if eb.closed {
		close(ch)
		return ch
	}

	if eb.clients[study] == nil {
		eb.clients[study] = make(map[chan Event]bool)
	}
	eb.clients[study][ch] = true

	slog.Debug("SSE client subscribed", "study", study, "total_clients", len(eb.clients[study]))
	return ch
}

// Unsubscribe removes a client from receiving events
func (eb *EventBroadcaster) Unsubscribe(study string, ch chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if clients, ok := eb.clients[study]; ok && clients[ch] {
		delete(clients, ch)
		close(ch)

		if len(clients) == 0 {
			delete(eb.clients, study)
		}
	}

	slog.Debug("SSE client unsubscribed", "study", study)
}

// Broadcast sends an event to all subscribed clients for a study
func (eb *EventBroadcaster) Broadcast(event Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.lastEvent[event.Study] = event

	clients, ok := eb.clients[event.Study]
	if !ok || len(clients) == 0 {
		return
	}

	slog.Debug("Broadcasting event", "study", event.Study, "clients", len(clients), "kind", event.Kind)

	for ch := range clients {
		select {
		case ch <- event:
		default:
			// Channel full, skip this client (prevents blocking)
			slog.Warn("SSE channel full, skipping event", "study", event.Study)
		}
	}
}

// Last returns the most recent event of a study.
func (eb *EventBroadcaster) Last(study string) (Event, bool) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	e, ok := eb.lastEvent[study]
	return e, ok
}

// CleanupStudy removes all clients and cached events for a study
func (eb *EventBroadcaster) CleanupStudy(study string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if clients, ok := eb.clients[study]; ok {
		for ch := range clients {
			close(ch)
		}
		delete(eb.clients, study)
	}

	delete(eb.lastEvent, study)
	slog.Debug("Cleaned up SSE resources", "study", study)
}

// Close disconnects every client.
func (eb *EventBroadcaster) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for study, clients := range eb.clients {
		for ch := range clients {
			close(ch)
		}
		delete(eb.clients, study)
	}
	eb.closed = true
}

// handleStream handles GET /v1/studies/:name/events
func (s *Server) handleStream(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")

	trials, err := s.store.ReadAll(ctx, name)
	if err != nil {
		fail(c, err)
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	eventChan := s.broadcaster.Subscribe(name)
	defer s.broadcaster.Unsubscribe(name, eventChan)

	// Initial snapshot so clients need not wait for the next commit
	snapshot := Event{Study: name, Kind: EventSnapshot, Summary: store.Summarize(trials), Timestamp: time.Now()}
	if err := writeSSEEvent(w, snapshot); err != nil {
		slog.Error("Failed to write initial SSE event", "error", err)
		return
	}
	w.Flush()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("SSE client disconnected", "study", name)
			return

		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("Failed to write SSE event", "error", err)
				return
			}
			w.Flush()

		case <-pingTicker.C:
			fmt.Fprintf(w, ": ping\n\n")
			w.Flush()
		}
	}
}

// writeSSEEvent writes an event in SSE format
func writeSSEEvent(w http.ResponseWriter, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// SSE format: "event: kind\ndata: {json}\n\n"
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
	return err
}
