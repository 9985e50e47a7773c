// Package realtime provides WebSocket streaming of live scoring activity.
//
// Dashboards and analysts subscribe instead of polling:
//   - every assessment as it is produced, or only anomalies
//   - profile builds and decay sweeps
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/geoanomaly/internal/metrics"
	"github.com/mbd888/geoanomaly/internal/risk"
)

// EventType for real-time events
type EventType string

const (
	EventAssessment   EventType = "assessment"
	EventAnomaly      EventType = "anomaly"
	EventProfileBuilt EventType = "profile_built"
	EventDecaySweep   EventType = "decay_sweep"
)

// Event represents a real-time event. UserID and Score are lifted out of
// Data so subscriptions can filter without decoding the payload.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId,omitempty"`
	Score     *float64  `json:"score,omitempty"`
	Data      any       `json:"data"`
}

// Subscription is the filter a client sends as a JSON text frame. The zero
// value matches everything.
type Subscription struct {
	AllEvents     bool        `json:"allEvents"`
	EventTypes    []EventType `json:"eventTypes"`
	UserIDs       []string    `json:"userIds"`
	MinScore      float64     `json:"minScore"`      // scored events only
	AnomaliesOnly bool        `json:"anomaliesOnly"` // shorthand for EventTypes=[anomaly]
}

// Matches reports whether e passes the filter. Events without a user pass
// the user filter, and events without a score pass MinScore.
func (s Subscription) Matches(e *Event) bool {
	switch {
	case s.AllEvents:
		return true
	case s.AnomaliesOnly && e.Type != EventAnomaly:
		return false
	case len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type):
		return false
	case len(s.UserIDs) > 0 && e.UserID != "" && !slices.Contains(s.UserIDs, e.UserID):
		return false
	case s.MinScore > 0 && e.Score != nil && *e.Score < s.MinScore:
		return false
	}
	return true
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub fans events out to connected clients. Run owns the client set; other
// goroutines talk to it through channels.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
	dropped      atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run processes registrations and broadcasts until ctx is cancelled, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := int64(len(h.clients))
			h.mu.Unlock()
			h.totalClients.Add(1)
			if n > h.peakClients.Load() {
				h.peakClients.Store(n)
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case e := <-h.broadcast:
			h.fanOut(e)
		}
	}
}

// fanOut delivers e to every matching client. Clients whose buffer is full
// are disconnected rather than allowed to stall the hub.
func (h *Hub) fanOut(e *Event) {
	h.totalEvents.Add(1)
	msg, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode realtime event", "type", e.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(e) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		if _, ok := h.clients[c]; ok {
			h.drop(c)
		}
	}
	h.mu.Unlock()
	h.logger.Warn("disconnected slow websocket clients", "count", len(slow))
}

// drop removes c. Callers hold h.mu.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.send) // writePump answers with a close frame
}

// Broadcast queues an event without blocking. Events are dropped when the
// queue is full.
func (h *Hub) Broadcast(e *Event) {
	select {
	case h.broadcast <- e:
	default:
		h.dropped.Add(1)
		h.logger.Warn("broadcast channel full, dropping event", "type", e.Type)
	}
}

// Notify publishes an assessment to subscribers. Flagged assessments are
// sent as anomaly events, everything else as assessment events.
func (h *Hub) Notify(_ context.Context, a *risk.Assessment) error {
	typ := EventAssessment
	if a.IsAnomaly {
		typ = EventAnomaly
	}
	score := a.Score
	h.Broadcast(&Event{
		Type:      typ,
		Timestamp: a.EvaluatedAt,
		UserID:    a.UserID,
		Score:     &score,
		Data:      a,
	})
	return nil
}

// BroadcastProfileBuilt announces a batch profile build.
func (h *Hub) BroadcastProfileBuilt(userID string, clusters, historySize int) {
	h.Broadcast(&Event{
		Type:      EventProfileBuilt,
		Timestamp: time.Now(),
		UserID:    userID,
		Data: map[string]int{
			"clusters":    clusters,
			"historySize": historySize,
		},
	})
}

// BroadcastDecaySweep announces a completed decay sweep.
func (h *Hub) BroadcastDecaySweep(profiles, pruned int) {
	h.Broadcast(&Event{
		Type:      EventDecaySweep,
		Timestamp: time.Now(),
		Data: map[string]int{
			"profiles": profiles,
			"pruned":   pruned,
		},
	})
}

// Stats is a point-in-time view of hub activity.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
	DroppedEvents    int64 `json:"droppedEvents"`
}

// Stats returns hub statistics
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		DroppedEvents:    h.dropped.Load(),
	}
}

// attach hands c to Run. It reports false once Run has exited.
func (h *Hub) attach(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// detach removes c. After Run exits every client is already dropped.
func (h *Hub) detach(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// HandleWebSocket upgrades the request and attaches a client that receives
// every event until it sends a Subscription.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Upgrades after Run exits would never be served.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn)
	if !h.attach(c) {
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
