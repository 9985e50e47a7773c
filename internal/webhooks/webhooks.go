// Package webhooks delivers assessments to external HTTP endpoints.
//
// Operators register a URL for one or more event types, optionally narrowed
// to a single user. Every delivery is a JSON POST signed with
// HMAC-SHA256(payload, secret) in the X-Geoanomaly-Signature header.
// Subscriptions that keep failing are deactivated.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/geoanomaly/internal/idgen"
	"github.com/mbd888/geoanomaly/internal/metrics"
	"github.com/mbd888/geoanomaly/internal/risk"
)

// EventType represents the type of webhook event
type EventType string

const (
	// EventAnomalyDetected fires for assessments at or above the threshold.
	EventAnomalyDetected EventType = "assessment.anomaly"
	// EventAssessmentScored fires for every assessment.
	EventAssessmentScored EventType = "assessment.scored"
)

// Valid reports whether e is a known event type.
func (e EventType) Valid() bool {
	return e == EventAnomalyDetected || e == EventAssessmentScored
}

// Delivery headers.
const (
	HeaderEvent     = "X-Geoanomaly-Event"
	HeaderDelivery  = "X-Geoanomaly-Delivery"
	HeaderTimestamp = "X-Geoanomaly-Timestamp"
	HeaderSignature = "X-Geoanomaly-Signature"
)

// MaxConsecutiveFailures deactivates a subscription after this many failed
// deliveries in a row.
const MaxConsecutiveFailures = 10

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("webhooks: subscription not found")

// Event is the body of a delivery.
type Event struct {
	ID         string           `json:"id"`
	Type       EventType        `json:"type"`
	Timestamp  time.Time        `json:"timestamp"`
	Assessment *risk.Assessment `json:"assessment"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID     string      `json:"id"`
	URL    string      `json:"url"`
	Secret string      `json:"-"` // HMAC key, shown once at creation
	Events []EventType `json:"events"`
	// UserID narrows the subscription to one user. Empty matches everyone.
	UserID              string     `json:"userId,omitempty"`
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// Wants reports whether sub should receive eventType for userID.
func (s *Subscription) Wants(eventType EventType, userID string) bool {
	if !s.Active || (s.UserID != "" && s.UserID != userID) {
		return false
	}
	for _, et := range s.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

func (s *Subscription) clone() *Subscription {
	out := *s
	out.Events = append([]EventType(nil), s.Events...)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		out.LastSuccess = &t
	}
	return &out
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	// ListByEvent returns active subscriptions that include eventType.
	ListByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends assessment events to subscribers. It implements the
// detector's Notifier interface.
type Dispatcher struct {
	store        Store
	client       *http.Client
	logger       *slog.Logger
	urlValidator func(string) error
	wg           sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       logger,
		urlValidator: ValidateURL,
	}
}

// Notify dispatches a in the background so subscriber lookup stays off the
// scoring path. Lookup failures are logged.
func (d *Dispatcher) Notify(ctx context.Context, a *risk.Assessment) error {
	// Deliveries outlive the request that triggered them.
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Dispatch(ctx, a); err != nil {
			d.logger.Warn("webhook dispatch failed", "assessment", a.ID, "error", err)
		}
	}()
	return nil
}

// Dispatch fans a out to every matching subscription. Deliveries run in the
// background; only a failure to look up subscribers is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, a *risk.Assessment) error {
	types := []EventType{EventAssessmentScored}
	if a.IsAnomaly {
		types = append(types, EventAnomalyDetected)
	}

	for _, et := range types {
		subs, err := d.store.ListByEvent(ctx, et)
		if err != nil {
			return fmt.Errorf("failed to get subscribers: %w", err)
		}

		var payload []byte
		var event *Event
		for _, sub := range subs {
			if !sub.Wants(et, a.UserID) {
				continue
			}
			if payload == nil {
				event = &Event{
					ID:         idgen.WithPrefix("evt_"),
					Type:       et,
					Timestamp:  time.Now().UTC(),
					Assessment: a,
				}
				if payload, err = json.Marshal(event); err != nil {
					return fmt.Errorf("failed to marshal event: %w", err)
				}
			}
			d.wg.Add(1)
			go func(sub *Subscription) {
				defer d.wg.Done()
				d.send(ctx, sub, event, payload)
			}(sub)
		}
	}
	return nil
}

// Drain waits for in-flight deliveries or ctx to end.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event, payload []byte) {
	if err := d.urlValidator(sub.URL); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(event.Type), "rejected").Inc()
		d.recordFailure(ctx, sub, fmt.Sprintf("url rejected: %v", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.recordFailure(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(event.Type), "failed").Inc()
		d.recordFailure(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(event.Type), "delivered").Inc()
		d.recordSuccess(ctx, sub)
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(event.Type), "failed").Inc()
	d.recordFailure(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "webhook", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= MaxConsecutiveFailures && sub.Active {
		sub.Active = false
		d.logger.Warn("webhook deactivated after repeated failures",
			"webhook", sub.ID, "failures", sub.ConsecutiveFailures, "error", errMsg)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "webhook", sub.ID, "error", err)
	}
}

// ValidateURL accepts absolute http(s) URLs whose host is not a loopback,
// private, link-local or unspecified address literal.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("host %q is not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("host %q is not allowed", host)
		}
	}
	return nil
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; ok {
		return fmt.Errorf("webhooks: subscription %s already exists", sub.ID)
	}
	m.subs[sub.ID] = sub.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub.clone(), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		result = append(result, sub.clone())
	}
	sortNewestFirst(result)
	return result, nil
}

func (m *MemoryStore) ListByEvent(_ context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if !sub.Active {
			continue
		}
		for _, et := range sub.Events {
			if et == eventType {
				result = append(result, sub.clone())
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = sub.clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func sortNewestFirst(subs []*Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.After(subs[j].CreatedAt)
		}
		return subs[i].ID > subs[j].ID
	})
}
