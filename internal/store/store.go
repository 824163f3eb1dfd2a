// Package store holds the in-memory message log shared by both sides of the
// conversation, and the delivery-tracking read path over it.
package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/talkrelay/internal/log"
	"github.com/zjrosen/talkrelay/internal/message"
	"github.com/zjrosen/talkrelay/internal/metrics"
	"github.com/zjrosen/talkrelay/internal/pubsub"
)

// DefaultRetention is how many of the most recent messages the store keeps.
const DefaultRetention = 100

// MemoryStore is an append-only, capped, in-memory message log.
// It is safe for concurrent use. Delivery flags are only changed through
// DeliveryQuery.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   []message.Message
	retention int
	lastTS    time.Time

	now    func() time.Time
	newID  func() string
	broker *pubsub.Broker[message.Event]
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithRetention caps the log at n messages. Values below 1 fall back to
// DefaultRetention.
func WithRetention(n int) Option {
	return func(s *MemoryStore) {
		if n > 0 {
			s.retention = n
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides message ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *MemoryStore) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// NewMemoryStore creates an empty store.
// The broker is created in the constructor and is never nil.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		entries:   make([]message.Message, 0, DefaultRetention),
		retention: DefaultRetention,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		broker:    pubsub.NewBroker[message.Event](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds a new undelivered message and returns it.
// When the log grows past the retention cap the oldest entries are dropped.
func (s *MemoryStore) Append(text string, role message.Role) message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now()
	if ts.Before(s.lastTS) {
		// Clock stepped backwards; keep timestamps in insertion order.
		ts = s.lastTS
	}
	s.lastTS = ts

	entry := message.Message{
		ID:        s.newID(),
		Text:      text,
		Role:      role,
		Timestamp: ts,
	}
	s.entries = append(s.entries, entry)

	s.broker.Publish(message.Event{
		Type:    message.EventPosted,
		Message: entry,
	})

	s.evictLocked()

	metrics.MessagesPushed.WithLabelValues(string(role)).Inc()
	metrics.StoreSize.Set(float64(len(s.entries)))

	log.Debug(log.CatStore, "Message appended",
		"id", entry.ID,
		"role", role,
		"size", len(s.entries))

	return entry
}

// evictLocked trims the log down to the retention cap. Caller holds s.mu.
func (s *MemoryStore) evictLocked() {
	excess := len(s.entries) - s.retention
	if excess <= 0 {
		return
	}

	for _, evicted := range s.entries[:excess] {
		s.broker.Publish(message.Event{
			Type:    message.EventEvicted,
			Message: evicted,
		})
	}

	n := copy(s.entries, s.entries[excess:])
	clear(s.entries[n:])
	s.entries = s.entries[:n]

	metrics.MessagesEvicted.Add(float64(excess))
	log.Debug(log.CatStore, "Evicted oldest messages", "count", excess)
}

// Snapshot returns a copy of the current log in insertion order.
// With roles given, only messages of those roles are included.
// The returned slice is safe to modify without affecting the store.
func (s *MemoryStore) Snapshot(roles ...message.Role) []message.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterLocked(roles)
}

func (s *MemoryStore) filterLocked(roles []message.Role) []message.Message {
	if len(roles) == 0 {
		result := make([]message.Message, len(s.entries))
		copy(result, s.entries)
		return result
	}

	result := make([]message.Message, 0, len(s.entries))
	for _, m := range s.entries {
		if hasRole(roles, m.Role) {
			result = append(result, m)
		}
	}
	return result
}

func hasRole(roles []message.Role, r message.Role) bool {
	for _, want := range roles {
		if want == r {
			return true
		}
	}
	return false
}

// Count returns the number of retained messages.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Retention returns the configured cap.
func (s *MemoryStore) Retention() int {
	return s.retention
}

// Broker returns the pub/sub broker emitting message.Event payloads.
func (s *MemoryStore) Broker() *pubsub.Broker[message.Event] {
	return s.broker
}

// Reset clears all messages. Subscribers stay attached.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make([]message.Message, 0, s.retention)
	metrics.StoreSize.Set(0)
}
