package store

import (
	"github.com/zjrosen/talkrelay/internal/log"
	"github.com/zjrosen/talkrelay/internal/message"
	"github.com/zjrosen/talkrelay/internal/metrics"
)

// DeliveryQuery is the read path that decides which messages are new for a
// consumer role. It is the only code that flips Message.Delivered.
type DeliveryQuery struct {
	store *MemoryStore
}

// NewDeliveryQuery creates a delivery query over s.
func NewDeliveryQuery(s *MemoryStore) *DeliveryQuery {
	return &DeliveryQuery{store: s}
}

// FetchUndelivered returns messages of role in insertion order.
//
// With includeAll it returns every retained message of role and changes
// nothing. Otherwise it returns only undelivered messages and marks exactly
// those delivered before returning; the read and the mark happen under one
// write lock, so concurrent callers never receive the same message.
// An empty result is an empty slice.
func (q *DeliveryQuery) FetchUndelivered(role message.Role, includeAll bool) []message.Message {
	if includeAll {
		metrics.Fetches.WithLabelValues(string(role), "all").Inc()
		return q.store.Snapshot(role)
	}
	metrics.Fetches.WithLabelValues(string(role), "drain").Inc()
	return q.store.claimUndelivered(role)
}

// Pending counts undelivered messages of role without claiming them.
func (q *DeliveryQuery) Pending(role message.Role) int {
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()

	n := 0
	for _, m := range q.store.entries {
		if m.Role == role && !m.Delivered {
			n++
		}
	}
	return n
}

// claimUndelivered marks and returns the undelivered messages of role.
func (s *MemoryStore) claimUndelivered(role message.Role) []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := make([]message.Message, 0)
	for i := range s.entries {
		m := &s.entries[i]
		if m.Role != role || m.Delivered {
			continue
		}
		m.Delivered = true
		claimed = append(claimed, *m)

		s.broker.Publish(message.Event{
			Type:    message.EventDelivered,
			Message: *m,
		})
	}

	if len(claimed) > 0 {
		metrics.MessagesDelivered.WithLabelValues(string(role)).Add(float64(len(claimed)))
		log.Debug(log.CatStore, "Messages delivered", "role", role, "count", len(claimed))
	}
	return claimed
}
