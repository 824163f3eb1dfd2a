package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/talkrelay/internal/message"
)

func TestDeliveryQuery_DrainThenEmpty(t *testing.T) {
	s := NewMemoryStore()
	q := NewDeliveryQuery(s)

	pushed := s.Append("hello", message.RoleAssistant)

	got := q.FetchUndelivered(message.RoleAssistant, false)
	require.Len(t, got, 1)
	require.Equal(t, pushed.ID, got[0].ID)
	require.Equal(t, "hello", got[0].Text)
	require.True(t, got[0].Delivered)

	again := q.FetchUndelivered(message.RoleAssistant, false)
	require.NotNil(t, again)
	require.Empty(t, again)
}

func TestDeliveryQuery_RolesAreIndependent(t *testing.T) {
	s := NewMemoryStore()
	q := NewDeliveryQuery(s)

	s.Append("spoken", message.RoleAssistant)
	s.Append("reply", message.RoleUser)

	users := q.FetchUndelivered(message.RoleUser, false)
	require.Len(t, users, 1)
	require.Equal(t, "reply", users[0].Text)

	require.Equal(t, 1, q.Pending(message.RoleAssistant))
	require.Equal(t, 0, q.Pending(message.RoleUser))
}

func TestDeliveryQuery_IncludeAllDoesNotMutate(t *testing.T) {
	s := NewMemoryStore()
	q := NewDeliveryQuery(s)

	s.Append("a", message.RoleUser)
	s.Append("b", message.RoleUser)

	first := q.FetchUndelivered(message.RoleUser, true)
	second := q.FetchUndelivered(message.RoleUser, true)
	require.Equal(t, first, second)
	for _, m := range first {
		require.False(t, m.Delivered)
	}

	drained := q.FetchUndelivered(message.RoleUser, false)
	require.Len(t, drained, 2)

	after := q.FetchUndelivered(message.RoleUser, true)
	require.Len(t, after, 2)
	for _, m := range after {
		require.True(t, m.Delivered, "includeAll still lists delivered messages")
	}
}

func TestDeliveryQuery_ConcurrentFetchesNeverDuplicate(t *testing.T) {
	s := NewMemoryStore()
	q := NewDeliveryQuery(s)

	const total = 100
	for i := 0; i < total; i++ {
		s.Append(fmt.Sprintf("m%d", i), message.RoleUser)
	}

	const workers = 16
	results := make([][]message.Message, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				results[w] = append(results[w], q.FetchUndelivered(message.RoleUser, false)...)
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, batch := range results {
		for _, m := range batch {
			require.False(t, seen[m.ID], "message %s delivered twice", m.ID)
			seen[m.ID] = true
		}
	}
	require.Len(t, seen, total)
}

func TestDeliveryQuery_ConcurrentAppendAndFetch(t *testing.T) {
	s := NewMemoryStore(WithRetention(10_000))
	q := NewDeliveryQuery(s)

	const total = 1000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			s.Append("x", message.RoleUser)
		}
	}()

	var mu sync.Mutex
	seen := make(map[string]bool)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				for _, m := range q.FetchUndelivered(message.RoleUser, false) {
					mu.Lock()
					assert.False(t, seen[m.ID], "message %s delivered twice", m.ID)
					seen[m.ID] = true
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// Whatever the fetchers missed is still pending; nothing was lost.
	rest := q.FetchUndelivered(message.RoleUser, false)
	require.Equal(t, total, len(seen)+len(rest))
}
