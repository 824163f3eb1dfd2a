package waiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/talkrelay/internal/message"
	"github.com/zjrosen/talkrelay/internal/relay"
	"github.com/zjrosen/talkrelay/internal/store"
)

// mockClock implements Clock with a manually driven ticker.
type mockClock struct {
	mu      sync.Mutex
	now     time.Time
	ticker  *mockTicker
	created chan struct{}
}

func newMockClock() *mockClock {
	return &mockClock{
		now:     time.Date(2026, 1, 17, 12, 0, 0, 0, time.UTC),
		created: make(chan struct{}, 1),
	}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) NewTicker(time.Duration) Ticker {
	c.mu.Lock()
	c.ticker = &mockTicker{ch: make(chan time.Time)}
	t := c.ticker
	c.mu.Unlock()
	c.created <- struct{}{}
	return t
}

func (c *mockClock) awaitTicker(t *testing.T) *mockTicker {
	t.Helper()
	select {
	case <-c.created:
	case <-time.After(time.Second):
		t.Fatal("ticker was never created")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticker
}

// tick advances the clock by d and delivers one tick.
func (c *mockClock) tick(t *testing.T, d time.Duration) {
	t.Helper()
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	tk := c.ticker
	c.mu.Unlock()

	select {
	case tk.ch <- now:
	case <-time.After(time.Second):
		t.Fatal("tick was not consumed")
	}
}

type mockTicker struct {
	mu    sync.Mutex
	ch    chan time.Time
	stops int
}

func (t *mockTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
}

func (t *mockTicker) C() <-chan time.Time { return t.ch }

func (t *mockTicker) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// scriptedPuller returns queued responses, then empty results.
type scriptedPuller struct {
	mu    sync.Mutex
	steps []func() ([]message.Message, error)
	calls int
}

func (p *scriptedPuller) Pull(_ context.Context, role message.Role, includeAll bool) ([]message.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if role != message.RoleUser || includeAll {
		return nil, errors.New("unexpected pull arguments")
	}
	p.calls++
	if len(p.steps) == 0 {
		return nil, nil
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	return step()
}

func (p *scriptedPuller) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type waitResult struct {
	res Result
	err error
}

func startWait(ctx context.Context, w *Waiter) <-chan waitResult {
	done := make(chan waitResult, 1)
	go func() {
		res, err := w.Wait(ctx)
		done <- waitResult{res, err}
	}()
	return done
}

func awaitDone(t *testing.T, done <-chan waitResult) waitResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(time.Second):
		t.Fatal("wait did not finish")
		return waitResult{}
	}
}

func TestWait_TimesOutOnceWithSentinel(t *testing.T) {
	clk := newMockClock()
	puller := &scriptedPuller{}
	w := New(puller, Config{Interval: time.Second, MaxWait: 3 * time.Second, Clock: clk})

	done := startWait(context.Background(), w)
	tk := clk.awaitTicker(t)

	// Elapsed 1s, 2s, 3s are within MaxWait and poll.
	for i := 0; i < 3; i++ {
		clk.tick(t, time.Second)
	}
	// 4s exceeds MaxWait.
	clk.tick(t, time.Second)

	r := awaitDone(t, done)
	require.NoError(t, r.err)
	require.Equal(t, OutcomeTimedOut, r.res.Outcome)
	require.Equal(t, NoResponseText, r.res.Reply())
	require.Equal(t, 3, r.res.Polls)
	require.Equal(t, 4*time.Second, r.res.Elapsed)
	require.Equal(t, 3, puller.callCount())
	require.Equal(t, 1, tk.stopCount())
	require.Equal(t, StateTimedOut, w.State())
}

func TestWait_ResolvesAndStopsPolling(t *testing.T) {
	clk := newMockClock()
	puller := &scriptedPuller{steps: []func() ([]message.Message, error){
		func() ([]message.Message, error) { return nil, nil },
		func() ([]message.Message, error) {
			return []message.Message{
				{ID: "1", Text: "yes", Role: message.RoleUser},
				{ID: "2", Text: "and also this", Role: message.RoleUser},
			}, nil
		},
	}}
	w := New(puller, Config{Interval: time.Second, MaxWait: time.Minute, Clock: clk})

	done := startWait(context.Background(), w)
	tk := clk.awaitTicker(t)
	clk.tick(t, time.Second)
	clk.tick(t, time.Second)

	r := awaitDone(t, done)
	require.NoError(t, r.err)
	require.Equal(t, OutcomeResolved, r.res.Outcome)
	require.Equal(t, "yes\nand also this", r.res.Reply())
	require.Len(t, r.res.Messages, 2)
	require.Equal(t, 2, r.res.Polls)
	require.Equal(t, 2, puller.callCount())
	require.Equal(t, 1, tk.stopCount())
	require.Equal(t, StateResolved, w.State())
}

func TestWait_PollErrorsAreIgnored(t *testing.T) {
	clk := newMockClock()
	puller := &scriptedPuller{steps: []func() ([]message.Message, error){
		func() ([]message.Message, error) { return nil, errors.New("connection refused") },
		func() ([]message.Message, error) {
			return []message.Message{{ID: "1", Text: "back online", Role: message.RoleUser}}, nil
		},
	}}
	w := New(puller, Config{Interval: time.Second, MaxWait: time.Minute, Clock: clk})

	done := startWait(context.Background(), w)
	clk.awaitTicker(t)
	clk.tick(t, time.Second)
	clk.tick(t, time.Second)

	r := awaitDone(t, done)
	require.NoError(t, r.err)
	require.Equal(t, OutcomeResolved, r.res.Outcome)
	require.Equal(t, "back online", r.res.Text)
	require.Equal(t, 2, r.res.Polls)
}

func TestWait_ContextCancelStopsTicker(t *testing.T) {
	clk := newMockClock()
	puller := &scriptedPuller{}
	w := New(puller, Config{Interval: time.Second, MaxWait: time.Minute, Clock: clk})

	ctx, cancel := context.WithCancel(context.Background())
	done := startWait(ctx, w)
	tk := clk.awaitTicker(t)
	clk.tick(t, time.Second)
	cancel()

	r := awaitDone(t, done)
	require.ErrorIs(t, r.err, context.Canceled)
	require.Equal(t, OutcomeCancelled, r.res.Outcome)
	require.Equal(t, NoResponseText, r.res.Reply())
	require.Equal(t, 1, tk.stopCount())
	require.Equal(t, StateCancelled, w.State())
	require.True(t, w.State().Terminal())
}

func TestWait_SingleUse(t *testing.T) {
	clk := newMockClock()
	w := New(&scriptedPuller{}, Config{Interval: time.Second, MaxWait: time.Second, Clock: clk})
	require.Equal(t, StateIdle, w.State())

	done := startWait(context.Background(), w)
	clk.awaitTicker(t)
	clk.tick(t, 2*time.Second)
	r := awaitDone(t, done)
	require.NoError(t, r.err)
	require.Equal(t, OutcomeTimedOut, r.res.Outcome)
	require.Zero(t, r.res.Polls)

	_, err := w.Wait(context.Background())
	require.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestWait_AgainstRelayService(t *testing.T) {
	clk := newMockClock()
	svc := relay.NewService(store.NewMemoryStore())
	w := New(svc, Config{Interval: time.Second, MaxWait: time.Minute, Clock: clk})

	done := startWait(context.Background(), w)
	clk.awaitTicker(t)
	clk.tick(t, time.Second)

	_, err := svc.Push(context.Background(), "from the browser", message.RoleUser)
	require.NoError(t, err)
	clk.tick(t, time.Second)

	r := awaitDone(t, done)
	require.NoError(t, r.err)
	require.Equal(t, "from the browser", r.res.Reply())
	require.Zero(t, svc.Delivery().Pending(message.RoleUser), "reply is claimed by the wait")
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, DefaultInterval, cfg.Interval)
	require.Equal(t, DefaultMaxWait, cfg.MaxWait)
	require.IsType(t, RealClock{}, cfg.Clock)
	require.NotNil(t, cfg.Tracer)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "waiting", StateWaiting.String())
	require.Equal(t, "timed_out", StateTimedOut.String())
	require.Equal(t, "state(42)", State(42).String())
	require.False(t, StateWaiting.Terminal())
}
