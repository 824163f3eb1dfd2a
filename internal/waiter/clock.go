package waiter

import "time"

// Clock provides time-related operations for testability.
// Use RealClock for production and a manual clock in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// NewTicker returns a Ticker that delivers ticks every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker the waiter needs.
type Ticker interface {
	// Stop turns off the ticker. No more ticks are sent after Stop.
	Stop()
	// C returns the channel on which ticks are delivered.
	C() <-chan time.Time
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// NewTicker creates a new time.Ticker.
func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) Stop()               { t.ticker.Stop() }
func (t *realTicker) C() <-chan time.Time { return t.ticker.C }
