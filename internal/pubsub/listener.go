package pubsub

import "context"

// Listener wraps a broker subscription for pull-style consumers such as
// streaming HTTP handlers.
type Listener[T any] struct {
	ctx context.Context
	ch  <-chan Event[T]
}

// NewListener subscribes to the broker for the lifetime of ctx.
func NewListener[T any](ctx context.Context, broker *Broker[T]) *Listener[T] {
	return &Listener[T]{
		ctx: ctx,
		ch:  broker.Subscribe(ctx),
	}
}

// Next blocks until the next event arrives. It returns false once the
// context is done or the subscription is closed.
func (l *Listener[T]) Next() (Event[T], bool) {
	var zero Event[T]
	select {
	case <-l.ctx.Done():
		return zero, false
	case event, ok := <-l.ch:
		if !ok {
			return zero, false
		}
		return event, true
	}
}

// C exposes the raw subscription channel for select loops.
func (l *Listener[T]) C() <-chan Event[T] {
	return l.ch
}
