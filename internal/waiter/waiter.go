// Package waiter implements the tool-side long wait: after the assistant
// speaks, poll the relay for the user's reply until one arrives or the
// maximum wait elapses.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/talkrelay/internal/log"
	"github.com/zjrosen/talkrelay/internal/message"
	"github.com/zjrosen/talkrelay/internal/metrics"
	"github.com/zjrosen/talkrelay/internal/relay"
	"github.com/zjrosen/talkrelay/internal/tracing"
)

const (
	// DefaultInterval is the time between polls.
	DefaultInterval = 2 * time.Second
	// DefaultMaxWait is how long to wait for a reply before giving up.
	DefaultMaxWait = 3000 * time.Second
)

// NoResponseText is the reply reported when the wait times out.
const NoResponseText = "No response from user within timeout period"

// ErrAlreadyStarted is returned when Wait is called on a used Waiter.
var ErrAlreadyStarted = errors.New("waiter already started")

// State is the lifecycle state of a Waiter.
type State int32

const (
	StateIdle State = iota
	StateWaiting
	StateResolved
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateResolved:
		return "resolved"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateTimedOut || s == StateCancelled
}

// Outcome is how a wait ended.
type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Result describes a finished wait.
type Result struct {
	Outcome  Outcome
	Text     string
	Messages []message.Message
	Polls    int
	Elapsed  time.Duration
}

// Reply is the text handed back to the assistant.
func (r Result) Reply() string {
	if r.Outcome == OutcomeResolved {
		return r.Text
	}
	return NoResponseText
}

// Config configures a Waiter. Zero fields take the defaults.
type Config struct {
	Interval time.Duration
	MaxWait  time.Duration
	Clock    Clock
	Tracer   trace.Tracer
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.Clock == nil {
		c.Clock = RealClock{}
	}
	if c.Tracer == nil {
		c.Tracer = noop.NewTracerProvider().Tracer("waiter")
	}
	return c
}

// Waiter polls for one reply. A Waiter is single-use.
type Waiter struct {
	puller relay.Puller
	cfg    Config
	state  atomic.Int32
}

// New creates a Waiter reading user messages through puller.
func New(puller relay.Puller, cfg Config) *Waiter {
	return &Waiter{puller: puller, cfg: cfg.withDefaults()}
}

// State returns the current lifecycle state.
func (w *Waiter) State() State {
	return State(w.state.Load())
}

// Wait blocks until a user reply is claimed, MaxWait elapses, or ctx ends.
// A timeout is reported through Result.Outcome, not as an error. Poll
// failures are logged and retried on the next tick.
func (w *Waiter) Wait(ctx context.Context) (Result, error) {
	if !w.state.CompareAndSwap(int32(StateIdle), int32(StateWaiting)) {
		return Result{}, ErrAlreadyStarted
	}

	ctx, span := w.cfg.Tracer.Start(ctx, tracing.SpanWaitReply,
		trace.WithAttributes(
			attribute.String(tracing.AttrWaitInterval, w.cfg.Interval.String()),
			attribute.String(tracing.AttrWaitMax, w.cfg.MaxWait.String()),
		),
	)
	defer span.End()

	start := w.cfg.Clock.Now()
	ticker := w.cfg.Clock.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	log.Debug(log.CatWait, "Waiting for reply", "interval", w.cfg.Interval, "maxWait", w.cfg.MaxWait)

	var res Result
	for {
		select {
		case <-ctx.Done():
			res.Outcome = OutcomeCancelled
			res.Elapsed = w.cfg.Clock.Now().Sub(start)
			w.finish(span, StateCancelled, res)
			span.SetStatus(codes.Error, "cancelled")
			return res, fmt.Errorf("wait for reply: %w", ctx.Err())

		case <-ticker.C():
			res.Elapsed = w.cfg.Clock.Now().Sub(start)
			if res.Elapsed > w.cfg.MaxWait {
				res.Outcome = OutcomeTimedOut
				span.AddEvent(tracing.EventWaitTimedOut)
				w.finish(span, StateTimedOut, res)
				return res, nil
			}

			res.Polls++
			metrics.WaitPolls.Inc()
			msgs, err := w.puller.Pull(ctx, message.RoleUser, false)
			if err != nil {
				metrics.WaitPollErrors.Inc()
				span.AddEvent(tracing.EventPollFailed, trace.WithAttributes(attribute.String("error", err.Error())))
				log.Warn(log.CatWait, "Poll failed, retrying", "poll", res.Polls, "error", err)
				continue
			}
			if len(msgs) == 0 {
				continue
			}

			res.Outcome = OutcomeResolved
			res.Messages = msgs
			res.Text = message.JoinText(msgs)
			span.AddEvent(tracing.EventReplyReceived, trace.WithAttributes(attribute.Int(tracing.AttrMessageCount, len(msgs))))
			w.finish(span, StateResolved, res)
			return res, nil
		}
	}
}

func (w *Waiter) finish(span trace.Span, st State, res Result) {
	w.state.Store(int32(st))

	metrics.WaitOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	metrics.WaitDuration.Observe(res.Elapsed.Seconds())

	span.SetAttributes(
		attribute.String(tracing.AttrWaitOutcome, string(res.Outcome)),
		attribute.Int(tracing.AttrWaitPolls, res.Polls),
	)
	if st != StateCancelled {
		span.SetStatus(codes.Ok, "")
	}

	log.Info(log.CatWait, "Wait finished", "outcome", res.Outcome, "polls", res.Polls, "elapsed", res.Elapsed)
}
