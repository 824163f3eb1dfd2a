// Package relay exposes the two operations each side of the conversation
// uses: push a message and pull the messages that are new for a role.
package relay

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/talkrelay/internal/log"
	"github.com/zjrosen/talkrelay/internal/message"
	"github.com/zjrosen/talkrelay/internal/metrics"
	"github.com/zjrosen/talkrelay/internal/store"
	"github.com/zjrosen/talkrelay/internal/tracing"
)

// Pusher appends a message for a role.
type Pusher interface {
	Push(ctx context.Context, text string, role message.Role) (message.Message, error)
}

// Puller fetches messages for a role. With includeAll false the returned
// messages are claimed and will not be returned again.
type Puller interface {
	Pull(ctx context.Context, role message.Role, includeAll bool) ([]message.Message, error)
}

// Relay is the full boundary contract. Service implements it in-process and
// client.Client implements it over HTTP.
type Relay interface {
	Pusher
	Puller
}

// Compile-time interface assertion
var _ Relay = (*Service)(nil)

// Service is the in-process relay over a MemoryStore.
type Service struct {
	store    *store.MemoryStore
	delivery *store.DeliveryQuery
	tracer   trace.Tracer
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithTracer records a span for every push and pull.
func WithTracer(t trace.Tracer) ServiceOption {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewService creates a relay over st.
func NewService(st *store.MemoryStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:    st,
		delivery: store.NewDeliveryQuery(st),
		tracer:   noop.NewTracerProvider().Tracer("relay"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying message store.
func (s *Service) Store() *store.MemoryStore {
	return s.store
}

// Delivery returns the delivery query used for pulls.
func (s *Service) Delivery() *store.DeliveryQuery {
	return s.delivery
}

// Push validates and appends a message.
func (s *Service) Push(ctx context.Context, text string, role message.Role) (message.Message, error) {
	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixRelay+"push",
		trace.WithAttributes(attribute.String(tracing.AttrMessageRole, string(role))))
	defer span.End()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return message.Message{}, err
	}

	if err := validateRole(role); err != nil {
		return message.Message{}, rejected(span, err)
	}
	if strings.TrimSpace(text) == "" {
		return message.Message{}, rejected(span, &ValidationError{Field: "text", Reason: "Text is required"})
	}

	m := s.store.Append(text, role)

	span.SetAttributes(attribute.String(tracing.AttrMessageID, m.ID))
	span.SetStatus(codes.Ok, "")
	log.Debug(log.CatRelay, "Pushed message", "id", m.ID, "role", role, "len", len(text))
	return m, nil
}

// Pull returns the messages of role that are new (or, with includeAll,
// every retained message of role without claiming any).
func (s *Service) Pull(ctx context.Context, role message.Role, includeAll bool) ([]message.Message, error) {
	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixRelay+"pull",
		trace.WithAttributes(
			attribute.String(tracing.AttrMessageRole, string(role)),
			attribute.Bool(tracing.AttrIncludeAll, includeAll),
		))
	defer span.End()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := validateRole(role); err != nil {
		return nil, rejected(span, err)
	}

	msgs := s.delivery.FetchUndelivered(role, includeAll)

	span.SetAttributes(attribute.Int(tracing.AttrMessageCount, len(msgs)))
	if len(msgs) > 0 {
		span.AddEvent(tracing.EventMessageDelivered)
	}
	span.SetStatus(codes.Ok, "")
	return msgs, nil
}

func validateRole(role message.Role) error {
	if !role.Valid() {
		return &ValidationError{Field: "role", Reason: "unknown role " + string(role)}
	}
	return nil
}

func rejected(span trace.Span, err error) error {
	metrics.ValidationFailures.Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log.Debug(log.CatRelay, "Rejected relay call", "error", err)
	return err
}
