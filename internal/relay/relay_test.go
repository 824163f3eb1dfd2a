package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zjrosen/talkrelay/internal/message"
	"github.com/zjrosen/talkrelay/internal/store"
)

func TestService_PushAndPull(t *testing.T) {
	svc := NewService(store.NewMemoryStore())
	ctx := context.Background()

	pushed, err := svc.Push(ctx, "hello", message.RoleAssistant)
	require.NoError(t, err)
	require.NotEmpty(t, pushed.ID)
	require.False(t, pushed.Timestamp.IsZero())

	got, err := svc.Pull(ctx, message.RoleAssistant, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, pushed.ID, got[0].ID)
	require.True(t, got[0].Delivered)

	got, err = svc.Pull(ctx, message.RoleAssistant, false)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestService_PushRejectsEmptyText(t *testing.T) {
	svc := NewService(store.NewMemoryStore())

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := svc.Push(context.Background(), text, message.RoleUser)
		require.Error(t, err)
		require.True(t, IsValidation(err))

		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		require.Equal(t, "text", verr.Field)
	}
	require.Equal(t, 0, svc.Store().Count())
}

func TestService_RejectsUnknownRole(t *testing.T) {
	svc := NewService(store.NewMemoryStore())

	_, err := svc.Push(context.Background(), "hi", message.Role("system"))
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Pull(context.Background(), message.Role("system"), false)
	require.ErrorIs(t, err, ErrValidation)
}

func TestService_CancelledContext(t *testing.T) {
	svc := NewService(store.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Push(ctx, "hi", message.RoleUser)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, svc.Store().Count())

	_, err = svc.Pull(ctx, message.RoleUser, false)
	require.ErrorIs(t, err, context.Canceled)
}

func TestService_IncludeAllLeavesMessagesPending(t *testing.T) {
	svc := NewService(store.NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Push(ctx, "reply", message.RoleUser)
	require.NoError(t, err)

	all, err := svc.Pull(ctx, message.RoleUser, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, 1, svc.Delivery().Pending(message.RoleUser))
}

func TestService_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	svc := NewService(store.NewMemoryStore(), WithTracer(tp.Tracer("test")))

	_, err := svc.Push(context.Background(), "hi", message.RoleAssistant)
	require.NoError(t, err)
	_, err = svc.Pull(context.Background(), message.RoleAssistant, false)
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "relay.push", spans[0].Name())
	require.Equal(t, "relay.pull", spans[1].Name())
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Field: "text", Reason: "Text is required"}
	require.Equal(t, "text: Text is required", err.Error())
}
