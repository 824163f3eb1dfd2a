package talk

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/talkrelay/internal/mcp"
	"github.com/zjrosen/talkrelay/internal/message"
	"github.com/zjrosen/talkrelay/internal/relay"
	"github.com/zjrosen/talkrelay/internal/store"
	"github.com/zjrosen/talkrelay/internal/waiter"
)

type mockRelay struct {
	mock.Mock
}

func (m *mockRelay) Push(ctx context.Context, text string, role message.Role) (message.Message, error) {
	args := m.Called(ctx, text, role)
	return args.Get(0).(message.Message), args.Error(1)
}

func (m *mockRelay) Pull(ctx context.Context, role message.Role, includeAll bool) ([]message.Message, error) {
	args := m.Called(ctx, role, includeAll)
	msgs, _ := args.Get(0).([]message.Message)
	return msgs, args.Error(1)
}

var fastWait = waiter.Config{Interval: 5 * time.Millisecond, MaxWait: time.Second}

func TestSpeechResponse_ReturnsReply(t *testing.T) {
	r := &mockRelay{}
	r.On("Push", mock.Anything, "what next?", message.RoleAssistant).
		Return(message.Message{ID: "a1", Text: "what next?", Role: message.RoleAssistant}, nil).Once()
	r.On("Pull", mock.Anything, message.RoleUser, false).Return([]message.Message{}, nil).Once()
	r.On("Pull", mock.Anything, message.RoleUser, false).Return([]message.Message{
		{ID: "u1", Text: "ship it", Role: message.RoleUser},
	}, nil).Once()

	s := NewSession(r, fastWait)
	res, err := s.SpeechResponse(context.Background(), "what next?")
	require.NoError(t, err)
	require.Equal(t, waiter.OutcomeResolved, res.Outcome)
	require.Equal(t, "ship it", res.Reply())
	require.False(t, s.Waiting())
	r.AssertExpectations(t)
}

func TestSpeechResponse_PushFailureSkipsWait(t *testing.T) {
	r := &mockRelay{}
	r.On("Push", mock.Anything, "hello", message.RoleAssistant).
		Return(message.Message{}, errors.New("connection refused")).Once()

	s := NewSession(r, fastWait)
	_, err := s.SpeechResponse(context.Background(), "hello")
	require.ErrorContains(t, err, "connection refused")
	r.AssertNotCalled(t, "Pull", mock.Anything, mock.Anything, mock.Anything)
}

func TestSpeechResponse_TimesOut(t *testing.T) {
	r := &mockRelay{}
	r.On("Push", mock.Anything, "anyone?", message.RoleAssistant).Return(message.Message{ID: "a1"}, nil)
	r.On("Pull", mock.Anything, message.RoleUser, false).Return([]message.Message{}, nil)

	s := NewSession(r, waiter.Config{Interval: 5 * time.Millisecond, MaxWait: 20 * time.Millisecond})
	res, err := s.SpeechResponse(context.Background(), "anyone?")
	require.NoError(t, err)
	require.Equal(t, waiter.OutcomeTimedOut, res.Outcome)
	require.Equal(t, waiter.NoResponseText, res.Reply())
}

func TestSpeechResponse_OneWaitAtATime(t *testing.T) {
	svc := relay.NewService(store.NewMemoryStore())
	s := NewSession(svc, waiter.Config{Interval: 5 * time.Millisecond, MaxWait: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.SpeechResponse(ctx, "first")
		done <- err
	}()
	require.Eventually(t, s.Waiting, time.Second, time.Millisecond)

	_, err := s.SpeechResponse(context.Background(), "second")
	require.ErrorIs(t, err, ErrWaitInProgress)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.False(t, s.Waiting())

	// Only the first message reached the relay.
	require.Len(t, svc.Store().Snapshot(message.RoleAssistant), 1)
}

func TestGetUserMessages(t *testing.T) {
	r := &mockRelay{}
	r.On("Pull", mock.Anything, message.RoleUser, false).Return([]message.Message{
		{Text: "one"}, {Text: "two"},
	}, nil).Once()
	r.On("Pull", mock.Anything, message.RoleUser, false).Return([]message.Message{}, nil).Once()
	r.On("Pull", mock.Anything, message.RoleUser, false).Return(nil, errors.New("boom")).Once()

	s := NewSession(r, fastWait)

	text, err := s.GetUserMessages(context.Background())
	require.NoError(t, err)
	require.Equal(t, "one\ntwo", text)

	text, err = s.GetUserMessages(context.Background())
	require.NoError(t, err)
	require.Empty(t, text)

	_, err = s.GetUserMessages(context.Background())
	require.ErrorContains(t, err, "boom")
}

func callTool(t *testing.T, srv *mcp.Server, name, args string) mcp.ToolCallResult {
	t.Helper()
	h := srv.Handler()
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"` + name + `","arguments":` + args + `}}`
	rec := httpPost(h, body)

	var resp struct {
		Result mcp.ToolCallResult `json:"result"`
		Error  *mcp.RPCError      `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec, &resp))
	require.Nil(t, resp.Error)
	return resp.Result
}

func TestTools_EndToEndOverInProcessRelay(t *testing.T) {
	svc := relay.NewService(store.NewMemoryStore())
	s := NewSession(svc, waiter.Config{Interval: 5 * time.Millisecond, MaxWait: time.Second})
	srv := mcp.NewServer("talkrelay", "test", mcp.WithInstructions(Instructions))
	s.Register(srv)

	// The user answers as soon as the assistant's message is visible.
	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if got := svc.Delivery().FetchUndelivered(message.RoleAssistant, false); len(got) > 0 {
				_, _ = svc.Push(context.Background(), "sounds good", message.RoleUser)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	res := callTool(t, srv, ToolSpeechResponse, `{"text":"shall we deploy?"}`)
	require.False(t, res.IsError)
	require.Equal(t, "sounds good", res.Text())

	res = callTool(t, srv, ToolSpeechResponse, `{}`)
	require.True(t, res.IsError)
	require.Contains(t, res.Text(), "text is required")

	_, err := svc.Push(context.Background(), "late note", message.RoleUser)
	require.NoError(t, err)
	res = callTool(t, srv, ToolGetUserMessages, `{}`)
	require.False(t, res.IsError)
	require.Equal(t, "late note", res.Text())

	res = callTool(t, srv, ToolGetUserMessages, `{}`)
	require.Empty(t, res.Text())
}
