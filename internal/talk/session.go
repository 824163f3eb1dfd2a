// Package talk implements the assistant-facing conversation tools: speak to
// the user and wait for the reply, or check for messages without waiting.
package talk

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zjrosen/talkrelay/internal/log"
	"github.com/zjrosen/talkrelay/internal/message"
	"github.com/zjrosen/talkrelay/internal/relay"
	"github.com/zjrosen/talkrelay/internal/waiter"
)

// ErrWaitInProgress is returned when a second speech_response arrives while
// the session is still waiting for the user to answer the first.
var ErrWaitInProgress = errors.New("already waiting for a user reply")

// Session holds one assistant's side of the conversation.
type Session struct {
	relay   relay.Relay
	waitCfg waiter.Config
	waiting atomic.Bool
}

// NewSession creates a session that speaks through r. Each reply wait uses
// waitCfg.
func NewSession(r relay.Relay, waitCfg waiter.Config) *Session {
	return &Session{relay: r, waitCfg: waitCfg}
}

// Waiting reports whether a reply wait is in progress.
func (s *Session) Waiting() bool {
	return s.waiting.Load()
}

// SpeechResponse posts text as the assistant, then blocks until the user
// answers or the wait times out. A timeout is a normal Result whose Reply is
// the no-response text.
func (s *Session) SpeechResponse(ctx context.Context, text string) (waiter.Result, error) {
	if !s.waiting.CompareAndSwap(false, true) {
		return waiter.Result{}, ErrWaitInProgress
	}
	defer s.waiting.Store(false)

	msg, err := s.relay.Push(ctx, text, message.RoleAssistant)
	if err != nil {
		return waiter.Result{}, fmt.Errorf("send text: %w", err)
	}
	log.Info(log.CatMCP, "Spoke, waiting for user", "id", msg.ID)

	return waiter.New(s.relay, s.waitCfg).Wait(ctx)
}

// GetUserMessages claims any undelivered user messages and returns their
// text joined by newlines. No messages yields an empty string.
func (s *Session) GetUserMessages(ctx context.Context) (string, error) {
	msgs, err := s.relay.Pull(ctx, message.RoleUser, false)
	if err != nil {
		return "", fmt.Errorf("get user messages: %w", err)
	}
	return message.JoinText(msgs), nil
}
