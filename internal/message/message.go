// Package message defines the messages exchanged between the speaking tool
// and the human client.
package message

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies which side of the conversation produced a message.
type Role string

const (
	// RoleAssistant is the tool side: text to be spoken to the human.
	RoleAssistant Role = "assistant"

	// RoleUser is the human side: typed or transcribed replies.
	RoleUser Role = "user"
)

// Roles lists every known role.
func Roles() []Role {
	return []Role{RoleAssistant, RoleUser}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAssistant || r == RoleUser
}

// ParseRole converts a string into a Role, rejecting unknown values.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Message is a single entry in the relay log.
// Everything except Delivered is fixed at creation.
type Message struct {
	// ID is a unique identifier for this message (uuid).
	ID string `json:"id"`

	// Text is the message body. May contain formatting markup.
	Text string `json:"text"`

	// Role identifies the producing side.
	Role Role `json:"role"`

	// Timestamp when the message was appended.
	Timestamp time.Time `json:"timestamp"`

	// Delivered is set once a draining fetch for Role has returned this message.
	Delivered bool `json:"delivered"`
}

// JoinText concatenates message texts with newlines, in slice order.
func JoinText(msgs []Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "\n")
}

// EventType identifies the kind of message event.
type EventType string

const (
	// EventPosted is emitted when a new message is appended to the log.
	EventPosted EventType = "posted"

	// EventDelivered is emitted when a draining fetch claims a message.
	EventDelivered EventType = "delivered"

	// EventEvicted is emitted when retention drops the oldest message.
	EventEvicted EventType = "evicted"
)

// Event represents an event from the message store.
type Event struct {
	// Type identifies the kind of event.
	Type EventType `json:"type"`

	// Message is the entry the event is about.
	Message Message `json:"message"`
}
