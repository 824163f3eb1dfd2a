// Package client talks to a running relay over its HTTP API. It is what the
// stdio MCP server uses when the relay lives in another process.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/talkrelay/internal/log"
	"github.com/zjrosen/talkrelay/internal/message"
	"github.com/zjrosen/talkrelay/internal/relay"
)

// DefaultEndpoint is where the relay listens unless configured otherwise.
const DefaultEndpoint = "http://localhost:3000"

// DefaultTimeout bounds a single API request.
const DefaultTimeout = 10 * time.Second

// DefaultRetryDelay is the pause before a push is retried once after a
// transient failure.
const DefaultRetryDelay = 500 * time.Millisecond

// ErrTransient marks failures worth retrying: the relay was unreachable or
// answered with a 5xx.
var ErrTransient = errors.New("relay unavailable")

// Compile-time interface assertion
var _ relay.Relay = (*Client)(nil)

// Client implements relay.Relay against the HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	newKey     func() string
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New creates a client for the relay at baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultEndpoint
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		newKey:     uuid.NewString,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the relay address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type speakRequest struct {
	Text string `json:"text"`
}

type speakResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

type messagesResponse struct {
	Messages []message.Message `json:"messages"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// Push posts text for role. A transient failure is retried once with the
// same Idempotency-Key, so a push the relay already stored is replayed
// rather than appended twice.
func (c *Client) Push(ctx context.Context, text string, role message.Role) (message.Message, error) {
	path, err := pushPath(role)
	if err != nil {
		return message.Message{}, err
	}

	key := c.newKey()
	var resp speakResponse
	err = c.do(ctx, http.MethodPost, path, key, speakRequest{Text: text}, &resp)
	if errors.Is(err, ErrTransient) {
		log.Warn(log.CatClient, "Push failed, retrying", "role", role, "error", err)
		select {
		case <-ctx.Done():
			return message.Message{}, ctx.Err()
		case <-time.After(c.retryDelay):
		}
		err = c.do(ctx, http.MethodPost, path, key, speakRequest{Text: text}, &resp)
	}
	if err != nil {
		return message.Message{}, err
	}

	log.Debug(log.CatClient, "Pushed message", "role", role, "id", resp.MessageID)
	return message.Message{
		ID:        resp.MessageID,
		Text:      text,
		Role:      role,
		Timestamp: resp.Timestamp,
	}, nil
}

// Pull fetches messages for role. With includeAll false the relay marks the
// returned messages delivered.
func (c *Client) Pull(ctx context.Context, role message.Role, includeAll bool) ([]message.Message, error) {
	path, err := pullPath(role, includeAll)
	if err != nil {
		return nil, err
	}

	var resp messagesResponse
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Messages == nil {
		return []message.Message{}, nil
	}
	return resp.Messages, nil
}

func pushPath(role message.Role) (string, error) {
	switch role {
	case message.RoleAssistant:
		return "/api/mcp/speak", nil
	case message.RoleUser:
		return "/api/user/speak", nil
	default:
		return "", &relay.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
}

func pullPath(role message.Role, includeAll bool) (string, error) {
	q := url.Values{"all": {strconv.FormatBool(includeAll)}}
	switch role {
	case message.RoleAssistant:
		q.Set("role", string(role))
		return "/api/mcp/speak?" + q.Encode(), nil
	case message.RoleUser:
		return "/api/mcp/user-messages?" + q.Encode(), nil
	default:
		return "", &relay.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
}

// do sends one request. A non-empty key is sent as the Idempotency-Key.
func (c *Client) do(ctx context.Context, method, path, key string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %w", ErrTransient, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %w", ErrTransient, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s %s: status %d", ErrTransient, method, path, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError maps a 4xx body to an error. Validation failures come back as
// *relay.ValidationError so callers can treat local and remote relays alike.
func decodeError(status int, data []byte) error {
	var er errorResponse
	_ = json.Unmarshal(data, &er)

	if er.Error == "" {
		er.Error = http.StatusText(status)
	}
	if er.Code == "validation_error" || er.Code == "invalid_json" {
		field := er.Details
		if field == "" {
			field = "request"
		}
		return &relay.ValidationError{Field: field, Reason: er.Error}
	}
	return fmt.Errorf("relay returned %d: %s", status, er.Error)
}
