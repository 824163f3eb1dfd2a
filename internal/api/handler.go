// Package api provides the HTTP surface of the relay: push and pull routes
// for both roles, an SSE observation stream, health, metrics, and MCP over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/talkrelay/internal/cachemanager"
	"github.com/zjrosen/talkrelay/internal/log"
	"github.com/zjrosen/talkrelay/internal/mcp"
	"github.com/zjrosen/talkrelay/internal/message"
	"github.com/zjrosen/talkrelay/internal/metrics"
	"github.com/zjrosen/talkrelay/internal/relay"
	"github.com/zjrosen/talkrelay/internal/tracing"
)

// maxBodySize bounds push request bodies.
const maxBodySize = 64 * 1024

// heartbeatInterval keeps idle SSE connections open through proxies.
const heartbeatInterval = 30 * time.Second

// IdempotencyHeader carries a client-chosen key that makes a push safe to
// retry.
const IdempotencyHeader = "Idempotency-Key"

// Push confirmation texts shown to each side.
const (
	assistantAck = "Message received and will be spoken"
	userAck      = "User message received"
)

type idempotencyKey string

type pushInput struct {
	text string
	role message.Role
}

// Handler serves the relay API.
type Handler struct {
	relay          *relay.Service
	mcp            *mcp.Server
	idem           *cachemanager.ReadThroughCache[idempotencyKey, SpeakResponse, pushInput]
	idemTTL        time.Duration
	allowedOrigins []string
	tracer         trace.Tracer
	heartbeat      time.Duration
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	// Relay is the in-process relay (required).
	Relay *relay.Service
	// MCP is mounted at POST /mcp when set.
	MCP *mcp.Server
	// IdempotencyTTL is how long an Idempotency-Key replays. Zero uses
	// cachemanager.DefaultExpiration.
	IdempotencyTTL time.Duration
	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string
	// Tracer records a server span per request when set.
	Tracer trace.Tracer
}

// NewHandler creates the API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	ttl := cfg.IdempotencyTTL
	if ttl <= 0 {
		ttl = cachemanager.DefaultExpiration
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	h := &Handler{
		relay:          cfg.Relay,
		mcp:            cfg.MCP,
		idemTTL:        ttl,
		allowedOrigins: origins,
		tracer:         cfg.Tracer,
		heartbeat:      heartbeatInterval,
	}
	h.idem = cachemanager.NewReadThroughCache[idempotencyKey, SpeakResponse, pushInput](
		cachemanager.NewInMemoryCacheManager[idempotencyKey, SpeakResponse]("idempotency", ttl, cachemanager.DefaultCleanupInterval),
		h.push,
	)
	return h
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(requestIDHeader)
	r.Use(chimw.Recoverer)
	r.Use(tracing.HTTPMiddleware(h.tracer, routePattern))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", IdempotencyHeader, "Mcp-Session-Id"},
		ExposedHeaders:   []string{chimw.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	// Assistant side
	r.Post("/api/mcp/speak", h.PushAssistant)
	r.Get("/api/mcp/speak", h.PullAssistant)
	r.Get("/api/mcp/user-messages", h.PullUserForTool)

	// User side
	r.Post("/api/user/speak", h.PushUser)
	r.Get("/api/user/speak", h.PullUser)

	// Observation
	r.Get("/api/events", h.StreamEvents)

	if h.mcp != nil {
		r.Post("/mcp", h.mcp.Handler().ServeHTTP)
	}

	return r
}

// requestIDHeader echoes the chi request ID so clients can correlate logs.
func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			w.Header().Set(chimw.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}

// === Request/Response types ===

// SpeakRequest is the body of a push.
type SpeakRequest struct {
	Text string `json:"text"`
}

// SpeakResponse confirms a push.
type SpeakResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// MessagesResponse is the body of a pull.
type MessagesResponse struct {
	Messages []message.Message `json:"messages"`
}

// HealthResponse reports relay status.
type HealthResponse struct {
	Status    string         `json:"status"`
	Messages  int            `json:"messages"`
	Retention int            `json:"retention"`
	Pending   map[string]int `json:"pending"`
}

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// === Push ===

// PushAssistant appends an assistant message.
// POST /api/mcp/speak
func (h *Handler) PushAssistant(w http.ResponseWriter, r *http.Request) {
	h.handlePush(w, r, message.RoleAssistant)
}

// PushUser appends a user message.
// POST /api/user/speak
func (h *Handler) PushUser(w http.ResponseWriter, r *http.Request) {
	h.handlePush(w, r, message.RoleUser)
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request, role message.Role) {
	var req SpeakRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		metrics.ValidationFailures.Inc()
		h.writeError(w, http.StatusBadRequest, "validation_error", "Text is required", "text")
		return
	}

	in := pushInput{text: req.Text, role: role}
	var (
		resp SpeakResponse
		err  error
	)
	if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" {
		var replayed bool
		resp, replayed, err = h.idem.Get(r.Context(), idempotencyKey(string(role)+":"+key), in, h.idemTTL)
		if err == nil && replayed {
			metrics.IdempotentReplays.Inc()
			log.Debug(log.CatAPI, "Replayed idempotent push", "role", role, "key", key)
			w.Header().Set("Idempotent-Replayed", "true")
		}
	} else {
		resp, err = h.push(r.Context(), in)
	}

	if err != nil {
		h.writeRelayError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) push(ctx context.Context, in pushInput) (SpeakResponse, error) {
	msg, err := h.relay.Push(ctx, in.text, in.role)
	if err != nil {
		return SpeakResponse{}, err
	}

	ack := userAck
	if in.role == message.RoleAssistant {
		ack = assistantAck
	}
	return SpeakResponse{
		Success:   true,
		Message:   ack,
		MessageID: msg.ID,
		Timestamp: msg.Timestamp,
	}, nil
}

// === Pull ===

// PullAssistant returns messages for the role query parameter, which
// defaults to assistant. This is the human client's poll.
// GET /api/mcp/speak?all=bool&role=assistant|user
func (h *Handler) PullAssistant(w http.ResponseWriter, r *http.Request) {
	role := message.RoleAssistant
	if raw := r.URL.Query().Get("role"); raw != "" {
		parsed, err := message.ParseRole(raw)
		if err != nil {
			metrics.ValidationFailures.Inc()
			h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "role")
			return
		}
		role = parsed
	}
	h.handlePull(w, r, role)
}

// PullUser returns user messages.
// GET /api/user/speak?all=bool
func (h *Handler) PullUser(w http.ResponseWriter, r *http.Request) {
	h.handlePull(w, r, message.RoleUser)
}

// PullUserForTool returns user messages. This is the tool's poll.
// GET /api/mcp/user-messages?all=bool
func (h *Handler) PullUserForTool(w http.ResponseWriter, r *http.Request) {
	h.handlePull(w, r, message.RoleUser)
}

func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request, role message.Role) {
	msgs, err := h.relay.Pull(r.Context(), role, includeAll(r))
	if err != nil {
		h.writeRelayError(w, err)
		return
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	h.writeJSON(w, http.StatusOK, MessagesResponse{Messages: msgs})
}

// includeAll reads the all query parameter. Anything that is not a true
// boolean means false.
func includeAll(r *http.Request) bool {
	all, err := strconv.ParseBool(r.URL.Query().Get("all"))
	return err == nil && all
}

// === Health ===

// Health reports store occupancy.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	st := h.relay.Store()
	pending := make(map[string]int, len(message.Roles()))
	for _, role := range message.Roles() {
		pending[string(role)] = h.relay.Delivery().Pending(role)
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Messages:  st.Count(),
		Retention: st.Retention(),
		Pending:   pending,
	})
}

// === Helpers ===

func (h *Handler) writeRelayError(w http.ResponseWriter, err error) {
	var ve *relay.ValidationError
	switch {
	case errors.As(err, &ve):
		h.writeError(w, http.StatusBadRequest, "validation_error", ve.Reason, ve.Field)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away; nobody is reading the response.
		log.Debug(log.CatAPI, "Request cancelled", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "cancelled", "Request cancelled", "")
	default:
		log.ErrorErr(log.CatAPI, "Relay operation failed", err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to process request", "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error(log.CatAPI, "Failed to encode JSON response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg, details string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   msg,
		Code:    code,
		Details: details,
	})
}

func sseWrite(w http.ResponseWriter, f http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	f.Flush()
	return nil
}
