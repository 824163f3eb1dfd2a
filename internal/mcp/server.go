package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/talkrelay/internal/log"
	"github.com/zjrosen/talkrelay/internal/metrics"
	"github.com/zjrosen/talkrelay/internal/pubsub"
	"github.com/zjrosen/talkrelay/internal/tracing"
)

// maxLineSize bounds a single stdio message.
const maxLineSize = 1024 * 1024

// ToolHandler handles a tool call. A returned error becomes an isError
// result, never an RPC error.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error)

// ToolEvent describes a finished tool call.
type ToolEvent struct {
	Tool      string        `json:"tool"`
	RequestID string        `json:"requestId,omitempty"`
	Duration  time.Duration `json:"duration"`
	IsError   bool          `json:"isError"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Server is an MCP server usable over stdio (Serve) or HTTP (Handler).
type Server struct {
	info         ImplementationInfo
	instructions string
	tracer       trace.Tracer

	mu          sync.RWMutex
	tools       map[string]Tool
	handlers    map[string]ToolHandler
	initialized bool

	writeMu sync.Mutex
	writer  io.Writer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inflight sync.Map // request ID -> context.CancelFunc

	broker *pubsub.Broker[ToolEvent]
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithInstructions sets the instructions sent during initialization.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithTracer records a span per tool call.
func WithTracer(t trace.Tracer) ServerOption {
	return func(s *Server) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewServer creates a server with no tools registered.
func NewServer(name, version string, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		info:     ImplementationInfo{Name: name, Version: version},
		tracer:   noop.NewTracerProvider().Tracer("mcp"),
		tools:    make(map[string]Tool),
		handlers: make(map[string]ToolHandler),
		ctx:      ctx,
		cancel:   cancel,
		broker:   pubsub.NewBrokerWithBuffer[ToolEvent](64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTool registers a tool with its handler, replacing any tool of the
// same name.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[tool.Name] = tool
	s.handlers[tool.Name] = handler
	log.Debug(log.CatMCP, "Registered tool", "name", tool.Name)
}

// Broker publishes a ToolEvent after every tool call.
func (s *Server) Broker() *pubsub.Broker[ToolEvent] {
	return s.broker
}

// Initialized reports whether the client sent notifications/initialized.
func (s *Server) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Serve reads newline-delimited JSON-RPC from r and writes responses to w
// until r is exhausted or Stop is called. Tool calls run concurrently so a
// long wait does not block pings or cancellations. When input ends, calls
// still in flight are cancelled: the host has gone away.
func (s *Server) Serve(r io.Reader, w io.Writer) error {
	s.writeMu.Lock()
	s.writer = w
	s.writeMu.Unlock()

	err := s.readLoop(r)

	s.cancelInflight()
	s.wg.Wait()
	return err
}

func (s *Server) readLoop(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		log.Debug(log.CatMCP, "Received message", "raw", string(line))

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.send(NewErrorResponse(nil, NewParseError(err.Error())))
			continue
		}

		switch {
		case req.IsNotification():
			s.handleNotification(&req)
		case req.Method == "tools/call":
			s.startToolCall(req)
		default:
			s.send(s.respond(s.ctx, &req))
		}

		select {
		case <-s.ctx.Done():
			return nil
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// startToolCall runs a tools/call in its own goroutine with a context that
// notifications/cancelled can end.
func (s *Server) startToolCall(req Request) {
	ctx, cancel := context.WithCancel(s.ctx)
	key := string(req.ID)
	s.inflight.Store(key, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		resp := s.respond(ctx, &req)
		s.inflight.Delete(key)

		if ctx.Err() != nil {
			log.Debug(log.CatMCP, "Dropping response for cancelled request", "id", key)
			return
		}
		s.send(resp)
	}()
}

func (s *Server) cancelInflight() {
	s.inflight.Range(func(key, value any) bool {
		value.(context.CancelFunc)()
		return true
	})
}

// Stop cancels in-flight calls, ends Serve, and waits for handlers to return.
func (s *Server) Stop() {
	s.cancel()
	s.wg.Wait()
	s.broker.Close()
}

// Handler serves MCP over HTTP: one JSON-RPC message per POST. Tool calls
// end when the client disconnects or Stop is called.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxLineSize))
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}

		var resp *Response
		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			resp = NewErrorResponse(nil, NewParseError(err.Error()))
		} else if req.IsNotification() {
			s.handleNotification(&req)
			w.WriteHeader(http.StatusAccepted)
			return
		} else {
			ctx, cancel := context.WithCancel(r.Context())
			stop := context.AfterFunc(s.ctx, cancel)
			resp = s.respond(ctx, &req)
			stop()
			cancel()
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Debug(log.CatMCP, "Failed to write response", "error", err)
		}
	})
}

// respond dispatches a request and builds its response.
func (s *Server) respond(ctx context.Context, req *Request) *Response {
	log.Debug(log.CatMCP, "Handling request", "method", req.Method)

	if req.JSONRPC != JSONRPCVersion {
		return NewErrorResponse(req.ID, NewInvalidRequest("jsonrpc must be \"2.0\""))
	}

	var result any
	var rpcErr *RPCError

	switch req.Method {
	case "initialize":
		result, rpcErr = s.handleInitialize(req.Params)
	case "tools/list":
		result = s.handleToolsList()
	case "tools/call":
		result, rpcErr = s.handleToolsCall(ctx, string(req.ID), req.Params)
	case "ping":
		result = struct{}{}
	default:
		rpcErr = NewMethodNotFound(req.Method)
	}

	if rpcErr != nil {
		return NewErrorResponse(req.ID, rpcErr)
	}
	return NewResponse(req.ID, result)
}

func (s *Server) handleNotification(req *Request) {
	switch req.Method {
	case "notifications/initialized":
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		log.Debug(log.CatMCP, "Client initialized")

	case "notifications/cancelled":
		var p CancelledParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			log.Debug(log.CatMCP, "Malformed cancellation", "error", err)
			return
		}
		if cancel, ok := s.inflight.Load(string(p.RequestID)); ok {
			cancel.(context.CancelFunc)()
			log.Info(log.CatMCP, "Request cancelled", "id", string(p.RequestID), "reason", p.Reason)
		}

	default:
		log.Debug(log.CatMCP, "Ignoring notification", "method", req.Method)
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParams(err.Error())
		}
	}

	log.Info(log.CatMCP, "Initialize request",
		"clientVersion", p.ProtocolVersion,
		"clientName", p.ClientInfo.Name)

	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ServerCapability{Tools: &ToolsCapability{}},
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

func (s *Server) handleToolsList() ToolsListResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return ToolsListResult{Tools: tools}
}

func (s *Server) handleToolsCall(ctx context.Context, requestID string, params json.RawMessage) (any, *RPCError) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewInvalidParams(err.Error())
	}

	s.mu.RLock()
	handler, ok := s.handlers[p.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, NewToolNotFound(p.Name)
	}

	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixMCP+p.Name,
		trace.WithAttributes(
			attribute.String(tracing.AttrMCPToolName, p.Name),
			attribute.String(tracing.AttrMCPRequestID, requestID),
		),
	)
	defer span.End()

	log.Debug(log.CatMCP, "Calling tool", "name", p.Name)

	start := time.Now()
	result, err := handler(ctx, p.Arguments)
	if err == nil && result == nil {
		err = fmt.Errorf("tool %s returned no result", p.Name)
	}
	s.publishToolEvent(p.Name, requestID, time.Since(start), result, err)

	if err != nil {
		metrics.ToolCalls.WithLabelValues(p.Name, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn(log.CatMCP, "Tool execution failed", "name", p.Name, "error", err)
		return ErrorResult(err.Error()), nil
	}

	outcome := "ok"
	if result.IsError {
		outcome = "error"
	}
	metrics.ToolCalls.WithLabelValues(p.Name, outcome).Inc()
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (s *Server) publishToolEvent(name, requestID string, d time.Duration, result *ToolCallResult, err error) {
	evt := ToolEvent{
		Tool:      name,
		RequestID: requestID,
		Duration:  d,
		Timestamp: time.Now(),
	}
	if err != nil {
		evt.IsError = true
		evt.Error = err.Error()
	} else if result.IsError {
		evt.IsError = true
		evt.Error = result.Text()
	}
	s.broker.Publish(evt)
}

// send writes one newline-terminated response to the stdio writer.
func (s *Server) send(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error(log.CatMCP, "Failed to marshal response", "error", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writer == nil {
		return
	}
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		log.Debug(log.CatMCP, "Failed to write response", "error", err)
		return
	}
	log.Debug(log.CatMCP, "Sent response", "raw", string(data))
}
