package tracing

// Span attribute keys.
const (
	// Message attributes
	AttrMessageID    = "message.id"
	AttrMessageRole  = "message.role"
	AttrMessageCount = "message.count"
	AttrIncludeAll   = "fetch.include_all"

	// HTTP attributes
	AttrHTTPMethod = "http.method"
	AttrHTTPRoute  = "http.route"
	AttrHTTPStatus = "http.status_code"
	AttrRequestID  = "http.request_id"

	// MCP attributes
	AttrMCPToolName  = "mcp.tool.name"
	AttrMCPRequestID = "mcp.request.id"

	// Wait attributes
	AttrWaitOutcome  = "wait.outcome"
	AttrWaitPolls    = "wait.polls"
	AttrWaitInterval = "wait.interval_ms"
	AttrWaitMax      = "wait.max_ms"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixRelay = "relay."
	SpanPrefixHTTP  = "http."
	SpanPrefixMCP   = "mcp.tool."
	SpanWaitReply   = "wait.reply"
)

// Event names for span events.
const (
	EventMessageDelivered = "message.delivered"
	EventPollFailed       = "poll.failed"
	EventReplyReceived    = "reply.received"
	EventWaitTimedOut     = "wait.timed_out"
)
