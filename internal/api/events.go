package api

import (
	"net/http"
	"time"

	"github.com/zjrosen/talkrelay/internal/log"
	"github.com/zjrosen/talkrelay/internal/mcp"
	"github.com/zjrosen/talkrelay/internal/message"
	"github.com/zjrosen/talkrelay/internal/pubsub"
)

// StreamEvents streams store events as server-sent events. Observing never
// claims messages: a client that only listens here still sees them as
// undelivered through the pull routes. With ?logs=true the debug log is
// tailed on the same stream.
// GET /api/events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported", "")
		return
	}

	ctx := r.Context()
	msgEvents := h.relay.Store().Broker().Subscribe(ctx)

	var toolEvents <-chan pubsub.Event[mcp.ToolEvent]
	if h.mcp != nil {
		toolEvents = h.mcp.Broker().Subscribe(ctx)
	}

	var logLines <-chan pubsub.Event[string]
	if includeLogs(r) {
		if l := log.NewListener(ctx); l != nil {
			logLines = l.C()
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	if err := sseWrite(w, flusher, "connected", map[string]any{
		"messages":  h.relay.Store().Count(),
		"retention": h.relay.Store().Retention(),
	}); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	log.Debug(log.CatAPI, "Event stream opened")
	defer log.Debug(log.CatAPI, "Event stream closed")

	for {
		var err error
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if _, err = w.Write([]byte(": heartbeat\n\n")); err == nil {
				flusher.Flush()
			}

		case evt, ok := <-msgEvents:
			if !ok {
				return
			}
			err = sseWrite(w, flusher, string(evt.Payload.Type), messageEventJSON(evt))

		case evt, ok := <-toolEvents:
			if !ok {
				toolEvents = nil
				continue
			}
			err = sseWrite(w, flusher, "tool", evt.Payload)

		case evt, ok := <-logLines:
			if !ok {
				logLines = nil
				continue
			}
			err = sseWrite(w, flusher, "log", map[string]string{"line": evt.Payload})
		}

		if err != nil {
			log.Debug(log.CatAPI, "Event stream write failed", "error", err)
			return
		}
	}
}

// messageEventJSON carries the store sequence number so a client can tell
// when its stream skipped events.
func messageEventJSON(evt pubsub.Event[message.Event]) map[string]any {
	return map[string]any{
		"seq":     evt.Seq,
		"type":    string(evt.Payload.Type),
		"message": evt.Payload.Message,
	}
}

func includeLogs(r *http.Request) bool {
	return r.URL.Query().Get("logs") == "true"
}
