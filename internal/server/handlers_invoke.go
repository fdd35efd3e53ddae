package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/kiban/internal/ctxutil"
	"github.com/ashita-ai/kiban/internal/model"
)

// HandleInvoke handles POST /v1/agents/{agent_id}/invoke. The response is an
// SSE stream when the client asks for one with Accept: text/event-stream or
// ?stream=true.
func (h *Handlers) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req model.InvokeRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, err)
		return
	}
	caller := ctxutil.CallerFromContext(r.Context())

	if wantsStream(r) {
		sink := newSSEWriter(w)
		err := h.gateway.InvokeStream(r.Context(), caller, agentID, req, sink)
		if err != nil && !sink.started {
			writeError(w, r, err)
		}
		return
	}

	key, err := idempotencyKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := h.gateway.Invoke(r.Context(), caller, agentID, req, key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("X-Trace-Id", resp.TraceID)
	writeJSON(w, r, http.StatusOK, resp)
}

func wantsStream(r *http.Request) bool {
	if r.URL.Query().Get("stream") == "true" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// sseWriter writes stream events as server-sent events. Headers are sent
// with the first event so that admission errors can still use the JSON
// error envelope.
type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) Send(event string, data any) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		// Streams outlive the server's WriteTimeout.
		_ = s.rc.SetWriteDeadline(time.Time{})
		s.started = true
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("sse: marshal %s: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	return s.rc.Flush()
}
