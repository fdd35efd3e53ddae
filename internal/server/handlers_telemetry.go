package server

import (
	"io"
	"net/http"

	"github.com/ashita-ai/kiban/internal/ingest"
	"github.com/ashita-ai/kiban/internal/model"
)

// HandleTelemetry handles POST /v1/telemetry. The body is read raw, one byte
// past the limit so the verifier can reject oversize reports. Accepted
// reports, duplicates included, get 202 with no body.
func (h *Handlers) HandleTelemetry(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, ingest.MaxBodyBytes+1))
	if err != nil {
		writeError(w, r, model.InvalidRequest("failed to read body"))
		return
	}
	receipt, err := h.verifier.Ingest(r.Context(), r.Header.Get("Deployment-Id"), r.Header.Get("Signature"), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if receipt.Duplicate {
		h.logger.Debug("telemetry: duplicate event", "event_id", receipt.EventID)
	}
	w.WriteHeader(http.StatusAccepted)
}
