package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/ashita-ai/kiban/internal/billing"
	"github.com/ashita-ai/kiban/internal/ctxutil"
	"github.com/ashita-ai/kiban/internal/model"
)

var errBillingDisabled = model.NewError(model.ErrInternal, "billing not configured")

func (h *Handlers) billingEnabled() bool {
	return h.billing != nil && h.billing.Enabled()
}

// HandleBillingCheckout handles POST /billing/checkout (owner only).
// Creates a Stripe Checkout session for upgrading to the pro plan.
func (h *Handlers) HandleBillingCheckout(w http.ResponseWriter, r *http.Request) {
	if !h.billingEnabled() {
		writeBillingDisabled(w, r)
		return
	}
	var req model.CheckoutRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Email == "" || req.SuccessURL == "" || req.CancelURL == "" {
		writeError(w, r, model.InvalidRequest("email, successUrl and cancelUrl are required"))
		return
	}

	tenantID := ctxutil.TenantIDFromContext(r.Context())
	url, err := h.billing.CreateCheckoutSession(r.Context(), tenantID, req.Email, req.SuccessURL, req.CancelURL)
	if err != nil {
		h.logger.Error("billing checkout: create session", "error", err, "tenant_id", tenantID)
		writeError(w, r, model.Internal(err))
		return
	}
	writeJSON(w, r, http.StatusOK, model.SessionURL{URL: url})
}

// HandleBillingPortal handles POST /billing/portal (owner only).
func (h *Handlers) HandleBillingPortal(w http.ResponseWriter, r *http.Request) {
	if !h.billingEnabled() {
		writeBillingDisabled(w, r)
		return
	}
	var req model.PortalRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ReturnURL == "" {
		writeError(w, r, model.InvalidRequest("returnUrl is required"))
		return
	}

	tenantID := ctxutil.TenantIDFromContext(r.Context())
	url, err := h.billing.CreatePortalSession(r.Context(), tenantID, req.ReturnURL)
	if err != nil {
		h.logger.Error("billing portal: create session", "error", err, "tenant_id", tenantID)
		writeError(w, r, model.Internal(err))
		return
	}
	writeJSON(w, r, http.StatusOK, model.SessionURL{URL: url})
}

// HandleBillingWebhook handles POST /billing/webhooks. It is not behind JWT
// auth; the billing service verifies Stripe's signature.
func (h *Handlers) HandleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.billingEnabled() {
		writeBillingDisabled(w, r)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes))
	if err != nil {
		writeError(w, r, model.InvalidRequest("failed to read body"))
		return
	}

	status, err := h.billing.HandleWebhook(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("billing webhook failed", "error", err, "status", status)
		switch {
		case errors.Is(err, billing.ErrBillingDisabled):
			writeBillingDisabled(w, r)
		case status == http.StatusBadRequest:
			writeError(w, r, model.InvalidRequest("invalid webhook"))
		default:
			writeError(w, r, model.Internal(err))
		}
		return
	}
	w.WriteHeader(status)
}

// HandleUsage handles GET /v1/usage for the caller's tenant.
func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if h.reporter == nil {
		writeError(w, r, model.Internal(errors.New("usage reporter not configured")))
		return
	}
	report, err := h.reporter.Report(r.Context(), ctxutil.TenantIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

func writeBillingDisabled(w http.ResponseWriter, r *http.Request) {
	writeErrorStatus(w, r, http.StatusServiceUnavailable, errBillingDisabled)
}
