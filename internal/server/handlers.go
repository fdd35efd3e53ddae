package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiban/internal/adapter"
	"github.com/ashita-ai/kiban/internal/auth"
	"github.com/ashita-ai/kiban/internal/billing"
	"github.com/ashita-ai/kiban/internal/ctxutil"
	"github.com/ashita-ai/kiban/internal/deploy"
	"github.com/ashita-ai/kiban/internal/gateway"
	"github.com/ashita-ai/kiban/internal/ingest"
	"github.com/ashita-ai/kiban/internal/model"
	"github.com/ashita-ai/kiban/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store        Store
	jwtMgr       *auth.JWTManager
	deployer     *deploy.Service
	gateway      *gateway.Gateway
	verifier     *ingest.Verifier
	registry     *adapter.Registry
	billing      *billing.Service
	reporter     *billing.Reporter
	logger       *slog.Logger
	version      string
	maxBodyBytes int64
	startedAt    time.Time
}

// HandleAuthToken handles POST /auth/token. Unknown subjects and wrong keys
// cost the same argon2 work and return the same error.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.TokenRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Subject == "" || req.APIKey == "" {
		writeError(w, r, model.InvalidRequest("subject and apiKey are required"))
		return
	}

	p, err := h.store.GetPrincipalBySubject(r.Context(), req.Subject)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, model.Internal(err))
		return
	}
	if err != nil || p.APIKeyHash == nil {
		auth.DummyVerify()
		writeError(w, r, model.Unauthenticated("invalid credentials"))
		return
	}
	ok, err := auth.VerifyAPIKey(req.APIKey, *p.APIKeyHash)
	if err != nil || !ok {
		writeError(w, r, model.Unauthenticated("invalid credentials"))
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(p)
	if err != nil {
		writeError(w, r, model.Internal(err))
		return
	}
	writeJSON(w, r, http.StatusOK, model.TokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleScopedToken handles POST /auth/scoped-token. It mints a short-lived
// invoker token for a delegate acting on the caller's behalf.
func (h *Handlers) HandleScopedToken(w http.ResponseWriter, r *http.Request) {
	caller := ctxutil.CallerFromContext(r.Context())
	if caller.ScopedBy != "" {
		writeError(w, r, model.Unauthorized("scoped tokens cannot issue further tokens"))
		return
	}
	var req model.ScopedTokenRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if req.TTLSeconds < 0 {
		writeError(w, r, model.InvalidRequest("ttlSeconds must not be negative"))
		return
	}

	issuer := model.Principal{
		ID:       caller.PrincipalID,
		TenantID: caller.TenantID,
		Subject:  caller.Subject,
		Role:     caller.Role,
	}
	token, expiresAt, err := h.jwtMgr.IssueScopedToken(issuer, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, r, model.Internal(err))
		return
	}
	writeJSON(w, r, http.StatusOK, model.TokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleCreatePrincipal handles POST /v1/principals (owner only).
func (h *Handlers) HandleCreatePrincipal(w http.ResponseWriter, r *http.Request) {
	caller := ctxutil.CallerFromContext(r.Context())
	var req model.CreatePrincipalRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, err)
		return
	}
	req.Subject = strings.TrimSpace(req.Subject)
	switch {
	case req.Subject == "" || len(req.Subject) > 255:
		writeError(w, r, model.InvalidRequest("subject must be 1-255 characters"))
		return
	case model.RoleRank(req.Role) == 0:
		writeError(w, r, model.InvalidRequest("role must be owner, developer, or invoker"))
		return
	case len(req.APIKey) < 16:
		writeError(w, r, model.InvalidRequest("apiKey must be at least 16 characters"))
		return
	}

	hash, err := auth.HashAPIKey(req.APIKey)
	if err != nil {
		writeError(w, r, model.Internal(err))
		return
	}
	p, err := h.store.CreatePrincipal(r.Context(), model.Principal{
		TenantID:   caller.TenantID,
		Subject:    req.Subject,
		Role:       req.Role,
		APIKeyHash: &hash,
	})
	if errors.Is(err, storage.ErrConflict) {
		writeError(w, r, model.Conflict("subject already exists"))
		return
	}
	if err != nil {
		writeError(w, r, model.Internal(err))
		return
	}
	h.logger.Info("principal created",
		"tenant_id", caller.TenantID,
		"subject", p.Subject,
		"role", p.Role,
		"by", caller.Actor(),
	)
	writeJSON(w, r, http.StatusCreated, p)
}

// HandleHealth handles GET /health (no auth).
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	var backends []string
	if h.registry != nil {
		for _, k := range h.registry.Kinds() {
			backends = append(backends, string(k))
		}
		slices.Sort(backends)
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Store:    storeStatus,
		Backends: backends,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// SeedOwner bootstraps the first tenant and its owner principal. It is a
// no-op when the subject already exists.
func (h *Handlers) SeedOwner(ctx context.Context, tenantName, subject, apiKey string) error {
	if apiKey == "" {
		h.logger.Info("no owner API key configured, skipping owner seed")
		return nil
	}
	_, err := h.store.GetPrincipalBySubject(ctx, subject)
	if err == nil {
		h.logger.Info("owner principal exists, skipping seed", "subject", subject)
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("seed owner: get principal: %w", err)
	}

	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return fmt.Errorf("seed owner: hash key: %w", err)
	}
	tenant, err := h.store.CreateTenant(ctx, model.Tenant{Name: tenantName, PlanTier: model.TierFree})
	if err != nil {
		return fmt.Errorf("seed owner: create tenant: %w", err)
	}
	if _, err := h.store.CreatePrincipal(ctx, model.Principal{
		TenantID:   tenant.ID,
		Subject:    subject,
		Role:       model.RoleOwner,
		APIKeyHash: &hash,
	}); err != nil {
		return fmt.Errorf("seed owner: create principal: %w", err)
	}
	h.logger.Info("seeded owner principal", "tenant_id", tenant.ID, "subject", subject)
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, model.InvalidRequest(name + " must be a UUID")
	}
	return id, nil
}
