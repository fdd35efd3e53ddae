package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiban/internal/auth"
	"github.com/ashita-ai/kiban/internal/ctxutil"
	"github.com/ashita-ai/kiban/internal/model"
)

func withCaller(r *http.Request, role model.Role) *http.Request {
	ctx := ctxutil.WithClaims(r.Context(), &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.NewString()},
		ExtSubject:       "dev@acme",
		TenantID:         uuid.New(),
		Role:             role,
	})
	return r.WithContext(ctx)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.APIError {
	t.Helper()
	var e model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	return e
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-id")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "client-id", seen)
	assert.Equal(t, "client-id", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	h.ServeHTTP(rec, req)
	_, err := uuid.Parse(seen)
	assert.NoError(t, err, "oversized ids are replaced")
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := recoveryMiddleware(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/agents", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, model.ErrInternal, e.Error.Code)
	assert.NotContains(t, e.Error.Message, "boom")
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := requireRole(model.RoleDeveloper)(ok)

	tests := []struct {
		name   string
		role   model.Role
		status int
	}{
		{"owner", model.RoleOwner, http.StatusNoContent},
		{"developer", model.RoleDeveloper, http.StatusNoContent},
		{"invoker", model.RoleInvoker, http.StatusForbidden},
		{"anonymous", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/agents", nil)
			if tt.role != "" {
				req = withCaller(req, tt.role)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestTraceIDMiddleware(t *testing.T) {
	var seen string
	h := traceIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = ctxutil.TraceIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Trace-Id", "  t-123 ")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "t-123", seen)
}

func TestWriteErrorEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(ctxutil.WithTraceID(context.Background(), "trace-9"))

	rec := httptest.NewRecorder()
	writeError(rec, req, model.LimitExceeded("monthly request limit reached"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, model.ErrLimitExceeded, e.Error.Code)
	assert.Equal(t, "trace-9", e.TraceID)
	assert.False(t, e.Error.Retryable)

	rec = httptest.NewRecorder()
	writeError(rec, req, model.DeployFailedError("backend rejected artifact", true))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.True(t, decodeError(t, rec).Error.Retryable)

	rec = httptest.NewRecorder()
	writeError(rec, req, io.ErrUnexpectedEOF)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, decodeError(t, rec).Error.Message, "EOF")
}

func TestDecodeJSON(t *testing.T) {
	var target model.CreateAgentRequest

	tests := []struct {
		name string
		body string
		max  int64
	}{
		{"empty", "", 1024},
		{"unknown field", `{"name":"a","extra":1}`, 1024},
		{"too large", `{"name":"` + strings.Repeat("a", 100) + `"}`, 16},
		{"malformed", `{"name":`, 1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			err := decodeJSON(httptest.NewRecorder(), req, &target, tt.max)
			require.Error(t, err)
			assert.True(t, model.IsCode(err, model.ErrInvalidRequest))
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","backendKind":"sandbox"}`))
	require.NoError(t, decodeJSON(httptest.NewRecorder(), req, &target, 1024))
	assert.Equal(t, model.BackendSandbox, target.BackendKind)
}

func TestCallerKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, callerKeyFunc(req))

	req = withCaller(req, model.RoleInvoker)
	c := ctxutil.CallerFromContext(req.Context())
	assert.Equal(t, "principal:"+c.PrincipalID.String(), callerKeyFunc(req))
}

func TestLoggingSeesCallerFromAuth(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	tenantID := uuid.New()
	tok, _, err := jwtMgr.IssueToken(model.Principal{
		ID: uuid.New(), TenantID: tenantID, Subject: "dev@acme", Role: model.RoleDeveloper,
	})
	require.NoError(t, err)

	var captured *statusWriter
	inner := authMiddleware(jwtMgr, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	outer := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		inner.ServeHTTP(captured, r)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	outer.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, captured.caller())
	assert.Equal(t, tenantID, captured.caller().TenantID)
	assert.Equal(t, http.StatusNoContent, captured.statusCode)
}
