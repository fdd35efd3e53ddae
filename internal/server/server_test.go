package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiban/internal/adapter"
	"github.com/ashita-ai/kiban/internal/adapter/sandbox"
	"github.com/ashita-ai/kiban/internal/auth"
	"github.com/ashita-ai/kiban/internal/billing"
	"github.com/ashita-ai/kiban/internal/deploy"
	"github.com/ashita-ai/kiban/internal/entitlement"
	"github.com/ashita-ai/kiban/internal/gateway"
	"github.com/ashita-ai/kiban/internal/idempotency"
	"github.com/ashita-ai/kiban/internal/ingest"
	"github.com/ashita-ai/kiban/internal/keyring"
	"github.com/ashita-ai/kiban/internal/metrics"
	"github.com/ashita-ai/kiban/internal/model"
	"github.com/ashita-ai/kiban/internal/ratelimit"
	"github.com/ashita-ai/kiban/internal/storage/memstore"
	"github.com/ashita-ai/kiban/internal/usage"
)

const (
	ownerSubject = "owner@acme"
	ownerKey     = "owner-key-0123456789"
)

type testServer struct {
	ts    *httptest.Server
	store *memstore.Store
	keys  *keyring.Memory
	sb    *sandbox.Adapter
}

func newTestServer(t *testing.T, limiter ratelimit.Limiter) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	keys := keyring.NewMemory()
	sb := sandbox.New()
	reg, err := adapter.NewRegistry(logger, time.Second, time.Second, sb)
	require.NoError(t, err)
	table := entitlement.DefaultTable()
	ledger := idempotency.New(store, logger)
	agg := usage.NewAggregator(store, logger)
	counter := usage.NewStoreCounter(store)
	m := metrics.New(metrics.Config{})

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	bill, err := billing.New(store, billing.Config{}, logger)
	require.NoError(t, err)

	srv := New(Config{
		Store:    store,
		JWTMgr:   jwtMgr,
		Deployer: deploy.New(store, reg, keys, ledger, table, m, deploy.Config{}, logger),
		Gateway: gateway.New(gateway.Config{
			Store:        store,
			Registry:     reg,
			Counter:      counter,
			Usage:        agg,
			Entitlements: table,
			Ledger:       ledger,
			Metrics:      m,
			Logger:       logger,
		}),
		Verifier: ingest.New(store, keys, logger, ingest.WithMetrics(m)),
		Registry: reg,
		Billing:  bill,
		Reporter: billing.NewReporter(store, table, agg, counter, time.Now),
		Metrics:  m,
		Limiter:  limiter,
		Logger:   logger,
		Version:  "test",
	})
	require.NoError(t, srv.Handlers().SeedOwner(context.Background(), "acme", ownerSubject, ownerKey))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, store: store, keys: keys, sb: sb}
}

type envelope struct {
	Data  json.RawMessage    `json:"data"`
	Error *model.ErrorDetail `json:"error"`
}

func (s *testServer) do(t *testing.T, method, path, token string, body any, headers ...string) (*http.Response, envelope) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &env))
	}
	return resp, env
}

func (s *testServer) token(t *testing.T, subject, key string) string {
	t.Helper()
	resp, env := s.do(t, http.MethodPost, "/auth/token", "", model.TokenRequest{Subject: subject, APIKey: key})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok model.TokenResponse
	require.NoError(t, json.Unmarshal(env.Data, &tok))
	return tok.Token
}

func (s *testServer) deployEcho(t *testing.T, token string) (model.Agent, model.Deployment) {
	t.Helper()
	resp, env := s.do(t, http.MethodPost, "/v1/agents", token,
		model.CreateAgentRequest{Name: "echo", BackendKind: model.BackendSandbox})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var agent model.Agent
	require.NoError(t, json.Unmarshal(env.Data, &agent))

	resp, env = s.do(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/deployments", token,
		model.DeployRequest{ArtifactRef: "sandbox://echo"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var d model.Deployment
	require.NoError(t, json.Unmarshal(env.Data, &d))
	return agent, d
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	resp, env := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	h := decode[model.HealthResponse](t, env.Data)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "connected", h.Store)
	assert.Equal(t, []string{"sandbox"}, h.Backends)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	resp, err := http.Get(s.ts.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthToken(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name    string
		subject string
		key     string
		status  int
	}{
		{"valid", ownerSubject, ownerKey, http.StatusOK},
		{"wrong key", ownerSubject, "not-the-key-xxxxxxx", http.StatusUnauthorized},
		{"unknown subject", "ghost", ownerKey, http.StatusUnauthorized},
		{"missing fields", "", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := s.do(t, http.MethodPost, "/auth/token", "",
				model.TokenRequest{Subject: tt.subject, APIKey: tt.key})
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.status == http.StatusUnauthorized {
				require.NotNil(t, env.Error)
				assert.Equal(t, model.ErrUnauthenticated, env.Error.Code)
				assert.Equal(t, "invalid credentials", env.Error.Message)
			}
		})
	}
}

func TestSeedOwnerIsIdempotent(t *testing.T) {
	s := newTestServer(t, nil)
	p, err := s.store.GetPrincipalBySubject(context.Background(), ownerSubject)
	require.NoError(t, err)
	assert.Equal(t, model.RoleOwner, p.Role)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, nil)

	resp, env := s.do(t, http.MethodGet, "/v1/agents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrUnauthenticated, env.Error.Code)

	resp, _ = s.do(t, http.MethodGet, "/v1/agents", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDeployAndInvoke(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, ownerSubject, ownerKey)
	agent, d := s.deployEcho(t, tok)
	assert.Equal(t, 1, d.Version)
	assert.Equal(t, model.DeploymentActive, d.Status)

	resp, env := s.do(t, http.MethodGet, "/v1/agents/"+agent.ID.String(), tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[model.Agent](t, env.Data)
	require.NotNil(t, got.ActiveDeploymentID)
	assert.Equal(t, d.ID, *got.ActiveDeploymentID)

	prompt := "hello there"
	resp, env = s.do(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/invoke", tok,
		model.InvokeRequest{Input: model.InvokeInput{Prompt: &prompt}},
		"X-Trace-Id", "trace-abc")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[model.InvokeResponse](t, env.Data)
	assert.Equal(t, "hello there", out.Output.Text)
	assert.Equal(t, "trace-abc", out.TraceID)
	assert.Equal(t, "trace-abc", resp.Header.Get("X-Trace-Id"))

	resp, env = s.do(t, http.MethodGet, "/v1/agents/"+agent.ID.String()+"/deployments", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.Deployment](t, env.Data), 1)

	resp, env = s.do(t, http.MethodGet,
		"/v1/agents/"+agent.ID.String()+"/deployments/"+d.ID.String(), tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, d.ID, decode[model.Deployment](t, env.Data).ID)
}

func TestInvokeErrors(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, ownerSubject, ownerKey)
	agent, _ := s.deployEcho(t, tok)
	prompt := "hi"

	resp, env := s.do(t, http.MethodPost, "/v1/agents/"+uuid.NewString()+"/invoke", tok,
		model.InvokeRequest{Input: model.InvokeInput{Prompt: &prompt}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrNotFound, env.Error.Code)

	resp, env = s.do(t, http.MethodPost, "/v1/agents/not-a-uuid/invoke", tok,
		model.InvokeRequest{Input: model.InvokeInput{Prompt: &prompt}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrInvalidRequest, env.Error.Code)

	resp, _ = s.do(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/invoke", tok,
		map[string]any{"input": map[string]any{"prompt": "x"}, "bogus": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, env = s.do(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/disable", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.AgentDisabled, decode[model.Agent](t, env.Data).Status)

	resp, env = s.do(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/invoke", tok,
		model.InvokeRequest{Input: model.InvokeInput{Prompt: &prompt}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NotNil(t, env.Error)

	resp, _ = s.do(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/enable", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.do(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/invoke", tok,
		model.InvokeRequest{Input: model.InvokeInput{Prompt: &prompt}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeployIdempotencyKey(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, ownerSubject, ownerKey)
	agent, first := s.deployEcho(t, tok)

	path := "/v1/agents/" + agent.ID.String() + "/deployments"
	body := model.DeployRequest{ArtifactRef: "sandbox://echo?reply=v2"}
	resp, env := s.do(t, http.MethodPost, path, tok, body, "Idempotency-Key", "deploy-2")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	second := decode[model.Deployment](t, env.Data)
	assert.Equal(t, 2, second.Version)

	resp, env = s.do(t, http.MethodPost, path, tok, body, "Idempotency-Key", "deploy-2")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, second.ID, decode[model.Deployment](t, env.Data).ID)

	// Same key, different body.
	resp, env = s.do(t, http.MethodPost, path, tok,
		model.DeployRequest{ArtifactRef: "sandbox://echo?reply=v3"}, "Idempotency-Key", "deploy-2")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NotNil(t, env.Error)

	// Rollback to v1.
	resp, env = s.do(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/activate", tok,
		model.ActivateRequest{DeploymentID: first.ID, Reason: "rollback"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	a := decode[model.Agent](t, env.Data)
	require.NotNil(t, a.ActiveDeploymentID)
	assert.Equal(t, first.ID, *a.ActiveDeploymentID)
}

func TestInvokeStream(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, ownerSubject, ownerKey)
	agent, _ := s.deployEcho(t, tok)

	prompt := "one two three"
	b, err := json.Marshal(model.InvokeRequest{Input: model.InvokeInput{Prompt: &prompt}})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, s.ts.URL+"/v1/agents/"+agent.ID.String()+"/invoke", bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var events []string
	var text strings.Builder
	for _, block := range strings.Split(strings.TrimSpace(string(raw)), "\n\n") {
		lines := strings.SplitN(block, "\n", 2)
		require.Len(t, lines, 2)
		event := strings.TrimPrefix(lines[0], "event: ")
		events = append(events, event)
		if event == model.StreamEventDelta {
			var d model.StreamDelta
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &d))
			text.WriteString(d.Text)
		}
	}
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, model.StreamEventMeta, events[0])
	assert.Equal(t, model.StreamEventDone, events[len(events)-1])
	assert.Equal(t, "one two three", text.String())
}

func TestInvokeStreamAdmissionErrorIsJSON(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, ownerSubject, ownerKey)
	prompt := "hi"
	resp, env := s.do(t, http.MethodPost, "/v1/agents/"+uuid.NewString()+"/invoke?stream=true", tok,
		model.InvokeRequest{Input: model.InvokeInput{Prompt: &prompt}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrNotFound, env.Error.Code)
	assert.Zero(t, s.sb.Invocations())
}

func TestRoleEnforcement(t *testing.T) {
	s := newTestServer(t, nil)
	owner := s.token(t, ownerSubject, ownerKey)
	agent, _ := s.deployEcho(t, owner)

	resp, _ := s.do(t, http.MethodPost, "/v1/principals", owner, model.CreatePrincipalRequest{
		Subject: "bot@acme", Role: model.RoleInvoker, APIKey: "invoker-key-0123456789",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, env := s.do(t, http.MethodPost, "/v1/principals", owner, model.CreatePrincipalRequest{
		Subject: "bot@acme", Role: model.RoleInvoker, APIKey: "invoker-key-0123456789",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NotNil(t, env.Error)

	invoker := s.token(t, "bot@acme", "invoker-key-0123456789")

	resp, env = s.do(t, http.MethodPost, "/v1/agents", invoker,
		model.CreateAgentRequest{Name: "nope", BackendKind: model.BackendSandbox})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrUnauthorized, env.Error.Code)

	prompt := "ping"
	resp, _ = s.do(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/invoke", invoker,
		model.InvokeRequest{Input: model.InvokeInput{Prompt: &prompt}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/v1/principals", invoker, model.CreatePrincipalRequest{
		Subject: "x", Role: model.RoleOwner, APIKey: "0123456789abcdef",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestScopedToken(t *testing.T) {
	s := newTestServer(t, nil)
	owner := s.token(t, ownerSubject, ownerKey)
	agent, _ := s.deployEcho(t, owner)

	resp, env := s.do(t, http.MethodPost, "/auth/scoped-token", owner, model.ScopedTokenRequest{TTLSeconds: 60})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	scoped := decode[model.TokenResponse](t, env.Data)
	assert.WithinDuration(t, time.Now().Add(time.Minute), scoped.ExpiresAt, 5*time.Second)

	prompt := "delegated"
	resp, _ = s.do(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/invoke", scoped.Token,
		model.InvokeRequest{Input: model.InvokeInput{Prompt: &prompt}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/deployments", scoped.Token,
		model.DeployRequest{ArtifactRef: "sandbox://echo"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/auth/scoped-token", scoped.Token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTelemetry(t *testing.T) {
	s := newTestServer(t, nil)
	owner := s.token(t, ownerSubject, ownerKey)
	agent, d := s.deployEcho(t, owner)

	secret, err := s.keys.Secret(context.Background(), keyring.KeyID(d.ID))
	require.NoError(t, err)

	body, err := json.Marshal(model.TelemetryPayload{
		EventID:      "evt-1",
		TenantID:     d.TenantID,
		AgentID:      agent.ID,
		DeploymentID: d.ID,
		Timestamp:    time.Now().UTC(),
		Requests:     2,
		Tokens:       40,
		ComputeMs:    15,
	})
	require.NoError(t, err)

	post := func(sig string) (int, []byte) {
		req, err := http.NewRequest(http.MethodPost, s.ts.URL+"/v1/telemetry", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Deployment-Id", d.ID.String())
		req.Header.Set("Signature", sig)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, raw
	}

	status, raw := post(ingest.Sign(secret, body))
	assert.Equal(t, http.StatusAccepted, status)
	assert.Empty(t, raw, "accepted reports carry no body")

	status, raw = post(ingest.Sign(secret, body))
	assert.Equal(t, http.StatusAccepted, status, "duplicates are accepted silently")
	assert.Empty(t, raw)

	period := model.PeriodKey(time.Now().UTC())
	start, end, err := model.PeriodBounds(period)
	require.NoError(t, err)
	totals, err := s.store.TelemetryTotals(context.Background(), d.TenantID, start, end)
	require.NoError(t, err)
	assert.Equal(t, int64(40), totals[model.BackendSandbox].Tokens)

	status, raw = post(ingest.Sign([]byte("wrong secret"), body))
	assert.Equal(t, http.StatusUnauthorized, status)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrUnauthenticated, env.Error.Code)
}

func TestUsageReport(t *testing.T) {
	s := newTestServer(t, nil)
	owner := s.token(t, ownerSubject, ownerKey)
	agent, _ := s.deployEcho(t, owner)

	prompt := "count me"
	for range 2 {
		resp, _ := s.do(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/invoke", owner,
			model.InvokeRequest{Input: model.InvokeInput{Prompt: &prompt}})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, env := s.do(t, http.MethodGet, "/v1/usage", owner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rep := decode[model.UsageReport](t, env.Data)
	assert.Equal(t, model.TierFree, rep.PlanTier)
	assert.Equal(t, int64(2), rep.LiveRequests)
	assert.Equal(t, model.PeriodKey(time.Now()), rep.PeriodKey)
}

func TestBillingDisabled(t *testing.T) {
	s := newTestServer(t, nil)
	owner := s.token(t, ownerSubject, ownerKey)

	resp, env := s.do(t, http.MethodPost, "/billing/webhooks", "", map[string]string{"id": "evt"},
		"Stripe-Signature", "t=1,v1=abc")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NotNil(t, env.Error)

	resp, _ = s.do(t, http.MethodPost, "/billing/checkout", owner, model.CheckoutRequest{
		Email: "a@b.c", SuccessURL: "https://ok", CancelURL: "https://cancel",
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	s := newTestServer(t, limiter)

	// Burst of one per IP: the first token request passes, the next is throttled.
	resp, _ := s.do(t, http.MethodPost, "/auth/token", "", model.TokenRequest{Subject: ownerSubject, APIKey: ownerKey})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env := s.do(t, http.MethodPost, "/auth/token", "", model.TokenRequest{Subject: ownerSubject, APIKey: ownerKey})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrRateLimited, env.Error.Code)
	assert.True(t, env.Error.Retryable)

	// Health is never limited.
	resp, _ = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
