// Package container implements the adapter for HTTP/JSON container runtimes.
//
// The runtime control API is:
//
//	GET  /v1/services?label=kiban.deployment=<id>  list services by label
//	POST /v1/services                               create a service
//	POST /v1/services/{ref}/invoke                  invoke a service
//	GET  /v1/services/{ref}/health                  service health
//
// Services are labelled with their deployment id, so Deploy first looks
// for an existing service and only creates one when none is found.
package container

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashita-ai/kiban/internal/adapter"
	"github.com/ashita-ai/kiban/internal/model"
)

// LabelDeployment tags every service with the deployment it was created for.
const LabelDeployment = "kiban.deployment"

// maxResponseBytes bounds how much of a runtime response is read.
const maxResponseBytes = 1 << 20

// Config configures the adapter.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// Adapter talks to a container runtime's control API.
type Adapter struct {
	base   string
	token  string
	client *http.Client
}

// New returns a container adapter.
func New(cfg Config) *Adapter {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Adapter{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		token:  cfg.Token,
		client: client,
	}
}

func (a *Adapter) Kind() model.BackendKind { return model.BackendContainer }

type service struct {
	ID     string            `json:"id"`
	Labels map[string]string `json:"labels,omitempty"`
}

type listResponse struct {
	Services []service `json:"services"`
}

type telemetryConfig struct {
	URL           string `json:"url"`
	DeploymentID  string `json:"deploymentId"`
	SigningSecret string `json:"signingSecret"`
}

type createRequest struct {
	Image      string            `json:"image"`
	Labels     map[string]string `json:"labels"`
	Env        map[string]string `json:"env,omitempty"`
	SecretRefs []string          `json:"secretRefs,omitempty"`
	Telemetry  telemetryConfig   `json:"telemetry"`
}

// Deploy finds or creates the service for req.DeploymentID.
func (a *Adapter) Deploy(ctx context.Context, req adapter.DeployRequest) (adapter.DeployResult, error) {
	q := url.Values{"label": {LabelDeployment + "=" + req.DeploymentID.String()}}
	var existing listResponse
	if err := a.do(ctx, "deploy", http.MethodGet, "/v1/services?"+q.Encode(), nil, &existing); err != nil {
		return adapter.DeployResult{}, err
	}
	for _, s := range existing.Services {
		if s.Labels[LabelDeployment] == req.DeploymentID.String() && s.ID != "" {
			return adapter.DeployResult{BackendRef: s.ID}, nil
		}
	}

	body := createRequest{
		Image: req.ArtifactRef,
		Labels: map[string]string{
			LabelDeployment: req.DeploymentID.String(),
			"kiban.agent":   req.AgentID.String(),
			"kiban.tenant":  req.TenantID.String(),
		},
		Env:        req.Config,
		SecretRefs: req.SecretKeys,
		Telemetry: telemetryConfig{
			URL:           req.TelemetryURL,
			DeploymentID:  req.DeploymentID.String(),
			SigningSecret: base64.StdEncoding.EncodeToString(req.SigningSecret),
		},
	}
	var created service
	if err := a.do(ctx, "deploy", http.MethodPost, "/v1/services", body, &created); err != nil {
		return adapter.DeployResult{}, err
	}
	if created.ID == "" {
		return adapter.DeployResult{}, adapter.Permanent("deploy", errors.New("runtime returned empty service id"))
	}
	return adapter.DeployResult{BackendRef: created.ID}, nil
}

type invokeRequest struct {
	Messages  []model.Message `json:"messages"`
	SessionID string          `json:"sessionId,omitempty"`
	Options   map[string]any  `json:"options,omitempty"`
	TraceID   string          `json:"traceId,omitempty"`
}

type invokeResponse struct {
	Output    string       `json:"output"`
	SessionID string       `json:"sessionId,omitempty"`
	Usage     *model.Usage `json:"usage,omitempty"`
}

// Invoke forwards a request to the service. A 410 from the runtime, or a
// 404 for a request that named a session, is reported as ErrSessionNotFound.
func (a *Adapter) Invoke(ctx context.Context, backendRef string, req adapter.CanonicalRequest, sessionID string) (adapter.InvokeResult, error) {
	body := invokeRequest{
		Messages:  req.Messages,
		SessionID: sessionID,
		Options:   req.Options,
		TraceID:   req.TraceID,
	}
	var out invokeResponse
	err := a.do(ctx, "invoke", http.MethodPost, "/v1/services/"+url.PathEscape(backendRef)+"/invoke", body, &out)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && (se.status == http.StatusGone || (se.status == http.StatusNotFound && sessionID != "")) {
			return adapter.InvokeResult{}, fmt.Errorf("%w: runtime status %d", adapter.ErrSessionNotFound, se.status)
		}
		return adapter.InvokeResult{}, err
	}
	return adapter.InvokeResult{Output: out.Output, SessionID: out.SessionID, Usage: out.Usage}, nil
}

// Healthcheck calls the service's health endpoint.
func (a *Adapter) Healthcheck(ctx context.Context, backendRef string) error {
	return a.do(ctx, "healthcheck", http.MethodGet, "/v1/services/"+url.PathEscape(backendRef)+"/health", nil, nil)
}

// EstimateCost approximates tokens at four bytes each. The runtime bills
// compute after the fact, so no compute estimate is given.
func (a *Adapter) EstimateCost(_ context.Context, req adapter.CanonicalRequest) (adapter.CostEstimate, error) {
	var n int
	for _, m := range req.Messages {
		n += len(m.Content)
	}
	return adapter.CostEstimate{Tokens: int64(n/4 + 1)}, nil
}

type statusError struct {
	status int
}

func (e *statusError) Error() string { return fmt.Sprintf("runtime returned status %d", e.status) }

// do performs one JSON round trip. Request and response bodies are never
// included in returned errors.
func (a *Adapter) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return adapter.Permanent(op, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return adapter.Permanent(op, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return adapter.Retryable(op, fmt.Errorf("transport: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		se := &statusError{status: resp.StatusCode}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return adapter.Retryable(op, se)
		}
		return adapter.Permanent(op, se)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return adapter.Permanent(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
