// Package sandbox implements an in-process, deterministic backend for
// development and tests.
//
// Artifact references have the form
//
//	sandbox://<name>?reply=<text>&fail=deploy|invoke
//
// An agent with a reply always answers with it; otherwise it echoes the last
// user message. fail=deploy makes Deploy fail and fail=invoke makes every
// invocation fail with a retryable error.
package sandbox

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiban/internal/adapter"
	"github.com/ashita-ai/kiban/internal/model"
)

// Reporter receives the signed telemetry report a sandbox emits after each
// invocation, the way a real backend would POST it to the ingest endpoint.
type Reporter func(ctx context.Context, deploymentID uuid.UUID, body []byte, signature string) error

// Signer computes the signature header for a telemetry body.
type Signer func(secret, body []byte) string

type unit struct {
	deploymentID uuid.UUID
	tenantID     uuid.UUID
	agentID      uuid.UUID
	reply        string
	failInvoke   bool
	secret       []byte
}

// Sessions belong to the unit that created them.
type sessionKey struct {
	ref, id string
}

type session struct {
	turns    int
	lastUsed time.Time
}

// Adapter is the sandbox backend.
type Adapter struct {
	mu       sync.Mutex
	units    map[string]*unit // by backend ref
	sessions map[sessionKey]*session

	sessionTTL  time.Duration
	reporter    Reporter
	signer      Signer
	now         func() time.Time
	invocations atomic.Int64
	deploys     atomic.Int64
}

// Option configures the sandbox.
type Option func(*Adapter)

// WithSessionTTL sets how long an idle session is kept.
func WithSessionTTL(d time.Duration) Option { return func(a *Adapter) { a.sessionTTL = d } }

// WithTelemetry makes the sandbox sign and report usage after every invocation.
func WithTelemetry(r Reporter, s Signer) Option {
	return func(a *Adapter) { a.reporter, a.signer = r, s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(a *Adapter) { a.now = now } }

// New returns a sandbox adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		units:      make(map[string]*unit),
		sessions:   make(map[sessionKey]*session),
		sessionTTL: 30 * time.Minute,
		now:        time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Kind() model.BackendKind { return model.BackendSandbox }

// Invocations returns how many invocations reached the sandbox.
func (a *Adapter) Invocations() int64 { return a.invocations.Load() }

// Sessions returns how many sessions are held.
func (a *Adapter) Sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Deploys returns how many deploy calls provisioned a new unit.
func (a *Adapter) Deploys() int64 { return a.deploys.Load() }

func backendRef(id uuid.UUID) string { return "sandbox-" + id.String() }

// Deploy provisions a unit. Repeating a deploy for the same deployment id
// returns the existing unit.
func (a *Adapter) Deploy(_ context.Context, req adapter.DeployRequest) (adapter.DeployResult, error) {
	u, err := url.Parse(req.ArtifactRef)
	if err != nil || u.Scheme != "sandbox" || u.Host == "" {
		return adapter.DeployResult{}, adapter.Permanent("deploy", errors.New("invalid sandbox artifact ref"))
	}
	q := u.Query()
	if q.Get("fail") == "deploy" {
		return adapter.DeployResult{}, adapter.Permanent("deploy", errors.New("artifact requested deploy failure"))
	}

	ref := backendRef(req.DeploymentID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.units[ref]; ok {
		return adapter.DeployResult{BackendRef: ref}, nil
	}
	a.units[ref] = &unit{
		deploymentID: req.DeploymentID,
		tenantID:     req.TenantID,
		agentID:      req.AgentID,
		reply:        q.Get("reply"),
		failInvoke:   q.Get("fail") == "invoke",
		secret:       append([]byte(nil), req.SigningSecret...),
	}
	a.deploys.Add(1)
	return adapter.DeployResult{BackendRef: ref}, nil
}

// Invoke answers synchronously.
func (a *Adapter) Invoke(ctx context.Context, ref string, req adapter.CanonicalRequest, sessionID string) (adapter.InvokeResult, error) {
	return a.InvokeStream(ctx, ref, req, sessionID, nil)
}

// InvokeStream emits the output word by word.
func (a *Adapter) InvokeStream(ctx context.Context, ref string, req adapter.CanonicalRequest, sessionID string,
	emit func(string) error,
) (adapter.InvokeResult, error) {
	a.invocations.Add(1)
	start := a.now()

	a.mu.Lock()
	u, ok := a.units[ref]
	if !ok {
		a.mu.Unlock()
		return adapter.InvokeResult{}, adapter.Permanent("invoke", errors.New("unknown backend ref"))
	}
	sid, err := a.touchSessionLocked(ref, sessionID)
	a.mu.Unlock()
	if err != nil {
		return adapter.InvokeResult{}, err
	}
	if u.failInvoke {
		return adapter.InvokeResult{}, adapter.Retryable("invoke", errors.New("sandbox unit crashed"))
	}

	out := u.reply
	if out == "" {
		out = lastUserMessage(req.Messages)
	}

	if emit != nil {
		words := strings.Fields(out)
		for i, w := range words {
			if err := ctx.Err(); err != nil {
				return adapter.InvokeResult{}, err
			}
			if i < len(words)-1 {
				w += " "
			}
			if err := emit(w); err != nil {
				return adapter.InvokeResult{}, err
			}
		}
	}

	tokens := int64(countWords(req.Messages) + len(strings.Fields(out)))
	compute := max(a.now().Sub(start).Milliseconds(), 1)
	zero := int64(0)
	res := adapter.InvokeResult{
		Output:    out,
		SessionID: sid,
		Usage:     &model.Usage{Tokens: &tokens, ComputeMs: &compute, ToolCalls: &zero},
	}
	a.report(ctx, u, req.TraceID, tokens, compute)
	return res, nil
}

// Healthcheck reports whether ref names a provisioned unit.
func (a *Adapter) Healthcheck(_ context.Context, ref string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.units[ref]; !ok {
		return adapter.Permanent("healthcheck", errors.New("unknown backend ref"))
	}
	return nil
}

// EstimateCost counts words as tokens.
func (a *Adapter) EstimateCost(_ context.Context, req adapter.CanonicalRequest) (adapter.CostEstimate, error) {
	return adapter.CostEstimate{Tokens: int64(countWords(req.Messages)), ComputeMs: 1}, nil
}

// touchSessionLocked resolves or creates a session on unit ref, dropping
// every expired session first. An unknown, expired or foreign id is an
// error; an empty id starts a new session.
func (a *Adapter) touchSessionLocked(ref, id string) (string, error) {
	now := a.now()
	for k, s := range a.sessions {
		if now.Sub(s.lastUsed) > a.sessionTTL {
			delete(a.sessions, k)
		}
	}
	if id == "" {
		id = uuid.NewString()
		a.sessions[sessionKey{ref, id}] = &session{turns: 1, lastUsed: now}
		return id, nil
	}
	s, ok := a.sessions[sessionKey{ref, id}]
	if !ok {
		return "", adapter.Permanent("invoke", adapter.ErrSessionNotFound)
	}
	s.turns++
	s.lastUsed = now
	return id, nil
}

func lastUserMessage(msgs []model.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.MessageRoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func countWords(msgs []model.Message) int {
	var n int
	for _, m := range msgs {
		n += len(strings.Fields(m.Content))
	}
	return n
}
