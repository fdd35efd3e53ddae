package sandbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiban/internal/adapter"
	"github.com/ashita-ai/kiban/internal/adapter/sandbox"
	"github.com/ashita-ai/kiban/internal/model"
)

func deploy(t *testing.T, a *sandbox.Adapter, ref string) (uuid.UUID, string) {
	t.Helper()
	id := uuid.New()
	res, err := a.Deploy(context.Background(), adapter.DeployRequest{
		DeploymentID:  id,
		TenantID:      uuid.New(),
		AgentID:       uuid.New(),
		ArtifactRef:   ref,
		SigningSecret: []byte("secret"),
	})
	require.NoError(t, err)
	return id, res.BackendRef
}

func userMsg(s string) adapter.CanonicalRequest {
	return adapter.CanonicalRequest{Messages: []model.Message{{Role: model.MessageRoleUser, Content: s}}}
}

func TestDeploy_Idempotent(t *testing.T) {
	a := sandbox.New()
	id := uuid.New()
	req := adapter.DeployRequest{DeploymentID: id, ArtifactRef: "sandbox://echo"}

	r1, err := a.Deploy(context.Background(), req)
	require.NoError(t, err)
	r2, err := a.Deploy(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, r1.BackendRef, r2.BackendRef)
	assert.Equal(t, int64(1), a.Deploys())
	assert.NoError(t, a.Healthcheck(context.Background(), r1.BackendRef))
}

func TestDeploy_RejectsBadRefs(t *testing.T) {
	a := sandbox.New()
	for _, ref := range []string{"docker://x", "sandbox://", "sandbox://x?fail=deploy"} {
		_, err := a.Deploy(context.Background(), adapter.DeployRequest{DeploymentID: uuid.New(), ArtifactRef: ref})
		var ae *adapter.Error
		require.True(t, errors.As(err, &ae), ref)
		assert.False(t, ae.Retryable, ref)
	}
}

func TestInvoke_EchoAndReply(t *testing.T) {
	a := sandbox.New()
	_, echo := deploy(t, a, "sandbox://echo")
	_, fixed := deploy(t, a, "sandbox://bot?reply=hello+there")

	res, err := a.Invoke(context.Background(), echo, userMsg("ping pong"), "")
	require.NoError(t, err)
	assert.Equal(t, "ping pong", res.Output)
	assert.NotEmpty(t, res.SessionID)
	require.NotNil(t, res.Usage)
	assert.Equal(t, int64(4), *res.Usage.Tokens)
	assert.GreaterOrEqual(t, *res.Usage.ComputeMs, int64(1))

	res, err = a.Invoke(context.Background(), fixed, userMsg("anything"), "")
	require.NoError(t, err)
	assert.Equal(t, "hello there", res.Output)
	assert.Equal(t, int64(2), a.Invocations())
}

func TestInvoke_Sessions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	a := sandbox.New(sandbox.WithClock(clock), sandbox.WithSessionTTL(time.Minute))
	_, ref := deploy(t, a, "sandbox://echo")

	first, err := a.Invoke(context.Background(), ref, userMsg("one"), "")
	require.NoError(t, err)

	second, err := a.Invoke(context.Background(), ref, userMsg("two"), first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	_, err = a.Invoke(context.Background(), ref, userMsg("x"), "never-issued")
	assert.ErrorIs(t, err, adapter.ErrSessionNotFound)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	_, err = a.Invoke(context.Background(), ref, userMsg("three"), first.SessionID)
	assert.ErrorIs(t, err, adapter.ErrSessionNotFound)
}

func TestInvoke_SessionsAreScopedToUnit(t *testing.T) {
	a := sandbox.New()
	_, refA := deploy(t, a, "sandbox://a")
	_, refB := deploy(t, a, "sandbox://b")

	res, err := a.Invoke(context.Background(), refA, userMsg("hi"), "")
	require.NoError(t, err)

	_, err = a.Invoke(context.Background(), refB, userMsg("hi"), res.SessionID)
	assert.ErrorIs(t, err, adapter.ErrSessionNotFound)

	_, err = a.Invoke(context.Background(), refA, userMsg("again"), res.SessionID)
	assert.NoError(t, err)
}

func TestInvoke_ExpiredSessionsAreSwept(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	a := sandbox.New(sandbox.WithClock(clock), sandbox.WithSessionTTL(time.Minute))
	_, ref := deploy(t, a, "sandbox://echo")

	for range 5 {
		_, err := a.Invoke(context.Background(), ref, userMsg("one"), "")
		require.NoError(t, err)
	}
	assert.Equal(t, 5, a.Sessions())

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	_, err := a.Invoke(context.Background(), ref, userMsg("fresh"), "")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Sessions(), "idle sessions are dropped on the next touch")
}

func TestInvoke_FailIsRetryable(t *testing.T) {
	a := sandbox.New()
	_, ref := deploy(t, a, "sandbox://flaky?fail=invoke")

	_, err := a.Invoke(context.Background(), ref, userMsg("hi"), "")
	var ae *adapter.Error
	require.True(t, errors.As(err, &ae))
	assert.True(t, ae.Retryable)
}

func TestInvokeStream_EmitsWords(t *testing.T) {
	a := sandbox.New()
	_, ref := deploy(t, a, "sandbox://bot?reply=one+two+three")

	var got []string
	res, err := a.InvokeStream(context.Background(), ref, userMsg("go"), "", func(d string) error {
		got = append(got, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one ", "two ", "three"}, got)
	assert.Equal(t, "one two three", res.Output)
}

func TestInvokeStream_EmitErrorStops(t *testing.T) {
	a := sandbox.New()
	_, ref := deploy(t, a, "sandbox://bot?reply=a+b+c")
	stop := errors.New("client gone")

	var n int
	_, err := a.InvokeStream(context.Background(), ref, userMsg("go"), "", func(string) error {
		n++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)
}

func TestReportsSignedTelemetry(t *testing.T) {
	type report struct {
		deploymentID uuid.UUID
		body         []byte
		sig          string
	}
	var reports []report
	a := sandbox.New(sandbox.WithTelemetry(
		func(_ context.Context, id uuid.UUID, body []byte, sig string) error {
			reports = append(reports, report{id, body, sig})
			return nil
		},
		func(secret, body []byte) string { return "sig:" + string(secret) },
	))
	id, ref := deploy(t, a, "sandbox://echo")

	req := userMsg("count these words")
	req.TraceID = "trace-1"
	_, err := a.Invoke(context.Background(), ref, req, "")
	require.NoError(t, err)

	require.Len(t, reports, 1)
	assert.Equal(t, id, reports[0].deploymentID)
	assert.Equal(t, "sig:secret", reports[0].sig)

	var p model.TelemetryPayload
	require.NoError(t, json.Unmarshal(reports[0].body, &p))
	assert.Equal(t, id, p.DeploymentID)
	assert.Equal(t, int64(1), p.Requests)
	assert.Equal(t, int64(6), p.Tokens)
	require.NotNil(t, p.TraceID)
	assert.Equal(t, "trace-1", *p.TraceID)
	assert.NotEmpty(t, p.EventID)
}

func TestUnknownRef(t *testing.T) {
	a := sandbox.New()
	_, err := a.Invoke(context.Background(), "sandbox-missing", userMsg("hi"), "")
	assert.Error(t, err)
	assert.Error(t, a.Healthcheck(context.Background(), "sandbox-missing"))
}
