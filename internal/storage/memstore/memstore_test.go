package memstore_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiban/internal/model"
	"github.com/ashita-ai/kiban/internal/storage"
	"github.com/ashita-ai/kiban/internal/storage/memstore"
)

func newAgent(t *testing.T, s *memstore.Store) model.Agent {
	t.Helper()
	ctx := context.Background()
	tenant, err := s.CreateTenant(ctx, model.Tenant{Name: "acme"})
	require.NoError(t, err)
	a, err := s.CreateAgent(ctx, model.Agent{TenantID: tenant.ID, Name: "bot", BackendKind: model.BackendSandbox})
	require.NoError(t, err)
	return a
}

func TestDeploymentVersionsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	a := newAgent(t, s)

	for want := 1; want <= 3; want++ {
		d, err := s.BeginDeployment(ctx, model.DeploymentSpec{AgentID: a.ID, TenantID: a.TenantID}, nil)
		require.NoError(t, err)
		assert.Equal(t, want, d.Version)
		_, err = s.FinishDeployment(ctx, d.ID, model.DeploymentState{Status: model.DeploymentFailed})
		require.NoError(t, err)
	}

	got, err := s.GetAgent(ctx, a.TenantID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentError, got.Status)
	assert.Nil(t, got.ActiveDeploymentID)
}

func TestConcurrentBeginDeployment(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	a := newAgent(t, s)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.BeginDeployment(ctx, model.DeploymentSpec{AgentID: a.ID, TenantID: a.TenantID}, nil)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, storage.ErrConflict)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestDisabledAgentKeepsStatusAfterDeploy(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	a := newAgent(t, s)

	d, err := s.BeginDeployment(ctx, model.DeploymentSpec{AgentID: a.ID, TenantID: a.TenantID}, nil)
	require.NoError(t, err)
	_, err = s.DisableAgent(ctx, a.TenantID, a.ID)
	require.NoError(t, err)

	_, err = s.FinishDeployment(ctx, d.ID, model.DeploymentState{Status: model.DeploymentActive, BackendRef: "r"})
	require.NoError(t, err)

	got, err := s.GetAgent(ctx, a.TenantID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentDisabled, got.Status)
	require.NotNil(t, got.ActiveDeploymentID)

	enabled, err := s.EnableAgent(ctx, a.TenantID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentActive, enabled.Status)
}

func TestCrossTenantIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	a := newAgent(t, s)

	_, err := s.GetAgent(ctx, uuid.New(), a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.BeginDeployment(ctx, model.DeploymentSpec{AgentID: a.ID, TenantID: uuid.New()}, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIdempotencyLifecycle(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	_, err := s.BeginIdempotency(ctx, "scope", "k", "h1")
	require.NoError(t, err)
	_, err = s.BeginIdempotency(ctx, "scope", "k", "h1")
	assert.ErrorIs(t, err, storage.ErrIdempotencyInProgress)
	_, err = s.BeginIdempotency(ctx, "scope", "k", "h2")
	assert.ErrorIs(t, err, storage.ErrIdempotencyPayloadMismatch)

	require.NoError(t, s.CompleteIdempotency(ctx, "scope", "k", json.RawMessage(`{"a":1}`)))
	lookup, err := s.BeginIdempotency(ctx, "scope", "k", "h1")
	require.NoError(t, err)
	assert.True(t, lookup.Completed)
	assert.JSONEq(t, `{"a":1}`, string(lookup.ResponseData))

	n, err := s.CleanupIdempotencyKeys(ctx, -time.Second, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTelemetryWindowIsHalfOpen(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	tenant := uuid.New()
	start, end, err := model.PeriodBounds("2026-02")
	require.NoError(t, err)

	for i, ts := range []time.Time{start, end.Add(-time.Nanosecond), end} {
		_, err := s.AppendTelemetry(ctx, model.TelemetryEvent{
			EventID: uuid.NewString(), TenantID: tenant, BackendKind: model.BackendContainer,
			Timestamp: ts, UsageCounts: model.UsageCounts{Requests: int64(i + 1)},
		})
		require.NoError(t, err)
	}

	totals, err := s.TelemetryTotals(ctx, tenant, start, end)
	require.NoError(t, err)
	assert.Equal(t, int64(3), totals[model.BackendContainer].Requests)
}
