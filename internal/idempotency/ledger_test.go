package idempotency_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiban/internal/idempotency"
	"github.com/ashita-ai/kiban/internal/model"
	"github.com/ashita-ai/kiban/internal/storage/memstore"
)

type result struct {
	Text string `json:"text"`
	N    int64  `json:"n"`
}

func newLedger() *idempotency.Ledger {
	return idempotency.New(memstore.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCheckOrRecord_Outcomes(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	scope := idempotency.InvokeScope(uuid.New(), uuid.New())

	r, err := l.CheckOrRecord(ctx, scope, "k1", "h1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.FirstSeen, r.Outcome)

	r, err = l.CheckOrRecord(ctx, scope, "k1", "h1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.InProgress, r.Outcome)

	r, err = l.CheckOrRecord(ctx, scope, "k1", "h2")
	require.NoError(t, err)
	assert.Equal(t, idempotency.Mismatch, r.Outcome)

	require.NoError(t, l.Complete(ctx, scope, "k1", result{Text: "done"}))
	r, err = l.CheckOrRecord(ctx, scope, "k1", "h1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.Duplicate, r.Outcome)
	assert.JSONEq(t, `{"text":"done","n":0}`, string(r.Stored))
}

func TestDo_SingleSideEffect(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	scope := idempotency.InvokeScope(uuid.New(), uuid.New())
	payload := map[string]string{"prompt": "hi"}

	var calls atomic.Int64
	fn := func(context.Context) (result, error) {
		return result{Text: "answer", N: calls.Add(1)}, nil
	}

	first, replayed, err := idempotency.Do(ctx, l, scope, "key", payload, fn)
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := idempotency.Do(ctx, l, scope, "key", payload, fn)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), calls.Load())

	_, _, err = idempotency.Do(ctx, l, scope, "key", map[string]string{"prompt": "other"}, fn)
	assert.True(t, model.IsCode(err, model.ErrConflict))
	assert.Equal(t, int64(1), calls.Load())
}

func TestDo_ConcurrentDuplicatesRunOnce(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	scope := idempotency.DeployScope(uuid.New(), uuid.New())

	release := make(chan struct{})
	var calls atomic.Int64
	fn := func(context.Context) (result, error) {
		calls.Add(1)
		<-release
		return result{Text: "ok"}, nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = idempotency.Do(ctx, l, scope, "k", "same", fn)
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.True(t, model.IsCode(err, model.ErrConflict), err.Error())
		}
	}
	assert.Equal(t, int64(1), calls.Load())
}

func TestDo_ErrorAbandonsKey(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	scope := idempotency.DeployScope(uuid.New(), uuid.New())
	boom := errors.New("boom")

	_, _, err := idempotency.Do(ctx, l, scope, "k", "p", func(context.Context) (result, error) {
		return result{}, boom
	})
	assert.ErrorIs(t, err, boom)

	out, replayed, err := idempotency.Do(ctx, l, scope, "k", "p", func(context.Context) (result, error) {
		return result{Text: "retry"}, nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "retry", out.Text)
}

func TestDo_NoKeyAlwaysRuns(t *testing.T) {
	l := newLedger()
	var calls int
	for range 3 {
		_, replayed, err := idempotency.Do(context.Background(), l, "s", "", "p", func(context.Context) (result, error) {
			calls++
			return result{}, nil
		})
		require.NoError(t, err)
		assert.False(t, replayed)
	}
	assert.Equal(t, 3, calls)
}

func TestScopesAreIndependent(t *testing.T) {
	tenant, agent := uuid.New(), uuid.New()
	assert.NotEqual(t, idempotency.DeployScope(tenant, agent), idempotency.InvokeScope(tenant, agent))
}

func TestRequestHashIsStable(t *testing.T) {
	a, err := idempotency.RequestHash(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	b, err := idempotency.RequestHash(map[string]any{"a": "x", "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
