package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiban/internal/model"
	"github.com/ashita-ai/kiban/internal/ratelimit"
	"github.com/ashita-ai/kiban/internal/testutil"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	tc := testutil.MustStartRedis()
	testRedis = redis.NewClient(&redis.Options{Addr: tc.DSN})
	if err := testRedis.Ping(context.Background()).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ping redis: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	_ = testRedis.Close()
	tc.Terminate()
	os.Exit(code)
}

func TestNewRedisLimiter_Validation(t *testing.T) {
	_, err := ratelimit.NewRedisLimiter(nil, "", 1, 1)
	assert.Error(t, err)
	_, err = ratelimit.NewRedisLimiter(testRedis, "", 0, 1)
	assert.Error(t, err)
	_, err = ratelimit.NewRedisLimiter(testRedis, "", 1, 0)
	assert.Error(t, err)
}

func TestRedisLimiter_BurstAndIsolation(t *testing.T) {
	// A low rate keeps refill negligible for the duration of the test.
	l, err := ratelimit.NewRedisLimiter(testRedis, "kiban:test:"+uuid.NewString(), 0.001, 3)
	require.NoError(t, err)
	ctx := context.Background()

	allowed := 0
	for range 5 {
		ok, err := l.Allow(ctx, "principal:a")
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)

	ok, err := l.Allow(ctx, "principal:b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLimiter_SharedAcrossInstances(t *testing.T) {
	prefix := "kiban:test:" + uuid.NewString()
	a, err := ratelimit.NewRedisLimiter(testRedis, prefix, 0.001, 2)
	require.NoError(t, err)
	b, err := ratelimit.NewRedisLimiter(testRedis, prefix, 0.001, 2)
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := a.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "replicas draw from one bucket")
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, error) { return false, nil }
func (denyAll) Close() error                                { return nil }

type broken struct{}

func (broken) Allow(context.Context, string) (bool, error) { return false, errors.New("redis down") }
func (broken) Close() error                                { return nil }

func serve(l ratelimit.Limiter, key ratelimit.KeyFunc) *httptest.ResponseRecorder {
	h := ratelimit.Middleware(l, key, func(*http.Request) string { return "req-1" }, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/agents", nil))
	return rec
}

func TestMiddleware(t *testing.T) {
	byIP := ratelimit.IPKeyFunc

	rec := serve(denyAll{}, byIP)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrRateLimited, body.Error.Code)
	assert.True(t, body.Error.Retryable)
	assert.Equal(t, "req-1", body.Meta.RequestID)

	assert.Equal(t, http.StatusNoContent, serve(broken{}, byIP).Code, "limiter failure lets requests through")
	assert.Equal(t, http.StatusNoContent, serve(denyAll{}, func(*http.Request) string { return "" }).Code, "empty key skips limiting")
	assert.Equal(t, http.StatusNoContent, serve(nil, byIP).Code)
}

func TestIPKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	assert.Equal(t, "ip:10.0.0.7", ratelimit.IPKeyFunc(r))
}
