package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Counter is the atomic per-tenant, per-period request counter the gateway
// admits against. Increment returns the value after incrementing.
type Counter interface {
	Increment(ctx context.Context, tenantID uuid.UUID, periodKey string) (int64, error)
	Decrement(ctx context.Context, tenantID uuid.UUID, periodKey string) error
	Current(ctx context.Context, tenantID uuid.UUID, periodKey string) (int64, error)
}

// CounterStore is the store half of StoreCounter.
type CounterStore interface {
	IncrementRequestCount(ctx context.Context, tenantID uuid.UUID, periodKey string, delta int64) (int64, error)
	GetRequestCount(ctx context.Context, tenantID uuid.UUID, periodKey string) (int64, error)
}

// StoreCounter keeps counters in the control-plane store.
type StoreCounter struct {
	store CounterStore
}

// NewStoreCounter wraps store.
func NewStoreCounter(store CounterStore) *StoreCounter {
	return &StoreCounter{store: store}
}

func (c *StoreCounter) Increment(ctx context.Context, tenantID uuid.UUID, periodKey string) (int64, error) {
	return c.store.IncrementRequestCount(ctx, tenantID, periodKey, 1)
}

func (c *StoreCounter) Decrement(ctx context.Context, tenantID uuid.UUID, periodKey string) error {
	_, err := c.store.IncrementRequestCount(ctx, tenantID, periodKey, -1)
	return err
}

func (c *StoreCounter) Current(ctx context.Context, tenantID uuid.UUID, periodKey string) (int64, error) {
	return c.store.GetRequestCount(ctx, tenantID, periodKey)
}

// counterTTL outlives any billing period.
const counterTTL = 40 * 24 * time.Hour

// RedisCounter keeps counters in Redis so several gateway replicas share
// them without a round-trip to the primary store.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter returns a counter using keys under prefix.
func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "kiban:usage"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) key(tenantID uuid.UUID, periodKey string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, tenantID, periodKey)
}

func (c *RedisCounter) Increment(ctx context.Context, tenantID uuid.UUID, periodKey string) (int64, error) {
	key := c.key(tenantID, periodKey)
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, counterTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("usage: redis incr: %w", err)
	}
	return incr.Val(), nil
}

func (c *RedisCounter) Decrement(ctx context.Context, tenantID uuid.UUID, periodKey string) error {
	if err := c.client.Decr(ctx, c.key(tenantID, periodKey)).Err(); err != nil {
		return fmt.Errorf("usage: redis decr: %w", err)
	}
	return nil
}

func (c *RedisCounter) Current(ctx context.Context, tenantID uuid.UUID, periodKey string) (int64, error) {
	n, err := c.client.Get(ctx, c.key(tenantID, periodKey)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("usage: redis get: %w", err)
	}
	return n, nil
}
