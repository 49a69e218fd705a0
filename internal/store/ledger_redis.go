package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger is a LedgerStore on Redis SET NX with a TTL. Deployments with
// several intake replicas point all of them at one Redis so a delivery id
// retried against a different replica still dedups. Expiry replaces the
// SQL ledger's prune job, so PruneEvents is a no-op here.
type RedisLedger struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisLedger connects and pings. ttl bounds how long a delivery id is
// remembered.
func NewRedisLedger(ctx context.Context, url string, ttl time.Duration) (*RedisLedger, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisLedger{rdb: rdb, ttl: ttl}, nil
}

// NewRedisLedgerFromClient wraps an existing client; tests use this with
// miniredis.
func NewRedisLedgerFromClient(rdb *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{rdb: rdb, ttl: ttl}
}

func ledgerKey(backend, deliveryID string) string {
	return "taskwire:seen:" + backend + ":" + deliveryID
}

func (l *RedisLedger) SeenDelivery(ctx context.Context, backend, deliveryID string, _ []byte, _ time.Time) error {
	ok, err := l.rdb.SetNX(ctx, ledgerKey(backend, deliveryID), 1, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("ledger setnx: %w", err)
	}
	if !ok {
		return ErrDuplicateDelivery
	}
	return nil
}

func (l *RedisLedger) PruneEvents(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (l *RedisLedger) Close() error { return l.rdb.Close() }
