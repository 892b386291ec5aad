// Package store is the shared-state layer: a Redis keyspace under the cb:
// prefix plus the server-side scripts that perform every multi-key
// mutation atomically. The store is the sole authority for durable runtime
// state; everything above it is stateless.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/cobehq/cobe/pkg/config"
)

// Store wraps the Redis client with the cobe keyspace and scripts.
type Store struct {
	rdb       *redis.Client
	opTimeout time.Duration
}

// New connects to the store and verifies it with a ping.
func New(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("store ping failed: %w", err)
	}

	return &Store{rdb: rdb, opTimeout: cfg.OpTimeout}, nil
}

// NewFromClient wraps an existing Redis client (used by tests with miniredis).
func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, opTimeout: 5 * time.Second}
}

// Client exposes the underlying Redis client for components that layer
// their own operations on the store (event bus pub/sub, metrics counters).
func (s *Store) Client() *redis.Client { return s.rdb }

// Close releases the connection pool.
func (s *Store) Close() error { return s.rdb.Close() }

// Ping checks store reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// FlushAll wipes the entire store database. Guarded upstream by the
// FLUSH_ALL_DATA confirm token; the store DB is dedicated to cobe.
func (s *Store) FlushAll(ctx context.Context) error {
	return s.rdb.FlushDB(ctx).Err()
}

// withDeadline applies the default op timeout when the caller's context
// carries no deadline of its own.
func (s *Store) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// retryable reports whether a store error is worth retrying. Script
// business results are returned as values, not errors, so anything here is
// a transport or server problem.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// runScript executes a script with up to 3 attempts on transient errors,
// jittered exponential backoff between attempts.
func (s *Store) runScript(ctx context.Context, script *redis.Script, argv ...interface{}) (string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	var raw string
	op := func() error {
		res, err := script.Run(ctx, s.rdb, nil, argv...).Result()
		if err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		str, ok := res.(string)
		if !ok {
			return backoff.Permanent(fmt.Errorf("unexpected script result type %T", res))
		}
		raw = str
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", err
	}
	return raw, nil
}

// nowMillis formats a timestamp the way the scripts store it.
func nowMillis(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixMilli())
}
