// Package idempotency implements the keyed idempotency store (C1): an
// atomic compare-and-set mapping an idempotency key to the message id
// assigned the first time it was observed, so sender retries within the
// dedupe window return the original assignment rather than creating a
// duplicate.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrClosed is returned once the store's Redis client has been closed.
var ErrClosed = errors.New("idempotency: store closed")

const keyPrefix = "idem:"

// Store is a Redis-backed keyed idempotency store. All state lives in
// Redis so that every instance in the fleet observes the same winner for
// a concurrently-submitted key, per the no-in-process-singleton design
// rule.
type Store struct {
	rdb    *redis.Client
	ttl    time.Duration
	closed bool
}

// New constructs a Store using rdb, with keys expiring after ttl — the
// idempotency window must exceed the longest expected client retry.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// AssignFn produces a new message id the first time a key is observed.
// It must be cheap and side-effect free: only one invocation wins under
// concurrent writers, but callers should not rely on losing invocations
// never having run.
type AssignFn func() (string, error)

// GetOrSet performs the atomic compare-and-set described by C1: under
// concurrent writers sharing the same key, exactly one assign invocation
// wins and is recorded; all callers — winner and losers — receive the
// same message id back.
func (s *Store) GetOrSet(ctx context.Context, key string, assign AssignFn) (messageID string, created bool, err error) {
	if s.closed {
		return "", false, ErrClosed
	}
	if key == "" {
		return "", false, errors.New("idempotency: empty key")
	}

	id, err := assign()
	if err != nil {
		return "", false, fmt.Errorf("idempotency: assign: %w", err)
	}

	redisKey := keyPrefix + key
	ok, err := s.rdb.SetNX(ctx, redisKey, id, s.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("idempotency: setnx: %w", err)
	}
	if ok {
		return id, true, nil
	}

	existing, err := s.rdb.Get(ctx, redisKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Raced with the key expiring between SETNX and GET; treat
			// this submission as the winner rather than error out.
			if err := s.rdb.Set(ctx, redisKey, id, s.ttl).Err(); err != nil {
				return "", false, fmt.Errorf("idempotency: set after race: %w", err)
			}
			return id, true, nil
		}
		return "", false, fmt.Errorf("idempotency: get: %w", err)
	}
	return existing, false, nil
}

// Lookup returns the message id previously assigned to key, if any,
// without creating a new assignment.
func (s *Store) Lookup(ctx context.Context, key string) (messageID string, found bool, err error) {
	val, err := s.rdb.Get(ctx, keyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("idempotency: lookup: %w", err)
	}
	return val, true, nil
}

// Close marks the store unusable. The underlying client is owned by the
// caller and is not closed here — it is typically shared with the
// stream, presence, bus, and replay components.
func (s *Store) Close() { s.closed = true }
