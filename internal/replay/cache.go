// Package replay implements the replay cache (C6): a short-window,
// per-conversation bounded tail of recent envelopes, indexed by message
// id, that lets reconnecting clients catch up without a database round
// trip. The cache never claims completeness beyond its TTL/count window.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tbourn/chat-transport/internal/domain"
)

const keyPrefix = "replay:"

// Cache is the Redis sorted-set-backed replay tail.
type Cache struct {
	rdb      *redis.Client
	ttl      time.Duration
	capacity int64

	seq func() int64 // monotonic score source; overridable in tests.
}

// New constructs a Cache evicting entries older than ttl or beyond cap
// entries per conversation, whichever comes first.
func New(rdb *redis.Client, ttl time.Duration, capacity int64) *Cache {
	var counter int64
	return &Cache{
		rdb: rdb, ttl: ttl, capacity: capacity,
		seq: func() int64 { counter++; return counter },
	}
}

func (c *Cache) key(conversationID string) string { return keyPrefix + conversationID }

// Store idempotently inserts env into its conversation's ordered tail
// (re-storing the same message id replaces its prior entry rather than
// duplicating it) and enforces the TTL/count eviction bounds.
func (c *Cache) Store(ctx context.Context, env domain.Envelope) error {
	entry := domain.ReplayEntry{Envelope: env, StoredAt: time.Now().UTC()}
	payload, err := marshalEntry(entry)
	if err != nil {
		return fmt.Errorf("replay: marshal: %w", err)
	}

	key := c.key(env.ConversationID)
	score := float64(c.seq())

	if err := c.removeMessage(ctx, key, env.MessageID); err != nil {
		return err
	}

	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: payload})
	pipe.ZRemRangeByRank(ctx, key, 0, -c.capacity-1)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replay: store: %w", err)
	}
	return nil
}

// removeMessage drops any existing window member for messageID so a
// re-store replaces it instead of appending a second, score-ordered
// duplicate under the same id.
func (c *Cache) removeMessage(ctx context.Context, key, messageID string) error {
	members, err := c.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("replay: dedupe scan: %w", err)
	}
	for _, m := range members {
		e, err := unmarshalEntry([]byte(m))
		if err != nil {
			continue
		}
		if e.Envelope.MessageID == messageID {
			if err := c.rdb.ZRem(ctx, key, m).Err(); err != nil {
				return fmt.Errorf("replay: dedupe remove: %w", err)
			}
			break
		}
	}
	return nil
}

// FetchSince returns every entry stored for conversationID after the
// entry for afterMessageID, in ascending store-time order. If
// afterMessageID is empty, the entire window is returned. If
// afterMessageID is non-empty but not present in the window, an empty
// slice is returned — the caller falls back to database pagination.
func (c *Cache) FetchSince(ctx context.Context, conversationID, afterMessageID string) ([]domain.ReplayEntry, error) {
	all, err := c.window(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if afterMessageID == "" {
		return all, nil
	}
	idx := -1
	for i, e := range all {
		if e.Envelope.MessageID == afterMessageID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, nil
	}
	return all[idx+1:], nil
}

// Fetch returns the single entry for messageID within conversationID's
// window, or nil if it is not present (evicted or never stored).
func (c *Cache) Fetch(ctx context.Context, conversationID, messageID string) (*domain.ReplayEntry, error) {
	all, err := c.window(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for _, e := range all {
		if e.Envelope.MessageID == messageID {
			return &e, nil
		}
	}
	return nil, nil
}

func (c *Cache) window(ctx context.Context, conversationID string) ([]domain.ReplayEntry, error) {
	members, err := c.rdb.ZRange(ctx, c.key(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("replay: window: %w", err)
	}
	cutoff := time.Now().UTC().Add(-c.ttl)
	out := make([]domain.ReplayEntry, 0, len(members))
	for _, m := range members {
		e, err := unmarshalEntry([]byte(m))
		if err != nil {
			return nil, fmt.Errorf("replay: unmarshal: %w", err)
		}
		if e.StoredAt.Before(cutoff) {
			continue // older than the TTL: outside the window
		}
		out = append(out, e)
	}
	return out, nil
}

func marshalEntry(e domain.ReplayEntry) ([]byte, error) {
	type wire struct {
		Envelope domain.Envelope `json:"envelope"`
		StoredAt int64           `json:"stored_at"`
	}
	return json.Marshal(wire{Envelope: e.Envelope, StoredAt: e.StoredAt.UnixNano()})
}

func unmarshalEntry(b []byte) (domain.ReplayEntry, error) {
	type wire struct {
		Envelope domain.Envelope `json:"envelope"`
		StoredAt int64           `json:"stored_at"`
	}
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return domain.ReplayEntry{}, err
	}
	return domain.ReplayEntry{Envelope: w.Envelope, StoredAt: time.Unix(0, w.StoredAt).UTC()}, nil
}
