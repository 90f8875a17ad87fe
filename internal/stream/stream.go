// Package stream implements the partitioned durable stream (C2): a fixed
// number of Redis Streams, one per partition, each with its own consumer
// group and a shared dead-letter stream for entries that exceed the
// retry ceiling.
package stream

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tbourn/chat-transport/internal/domain"
)

const (
	fieldEnvelope = "envelope"
	fieldRetries  = "retries"
	fieldReason   = "reason"
	consumerGroup = "persistence"
)

// Entry is one pending stream item delivered to a consumer.
type Entry struct {
	Partition int
	ID        string // Redis stream entry id, used to ack/claim.
	Envelope  domain.Envelope
	Retries   int
}

// Stream is a fixed-partition-count durable log on top of Redis Streams.
type Stream struct {
	rdb              *redis.Client
	partitions       int
	visibilityTimeout time.Duration
	retryCeiling     int
	keyPrefix        string
}

// New constructs a Stream with n partitions (a power of two is
// recommended, per the spec's guidance, though not enforced).
func New(rdb *redis.Client, n int, visibilityTimeout time.Duration, retryCeiling int) *Stream {
	return &Stream{
		rdb:              rdb,
		partitions:       n,
		visibilityTimeout: visibilityTimeout,
		retryCeiling:     retryCeiling,
		keyPrefix:        "stream:",
	}
}

// PartitionOf returns the stable partition assignment for a conversation:
// partition = stable-hash(conversation-id) mod N. All messages of one
// conversation always map to the same partition.
func (s *Stream) PartitionOf(conversationID string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(conversationID))
	return int(h.Sum64() % uint64(s.partitions))
}

func (s *Stream) key(partition int) string {
	return fmt.Sprintf("%s%d", s.keyPrefix, partition)
}

func (s *Stream) deadLetterKey() string { return s.keyPrefix + "dead-letter" }

// EnsureGroups creates the consumer group on every partition stream,
// idempotently; the dead-letter stream gets no group. Call once at startup.
func (s *Stream) EnsureGroups(ctx context.Context) error {
	for p := 0; p < s.partitions; p++ {
		if err := s.ensureGroup(ctx, s.key(p)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) ensureGroup(ctx context.Context, key string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, key, consumerGroup, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("stream: create group %s: %w", key, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

// Append durably enqueues env on the partition derived from its
// conversation id and returns the stream entry offset.
func (s *Stream) Append(ctx context.Context, env domain.Envelope) (offset string, err error) {
	partition := s.PartitionOf(env.ConversationID)
	payload, err := env.Marshal()
	if err != nil {
		return "", fmt.Errorf("stream: marshal: %w", err)
	}
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(partition),
		Values: map[string]interface{}{fieldEnvelope: payload, fieldRetries: "0"},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("stream: append: %w", err)
	}
	return id, nil
}

// Read delivers up to batchMax pending entries from partition to
// consumerName within the shared consumer group. Already-claimed but
// unacknowledged entries from other dead/slow consumers are not
// returned here — use ClaimStale for that. It waits up to one second for
// new entries and returns none if none arrive.
func (s *Stream) Read(ctx context.Context, partition int, consumerName string, batchMax int64) ([]Entry, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumerName,
		Streams:  []string{s.key(partition), ">"},
		Count:    batchMax,
		Block:    time.Second,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("stream: read: %w", err)
	}
	return toEntries(partition, res)
}

// ClaimStale re-delivers entries whose visibility timeout has expired —
// the consumer that held them is presumed dead or stuck — to
// consumerName, via XAUTOCLAIM.
func (s *Stream) ClaimStale(ctx context.Context, partition int, consumerName string, batchMax int64) ([]Entry, error) {
	_, msgs, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.key(partition),
		Group:    consumerGroup,
		Consumer: consumerName,
		MinIdle:  s.visibilityTimeout,
		Start:    "0-0",
		Count:    batchMax,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("stream: autoclaim: %w", err)
	}
	return toEntries(partition, []redis.XStream{{Messages: msgs}})
}

func toEntries(partition int, streams []redis.XStream) ([]Entry, error) {
	var out []Entry
	for _, st := range streams {
		for _, m := range st.Messages {
			raw, _ := m.Values[fieldEnvelope].(string)
			env, err := domain.UnmarshalEnvelope([]byte(raw))
			if err != nil {
				return nil, fmt.Errorf("stream: unmarshal entry %s: %w", m.ID, err)
			}
			retries := 0
			if r, ok := m.Values[fieldRetries].(string); ok {
				fmt.Sscanf(r, "%d", &retries)
			}
			out = append(out, Entry{Partition: partition, ID: m.ID, Envelope: env, Retries: retries})
		}
	}
	return out, nil
}

// Ack marks entry fully processed on its partition.
func (s *Stream) Ack(ctx context.Context, partition int, entryID string) error {
	if err := s.rdb.XAck(ctx, s.key(partition), consumerGroup, entryID).Err(); err != nil {
		return fmt.Errorf("stream: ack: %w", err)
	}
	return nil
}

// RetryOrDeadLetter increments the retry count of a failed entry if it is
// still below the retry ceiling, or moves it to the dead-letter stream
// with the terminal error and acks the original if the ceiling has been
// exceeded. The retry count is not carried by XAUTOCLAIM's redelivery (it
// never rewrites an entry's field values), so a still-retryable entry is
// acked and re-appended as a fresh entry with its retry count
// incremented: that new entry is what ClaimStale/Read will next observe,
// which is what lets the ceiling comparison on a later failure actually
// see a higher count instead of forever reading the original "0".
func (s *Stream) RetryOrDeadLetter(ctx context.Context, e Entry, cause error) (deadLettered bool, err error) {
	if e.Retries+1 <= s.retryCeiling {
		if err := s.requeue(ctx, e); err != nil {
			return false, err
		}
		return false, nil
	}
	payload, merr := e.Envelope.Marshal()
	if merr != nil {
		return false, fmt.Errorf("stream: marshal for dead-letter: %w", merr)
	}
	reason := "processing failed"
	if cause != nil {
		reason = cause.Error()
	}
	pipe := s.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: s.deadLetterKey(),
		Values: map[string]interface{}{fieldEnvelope: payload, fieldReason: reason},
	})
	pipe.XAck(ctx, s.key(e.Partition), consumerGroup, e.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("stream: dead-letter: %w", err)
	}
	return true, nil
}

// requeue acks the original entry and re-appends it to the same
// partition with its retry count incremented, so the next delivery
// carries the true attempt count instead of the original "0".
func (s *Stream) requeue(ctx context.Context, e Entry) error {
	payload, err := e.Envelope.Marshal()
	if err != nil {
		return fmt.Errorf("stream: marshal for retry: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(e.Partition),
		Values: map[string]interface{}{fieldEnvelope: payload, fieldRetries: fmt.Sprintf("%d", e.Retries+1)},
	})
	pipe.XAck(ctx, s.key(e.Partition), consumerGroup, e.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stream: requeue: %w", err)
	}
	return nil
}

// Partitions returns the configured partition count.
func (s *Stream) Partitions() int { return s.partitions }

// DeadLetterEntries returns up to limit entries from the dead-letter
// stream, for operator inspection/recovery tooling.
func (s *Stream) DeadLetterEntries(ctx context.Context, limit int64) ([]Entry, error) {
	res, err := s.rdb.XRange(ctx, s.deadLetterKey(), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("stream: dead-letter range: %w", err)
	}
	if int64(len(res)) > limit && limit > 0 {
		res = res[:limit]
	}
	return toEntries(-1, []redis.XStream{{Messages: res}})
}
