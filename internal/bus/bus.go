// Package bus implements the cross-instance fan-out bus (C5): Redis
// Pub/Sub keyed by conversation or user subject, with glob-pattern
// subscriptions so one instance can listen for every subject belonging
// to the users and conversations it locally owns sockets for. The bus is
// not durable — it is a routing accelerator, not a log; the database and
// the replay cache remain the durability guarantees.
package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Handler processes one delivered bus message.
type Handler func(subject string, payload []byte)

// ConversationSubject returns the pub/sub subject for a conversation's
// message events (message.receive) and receipt state changes; typing
// events use TypingSubject.
func ConversationSubject(conversationID string) string { return "conv." + conversationID + ".msg" }

// TypingSubject returns the pub/sub subject for ephemeral typing events
// scoped to a conversation.
func TypingSubject(conversationID string) string { return "conv." + conversationID + ".typing" }

// UserSubject returns the pub/sub subject for events directed at a
// specific user (presence transitions).
func UserSubject(userID string) string { return "user." + userID + ".events" }

// UserWildcard returns the glob pattern matching every subject directed
// at a specific user, for subscribing to all of a locally-owned user's
// events in one PSubscribe.
func UserWildcard(userID string) string { return "user." + userID + ".*" }

// ConversationWildcard returns the glob pattern matching every subject
// for a conversation (messages and typing).
func ConversationWildcard(conversationID string) string { return "conv." + conversationID + ".*" }

// Bus is a thin wrapper over a Redis pub/sub connection.
type Bus struct {
	rdb *redis.Client
}

// New constructs a Bus over rdb. The same client may be shared with the
// stream, presence, and replay components.
func New(rdb *redis.Client) *Bus { return &Bus{rdb: rdb} }

// Publish fires subject/payload to any current subscribers, fire-and-
// forget: publish failures are surfaced to the caller to log and count
// as a metric, never to fail the hot path that triggered them.
func (b *Bus) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := b.rdb.Publish(ctx, subject, payload).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// Subscription owns a single pattern subscription's goroutine-free
// delivery loop; callers must call Run (blocking) in their own goroutine
// and Close to stop it.
type Subscription struct {
	pubsub *redis.PubSub
}

// Subscribe registers handler for every subject matching pattern (a
// Redis glob, e.g. "user.u1.*"). The returned Subscription must be run
// via Run in a dedicated goroutine.
func (b *Bus) Subscribe(ctx context.Context, pattern string) *Subscription {
	return &Subscription{pubsub: b.rdb.PSubscribe(ctx, pattern)}
}

// Run blocks, delivering every message received on the subscription to
// handler, until the subscription's context is cancelled or Close is
// called.
func (s *Subscription) Run(handler Handler) {
	ch := s.pubsub.Channel()
	for msg := range ch {
		handler(msg.Channel, []byte(msg.Payload))
	}
}

// Close terminates the subscription, causing any in-progress Run to
// return.
func (s *Subscription) Close() error { return s.pubsub.Close() }
