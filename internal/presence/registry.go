// Package presence implements the fleet-wide presence registry (C4): a
// Redis-backed mapping of user id to the set of live socket handles
// across the fleet, with TTL-based expiry driven by heartbeats. The
// registry is best-effort and routing-only — it is never the source of
// truth for messages themselves.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tbourn/chat-transport/internal/domain"
)

const keyPrefix = "presence:"

// Event is emitted on online/offline transitions so C8/C5 can fan it out.
type Event struct {
	UserID string
	Online bool
}

// Registry is the Redis-backed presence store.
type Registry struct {
	rdb *redis.Client
	ttl time.Duration

	// now is a test seam overriding the wall clock used to evaluate TTL
	// expiry; production callers never set it.
	now func() time.Time
}

// New constructs a Registry whose socket records expire after ttl unless
// refreshed by heartbeat.
func New(rdb *redis.Client, ttl time.Duration) *Registry {
	return &Registry{rdb: rdb, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Registry) key(userID string) string { return keyPrefix + userID }

// encodeSocket packs {instance, connected-at, last-seen} into one hash
// field value so a single HGETALL yields the full per-socket record.
func encodeSocket(s domain.PresenceSocket) string {
	return fmt.Sprintf("%s|%d|%d", s.InstanceID, s.ConnectedAt.Unix(), s.LastSeen.Unix())
}

func decodeSocket(socketID, val string) (domain.PresenceSocket, bool) {
	var instance string
	var connected, lastSeen int64
	n, err := fmt.Sscanf(val, "%[^|]|%d|%d", &instance, &connected, &lastSeen)
	if err != nil || n != 3 {
		return domain.PresenceSocket{}, false
	}
	return domain.PresenceSocket{
		SocketID:    socketID,
		InstanceID:  instance,
		ConnectedAt: time.Unix(connected, 0).UTC(),
		LastSeen:    time.Unix(lastSeen, 0).UTC(),
	}, true
}

// Register records a newly connected socket. It reports via wasFirst
// whether the user had zero prior (non-expired) sockets, so the caller
// can emit presence.online exactly once.
func (r *Registry) Register(ctx context.Context, userID, socketID, instanceID string) (wasFirst bool, err error) {
	now := r.now()
	before, err := r.SocketsOf(ctx, userID)
	if err != nil {
		return false, err
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.key(userID), socketID, encodeSocket(domain.PresenceSocket{
		SocketID: socketID, InstanceID: instanceID, ConnectedAt: now, LastSeen: now,
	}))
	pipe.Expire(ctx, r.key(userID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("presence: register: %w", err)
	}
	return len(before) == 0, nil
}

// Heartbeat refreshes the TTL on the user's presence key and updates the
// socket's last-seen timestamp.
func (r *Registry) Heartbeat(ctx context.Context, userID, socketID string) error {
	val, err := r.rdb.HGet(ctx, r.key(userID), socketID).Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("presence: heartbeat: socket %s not registered", socketID)
		}
		return fmt.Errorf("presence: heartbeat: %w", err)
	}
	sock, ok := decodeSocket(socketID, val)
	if !ok {
		return fmt.Errorf("presence: heartbeat: corrupt record for %s", socketID)
	}
	sock.LastSeen = r.now()

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.key(userID), socketID, encodeSocket(sock))
	pipe.Expire(ctx, r.key(userID), r.ttl)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("presence: heartbeat: %w", err)
	}
	return nil
}

// Unregister removes socketID from userID's presence set. It reports via
// wentOffline whether no non-expired sockets remain, so the caller can
// emit presence.offline exactly once.
func (r *Registry) Unregister(ctx context.Context, userID, socketID string) (wentOffline bool, err error) {
	if err := r.rdb.HDel(ctx, r.key(userID), socketID).Err(); err != nil {
		return false, fmt.Errorf("presence: unregister: %w", err)
	}
	remaining, err := r.SocketsOf(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(remaining) == 0 {
		r.rdb.Del(ctx, r.key(userID))
		return true, nil
	}
	return false, nil
}

// SocketsOf returns the non-expired sockets currently registered for
// userID, lazily garbage-collecting any that have outlived the TTL.
func (r *Registry) SocketsOf(ctx context.Context, userID string) ([]domain.PresenceSocket, error) {
	raw, err := r.rdb.HGetAll(ctx, r.key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: sockets-of: %w", err)
	}
	now := r.now()
	var live []domain.PresenceSocket
	var expired []string
	for id, val := range raw {
		sock, ok := decodeSocket(id, val)
		if !ok || now.Sub(sock.LastSeen) >= r.ttl {
			expired = append(expired, id)
			continue
		}
		live = append(live, sock)
	}
	if len(expired) > 0 {
		r.rdb.HDel(ctx, r.key(userID), expired...)
	}
	return live, nil
}

// WhoIs returns the full presence snapshot for userID, or a nil snapshot
// if the user has no live sockets.
func (r *Registry) WhoIs(ctx context.Context, userID string) (*domain.PresenceSnapshot, error) {
	sockets, err := r.SocketsOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(sockets) == 0 {
		return nil, nil
	}
	return &domain.PresenceSnapshot{UserID: userID, Sockets: sockets}, nil
}

// IsOnline reports whether userID has at least one non-expired socket.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	sockets, err := r.SocketsOf(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(sockets) > 0, nil
}
