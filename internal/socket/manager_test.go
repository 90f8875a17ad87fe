package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	sqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/chat-transport/internal/bus"
	"github.com/tbourn/chat-transport/internal/domain"
	"github.com/tbourn/chat-transport/internal/ingress"
	"github.com/tbourn/chat-transport/internal/presence"
	"github.com/tbourn/chat-transport/internal/replay"
	"github.com/tbourn/chat-transport/internal/repo"
)

func newTestManager(t *testing.T) (*Manager, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	reg := presence.New(rdb, time.Minute)
	b := bus.New(rdb)
	return NewManager("inst-1", reg, b, nil, nil, nil), rdb
}

// newTestManagerWithStore wires a real sqlite-backed validator and replay
// cache, for tests that exercise join/replay membership checks.
func newTestManagerWithStore(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("socketmgr_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	reg := presence.New(rdb, time.Minute)
	b := bus.New(rdb)
	validator := ingress.New(db, nil, nil, 100, 100, 64*1024)
	replayCache := replay.New(rdb, time.Hour, 50)
	return NewManager("inst-1", reg, b, validator, nil, replayCache)
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func fakeSession(id, userID string) *Session {
	return &Session{ID: id, UserID: userID, mailbox: make(chan []byte, mailboxCap), state: StateActive}
}

func TestJoinConversationSubscribesOnFirstLocalJoin(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	s1 := fakeSession("s1", "alice")

	m.joinConversation(ctx, "conv-1", s1)

	m.mu.Lock()
	_, subscribed := m.convSubs["conv-1"]
	present := len(m.byConversation["conv-1"]) == 1
	m.mu.Unlock()

	if !subscribed {
		t.Fatal("expected a bus subscription to be created on first local join")
	}
	if !present {
		t.Fatal("expected session to be tracked under the conversation")
	}
}

func TestLeaveConversationUnsubscribesWhenEmpty(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	s1 := fakeSession("s1", "alice")

	m.joinConversation(ctx, "conv-1", s1)
	m.leaveConversation("conv-1", s1)

	m.mu.Lock()
	_, stillSubscribed := m.convSubs["conv-1"]
	_, stillTracked := m.byConversation["conv-1"]
	m.mu.Unlock()

	if stillSubscribed {
		t.Fatal("expected the bus subscription to be torn down once the conversation is empty")
	}
	if stillTracked {
		t.Fatal("expected the empty conversation set to be removed")
	}
}

func TestDeliverToConversationFansOutToAllLocalSessions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	s1 := fakeSession("s1", "alice")
	s2 := fakeSession("s2", "bob")

	m.joinConversation(ctx, "conv-1", s1)
	m.joinConversation(ctx, "conv-1", s2)

	m.deliverToConversation("conv-1", []byte("payload"))

	select {
	case got := <-s1.mailbox:
		if string(got) != "payload" {
			t.Fatalf("s1 got %q", got)
		}
	default:
		t.Fatal("s1 did not receive the fanned-out payload")
	}
	select {
	case got := <-s2.mailbox:
		if string(got) != "payload" {
			t.Fatalf("s2 got %q", got)
		}
	default:
		t.Fatal("s2 did not receive the fanned-out payload")
	}
}

func TestHandleJoinSubscribesMemberAndRejectsNonMember(t *testing.T) {
	m := newTestManagerWithStore(t)
	ctx := context.Background()
	if _, err := repo.CreateConversation(ctx, m.Validator.DB, "conv-1", "direct"); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := repo.AddMember(ctx, m.Validator.DB, "conv-1", "alice", "member"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	alice := fakeSession("s1", "alice")
	m.handleFrame(alice, Frame{Type: "join", Payload: mustMarshal(t, conversationFrame{ConversationID: "conv-1"})})
	m.mu.Lock()
	_, joined := m.byConversation["conv-1"]
	m.mu.Unlock()
	if !joined {
		t.Fatal("expected alice's session to be subscribed to conv-1")
	}
	select {
	case got := <-alice.mailbox:
		var f Frame
		if err := json.Unmarshal(got, &f); err != nil || f.Type != "join.ack" {
			t.Fatalf("expected join.ack frame, got %s", got)
		}
	default:
		t.Fatal("expected a join.ack reply")
	}

	bob := fakeSession("s2", "bob")
	m.handleFrame(bob, Frame{Type: "join", Payload: mustMarshal(t, conversationFrame{ConversationID: "conv-1"})})
	m.mu.Lock()
	_, bobJoined := m.byConversation["conv-1"][bob]
	m.mu.Unlock()
	if bobJoined {
		t.Fatal("expected non-member join to be rejected")
	}
	select {
	case got := <-bob.mailbox:
		var f Frame
		if err := json.Unmarshal(got, &f); err != nil || f.Type != "message.error" {
			t.Fatalf("expected an error reply for non-member join, got %s", got)
		}
	default:
		t.Fatal("expected an error reply for non-member join")
	}
}

func TestHandleLeaveUnsubscribes(t *testing.T) {
	m := newTestManagerWithStore(t)
	s1 := fakeSession("s1", "alice")
	m.joinConversation(context.Background(), "conv-1", s1)

	m.handleFrame(s1, Frame{Type: "leave", Payload: mustMarshal(t, conversationFrame{ConversationID: "conv-1"})})

	m.mu.Lock()
	_, stillTracked := m.byConversation["conv-1"]
	m.mu.Unlock()
	if stillTracked {
		t.Fatal("expected leave to remove the conversation's session set")
	}
}

func TestHandleHeartbeatRefreshesPresence(t *testing.T) {
	m := newTestManagerWithStore(t)
	ctx := context.Background()
	if _, err := m.Presence.Register(ctx, "alice", "s1", "inst-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s1 := fakeSession("s1", "alice")

	m.handleFrame(s1, Frame{Type: "heartbeat"})

	online, err := m.Presence.IsOnline(ctx, "alice")
	if err != nil {
		t.Fatalf("IsOnline: %v", err)
	}
	if !online {
		t.Fatal("expected heartbeat to keep the socket's presence record alive")
	}
}

func TestHandleReplayReturnsWindowForMember(t *testing.T) {
	m := newTestManagerWithStore(t)
	ctx := context.Background()
	if _, err := repo.CreateConversation(ctx, m.Validator.DB, "conv-1", "direct"); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := repo.AddMember(ctx, m.Validator.DB, "conv-1", "alice", "member"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	envelope := domain.Envelope{MessageID: "m1", ConversationID: "conv-1", ContentType: domain.ContentText, Content: []byte("hi")}
	if err := m.Replay.Store(ctx, envelope); err != nil {
		t.Fatalf("Replay.Store: %v", err)
	}

	alice := fakeSession("s1", "alice")
	m.handleFrame(alice, Frame{Type: "replay", Payload: mustMarshal(t, replayFrame{ConversationID: "conv-1"})})

	select {
	case got := <-alice.mailbox:
		var f Frame
		if err := json.Unmarshal(got, &f); err != nil || f.Type != "replay.result" {
			t.Fatalf("expected replay.result frame, got %s", got)
		}
	default:
		t.Fatal("expected a replay.result reply")
	}
}

func TestHandleTypingFansOutToOtherConversationMembers(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	s1 := fakeSession("s1", "alice")
	s2 := fakeSession("s2", "bob")
	m.joinConversation(ctx, "conv-1", s1)
	m.joinConversation(ctx, "conv-1", s2)

	m.handleFrame(s1, Frame{Type: "typing", Payload: mustMarshal(t, typingFrame{ConversationID: "conv-1", Typing: true})})

	time.Sleep(50 * time.Millisecond) // bus delivery is async over pub/sub
	select {
	case got := <-s2.mailbox:
		var f Frame
		if err := json.Unmarshal(got, &f); err != nil || f.Type != "typing" {
			t.Fatalf("expected a typing frame, got %s", got)
		}
	default:
		t.Fatal("expected bob's session to receive the typing fan-out")
	}
}

func TestUserTrackingAddRemove(t *testing.T) {
	m, _ := newTestManager(t)
	s1 := fakeSession("s1", "alice")

	m.addUser("alice", s1)
	m.mu.Lock()
	n := len(m.byUser["alice"])
	m.mu.Unlock()
	if n != 1 {
		t.Fatalf("len(byUser[alice]) = %d, want 1", n)
	}

	m.removeUser("alice", s1)
	m.mu.Lock()
	_, ok := m.byUser["alice"]
	m.mu.Unlock()
	if ok {
		t.Fatal("expected alice's empty session set to be removed")
	}
}
