package consumer

import (
	"context"
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
	"github.com/tbourn/chat-transport/internal/repo"
	"github.com/tbourn/chat-transport/internal/replay"
	"github.com/tbourn/chat-transport/internal/stream"
)

func newPoolHarness(t *testing.T) (*Pool, *gorm.DB, *stream.Stream, *bus.Bus) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("consumer_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	strm := stream.New(rdb, 2, 30*time.Second, 3)
	if err := strm.EnsureGroups(context.Background()); err != nil {
		t.Fatalf("EnsureGroups: %v", err)
	}
	b := bus.New(rdb)
	rc := replay.New(rdb, time.Minute, 200)

	pool := New(strm, db, b, rc, "test-consumer")
	return pool, db, strm, b
}

func TestProcessPersistsAndAcksEnvelope(t *testing.T) {
	pool, db, strm, _ := newPoolHarness(t)
	ctx := context.Background()

	if _, err := repo.CreateConversation(ctx, db, "conv-1", "direct"); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	env := domain.Envelope{
		MessageID:      "msg-1",
		ConversationID: "conv-1",
		SenderID:       "alice",
		Content:        []byte("hello"),
		ContentType:    domain.ContentText,
		IdempotencyKey: "alice:c1",
		CorrelationID:  "corr-1",
		State:          domain.StatePending,
		AcceptedAt:     time.Now().UTC(),
	}
	if _, err := strm.Append(ctx, env); err != nil {
		t.Fatalf("Append: %v", err)
	}

	partition := strm.PartitionOf("conv-1")
	entries, err := strm.Read(ctx, partition, "test-consumer", 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}

	if err := pool.process(ctx, entries[0]); err != nil {
		t.Fatalf("process: %v", err)
	}

	msg, err := repo.GetMessage(ctx, db, "msg-1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.State != domain.StatePersisted {
		t.Fatalf("state = %v, want persisted", msg.State)
	}

	// Reprocessing the same entry must be a no-op on the persisted row.
	if err := pool.process(ctx, entries[0]); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
}

func TestProcessIsIdempotentAcrossRedelivery(t *testing.T) {
	pool, db, strm, _ := newPoolHarness(t)
	ctx := context.Background()

	if _, err := repo.CreateConversation(ctx, db, "conv-2", "direct"); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	env := domain.Envelope{
		MessageID:      "msg-2",
		ConversationID: "conv-2",
		SenderID:       "bob",
		Content:        []byte("hi"),
		ContentType:    domain.ContentText,
		IdempotencyKey: "bob:c1",
		CorrelationID:  "corr-2",
		State:          domain.StatePending,
		AcceptedAt:     time.Now().UTC(),
	}
	entry := stream.Entry{Partition: strm.PartitionOf("conv-2"), ID: "0-1", Envelope: env}

	if err := pool.process(ctx, entry); err != nil {
		t.Fatalf("process(1): %v", err)
	}
	if err := pool.process(ctx, entry); err != nil {
		t.Fatalf("process(2): %v", err)
	}

	var count int64
	if err := db.Model(&domain.Message{}).Where("id = ?", "msg-2").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1 row despite reprocessing", count)
	}
}
