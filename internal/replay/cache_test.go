package replay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tbourn/chat-transport/internal/domain"
)

func newTestCache(t *testing.T, capacity int64) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, time.Hour, capacity)
}

func env(id, conv string) domain.Envelope {
	return domain.Envelope{MessageID: id, ConversationID: conv, ContentType: domain.ContentText, Content: []byte("x")}
}

func TestStoreAndFetchSinceFullWindow(t *testing.T) {
	c := newTestCache(t, 100)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		if err := c.Store(ctx, env(id, "conv-A")); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	got, err := c.FetchSince(ctx, "conv-A", "")
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if got[i].Envelope.MessageID != want {
			t.Errorf("entry[%d] = %q, want %q", i, got[i].Envelope.MessageID, want)
		}
	}
}

func TestFetchSinceAfterCursor(t *testing.T) {
	c := newTestCache(t, 100)
	ctx := context.Background()
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := c.Store(ctx, env(id, "conv-A")); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	got, err := c.FetchSince(ctx, "conv-A", "m1")
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if len(got) != 2 || got[0].Envelope.MessageID != "m2" || got[1].Envelope.MessageID != "m3" {
		t.Fatalf("got %+v, want [m2 m3]", got)
	}
}

func TestFetchSinceCursorOutsideWindowReturnsEmpty(t *testing.T) {
	c := newTestCache(t, 100)
	ctx := context.Background()
	if err := c.Store(ctx, env("m1", "conv-A")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := c.FetchSince(ctx, "conv-A", "never-stored")
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if got != nil {
		t.Fatalf("got %+v, want nil (fallback signal)", got)
	}
}

func TestCapacityEviction(t *testing.T) {
	c := newTestCache(t, 2)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("m%d", i)
		if err := c.Store(ctx, env(id, "conv-A")); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	got, err := c.FetchSince(ctx, "conv-A", "")
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want capacity-bound 2", len(got))
	}
	if got[0].Envelope.MessageID != "m3" || got[1].Envelope.MessageID != "m4" {
		t.Fatalf("got %+v, want tail [m3 m4]", got)
	}
}

func TestStoreSameMessageIDReplacesRatherThanDuplicates(t *testing.T) {
	c := newTestCache(t, 100)
	ctx := context.Background()
	if err := c.Store(ctx, env("m1", "conv-A")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := c.Store(ctx, env("m2", "conv-A")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := c.Store(ctx, env("m1", "conv-A")); err != nil {
		t.Fatalf("re-Store: %v", err)
	}

	got, err := c.FetchSince(ctx, "conv-A", "")
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2 (re-store must not duplicate m1)", len(got))
	}
}

func TestFetchSingleMessage(t *testing.T) {
	c := newTestCache(t, 100)
	ctx := context.Background()
	if err := c.Store(ctx, env("m1", "conv-A")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := c.Fetch(ctx, "conv-A", "m1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got == nil || got.Envelope.MessageID != "m1" {
		t.Fatalf("got %+v, want m1", got)
	}

	miss, err := c.Fetch(ctx, "conv-A", "missing")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if miss != nil {
		t.Fatalf("got %+v, want nil", miss)
	}
}
