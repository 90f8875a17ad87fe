package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, time.Hour), mr
}

func TestGetOrSetFirstWriterWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, created, err := s.GetOrSet(ctx, "k1", func() (string, error) { return "m1", nil })
	if err != nil {
		t.Fatalf("GetOrSet: %v", err)
	}
	if !created || id != "m1" {
		t.Fatalf("first writer: got (%q,%v), want (m1,true)", id, created)
	}

	id2, created2, err := s.GetOrSet(ctx, "k1", func() (string, error) { return "m2", nil })
	if err != nil {
		t.Fatalf("GetOrSet: %v", err)
	}
	if created2 || id2 != "m1" {
		t.Fatalf("duplicate: got (%q,%v), want (m1,false)", id2, created2)
	}
}

func TestGetOrSetConcurrentSameKeyOneWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	var assignCalls int64
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := s.GetOrSet(ctx, "shared", func() (string, error) {
				atomic.AddInt64(&assignCalls, 1)
				return "winner", nil
			})
			if err != nil {
				t.Errorf("GetOrSet: %v", err)
				return
			}
			results[i] = id
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		if got != "winner" {
			t.Errorf("result[%d] = %q, want winner", i, got)
		}
	}
}

func TestLookupMiss(t *testing.T) {
	s, _ := newTestStore(t)
	_, found, err := s.Lookup(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if found {
		t.Fatal("expected miss")
	}
}

func TestGetOrSetClosed(t *testing.T) {
	s, _ := newTestStore(t)
	s.Close()
	_, _, err := s.GetOrSet(context.Background(), "k", func() (string, error) { return "x", nil })
	if err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
