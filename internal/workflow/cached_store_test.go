package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

type countingStore struct {
	*MemoryStore
	gets int
}

func (c *countingStore) Get(ctx context.Context, id string) (*Record, error) {
	c.gets++
	return c.MemoryStore.Get(ctx, id)
}

func newCachedTestStore(t *testing.T) (*CachedStore, *countingStore, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	inner := &countingStore{MemoryStore: NewMemoryStore()}
	return NewCachedStore(inner, client, time.Minute), inner, srv
}

func TestCachedStoreServesRepeatedReadsFromRedis(t *testing.T) {
	store, inner, srv := newCachedTestStore(t)
	ctx := context.Background()

	if err := inner.Upsert(ctx, "wf", "cached", Definition{}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		record, err := store.Get(ctx, "wf")
		if err != nil || record.Name != "cached" {
			t.Fatalf("get #%d: %+v %v", i, record, err)
		}
	}
	if inner.gets != 1 {
		t.Fatalf("expected a single backend read, got %d", inner.gets)
	}
	if !srv.Exists(cacheKey("wf")) {
		t.Fatalf("cache entry missing")
	}
	if ttl := srv.TTL(cacheKey("wf")); ttl != time.Minute {
		t.Fatalf("unexpected ttl: %v", ttl)
	}
}

func TestCachedStoreInvalidatesOnUpsert(t *testing.T) {
	store, inner, srv := newCachedTestStore(t)
	ctx := context.Background()

	_ = store.Upsert(ctx, "wf", "v1", Definition{})
	srv.FastForward(fenceTTL)
	if _, err := store.Get(ctx, "wf"); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !srv.Exists(cacheKey("wf")) {
		t.Fatalf("cache should be filled once the fence expires")
	}
	_ = store.Upsert(ctx, "wf", "v2", Definition{})

	record, err := store.Get(ctx, "wf")
	if err != nil || record.Name != "v2" {
		t.Fatalf("stale cache returned: %+v %v", record, err)
	}
	if inner.gets != 2 {
		t.Fatalf("expected cache miss after upsert, got %d backend reads", inner.gets)
	}
}

// pausingStore 在第一次 Get 读到记录后暂停，用来构造读写交错。
type pausingStore struct {
	*MemoryStore
	once   sync.Once
	read   chan struct{}
	resume chan struct{}
}

func (p *pausingStore) Get(ctx context.Context, id string) (*Record, error) {
	record, err := p.MemoryStore.Get(ctx, id)
	p.once.Do(func() {
		close(p.read)
		<-p.resume
	})
	return record, err
}

func TestCachedStoreConcurrentUpsertNotOverwrittenByStaleFill(t *testing.T) {
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	inner := &pausingStore{MemoryStore: NewMemoryStore(), read: make(chan struct{}), resume: make(chan struct{})}
	store := NewCachedStore(inner, client, time.Minute)
	ctx := context.Background()
	_ = inner.MemoryStore.Upsert(ctx, "wf", "v1", Definition{})

	done := make(chan *Record, 1)
	go func() {
		record, _ := store.Get(ctx, "wf")
		done <- record
	}()
	<-inner.read
	if err := store.Upsert(ctx, "wf", "v2", Definition{}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	close(inner.resume)
	if stale := <-done; stale == nil || stale.Name != "v1" {
		t.Fatalf("in-flight read should see v1, got %+v", stale)
	}

	if srv.Exists(cacheKey("wf")) {
		t.Fatalf("stale record must not be written back after a concurrent upsert")
	}
	record, err := store.Get(ctx, "wf")
	if err != nil || record.Name != "v2" {
		t.Fatalf("expected v2, got %+v %v", record, err)
	}
}

func TestCachedStoreFallsBackWhenRedisDown(t *testing.T) {
	store, inner, srv := newCachedTestStore(t)
	ctx := context.Background()
	_ = inner.Upsert(ctx, "wf", "direct", Definition{})
	srv.Close()

	record, err := store.Get(ctx, "wf")
	if err != nil || record.Name != "direct" {
		t.Fatalf("expected backend fallback: %+v %v", record, err)
	}
}
