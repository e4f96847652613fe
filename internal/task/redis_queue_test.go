package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestRedisQueueRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	queue, err := NewRedisQueue(client, "", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a", "b"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	if n, _ := client.LLen(ctx, DefaultRedisQueue).Result(); n != 2 {
		t.Fatalf("expected 2 queued tasks, got %d", n)
	}

	var (
		mu       sync.Mutex
		seen     []string
		failOnce = true
	)
	handler := func(_ context.Context, id string) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, id)
		if id == "b" && failOnce {
			failOnce = false
			return errors.New("transient")
		}
		if len(seen) == 3 {
			cancel()
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- queue.Consume(ctx, 1, handler) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected consume error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("consumer did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[0] != "a" || seen[1] != "b" || seen[2] != "b" {
		t.Fatalf("unexpected delivery order: %v", seen)
	}
}

func TestNewRedisQueueRequiresClient(t *testing.T) {
	if _, err := NewRedisQueue(nil, "q", 0); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
