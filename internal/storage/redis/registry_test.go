package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestRegistryAcquireRegisteredDBs(t *testing.T) {
	srv := miniredis.RunT(t)

	reg, err := NewRegistry(context.Background(), Config{Address: srv.Addr(), DBs: []int{1, 2, 1}})
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	defer reg.Close()

	if got := reg.DBs(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected dbs: %v", got)
	}

	first, err := reg.Acquire(1)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	second, _ := reg.Acquire(1)
	if first != second {
		t.Fatalf("the same pool must be shared")
	}
	reg.Release(first)

	if err := first.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if got, _ := srv.DB(1).Get("k"); got != "v" {
		t.Fatalf("value written to wrong db: %q", got)
	}
}

func TestRegistryRejectsUnknownDB(t *testing.T) {
	srv := miniredis.RunT(t)

	reg, err := NewRegistry(context.Background(), Config{Address: srv.Addr()})
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	defer reg.Close()

	if _, err := reg.Acquire(0); err != nil {
		t.Fatalf("db 0 is registered by default: %v", err)
	}
	if _, err := reg.Acquire(5); err == nil {
		t.Fatalf("expected error for unregistered db")
	}
}

func TestRegistryCloseDrains(t *testing.T) {
	srv := miniredis.RunT(t)

	reg, err := NewRegistry(context.Background(), Config{Address: srv.Addr(), DBs: []int{0}})
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}
	if _, err := reg.Acquire(0); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed, got %v", err)
	}
}

func TestNewRegistryFailsWhenUnreachable(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	if _, err := NewRegistry(context.Background(), Config{Address: addr}); err == nil {
		t.Fatalf("expected ping failure")
	}
}
