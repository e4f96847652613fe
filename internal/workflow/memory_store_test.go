package workflow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreUpsertIsIdempotentPerID(t *testing.T) {
	store := NewMemoryStore()
	frozen := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return frozen }
	ctx := context.Background()

	if err := store.Upsert(ctx, "wf-1", "first", Definition{}); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	first, err := store.Get(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	if err := store.Upsert(ctx, "wf-1", "second", Definition{Nodes: []map[string]any{{"id": "n1"}}}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	second, err := store.Get(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("updatedAt should advance: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
	if second.Name != "second" || len(second.Definition.Nodes) != 1 {
		t.Fatalf("definition should be replaced: %+v", second)
	}

	list, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(list))
	}
}

func TestMemoryStoreListNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	frozen := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return frozen }
	ctx := context.Background()

	for _, id := range []string{"A", "B"} {
		if err := store.Upsert(ctx, id, id, Definition{}); err != nil {
			t.Fatalf("upsert %s failed: %v", id, err)
		}
	}

	list, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "B" || list[1].ID != "A" {
		t.Fatalf("expected B before A, got %+v", list)
	}

	if err := store.Upsert(ctx, "A", "A", Definition{}); err != nil {
		t.Fatalf("re-upsert failed: %v", err)
	}
	list, _ = store.List(ctx, 1)
	if len(list) != 1 || list[0].ID != "A" {
		t.Fatalf("re-saved workflow should lead, got %+v", list)
	}
}

func TestMemoryStoreListFollowsSaveOrderAfterBump(t *testing.T) {
	store := NewMemoryStore()
	frozen := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return frozen }
	ctx := context.Background()

	for _, id := range []string{"A", "B", "A", "C"} {
		if err := store.Upsert(ctx, id, id, Definition{}); err != nil {
			t.Fatalf("upsert %s failed: %v", id, err)
		}
	}

	list, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	got := make([]string, 0, len(list))
	for _, summary := range list {
		got = append(got, summary.ID)
	}
	if len(got) != 3 || got[0] != "C" || got[1] != "A" || got[2] != "B" {
		t.Fatalf("expected C, A, B, got %v", got)
	}
	if !list[1].UpdatedAt.After(list[0].UpdatedAt) {
		t.Fatalf("bumped record keeps its later timestamp: %+v", list)
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	nodes := []map[string]any{{"id": "n1"}}
	if err := store.Upsert(ctx, "wf", "wf", Definition{Nodes: nodes}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	nodes[0]["id"] = "mutated"

	record, err := store.Get(ctx, "wf")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.Definition.Nodes[0]["id"] != "n1" {
		t.Fatalf("caller mutation leaked into store")
	}
	if record.Definition.Edges == nil {
		t.Fatalf("edges should be normalised to an empty slice")
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
}
