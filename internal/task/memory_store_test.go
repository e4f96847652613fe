package task

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newClockedStore(start time.Time) (*MemoryStore, *time.Time) {
	store := NewMemoryStore()
	current := start
	store.now = func() time.Time { return current }
	return store, &current
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	store, clock := newClockedStore(base)

	for i, task := range []*Task{
		{ID: "t1", Input: "我要退货", Status: StatusPending, MaxRetries: 3},
		{ID: "t2", Input: "订机票", Status: StatusPending, MaxRetries: 3},
		{ID: "t3", Input: "你好", Status: StatusPending, MaxRetries: 3},
	} {
		*clock = base.Add(time.Duration(i) * time.Second)
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
	}

	*clock = base.Add(30 * time.Second)
	if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	*clock = base.Add(60 * time.Second)
	if err := store.MarkSucceeded(ctx, "t3", ExecutionResult{Workflow: "direct-chat-workflow", Reply: "您好"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "t3" || all[2].ID != "t1" {
		t.Fatalf("unexpected order: %v", ids(all))
	}

	asc, _ := store.List(ctx, BuildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc), WithOffset(1), WithLimit(1)}))
	if len(asc) != 1 || asc[0].ID != "t2" {
		t.Fatalf("unexpected paged list: %v", ids(asc))
	}

	failed, _ := store.List(ctx, BuildListOptions([]ListOption{WithStatuses(StatusFailed, "bogus")}))
	if len(failed) != 1 || failed[0].ID != "t2" {
		t.Fatalf("unexpected failed list: %v", ids(failed))
	}

	withResult, _ := store.List(ctx, BuildListOptions([]ListOption{WithResultPresence(true)}))
	if len(withResult) != 1 || withResult[0].ID != "t3" {
		t.Fatalf("unexpected result list: %v", ids(withResult))
	}

	recent, _ := store.List(ctx, BuildListOptions([]ListOption{WithUpdatedSince(base.Add(15 * time.Second))}))
	if len(recent) != 2 {
		t.Fatalf("expected 2 tasks to match since filter, got %v", ids(recent))
	}

	byWorkflow, _ := store.List(ctx, BuildListOptions([]ListOption{WithWorkflows("direct-chat-workflow", " ", "direct-chat-workflow")}))
	if len(byWorkflow) != 1 || byWorkflow[0].ID != "t3" {
		t.Fatalf("unexpected workflow filter result: %v", ids(byWorkflow))
	}
	none, _ := store.List(ctx, BuildListOptions([]ListOption{WithWorkflows("flight-booking-workflow")}))
	if len(none) != 0 {
		t.Fatalf("tasks without a matching result should be skipped: %v", ids(none))
	}

	byQuery, _ := store.List(ctx, BuildListOptions([]ListOption{WithQuery("退货")}))
	if len(byQuery) != 1 || byQuery[0].ID != "t1" {
		t.Fatalf("unexpected query result: %v", ids(byQuery))
	}
	byReply, _ := store.List(ctx, BuildListOptions([]ListOption{WithQuery("您好")}))
	if len(byReply) != 1 || byReply[0].ID != "t3" {
		t.Fatalf("query should match replies: %v", ids(byReply))
	}
}

func TestMemoryStoreStats(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	store, clock := newClockedStore(base)

	for _, id := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, &Task{ID: id, Input: id, Status: StatusPending, MaxRetries: 3}); err != nil {
			t.Fatalf("create task %s: %v", id, err)
		}
	}
	*clock = base.Add(30 * time.Second)
	_ = store.MarkFailed(ctx, "b", CodeTaskProcessing, "boom", true)
	*clock = base.Add(2 * time.Minute)
	_ = store.MarkSucceeded(ctx, "c", ExecutionResult{Reply: "ok"})

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() || stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected range: %+v", stats)
	}

	withoutResults, _ := store.Stats(ctx, BuildListOptions([]ListOption{WithResultPresence(false)}))
	if withoutResults.Total != 2 || withoutResults.Pending != 1 || withoutResults.Failed != 1 {
		t.Fatalf("unexpected stats without result: %+v", withoutResults)
	}

	empty, _ := store.Stats(ctx, BuildListOptions([]ListOption{WithQuery("nothing")}))
	if empty.Total != 0 || empty.OldestUpdatedAt != 0 {
		t.Fatalf("expected empty stats, got %+v", empty)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, &Task{ID: "x", Input: "hi", Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Task{ID: "x", Input: "hi"}); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	claimed, err := store.Claim(ctx, "x")
	if err != nil || claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claim: %+v err=%v", claimed, err)
	}
	if _, err := store.Claim(ctx, "x"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("running task should conflict, got %v", err)
	}

	_ = store.MarkFailed(ctx, "x", CodeTaskProcessing, "retry me", false)
	if claimed, err = store.Claim(ctx, "x"); err != nil || claimed.Attempts != 2 {
		t.Fatalf("retryable failure should be claimable: %+v err=%v", claimed, err)
	}

	_ = store.MarkFailed(ctx, "x", CodeTaskProcessing, "done", false)
	if _, err := store.Claim(ctx, "x"); !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}

	if err := store.Create(ctx, &Task{ID: "y", Input: "hi", Status: StatusPending, MaxRetries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, _ = store.Claim(ctx, "y")
	_ = store.MarkFailed(ctx, "y", CodeTaskProcessing, "fatal", true)
	if _, err := store.Claim(ctx, "y"); !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("terminal failure should exhaust retries, got %v", err)
	}

	if err := store.Create(ctx, &Task{ID: "z", Input: "hi", Status: StatusPending, MaxRetries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = store.MarkSucceeded(ctx, "z", ExecutionResult{Reply: "ok"})
	if _, err := store.Claim(ctx, "z"); !errors.Is(err, ErrTaskCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	if _, err := store.Claim(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func ids(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}

func TestBuildListOptionsDefaults(t *testing.T) {
	opts := BuildListOptions([]ListOption{WithLimit(500), WithOffset(-3), WithStatuses("bogus"), WithWorkflows("", "  "), WithQuery("  退货 ")})
	if opts.Limit != maxListLimit || opts.Offset != 0 {
		t.Fatalf("unexpected paging: %+v", opts)
	}
	if opts.Statuses != nil || opts.Workflows != nil {
		t.Fatalf("invalid filters should be dropped: %+v", opts)
	}
	if opts.Query != "退货" || opts.Order != SortByUpdatedDesc {
		t.Fatalf("unexpected query options: %+v", opts)
	}
}

func TestBuildFilterClauseWorkflows(t *testing.T) {
	clause, args := buildFilterClause(BuildListOptions([]ListOption{
		WithStatuses(StatusSucceeded),
		WithWorkflows("direct-chat-workflow", "return-request-workflow"),
	}))
	want := "status IN (?) AND workflow IN (?,?)"
	if clause != want {
		t.Fatalf("unexpected clause: %s", clause)
	}
	if len(args) != 3 || args[1] != "direct-chat-workflow" || args[2] != "return-request-workflow" {
		t.Fatalf("unexpected args: %v", args)
	}
}
