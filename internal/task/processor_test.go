package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wallets-quickstart/internal/agent"
	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/internal/executor"
	"wallets-quickstart/internal/observability/alerting"
	"wallets-quickstart/internal/routing"
)

type fakeAgent struct {
	processed atomic.Int32
	latency   time.Duration
	// failures 依次返回的错误，用尽后成功。
	mu       sync.Mutex
	failures []error
}

func (f *fakeAgent) Chat(ctx context.Context, req agent.ChatRequest) (*agent.ChatResult, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	var err error
	if len(f.failures) > 0 {
		err, f.failures = f.failures[0], f.failures[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return &agent.ChatResult{RunID: "run-failed", RunState: executor.RunAborted}, err
	}
	f.processed.Add(1)
	return &agent.ChatResult{
		Decision: routing.Decision{WorkflowID: routing.WorkflowDirectChat, Source: routing.SourceRule, Reason: "rule:short ascii"},
		Reply:    "echo:" + req.Input,
		RunID:    "run-1",
		RunState: executor.RunCompleted,
	}, nil
}

type alertRecorder struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *alertRecorder) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *alertRecorder) stages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, event := range a.events {
		out[i] = event.Stage
	}
	return out
}

func runProcessor(t *testing.T, ag Executor, opts ...ProcessorOption) *Service {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	service := NewService(store, queue, 3)
	processor := NewProcessor(ag, store, queue, queue, opts...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return service
}

func waitTask(t *testing.T, service *Service, id string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := service.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait task %s: %v", id, err)
	}
	return task
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ag := &fakeAgent{latency: 5 * time.Millisecond}
	service := runProcessor(t, ag, WithWorkerCount(8))

	total := 100
	for i := 0; i < total; i++ {
		if _, err := service.Submit(context.Background(), SubmitRequest{Input: fmt.Sprintf("msg-%d", i)}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(ag.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", ag.processed.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestProcessorRecordsChatResult(t *testing.T) {
	service := runProcessor(t, &fakeAgent{})

	task, err := service.Submit(context.Background(), SubmitRequest{ID: "fixed", Input: "hi", EnableThinking: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitTask(t, service, task.ID)
	if done.Status != StatusSucceeded || done.Result == nil {
		t.Fatalf("unexpected task: %+v", done)
	}
	if done.Result.Reply != "echo:hi" || done.Result.Workflow != string(routing.WorkflowDirectChat) || done.Result.RunID != "run-1" {
		t.Fatalf("unexpected result: %+v", done.Result)
	}

	again, err := service.Submit(context.Background(), SubmitRequest{ID: "fixed", Input: "other"})
	if err != nil || again.Input != "hi" {
		t.Fatalf("resubmission should return the existing task: %+v err=%v", again, err)
	}
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	ag := &fakeAgent{failures: []error{xerrors.New(xerrors.CodeTimeout, "slow upstream")}}
	service := runProcessor(t, ag)

	task, _ := service.Submit(context.Background(), SubmitRequest{Input: "hi"})
	done := waitTask(t, service, task.ID)
	if done.Status != StatusSucceeded || done.Attempts != 2 {
		t.Fatalf("expected success on second attempt: %+v", done)
	}
}

func TestProcessorTerminalFailureAlerts(t *testing.T) {
	alerts := &alertRecorder{}
	ag := &fakeAgent{failures: []error{xerrors.New(xerrors.CodeRunAborted, "abort:flights")}}
	service := runProcessor(t, ag, WithAlertDispatcher(alerts))

	task, _ := service.Submit(context.Background(), SubmitRequest{Input: "订机票"})
	done := waitTask(t, service, task.ID)
	if done.Status != StatusFailed || done.ErrorCode != string(xerrors.CodeRunAborted) {
		t.Fatalf("expected terminal failure: %+v", done)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(alerts.stages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if stages := alerts.stages(); len(stages) != 1 || stages[0] != "terminal" {
		t.Fatalf("unexpected alerts: %v", stages)
	}
}

func TestProcessorFallbackReply(t *testing.T) {
	ag := &fakeAgent{failures: []error{xerrors.New(xerrors.CodeRunAborted, "abort:flights")}}
	service := runProcessor(t, ag, WithRecoveryHandler(FallbackReply("稍后为您转人工")))

	task, _ := service.Submit(context.Background(), SubmitRequest{Input: "订机票"})
	done := waitTask(t, service, task.ID)
	if done.Status != StatusSucceeded || done.Result.Reply != "稍后为您转人工" || done.Result.Degraded == "" {
		t.Fatalf("expected degraded success: %+v", done)
	}
	if done.Result.RunID != "run-failed" {
		t.Fatalf("run details should be kept: %+v", done.Result)
	}
}

func TestSubmitValidatesInput(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(1), 0)
	if _, err := service.Submit(context.Background(), SubmitRequest{Input: "  "}); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitMarksPublishFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(1)
	_ = queue.Close()
	service := NewService(store, queue, 3)

	_, err := service.Submit(context.Background(), SubmitRequest{ID: "p", Input: "hi"})
	if xerrors.CodeOf(err) != CodeTaskPublish {
		t.Fatalf("expected publish error, got %v", err)
	}
	task, _ := store.Get(context.Background(), "p")
	if task.Status != StatusFailed || task.Attempts != task.MaxRetries {
		t.Fatalf("publish failure should be terminal: %+v", task)
	}
}

func TestSubmitRejectsUnknownRagModeAndLongInput(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(4), 3, WithMaxInputRunes(4))
	if _, err := service.Submit(context.Background(), SubmitRequest{Input: "查询订单", Options: map[string]any{"ragMode": "web"}}); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("expected validation error for ragMode, got %v", err)
	}
	if _, err := service.Submit(context.Background(), SubmitRequest{Input: "查询订单状态"}); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("expected validation error for long input, got %v", err)
	}
	created, err := service.Submit(context.Background(), SubmitRequest{Input: "查询订单", Options: map[string]any{"ragMode": "rag"}})
	if err != nil || created.Status != StatusPending {
		t.Fatalf("valid request rejected: %+v err=%v", created, err)
	}
}

func TestSubmitUsesIDGenerator(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(4), 3, WithIDGenerator(func() string { return "generated" }))
	created, err := service.Submit(context.Background(), SubmitRequest{Input: "你好"})
	if err != nil || created.ID != "generated" {
		t.Fatalf("unexpected task: %+v err=%v", created, err)
	}
	if created.Finished() {
		t.Fatalf("pending task should not be finished")
	}
}
