package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/internal/executor"
)

type recordingNotifier struct {
	name   string
	err    error
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{name: "ok"}
	bad := &recordingNotifier{name: "bad", err: errors.New("boom")}
	d := NewFanout(ok, bad, nil)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeRunAborted})
	if err == nil || ok.count() != 1 || bad.count() != 1 {
		t.Fatalf("unexpected fanout result: err=%v ok=%d bad=%d", err, ok.count(), bad.count())
	}
	if d.Len() != 2 {
		t.Fatalf("expected 2 notifiers, got %d", d.Len())
	}
}

func TestEventForRun(t *testing.T) {
	if _, ok := EventForRun(&executor.Run{State: executor.RunCompleted}); ok {
		t.Fatalf("completed runs do not alert")
	}
	event, ok := EventForRun(&executor.Run{
		ID:       "r1",
		Workflow: "return-request-workflow",
		State:    executor.RunAborted,
		Reason:   "rollback failed:returns.cancel",
		Failures: []executor.Failure{{Key: "return", Error: "down"}},
	})
	if !ok || event.Code != xerrors.CodeRollbackFailed || event.Stage != "rollback_failed" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Metadata["action"] != "return" || event.Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected metadata: %+v", event)
	}
}

func TestRunObserverSkipsCancelledRuns(t *testing.T) {
	rec := &recordingNotifier{name: "rec"}
	observe := RunObserver(NewFanout(rec), time.Second)

	observe(&executor.Run{State: executor.RunAborted, Reason: executor.ReasonCancelled})
	observe(&executor.Run{State: executor.RunAborted, Reason: "abort:flights"})

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("expected exactly one alert, got %d", rec.count())
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got Event
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier("ops", srv.URL, map[string]string{"Authorization": "Bearer x"}, 0)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if err := n.Notify(context.Background(), Event{Code: xerrors.CodeRunAborted, RunID: "r1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.RunID != "r1" || auth != "Bearer x" {
		t.Fatalf("unexpected delivery: %+v auth=%q", got, auth)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	n2, _ := NewWebhookNotifier("", failing.URL, nil, time.Second)
	if err := n2.Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error on 500")
	}
}
