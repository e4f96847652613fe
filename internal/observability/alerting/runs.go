package alerting

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/internal/executor"
	"wallets-quickstart/pkg/logger"
)

// EventForRun 将终止的运行转换为告警事件，未终止的运行返回 false。
func EventForRun(run *executor.Run) (Event, bool) {
	if run == nil || run.State != executor.RunAborted {
		return Event{}, false
	}
	code := xerrors.CodeRunAborted
	stage := "aborted"
	switch {
	case strings.HasPrefix(run.Reason, "rollback failed:"):
		code = xerrors.CodeRollbackFailed
		stage = "rollback_failed"
	case run.Reason == executor.ReasonCancelled:
		stage = "cancelled"
	}
	attrs := xerrors.AttributesOf(code)
	event := Event{
		Code:       code,
		Message:    run.Reason,
		Severity:   attrs.Severity,
		Stage:      stage,
		RunID:      run.ID,
		Workflow:   run.Workflow,
		OccurredAt: run.FinishedAt,
	}
	if len(run.Failures) > 0 {
		last := run.Failures[len(run.Failures)-1]
		event.Metadata = map[string]string{"action": last.Key, "error": last.Error}
	}
	return event, true
}

// RunObserver 返回执行器的运行观察者。取消的运行不告警，告警在后台发送。
func RunObserver(dispatcher Dispatcher, timeout time.Duration) func(*executor.Run) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return func(run *executor.Run) {
		event, ok := EventForRun(run)
		if !ok || dispatcher == nil || event.Stage == "cancelled" {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := dispatcher.Notify(ctx, event); err != nil {
				logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("run_id", event.RunID))
			}
		}()
	}
}
