// Package alerting fans alert events out to notifiers. Aborted workflow runs,
// failed compensations and exhausted chat tasks are reported here.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/pkg/logger"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	Stage      string            `json:"stage,omitempty"`
	TaskID     string            `json:"task_id,omitempty"`
	RunID      string            `json:"run_id,omitempty"`
	Workflow   string            `json:"workflow,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到一个渠道。
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 将事件投递到全部通知器，同名通知器只保留最后一个。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	byName := make(map[string]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			byName[n.Name()] = n
		}
	}
	list := make([]Notifier, 0, len(byName))
	for _, n := range byName {
		list = append(list, n)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return &FanoutDispatcher{notifiers: list}
}

// Len 返回已注册的通知器数量。
func (d *FanoutDispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.notifiers)
}

// Notify 将事件广播至所有通知器，返回合并后的错误。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("notifier %s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 将告警写入审计日志。
type LogNotifier struct{}

// Name 实现 Notifier。
func (LogNotifier) Name() string { return "audit-log" }

// Notify 实现 Notifier。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	logger.Audit().Warn("alert",
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("stage", event.Stage),
		slog.String("task_id", event.TaskID),
		slog.String("run_id", event.RunID),
		slog.String("workflow", event.Workflow),
		slog.String("message", event.Message),
	)
	return nil
}
