package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"wallets-quickstart/internal/agent"
	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/internal/observability/alerting"
	"wallets-quickstart/pkg/logger"
)

// Executor 定义了处理器所需的对话能力。
type Executor interface {
	Chat(ctx context.Context, req agent.ChatRequest) (*agent.ChatResult, error)
}

// Processor 负责从队列消费任务并交给 Agent 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	execTimeout time.Duration
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithExecTimeout 限制单次任务执行的时长。
func WithExecTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.execTimeout = timeout
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim", nil)
		return err
	}

	execCtx := ctx
	if p.execTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, p.execTimeout)
		defer cancel()
	}
	result, execErr := p.executor.Chat(execCtx, agent.ChatRequest{
		Input:          task.Input,
		Options:        cloneMap(task.Options),
		EnableThinking: task.EnableThinking,
	})
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, result, execErr)
	}

	record := resultFromChat(result)
	if err := p.store.MarkSucceeded(ctx, task.ID, record); err != nil {
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return p.requeueAfterStoreFailure(ctx, task, err)
	}
	logger.Audit().Info("task_succeeded",
		slog.String("task_id", task.ID),
		slog.String("workflow", record.Workflow),
		slog.String("run_id", record.RunID),
		slog.String("run_state", string(record.RunState)),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, result *agent.ChatResult, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := !retryable || task.Attempts >= task.MaxRetries

	if terminal && p.recovery != nil {
		fallback, recErr := p.recovery.Recover(ctx, task, execErr)
		switch {
		case recErr != nil:
			wrapped := xerrors.Wrap(CodeTaskCompensate, recErr, "任务补偿失败")
			p.logger.Error("执行补偿逻辑失败", slog.Any("error", wrapped), slog.String("task_id", task.ID))
			p.emitAlert(ctx, task, CodeTaskCompensate, wrapped, "compensate", result)
		case fallback != nil:
			if result != nil {
				partial := resultFromChat(result)
				fallback.Workflow, fallback.Source, fallback.Reason = partial.Workflow, partial.Source, partial.Reason
				fallback.RunID, fallback.RunState, fallback.Failures = partial.RunID, partial.RunState, partial.Failures
			}
			if err := p.store.MarkSucceeded(ctx, task.ID, *fallback); err != nil {
				p.logger.Error("记录降级结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
				return p.requeueAfterStoreFailure(ctx, task, err)
			}
			logger.Audit().Warn("task_degraded",
				slog.String("task_id", task.ID),
				slog.String("degraded", fallback.Degraded),
			)
			p.emitAlert(ctx, task, code, execErr, "degraded", result)
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("task_failed",
		slog.String("task_id", task.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		if xerrors.ShouldAlert(execErr) {
			p.emitAlert(ctx, task, code, execErr, "terminal", result)
		}
		return nil
	}
	if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
	}
	p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

// requeueAfterStoreFailure 在结果无法写回时把任务改回失败并重新排队。
func (p *Processor) requeueAfterStoreFailure(ctx context.Context, task *Task, cause error) error {
	if storeErr := p.store.MarkFailed(ctx, task.ID, xerrors.CodeStorageFailure, cause.Error(), false); storeErr != nil {
		p.logger.Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string, result *agent.ChatResult) {
	if p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:       code,
		Message:    attrs.Message,
		Severity:   attrs.Severity,
		Stage:      stage,
		TaskID:     task.ID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		OccurredAt: time.Now(),
	}
	if cause != nil {
		event.Message = cause.Error()
		if xerrors.CodeOf(cause) == code {
			event.Severity = xerrors.SeverityOf(cause)
		}
	}
	if result != nil {
		event.RunID = result.RunID
		event.Workflow = string(result.Decision.WorkflowID)
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("task_id", task.ID), slog.String("stage", stage))
	}
}

func resultFromChat(result *agent.ChatResult) ExecutionResult {
	if result == nil {
		return ExecutionResult{}
	}
	return ExecutionResult{
		Workflow:   string(result.Decision.WorkflowID),
		Source:     string(result.Decision.Source),
		Reason:     result.Decision.Reason,
		PlanSource: result.PlanSource,
		Reply:      result.Reply,
		Thought:    result.Thought,
		RunID:      result.RunID,
		RunState:   result.RunState,
		Failures:   result.Failures,
	}
}
