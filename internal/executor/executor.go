package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/internal/toolpolicy"
	"wallets-quickstart/pkg/logger"
)

const (
	defaultRetryDelay  = 200 * time.Millisecond
	defaultTimeout     = 15 * time.Second
	defaultMaxParallel = 4

	// ReasonCancelled 是整个运行被取消时记录的原因。
	ReasonCancelled = "cancelled"
)

// Executor 负责按计划调度动作并维护运行状态。
type Executor struct {
	tools          Registry
	gate           *toolpolicy.Gate
	retryDelay     time.Duration
	defaultTimeout time.Duration
	maxParallel    int
	logger         *slog.Logger
	observer       func(*Run)
	now            func() time.Time
}

// Option 定义执行器的可选配置。
type Option func(*Executor)

// WithGate 指定工具调用策略闸门，未设置时等价于 auto。
func WithGate(gate *toolpolicy.Gate) Option {
	return func(e *Executor) {
		e.gate = gate
	}
}

// WithRetryDelay 设置两次尝试之间的固定间隔，允许为 0。
func WithRetryDelay(delay time.Duration) Option {
	return func(e *Executor) {
		if delay >= 0 {
			e.retryDelay = delay
		}
	}
}

// WithDefaultTimeout 设置动作未声明超时时的默认值。
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout > 0 {
			e.defaultTimeout = timeout
		}
	}
}

// WithMaxParallel 限制单个步骤内同时执行的动作数量。
func WithMaxParallel(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithLogger 指定执行日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRunObserver 在运行结束后回调，用于指标与告警。
func WithRunObserver(fn func(*Run)) Option {
	return func(e *Executor) {
		e.observer = fn
	}
}

// New 创建执行器。
func New(tools Registry, opts ...Option) *Executor {
	if tools == nil {
		tools = Registry{}
	}
	e := &Executor{
		tools:          tools,
		retryDelay:     defaultRetryDelay,
		defaultTimeout: defaultTimeout,
		maxParallel:    defaultMaxParallel,
		logger:         logger.Named("executor"),
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// outcome 由动作协程发送给协调者。
type outcome struct {
	index  int
	report ActionReport
	err    error
}

// Execute 执行计划。运行以 Aborted 结束时返回 RUN_ABORTED 或 ROLLBACK_FAILED 错误；
// Completed 与 PartiallyCompleted 返回 nil，部分失败记录在 Run.Failures 中。
func (e *Executor) Execute(ctx context.Context, plan Plan, rc *toolpolicy.RequestContext) (*Run, error) {
	if err := plan.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "工作流计划无效")
	}

	run := &Run{
		ID:        uuid.NewString(),
		Workflow:  plan.Workflow,
		State:     RunPending,
		StartedAt: e.now(),
	}
	log := e.logger.With(slog.String("run_id", run.ID), slog.String("workflow", plan.Workflow))

	run.State = RunRunning
	inputs := make(map[string]map[string]any)
	var runErr error

	for stepIndex, step := range plan.Steps {
		if ctx.Err() != nil {
			runErr = e.cancelRun(run, ctx.Err())
			break
		}
		stepOutputs, err := e.executeStep(ctx, run, stepIndex, step, inputs, rc, log)
		if err != nil {
			runErr = err
			break
		}
		for key, output := range stepOutputs {
			inputs[key] = output
		}
	}

	if runErr == nil {
		if len(run.Failures) > 0 {
			run.State = RunPartiallyCompleted
		} else {
			run.State = RunCompleted
		}
	}
	run.FinishedAt = e.now()

	log.Info("工作流运行结束",
		slog.String("state", string(run.State)),
		slog.String("reason", run.Reason),
		slog.Int("failures", len(run.Failures)),
		slog.Duration("duration", run.FinishedAt.Sub(run.StartedAt)),
	)
	logger.Audit().Info("workflow_run",
		slog.String("run_id", run.ID),
		slog.String("workflow", run.Workflow),
		slog.String("state", string(run.State)),
		slog.String("reason", run.Reason),
	)
	if e.observer != nil {
		e.observer(run)
	}
	return run, runErr
}

// executeStep 是协调者在单个步骤上的主循环，只有它会修改 run。
func (e *Executor) executeStep(ctx context.Context, run *Run, stepIndex int, step Step, inputs map[string]map[string]any, rc *toolpolicy.RequestContext, log *slog.Logger) (map[string]map[string]any, error) {
	stepCtx, cancelStep := context.WithCancel(ctx)
	defer cancelStep()

	results := make(chan outcome, len(step.Actions))
	var group errgroup.Group
	group.SetLimit(e.maxParallel)

	var sequential []int
	for i, action := range step.Actions {
		if !action.Policy.AllowParallel {
			sequential = append(sequential, i)
			continue
		}
		i, action := i, action
		group.Go(func() error {
			report, err := e.runAction(stepCtx, run.ID, stepIndex, action, inputs, rc, false)
			// 必须在释放并发槽位之前取消步骤，否则排队中的兄弟动作会被调度。
			if haltsStep(action, report) {
				cancelStep()
			}
			results <- outcome{index: i, report: report, err: err}
			return nil
		})
	}
	if len(sequential) > 0 {
		group.Go(func() error {
			halted := false
			for _, i := range sequential {
				action := step.Actions[i]
				if halted || stepCtx.Err() != nil {
					results <- outcome{index: i, report: skippedReport(stepIndex, action)}
					continue
				}
				report, err := e.runAction(stepCtx, run.ID, stepIndex, action, inputs, rc, false)
				if haltsStep(action, report) {
					halted = true
					cancelStep()
				}
				results <- outcome{index: i, report: report, err: err}
			}
			return nil
		})
	}

	reports := make([]ActionReport, len(step.Actions))
	outputs := make(map[string]map[string]any)
	var (
		abortReason string
		abortErr    error
		rollbacks   []Action
	)

	for received := 0; received < len(step.Actions); received++ {
		res := <-results
		action := step.Actions[res.index]
		reports[res.index] = res.report

		switch res.report.State {
		case ActionSucceeded:
			outputs[action.Key()] = res.report.Output
		case ActionFailed:
			switch policy := action.OnFailure.(type) {
			case Continue:
				run.Failures = append(run.Failures, failureOf(stepIndex, action, res.err))
				log.Warn("动作失败，按策略继续", slog.String("action", action.Key()), slog.Any("error", res.err))
			case Rollback:
				if abortErr == nil {
					abortReason = "rollback:" + action.Key()
					abortErr = xerrors.Wrap(xerrors.CodeRunAborted, res.err, fmt.Sprintf("动作 %s 失败，已执行补偿", action.Key()),
						xerrors.WithMetadata("action", action.Key()))
				}
				rollbacks = append(rollbacks, policy.Action)
				run.Failures = append(run.Failures, failureOf(stepIndex, action, res.err))
				cancelStep()
			default:
				if abortErr == nil {
					abortReason = "abort:" + action.Key()
					abortErr = xerrors.Wrap(xerrors.CodeRunAborted, res.err, fmt.Sprintf("动作 %s 失败", action.Key()),
						xerrors.WithMetadata("action", action.Key()))
				}
				run.Failures = append(run.Failures, failureOf(stepIndex, action, res.err))
				cancelStep()
			}
		}
	}
	_ = group.Wait()
	run.Actions = append(run.Actions, reports...)

	if ctx.Err() != nil {
		return nil, e.cancelRun(run, ctx.Err())
	}
	if abortErr == nil {
		return outputs, nil
	}

	run.State = RunAborted
	run.Reason = abortReason
	for _, compensation := range rollbacks {
		if err := e.rollback(ctx, run, stepIndex, compensation, inputs, rc, log); err != nil {
			run.Reason = "rollback failed:" + compensation.Key()
			return nil, xerrors.Wrap(xerrors.CodeRollbackFailed, err, fmt.Sprintf("补偿动作 %s 失败", compensation.Key()),
				xerrors.WithMetadata("action", compensation.Key()))
		}
	}
	return nil, abortErr
}

// haltsStep 判断动作结果是否终止当前步骤：失败且策略不是 Continue。
func haltsStep(action Action, report ActionReport) bool {
	if report.State != ActionFailed {
		return false
	}
	_, cont := action.OnFailure.(Continue)
	return !cont
}

// rollback 执行补偿动作。补偿只尝试一次，不受运行取消影响，但仍受自身超时约束。
func (e *Executor) rollback(ctx context.Context, run *Run, stepIndex int, action Action, inputs map[string]map[string]any, rc *toolpolicy.RequestContext, log *slog.Logger) error {
	if action.Policy.Retry > 0 {
		log.Warn("补偿动作只执行一次，忽略重试配置", slog.String("action", action.Key()), slog.Int("retry", action.Policy.Retry))
	}
	report, err := e.runAction(context.WithoutCancel(ctx), run.ID, stepIndex, action, inputs, rc, true)
	run.Rollbacks = append(run.Rollbacks, report)
	if report.State != ActionSucceeded {
		log.Error("补偿动作失败", slog.String("action", action.Key()), slog.Any("error", err))
		if err == nil {
			err = errors.New("补偿动作未完成")
		}
		return err
	}
	log.Info("补偿动作完成", slog.String("action", action.Key()))
	return nil
}

func (e *Executor) cancelRun(run *Run, cause error) error {
	run.State = RunAborted
	run.Reason = ReasonCancelled
	return xerrors.Wrap(xerrors.CodeRunAborted, cause, "工作流运行已取消")
}

// runAction 在独立协程中执行，不访问 run，只通过返回值报告结果。
func (e *Executor) runAction(ctx context.Context, runID string, stepIndex int, action Action, inputs map[string]map[string]any, rc *toolpolicy.RequestContext, compensation bool) (ActionReport, error) {
	report := ActionReport{
		Step:    stepIndex,
		Key:     action.Key(),
		Tool:    action.Tool,
		Action:  action.Action,
		State:   ActionPending,
		History: []ActionState{ActionPending},
	}
	started := e.now()
	transition := func(state ActionState) {
		report.State = state
		report.History = append(report.History, state)
	}
	finish := func(state ActionState, err error) (ActionReport, error) {
		transition(state)
		if err != nil {
			report.Error = err.Error()
		}
		report.Duration = e.now().Sub(started)
		return report, err
	}

	invoker, ok := e.tools[action.Tool]
	if !ok || invoker == nil {
		return finish(ActionFailed, xerrors.New(xerrors.CodeActionFailed, fmt.Sprintf("未注册的工具: %s", action.Tool),
			xerrors.WithRetryable(false)))
	}

	tools := toolpolicy.Filter(e.gate, rc, action.Tools)
	report.ToolsSuppressed = len(action.Tools) > 0 && len(tools) == 0

	attempts := action.Policy.Retry + 1
	if compensation {
		attempts = 1
	}
	timeout := action.Policy.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return finish(ActionCancelled, ctx.Err())
		}
		transition(ActionRunning)
		report.Attempts = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		output, err := invoker.Invoke(attemptCtx, Call{
			RunID:   runID,
			Tool:    action.Tool,
			Action:  action.Action,
			Params:  action.Params,
			Tools:   tools,
			Attempt: attempt,
			Inputs:  inputs,
		})
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			report.Output = output
			return finish(ActionSucceeded, nil)
		}
		if ctx.Err() != nil {
			return finish(ActionCancelled, ctx.Err())
		}
		if timedOut {
			err = xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("动作 %s 超时", action.Key()))
		}
		if attempt >= attempts || xerrors.Permanent(err) {
			return finish(ActionFailed, err)
		}

		transition(ActionRetrying)
		e.logger.Debug("动作失败，准备重试",
			slog.String("run_id", runID),
			slog.String("action", action.Key()),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		if !sleepContext(ctx, e.retryDelay) {
			return finish(ActionCancelled, ctx.Err())
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func skippedReport(stepIndex int, action Action) ActionReport {
	return ActionReport{
		Step:    stepIndex,
		Key:     action.Key(),
		Tool:    action.Tool,
		Action:  action.Action,
		State:   ActionSkipped,
		History: []ActionState{ActionPending, ActionSkipped},
	}
}

func failureOf(stepIndex int, action Action, err error) Failure {
	f := Failure{
		Step:   stepIndex,
		Key:    action.Key(),
		Tool:   action.Tool,
		Action: action.Action,
		Policy: PolicyName(action.OnFailure),
	}
	if err != nil {
		f.Error = err.Error()
	}
	return f
}
