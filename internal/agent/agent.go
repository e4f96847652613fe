package agent

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/internal/executor"
	"wallets-quickstart/internal/knowledge"
	"wallets-quickstart/internal/routing"
	"wallets-quickstart/internal/toolpolicy"
	"wallets-quickstart/internal/workflow"
	"wallets-quickstart/pkg/logger"
)

// OptionRagMode 是请求 options 中携带检索模式的键。
const OptionRagMode = "ragMode"

// 计划来源。
const (
	PlanSourceStored  = "stored"
	PlanSourceBuiltin = "builtin"
)

// ChatRequest 描述一次对话请求。
type ChatRequest struct {
	Input          string         `json:"input"`
	Options        map[string]any `json:"options,omitempty"`
	EnableThinking bool           `json:"headerEnableThinking,omitempty"`
}

// ChatResult 汇总路由决策与工作流运行结果。
type ChatResult struct {
	Decision   routing.Decision   `json:"decision"`
	PlanSource string             `json:"planSource"`
	Reply      string             `json:"reply"`
	Thought    string             `json:"thought,omitempty"`
	Sources    []knowledge.Source `json:"sources,omitempty"`
	RunID      string             `json:"runId"`
	RunState   executor.RunState  `json:"runState"`
	Failures   []executor.Failure `json:"failures,omitempty"`
	Run        *executor.Run      `json:"run,omitempty"`
}

// Router 选择工作流。
type Router interface {
	Route(ctx context.Context, text string) routing.Decision
}

// Runner 执行计划。
type Runner interface {
	Execute(ctx context.Context, plan executor.Plan, rc *toolpolicy.RequestContext) (*executor.Run, error)
}

// Agent 串联路由、计划解析与执行，是对话链路的业务核心。
type Agent struct {
	router     Router
	runner     Runner
	workflows  workflow.Store
	runTimeout time.Duration
	log        *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithWorkflowStore 配置工作流存储，命中时优先使用存储的定义。
func WithWorkflowStore(store workflow.Store) Option {
	return func(a *Agent) {
		a.workflows = store
	}
}

// WithRunTimeout 设置单次对话的整体超时时间，0 表示不限制。
func WithRunTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.runTimeout = 0
			return
		}
		a.runTimeout = timeout
	}
}

// WithLogger 替换默认日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.log = l
		}
	}
}

// New 创建一个 Agent。
func New(router Router, runner Runner, opts ...Option) *Agent {
	ag := &Agent{router: router, runner: runner}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.log == nil {
		ag.log = logger.Named("agent")
	}
	return ag
}

// Chat 处理一条用户输入。运行被终止时返回错误，部分完成的运行仍返回结果。
func (a *Agent) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if a.router == nil || a.runner == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置路由或执行器")
	}
	input := strings.TrimSpace(req.Input)
	if input == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "输入内容不能为空")
	}

	if a.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.runTimeout)
		defer cancel()
	}

	rc := RequestContextFrom(req.Options)
	decision := a.router.Route(ctx, input)
	plan, source := a.resolvePlan(ctx, decision.WorkflowID)
	plan = bindRequest(plan, input, req.EnableThinking)

	run, err := a.runner.Execute(ctx, plan, rc)
	result := &ChatResult{Decision: decision, PlanSource: source, Run: run}
	if run != nil {
		result.RunID = run.ID
		result.RunState = run.State
		result.Failures = run.Failures
		if output, ok := replyOutput(run); ok {
			result.Reply, _ = output["reply"].(string)
			result.Thought, _ = output["thought"].(string)
		}
		if output, ok := run.Output(KnowledgeKey); ok {
			if answer, _ := output["answer"].(*knowledge.Answer); answer != nil {
				result.Sources = answer.Sources
			}
		}
	}
	if err != nil {
		return result, xerrors.FromContext(err, "对话处理超时")
	}
	return result, nil
}

// replyOutput 优先读取键为 reply 的动作输出；存储定义的回复节点使用其他 ID 时，
// 退回到最后一个成功的 llm 动作。
func replyOutput(run *executor.Run) (map[string]any, bool) {
	if output, ok := run.Output(ReplyKey); ok {
		return output, true
	}
	for i := len(run.Actions) - 1; i >= 0; i-- {
		report := run.Actions[i]
		if report.Tool == ToolLLM && report.State == executor.ActionSucceeded {
			return report.Output, true
		}
	}
	return nil, false
}

// resolvePlan 优先使用与工作流同名的存储定义，读取或编译失败时退回内置计划。
func (a *Agent) resolvePlan(ctx context.Context, id routing.WorkflowID) (executor.Plan, string) {
	if a.workflows != nil {
		record, err := a.workflows.Get(ctx, string(id))
		switch {
		case err == nil && record != nil && len(record.Definition.Nodes) > 0:
			plan, compileErr := CompileDefinition(string(id), record.Definition)
			if compileErr == nil {
				return plan, PlanSourceStored
			}
			a.log.Warn("存储的工作流无法编译，使用内置计划", "workflow", id, "error", compileErr)
		case err != nil && xerrors.CodeOf(err) != xerrors.CodeNotFound:
			a.log.Warn("读取工作流失败，使用内置计划", "workflow", id, "error", err)
		}
	}
	return BuiltinPlan(id), PlanSourceBuiltin
}

// RequestContextFrom 从请求 options 中解析检索模式，缺失或无法识别时为空。
func RequestContextFrom(options map[string]any) *toolpolicy.RequestContext {
	rc := &toolpolicy.RequestContext{}
	raw, ok := options[OptionRagMode]
	if !ok {
		return rc
	}
	if mode, ok := toolpolicy.ParseRagMode(fmt.Sprint(raw)); ok {
		rc.RagMode = mode
	}
	return rc
}

// bindRequest 将用户输入与思考开关注入每个动作的参数，计划中显式声明的参数优先。
func bindRequest(plan executor.Plan, input string, thinking bool) executor.Plan {
	steps := make([]executor.Step, len(plan.Steps))
	for i, step := range plan.Steps {
		actions := make([]executor.Action, len(step.Actions))
		for j, action := range step.Actions {
			action.Params = withRequestParams(action.Params, input, thinking)
			if rollback, ok := action.OnFailure.(executor.Rollback); ok {
				rollback.Action.Params = withRequestParams(rollback.Action.Params, input, thinking)
				action.OnFailure = rollback
			}
			actions[j] = action
		}
		steps[i] = executor.Step{Name: step.Name, Actions: actions}
	}
	plan.Steps = steps
	return plan
}

func withRequestParams(params map[string]any, input string, thinking bool) map[string]any {
	out := make(map[string]any, len(params)+2)
	out[ParamInput] = input
	out[ParamEnableThinking] = thinking
	maps.Copy(out, params)
	return out
}
