// Package executor runs a workflow plan as ordered steps of tool actions.
// Each action carries its own execution policy (timeout, retry, parallelism)
// and failure policy (abort, continue, rollback). A single coordinating
// goroutine owns the run state; action goroutines only report outcomes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNestedRollback 表示补偿动作本身又声明了回滚策略。
var ErrNestedRollback = errors.New("rollback action must not declare its own rollback")

// FailurePolicy 是动作最终失败后的处理方式，只有 Abort、Continue、Rollback 三种实现。
type FailurePolicy interface {
	policyName() string
}

// Abort 终止整个运行。
type Abort struct{}

// Continue 记录失败后继续执行。
type Continue struct{}

// Rollback 执行补偿动作后终止运行。补偿动作失败同样视为致命错误。
type Rollback struct {
	Action Action
}

func (Abort) policyName() string    { return "abort" }
func (Continue) policyName() string { return "continue" }
func (Rollback) policyName() string { return "rollback" }

// PolicyName 返回策略名称，nil 视为 abort。
func PolicyName(p FailurePolicy) string {
	if p == nil {
		return Abort{}.policyName()
	}
	return p.policyName()
}

// NewRollback 构造回滚策略并拒绝嵌套回滚。
func NewRollback(action Action) (Rollback, error) {
	if _, nested := action.OnFailure.(Rollback); nested {
		return Rollback{}, ErrNestedRollback
	}
	return Rollback{Action: action}, nil
}

// ExecutionPolicy 约束单个动作的执行方式。
type ExecutionPolicy struct {
	AllowParallel bool
	// Timeout 限制每次尝试的耗时，0 表示使用执行器默认值。
	Timeout time.Duration
	// Retry 是首次失败后的最大重试次数。
	Retry int
}

// Action 描述一次工具调用。
type Action struct {
	// ID 用于在后续动作中引用本动作的输出，为空时使用 tool.action。
	ID     string
	Tool   string
	Action string
	Params map[string]any
	// Tools 是动作希望模型自主使用的工具集合，调度前会经过策略闸门。
	Tools     []string
	Policy    ExecutionPolicy
	OnFailure FailurePolicy
}

// Key 返回动作输出的引用键。
func (a Action) Key() string {
	if a.ID != "" {
		return a.ID
	}
	return a.Tool + "." + a.Action
}

func (a Action) validate() error {
	if strings.TrimSpace(a.Tool) == "" || strings.TrimSpace(a.Action) == "" {
		return fmt.Errorf("动作 %q 缺少 tool 或 action", a.Key())
	}
	if a.Policy.Retry < 0 {
		return fmt.Errorf("动作 %s 的 retry 不能为负数", a.Key())
	}
	if a.Policy.Timeout < 0 {
		return fmt.Errorf("动作 %s 的 timeout 不能为负数", a.Key())
	}
	return nil
}

// Step 中的动作全部结束后才会进入下一个 Step。
type Step struct {
	Name    string
	Actions []Action
}

// Plan 是一次运行需要执行的全部步骤。
type Plan struct {
	Workflow string
	Steps    []Step
}

// Validate 检查计划结构，包括补偿动作不得嵌套回滚。
func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		return errors.New("计划不包含任何步骤")
	}
	for i, step := range p.Steps {
		if len(step.Actions) == 0 {
			return fmt.Errorf("第 %d 个步骤没有动作", i+1)
		}
		for _, action := range step.Actions {
			if err := action.validate(); err != nil {
				return err
			}
			rollback, ok := action.OnFailure.(Rollback)
			if !ok {
				continue
			}
			if _, nested := rollback.Action.OnFailure.(Rollback); nested {
				return fmt.Errorf("动作 %s: %w", action.Key(), ErrNestedRollback)
			}
			if err := rollback.Action.validate(); err != nil {
				return fmt.Errorf("动作 %s 的补偿动作无效: %w", action.Key(), err)
			}
		}
	}
	return nil
}

// Call 是调度给工具实现的一次调用。
type Call struct {
	RunID   string
	Tool    string
	Action  string
	Params  map[string]any
	Tools   []string
	Attempt int
	// Inputs 是此前步骤中成功动作的输出，只读。
	Inputs map[string]map[string]any
}

// Invoker 是工具的执行实现，必须响应 ctx 的取消。
type Invoker interface {
	Invoke(ctx context.Context, call Call) (map[string]any, error)
}

// InvokerFunc 允许使用普通函数实现 Invoker。
type InvokerFunc func(ctx context.Context, call Call) (map[string]any, error)

// Invoke 实现 Invoker 接口。
func (f InvokerFunc) Invoke(ctx context.Context, call Call) (map[string]any, error) {
	return f(ctx, call)
}

// Registry 按工具名称查找实现。
type Registry map[string]Invoker

// Register 注册或覆盖工具实现。
func (r Registry) Register(tool string, invoker Invoker) {
	r[tool] = invoker
}

// ActionState 是动作的生命周期状态。
type ActionState string

const (
	ActionPending   ActionState = "pending"
	ActionRunning   ActionState = "running"
	ActionRetrying  ActionState = "retrying"
	ActionSucceeded ActionState = "succeeded"
	ActionFailed    ActionState = "failed"
	// ActionCancelled 表示动作因运行被终止而未完成。
	ActionCancelled ActionState = "cancelled"
	// ActionSkipped 表示动作因同一步骤中前序动作失败而未被调度。
	ActionSkipped ActionState = "skipped"
)

// RunState 是一次运行的生命周期状态。
type RunState string

const (
	RunPending            RunState = "pending"
	RunRunning            RunState = "running"
	RunCompleted          RunState = "completed"
	RunPartiallyCompleted RunState = "partially_completed"
	RunAborted            RunState = "aborted"
)

// Terminal 判断运行是否已经结束。
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunPartiallyCompleted || s == RunAborted
}

// ActionReport 记录单个动作的执行结果。
type ActionReport struct {
	Step     int            `json:"step"`
	Key      string         `json:"key"`
	Tool     string         `json:"tool"`
	Action   string         `json:"action"`
	State    ActionState    `json:"state"`
	History  []ActionState  `json:"history"`
	Attempts int            `json:"attempts"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	// ToolsSuppressed 为 true 表示请求的工具被策略屏蔽。
	ToolsSuppressed bool          `json:"toolsSuppressed,omitempty"`
	Duration        time.Duration `json:"durationNs"`
}

// Failure 是部分失败台账中的一条记录。
type Failure struct {
	Step   int    `json:"step"`
	Key    string `json:"key"`
	Tool   string `json:"tool"`
	Action string `json:"action"`
	Policy string `json:"policy"`
	Error  string `json:"error"`
}

// Run 是一次运行的完整记录。
type Run struct {
	ID         string         `json:"id"`
	Workflow   string         `json:"workflow"`
	State      RunState       `json:"state"`
	Reason     string         `json:"reason,omitempty"`
	Actions    []ActionReport `json:"actions"`
	Failures   []Failure      `json:"failures,omitempty"`
	Rollbacks  []ActionReport `json:"rollbacks,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
}

// Output 返回指定动作的输出。
func (r *Run) Output(key string) (map[string]any, bool) {
	if r == nil {
		return nil, false
	}
	for i := len(r.Actions) - 1; i >= 0; i-- {
		report := r.Actions[i]
		if report.Key == key && report.State == ActionSucceeded {
			return report.Output, true
		}
	}
	return nil, false
}
