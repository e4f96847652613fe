package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wallets-quickstart/internal/executor"
	"wallets-quickstart/internal/workflow"
)

type nodeSpec struct {
	ID   string   `json:"id"`
	Data nodeData `json:"data"`
}

type nodeData struct {
	Tool      string         `json:"tool"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params"`
	Tools     []string       `json:"tools"`
	Parallel  bool           `json:"parallel"`
	TimeoutMs int64          `json:"timeoutMs"`
	Retry     int            `json:"retry"`
	OnFailure *failureSpec   `json:"onFailure"`
}

type failureSpec struct {
	Strategy       string    `json:"strategy"`
	RollbackAction *nodeData `json:"rollbackAction"`
}

type edgeSpec struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// CompileDefinition 将存储的工作流图编译为执行计划。
// 节点按拓扑层级分组，同层节点成为同一个步骤；未声明 tool 的节点只参与排序。
func CompileDefinition(workflowID string, def workflow.Definition) (executor.Plan, error) {
	nodes, err := decodeList[nodeSpec](def.Nodes)
	if err != nil {
		return executor.Plan{}, fmt.Errorf("解析节点失败: %w", err)
	}
	edges, err := decodeList[edgeSpec](def.Edges)
	if err != nil {
		return executor.Plan{}, fmt.Errorf("解析连线失败: %w", err)
	}

	index := make(map[string]int, len(nodes))
	for i, node := range nodes {
		id := strings.TrimSpace(node.ID)
		if id == "" {
			return executor.Plan{}, fmt.Errorf("第 %d 个节点缺少 id", i+1)
		}
		if _, dup := index[id]; dup {
			return executor.Plan{}, fmt.Errorf("节点 %s 重复", id)
		}
		index[id] = i
	}

	indegree := make([]int, len(nodes))
	next := make([][]int, len(nodes))
	for _, edge := range edges {
		from, ok := index[strings.TrimSpace(edge.Source)]
		if !ok {
			return executor.Plan{}, fmt.Errorf("连线引用了未知节点 %q", edge.Source)
		}
		to, ok := index[strings.TrimSpace(edge.Target)]
		if !ok {
			return executor.Plan{}, fmt.Errorf("连线引用了未知节点 %q", edge.Target)
		}
		next[from] = append(next[from], to)
		indegree[to]++
	}

	var layer []int
	for i := range nodes {
		if indegree[i] == 0 {
			layer = append(layer, i)
		}
	}

	plan := executor.Plan{Workflow: workflowID}
	visited := 0
	for len(layer) > 0 {
		visited += len(layer)
		step := executor.Step{Name: fmt.Sprintf("layer-%d", len(plan.Steps)+1)}
		var upcoming []int
		for _, i := range layer {
			node := nodes[i]
			if strings.TrimSpace(node.Data.Tool) != "" {
				action, err := buildAction(strings.TrimSpace(node.ID), node.Data)
				if err != nil {
					return executor.Plan{}, err
				}
				step.Actions = append(step.Actions, action)
			}
			for _, to := range next[i] {
				indegree[to]--
				if indegree[to] == 0 {
					upcoming = append(upcoming, to)
				}
			}
		}
		if len(step.Actions) > 0 {
			plan.Steps = append(plan.Steps, step)
		}
		layer = upcoming
	}
	if visited != len(nodes) {
		return executor.Plan{}, fmt.Errorf("工作流存在环路")
	}
	if err := plan.Validate(); err != nil {
		return executor.Plan{}, err
	}
	return plan, nil
}

// ValidateDefinition 满足 workflow.Validator，保存前检查定义能否编译。
func ValidateDefinition(id string, def workflow.Definition) error {
	_, err := CompileDefinition(id, def)
	return err
}

func buildAction(id string, data nodeData) (executor.Action, error) {
	action := executor.Action{
		ID:     id,
		Tool:   strings.TrimSpace(data.Tool),
		Action: strings.TrimSpace(data.Action),
		Params: data.Params,
		Tools:  data.Tools,
		Policy: executor.ExecutionPolicy{
			AllowParallel: data.Parallel,
			Timeout:       time.Duration(data.TimeoutMs) * time.Millisecond,
			Retry:         data.Retry,
		},
	}
	policy, err := buildFailurePolicy(id, data.OnFailure)
	if err != nil {
		return executor.Action{}, err
	}
	action.OnFailure = policy
	return action, nil
}

func buildFailurePolicy(id string, spec *failureSpec) (executor.FailurePolicy, error) {
	if spec == nil {
		return executor.Abort{}, nil
	}
	strategy := strings.ToLower(strings.TrimSpace(spec.Strategy))
	if strategy != "rollback" && spec.RollbackAction != nil {
		return nil, fmt.Errorf("节点 %s: rollbackAction 只能与 rollback 策略一起使用", id)
	}
	switch strategy {
	case "", "abort":
		return executor.Abort{}, nil
	case "continue":
		return executor.Continue{}, nil
	case "rollback":
		if spec.RollbackAction == nil {
			return nil, fmt.Errorf("节点 %s: rollback 策略缺少 rollbackAction", id)
		}
		// 补偿动作只执行一次，重试配置不会生效，直接拒绝以免误导。
		if spec.RollbackAction.Retry != 0 {
			return nil, fmt.Errorf("节点 %s: rollbackAction 不支持 retry", id)
		}
		compensation, err := buildAction(id+".rollback", *spec.RollbackAction)
		if err != nil {
			return nil, err
		}
		rollback, err := executor.NewRollback(compensation)
		if err != nil {
			return nil, fmt.Errorf("节点 %s: %w", id, err)
		}
		return rollback, nil
	default:
		return nil, fmt.Errorf("节点 %s: 未知的失败策略 %q", id, spec.Strategy)
	}
}

func decodeList[T any](raw []map[string]any) ([]T, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var out []T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
