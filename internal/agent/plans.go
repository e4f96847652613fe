package agent

import (
	"time"

	"wallets-quickstart/internal/executor"
	"wallets-quickstart/internal/routing"
)

// 工具与动作名称。
const (
	ToolLLM       = "llm"
	ToolKnowledge = "knowledge"
	ToolOrders    = "orders"
	ToolReturns   = "returns"
	ToolFlights   = "flights"

	// AutonomousKnowledgeSearch 是回复动作可自主使用的检索工具，受策略闸门控制。
	AutonomousKnowledgeSearch = "knowledge_search"

	// ReplyKey 是生成最终回复的动作引用键。
	ReplyKey = "reply"
	// KnowledgeKey 是检索动作的引用键。
	KnowledgeKey = "knowledge"
)

func replyAction(tools ...string) executor.Action {
	return executor.Action{
		ID:     ReplyKey,
		Tool:   ToolLLM,
		Action: "reply",
		Tools:  tools,
		Policy: executor.ExecutionPolicy{Timeout: 30 * time.Second, Retry: 1},
	}
}

func knowledgeAction(parallel bool) executor.Action {
	return executor.Action{
		ID:        KnowledgeKey,
		Tool:      ToolKnowledge,
		Action:    "query",
		Policy:    executor.ExecutionPolicy{AllowParallel: parallel, Timeout: 10 * time.Second, Retry: 1},
		OnFailure: executor.Continue{},
	}
}

// BuiltinPlan 返回工作流的内置计划。未知标识返回通用对话计划。
func BuiltinPlan(id routing.WorkflowID) executor.Plan {
	switch id {
	case routing.WorkflowLocalRAG:
		return executor.Plan{Workflow: string(id), Steps: []executor.Step{
			{Name: "retrieve", Actions: []executor.Action{knowledgeAction(false)}},
			{Name: "answer", Actions: []executor.Action{replyAction()}},
		}}
	case routing.WorkflowReturnRequest:
		return executor.Plan{Workflow: string(id), Steps: []executor.Step{
			{Name: "collect", Actions: []executor.Action{
				{
					ID:        "order",
					Tool:      ToolOrders,
					Action:    "lookup",
					Policy:    executor.ExecutionPolicy{AllowParallel: true, Timeout: 10 * time.Second, Retry: 2},
					OnFailure: executor.Continue{},
				},
				knowledgeAction(true),
			}},
			{Name: "submit", Actions: []executor.Action{{
				ID:     "return",
				Tool:   ToolReturns,
				Action: "create",
				Policy: executor.ExecutionPolicy{Timeout: 15 * time.Second, Retry: 1},
				OnFailure: executor.Rollback{Action: executor.Action{
					Tool:   ToolReturns,
					Action: "cancel",
					Policy: executor.ExecutionPolicy{Timeout: 15 * time.Second},
				}},
			}}},
			{Name: "answer", Actions: []executor.Action{replyAction()}},
		}}
	case routing.WorkflowFlightBooking:
		return executor.Plan{Workflow: string(id), Steps: []executor.Step{
			{Name: "search", Actions: []executor.Action{{
				ID:     "flights",
				Tool:   ToolFlights,
				Action: "search",
				Policy: executor.ExecutionPolicy{Timeout: 15 * time.Second, Retry: 2},
			}}},
			{Name: "hold", Actions: []executor.Action{{
				ID:     "hold",
				Tool:   ToolFlights,
				Action: "hold",
				Policy: executor.ExecutionPolicy{Timeout: 15 * time.Second, Retry: 1},
				OnFailure: executor.Rollback{Action: executor.Action{
					Tool:   ToolFlights,
					Action: "release",
					Policy: executor.ExecutionPolicy{Timeout: 15 * time.Second},
				}},
			}}},
			{Name: "answer", Actions: []executor.Action{replyAction()}},
		}}
	default:
		return executor.Plan{Workflow: string(routing.WorkflowDirectChat), Steps: []executor.Step{
			{Name: "answer", Actions: []executor.Action{replyAction(AutonomousKnowledgeSearch)}},
		}}
	}
}
