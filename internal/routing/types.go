// Package routing maps a user utterance to one of the fixed business
// workflows. Tiers are consulted in order (rule, keyword, model) and the
// first definitive answer wins.
package routing

import "strings"

// WorkflowID 是可路由的工作流标识，取值为封闭集合。
type WorkflowID string

const (
	WorkflowFlightBooking WorkflowID = "flight-booking-workflow"
	WorkflowReturnRequest WorkflowID = "return-request-workflow"
	WorkflowDirectChat    WorkflowID = "direct-chat-workflow"
	WorkflowLocalRAG      WorkflowID = "local-rag-workflow"

	// DefaultWorkflow 是通用对话工作流，模型输出无效时回落到这里。
	DefaultWorkflow = WorkflowDirectChat
)

var workflowIDs = []WorkflowID{
	WorkflowFlightBooking,
	WorkflowReturnRequest,
	WorkflowDirectChat,
	WorkflowLocalRAG,
}

// WorkflowIDs 返回全部合法的工作流标识，顺序固定。
func WorkflowIDs() []WorkflowID {
	out := make([]WorkflowID, len(workflowIDs))
	copy(out, workflowIDs)
	return out
}

// ParseWorkflowID 校验字符串是否属于封闭集合。
func ParseWorkflowID(raw string) (WorkflowID, bool) {
	candidate := WorkflowID(strings.ToLower(strings.TrimSpace(raw)))
	for _, id := range workflowIDs {
		if id == candidate {
			return id, true
		}
	}
	return "", false
}

// Source 标识做出决策的路由层级。
type Source string

const (
	SourceRule    Source = "rule"
	SourceKeyword Source = "keyword"
	SourceModel   Source = "model"
)

// Decision 是一次路由的结果，仅在本次请求内有效。
type Decision struct {
	WorkflowID WorkflowID `json:"workflowId"`
	Reason     string     `json:"reason"`
	Source     Source     `json:"source"`
}

// RuleMatch 是规则分类器的输出。
type RuleMatch struct {
	IsSimple bool   `json:"isSimple"`
	Reason   string `json:"reason"`
}
