package routing

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/internal/llm"
)

const (
	ReasonModelInvalid = "model:invalid"
	ReasonModelError   = "model:error"

	defaultModelTimeout = 10 * time.Second
)

// RoutingAgent 使用大模型对模糊输入进行分类。
type RoutingAgent struct {
	client  llm.Client
	timeout time.Duration
}

// ModelOption 定义 RoutingAgent 的可选配置。
type ModelOption func(*RoutingAgent)

// WithModelTimeout 设置单次分类的超时时间。
func WithModelTimeout(timeout time.Duration) ModelOption {
	return func(a *RoutingAgent) {
		if timeout > 0 {
			a.timeout = timeout
		}
	}
}

// NewRoutingAgent 创建模型路由层。
func NewRoutingAgent(client llm.Client, opts ...ModelOption) *RoutingAgent {
	agent := &RoutingAgent{client: client, timeout: defaultModelTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(agent)
		}
	}
	return agent
}

// Route 调用模型并校验输出。模型返回的标识不在封闭集合内时回落到默认工作流；
// 调用失败同样回落，但会额外返回 UPSTREAM_FAILURE 错误供调用方记录。
func (a *RoutingAgent) Route(ctx context.Context, text string) (Decision, error) {
	fallback := Decision{WorkflowID: DefaultWorkflow, Reason: ReasonModelError, Source: SourceModel}
	if a == nil || a.client == nil {
		return fallback, xerrors.New(xerrors.CodeInitializationFailure, "路由模型未配置")
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.Generate(callCtx, llm.Request{
		System:      classifierPrompt(),
		Prompt:      text,
		Temperature: 0,
	})
	if err != nil {
		return fallback, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "路由模型调用失败")
	}
	if resp == nil {
		return fallback, xerrors.New(xerrors.CodeUpstreamFailure, "路由模型返回空响应")
	}

	id, ok := ParseWorkflowID(cleanModelOutput(resp.Reply))
	if !ok {
		return Decision{WorkflowID: DefaultWorkflow, Reason: ReasonModelInvalid, Source: SourceModel}, nil
	}
	return Decision{WorkflowID: id, Reason: "model:" + string(id), Source: SourceModel}, nil
}

func classifierPrompt() string {
	ids := make([]string, 0, len(workflowIDs))
	for _, id := range workflowIDs {
		ids = append(ids, string(id))
	}
	return fmt.Sprintf(
		"You route customer messages to a workflow. Reply with exactly one of: %s. "+
			"Use %s for refunds, returns and order cancellation; %s for flight search and booking; "+
			"%s for questions about documents or the knowledge base; %s for everything else. "+
			"Output the identifier only.",
		strings.Join(ids, ", "),
		WorkflowReturnRequest, WorkflowFlightBooking, WorkflowLocalRAG, WorkflowDirectChat,
	)
}

// cleanModelOutput 去掉模型常见的包裹字符，不做任何模糊匹配。
func cleanModelOutput(raw string) string {
	return strings.Trim(raw, " \t\r\n`\"'.。")
}
