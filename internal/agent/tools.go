package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"

	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/internal/executor"
	"wallets-quickstart/internal/knowledge"
	"wallets-quickstart/internal/llm"
)

// 动作参数中由 Agent 注入的请求字段。
const (
	ParamInput          = "input"
	ParamEnableThinking = "enable_thinking"
	ParamQuery          = "query"
)

const replyTemperature = 0.2

// LLMTool 负责生成回复。回复动作请求 knowledge_search 且未被屏蔽时，先检索再作答。
type LLMTool struct {
	client    llm.Client
	retriever knowledge.Retriever
}

// NewLLMTool 创建回复工具，retriever 可以为空。
func NewLLMTool(client llm.Client, retriever knowledge.Retriever) *LLMTool {
	return &LLMTool{client: client, retriever: retriever}
}

// Invoke 实现 executor.Invoker。
func (t *LLMTool) Invoke(ctx context.Context, call executor.Call) (map[string]any, error) {
	if t == nil || t.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端", xerrors.WithRetryable(false))
	}
	input := stringParam(call.Params, ParamInput)
	if input == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "回复动作缺少输入", xerrors.WithRetryable(false))
	}

	cards := knowledgeCards(call.Inputs)
	cards = append(cards, contextCards(call.Inputs)...)

	if slices.Contains(call.Tools, AutonomousKnowledgeSearch) && t.retriever != nil {
		answer, err := t.retriever.Query(ctx, input)
		if err != nil {
			return nil, err
		}
		cards = append(cards, answerCards(answer)...)
	}

	resp, err := t.client.Generate(ctx, llm.Request{
		Prompt:         input,
		Temperature:    replyTemperature,
		Tools:          call.Tools,
		EnableThinking: boolParam(call.Params, ParamEnableThinking),
		Knowledge:      cards,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "大模型返回空响应")
	}
	return map[string]any{"reply": resp.Reply, "thought": resp.Thought}, nil
}

// KnowledgeTool 执行知识检索动作。
type KnowledgeTool struct {
	retriever knowledge.Retriever
}

// NewKnowledgeTool 创建检索工具。
func NewKnowledgeTool(retriever knowledge.Retriever) *KnowledgeTool {
	return &KnowledgeTool{retriever: retriever}
}

// Invoke 实现 executor.Invoker，输出 answer 字段供后续回复动作使用。
func (t *KnowledgeTool) Invoke(ctx context.Context, call executor.Call) (map[string]any, error) {
	if t == nil || t.retriever == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置知识检索器", xerrors.WithRetryable(false))
	}
	query := stringParam(call.Params, ParamQuery)
	if query == "" {
		query = stringParam(call.Params, ParamInput)
	}
	if query == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "知识检索查询为空", xerrors.WithRetryable(false))
	}
	answer, err := t.retriever.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return map[string]any{"answer": answer}, nil
}

// HTTPService 将动作转发到业务服务：POST {baseURL}/{action}。
type HTTPService struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPService 创建业务服务调用器。单次尝试的超时由执行器控制。
func NewHTTPService(name, baseURL string, client *http.Client) (*HTTPService, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("业务服务 %s 缺少 base url", name)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPService{name: name, baseURL: baseURL, client: client}, nil
}

type serviceRequest struct {
	RunID   string                    `json:"runId"`
	Attempt int                       `json:"attempt"`
	Params  map[string]any            `json:"params"`
	Inputs  map[string]map[string]any `json:"inputs,omitempty"`
}

// Invoke 实现 executor.Invoker。4xx 视为不可重试的业务失败。
func (s *HTTPService) Invoke(ctx context.Context, call executor.Call) (map[string]any, error) {
	body, err := json.Marshal(serviceRequest{
		RunID:   call.RunID,
		Attempt: call.Attempt,
		Params:  call.Params,
		Inputs:  call.Inputs,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码业务请求失败", xerrors.WithRetryable(false))
	}

	url := s.baseURL + "/" + strings.TrimLeft(call.Action, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造业务请求失败", xerrors.WithRetryable(false))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "调用 "+s.name+" 失败", xerrors.WithMetadata("tool", s.name))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "读取 "+s.name+" 响应失败")
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, xerrors.New(xerrors.CodeUpstreamFailure,
			fmt.Sprintf("%s 返回 %d: %s", s.name, resp.StatusCode, truncate(string(data))),
			xerrors.WithMetadata("tool", s.name))
	case resp.StatusCode >= 400:
		return nil, xerrors.New(xerrors.CodeActionFailed,
			fmt.Sprintf("%s 拒绝了动作 %s: %s", s.name, call.Action, truncate(string(data))),
			xerrors.WithRetryable(false), xerrors.WithMetadata("tool", s.name))
	}

	out := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, s.name+" 返回的 JSON 无效")
	}
	return out, nil
}

func knowledgeCards(inputs map[string]map[string]any) []llm.KnowledgeCard {
	output, ok := inputs[KnowledgeKey]
	if !ok {
		return nil
	}
	answer, _ := output["answer"].(*knowledge.Answer)
	return answerCards(answer)
}

func answerCards(answer *knowledge.Answer) []llm.KnowledgeCard {
	if answer == nil {
		return nil
	}
	cards := make([]llm.KnowledgeCard, 0, len(answer.Snippets))
	for _, snippet := range answer.Snippets {
		cards = append(cards, llm.KnowledgeCard{Title: snippet.Title, Content: snippet.Content, URL: snippet.URL})
	}
	if len(cards) == 0 && strings.TrimSpace(answer.Text) != "" {
		cards = append(cards, llm.KnowledgeCard{Title: "检索结果", Content: answer.Text})
	}
	return cards
}

// contextCards 把业务动作的输出作为上下文交给模型，按引用键排序。
func contextCards(inputs map[string]map[string]any) []llm.KnowledgeCard {
	keys := make([]string, 0, len(inputs))
	for key := range inputs {
		if key == KnowledgeKey || key == ReplyKey {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	cards := make([]llm.KnowledgeCard, 0, len(keys))
	for _, key := range keys {
		data, err := json.Marshal(inputs[key])
		if err != nil {
			continue
		}
		cards = append(cards, llm.KnowledgeCard{Title: key, Content: string(data)})
	}
	return cards
}

func stringParam(params map[string]any, key string) string {
	value, _ := params[key].(string)
	return strings.TrimSpace(value)
}

func boolParam(params map[string]any, key string) bool {
	value, _ := params[key].(bool)
	return value
}

func truncate(value string) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) > 200 {
		return string(runes[:200]) + "..."
	}
	return value
}
