package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second

	maxKnowledgeCards = 5
	maxCardRunes      = 200
)

// Config 是 Chat Completions 兼容接口的连接参数，BaseURL 可指向任意兼容网关。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 同时服务路由分类与回复生成两类调用。
//
// 调用方给出 System 时按纯文本返回模型输出，路由分类依赖这一点；
// 未给出时使用客服系统提示词，并要求模型返回 {"thought","reply"} 结构。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未提供 OpenAI API Key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Generate 发送一次对话补全请求。
//
// 429 与 5xx 返回可重试的 UPSTREAM_FAILURE，其余 4xx 标记为不可重试，
// 使执行器不会对鉴权或参数错误反复调用。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	structured := strings.TrimSpace(req.System) == ""
	payload, err := json.Marshal(c.buildPayload(req, structured))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 OpenAI 请求失败", xerrors.WithRetryable(false))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建 OpenAI 请求失败", xerrors.WithRetryable(false))
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "请求 OpenAI 失败", xerrors.WithMetadata("model", c.model))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
		return nil, xerrors.New(xerrors.CodeUpstreamFailure,
			fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithRetryable(retryable),
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)),
			xerrors.WithMetadata("model", c.model),
		)
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "OpenAI 响应中没有 choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "OpenAI 响应内容为空")
	}
	if !structured {
		return &llm.Response{Reply: content}, nil
	}
	return parseStructured(content), nil
}

// parseStructured 解析 {"thought","reply"}，模型未遵守格式时整段内容作为回复。
func parseStructured(content string) *llm.Response {
	var out struct {
		Thought string `json:"thought"`
		Reply   string `json:"reply"`
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil || strings.TrimSpace(out.Reply) == "" {
		return &llm.Response{Reply: content}
	}
	return &llm.Response{Thought: out.Thought, Reply: out.Reply}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Client) buildPayload(req llm.Request, structured bool) map[string]any {
	system := strings.TrimSpace(req.System)
	if structured {
		system = customerServicePrompt
	}
	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: system},
			{Role: "user", Content: buildUserPrompt(req)},
		},
		"temperature": req.Temperature,
	}
	if structured {
		body["response_format"] = map[string]string{"type": "json_object"}
	}
	return body
}

const customerServicePrompt = "" +
	"You are a customer-service assistant for a wallet and travel platform. " +
	"Always respond with a compact JSON object: {\"thought\": string, \"reply\": string}. " +
	"Use Chinese for the reply and summarise the reasoning in \"thought\". " +
	"When knowledge snippets are provided, answer from them and cite them as [n]."

// buildUserPrompt 只有在带知识、工具或思考要求时才组装分段提示，
// 路由分类等简单调用原样发送用户输入。
func buildUserPrompt(req llm.Request) string {
	prompt := strings.TrimSpace(req.Prompt)
	if len(req.Knowledge) == 0 && len(req.Tools) == 0 && !req.EnableThinking {
		return prompt
	}

	var b strings.Builder
	b.WriteString("## 用户输入\n")
	b.WriteString(prompt)
	b.WriteString("\n")

	if len(req.Knowledge) > 0 {
		b.WriteString("\n## 知识库\n")
		for idx, card := range req.Knowledge[:min(len(req.Knowledge), maxKnowledgeCards)] {
			fmt.Fprintf(&b, "[%d] %s: %s", idx+1, strings.TrimSpace(card.Title), truncate(card.Content))
			if card.URL != "" {
				fmt.Fprintf(&b, " (%s)", card.URL)
			}
			b.WriteString("\n")
		}
	}
	if len(req.Tools) > 0 {
		b.WriteString("\n## 可用工具\n")
		b.WriteString(strings.Join(req.Tools, ", "))
		b.WriteString("\n")
	}
	if req.EnableThinking {
		b.WriteString("\n请在 thought 中给出完整的推理过程。")
	}
	return b.String()
}

func truncate(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) > maxCardRunes {
		return string(runes[:maxCardRunes]) + "..."
	}
	return string(runes)
}
