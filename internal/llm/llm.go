package llm

import "context"

// Request 描述发送给大模型的一次调用。
type Request struct {
	// System 为系统提示词，为空时由具体实现决定默认值。
	System string
	Prompt string
	// Temperature 为采样温度，路由分类固定使用 0。
	Temperature float64
	// Tools 是本次调用允许模型自主使用的工具，已经过策略过滤，可能为空。
	Tools []string
	// EnableThinking 要求模型返回推理过程。
	EnableThinking bool
	Knowledge      []KnowledgeCard
}

// Response 是大模型推理得到的结构化输出。
type Response struct {
	Thought string
	Reply   string
}

// KnowledgeCard 表示提供给大模型的知识切片，帮助生成更加准确的回复。
type KnowledgeCard struct {
	Title   string
	Content string
	URL     string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 允许使用普通函数实现 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 实现 Client 接口。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
