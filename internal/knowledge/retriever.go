// Package knowledge answers local knowledge queries for the retrieval
// workflow. The retrieval index itself is external; this package only
// shapes its answers.
package knowledge

import "context"

// Source 是回答引用的文档。
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

// Snippet 是检索命中的片段，Distance 越小越相关。
type Snippet struct {
	Title    string  `json:"title"`
	URL      string  `json:"url,omitempty"`
	Content  string  `json:"content"`
	Distance float64 `json:"distance"`
}

// Answer 是一次检索的结果。没有命中时 Distance 为 nil。
type Answer struct {
	Text     string    `json:"text"`
	Sources  []Source  `json:"sources"`
	Distance *float64  `json:"distance"`
	Snippets []Snippet `json:"snippets,omitempty"`
}

// Retriever 定义知识检索接口。
type Retriever interface {
	Query(ctx context.Context, text string) (*Answer, error)
}
