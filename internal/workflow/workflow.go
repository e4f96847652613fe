// Package workflow persists workflow definitions by identifier. Definitions
// are replaced wholesale on upsert; there is no partial patch and no delete.
// Concurrent upserts to the same id resolve last-write-wins.
package workflow

import (
	"context"
	"time"

	xerrors "wallets-quickstart/internal/errors"
)

// DefaultName 是名称为空时使用的占位名称。
const DefaultName = "未命名工作流"

// PageSize 是列表接口返回的最大条目数。
const PageSize = 30

// Definition 是工作流图，节点与边的结构对存储层不透明。
type Definition struct {
	Nodes []map[string]any `json:"nodes"`
	Edges []map[string]any `json:"edges"`
	Meta  map[string]any   `json:"meta,omitempty"`
}

// Record 是存储中的完整工作流。
type Record struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Definition Definition `json:"definition"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Summary 是列表接口返回的摘要。
type Summary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ErrWorkflowNotFound 表示指定 ID 的工作流不存在。
var ErrWorkflowNotFound = xerrors.New(xerrors.CodeNotFound, "workflow not found")

// Store 抽象了工作流定义的持久化。
type Store interface {
	Upsert(ctx context.Context, id, name string, def Definition) error
	Get(ctx context.Context, id string) (*Record, error)
	// List 按更新时间倒序返回最多 limit 条摘要。
	List(ctx context.Context, limit int) ([]Summary, error)
	Close() error
}

func normalize(def Definition) Definition {
	if def.Nodes == nil {
		def.Nodes = []map[string]any{}
	}
	if def.Edges == nil {
		def.Edges = []map[string]any{}
	}
	return def
}
