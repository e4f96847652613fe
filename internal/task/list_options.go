package task

import (
	"strings"
	"time"
)

// SortOrder 控制任务列表的排序方向。
type SortOrder int

const (
	// SortByUpdatedDesc 最近更新的任务在前，列表接口默认使用。
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc 最早更新的任务在前。
	SortByUpdatedAsc
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions 描述任务列表与统计的过滤条件。
//
// Workflows 按路由结果过滤，只有已经执行完成并写入结果的任务才会命中。
// MySQL 实现依赖 chat_tasks.workflow 生成列。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Workflows  []string
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
	Query      string
}

func (opts *ListOptions) applyDefaults() {
	switch {
	case opts.Limit <= 0:
		opts.Limit = defaultListLimit
	case opts.Limit > maxListLimit:
		opts.Limit = maxListLimit
	}
	opts.Offset = max(opts.Offset, 0)
	opts.Statuses = dedupe(opts.Statuses, IsValidStatus)
	opts.Workflows = dedupe(opts.Workflows, func(id string) bool { return id != "" })
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses 只保留指定状态的任务，未知状态会被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithWorkflows 只保留被路由到指定工作流的任务，例如 direct-chat 或 return-request-workflow。
func WithWorkflows(ids ...string) ListOption {
	return func(opts *ListOptions) {
		opts.Workflows = opts.Workflows[:0]
		for _, id := range ids {
			opts.Workflows = append(opts.Workflows, strings.TrimSpace(id))
		}
	}
}

// WithUpdatedSince 过滤更新时间不早于 ts 的任务，零值表示不限制。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedGTE = unixOrZero(ts) }
}

// WithUpdatedUntil 过滤更新时间不晚于 ts 的任务，零值表示不限制。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedLTE = unixOrZero(ts) }
}

// WithResultPresence 按是否已有执行结果过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) { opts.HasResult = &hasResult }
}

func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithQuery 在任务 ID、用户输入、回复和最近错误中做子串匹配。
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

// BuildListOptions 依次应用选项并补齐默认值。
func BuildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

func dedupe[T comparable](input []T, keep func(T) bool) []T {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[T]struct{}, len(input))
	result := make([]T, 0, len(input))
	for _, item := range input {
		if !keep(item) {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		result = append(result, item)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
