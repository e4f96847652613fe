package task

import (
	"context"
	"strings"
)

// RecoveryHandler 定义了在任务执行失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 返回的 ExecutionResult 将作为降级结果写入任务；返回 nil 时按失败流程处理。
	Recover(ctx context.Context, task *Task, cause error) (*ExecutionResult, error)
}

// FallbackReply 在不可重试的失败后返回固定的客服话术。
type FallbackReply string

// Recover 实现 RecoveryHandler。空话术不做降级。
func (f FallbackReply) Recover(_ context.Context, _ *Task, cause error) (*ExecutionResult, error) {
	reply := strings.TrimSpace(string(f))
	if reply == "" {
		return nil, nil
	}
	degraded := "fallback"
	if cause != nil {
		degraded = cause.Error()
	}
	return &ExecutionResult{Reply: reply, Degraded: degraded}, nil
}
