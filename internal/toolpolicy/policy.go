// Package toolpolicy decides whether a workflow may invoke autonomous tools
// for a given request. The policy is resolved once at process start and the
// gate is a pure function of that value and the per-request context.
package toolpolicy

import (
	"fmt"
	"log/slog"
	"strings"

	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/pkg/logger"
)

// Policy 是工具调用的全局开关。
type Policy string

const (
	PolicyAuto    Policy = "auto"
	PolicyOff     Policy = "off"
	PolicyRAGOnly Policy = "rag-only"
)

// RagMode 表示单次请求选择的回答模式。
type RagMode string

const (
	RagModeRAG RagMode = "rag"
	RagModeLLM RagMode = "llm"
)

// RequestContext 随请求传递，仅在本次请求内有效。
type RequestContext struct {
	RagMode RagMode
}

// ParsePolicy 将配置值解析为 Policy，空值视为 auto。
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyAuto:
		return PolicyAuto, nil
	case PolicyOff:
		return PolicyOff, nil
	case PolicyRAGOnly, "rag_only", "ragonly":
		return PolicyRAGOnly, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的工具调用策略: %s", raw))
	}
}

// ParseRagMode 解析请求中的 ragMode，未知或空值返回 false。
func ParseRagMode(raw string) (RagMode, bool) {
	switch RagMode(strings.ToLower(strings.TrimSpace(raw))) {
	case RagModeRAG:
		return RagModeRAG, true
	case RagModeLLM:
		return RagModeLLM, true
	default:
		return "", false
	}
}

// SuppressionObserver 接收工具被屏蔽的事件，用于指标统计。
type SuppressionObserver func(mode RagMode, policy Policy)

// Gate 根据策略过滤工具列表。零值等价于 auto 策略。
type Gate struct {
	policy   Policy
	logger   *slog.Logger
	observer SuppressionObserver
}

// GateOption 定义 Gate 的可选配置。
type GateOption func(*Gate)

// WithLogger 指定屏蔽事件使用的日志器。
func WithLogger(l *slog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = l
	}
}

// WithObserver 注册屏蔽事件回调。
func WithObserver(observer SuppressionObserver) GateOption {
	return func(g *Gate) {
		g.observer = observer
	}
}

// NewGate 创建一个不可变的策略闸门。
func NewGate(policy Policy, opts ...GateOption) *Gate {
	if policy == "" {
		policy = PolicyAuto
	}
	g := &Gate{policy: policy}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Policy 返回闸门使用的策略。
func (g *Gate) Policy() Policy {
	if g == nil || g.policy == "" {
		return PolicyAuto
	}
	return g.policy
}

// Allows 判断当前请求是否允许自主调用工具。
func (g *Gate) Allows(rc *RequestContext) bool {
	if rc == nil {
		return true
	}
	switch g.Policy() {
	case PolicyOff:
		return false
	case PolicyRAGOnly:
		return rc.RagMode != RagModeLLM
	default:
		return true
	}
}

// Filter 返回允许使用的工具。放行时返回原切片本身；屏蔽时返回空切片并记录一次诊断事件。
func Filter[T any](g *Gate, rc *RequestContext, tools []T) []T {
	if g.Allows(rc) {
		return tools
	}
	if len(tools) > 0 {
		g.reportSuppressed(rc.RagMode)
	}
	return []T{}
}

func (g *Gate) reportSuppressed(mode RagMode) {
	if g == nil {
		return
	}
	l := g.logger
	if l == nil {
		l = logger.Named("toolpolicy")
	}
	l.Info("工具调用已按策略屏蔽",
		slog.String("rag_mode", string(mode)),
		slog.String("policy", string(g.Policy())),
	)
	if g.observer != nil {
		g.observer(mode, g.Policy())
	}
}
