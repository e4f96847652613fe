package routing

import (
	"context"
	"log/slog"

	"wallets-quickstart/pkg/logger"
)

// Classifier 是模型路由层的抽象，便于替换与测试。
type Classifier interface {
	Route(ctx context.Context, text string) (Decision, error)
}

// Router 依次调用规则、关键词与模型三层，第一层给出结论即短路返回。
type Router struct {
	rules    *RuleClassifier
	keywords KeywordChain
	model    Classifier
	logger   *slog.Logger
	observer func(Decision)
}

// Option 定义 Router 的可选配置。
type Option func(*Router)

// WithLogger 指定路由日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithDecisionObserver 在每次决策后回调，用于指标统计。
func WithDecisionObserver(fn func(Decision)) Option {
	return func(r *Router) {
		r.observer = fn
	}
}

// NewRouter 基于词表构建完整的路由链。
func NewRouter(lex *Lexicon, model Classifier, opts ...Option) (*Router, error) {
	if lex == nil {
		lex = DefaultLexicon()
	}
	rules, err := NewRuleClassifier(lex)
	if err != nil {
		return nil, err
	}
	r := &Router{
		rules:    rules,
		keywords: NewKeywordChain(lex.KeywordRoutes),
		model:    model,
		logger:   logger.Named("routing"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Route 总是返回一个合法的工作流决策。
func (r *Router) Route(ctx context.Context, text string) Decision {
	decision := r.route(ctx, text)
	r.logger.Info("路由决策",
		slog.String("workflow", string(decision.WorkflowID)),
		slog.String("source", string(decision.Source)),
		slog.String("reason", decision.Reason),
	)
	logger.Audit().Info("route_decision",
		slog.String("workflow", string(decision.WorkflowID)),
		slog.String("source", string(decision.Source)),
	)
	if r.observer != nil {
		r.observer(decision)
	}
	return decision
}

func (r *Router) route(ctx context.Context, text string) Decision {
	if match := r.rules.Classify(text); match.IsSimple {
		return Decision{
			WorkflowID: WorkflowDirectChat,
			Reason:     "rule:" + match.Reason,
			Source:     SourceRule,
		}
	}

	if decision, ok := r.keywords.Match(text); ok {
		return decision
	}

	if r.model == nil {
		return Decision{WorkflowID: DefaultWorkflow, Reason: ReasonModelError, Source: SourceModel}
	}
	decision, err := r.model.Route(ctx, text)
	if err != nil {
		r.logger.Warn("模型路由失败，使用默认工作流", slog.Any("error", err))
	}
	if _, ok := ParseWorkflowID(string(decision.WorkflowID)); !ok {
		return Decision{WorkflowID: DefaultWorkflow, Reason: ReasonModelInvalid, Source: SourceModel}
	}
	return decision
}
