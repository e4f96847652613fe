package routing

import "strings"

// KeywordRouter 在有序关键词列表中查找第一个子串命中。
type KeywordRouter struct {
	workflow WorkflowID
	terms    []string
}

// NewKeywordRouter 创建指向单个工作流的关键词路由器。
func NewKeywordRouter(workflow WorkflowID, terms []string) *KeywordRouter {
	return &KeywordRouter{workflow: workflow, terms: normalizeTerms(terms)}
}

// Match 命中时返回决策；未命中返回 false，表示交给下一层处理。
func (r *KeywordRouter) Match(text string) (Decision, bool) {
	if r == nil {
		return Decision{}, false
	}
	normalized := strings.ToLower(text)
	for _, term := range r.terms {
		if strings.Contains(normalized, term) {
			return Decision{
				WorkflowID: r.workflow,
				Reason:     "keyword:" + term,
				Source:     SourceKeyword,
			}, true
		}
	}
	return Decision{}, false
}

// KeywordChain 按顺序询问多个关键词路由器。
type KeywordChain []*KeywordRouter

// NewKeywordChain 按词表中的路由顺序构建链。
func NewKeywordChain(routes []KeywordRoute) KeywordChain {
	chain := make(KeywordChain, 0, len(routes))
	for _, route := range routes {
		chain = append(chain, NewKeywordRouter(route.Workflow, route.Terms))
	}
	return chain
}

// Match 返回第一个命中的决策。
func (c KeywordChain) Match(text string) (Decision, bool) {
	for _, router := range c {
		if decision, ok := router.Match(text); ok {
			return decision, true
		}
	}
	return Decision{}, false
}
