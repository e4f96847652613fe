package routing

import "testing"

func TestKeywordRouterReturnFamily(t *testing.T) {
	chain := NewKeywordChain(DefaultLexicon().KeywordRoutes)

	decision, ok := chain.Match("我买的鞋子想退货")
	if !ok {
		t.Fatalf("expected keyword hit")
	}
	want := Decision{WorkflowID: WorkflowReturnRequest, Reason: "keyword:退货", Source: SourceKeyword}
	if decision != want {
		t.Fatalf("unexpected decision: %+v", decision)
	}
}

func TestKeywordRouterCaseInsensitive(t *testing.T) {
	chain := NewKeywordChain(DefaultLexicon().KeywordRoutes)

	decision, ok := chain.Match("I want to Book A Flight to Tokyo")
	if !ok || decision.WorkflowID != WorkflowFlightBooking || decision.Reason != "keyword:flight" {
		t.Fatalf("unexpected decision: %+v ok=%v", decision, ok)
	}
}

func TestKeywordChainOrder(t *testing.T) {
	chain := NewKeywordChain(DefaultLexicon().KeywordRoutes)

	decision, ok := chain.Match("航班取消了，我要退款")
	if !ok || decision.WorkflowID != WorkflowReturnRequest {
		t.Fatalf("return family should win: %+v", decision)
	}
}

func TestKeywordRouterMiss(t *testing.T) {
	router := NewKeywordRouter(WorkflowReturnRequest, []string{"退货"})
	if _, ok := router.Match("今天天气不错"); ok {
		t.Fatalf("expected miss")
	}
	var nilRouter *KeywordRouter
	if _, ok := nilRouter.Match("退货"); ok {
		t.Fatalf("nil router never matches")
	}
}
