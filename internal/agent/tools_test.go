package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/internal/executor"
)

func TestHTTPServiceInvoke(t *testing.T) {
	var gotPath string
	var gotBody serviceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		switch r.URL.Path {
		case "/lookup":
			_, _ = w.Write([]byte(`{"orderId":"A1"}`))
		case "/reject":
			http.Error(w, "bad order", http.StatusBadRequest)
		default:
			http.Error(w, "down", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	svc, err := NewHTTPService(ToolOrders, srv.URL+"/", srv.Client())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	out, err := svc.Invoke(context.Background(), executor.Call{RunID: "r1", Action: "lookup", Attempt: 1, Params: map[string]any{"input": "退货"}})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out["orderId"] != "A1" || gotPath != "/lookup" || gotBody.RunID != "r1" || gotBody.Params["input"] != "退货" {
		t.Fatalf("unexpected exchange: out=%v path=%s body=%+v", out, gotPath, gotBody)
	}

	_, err = svc.Invoke(context.Background(), executor.Call{Action: "reject"})
	if xerrors.CodeOf(err) != xerrors.CodeActionFailed || xerrors.RetryableError(err) {
		t.Fatalf("4xx should be a permanent action failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "orders 拒绝了动作 reject") {
		t.Fatalf("unexpected message: %v", err)
	}

	_, err = svc.Invoke(context.Background(), executor.Call{Action: "other"})
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure || !xerrors.RetryableError(err) {
		t.Fatalf("5xx should be retryable, got %v", err)
	}
}

func TestNewHTTPServiceRequiresURL(t *testing.T) {
	if _, err := NewHTTPService(ToolFlights, "  ", nil); err == nil {
		t.Fatalf("expected error for empty base url")
	}
}

func TestKnowledgeToolFallsBackToInput(t *testing.T) {
	tool := NewKnowledgeTool(newRetriever())
	out, err := tool.Invoke(context.Background(), executor.Call{Params: map[string]any{ParamInput: "怎么退货"}})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	cards := knowledgeCards(map[string]map[string]any{KnowledgeKey: out})
	if len(cards) != 1 || cards[0].Title != "退货政策" {
		t.Fatalf("unexpected cards: %+v", cards)
	}
}

func TestLLMToolRequiresInput(t *testing.T) {
	tool := NewLLMTool(&stubLLM{}, nil)
	_, err := tool.Invoke(context.Background(), executor.Call{})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument || xerrors.RetryableError(err) {
		t.Fatalf("expected permanent invalid argument, got %v", err)
	}
	if !strings.Contains(err.Error(), "回复动作缺少输入") {
		t.Fatalf("unexpected message: %v", err)
	}

	_, err = NewLLMTool(nil, nil).Invoke(context.Background(), executor.Call{})
	if xerrors.CodeOf(err) != xerrors.CodeInitializationFailure || !strings.Contains(err.Error(), "未配置大模型客户端") {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

func TestKnowledgeToolRejectsEmptyQuery(t *testing.T) {
	_, err := NewKnowledgeTool(newRetriever()).Invoke(context.Background(), executor.Call{})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument || !strings.Contains(err.Error(), "知识检索查询为空") {
		t.Fatalf("expected empty query error, got %v", err)
	}
}
