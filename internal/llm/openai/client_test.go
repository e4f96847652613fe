package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestGenerateSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"content": `{"thought":"分析","reply":"你好"}`,
					},
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Generate(context.Background(), llm.Request{Prompt: "测试", Temperature: 0.2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if captured.Body["response_format"] == nil {
		t.Fatalf("structured replies should request json output")
	}
	if resp.Reply != "你好" || resp.Thought != "分析" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}

	if captured.Body["model"] == "" {
		t.Fatalf("model field missing in request")
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	_, err = client.Generate(context.Background(), llm.Request{Prompt: "test"})
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure || !xerrors.Permanent(err) {
		t.Fatalf("400 should be a permanent upstream failure, got %v", err)
	}
}

func TestGenerateRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	_, err := client.Generate(context.Background(), llm.Request{Prompt: "test"})
	if !xerrors.RetryableError(err) {
		t.Fatalf("429 should be retryable, got %v", err)
	}
	if xe, ok := xerrors.From(err); !ok || xe.Metadata()["status"] != "429" {
		t.Fatalf("status metadata missing: %v", err)
	}
}

func TestBuildUserPromptWithKnowledge(t *testing.T) {
	cards := make([]llm.KnowledgeCard, 0, 7)
	for i := 0; i < 7; i++ {
		cards = append(cards, llm.KnowledgeCard{Title: fmt.Sprintf("卡片%d", i), Content: strings.Repeat("长", 300), URL: "kb://" + strconv.Itoa(i)})
	}
	prompt := buildUserPrompt(llm.Request{Prompt: "退货政策", Knowledge: cards, Tools: []string{"knowledge"}, EnableThinking: true})
	if !strings.Contains(prompt, "[5] 卡片4") || strings.Contains(prompt, "[6]") {
		t.Fatalf("knowledge should be capped at five cards: %s", prompt)
	}
	if !strings.Contains(prompt, "(kb://0)") || !strings.Contains(prompt, "...") {
		t.Fatalf("expected cited url and truncated content: %s", prompt)
	}
	if !strings.Contains(prompt, "## 可用工具\nknowledge") || !strings.Contains(prompt, "thought") {
		t.Fatalf("tools or thinking instructions missing: %s", prompt)
	}
}

func TestGenerateKeepsPlainContent(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": " local-rag-workflow "}},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := client.Generate(context.Background(), llm.Request{System: "classify", Prompt: "查询文档", Temperature: 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Reply != "local-rag-workflow" {
		t.Fatalf("unexpected reply: %q", resp.Reply)
	}
	if body["response_format"] != nil {
		t.Fatalf("classification calls must not force json output")
	}
	if body["temperature"] != float64(0) {
		t.Fatalf("temperature not forwarded: %v", body["temperature"])
	}
	messages := body["messages"].([]any)
	if messages[0].(map[string]any)["content"] != "classify" {
		t.Fatalf("system prompt not forwarded: %v", messages[0])
	}
	if messages[1].(map[string]any)["content"] != "查询文档" {
		t.Fatalf("plain prompt should be sent as-is: %v", messages[1])
	}
}
