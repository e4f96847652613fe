package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"time"

	"wallets-quickstart/sdk/go/client"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": client.ChatResult{
				Decision: client.Decision{WorkflowID: "return-request-workflow", Source: "keyword", Reason: "keyword:退货"},
				Reply:    "已为您提交退货申请。",
				RunState: "completed",
			},
		})
	})
	mux.HandleFunc("/api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    client.Task{ID: "task-demo", Status: "pending", MaxRetries: 3, CreatedAt: time.Now().Unix()},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := client.NewClient(srv.URL, srv.Client())
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	result, err := c.Chat(ctx, client.ChatRequest{Input: "我想退货，订单号 123456789"})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("workflow=%s reply=%s\n", result.Decision.WorkflowID, result.Reply)

	task, err := c.SubmitTask(ctx, client.TaskSubmission{Input: "帮我订一张去上海的机票"})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("task=%s status=%s\n", task.ID, task.Status)
}
