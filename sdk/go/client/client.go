// Package client is a thin Go SDK for the chat, workflow and task endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Chat calls run a whole workflow, so it is longer than a typical API timeout.
const DefaultHTTPTimeout = 60 * time.Second

// Client wraps the HTTP interactions with the agent REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// ChatRequest is the payload of POST /api/chat.
type ChatRequest struct {
	Input          string         `json:"input"`
	Options        map[string]any `json:"options,omitempty"`
	EnableThinking bool           `json:"headerEnableThinking,omitempty"`
}

// Decision describes which workflow handled a chat request.
type Decision struct {
	WorkflowID string `json:"workflowId"`
	Reason     string `json:"reason"`
	Source     string `json:"source"`
}

// Source is a knowledge reference attached to a reply.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Failure is a recorded action failure inside a run.
type Failure struct {
	Step   int    `json:"step"`
	Key    string `json:"key"`
	Tool   string `json:"tool"`
	Action string `json:"action"`
	Policy string `json:"policy"`
	Error  string `json:"error"`
}

// ChatResult is the data returned by POST /api/chat.
type ChatResult struct {
	Decision   Decision  `json:"decision"`
	PlanSource string    `json:"planSource"`
	Reply      string    `json:"reply"`
	Thought    string    `json:"thought,omitempty"`
	Sources    []Source  `json:"sources,omitempty"`
	RunID      string    `json:"runId"`
	RunState   string    `json:"runState"`
	Failures   []Failure `json:"failures,omitempty"`
}

// SaveWorkflowRequest is the payload of POST /api/workflows.
type SaveWorkflowRequest struct {
	ID    string           `json:"id,omitempty"`
	Name  string           `json:"name,omitempty"`
	Nodes []map[string]any `json:"nodes,omitempty"`
	Edges []map[string]any `json:"edges,omitempty"`
}

// Workflow is a stored workflow definition.
type Workflow struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Definition struct {
		Nodes []map[string]any `json:"nodes"`
		Edges []map[string]any `json:"edges"`
	} `json:"definition"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// WorkflowSummary is one item of GET /api/workflows.
type WorkflowSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TaskSubmission represents the payload required to create a chat task.
type TaskSubmission struct {
	ID             string         `json:"id,omitempty"`
	Input          string         `json:"input"`
	Options        map[string]any `json:"options,omitempty"`
	EnableThinking bool           `json:"headerEnableThinking,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// TaskResult is the stored outcome of a finished task.
type TaskResult struct {
	Workflow string `json:"workflow"`
	Source   string `json:"source"`
	Reply    string `json:"reply"`
	Thought  string `json:"thought,omitempty"`
	RunID    string `json:"run_id,omitempty"`
	RunState string `json:"run_state,omitempty"`
	Degraded string `json:"degraded,omitempty"`
}

// Task contains the server-side view of a chat task.
type Task struct {
	ID         string      `json:"id"`
	Input      string      `json:"input"`
	Status     string      `json:"status"`
	Attempts   int         `json:"attempts"`
	MaxRetries int         `json:"max_retries"`
	LastError  string      `json:"last_error,omitempty"`
	ErrorCode  string      `json:"error_code,omitempty"`
	Result     *TaskResult `json:"result,omitempty"`
	CreatedAt  int64       `json:"created_at"`
	UpdatedAt  int64       `json:"updated_at"`
}

// Finished reports whether the task will not change anymore.
func (t Task) Finished() bool {
	return t.Status == "succeeded" || (t.Status == "failed" && t.Attempts >= t.MaxRetries)
}

// TaskStats aggregates task counts.
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// TaskQuery filters GET /api/v1/tasks. Zero values are omitted.
type TaskQuery struct {
	Statuses  []string
	Workflows []string
	Limit     int
	Offset    int
	Since     time.Time
	Until     time.Time
	HasResult *bool
	Query     string
	Ascending bool
}

func (q TaskQuery) values() url.Values {
	values := url.Values{}
	if len(q.Statuses) > 0 {
		values.Set("status", strings.Join(q.Statuses, ","))
	}
	if len(q.Workflows) > 0 {
		values.Set("workflow", strings.Join(q.Workflows, ","))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		values.Set("offset", strconv.Itoa(q.Offset))
	}
	if !q.Since.IsZero() {
		values.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		values.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	if q.HasResult != nil {
		values.Set("has_result", strconv.FormatBool(*q.HasResult))
	}
	if q.Query != "" {
		values.Set("q", q.Query)
	}
	if q.Ascending {
		values.Set("order", "asc")
	}
	return values
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agent api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agent api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 returned by the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets a bearer token sent with every request, for deployments
// behind an authenticating gateway.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Chat sends one message and waits for the workflow to finish.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	var result ChatResult
	if err := c.post(ctx, "/api/chat", nil, req, &result); err != nil {
		return ChatResult{}, err
	}
	return result, nil
}

// SaveWorkflow stores a workflow definition and returns its id.
func (c *Client) SaveWorkflow(ctx context.Context, req SaveWorkflowRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/api/workflows", nil, req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// GetWorkflow fetches a workflow by id.
func (c *Client) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	var wf Workflow
	if err := c.get(ctx, "/api/workflows/"+url.PathEscape(id), nil, &wf); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// ListWorkflows returns the most recently updated workflows.
func (c *Client) ListWorkflows(ctx context.Context) ([]WorkflowSummary, error) {
	var items []WorkflowSummary
	if err := c.get(ctx, "/api/workflows", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// SubmitTask creates an async chat task.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var task Task
	if err := c.post(ctx, "/api/v1/tasks", nil, submission, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// ListTasks lists tasks matching the query.
func (c *Client) ListTasks(ctx context.Context, query TaskQuery) ([]Task, error) {
	var tasks []Task
	if err := c.get(ctx, "/api/v1/tasks", query.values(), &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// TaskStats returns aggregated counts for tasks matching the query.
func (c *Client) TaskStats(ctx context.Context, query TaskQuery) (TaskStats, error) {
	var stats TaskStats
	if err := c.get(ctx, "/api/v1/tasks/stats", query.values(), &stats); err != nil {
		return TaskStats{}, err
	}
	return stats, nil
}

// WaitForTask polls until the task finishes or ctx ends.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if task.Finished() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, query url.Values, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, query, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(data, &env)
	if resp.StatusCode >= 400 || (decodeErr == nil && !env.Success) {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Retryable = env.Error.Retryable
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
