package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/internal/llm"
)

const (
	// ModeClassify 表示本次调用用于路由分类，脚本应只返回工作流 ID。
	ModeClassify = "classify"
	// ModeReply 表示本次调用生成客服回复。
	ModeReply = "reply"

	maxStderr = 512
)

// Client 每次调用启动一次 Python 脚本。
//
// 脚本从 stdin 读取一个 JSON 请求，向 stdout 写出 {"thought": string, "reply": string}。
// 请求中的 mode 字段区分路由分类与回复生成。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 校验脚本存在后创建客户端，pythonExec 为空时使用 python3。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if strings.TrimSpace(scriptPath) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未指定 Python 脚本路径")
	}
	if _, err := os.Stat(scriptPath); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "Python 脚本不可用",
			xerrors.WithMetadata("script", scriptPath))
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{pythonExec: pythonExec, scriptPath: scriptPath, workingDir: workingDir}, nil
}

type bridgeRequest struct {
	Mode           string              `json:"mode"`
	System         string              `json:"system,omitempty"`
	Prompt         string              `json:"prompt"`
	Temperature    float64             `json:"temperature"`
	Tools          []string            `json:"tools"`
	EnableThinking bool                `json:"enable_thinking"`
	Knowledge      []map[string]string `json:"knowledge"`
	Timestamp      int64               `json:"timestamp"`
}

// Generate 运行脚本并解析其输出。脚本非零退出视为可重试的上游失败。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload := bridgeRequest{
		Mode:           modeOf(req),
		System:         req.System,
		Prompt:         req.Prompt,
		Temperature:    req.Temperature,
		Tools:          req.Tools,
		EnableThinking: req.EnableThinking,
		Knowledge:      make([]map[string]string, 0, len(req.Knowledge)),
		Timestamp:      time.Now().Unix(),
	}
	for _, card := range req.Knowledge {
		payload.Knowledge = append(payload.Knowledge, map[string]string{"title": card.Title, "content": card.Content, "url": card.URL})
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化脚本请求失败", xerrors.WithRetryable(false))
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	command.Dir = c.workingDir
	command.Stdin = bytes.NewReader(encoded)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var exitErr *exec.ExitError
		retryable := errors.As(err, &exitErr)
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "执行 Python 脚本失败",
			xerrors.WithRetryable(retryable),
			xerrors.WithMetadata("stderr", tail(stderr.String())),
		)
	}

	var out struct {
		Thought string `json:"thought"`
		Reply   string `json:"reply"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析 Python 输出失败", xerrors.WithRetryable(false))
	}
	return &llm.Response{Thought: out.Thought, Reply: strings.TrimSpace(out.Reply)}, nil
}

// modeOf 按调用方式判断用途：路由分类总是带系统提示且温度为 0。
func modeOf(req llm.Request) string {
	if strings.TrimSpace(req.System) != "" && req.Temperature == 0 {
		return ModeClassify
	}
	return ModeReply
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		return s[len(s)-maxStderr:]
	}
	return s
}

// ResolveScriptPath 把相对脚本路径解析到工作目录下。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" || filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
