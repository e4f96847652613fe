package pythonbridge

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/internal/llm"
)

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/srv", "bridge.py"); got != filepath.Join("/srv", "bridge.py") {
		t.Fatalf("unexpected path: %s", got)
	}
	if got := ResolveScriptPath("/srv", "/opt/bridge.py"); got != "/opt/bridge.py" {
		t.Fatalf("absolute path should be kept: %s", got)
	}
	if got := ResolveScriptPath("", ""); got != "" {
		t.Fatalf("empty script should stay empty: %s", got)
	}
}

func TestGenerateReadsScriptOutput(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "bridge.sh")
	content := "cat > /dev/null\necho '{\"thought\":\"t\",\"reply\":\"return-request-workflow\"}'\n"
	if err := os.WriteFile(script, []byte(content), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}

	client, err := NewClient(sh, script, dir)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	resp, err := client.Generate(context.Background(), llm.Request{Prompt: "我要退货"})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if resp.Reply != "return-request-workflow" || resp.Thought != "t" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestNewClientRequiresScript(t *testing.T) {
	if _, err := NewClient("", "", ""); err == nil {
		t.Fatalf("expected error without script path")
	}
}

func TestGenerateSendsModeAndClassifiesFailures(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	captured := filepath.Join(dir, "request.json")
	script := filepath.Join(dir, "bridge.sh")
	content := "cat > " + captured + "\necho '{\"reply\":\" local-rag-workflow \"}'\n"
	if err := os.WriteFile(script, []byte(content), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}
	client, err := NewClient(sh, script, dir)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	resp, err := client.Generate(context.Background(), llm.Request{System: "classify", Prompt: "查询文档"})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if resp.Reply != "local-rag-workflow" {
		t.Fatalf("reply should be trimmed: %q", resp.Reply)
	}
	raw, err := os.ReadFile(captured)
	if err != nil {
		t.Fatalf("read captured request: %v", err)
	}
	var req map[string]any
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("decode captured request: %v", err)
	}
	if req["mode"] != ModeClassify || req["prompt"] != "查询文档" {
		t.Fatalf("unexpected request: %v", req)
	}

	failing := filepath.Join(dir, "fail.sh")
	if err := os.WriteFile(failing, []byte("echo boom >&2\nexit 3\n"), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}
	client, _ = NewClient(sh, failing, dir)
	_, err = client.Generate(context.Background(), llm.Request{Prompt: "你好"})
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable upstream failure, got %v", err)
	}
	if xe, _ := xerrors.From(err); xe.Metadata()["stderr"] != "boom" {
		t.Fatalf("stderr not captured: %v", xe.Metadata())
	}
}

func TestNewClientRequiresExistingScript(t *testing.T) {
	_, err := NewClient("", filepath.Join(t.TempDir(), "missing.py"), "")
	if xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}
