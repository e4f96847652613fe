package config

import (
	"os"
	"path/filepath"
	"testing"

	"wallets-quickstart/internal/toolpolicy"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "app.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv(EnvToolPolicy, "")
	path := writeConfig(t, `{"routing":{"lexicon_path":"routing.yaml"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.Storage.Workflow.Driver != "memory" || cfg.TaskQueue.Driver != "memory" {
		t.Fatalf("unexpected drivers: %+v %+v", cfg.Storage.Workflow, cfg.TaskQueue)
	}
	if cfg.Executor.RetryDelayMillis != 200 {
		t.Fatalf("unexpected retry delay: %d", cfg.Executor.RetryDelayMillis)
	}
	if cfg.ToolPolicy != toolpolicy.PolicyAuto {
		t.Fatalf("unexpected policy: %s", cfg.ToolPolicy)
	}
	want := filepath.Join(filepath.Dir(path), "routing.yaml")
	if cfg.Routing.LexiconPath != want {
		t.Fatalf("lexicon path not resolved: %s", cfg.Routing.LexiconPath)
	}
}

func TestToolPolicyEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `{"tools":{"policy":"auto"}}`)

	t.Setenv(EnvToolPolicy, "rag-only")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ToolPolicy != toolpolicy.PolicyRAGOnly {
		t.Fatalf("expected env override, got %s", cfg.ToolPolicy)
	}
}

func TestInvalidToolPolicyFailsStartup(t *testing.T) {
	t.Setenv(EnvToolPolicy, "")
	path := writeConfig(t, `{"tools":{"policy":"maybe"}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected invalid policy to fail")
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if PathFromEnv() != DefaultPath {
		t.Fatalf("expected default path")
	}
	t.Setenv(EnvConfigPath, "/etc/app.json")
	if PathFromEnv() != "/etc/app.json" {
		t.Fatalf("expected env path")
	}
}
