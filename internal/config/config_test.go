package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeConfig(t *testing.T, root, name, content string) {
	t.Helper()
	dir := filepath.Join(root, ".wreckit")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaultsOnMissing(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Kind != AgentProcess {
		t.Fatalf("default agent kind: %q", cfg.Agent.Kind)
	}
	if cfg.Orchestrate.Parallel != 1 {
		t.Fatalf("default parallel: %d", cfg.Orchestrate.Parallel)
	}
}

func TestLoadJSONAndLocalOverride(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "config.json", `{
		"agent": {"kind": "claude_sdk", "model": "claude-sonnet-4-5"},
		"orchestrate": {"parallel": 3},
		"env": {"SPRITES_TOKEN": "base-token"}
	}`)
	writeConfig(t, root, "config.local.json", `{
		"env": {"SPRITES_TOKEN": "local-token"}
	}`)
	cfg, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Kind != AgentClaudeSDK || cfg.Agent.Model != "claude-sonnet-4-5" {
		t.Fatalf("agent: %+v", cfg.Agent)
	}
	if cfg.Orchestrate.Parallel != 3 {
		t.Fatalf("parallel: %d", cfg.Orchestrate.Parallel)
	}
	if got := cfg.ResolveToken("SPRITES_TOKEN"); got != "local-token" {
		t.Fatalf("local env must win: %q", got)
	}
}

func TestLoadYAMLConfig(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "config.json", "agent:\n  kind: process\n  command: amp\n  completion_signal: DONE\n")
	cfg, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Command != "amp" || cfg.Agent.CompletionSignal != "DONE" {
		t.Fatalf("yaml agent: %+v", cfg.Agent)
	}
}

func TestLegacyAgentConfigAlias(t *testing.T) {
	var a AgentConfig
	err := json.Unmarshal([]byte(`{"mode":"cli","command":"goose","args":["run"],"completion_signal":"FIN"}`), &a)
	if err != nil {
		t.Fatal(err)
	}
	if a.Kind != AgentProcess || a.Command != "goose" || a.CompletionSignal != "FIN" {
		t.Fatalf("legacy alias: %+v", a)
	}
}

func TestApplySandboxModeIdempotent(t *testing.T) {
	cfg := *Default()
	cfg.Agent.VMName = "pinned-vm"
	once := ApplySandboxMode(cfg)
	twice := ApplySandboxMode(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("not idempotent:\nonce:  %+v\ntwice: %+v", once, twice)
	}
	if once.Agent.Kind != AgentSprite || !once.Agent.SyncEnabled || !once.Agent.SyncOnSuccess {
		t.Fatalf("sandbox transform: %+v", once.Agent)
	}
	if once.Agent.VMName != "" {
		t.Fatal("sandbox mode must clear vm_name (ephemeral)")
	}
}

func TestResolveTokenPrecedence(t *testing.T) {
	t.Setenv("WRECKIT_TEST_TOKEN", "from-env")
	cfg := &Config{Env: map[string]string{"WRECKIT_TEST_TOKEN": "from-config"}}
	if got := cfg.ResolveToken("WRECKIT_TEST_TOKEN"); got != "from-config" {
		t.Fatalf("config must beat env: %q", got)
	}
	cfg.Env = nil
	if got := cfg.ResolveToken("WRECKIT_TEST_TOKEN"); got != "from-env" {
		t.Fatalf("env fallback: %q", got)
	}
}

func TestPassthroughEnvironFilters(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("WRECKIT_PRIVATE", "hidden")
	cfg := &Config{}
	env := cfg.PassthroughEnviron()
	sawAnthropic := false
	for _, kv := range env {
		if kv == "ANTHROPIC_API_KEY=sk-test" {
			sawAnthropic = true
		}
		if kv == "WRECKIT_PRIVATE=hidden" {
			t.Fatal("non-allowlisted var leaked")
		}
	}
	if !sawAnthropic {
		t.Fatal("allowlisted var missing")
	}
}
