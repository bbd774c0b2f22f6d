package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentKind tags the closed set of agent execution variants. Dispatch is a
// single switch on the tag; each variant is an isolated module implementing
// the same function shape.
type AgentKind string

const (
	AgentProcess     AgentKind = "process"
	AgentClaudeSDK   AgentKind = "claude_sdk"
	AgentAmpSDK      AgentKind = "amp_sdk"
	AgentCodexSDK    AgentKind = "codex_sdk"
	AgentOpenCodeSDK AgentKind = "opencode_sdk"
	AgentRLM         AgentKind = "rlm"
	AgentSprite      AgentKind = "sprite"
	AgentMock        AgentKind = "mock"
)

func ParseAgentKind(s string) (AgentKind, error) {
	k := AgentKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case AgentProcess, AgentClaudeSDK, AgentAmpSDK, AgentCodexSDK, AgentOpenCodeSDK, AgentRLM, AgentSprite, AgentMock:
		return k, nil
	}
	return "", fmt.Errorf("unknown agent kind %q", s)
}

// AgentConfig is a tagged union on Kind. Only the fields for the tagged
// variant are meaningful.
type AgentConfig struct {
	Kind AgentKind `json:"kind" yaml:"kind"`

	// process variant (and the CLI-backed SDK kinds).
	Command          string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args             []string `json:"args,omitempty" yaml:"args,omitempty"`
	CompletionSignal string   `json:"completion_signal,omitempty" yaml:"completion_signal,omitempty"`

	// SDK variants.
	Model           string  `json:"model,omitempty" yaml:"model,omitempty"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty"`
	BudgetDollars   float64 `json:"budget_dollars,omitempty" yaml:"budget_dollars,omitempty"`

	// sprite variant.
	VMName        string `json:"vm_name,omitempty" yaml:"vm_name,omitempty"`
	MemoryMB      int    `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	CPUs          int    `json:"cpus,omitempty" yaml:"cpus,omitempty"`
	SyncEnabled   bool   `json:"sync_enabled,omitempty" yaml:"sync_enabled,omitempty"`
	SyncOnSuccess bool   `json:"sync_on_success,omitempty" yaml:"sync_on_success,omitempty"`
}

// legacyAgentConfig is the pre-tagged form {mode, command, args,
// completion_signal}, accepted as an alias for kind=process.
type legacyAgentConfig struct {
	Mode             string   `json:"mode" yaml:"mode"`
	Command          string   `json:"command" yaml:"command"`
	Args             []string `json:"args" yaml:"args"`
	CompletionSignal string   `json:"completion_signal" yaml:"completion_signal"`
}

func (a *AgentConfig) UnmarshalJSON(b []byte) error {
	type plain AgentConfig
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	if p.Kind != "" {
		*a = AgentConfig(p)
		return nil
	}
	var legacy legacyAgentConfig
	if err := json.Unmarshal(b, &legacy); err == nil && legacy.Mode != "" {
		*a = AgentConfig{
			Kind:             AgentProcess,
			Command:          legacy.Command,
			Args:             legacy.Args,
			CompletionSignal: legacy.CompletionSignal,
		}
		return nil
	}
	*a = AgentConfig(p)
	return nil
}

// PRChecks is the policy applied before opening or merging a PR.
type PRChecks struct {
	Commands               []string `json:"commands,omitempty" yaml:"commands,omitempty"`
	CommandTimeoutSeconds  int      `json:"command_timeout_seconds,omitempty" yaml:"command_timeout_seconds,omitempty"`
	SecretScan             bool     `json:"secret_scan,omitempty" yaml:"secret_scan,omitempty"`
	RequireAllStoriesDone  bool     `json:"require_all_stories_done,omitempty" yaml:"require_all_stories_done,omitempty"`
	AllowUnsafeDirectMerge bool     `json:"allow_unsafe_direct_merge,omitempty" yaml:"allow_unsafe_direct_merge,omitempty"`
}

// Limits caps any single agent turn. Zero values fall back to defaults
// (100 iterations, 3600 seconds, 1000 progress steps).
type Limits struct {
	MaxIterations      int     `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	MaxDurationSeconds int     `json:"max_duration_seconds,omitempty" yaml:"max_duration_seconds,omitempty"`
	MaxProgressSteps   int     `json:"max_progress_steps,omitempty" yaml:"max_progress_steps,omitempty"`
	MaxBudgetDollars   float64 `json:"max_budget_dollars,omitempty" yaml:"max_budget_dollars,omitempty"`
}

// Orchestrate configures the multi-item scheduler.
type Orchestrate struct {
	Parallel   int    `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	AutoRepair string `json:"auto_repair,omitempty" yaml:"auto_repair,omitempty"` // "true" | "false" | "safe-only"
	MaxRetries int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// Git configures branch/merge behavior.
type Git struct {
	BaseBranch  string `json:"base_branch,omitempty" yaml:"base_branch,omitempty"`
	DirectMerge bool   `json:"direct_merge,omitempty" yaml:"direct_merge,omitempty"`
}

// Config is .wreckit/config.json merged with .wreckit/config.local.json.
type Config struct {
	Agent          AgentConfig       `json:"agent" yaml:"agent"`
	AgentTimeout   int               `json:"agent_timeout_seconds,omitempty" yaml:"agent_timeout_seconds,omitempty"`
	PRChecks       PRChecks          `json:"pr_checks,omitempty" yaml:"pr_checks,omitempty"`
	Limits         Limits            `json:"limits,omitempty" yaml:"limits,omitempty"`
	Orchestrate    Orchestrate       `json:"orchestrate,omitempty" yaml:"orchestrate,omitempty"`
	Git            Git               `json:"git,omitempty" yaml:"git,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	SandboxExclude []string          `json:"sandbox_exclude,omitempty" yaml:"sandbox_exclude,omitempty"`

	// localEnv holds env entries from config.local.json, which take
	// precedence over Env during token resolution.
	localEnv map[string]string
}

func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Kind:             AgentProcess,
			Command:          "claude",
			Args:             []string{"--print"},
			CompletionSignal: "WRECKIT_DONE",
		},
		AgentTimeout: 3600,
		Git:          Git{BaseBranch: "main"},
		Orchestrate:  Orchestrate{Parallel: 1, AutoRepair: "safe-only", MaxRetries: 2},
	}
}

// Load reads config.json (or .yaml) plus the optional local override from
// {root}/.wreckit. A missing config file yields defaults.
func Load(root string) (*Config, error) {
	cfg := Default()
	base := filepath.Join(root, ".wreckit", "config.json")
	if err := loadInto(base, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	var local Config
	localPath := filepath.Join(root, ".wreckit", "config.local.json")
	if err := loadInto(localPath, &local); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	} else {
		mergeLocal(cfg, &local)
	}
	return cfg, nil
}

// loadInto decodes a config file into dst. Files may be JSON or YAML; the
// format is sniffed from the first non-space byte, so a .json path holding
// YAML still loads.
func loadInto(path string, dst *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(b, dst); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// mergeLocal overlays non-zero local values onto cfg. Env entries from the
// local file are kept separately so they win during token resolution.
func mergeLocal(cfg *Config, local *Config) {
	if local.Agent.Kind != "" {
		cfg.Agent = local.Agent
	}
	if local.AgentTimeout > 0 {
		cfg.AgentTimeout = local.AgentTimeout
	}
	if len(local.PRChecks.Commands) > 0 || local.PRChecks.SecretScan ||
		local.PRChecks.RequireAllStoriesDone || local.PRChecks.AllowUnsafeDirectMerge {
		cfg.PRChecks = local.PRChecks
	}
	if local.Limits != (Limits{}) {
		cfg.Limits = local.Limits
	}
	if local.Orchestrate.Parallel > 0 {
		cfg.Orchestrate.Parallel = local.Orchestrate.Parallel
	}
	if local.Orchestrate.AutoRepair != "" {
		cfg.Orchestrate.AutoRepair = local.Orchestrate.AutoRepair
	}
	if local.Orchestrate.MaxRetries > 0 {
		cfg.Orchestrate.MaxRetries = local.Orchestrate.MaxRetries
	}
	if local.Git.BaseBranch != "" {
		cfg.Git.BaseBranch = local.Git.BaseBranch
	}
	if local.Git.DirectMerge {
		cfg.Git.DirectMerge = true
	}
	if len(local.SandboxExclude) > 0 {
		cfg.SandboxExclude = local.SandboxExclude
	}
	if len(local.Env) > 0 {
		cfg.localEnv = local.Env
	}
}

// ApplySandboxMode forces the sprite variant with ephemeral sync-enabled
// defaults. It is a pure transformation and idempotent:
// ApplySandboxMode(ApplySandboxMode(cfg)) == ApplySandboxMode(cfg).
func ApplySandboxMode(cfg Config) Config {
	out := cfg
	out.Agent = AgentConfig{
		Kind:          AgentSprite,
		Model:         cfg.Agent.Model,
		SyncEnabled:   true,
		SyncOnSuccess: true,
		VMName:        "", // ephemeral
		MemoryMB:      defaultSandboxMemoryMB,
		CPUs:          defaultSandboxCPUs,
	}
	return out
}

const (
	defaultSandboxMemoryMB = 2048
	defaultSandboxCPUs     = 2
)
