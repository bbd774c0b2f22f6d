// Package agent is the uniform runtime over heterogeneous agent backends:
// local subprocess, in-process SDK, and remote sandboxed VM. One entry point,
// Run, dispatches on the tagged agent config; every variant honors the same
// cancellation, streaming, allowlist, and limit semantics.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wreckit/wreckit/internal/config"
	"github.com/wreckit/wreckit/internal/limits"
)

// ErrorKind categorizes agent failures for routing and healing decisions.
type ErrorKind string

const (
	ErrAuth          ErrorKind = "auth"
	ErrRateLimit     ErrorKind = "rate_limit"
	ErrContextLimit  ErrorKind = "context_limit"
	ErrNetwork       ErrorKind = "network"
	ErrLimitExceeded ErrorKind = "limit_exceeded"
	ErrToolDenied    ErrorKind = "tool_denied"
	ErrNonResponse   ErrorKind = "agent_nonresponse"
	ErrCancelled     ErrorKind = "cancelled"
	ErrUnknown       ErrorKind = "unknown"
)

// Error is the structured failure attached to a Result.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Options is the input to one agent turn.
type Options struct {
	Config config.AgentConfig

	// CWD is the working directory (repository root or worktree).
	CWD string

	// Prompt is the fully-rendered phase prompt.
	Prompt string

	// AllowedTools is the effective tool allowlist. Nil means "derive from
	// Phase"; an explicit empty slice denies every tool.
	AllowedTools []string

	// Phase derives the allowlist when AllowedTools is nil.
	Phase string

	// SkillTools augments the phase allowlist; the effective set is the
	// intersection with the phase allowlist, never a superset.
	SkillTools []string

	// MCPServers lists additional tool providers passed through to variants
	// that support them.
	MCPServers []MCPServer

	Timeout time.Duration
	Limits  limits.Caps

	DryRun    bool
	MockAgent bool

	// Streaming sinks. Sinks are pure functions of their inputs; they must
	// not call back into the runtime.
	OnStdoutChunk func(string)
	OnStderrChunk func(string)
	OnAgentEvent  func(Event)

	// Env is the filtered environment for subprocess variants.
	Env []string

	// APIKey is the resolved credential for in-process SDK variants.
	APIKey string

	// SpritesToken is the resolved sandbox credential.
	SpritesToken string

	// SandboxExclude extends the default sync exclude globs.
	SandboxExclude []string

	// LogDir receives events.ndjson / events.bin when non-empty.
	LogDir string

	// ItemID names the item this turn serves (VM naming, log context).
	ItemID string
}

// MCPServer describes one additional tool provider.
type MCPServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// Result is the uniform outcome of one agent turn.
type Result struct {
	Success            bool
	CompletionDetected bool
	ExitCode           *int
	TimedOut           bool
	Iterations         int
	Duration           time.Duration
	FilesModified      []string
	Output             string
	SessionID          string
	Err                *Error
}

// backend is the per-variant function shape. Variants are isolated modules;
// dispatch is a single switch on the config tag.
type backend interface {
	run(ctx context.Context, opts Options, env *turnEnv) (*Result, error)
}

// turnEnv bundles per-turn plumbing shared by every variant.
type turnEnv struct {
	turnID  string
	tracker *limits.Tracker
	events  *eventRecorder
	allowed []string // nil = unrestricted
}

func (te *turnEnv) emit(opts Options, ev Event) {
	ev.Time = time.Now().UTC()
	if te.events != nil {
		te.events.record(ev)
	}
	if opts.OnAgentEvent != nil {
		opts.OnAgentEvent(ev)
	}
}

// Run executes one agent turn. The cancellation handle is registered with the
// process-global registry before any side effect and released on every exit
// path, including panic.
func Run(ctx context.Context, opts Options) (res *Result, err error) {
	start := time.Now()
	turnID := ulid.Make().String()

	allowed := EffectiveAllowlist(opts.AllowedTools, opts.Phase, opts.SkillTools)

	if opts.DryRun || opts.MockAgent {
		return shortCircuit(opts, allowed, start), nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	release := Registry.Register(turnID, func() { cancel(fmt.Errorf("cancelled by interrupt")) })
	defer release()
	defer cancel(nil)

	if opts.Timeout > 0 {
		tctx, tcancel := context.WithTimeout(runCtx, opts.Timeout)
		defer tcancel()
		runCtx = tctx
	}

	env := &turnEnv{
		turnID:  turnID,
		tracker: limits.NewTracker(opts.Limits),
		allowed: allowed,
	}
	if opts.LogDir != "" {
		rec, recErr := newEventRecorder(opts.LogDir)
		if recErr == nil {
			env.events = rec
			defer rec.close()
		}
	}

	var b backend
	switch opts.Config.Kind {
	case config.AgentProcess, config.AgentAmpSDK, config.AgentCodexSDK, config.AgentOpenCodeSDK, config.AgentRLM:
		b = &processBackend{}
	case config.AgentClaudeSDK:
		b = &claudeBackend{}
	case config.AgentSprite:
		b = &spriteBackend{}
	case config.AgentMock:
		return shortCircuit(opts, allowed, start), nil
	default:
		return nil, fmt.Errorf("unknown agent kind %q", opts.Config.Kind)
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				// A variant panic must not crash the workflow engine.
				res = &Result{
					Success: false,
					Err:     &Error{Kind: ErrUnknown, Message: fmt.Sprintf("agent panic: %v", r)},
				}
				err = nil
			}
		}()
		res, err = b.run(runCtx, opts, env)
	}()
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Result{Success: false, Err: &Error{Kind: ErrUnknown, Message: "variant returned no result"}}
	}

	res.Duration = time.Since(start)
	iters, _, _, _ := env.tracker.Snapshot()
	if res.Iterations == 0 {
		res.Iterations = iters
	}
	if res.SessionID == "" {
		res.SessionID = turnID
	}

	// Map cancellation and timeout onto the error taxonomy uniformly.
	if cause := context.Cause(runCtx); cause != nil && res.Err == nil && !res.Success {
		switch {
		case runCtx.Err() == context.DeadlineExceeded:
			res.TimedOut = true
			res.Err = &Error{Kind: ErrNonResponse, Message: "agent turn timed out"}
		case runCtx.Err() == context.Canceled:
			res.Err = &Error{Kind: ErrCancelled, Message: strings.TrimSpace(cause.Error())}
		}
	}
	return res, nil
}

// shortCircuit implements the dry-run and mock modes: immediate success, no
// side effects, no sandbox, no git.
func shortCircuit(opts Options, allowed []string, start time.Time) *Result {
	label := "[mock-agent]"
	if opts.DryRun {
		label = "[dry-run]"
	}
	out := fmt.Sprintf("%s phase=%s item=%s tools=%s", label, opts.Phase, opts.ItemID, describeAllowlist(allowed))
	if opts.OnStdoutChunk != nil {
		opts.OnStdoutChunk(out + "\n")
	}
	zero := 0
	return &Result{
		Success:            true,
		CompletionDetected: true,
		ExitCode:           &zero,
		Output:             out,
		Duration:           time.Since(start),
	}
}

func describeAllowlist(allowed []string) string {
	if allowed == nil {
		return "(unrestricted)"
	}
	if len(allowed) == 0 {
		return "(none)"
	}
	return strings.Join(allowed, ",")
}
