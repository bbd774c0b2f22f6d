package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/wreckit/wreckit/internal/config"
	"github.com/wreckit/wreckit/internal/gitutil"
)

// processBackend runs an agent CLI as a subprocess: prompt on stdin, output
// streamed chunk-by-chunk to the sinks, completion detected by a signal
// string on stdout. Success requires BOTH a zero exit AND the completion
// signal; either alone is agent_nonresponse.
type processBackend struct{}

const termGracePeriod = 5 * time.Second

// cliDefaults supplies the invocation for agent kinds that are thin wrappers
// over a vendor CLI. An explicit Command in config always wins.
var cliDefaults = map[config.AgentKind]struct {
	command string
	args    []string
	signal  string
}{
	config.AgentProcess:     {"claude", []string{"--print", "--dangerously-skip-permissions"}, "WRECKIT_DONE"},
	config.AgentAmpSDK:      {"amp", []string{"--no-notifications"}, "WRECKIT_DONE"},
	config.AgentCodexSDK:    {"codex", []string{"exec", "--full-auto"}, "WRECKIT_DONE"},
	config.AgentOpenCodeSDK: {"opencode", []string{"run"}, "WRECKIT_DONE"},
	config.AgentRLM:         {"rlm", []string{"run", "--non-interactive"}, "WRECKIT_DONE"},
}

func resolveInvocation(cfg config.AgentConfig) (command string, args []string, signal string) {
	def := cliDefaults[cfg.Kind]
	command, args, signal = def.command, def.args, def.signal
	if cfg.Command != "" {
		command = cfg.Command
		args = nil
	}
	if len(cfg.Args) > 0 {
		args = cfg.Args
	}
	if cfg.CompletionSignal != "" {
		signal = cfg.CompletionSignal
	}
	return command, args, signal
}

func (processBackend) run(ctx context.Context, opts Options, env *turnEnv) (*Result, error) {
	command, args, signal := resolveInvocation(opts.Config)
	if command == "" {
		return &Result{Err: &Error{Kind: ErrUnknown, Message: "process agent has no command configured"}}, nil
	}
	if _, err := exec.LookPath(command); err != nil {
		return &Result{Err: &Error{Kind: ErrUnknown, Message: fmt.Sprintf("agent binary %q not found in PATH", command)}}, nil
	}

	var snap *gitutil.StatusSnapshot
	if opts.CWD != "" && gitutil.IsRepo(opts.CWD) {
		if s, err := gitutil.SnapshotStatus(opts.CWD); err == nil {
			snap = s
		}
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = opts.CWD
	cmd.Stdin = strings.NewReader(opts.Prompt)
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	// Graceful stop: SIGTERM on cancel, SIGKILL if the agent lingers.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = termGracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	env.emit(opts, Event{Type: EventStart, Text: command, Detail: map[string]any{
		"args": args, "item": opts.ItemID, "phase": opts.Phase,
	}})

	if err := cmd.Start(); err != nil {
		return &Result{Err: classifyError(err)}, nil
	}

	var (
		wg        sync.WaitGroup
		outBuf    strings.Builder
		errBuf    strings.Builder
		outMu     sync.Mutex
		sawSignal bool
	)
	consume := func(r io.Reader, stderrStream bool) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			_ = env.tracker.Progress(1)
			outMu.Lock()
			if stderrStream {
				errBuf.WriteString(line)
				errBuf.WriteByte('\n')
			} else {
				outBuf.WriteString(line)
				outBuf.WriteByte('\n')
				if signal != "" && strings.Contains(line, signal) {
					sawSignal = true
				}
			}
			outMu.Unlock()
			if stderrStream {
				env.emit(opts, Event{Type: EventStderr, Text: line})
				if opts.OnStderrChunk != nil {
					opts.OnStderrChunk(line + "\n")
				}
			} else {
				env.emit(opts, Event{Type: EventStdout, Text: line})
				if opts.OnStdoutChunk != nil {
					opts.OnStdoutChunk(line + "\n")
				}
			}
		}
	}
	wg.Add(2)
	go consume(stdout, false)
	go consume(stderr, true)
	wg.Wait()
	waitErr := cmd.Wait()

	exitCode := 0
	if waitErr != nil {
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}

	res := &Result{
		ExitCode:           &exitCode,
		CompletionDetected: sawSignal,
		Output:             outBuf.String(),
	}
	if snap != nil {
		if diff, derr := gitutil.DiffStatus(opts.CWD, snap); derr == nil {
			res.FilesModified = diff
		}
	}

	switch {
	case ctx.Err() != nil:
		env.emit(opts, Event{Type: EventEnd, Text: "cancelled"})
		return res, nil
	case exitCode == 0 && sawSignal:
		res.Success = true
		env.emit(opts, Event{Type: EventCompletion, Text: signal})
	case exitCode == 0 && !sawSignal:
		res.Err = &Error{Kind: ErrNonResponse, Message: "agent exited cleanly without emitting completion signal"}
	default:
		msg := strings.TrimSpace(errBuf.String())
		if msg == "" {
			msg = fmt.Sprintf("agent exited with code %d", exitCode)
		}
		res.Err = &Error{Kind: classifySignature(msg), Message: truncate(msg, 2048)}
	}
	env.emit(opts, Event{Type: EventEnd, Detail: map[string]any{"exit_code": exitCode, "completion": sawSignal}})
	return res, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "... (truncated)"
}
