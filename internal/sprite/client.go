// Package sprite wraps the external `sprite` VM CLI: ephemeral microVM
// lifecycle, exec-channel plumbing, bi-directional project sync, and the
// session records that let a run be resumed.
package sprite

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrorCode classifies sandbox failures.
type ErrorCode string

const (
	ErrCLIMissing   ErrorCode = "cli_missing"
	ErrTokenMissing ErrorCode = "token_missing"
	ErrStartFailed  ErrorCode = "start_failed"
	ErrSyncFailed   ErrorCode = "sync_failed"
	ErrExecFailed   ErrorCode = "exec_failed"
)

// Error is a classified sandbox failure.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("sandbox %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

const (
	cliBinary        = "sprite"
	defaultOpTimeout = 300 * time.Second

	// ProjectRoot is where the project lives inside every VM.
	ProjectRoot = "/home/user/project"

	// VMPrefix names VMs this tool owns; the doctor reaps strays by prefix.
	VMPrefix = "wreckit-sandbox-"
)

// ExecResult is the outcome of one exec in the VM.
type ExecResult struct {
	Out  []byte
	Exit int
}

// runFunc executes one CLI invocation. Swappable in tests.
type runFunc func(ctx context.Context, stdin []byte, args ...string) (*ExecResult, error)

// Client drives the sprite CLI. Construct with NewClient, which fails fast
// when the binary or token is missing so a sandbox run never gets halfway.
type Client struct {
	token     string
	opTimeout time.Duration
	run       runFunc
}

func NewClient(token string) (*Client, error) {
	if _, err := exec.LookPath(cliBinary); err != nil {
		return nil, &Error{Code: ErrCLIMissing, Message: cliBinary + " binary not found in PATH", Err: err}
	}
	if strings.TrimSpace(token) == "" {
		return nil, &Error{Code: ErrTokenMissing, Message: "SPRITES_TOKEN is not set"}
	}
	c := &Client{token: token, opTimeout: defaultOpTimeout}
	c.run = c.runCLI
	return c, nil
}

func (c *Client) runCLI(ctx context.Context, stdin []byte, args ...string) (*ExecResult, error) {
	cctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, cliBinary, args...)
	cmd.Env = append(cmd.Environ(), "SPRITES_TOKEN="+c.token)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := &ExecResult{Out: stdout.Bytes()}
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			res.Exit = ee.ExitCode()
			return res, nil
		}
		return nil, &Error{Code: ErrExecFailed, Message: strings.TrimSpace(stderr.String()), Err: err}
	}
	return res, nil
}

// StartVM creates a VM. Start failures are network-class for the agent layer.
func (c *Client) StartVM(ctx context.Context, name string, memoryMB, cpus int) error {
	args := []string{"start", name}
	if memoryMB > 0 {
		args = append(args, "--memory", strconv.Itoa(memoryMB))
	}
	if cpus > 0 {
		args = append(args, "--cpus", strconv.Itoa(cpus))
	}
	res, err := c.run(ctx, nil, args...)
	if err != nil {
		return &Error{Code: ErrStartFailed, Message: "start " + name, Err: err}
	}
	if res.Exit != 0 {
		return &Error{Code: ErrStartFailed, Message: fmt.Sprintf("start %s exited %d: %s", name, res.Exit, strings.TrimSpace(string(res.Out)))}
	}
	return nil
}

// ExecInVM runs argv inside the VM with optional stdin bytes.
func (c *Client) ExecInVM(ctx context.Context, name string, argv []string, stdin []byte) (*ExecResult, error) {
	args := append([]string{"exec", "-s", name, "--"}, argv...)
	return c.run(ctx, stdin, args...)
}

// ListVMs returns the names of running VMs.
func (c *Client) ListVMs(ctx context.Context) ([]string, error) {
	res, err := c.run(ctx, nil, "list", "--quiet")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(res.Out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// KillVM destroys a VM. Missing VMs are not an error; teardown must be safe
// to repeat.
func (c *Client) KillVM(ctx context.Context, name string) error {
	res, err := c.run(ctx, nil, "kill", name)
	if err != nil {
		return err
	}
	if res.Exit != 0 && !strings.Contains(strings.ToLower(string(res.Out)), "not found") {
		return &Error{Code: ErrExecFailed, Message: fmt.Sprintf("kill %s exited %d", name, res.Exit)}
	}
	return nil
}

// VMExists reports whether name is in the running set.
func (c *Client) VMExists(ctx context.Context, name string) (bool, error) {
	names, err := c.ListVMs(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// EphemeralVMName derives the throwaway VM name for one item run.
func EphemeralVMName(itemID string, now time.Time) string {
	return fmt.Sprintf("%s%s-%d", VMPrefix, itemID, now.UnixMilli())
}
