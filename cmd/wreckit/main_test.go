package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/wreckit/wreckit/internal/sprite"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootWiresAllCommands(t *testing.T) {
	root := newRootCmd()
	want := []string{
		"idea", "research", "plan", "implement", "critique", "pr",
		"run", "orchestrate", "roadmap", "status", "show", "doctor", "sprite",
	}
	have := map[string]bool{}
	for _, c := range root.Commands() {
		have[strings.Fields(c.Use)[0]] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing command %q", name)
		}
	}
}

func TestStatusOnEmptyTree(t *testing.T) {
	dir := t.TempDir()
	if _, err := execute(t, "--cwd", dir, "status"); err != nil {
		t.Fatalf("status: %v", err)
	}
}

func TestIdeaThenShow(t *testing.T) {
	dir := t.TempDir()
	if _, err := execute(t, "--cwd", dir, "idea", "Add rate limiting", "--overview", "token bucket"); err != nil {
		t.Fatalf("idea: %v", err)
	}
	if _, err := execute(t, "--cwd", dir, "show", "001-add-rate-limiting"); err != nil {
		t.Fatalf("show: %v", err)
	}
}

func TestWriteExecResultEmitsRawBytes(t *testing.T) {
	var out bytes.Buffer
	err := writeExecResult(&out, &sprite.ExecResult{Out: []byte("hello\n"), Exit: 0})
	if err != nil {
		t.Fatalf("exec result: %v", err)
	}
	if out.String() != "hello\n" {
		t.Fatalf("output %q, want raw command bytes", out.String())
	}

	out.Reset()
	err = writeExecResult(&out, &sprite.ExecResult{Out: []byte("boom"), Exit: 3})
	if err == nil || !strings.Contains(err.Error(), "exited 3") {
		t.Fatalf("nonzero exit must error, got %v", err)
	}
	if out.String() != "boom" {
		t.Fatalf("output %q must still be emitted on failure", out.String())
	}
}

func TestUnknownAgentKindRejected(t *testing.T) {
	dir := t.TempDir()
	if _, err := execute(t, "--cwd", dir, "--agent", "hal9000", "status"); err == nil {
		t.Fatal("expected an error for an unknown agent kind")
	}
}
