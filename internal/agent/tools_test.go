package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func invokeTool(t *testing.T, root, name string, args map[string]any) (string, error) {
	t.Helper()
	tool, ok := toolByName(name)
	if !ok {
		t.Fatalf("no tool %s", name)
	}
	b, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	return tool.invoke(context.Background(), root, b)
}

func TestReadWriteEditTools(t *testing.T) {
	root := t.TempDir()
	if _, err := invokeTool(t, root, "Write", map[string]any{
		"path": "src/main.go", "content": "package main\n",
	}); err != nil {
		t.Fatal(err)
	}
	out, err := invokeTool(t, root, "Read", map[string]any{"path": "src/main.go"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "package main\n" {
		t.Fatalf("read: %q", out)
	}
	if _, err := invokeTool(t, root, "Edit", map[string]any{
		"path": "src/main.go", "old_string": "main", "new_string": "app",
	}); err == nil {
		t.Fatal("ambiguous old_string must be rejected")
	}
	if _, err := invokeTool(t, root, "Edit", map[string]any{
		"path": "src/main.go", "old_string": "package main", "new_string": "package app",
	}); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(filepath.Join(root, "src/main.go"))
	if string(b) != "package app\n" {
		t.Fatalf("after edit: %q", b)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{"../outside.txt", "/etc/passwd", "a/../../b"} {
		if _, err := invokeTool(t, root, "Read", map[string]any{"path": p}); err == nil {
			t.Errorf("path %q must be rejected", p)
		}
	}
}

func TestGlobAndGrepTools(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"a.go":          "package a // needle",
		"sub/b.go":      "package b",
		"sub/deep/c.md": "needle in markdown",
	}
	for p, content := range files {
		if err := os.MkdirAll(filepath.Join(root, filepath.Dir(p)), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(root, p), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	out, err := invokeTool(t, root, "Glob", map[string]any{"pattern": "**/*.go"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "a.go\nsub/b.go" {
		t.Fatalf("glob: %q", out)
	}
	out, err = invokeTool(t, root, "Grep", map[string]any{"pattern": "needle"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "a.go:1:") || !strings.Contains(out, "c.md:1:") {
		t.Fatalf("grep: %q", out)
	}
}

func TestBashToolRunsInRoot(t *testing.T) {
	root := t.TempDir()
	out, err := invokeTool(t, root, "Bash", map[string]any{"command": "pwd"})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(out))
	want, _ := filepath.EvalSymlinks(root)
	if got != want {
		t.Fatalf("pwd %q want %q", got, want)
	}
	if _, err := invokeTool(t, root, "Bash", map[string]any{"command": "exit 4"}); err == nil {
		t.Fatal("failing command must error")
	}
}

func TestRemotePathEscape(t *testing.T) {
	if _, err := remotePath("../../etc/passwd"); err == nil {
		t.Fatal("escape must be rejected")
	}
	p, err := remotePath("src/app.go")
	if err != nil {
		t.Fatal(err)
	}
	if p != "/home/user/project/src/app.go" {
		t.Fatalf("remote path: %q", p)
	}
}

func TestShQuote(t *testing.T) {
	if shQuote(`it's`) != `'it'\''s'` {
		t.Fatalf("quote: %q", shQuote(`it's`))
	}
}
