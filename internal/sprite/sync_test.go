package sprite

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for p, content := range files {
		full := filepath.Join(root, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestProjectFilesAppliesExcludes(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"main.go":                 "package main",
		".git/HEAD":               "ref",
		"node_modules/x/index.js": "x",
		"build/out.o":             "bin",
		"docs/readme.md":          "hi",
	})
	files, err := projectFiles(root, []string{"build/**"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"docs/readme.md", "main.go"}
	if !reflect.DeepEqual(files, want) {
		t.Fatalf("files: %v want %v", files, want)
	}
}

func TestPushEncodesArchiveOverExecChannel(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "hello"})
	f := &fakeCLI{}
	c := fakeClient(f)
	if err := c.Push(context.Background(), "vm", root, nil); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 1 {
		t.Fatalf("calls: %v", f.calls)
	}
	script := f.calls[0][len(f.calls[0])-1]
	if !strings.Contains(script, "base64 -d | tar -xzf - -C /home/user/project") {
		t.Fatalf("script: %q", script)
	}
	// The stdin payload must be valid base64 of a gzip stream.
	raw, err := base64.StdEncoding.DecodeString(string(f.stdins[0]))
	if err != nil {
		t.Fatalf("stdin not base64: %v", err)
	}
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		t.Fatal("payload is not gzip")
	}
}

func TestPushPullRoundTrip(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeTree(t, src, map[string]string{
		"main.go":     "package main\n",
		"sub/util.go": "package sub\n",
	})
	files, err := projectFiles(src, nil)
	if err != nil {
		t.Fatal(err)
	}
	archive, err := tarFiles(context.Background(), src, files)
	if err != nil {
		t.Fatal(err)
	}
	// Fake VM that answers pull with the pushed archive.
	f := &fakeCLI{results: map[string]*ExecResult{
		"exec": {Out: []byte(base64.StdEncoding.EncodeToString(archive))},
	}}
	c := fakeClient(f)
	if err := c.Pull(context.Background(), "vm", dst, nil); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dst, "sub/util.go"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "package sub\n" {
		t.Fatalf("pulled content: %q", b)
	}
}
