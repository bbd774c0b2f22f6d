package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// localTool is one tool the in-process SDK variant can execute on behalf of
// the model. Every path argument resolves inside root; escapes are rejected
// before any filesystem touch.
type localTool struct {
	name        string
	description string
	schema      map[string]any
	invoke      func(ctx context.Context, root string, input json.RawMessage) (string, error)
}

const (
	toolReadLimit  = 256 * 1024
	toolGrepLimit  = 200
	bashTimeout    = 5 * time.Minute
	bashOutputCap  = 64 * 1024
	globMatchLimit = 500
)

func resolveInRoot(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	p := rel
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if p != absRoot && !strings.HasPrefix(p, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes working directory", rel)
	}
	return p, nil
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var builtinTools = []localTool{
	{
		name:        "Read",
		description: "Read a file relative to the working directory.",
		schema: objectSchema(map[string]any{
			"path": map[string]any{"type": "string"},
		}, "path"),
		invoke: func(_ context.Context, root string, input json.RawMessage) (string, error) {
			var args struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			p, err := resolveInRoot(root, args.Path)
			if err != nil {
				return "", err
			}
			b, err := os.ReadFile(p)
			if err != nil {
				return "", err
			}
			if len(b) > toolReadLimit {
				b = b[:toolReadLimit]
			}
			return string(b), nil
		},
	},
	{
		name:        "Write",
		description: "Write a file relative to the working directory, creating parent directories.",
		schema: objectSchema(map[string]any{
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		}, "path", "content"),
		invoke: func(_ context.Context, root string, input json.RawMessage) (string, error) {
			var args struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			p, err := resolveInRoot(root, args.Path)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(p, []byte(args.Content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
		},
	},
	{
		name:        "Edit",
		description: "Replace an exact string in a file. The old string must appear exactly once.",
		schema: objectSchema(map[string]any{
			"path":       map[string]any{"type": "string"},
			"old_string": map[string]any{"type": "string"},
			"new_string": map[string]any{"type": "string"},
		}, "path", "old_string", "new_string"),
		invoke: func(_ context.Context, root string, input json.RawMessage) (string, error) {
			var args struct {
				Path string `json:"path"`
				Old  string `json:"old_string"`
				New  string `json:"new_string"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			p, err := resolveInRoot(root, args.Path)
			if err != nil {
				return "", err
			}
			b, err := os.ReadFile(p)
			if err != nil {
				return "", err
			}
			s := string(b)
			switch strings.Count(s, args.Old) {
			case 0:
				return "", fmt.Errorf("old_string not found in %s", args.Path)
			case 1:
			default:
				return "", fmt.Errorf("old_string is not unique in %s", args.Path)
			}
			if err := os.WriteFile(p, []byte(strings.Replace(s, args.Old, args.New, 1)), 0o644); err != nil {
				return "", err
			}
			return "edit applied", nil
		},
	},
	{
		name:        "Glob",
		description: "List files matching a glob pattern (doublestar syntax, e.g. internal/**/*.go).",
		schema: objectSchema(map[string]any{
			"pattern": map[string]any{"type": "string"},
		}, "pattern"),
		invoke: func(_ context.Context, root string, input json.RawMessage) (string, error) {
			var args struct {
				Pattern string `json:"pattern"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			matches, err := doublestar.Glob(os.DirFS(root), args.Pattern)
			if err != nil {
				return "", err
			}
			sort.Strings(matches)
			if len(matches) > globMatchLimit {
				matches = matches[:globMatchLimit]
			}
			return strings.Join(matches, "\n"), nil
		},
	},
	{
		name:        "Grep",
		description: "Search file contents with a regular expression.",
		schema: objectSchema(map[string]any{
			"pattern": map[string]any{"type": "string"},
			"glob":    map[string]any{"type": "string"},
		}, "pattern"),
		invoke: func(_ context.Context, root string, input json.RawMessage) (string, error) {
			var args struct {
				Pattern string `json:"pattern"`
				Glob    string `json:"glob"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			re, err := regexp.Compile(args.Pattern)
			if err != nil {
				return "", fmt.Errorf("bad pattern: %w", err)
			}
			fileGlob := args.Glob
			if fileGlob == "" {
				fileGlob = "**"
			}
			var lines []string
			fsys := os.DirFS(root)
			matches, err := doublestar.Glob(fsys, fileGlob)
			if err != nil {
				return "", err
			}
			for _, m := range matches {
				if len(lines) >= toolGrepLimit {
					break
				}
				info, err := os.Stat(filepath.Join(root, m))
				if err != nil || info.IsDir() || info.Size() > toolReadLimit {
					continue
				}
				b, err := os.ReadFile(filepath.Join(root, m))
				if err != nil || !utf8Like(b) {
					continue
				}
				for i, line := range strings.Split(string(b), "\n") {
					if re.MatchString(line) {
						lines = append(lines, fmt.Sprintf("%s:%d:%s", m, i+1, line))
						if len(lines) >= toolGrepLimit {
							break
						}
					}
				}
			}
			return strings.Join(lines, "\n"), nil
		},
	},
	{
		name:        "Bash",
		description: "Run a shell command in the working directory.",
		schema: objectSchema(map[string]any{
			"command": map[string]any{"type": "string"},
		}, "command"),
		invoke: func(ctx context.Context, root string, input json.RawMessage) (string, error) {
			var args struct {
				Command string `json:"command"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			if strings.TrimSpace(args.Command) == "" {
				return "", fmt.Errorf("command is required")
			}
			cctx, cancel := context.WithTimeout(ctx, bashTimeout)
			defer cancel()
			cmd := exec.CommandContext(cctx, "sh", "-c", args.Command)
			cmd.Dir = root
			out, err := cmd.CombinedOutput()
			text := string(out)
			if len(text) > bashOutputCap {
				text = text[:bashOutputCap] + "\n... (truncated)"
			}
			if err != nil {
				return text, fmt.Errorf("command failed: %v", err)
			}
			return text, nil
		},
	},
}

func toolByName(name string) (localTool, bool) {
	for _, t := range builtinTools {
		if t.name == name {
			return t, true
		}
	}
	return localTool{}, false
}

// utf8Like rejects obviously binary content before line scanning.
func utf8Like(b []byte) bool {
	n := len(b)
	if n > 4096 {
		n = 4096
	}
	for _, c := range b[:n] {
		if c == 0 {
			return false
		}
	}
	return true
}
