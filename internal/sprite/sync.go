package sprite

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Paths never shipped to a VM. Config-level sandbox_exclude globs extend this
// set; they never shrink it.
var baseExcludes = []string{
	".git/**",
	".wreckit/backups/**",
	".wreckit/sessions/**",
	"node_modules/**",
	"**/*.o",
	"**/*.so",
	"**/*.dylib",
	"**/.DS_Store",
}

// projectFiles walks root and returns the slash-relative files that survive
// the exclude globs, sorted for deterministic archives.
func projectFiles(root string, excludes []string) ([]string, error) {
	patterns := append(append([]string{}, baseExcludes...), excludes...)
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		for _, p := range patterns {
			ok, merr := doublestar.Match(p, rel)
			if merr != nil {
				return fmt.Errorf("bad exclude pattern %q: %w", p, merr)
			}
			if ok {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			// Prune whole directories when the pattern names their subtree.
			if d.IsDir() && strings.HasSuffix(p, "/**") && rel == strings.TrimSuffix(p, "/**") {
				return filepath.SkipDir
			}
		}
		if !d.IsDir() {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Push streams the local project into the VM's project root. The archive is
// base64-framed over the exec channel; binary bytes never hit shell quoting.
func (c *Client) Push(ctx context.Context, vmName, localRoot string, excludes []string) error {
	files, err := projectFiles(localRoot, excludes)
	if err != nil {
		return &Error{Code: ErrSyncFailed, Message: "enumerate project files", Err: err}
	}
	archive, err := tarFiles(ctx, localRoot, files)
	if err != nil {
		return &Error{Code: ErrSyncFailed, Message: "archive project", Err: err}
	}
	encoded := base64.StdEncoding.EncodeToString(archive)
	script := fmt.Sprintf("mkdir -p %s && base64 -d | tar -xzf - -C %s", ProjectRoot, ProjectRoot)
	res, err := c.ExecInVM(ctx, vmName, []string{"sh", "-c", script}, []byte(encoded))
	if err != nil {
		return &Error{Code: ErrSyncFailed, Message: "push to " + vmName, Err: err}
	}
	if res.Exit != 0 {
		return &Error{Code: ErrSyncFailed, Message: fmt.Sprintf("push to %s exited %d: %s", vmName, res.Exit, strings.TrimSpace(string(res.Out)))}
	}
	return nil
}

// Pull extracts the VM's project root over the local tree.
func (c *Client) Pull(ctx context.Context, vmName, localRoot string, excludes []string) error {
	script := fmt.Sprintf("cd %s && tar -czf - . | base64", ProjectRoot)
	res, err := c.ExecInVM(ctx, vmName, []string{"sh", "-c", script}, nil)
	if err != nil {
		return &Error{Code: ErrSyncFailed, Message: "pull from " + vmName, Err: err}
	}
	if res.Exit != 0 {
		return &Error{Code: ErrSyncFailed, Message: fmt.Sprintf("pull from %s exited %d", vmName, res.Exit)}
	}
	archive, err := base64.StdEncoding.DecodeString(strings.Map(dropSpace, string(res.Out)))
	if err != nil {
		return &Error{Code: ErrSyncFailed, Message: "decode pulled archive", Err: err}
	}
	if err := untar(ctx, localRoot, archive, excludes); err != nil {
		return &Error{Code: ErrSyncFailed, Message: "extract pulled archive", Err: err}
	}
	return nil
}

func tarFiles(ctx context.Context, root string, files []string) ([]byte, error) {
	if len(files) == 0 {
		// An empty archive is still a valid push target.
		files = nil
	}
	args := []string{"-czf", "-", "-C", root, "--files-from", "-"}
	cmd := exec.CommandContext(ctx, "tar", args...)
	cmd.Stdin = strings.NewReader(strings.Join(files, "\n"))
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("tar: %v: %s", err, strings.TrimSpace(errb.String()))
	}
	return out.Bytes(), nil
}

func untar(ctx context.Context, root string, archive []byte, excludes []string) error {
	args := []string{"-xzf", "-", "-C", root}
	for _, p := range append(append([]string{}, baseExcludes...), excludes...) {
		args = append(args, "--exclude", p)
	}
	cmd := exec.CommandContext(ctx, "tar", args...)
	cmd.Stdin = bytes.NewReader(archive)
	var errb bytes.Buffer
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tar -x: %v: %s", err, strings.TrimSpace(errb.String()))
	}
	return nil
}

func dropSpace(r rune) rune {
	switch r {
	case '\n', '\r', ' ', '\t':
		return -1
	}
	return r
}
