package gitutil

import (
	"bytes"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// CommandError carries both streams of a failed git invocation.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func runGit(dir string, args ...string) (string, string, error) {
	// Disable git's background auto-maintenance so frequent per-phase commits
	// stay deterministic and don't spawn long-running helper processes.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func CurrentBranch(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func WorkingTreeClean(dir string) (bool, error) {
	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

func branchExists(dir, name string) bool {
	_, _, err := runGit(dir, "rev-parse", "--verify", "refs/heads/"+name)
	return err == nil
}

// EnsureBranch switches to name, creating it from base when it doesn't exist.
// Idempotent: repeated calls land on the same branch.
func EnsureBranch(dir, name, base string) error {
	if branchExists(dir, name) {
		_, _, err := runGit(dir, "switch", name)
		return err
	}
	_, _, err := runGit(dir, "switch", "-c", name, base)
	return err
}

// CreateBranchFrom fails when name already exists.
func CreateBranchFrom(dir, name, base string) error {
	if branchExists(dir, name) {
		return fmt.Errorf("branch %s already exists", name)
	}
	_, _, err := runGit(dir, "switch", "-c", name, base)
	return err
}

func SwitchBranch(dir, name string) error {
	_, _, err := runGit(dir, "switch", name)
	return err
}

// StatusSnapshot is the set of dirty/changed paths at a point in time, used
// to validate that a phase touched only its allowed write roots.
type StatusSnapshot struct {
	Paths map[string]bool
}

// SnapshotStatus captures all modified/created/deleted paths (porcelain) plus
// untracked files. -uall lists untracked files individually instead of
// collapsing new directories, which write-root enforcement depends on.
func SnapshotStatus(dir string) (*StatusSnapshot, error) {
	out, _, err := runGit(dir, "status", "--porcelain", "-uall")
	if err != nil {
		return nil, err
	}
	snap := &StatusSnapshot{Paths: map[string]bool{}}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		p := strings.TrimSpace(line[3:])
		// Renames report "old -> new"; both sides count as touched.
		if i := strings.Index(p, " -> "); i >= 0 {
			snap.Paths[p[:i]] = true
			p = p[i+4:]
		}
		if p != "" {
			snap.Paths[unquotePath(p)] = true
		}
	}
	return snap, nil
}

// DiffStatus returns the paths that are dirty now but were not in before,
// sorted ascending.
func DiffStatus(dir string, before *StatusSnapshot) ([]string, error) {
	now, err := SnapshotStatus(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for p := range now.Paths {
		if before == nil || !before.Paths[p] {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// CommitAll stages and commits everything. No-op (empty sha, nil error) when
// the tree is clean.
func CommitAll(dir, message string) (string, error) {
	clean, err := WorkingTreeClean(dir)
	if err != nil {
		return "", err
	}
	if clean {
		return "", nil
	}
	if _, _, err := runGit(dir, "add", "-A"); err != nil {
		return "", err
	}
	_, _, err = runGit(dir, "commit", "-m", message)
	if err != nil {
		// Retry once with an explicit fallback identity when none is configured,
		// without mutating repo config.
		if strings.Contains(err.Error(), "Author identity unknown") ||
			strings.Contains(err.Error(), "Please tell me who you are") ||
			strings.Contains(err.Error(), "unable to auto-detect email address") {
			_, _, err = runGit(dir,
				"-c", "user.name=wreckit",
				"-c", "user.email=wreckit@local",
				"commit", "-m", message,
			)
		}
		if err != nil {
			return "", err
		}
	}
	return HeadSHA(dir)
}

// DirectMerge merges itemBranch into baseBranch with a merge commit. The
// returned rollbackSHA is the pre-merge HEAD of baseBranch; rollback itself is
// a manual operation assisted by the recorded sha.
func DirectMerge(dir, baseBranch, itemBranch string) (mergeSHA string, rollbackSHA string, err error) {
	if err := SwitchBranch(dir, baseBranch); err != nil {
		return "", "", err
	}
	rollbackSHA, err = HeadSHA(dir)
	if err != nil {
		return "", "", err
	}
	if _, _, err := runGit(dir, "merge", "--no-ff", "-m", fmt.Sprintf("merge %s", itemBranch), itemBranch); err != nil {
		_, _, _ = runGit(dir, "merge", "--abort")
		return "", "", err
	}
	mergeSHA, err = HeadSHA(dir)
	if err != nil {
		return "", "", err
	}
	return mergeSHA, rollbackSHA, nil
}

// DiffAgainst returns the unified diff of the working tree and HEAD against
// the given ref. Used by the secret scan.
func DiffAgainst(dir, ref string) (string, error) {
	out, _, err := runGit(dir, "diff", ref)
	if err != nil {
		return "", err
	}
	return out, nil
}

func DeleteBranch(dir, name string) error {
	_, _, err := runGit(dir, "branch", "-D", name)
	return err
}

// unquotePath undoes git's C-style quoting of paths with special characters.
func unquotePath(p string) string {
	if len(p) >= 2 && p[0] == '"' && p[len(p)-1] == '"' {
		return strings.NewReplacer(`\"`, `"`, `\\`, `\`).Replace(p[1 : len(p)-1])
	}
	return p
}
