package gitutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// PRRef identifies an opened pull request.
type PRRef struct {
	URL    string
	Number int
}

// PRDriver abstracts the remote forge. The gh CLI implementation is the
// default; tests use the in-memory fake.
type PRDriver interface {
	OpenPR(dir, head, base, title, body string) (PRRef, error)
	MergePR(dir string, number int, mode string) (sha string, err error)
	CleanupBranch(dir, name string, deleteRemote bool) error
}

// GHDriver shells out to the gh CLI.
type GHDriver struct{}

func (GHDriver) OpenPR(dir, head, base, title, body string) (PRRef, error) {
	out, err := runGH(dir, "pr", "create",
		"--head", head,
		"--base", base,
		"--title", title,
		"--body", body,
	)
	if err != nil {
		return PRRef{}, err
	}
	url := strings.TrimSpace(lastLine(out))
	num := prNumberFromURL(url)
	if num == 0 {
		// Fall back to asking gh for the number.
		if viewOut, verr := runGH(dir, "pr", "view", head, "--json", "number"); verr == nil {
			var v struct {
				Number int `json:"number"`
			}
			if json.Unmarshal([]byte(viewOut), &v) == nil {
				num = v.Number
			}
		}
	}
	if url == "" || num == 0 {
		return PRRef{}, fmt.Errorf("gh pr create returned no usable reference: %q", out)
	}
	return PRRef{URL: url, Number: num}, nil
}

func (GHDriver) MergePR(dir string, number int, mode string) (string, error) {
	args := []string{"pr", "merge", strconv.Itoa(number)}
	switch mode {
	case "", "merge":
		args = append(args, "--merge")
	case "squash":
		args = append(args, "--squash")
	case "rebase":
		args = append(args, "--rebase")
	default:
		return "", fmt.Errorf("unknown merge mode %q", mode)
	}
	if _, err := runGH(dir, args...); err != nil {
		return "", err
	}
	out, err := runGH(dir, "pr", "view", strconv.Itoa(number), "--json", "mergeCommit")
	if err != nil {
		return "", err
	}
	var v struct {
		MergeCommit struct {
			OID string `json:"oid"`
		} `json:"mergeCommit"`
	}
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return "", fmt.Errorf("parse gh pr view output: %w", err)
	}
	return v.MergeCommit.OID, nil
}

func (GHDriver) CleanupBranch(dir, name string, deleteRemote bool) error {
	if err := DeleteBranch(dir, name); err != nil {
		return err
	}
	if deleteRemote {
		_, _, err := runGit(dir, "push", "origin", "--delete", name)
		return err
	}
	return nil
}

func runGH(dir string, args ...string) (string, error) {
	cmd := exec.Command("gh", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("gh %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func prNumberFromURL(url string) int {
	i := strings.LastIndexByte(url, '/')
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(url[i+1:])
	if err != nil {
		return 0
	}
	return n
}

// FakePRDriver is the in-memory test double.
type FakePRDriver struct {
	mu      sync.Mutex
	nextNum int
	Opened  []PRRef
	Merged  []int

	FailOpen  error
	FailMerge error
}

func (f *FakePRDriver) OpenPR(dir, head, base, title, body string) (PRRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailOpen != nil {
		return PRRef{}, f.FailOpen
	}
	f.nextNum++
	ref := PRRef{URL: fmt.Sprintf("https://example.test/pr/%d", f.nextNum), Number: f.nextNum}
	f.Opened = append(f.Opened, ref)
	return ref, nil
}

func (f *FakePRDriver) MergePR(dir string, number int, mode string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailMerge != nil {
		return "", f.FailMerge
	}
	f.Merged = append(f.Merged, number)
	return fmt.Sprintf("fakesha%08d", number), nil
}

func (f *FakePRDriver) CleanupBranch(dir, name string, deleteRemote bool) error { return nil }
