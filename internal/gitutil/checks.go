package gitutil

import (
	"context"
	"encoding/hex"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// CheckPolicy is the gate applied before opening or merging a PR.
type CheckPolicy struct {
	Commands              []string
	CommandTimeout        time.Duration
	SecretScan            bool
	RequireAllStoriesDone bool
}

const defaultCheckTimeout = 10 * time.Minute

// CheckResult reports one executed pr_checks command.
type CheckResult struct {
	Command  string
	Passed   bool
	Output   string
	TimedOut bool
}

// RunChecks executes each configured command in dir with a bounded timeout.
// The first failure aborts the sequence.
func RunChecks(ctx context.Context, dir string, policy CheckPolicy) ([]CheckResult, error) {
	timeout := policy.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	var results []CheckResult
	for _, command := range policy.Commands {
		command = strings.TrimSpace(command)
		if command == "" {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		cmd := exec.CommandContext(cctx, "sh", "-c", command)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		cancel()
		res := CheckResult{
			Command:  command,
			Passed:   err == nil,
			Output:   truncateOutput(string(out), 4096),
			TimedOut: cctx.Err() == context.DeadlineExceeded,
		}
		results = append(results, res)
		if err != nil {
			return results, fmt.Errorf("pr check failed: %s: %v", command, err)
		}
	}
	return results, nil
}

// SecretHit is one secret-scan finding. Only a blake3 fingerprint of the
// matched text is retained; the raw secret is never logged or persisted.
type SecretHit struct {
	Rule        string
	Fingerprint string
}

var secretPatterns = []struct {
	rule string
	re   *regexp.Regexp
}{
	{"aws_access_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"github_token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{"anthropic_key", regexp.MustCompile(`sk-ant-[A-Za-z0-9\-_]{20,}`)},
	{"openai_key", regexp.MustCompile(`sk-[A-Za-z0-9]{32,}`)},
	{"private_key_block", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"generic_assignment", regexp.MustCompile(`(?i)(api[_-]?key|secret|password|token)\s*[:=]\s*['"][^'"]{16,}['"]`)},
}

// ScanDiffForSecrets runs the static regex sweep over the diff against ref.
// Added lines only; context and removals are not the PR's responsibility.
func ScanDiffForSecrets(dir, ref string) ([]SecretHit, error) {
	diff, err := DiffAgainst(dir, ref)
	if err != nil {
		return nil, err
	}
	var hits []SecretHit
	seen := map[string]bool{}
	for _, line := range strings.Split(diff, "\n") {
		if !strings.HasPrefix(line, "+") || strings.HasPrefix(line, "+++") {
			continue
		}
		for _, p := range secretPatterns {
			for _, m := range p.re.FindAllString(line, -1) {
				sum := blake3.Sum256([]byte(m))
				fp := hex.EncodeToString(sum[:8])
				key := p.rule + ":" + fp
				if seen[key] {
					continue
				}
				seen[key] = true
				hits = append(hits, SecretHit{Rule: p.rule, Fingerprint: fp})
			}
		}
	}
	return hits, nil
}

func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
