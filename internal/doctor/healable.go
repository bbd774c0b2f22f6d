package doctor

import "strings"

// HealKind classifies a failure the orchestrator may recover from by running
// a targeted repair before retrying the item.
type HealKind string

const (
	HealNone        HealKind = ""
	HealGitLock     HealKind = "git_index_lock"
	HealCorruptJSON HealKind = "corrupt_artifact"
	HealMissingDeps HealKind = "missing_dependencies"
)

type healRule struct {
	kind    HealKind
	needles []string
}

var healRules = []healRule{
	{HealGitLock, []string{"index.lock", "another git process seems to be running"}},
	{HealCorruptJSON, []string{"unexpected end of json input", "invalid character", "artifact invalid"}},
	{HealMissingDeps, []string{"cannot find module", "no such file or directory: node_modules", "modulenotfounderror", "command not found: npm", "command not found: pnpm"}},
}

// HealableSignature matches an error message against the known recoverable
// failure shapes. Unmatched messages return HealNone; the orchestrator then
// fails the item instead of retrying.
func HealableSignature(msg string) HealKind {
	low := strings.ToLower(msg)
	for _, r := range healRules {
		for _, n := range r.needles {
			if strings.Contains(low, n) {
				return r.kind
			}
		}
	}
	return HealNone
}
