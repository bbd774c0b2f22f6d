package agent

import "sort"

// Phase-default tool allowlists. Research and critique stay read-mostly;
// implement gets the full editing surface.
var phaseAllowlists = map[string][]string{
	"research":  {"Read", "Glob", "Grep", "Write"},
	"plan":      {"Read", "Glob", "Grep", "Write"},
	"implement": {"Read", "Write", "Edit", "Glob", "Grep", "Bash"},
	"critique":  {"Read", "Glob", "Grep"},
	"media":     {"Read", "Write", "Glob", "Grep", "Bash"},
}

// EffectiveAllowlist resolves the tool set for a turn.
//
// Precedence: an explicit list wins outright; otherwise the phase default
// applies; an unknown phase is unrestricted (nil). Skill tools never widen
// the set: they are intersected with the base, so a skill cannot smuggle
// Bash into a critique turn.
func EffectiveAllowlist(explicit []string, phase string, skillTools []string) []string {
	var base []string
	switch {
	case explicit != nil:
		base = explicit
	default:
		def, ok := phaseAllowlists[phase]
		if !ok {
			return nil
		}
		base = def
	}

	if len(skillTools) == 0 {
		out := make([]string, len(base))
		copy(out, base)
		sort.Strings(out)
		return out
	}

	allowed := map[string]bool{}
	for _, t := range base {
		allowed[t] = true
	}
	var out []string
	seen := map[string]bool{}
	for _, t := range append(append([]string{}, base...), skillTools...) {
		if allowed[t] && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}

// ToolAllowed reports whether tool is permitted by the resolved allowlist.
// Nil means unrestricted.
func ToolAllowed(allowed []string, tool string) bool {
	if allowed == nil {
		return true
	}
	for _, t := range allowed {
		if t == tool {
			return true
		}
	}
	return false
}
