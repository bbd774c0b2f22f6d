package workflow

import (
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// WritePolicy bounds where a phase may create or modify files, enforced
// post-hoc against the git status diff. Implement is unbounded; artifact
// phases stay inside the item directory; media generation stays inside
// .wreckit/media.
type WritePolicy struct {
	// AllowedGlobs are slash-relative doublestar patterns. Empty means
	// unrestricted.
	AllowedGlobs []string
	// FailOnViolation distinguishes hard enforcement from record-and-proceed.
	FailOnViolation bool
}

func policyForPhase(phase Phase, itemID string) WritePolicy {
	itemDir := ".wreckit/items/" + itemID
	switch phase {
	case PhaseResearch, PhasePlan, PhaseCritique:
		return WritePolicy{
			AllowedGlobs:    []string{itemDir + "/**"},
			FailOnViolation: true,
		}
	case PhasePR:
		return WritePolicy{
			AllowedGlobs:    []string{itemDir + "/**"},
			FailOnViolation: false,
		}
	default: // implement, and any media turn routed through it
		return WritePolicy{}
	}
}

// mediaPolicy bounds standalone media-generation turns.
func mediaPolicy() WritePolicy {
	return WritePolicy{
		AllowedGlobs:    []string{".wreckit/media/**"},
		FailOnViolation: true,
	}
}

// Violations returns the touched paths that fall outside the policy, in
// input order.
func (p WritePolicy) Violations(paths []string) []string {
	if len(p.AllowedGlobs) == 0 {
		return nil
	}
	var out []string
	for _, path := range paths {
		rel := filepath.ToSlash(path)
		allowed := false
		for _, g := range p.AllowedGlobs {
			if ok, _ := doublestar.Match(g, rel); ok {
				allowed = true
				break
			}
		}
		if !allowed {
			out = append(out, path)
		}
	}
	return out
}
