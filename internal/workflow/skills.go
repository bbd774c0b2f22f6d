package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/wreckit/wreckit/internal/store"
)

// Skill is a reusable bundle of tools plus just-in-time context files loaded
// per phase. Skills can only narrow or annotate a phase, never widen its
// allowlist.
type Skill struct {
	Name         string   `json:"name"`
	Phases       []string `json:"phases,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	ContextGlobs []string `json:"context_globs,omitempty"`
}

const skillContextFileCap = 32 * 1024

// LoadSkills reads .wreckit/skills.json. Missing file means no skills.
func LoadSkills(s *store.Store) ([]Skill, error) {
	path := filepath.Join(s.Dir(), "skills.json")
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var skills []Skill
	if err := json.Unmarshal(b, &skills); err != nil {
		return nil, &store.InvalidArtifactError{Path: path, Reason: "bad skills file", Err: err}
	}
	return skills, nil
}

// SkillsForPhase filters to skills declaring the phase (no declaration means
// every phase).
func SkillsForPhase(skills []Skill, phase Phase) []Skill {
	var out []Skill
	for _, sk := range skills {
		if len(sk.Phases) == 0 {
			out = append(out, sk)
			continue
		}
		for _, p := range sk.Phases {
			if Phase(p) == phase {
				out = append(out, sk)
				break
			}
		}
	}
	return out
}

// SkillTools unions the tool declarations of the given skills.
func SkillTools(skills []Skill) []string {
	seen := map[string]bool{}
	var out []string
	for _, sk := range skills {
		for _, t := range sk.Tools {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	sort.Strings(out)
	return out
}

// BuildSkillContext reads the files named by each skill's context globs and
// concatenates them into one prompt fragment.
func BuildSkillContext(root string, skills []Skill) (string, error) {
	var b strings.Builder
	for _, sk := range skills {
		for _, g := range sk.ContextGlobs {
			matches, err := doublestar.Glob(os.DirFS(root), g)
			if err != nil {
				return "", fmt.Errorf("skill %s: bad glob %q: %w", sk.Name, g, err)
			}
			sort.Strings(matches)
			for _, m := range matches {
				content, err := os.ReadFile(filepath.Join(root, m))
				if err != nil {
					continue
				}
				if len(content) > skillContextFileCap {
					content = content[:skillContextFileCap]
				}
				fmt.Fprintf(&b, "## %s (%s)\n\n%s\n\n", m, sk.Name, content)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
