package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/wreckit/wreckit/internal/store"
)

// Built-in phase prompts. A file at .wreckit/prompts/{phase}.md overrides the
// default; templates render against promptData.
var defaultPrompts = map[Phase]string{
	PhaseResearch: `You are researching the work item "{{.Item.Title}}" ({{.Item.ID}}).

Overview:
{{.Item.Overview}}
{{- if .Item.ProblemStatement}}

Problem statement:
{{.Item.ProblemStatement}}
{{- end}}

Explore the repository and write your findings to {{.ItemDir}}/research.md:
existing patterns to follow, files that will need changes, risks, and open
questions. Do not modify any other file.

When you are finished, print WRECKIT_DONE.
`,
	PhasePlan: `You are planning the work item "{{.Item.Title}}" ({{.Item.ID}}).

Research notes are in {{.ItemDir}}/research.md. Produce two artifacts:

1. {{.ItemDir}}/plan.md - the implementation plan.
2. {{.ItemDir}}/prd.json - JSON with "id", "branch_name", and "user_stories":
   each story has "id" (US-1, US-2, ...), "title", "acceptance_criteria",
   "priority" (1-4), "status" ("pending").

Do not modify any other file. When you are finished, print WRECKIT_DONE.
`,
	PhaseImplement: `You are implementing the work item "{{.Item.Title}}" ({{.Item.ID}}).

The plan is in {{.ItemDir}}/plan.md and the stories in {{.ItemDir}}/prd.json.
Pick the highest-priority pending story, implement it, run the relevant tests,
and set its "status" to "done" in prd.json. Commit nothing; the engine
handles git.

When you are finished, print WRECKIT_DONE.
`,
	PhaseCritique: `You are an adversarial reviewer for the work item "{{.Item.Title}}" ({{.Item.ID}}).

Read {{.ItemDir}}/plan.md, {{.ItemDir}}/prd.json, and the implementation on
this branch. Judge whether the acceptance criteria are actually met.

Your FINAL output must be exactly one JSON object:
{"status": "approved" | "rejected", "reason": "...", "critique": "..."}

After the JSON object, print WRECKIT_DONE.
`,
	PhasePR: `Summarize the completed work item "{{.Item.Title}}" ({{.Item.ID}}) as a
pull-request description: what changed, why, and how it was verified. Write it
to {{.ItemDir}}/pr-body.md.

When you are finished, print WRECKIT_DONE.
`,
}

type promptData struct {
	Item    *store.Item
	ItemDir string
	Skills  string
}

// RenderPrompt produces the full phase prompt for an item, appending any
// JIT-built skill context.
func RenderPrompt(s *store.Store, phase Phase, it *store.Item, skillContext string) (string, error) {
	text, err := promptTemplate(s, phase)
	if err != nil {
		return "", err
	}
	tmpl, err := template.New(string(phase)).Parse(text)
	if err != nil {
		return "", fmt.Errorf("prompt template %s: %w", phase, err)
	}
	var buf bytes.Buffer
	data := promptData{
		Item:    it,
		ItemDir: filepath.ToSlash(filepath.Join(".wreckit", "items", it.ID)),
		Skills:  skillContext,
	}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", phase, err)
	}
	out := buf.String()
	if skillContext != "" && !strings.Contains(text, ".Skills") {
		out += "\n\n# Additional context\n\n" + skillContext
	}
	return out, nil
}

// PromptOverridePath is where a repo-local template may shadow the default.
func PromptOverridePath(s *store.Store, phase Phase) string {
	return filepath.Join(s.Dir(), "prompts", string(phase)+".md")
}

func promptTemplate(s *store.Store, phase Phase) (string, error) {
	b, err := os.ReadFile(PromptOverridePath(s, phase))
	if err == nil {
		return string(b), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	text, ok := defaultPrompts[phase]
	if !ok {
		return "", fmt.Errorf("no prompt template for phase %q", phase)
	}
	return text, nil
}
