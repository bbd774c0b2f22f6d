// Package doctor detects and repairs inconsistencies between the artifact
// store, git, process state, and the sandbox. Every mutating repair backs up
// the affected file first; a fix is safe iff its backup succeeded.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wreckit/wreckit/internal/config"
	"github.com/wreckit/wreckit/internal/procutil"
	"github.com/wreckit/wreckit/internal/sprite"
	"github.com/wreckit/wreckit/internal/store"
)

type Severity string

const (
	SevError   Severity = "error"
	SevWarning Severity = "warning"
	SevInfo    Severity = "info"
)

// Diagnostic codes.
const (
	CodeIndexStale            = "INDEX_STALE"
	CodeIndexCorrupt          = "INDEX_CORRUPT"
	CodeItemInvalid           = "ITEM_INVALID_JSON"
	CodeStateFileMismatch     = "STATE_FILE_MISMATCH"
	CodePRDMissingID          = "PRD_MISSING_ID"
	CodePRDMissingBranchName  = "PRD_MISSING_BRANCH_NAME"
	CodePRDInvalidPriority    = "PRD_INVALID_PRIORITY"
	CodePRDBadStoryID         = "PRD_BAD_STORY_ID"
	CodeDependencyCycle       = "DEPENDENCY_CYCLE"
	CodeDanglingDependency    = "DANGLING_DEPENDENCY"
	CodeDuplicateItemID       = "DUPLICATE_ITEM_ID"
	CodeOrphanedBatchProgress = "ORPHANED_BATCH_PROGRESS"
	CodePromptTemplateBroken  = "PROMPT_TEMPLATE_BROKEN"
	CodeSandboxCLIMissing     = "SANDBOX_CLI_MISSING"
	CodeSandboxTokenMissing   = "SANDBOX_TOKEN_MISSING"
	CodeOrphanedVM            = "ORPHANED_VM_DETECTED"
)

// Diagnostic is one finding.
type Diagnostic struct {
	ItemID   string   `json:"item_id,omitempty"`
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Fixable  bool     `json:"fixable"`
}

// Doctor runs diagnostics and repairs against one repository.
type Doctor struct {
	Store  *store.Store
	Config *config.Config

	// ListVMs is swappable for tests; nil uses the sprite CLI when present.
	ListVMs func(ctx context.Context) ([]string, error)
	// KillVM pairs with ListVMs for orphan reaping.
	KillVM func(ctx context.Context, name string) error

	// now is swappable for the orphaned-VM age check.
	now func() time.Time
}

func New(s *store.Store, cfg *config.Config) *Doctor {
	return &Doctor{Store: s, Config: cfg, now: time.Now}
}

var storyIDRe = regexp.MustCompile(store.StoryIDPattern)

// Diagnose inspects everything and returns findings sorted by item id then
// code. It never mutates state.
func (d *Doctor) Diagnose(ctx context.Context) ([]Diagnostic, error) {
	var diags []Diagnostic

	ids, err := d.Store.ListItemIDs()
	if err != nil {
		return nil, err
	}

	items := map[string]*store.Item{}
	for _, id := range ids {
		it, rerr := d.Store.ReadItem(id)
		if rerr != nil {
			diags = append(diags, Diagnostic{
				ItemID: id, Severity: SevError, Code: CodeItemInvalid,
				Message: rerr.Error(), Fixable: false,
			})
			continue
		}
		items[id] = it
	}

	diags = append(diags, d.diagnoseIndex(ids, items)...)
	for _, id := range sortedKeys(items) {
		diags = append(diags, d.diagnoseItem(items[id])...)
	}
	diags = append(diags, diagnoseDependencies(items)...)
	diags = append(diags, d.diagnoseBatchProgress()...)
	diags = append(diags, d.diagnosePrompts()...)
	diags = append(diags, d.diagnoseSandbox(ctx)...)

	sort.SliceStable(diags, func(i, j int) bool {
		if diags[i].ItemID != diags[j].ItemID {
			return diags[i].ItemID < diags[j].ItemID
		}
		return diags[i].Code < diags[j].Code
	})
	return diags, nil
}

func (d *Doctor) diagnoseIndex(ids []string, items map[string]*store.Item) []Diagnostic {
	// ReadIndex papers over a missing file with an empty index; the doctor
	// must see the absence itself so --fix materializes index.json.
	if _, serr := os.Stat(d.Store.IndexPath()); os.IsNotExist(serr) {
		return []Diagnostic{{
			Severity: SevWarning, Code: CodeIndexStale,
			Message: "index.json does not exist", Fixable: true,
		}}
	}
	idx, err := d.Store.ReadIndex()
	if err != nil {
		return []Diagnostic{{
			Severity: SevError, Code: CodeIndexCorrupt,
			Message: err.Error(), Fixable: true,
		}}
	}
	inIndex := map[string]store.ItemState{}
	seen := map[string]int{}
	for _, e := range idx.Items {
		inIndex[e.ID] = e.State
		seen[e.ID]++
	}
	var diags []Diagnostic
	for id, n := range seen {
		if n > 1 {
			diags = append(diags, Diagnostic{
				ItemID: id, Severity: SevError, Code: CodeDuplicateItemID,
				Message: fmt.Sprintf("item %s appears %d times in the index", id, n), Fixable: true,
			})
		}
	}
	stale := false
	for _, id := range ids {
		it, ok := items[id]
		if !ok {
			continue
		}
		if st, present := inIndex[id]; !present || st != it.State {
			stale = true
			break
		}
	}
	if !stale {
		for id := range inIndex {
			if _, ok := items[id]; !ok {
				stale = true
				break
			}
		}
	}
	if stale {
		diags = append(diags, Diagnostic{
			Severity: SevWarning, Code: CodeIndexStale,
			Message: "index.json disagrees with the item directories", Fixable: true,
		})
	}
	return diags
}

// artifactCeiling returns the highest state whose transition preconditions
// the on-disk evidence satisfies: artifact presence up to planned, then story
// completion, the recorded branch, and finally the merge record for done.
func (d *Doctor) artifactCeiling(it *store.Item) store.ItemState {
	if !d.Store.HasResearch(it.ID) {
		return store.StateRaw
	}
	if !d.Store.HasPlan(it.ID) || !d.Store.HasPRD(it.ID) {
		return store.StateResearched
	}
	prd, err := d.Store.ReadPRD(it.ID)
	if err != nil || len(prd.UserStories) == 0 {
		return store.StateResearched
	}
	if !prd.AllStoriesDone() || it.Branch == nil {
		return store.StateImplementing
	}
	if it.MergeCommitSHA == "" && !(it.PRNumber != nil && it.ChecksPassed) {
		return store.StateInPR
	}
	return store.StateDone
}

func (d *Doctor) diagnoseItem(it *store.Item) []Diagnostic {
	var diags []Diagnostic

	ceiling := d.artifactCeiling(it)
	if store.StateIndex(it.State) > store.StateIndex(ceiling) {
		diags = append(diags, Diagnostic{
			ItemID: it.ID, Severity: SevError, Code: CodeStateFileMismatch,
			Message: fmt.Sprintf("state %s but artifacts only support %s", it.State, ceiling),
			Fixable: true,
		})
	}

	if d.Store.HasPRD(it.ID) {
		diags = append(diags, d.diagnosePRD(it.ID)...)
	}
	return diags
}

func (d *Doctor) diagnosePRD(id string) []Diagnostic {
	// Read raw so schema-invalid PRDs can still be diagnosed field by field.
	var prd store.PRD
	b, err := os.ReadFile(d.Store.PRDPath(id))
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(b, &prd); err != nil {
		return []Diagnostic{{
			ItemID: id, Severity: SevError, Code: CodeItemInvalid,
			Message: "prd.json does not parse: " + err.Error(), Fixable: false,
		}}
	}
	var diags []Diagnostic
	if prd.ID == "" {
		diags = append(diags, Diagnostic{
			ItemID: id, Severity: SevError, Code: CodePRDMissingID,
			Message: "prd has no id", Fixable: true,
		})
	}
	if prd.BranchName == "" {
		diags = append(diags, Diagnostic{
			ItemID: id, Severity: SevError, Code: CodePRDMissingBranchName,
			Message: "prd has no branch_name", Fixable: true,
		})
	}
	for _, s := range prd.UserStories {
		if s.Priority < 1 || s.Priority > 4 {
			diags = append(diags, Diagnostic{
				ItemID: id, Severity: SevError, Code: CodePRDInvalidPriority,
				Message: fmt.Sprintf("story %s has priority %d (must be 1-4)", s.ID, s.Priority),
				Fixable: true,
			})
		}
		if !storyIDRe.MatchString(s.ID) {
			diags = append(diags, Diagnostic{
				ItemID: id, Severity: SevError, Code: CodePRDBadStoryID,
				Message: fmt.Sprintf("story id %q does not match the required pattern", s.ID),
				Fixable: false,
			})
		}
	}
	return diags
}

func diagnoseDependencies(items map[string]*store.Item) []Diagnostic {
	var diags []Diagnostic
	for _, id := range sortedKeys(items) {
		for _, dep := range items[id].DependsOn {
			if _, ok := items[dep]; !ok {
				diags = append(diags, Diagnostic{
					ItemID: id, Severity: SevError, Code: CodeDanglingDependency,
					Message: fmt.Sprintf("depends_on references unknown item %q", dep),
					Fixable: false,
				})
			}
		}
	}
	deps := map[string][]string{}
	for id, it := range items {
		deps[id] = it.DependsOn
	}
	for _, cyc := range FindCycles(deps) {
		diags = append(diags, Diagnostic{
			ItemID: cyc[0], Severity: SevError, Code: CodeDependencyCycle,
			Message: "dependency cycle: " + strings.Join(cyc, " -> "),
			Fixable: false,
		})
	}
	return diags
}

func (d *Doctor) diagnoseBatchProgress() []Diagnostic {
	bp, err := d.Store.ReadBatchProgress()
	if err != nil {
		return []Diagnostic{{
			Severity: SevError, Code: CodeOrphanedBatchProgress,
			Message: "batch-progress.json does not parse: " + err.Error(), Fixable: true,
		}}
	}
	if bp == nil {
		return nil
	}
	if bp.PID > 0 && procutil.PIDAlive(bp.PID) && !procutil.PIDZombie(bp.PID) {
		return nil
	}
	return []Diagnostic{{
		Severity: SevWarning, Code: CodeOrphanedBatchProgress,
		Message: fmt.Sprintf("batch-progress session %s references dead pid %d", bp.SessionID, bp.PID),
		Fixable: true,
	}}
}

func (d *Doctor) diagnosePrompts() []Diagnostic {
	dir := filepath.Join(d.Store.Dir(), "prompts")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var diags []Diagnostic
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		b, rerr := os.ReadFile(filepath.Join(dir, e.Name()))
		if rerr == nil && len(strings.TrimSpace(string(b))) == 0 {
			diags = append(diags, Diagnostic{
				Severity: SevWarning, Code: CodePromptTemplateBroken,
				Message: fmt.Sprintf("prompt override %s is empty and shadows the default", e.Name()),
				Fixable: false,
			})
		}
	}
	return diags
}

const orphanVMMaxAge = time.Hour

func (d *Doctor) diagnoseSandbox(ctx context.Context) []Diagnostic {
	if d.Config == nil || d.Config.Agent.Kind != config.AgentSprite {
		return nil
	}
	var diags []Diagnostic
	if _, err := exec.LookPath("sprite"); err != nil {
		diags = append(diags, Diagnostic{
			Severity: SevError, Code: CodeSandboxCLIMissing,
			Message: "agent kind is sprite but the sprite CLI is not in PATH", Fixable: false,
		})
	}
	if d.Config.ResolveToken("SPRITES_TOKEN") == "" {
		diags = append(diags, Diagnostic{
			Severity: SevError, Code: CodeSandboxTokenMissing,
			Message: "agent kind is sprite but SPRITES_TOKEN resolves to nothing", Fixable: false,
		})
	}
	if d.ListVMs == nil {
		return diags
	}
	names, err := d.ListVMs(ctx)
	if err != nil {
		return diags
	}
	for _, name := range names {
		if !strings.HasPrefix(name, sprite.VMPrefix) {
			continue
		}
		started, ok := vmStartTime(name)
		if ok && d.now().Sub(started) < orphanVMMaxAge {
			continue
		}
		diags = append(diags, Diagnostic{
			Severity: SevWarning, Code: CodeOrphanedVM,
			Message: fmt.Sprintf("sandbox VM %s is older than %s", name, orphanVMMaxAge),
			Fixable: true,
		})
	}
	return diags
}

// vmStartTime recovers the epoch-millis suffix of an ephemeral VM name.
func vmStartTime(name string) (time.Time, bool) {
	i := strings.LastIndexByte(name, '-')
	if i < 0 {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(name[i+1:], 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// FindCycles returns one representative path per dependency cycle.
func FindCycles(deps map[string][]string) [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var cycles [][]string
	var stack []string

	var visit func(n string)
	visit = func(n string) {
		color[n] = gray
		stack = append(stack, n)
		for _, dep := range deps[n] {
			switch color[dep] {
			case white:
				if _, known := deps[dep]; known {
					visit(dep)
				}
			case gray:
				// Slice the stack from dep to n for the report.
				for i, s := range stack {
					if s == dep {
						cyc := append(append([]string{}, stack[i:]...), dep)
						cycles = append(cycles, cyc)
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
	}

	for _, n := range sortedDepKeys(deps) {
		if color[n] == white {
			visit(n)
		}
	}
	return cycles
}

func sortedKeys(m map[string]*store.Item) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedDepKeys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
