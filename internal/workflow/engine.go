package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wreckit/wreckit/internal/agent"
	"github.com/wreckit/wreckit/internal/config"
	"github.com/wreckit/wreckit/internal/gitutil"
	"github.com/wreckit/wreckit/internal/limits"
	"github.com/wreckit/wreckit/internal/store"
)

// Engine executes phases for items in one repository.
type Engine struct {
	Store  *store.Store
	Config *config.Config

	// PR is swappable for tests; nil selects the gh-backed driver.
	PR gitutil.PRDriver

	DryRun    bool
	MockAgent bool

	// Logf receives human-oriented progress lines. Nil discards.
	Logf func(format string, args ...any)

	OnStdout func(string)
	OnStderr func(string)
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logf != nil {
		e.Logf(format, args...)
	}
}

func (e *Engine) prDriver() gitutil.PRDriver {
	if e.PR != nil {
		return e.PR
	}
	return &gitutil.GHDriver{}
}

// PhaseResult is the outcome of one successful phase execution.
type PhaseResult struct {
	Item       *store.Item
	Transition *Transition
	Agent      *agent.Result
}

// RunPhase performs exactly one phase of one item: state check, prompt,
// allowlist, agent turn, write-policy enforcement, transition, persist.
// Failures record last_error on the item and return a typed error; the state
// never advances on failure.
func (e *Engine) RunPhase(ctx context.Context, id string, phase Phase) (*PhaseResult, error) {
	it, err := e.Store.ReadItem(id)
	if err != nil {
		return nil, err
	}
	if !phaseAccepts(phase, it.State) {
		return nil, &WrongStateError{ID: id, State: it.State, Phase: phase}
	}

	if phase == PhasePR {
		return e.runPRPhase(ctx, it)
	}

	allSkills, err := LoadSkills(e.Store)
	if err != nil {
		return nil, err
	}
	phaseSkills := SkillsForPhase(allSkills, phase)
	skillCtx, err := BuildSkillContext(e.Store.Root, phaseSkills)
	if err != nil {
		return nil, err
	}
	prompt, err := RenderPrompt(e.Store, phase, it, skillCtx)
	if err != nil {
		return nil, err
	}

	// The PRD as it stood before the turn decides planned -> implementing;
	// the agent may legitimately finish every story within its first turn.
	preTurnPRD, _ := e.readPRDIfAny(id)

	if phase == PhaseImplement {
		if err := e.ensureWorkBranch(it, preTurnPRD); err != nil {
			return nil, e.recordFailure(it, phase, err)
		}
	}

	var snap *gitutil.StatusSnapshot
	if gitutil.IsRepo(e.Store.Root) {
		if s, serr := gitutil.SnapshotStatus(e.Store.Root); serr == nil {
			snap = s
		}
	}

	e.logf("%s: running %s phase", id, phase)
	res, err := agent.Run(ctx, e.agentOptions(it, phase, prompt, SkillTools(phaseSkills)))
	if err != nil {
		return nil, err
	}
	if !res.Success {
		aerr := res.Err
		if aerr == nil {
			aerr = &agent.Error{Kind: agent.ErrUnknown, Message: "agent did not succeed"}
		}
		ferr := &AgentFailedError{ID: id, Phase: phase, Err: aerr}
		return nil, e.recordFailure(it, phase, ferr)
	}

	touched := res.FilesModified
	if snap != nil {
		if diff, derr := gitutil.DiffStatus(e.Store.Root, snap); derr == nil {
			touched = diff
		}
	}
	policy := policyForPhase(phase, id)
	if viol := policy.Violations(touched); len(viol) > 0 {
		_ = e.Store.AppendProgress(id, fmt.Sprintf("%s phase touched paths outside policy: %s", phase, strings.Join(viol, ", ")))
		if policy.FailOnViolation {
			verr := &WriteViolationError{ID: id, Phase: phase, Paths: viol}
			return nil, e.recordFailure(it, phase, verr)
		}
	}

	if phase == PhaseCritique {
		return e.finishCritique(it, res)
	}
	return e.advance(it, phase, res, preTurnPRD)
}

func phaseAccepts(phase Phase, s store.ItemState) bool {
	for _, st := range phaseInputStates[phase] {
		if st == s {
			return true
		}
	}
	return false
}

// advance builds the validation context from disk and applies at most one
// forward transition. An implement turn that leaves stories pending is a
// success with no transition.
func (e *Engine) advance(it *store.Item, phase Phase, res *agent.Result, preTurnPRD *store.PRD) (*PhaseResult, error) {
	vctx := e.buildValidationContext(it)
	if it.State == store.StatePlanned && preTurnPRD != nil && vctx.PRD != nil && len(vctx.PRD.PendingStories()) == 0 {
		vctx.PRD = preTurnPRD
	}

	next, tr, reason := ApplyStateTransition(it, vctx)
	if next == nil {
		if it.State == store.StateImplementing {
			// Not all stories done yet; stay put and keep iterating.
			_ = e.Store.AppendProgress(it.ID, fmt.Sprintf("implement turn complete, not yet ready for critique: %s", reason))
			return &PhaseResult{Item: it, Agent: res}, nil
		}
		ferr := fmt.Errorf("phase %s finished but transition is invalid: %s", phase, reason)
		return nil, e.recordFailure(it, phase, ferr)
	}

	next.LastError = nil
	if err := e.Store.WriteItem(next.ID, next); err != nil {
		return nil, err
	}
	_ = e.Store.AppendProgress(next.ID, fmt.Sprintf("%s -> %s (%s phase)", tr.From, tr.To, phase))
	e.logf("%s: %s -> %s", next.ID, tr.From, tr.To)
	return &PhaseResult{Item: next, Transition: tr, Agent: res}, nil
}

// finishCritique interprets the verdict. Approved advances to in_pr; rejected
// resets to planned; malformed output is a failure with no state change.
func (e *Engine) finishCritique(it *store.Item, res *agent.Result) (*PhaseResult, error) {
	verdict := ParseVerdict(res.Output)
	if verdict == nil {
		return nil, e.recordFailure(it, PhaseCritique, &MalformedVerdictError{ID: it.ID})
	}
	if !verdict.Approved() {
		reset := it.Clone()
		reset.State = store.StatePlanned
		reset.LastError = nil
		if err := e.Store.WriteItem(reset.ID, reset); err != nil {
			return nil, err
		}
		_ = e.Store.AppendProgress(it.ID, fmt.Sprintf("critique rejected: %s | %s", verdict.Reason, verdict.Critique))
		e.logf("%s: critique rejected, back to planned", it.ID)
		return &PhaseResult{Item: reset, Transition: &Transition{From: store.StateCritique, To: store.StatePlanned}, Agent: res}, nil
	}

	_ = e.Store.AppendProgress(it.ID, "critique approved: "+verdict.Reason)
	next := it.Clone()
	next.State = store.StateInPR
	next.LastError = nil
	if err := e.Store.WriteItem(next.ID, next); err != nil {
		return nil, err
	}
	e.logf("%s: critique approved, now in_pr", it.ID)
	return &PhaseResult{Item: next, Transition: &Transition{From: store.StateCritique, To: store.StateInPR}, Agent: res}, nil
}

// runPRPhase is the endgame: checks, secret scan, then PR-open-and-merge or
// direct merge, then done.
func (e *Engine) runPRPhase(ctx context.Context, it *store.Item) (*PhaseResult, error) {
	cfg := e.Config
	root := e.Store.Root

	if cfg.PRChecks.RequireAllStoriesDone {
		prd, err := e.readPRDIfAny(it.ID)
		if err != nil || prd == nil || !prd.AllStoriesDone() {
			return nil, e.recordFailure(it, PhasePR, &ChecksFailedError{ID: it.ID, Detail: "not all stories are done"})
		}
	}

	results, err := gitutil.RunChecks(ctx, root, gitutil.CheckPolicy{
		Commands:       cfg.PRChecks.Commands,
		CommandTimeout: time.Duration(cfg.PRChecks.CommandTimeoutSeconds) * time.Second,
	})
	if err != nil {
		detail := err.Error()
		if n := len(results); n > 0 {
			detail = fmt.Sprintf("%s\n%s", detail, results[n-1].Output)
		}
		return nil, e.recordFailure(it, PhasePR, &ChecksFailedError{ID: it.ID, Detail: detail})
	}

	if cfg.PRChecks.SecretScan {
		hits, serr := gitutil.ScanDiffForSecrets(root, cfg.Git.BaseBranch)
		if serr != nil {
			return nil, e.recordFailure(it, PhasePR, serr)
		}
		if len(hits) > 0 {
			var rules []string
			for _, h := range hits {
				rules = append(rules, fmt.Sprintf("%s(%s)", h.Rule, h.Fingerprint))
			}
			return nil, e.recordFailure(it, PhasePR, &ChecksFailedError{ID: it.ID, Detail: "secret scan hits: " + strings.Join(rules, ", ")})
		}
	}

	branch := ""
	if it.Branch != nil {
		branch = *it.Branch
	}
	if branch == "" {
		return nil, e.recordFailure(it, PhasePR, fmt.Errorf("item has no work branch recorded"))
	}

	updated := it.Clone()
	now := time.Now().UTC()

	if cfg.Git.DirectMerge {
		mergeSHA, rollbackSHA, merr := gitutil.DirectMerge(root, cfg.Git.BaseBranch, branch)
		if merr != nil {
			return nil, e.recordFailure(it, PhasePR, merr)
		}
		updated.MergeCommitSHA = mergeSHA
		updated.RollbackSHA = rollbackSHA
		_ = e.Store.AppendProgress(it.ID, fmt.Sprintf("direct merge %s (rollback %s)", mergeSHA, rollbackSHA))
	} else {
		driver := e.prDriver()
		if updated.PRURL == nil {
			title := fmt.Sprintf("%s: %s", it.ID, it.Title)
			ref, oerr := driver.OpenPR(root, branch, cfg.Git.BaseBranch, title, e.prBody(ctx, it))
			if oerr != nil {
				return nil, e.recordFailure(it, PhasePR, oerr)
			}
			updated.PRURL = &ref.URL
			updated.PRNumber = &ref.Number
			_ = e.Store.AppendProgress(it.ID, "opened PR "+ref.URL)
			// Persist the PR coordinates before attempting the merge so a
			// merge failure leaves them recorded.
			if err := e.Store.WriteItem(updated.ID, updated); err != nil {
				return nil, err
			}
		}
		mergeSHA, merr := driver.MergePR(root, *updated.PRNumber, "squash")
		if merr != nil {
			return nil, e.recordFailure(updated, PhasePR, merr)
		}
		updated.MergeCommitSHA = mergeSHA
		_ = e.Store.AppendProgress(it.ID, "merged PR as "+mergeSHA)
		_ = driver.CleanupBranch(root, branch, false)
	}

	vctx := e.buildValidationContext(updated)
	vctx.PRMerged = true
	next, tr, reason := ApplyStateTransition(updated, vctx)
	if next == nil {
		return nil, e.recordFailure(updated, PhasePR, fmt.Errorf("cannot finish %s: %s", it.ID, reason))
	}
	next.CompletedAt = &now
	next.MergedAt = &now
	next.ChecksPassed = true
	next.LastError = nil
	if err := e.Store.WriteItem(next.ID, next); err != nil {
		return nil, err
	}
	_ = e.Store.AppendProgress(next.ID, fmt.Sprintf("%s -> %s", tr.From, tr.To))
	e.logf("%s: done", next.ID)
	return &PhaseResult{Item: next, Transition: tr}, nil
}

// prBody prefers an agent-written pr-body.md, falling back to a synthesized
// description.
func (e *Engine) prBody(ctx context.Context, it *store.Item) string {
	bodyPath := filepath.Join(e.Store.ItemDir(it.ID), "pr-body.md")
	if b, err := os.ReadFile(bodyPath); err == nil && len(strings.TrimSpace(string(b))) > 0 {
		return string(b)
	}
	if !e.DryRun && !e.MockAgent {
		if prompt, err := RenderPrompt(e.Store, PhasePR, it, ""); err == nil {
			if res, rerr := agent.Run(ctx, e.agentOptions(it, PhasePR, prompt, nil)); rerr == nil && res.Success {
				if b, err := os.ReadFile(bodyPath); err == nil && len(strings.TrimSpace(string(b))) > 0 {
					return string(b)
				}
			}
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n%s\n", it.Title, it.Overview)
	if prd, _ := e.readPRDIfAny(it.ID); prd != nil {
		b.WriteString("\nStories:\n")
		for _, s := range prd.UserStories {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", s.Status, s.ID, s.Title)
		}
	}
	return b.String()
}

func (e *Engine) ensureWorkBranch(it *store.Item, prd *store.PRD) error {
	if e.DryRun || e.MockAgent || !gitutil.IsRepo(e.Store.Root) {
		return nil
	}
	branch := "wreckit/" + it.ID
	if prd != nil && prd.BranchName != "" {
		branch = prd.BranchName
	}
	if err := gitutil.EnsureBranch(e.Store.Root, branch, e.Config.Git.BaseBranch); err != nil {
		return err
	}
	if it.Branch == nil || *it.Branch != branch {
		it.Branch = &branch
		return e.Store.WriteItem(it.ID, it)
	}
	return nil
}

func (e *Engine) buildValidationContext(it *store.Item) ValidationContext {
	prd, _ := e.readPRDIfAny(it.ID)
	return ValidationContext{
		HasResearchMD: e.Store.HasResearch(it.ID),
		HasPlanMD:     e.Store.HasPlan(it.ID),
		PRD:           prd,
		HasPR:         it.Branch != nil || it.PRURL != nil,
		PRMerged:      it.MergeCommitSHA != "" || (it.PRNumber != nil && it.ChecksPassed),
	}
}

func (e *Engine) readPRDIfAny(id string) (*store.PRD, error) {
	if !e.Store.HasPRD(id) {
		return nil, nil
	}
	return e.Store.ReadPRD(id)
}

// recordFailure stamps last_error and the progress log, then returns err.
func (e *Engine) recordFailure(it *store.Item, phase Phase, err error) error {
	msg := err.Error()
	it.LastError = &msg
	if werr := e.Store.WriteItem(it.ID, it); werr != nil {
		return fmt.Errorf("%w (and writing last_error failed: %v)", err, werr)
	}
	_ = e.Store.AppendProgress(it.ID, fmt.Sprintf("%s phase failed: %s", phase, msg))
	e.logf("%s: %s phase failed: %s", it.ID, phase, msg)
	return err
}

func (e *Engine) agentOptions(it *store.Item, phase Phase, prompt string, skillTools []string) agent.Options {
	cfg := e.Config
	return agent.Options{
		Config:         cfg.Agent,
		CWD:            e.Store.Root,
		Prompt:         prompt,
		Phase:          string(phase),
		SkillTools:     skillTools,
		Timeout:        time.Duration(cfg.AgentTimeout) * time.Second,
		Limits:         capsFromConfig(cfg.Limits),
		DryRun:         e.DryRun,
		MockAgent:      e.MockAgent,
		Env:            cfg.PassthroughEnviron(),
		APIKey:         cfg.ResolveToken("ANTHROPIC_API_KEY"),
		SpritesToken:   cfg.ResolveToken("SPRITES_TOKEN"),
		SandboxExclude: cfg.SandboxExclude,
		LogDir:         filepath.Join(e.Store.ItemDir(it.ID), "logs"),
		ItemID:         it.ID,
		OnStdoutChunk:  e.OnStdout,
		OnStderrChunk:  e.OnStderr,
	}
}

func capsFromConfig(l config.Limits) limits.Caps {
	return limits.Caps{
		MaxIterations:    l.MaxIterations,
		MaxDuration:      time.Duration(l.MaxDurationSeconds) * time.Second,
		MaxProgressSteps: l.MaxProgressSteps,
		MaxBudgetDollars: l.MaxBudgetDollars,
	}
}
