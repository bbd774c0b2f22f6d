// Package workflow drives one item through its state chain: validates
// transitions against on-disk artifacts, executes phase agent turns, and
// handles the critique verdict and PR/merge endgame.
package workflow

import (
	"fmt"

	"github.com/wreckit/wreckit/internal/store"
)

// Phase names one agent-driven step of the chain.
type Phase string

const (
	PhaseResearch  Phase = "research"
	PhasePlan      Phase = "plan"
	PhaseImplement Phase = "implement"
	PhaseCritique  Phase = "critique"
	PhasePR        Phase = "pr"
)

// phaseInputStates maps each phase to the states it may run from.
var phaseInputStates = map[Phase][]store.ItemState{
	PhaseResearch:  {store.StateRaw},
	PhasePlan:      {store.StateResearched},
	PhaseImplement: {store.StatePlanned, store.StateImplementing},
	PhaseCritique:  {store.StateCritique},
	PhasePR:        {store.StateInPR},
}

// PhaseForState returns the phase that advances an item in the given state.
// done has no phase.
func PhaseForState(s store.ItemState) (Phase, bool) {
	switch s {
	case store.StateRaw:
		return PhaseResearch, true
	case store.StateResearched:
		return PhasePlan, true
	case store.StatePlanned, store.StateImplementing:
		return PhaseImplement, true
	case store.StateCritique:
		return PhaseCritique, true
	case store.StateInPR:
		return PhasePR, true
	}
	return "", false
}

// GetNextState returns the successor state, or "" for done.
func GetNextState(s store.ItemState) store.ItemState {
	i := store.StateIndex(s)
	if i < 0 || i == len(store.StateChain)-1 {
		return ""
	}
	return store.StateChain[i+1]
}

// ValidationContext is the on-disk evidence a transition is judged against.
type ValidationContext struct {
	HasResearchMD bool
	HasPlanMD     bool
	PRD           *store.PRD
	HasPR         bool
	PRMerged      bool
}

// Validation is the outcome of ValidateTransition.
type Validation struct {
	Valid  bool
	Reason string
}

func invalid(format string, args ...any) Validation {
	return Validation{Reason: fmt.Sprintf(format, args...)}
}

// ValidateTransition checks the precondition for current → target. Only
// single forward steps are ever valid; the critique rejection loop is an
// explicit reset, not a transition.
func ValidateTransition(current, target store.ItemState, ctx ValidationContext) Validation {
	if GetNextState(current) != target || target == "" {
		return invalid("transition %s -> %s is not a single forward step", current, target)
	}
	switch target {
	case store.StateResearched:
		if !ctx.HasResearchMD {
			return invalid("research.md does not exist")
		}
	case store.StatePlanned:
		if !ctx.HasPlanMD {
			return invalid("plan.md does not exist")
		}
		if ctx.PRD == nil || len(ctx.PRD.UserStories) == 0 {
			return invalid("prd is missing or has no stories")
		}
	case store.StateImplementing:
		if ctx.PRD == nil || len(ctx.PRD.UserStories) == 0 {
			return invalid("prd has no stories")
		}
		if len(ctx.PRD.PendingStories()) == 0 {
			return invalid("prd has no pending stories")
		}
	case store.StateCritique:
		if ctx.PRD == nil || !ctx.PRD.AllStoriesDone() {
			return invalid("not all stories are done")
		}
		if !ctx.HasPR {
			return invalid("no work branch or pr recorded")
		}
	case store.StateInPR:
		// Gated by the critique verdict, which the engine evaluates before
		// attempting this transition.
	case store.StateDone:
		if !ctx.PRMerged {
			return invalid("pr not merged and no direct-merge sha recorded")
		}
	}
	return Validation{Valid: true}
}

// Transition records one applied state change.
type Transition struct {
	From store.ItemState
	To   store.ItemState
}

// ApplyStateTransition is pure: on success it returns a fresh item advanced
// one step, never mutating its input. Callers persist via the store.
func ApplyStateTransition(it *store.Item, ctx ValidationContext) (*store.Item, *Transition, string) {
	next := GetNextState(it.State)
	if next == "" {
		return nil, nil, fmt.Sprintf("item %s is already %s", it.ID, it.State)
	}
	if v := ValidateTransition(it.State, next, ctx); !v.Valid {
		return nil, nil, v.Reason
	}
	out := it.Clone()
	out.State = next
	return out, &Transition{From: it.State, To: next}, ""
}
