package workflow

import (
	"fmt"
	"strings"

	"github.com/wreckit/wreckit/internal/agent"
	"github.com/wreckit/wreckit/internal/store"
)

// WrongStateError means a phase was invoked on an item whose state is not an
// input state of that phase.
type WrongStateError struct {
	ID    string
	State store.ItemState
	Phase Phase
}

func (e *WrongStateError) Error() string {
	return fmt.Sprintf("item %s is %s; phase %s cannot run from that state", e.ID, e.State, e.Phase)
}

// AgentFailedError wraps a non-success agent result. The item's last_error is
// already recorded when this surfaces.
type AgentFailedError struct {
	ID    string
	Phase Phase
	Err   *agent.Error
}

func (e *AgentFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent failed for %s (%s): %s", e.ID, e.Phase, e.Err.Error())
	}
	return fmt.Sprintf("agent failed for %s (%s)", e.ID, e.Phase)
}

// WriteViolationError reports files touched outside the phase's allowed write
// roots.
type WriteViolationError struct {
	ID    string
	Phase Phase
	Paths []string
}

func (e *WriteViolationError) Error() string {
	return fmt.Sprintf("phase %s of %s wrote outside its allowed roots: %s",
		e.Phase, e.ID, strings.Join(e.Paths, ", "))
}

// ChecksFailedError aborts the PR/merge endgame.
type ChecksFailedError struct {
	ID     string
	Detail string
}

func (e *ChecksFailedError) Error() string {
	return fmt.Sprintf("pr checks failed for %s: %s", e.ID, e.Detail)
}

// MalformedVerdictError is a critique turn whose final output was not the
// required JSON object.
type MalformedVerdictError struct {
	ID string
}

func (e *MalformedVerdictError) Error() string {
	return fmt.Sprintf("critique for %s produced no parseable verdict", e.ID)
}
