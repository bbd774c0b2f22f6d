package store

import (
	"strings"
	"time"
)

// ItemState is the workflow position of an item. States form an ordered chain;
// transitions only ever advance by one step (the doctor may downgrade, with a
// backup).
type ItemState string

const (
	StateRaw          ItemState = "raw"
	StateResearched   ItemState = "researched"
	StatePlanned      ItemState = "planned"
	StateImplementing ItemState = "implementing"
	StateCritique     ItemState = "critique"
	StateInPR         ItemState = "in_pr"
	StateDone         ItemState = "done"
)

// StateChain is the canonical ordering of item states.
var StateChain = []ItemState{
	StateRaw,
	StateResearched,
	StatePlanned,
	StateImplementing,
	StateCritique,
	StateInPR,
	StateDone,
}

// StateIndex returns the position of s in the chain, or -1 for unknown states.
func StateIndex(s ItemState) int {
	for i, st := range StateChain {
		if st == s {
			return i
		}
	}
	return -1
}

// ParseItemState normalizes a state string. Unknown values return ok=false.
func ParseItemState(s string) (ItemState, bool) {
	st := ItemState(strings.ToLower(strings.TrimSpace(s)))
	return st, StateIndex(st) >= 0
}

// Item is the durable unit of work. It lives at .wreckit/items/{id}/item.json
// and is mutated only by the workflow engine or the doctor.
type Item struct {
	SchemaVersion int       `json:"schema_version"`
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Section       string    `json:"section,omitempty"`
	State         ItemState `json:"state"`
	Overview      string    `json:"overview"`

	// Optional structured context captured at idea intake.
	ProblemStatement     string   `json:"problem_statement,omitempty"`
	Motivation           string   `json:"motivation,omitempty"`
	SuccessCriteria      []string `json:"success_criteria,omitempty"`
	TechnicalConstraints []string `json:"technical_constraints,omitempty"`
	ScopeIn              []string `json:"scope_in,omitempty"`
	ScopeOut             []string `json:"scope_out,omitempty"`
	PriorityHint         string   `json:"priority_hint,omitempty"`
	UrgencyHint          string   `json:"urgency_hint,omitempty"`

	// Git context.
	Branch         *string `json:"branch"`
	PRURL          *string `json:"pr_url"`
	PRNumber       *int    `json:"pr_number"`
	RollbackSHA    string  `json:"rollback_sha,omitempty"`
	MergeCommitSHA string  `json:"merge_commit_sha,omitempty"`

	// Completion metadata.
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	MergedAt     *time.Time `json:"merged_at,omitempty"`
	ChecksPassed bool       `json:"checks_passed,omitempty"`

	// Relations.
	DependsOn []string `json:"depends_on,omitempty"`
	Campaign  string   `json:"campaign,omitempty"`

	LastError *string `json:"last_error"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy. The workflow engine's transition function is pure
// and must not alias slices with its input.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	cp := *it
	cp.SuccessCriteria = append([]string(nil), it.SuccessCriteria...)
	cp.TechnicalConstraints = append([]string(nil), it.TechnicalConstraints...)
	cp.ScopeIn = append([]string(nil), it.ScopeIn...)
	cp.ScopeOut = append([]string(nil), it.ScopeOut...)
	cp.DependsOn = append([]string(nil), it.DependsOn...)
	if it.Branch != nil {
		v := *it.Branch
		cp.Branch = &v
	}
	if it.PRURL != nil {
		v := *it.PRURL
		cp.PRURL = &v
	}
	if it.PRNumber != nil {
		v := *it.PRNumber
		cp.PRNumber = &v
	}
	if it.LastError != nil {
		v := *it.LastError
		cp.LastError = &v
	}
	if it.CompletedAt != nil {
		v := *it.CompletedAt
		cp.CompletedAt = &v
	}
	if it.MergedAt != nil {
		v := *it.MergedAt
		cp.MergedAt = &v
	}
	return &cp
}

type StoryStatus string

const (
	StoryPending StoryStatus = "pending"
	StoryDone    StoryStatus = "done"
)

// UserStory is one unit of the PRD. Story ids match ^US-(?:\d+|\d{3}-\d+)$.
type UserStory struct {
	ID                 string      `json:"id"`
	Title              string      `json:"title"`
	AcceptanceCriteria []string    `json:"acceptance_criteria"`
	Priority           int         `json:"priority"`
	Status             StoryStatus `json:"status"`
	Notes              string      `json:"notes,omitempty"`
}

// PRD is the planning artifact. state=done requires every story done.
type PRD struct {
	SchemaVersion int         `json:"schema_version"`
	ID            string      `json:"id"`
	BranchName    string      `json:"branch_name"`
	UserStories   []UserStory `json:"user_stories"`
}

// AllStoriesDone reports whether every story has status=done. An empty PRD is
// not considered done.
func (p *PRD) AllStoriesDone() bool {
	if p == nil || len(p.UserStories) == 0 {
		return false
	}
	for _, s := range p.UserStories {
		if s.Status != StoryDone {
			return false
		}
	}
	return true
}

// PendingStories returns stories with status=pending in declaration order.
func (p *PRD) PendingStories() []UserStory {
	if p == nil {
		return nil
	}
	var out []UserStory
	for _, s := range p.UserStories {
		if s.Status == StoryPending {
			out = append(out, s)
		}
	}
	return out
}

// IndexItem is the minimal projection the orchestrator scans.
type IndexItem struct {
	ID        string    `json:"id"`
	State     ItemState `json:"state"`
	Title     string    `json:"title"`
	DependsOn []string  `json:"depends_on,omitempty"`
}

// Index is a derived cache of the item files. The doctor can rebuild it.
type Index struct {
	SchemaVersion int         `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Items         []IndexItem `json:"items"`
}

// BatchProgress records one orchestrator session for crash detection and
// resume.
type BatchProgress struct {
	SessionID   string    `json:"session_id"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Parallel    int       `json:"parallel"`
	QueuedItems []string  `json:"queued_items"`
	CurrentItem string    `json:"current_item,omitempty"`
	Completed   []string  `json:"completed"`
	Failed      []string  `json:"failed"`
	Skipped     []string  `json:"skipped"`

	// Healing counters, keyed by item id.
	HealAttempts map[string]int `json:"heal_attempts,omitempty"`
	HealsApplied int            `json:"heals_applied,omitempty"`
}
