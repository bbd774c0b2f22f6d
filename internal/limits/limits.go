// Package limits implements the shared caps applied to any agent turn:
// iterations, wall-clock duration, progress steps, and an optional dollar
// budget. A breach surfaces as a clean agent failure, never a panic.
package limits

import (
	"fmt"
	"sync"
	"time"
)

type Kind string

const (
	KindIterations Kind = "iterations"
	KindDuration   Kind = "duration"
	KindProgress   Kind = "progress"
	KindBudget     Kind = "budget"
)

const (
	DefaultMaxIterations    = 100
	DefaultMaxDuration      = 3600 * time.Second
	DefaultMaxProgressSteps = 1000
)

// ExceededError reports which cap tripped and by how much.
type ExceededError struct {
	Kind   Kind
	Limit  float64
	Actual float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("limit exceeded: %s (limit %g, actual %g)", e.Kind, e.Limit, e.Actual)
}

// Caps configures a tracker. Zero values take the documented defaults; a
// budget of zero means unbounded.
type Caps struct {
	MaxIterations    int
	MaxDuration      time.Duration
	MaxProgressSteps int
	MaxBudgetDollars float64
}

func (c Caps) withDefaults() Caps {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.MaxProgressSteps <= 0 {
		c.MaxProgressSteps = DefaultMaxProgressSteps
	}
	return c
}

// Tracker measures one agent turn. Check before each unit of work (loop
// iteration, tool call); the first breach is sticky.
type Tracker struct {
	mu sync.Mutex

	caps    Caps
	started time.Time

	iterations    int
	progressSteps int
	budgetDollars float64

	tripped *ExceededError

	// now is swappable for tests.
	now func() time.Time
}

func NewTracker(caps Caps) *Tracker {
	t := &Tracker{caps: caps.withDefaults(), now: time.Now}
	t.started = t.now()
	return t
}

// Iteration records one loop iteration and evaluates every cap.
func (t *Tracker) Iteration() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.iterations++
	return t.checkLocked()
}

// Progress records n progress steps (tool calls, messages) and evaluates caps.
func (t *Tracker) Progress(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progressSteps += n
	return t.checkLocked()
}

// Spend accumulates dollar cost and evaluates caps.
func (t *Tracker) Spend(dollars float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budgetDollars += dollars
	return t.checkLocked()
}

// Check evaluates the caps without recording work (duration may still trip).
func (t *Tracker) Check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkLocked()
}

func (t *Tracker) checkLocked() error {
	if t.tripped != nil {
		return t.tripped
	}
	trip := func(kind Kind, limit, actual float64) error {
		t.tripped = &ExceededError{Kind: kind, Limit: limit, Actual: actual}
		return t.tripped
	}
	if t.iterations > t.caps.MaxIterations {
		return trip(KindIterations, float64(t.caps.MaxIterations), float64(t.iterations))
	}
	if elapsed := t.now().Sub(t.started); elapsed > t.caps.MaxDuration {
		return trip(KindDuration, t.caps.MaxDuration.Seconds(), elapsed.Seconds())
	}
	if t.progressSteps > t.caps.MaxProgressSteps {
		return trip(KindProgress, float64(t.caps.MaxProgressSteps), float64(t.progressSteps))
	}
	if t.caps.MaxBudgetDollars > 0 && t.budgetDollars > t.caps.MaxBudgetDollars {
		return trip(KindBudget, t.caps.MaxBudgetDollars, t.budgetDollars)
	}
	return nil
}

// Snapshot returns current counters for result reporting.
func (t *Tracker) Snapshot() (iterations int, duration time.Duration, progress int, dollars float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iterations, t.now().Sub(t.started), t.progressSteps, t.budgetDollars
}
