// Package orchestrator schedules many items across N workers, honoring the
// dependency DAG, and keeps a crash-detectable BatchProgress record for the
// session.
package orchestrator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wreckit/wreckit/internal/config"
	"github.com/wreckit/wreckit/internal/doctor"
	"github.com/wreckit/wreckit/internal/procutil"
	"github.com/wreckit/wreckit/internal/store"
	"github.com/wreckit/wreckit/internal/workflow"
)

var (
	// ErrSessionActive means a live orchestrator owns batch-progress.json.
	ErrSessionActive = errors.New("an orchestrate session is already running")
	// ErrNothingRunnable means the queue held no advanceable items.
	ErrNothingRunnable = errors.New("no runnable items")
)

// PhaseRunner advances one item by exactly one phase. *workflow.Engine is the
// production implementation.
type PhaseRunner interface {
	RunPhase(ctx context.Context, id string, phase workflow.Phase) (*workflow.PhaseResult, error)
}

// Orchestrator drives a batch of items to done.
type Orchestrator struct {
	Store  *store.Store
	Config *config.Config
	Runner PhaseRunner

	// Doctor enables post-failure healing when auto_repair allows it. Nil
	// disables healing.
	Doctor *doctor.Doctor

	Logf func(format string, args ...any)
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.Logf != nil {
		o.Logf(format, args...)
	}
}

// Result summarizes one session.
type Result struct {
	SessionID    string
	Completed    []string
	Failed       []string
	Skipped      []string
	Blocked      []string
	HealsApplied int
	Cancelled    bool
}

// session is the mutable scheduling state shared by workers.
type session struct {
	mu   sync.Mutex
	cond *sync.Cond

	states   map[string]store.ItemState // live view, all known items
	queue    []string                   // ascending ids still wanted
	claimed  map[string]bool
	failed   map[string]string // id -> reason
	heals    map[string]int
	healsRun int
	active   int // workers currently holding a claim
	done     bool

	bp *store.BatchProgress
}

// Run executes the batch. ids selects the items to drive; empty means every
// item that is not done. The call blocks until all queued work finishes,
// fails, or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, ids []string) (*Result, error) {
	if err := o.checkStaleSession(); err != nil {
		return nil, err
	}

	scan, err := o.Store.ScanItems()
	if err != nil {
		return nil, err
	}
	states := map[string]store.ItemState{}
	deps := map[string][]string{}
	for _, it := range scan {
		states[it.ID] = it.State
		deps[it.ID] = it.DependsOn
	}

	queue, skipped, err := buildQueue(scan, ids)
	if err != nil {
		return nil, err
	}

	// Items inside a dependency cycle never run; drop them up front.
	cyclic := map[string]bool{}
	for _, cyc := range doctor.FindCycles(deps) {
		for _, id := range cyc {
			cyclic[id] = true
		}
	}
	var blocked []string
	var runQueue []string
	for _, id := range queue {
		if cyclic[id] {
			blocked = append(blocked, id)
			continue
		}
		runQueue = append(runQueue, id)
	}
	if len(runQueue) == 0 {
		if len(blocked) > 0 {
			return nil, fmt.Errorf("%w: all queued items sit in dependency cycles", ErrNothingRunnable)
		}
		res := &Result{Skipped: skipped}
		return res, nil
	}

	sessionID := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	now := time.Now().UTC()
	s := &session{
		states:  states,
		queue:   runQueue,
		claimed: map[string]bool{},
		failed:  map[string]string{},
		heals:   map[string]int{},
		bp: &store.BatchProgress{
			SessionID:    sessionID,
			PID:          os.Getpid(),
			StartedAt:    now,
			UpdatedAt:    now,
			Parallel:     o.parallel(),
			QueuedItems:  append([]string(nil), runQueue...),
			Skipped:      skipped,
			HealAttempts: map[string]int{},
		},
	}
	s.cond = sync.NewCond(&s.mu)
	if err := o.Store.WriteBatchProgress(s.bp); err != nil {
		return nil, err
	}

	// Wake blocked workers when the context dies so they can drain out.
	wakeCtx, stopWake := context.WithCancel(ctx)
	defer stopWake()
	go func() {
		<-wakeCtx.Done()
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for w := 0; w < o.parallel(); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.worker(ctx, deps, s)
		}()
	}
	wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	res := &Result{
		SessionID:    sessionID,
		Completed:    append([]string(nil), s.bp.Completed...),
		Failed:       append([]string(nil), s.bp.Failed...),
		Skipped:      skipped,
		Blocked:      append(blocked, blockedByFailures(runQueue, deps, s)...),
		HealsApplied: s.healsRun,
		Cancelled:    ctx.Err() != nil,
	}
	sort.Strings(res.Blocked)

	if res.Cancelled {
		// Keep batch-progress.json so the next run can resume.
		s.bp.UpdatedAt = time.Now().UTC()
		s.bp.CurrentItem = ""
		_ = o.Store.WriteBatchProgress(s.bp)
		return res, context.Cause(ctx)
	}
	if err := o.Store.RemoveBatchProgress(); err != nil {
		return res, err
	}
	return res, nil
}

func (o *Orchestrator) parallel() int {
	if o.Config != nil && o.Config.Orchestrate.Parallel > 1 {
		return o.Config.Orchestrate.Parallel
	}
	return 1
}

// checkStaleSession enforces single-writer semantics. A dead owner's record
// is reclaimed; a live one aborts the run.
func (o *Orchestrator) checkStaleSession() error {
	bp, err := o.Store.ReadBatchProgress()
	if err != nil || bp == nil {
		return err
	}
	if bp.PID > 0 && bp.PID != os.Getpid() && procutil.PIDAlive(bp.PID) && !procutil.PIDZombie(bp.PID) {
		return fmt.Errorf("%w (pid %d, session %s)", ErrSessionActive, bp.PID, bp.SessionID)
	}
	o.logf("reclaiming stale session %s (pid %d is gone)", bp.SessionID, bp.PID)
	return o.Store.RemoveBatchProgress()
}

// buildQueue resolves the requested ids against the scan. Items already done
// at session start land in skipped, not the queue.
func buildQueue(scan []store.IndexItem, ids []string) (queue, skipped []string, err error) {
	known := map[string]store.ItemState{}
	for _, it := range scan {
		known[it.ID] = it.State
	}
	want := ids
	if len(want) == 0 {
		for _, it := range scan {
			want = append(want, it.ID)
		}
	}
	sort.Strings(want)
	for _, id := range want {
		st, ok := known[id]
		if !ok {
			return nil, nil, fmt.Errorf("unknown item %q", id)
		}
		if st == store.StateDone {
			skipped = append(skipped, id)
			continue
		}
		queue = append(queue, id)
	}
	return queue, skipped, nil
}

// worker claims one runnable item at a time, advances it a single phase, and
// releases. Runnability is re-derived from the live state map on every pass.
func (o *Orchestrator) worker(ctx context.Context, deps map[string][]string, s *session) {
	for {
		id, ok := o.claimNext(ctx, deps, s)
		if !ok {
			return
		}
		o.runOnePhase(ctx, id, s)
	}
}

// claimNext blocks until a runnable unclaimed item exists, every worker is
// idle with nothing left, or the context is cancelled.
func (o *Orchestrator) claimNext(ctx context.Context, deps map[string][]string, s *session) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if ctx.Err() != nil || s.done {
			return "", false
		}
		for _, id := range s.queue {
			if s.claimed[id] {
				continue
			}
			if _, failed := s.failed[id]; failed {
				continue
			}
			if s.states[id] == store.StateDone {
				continue
			}
			if !depsSatisfied(deps[id], s) {
				continue
			}
			s.claimed[id] = true
			s.active++
			s.bp.CurrentItem = id
			return id, true
		}
		if s.active == 0 {
			// No claims outstanding and nothing selectable: the session
			// cannot make further progress.
			s.done = true
			s.cond.Broadcast()
			return "", false
		}
		s.cond.Wait()
	}
}

func depsSatisfied(deps []string, s *session) bool {
	for _, dep := range deps {
		if s.states[dep] != store.StateDone {
			return false
		}
		if _, failed := s.failed[dep]; failed {
			return false
		}
	}
	return true
}

// runOnePhase advances the claimed item one step and commits the outcome to
// the shared state and BatchProgress under the mutex.
func (o *Orchestrator) runOnePhase(ctx context.Context, id string, s *session) {
	s.mu.Lock()
	state := s.states[id]
	s.mu.Unlock()

	phase, ok := workflow.PhaseForState(state)
	if !ok {
		o.finish(s, id, func() {})
		return
	}

	res, err := o.Runner.RunPhase(ctx, id, phase)

	switch {
	case err == nil:
		o.finish(s, id, func() {
			if res != nil && res.Item != nil {
				s.states[id] = res.Item.State
				if res.Item.State == store.StateDone {
					s.bp.Completed = append(s.bp.Completed, id)
				}
			}
		})
	case ctx.Err() != nil:
		o.finish(s, id, func() {})
	case o.tryHeal(ctx, id, err, s):
		// Healed: leave the item unclaimed and unfailed so a worker picks it
		// up again.
		o.finish(s, id, func() {})
	default:
		o.logf("item %s failed in %s: %v", id, phase, err)
		o.finish(s, id, func() {
			s.failed[id] = err.Error()
			s.bp.Failed = append(s.bp.Failed, id)
		})
	}
}

// finish releases the claim, applies commit, persists BatchProgress, and
// wakes waiting workers.
func (o *Orchestrator) finish(s *session, id string, commit func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	commit()
	delete(s.claimed, id)
	s.active--
	if s.bp.CurrentItem == id {
		s.bp.CurrentItem = ""
	}
	s.bp.UpdatedAt = time.Now().UTC()
	s.bp.HealAttempts = copyCounts(s.heals)
	s.bp.HealsApplied = s.healsRun
	_ = o.Store.WriteBatchProgress(s.bp)
	s.cond.Broadcast()
}

// tryHeal runs the doctor when the failure matches a healable signature and
// policy allows another attempt for this item.
func (o *Orchestrator) tryHeal(ctx context.Context, id string, failure error, s *session) bool {
	if o.Doctor == nil || o.Config == nil {
		return false
	}
	policy := o.Config.Orchestrate.AutoRepair
	if policy == "" || policy == "false" {
		return false
	}
	if doctor.HealableSignature(failure.Error()) == doctor.HealNone {
		return false
	}

	s.mu.Lock()
	max := o.Config.Orchestrate.MaxRetries
	if max <= 0 {
		max = 1
	}
	if s.heals[id] >= max {
		s.mu.Unlock()
		return false
	}
	s.heals[id]++
	s.mu.Unlock()

	o.logf("healing item %s after: %v", id, failure)
	if _, err := o.Doctor.Fix(ctx, policy == "safe-only"); err != nil {
		o.logf("heal failed: %v", err)
		return false
	}
	s.mu.Lock()
	s.healsRun++
	s.mu.Unlock()
	return true
}

// blockedByFailures lists queued items that never ran because a transitive
// dependency failed this session.
func blockedByFailures(queue []string, deps map[string][]string, s *session) []string {
	var out []string
	for _, id := range queue {
		if s.states[id] == store.StateDone {
			continue
		}
		if _, failed := s.failed[id]; failed {
			continue
		}
		if dependsOnFailure(id, deps, s, map[string]bool{}) {
			out = append(out, id)
		}
	}
	return out
}

func dependsOnFailure(id string, deps map[string][]string, s *session, seen map[string]bool) bool {
	if seen[id] {
		return false
	}
	seen[id] = true
	for _, dep := range deps[id] {
		if _, failed := s.failed[dep]; failed {
			return true
		}
		if dependsOnFailure(dep, deps, s, seen) {
			return true
		}
	}
	return false
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
