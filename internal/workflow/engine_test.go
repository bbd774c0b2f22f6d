package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wreckit/wreckit/internal/config"
	"github.com/wreckit/wreckit/internal/gitutil"
	"github.com/wreckit/wreckit/internal/store"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	mustGit(t, dir, "init", "-b", "main")
	mustGit(t, dir, "config", "user.name", "test")
	mustGit(t, dir, "config", "user.email", "test@local")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mustGit(t, dir, "add", "-A")
	mustGit(t, dir, "commit", "-m", "init")
	return dir
}

func mustGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

// scriptEngine builds an engine whose agent is a shell script. The script
// runs with the repo as cwd and must print WRECKIT_DONE on success.
func scriptEngine(root, script string) *Engine {
	cfg := config.Default()
	cfg.Agent = config.AgentConfig{
		Kind:             config.AgentProcess,
		Command:          "sh",
		Args:             []string{"-c", "cat >/dev/null; " + script},
		CompletionSignal: "WRECKIT_DONE",
	}
	cfg.AgentTimeout = 60
	return &Engine{Store: store.New(root), Config: cfg}
}

func seedItem(t *testing.T, s *store.Store, id string, state store.ItemState) *store.Item {
	t.Helper()
	it := &store.Item{
		ID:        id,
		Title:     "Test item",
		State:     state,
		Overview:  "overview",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.WriteItem(id, it); err != nil {
		t.Fatal(err)
	}
	return it
}

func TestResearchPhaseAdvances(t *testing.T) {
	root := initRepo(t)
	id := "001-test-item"
	eng := scriptEngine(root, fmt.Sprintf(
		"mkdir -p .wreckit/items/%s && echo findings > .wreckit/items/%s/research.md && echo WRECKIT_DONE", id, id))
	seedItem(t, eng.Store, id, store.StateRaw)

	res, err := eng.RunPhase(context.Background(), id, PhaseResearch)
	if err != nil {
		t.Fatal(err)
	}
	if res.Item.State != store.StateResearched {
		t.Fatalf("state: %s", res.Item.State)
	}
	got, err := eng.Store.ReadItem(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != store.StateResearched || got.LastError != nil {
		t.Fatalf("persisted: %+v", got)
	}
}

func TestResearchWriteViolationFails(t *testing.T) {
	root := initRepo(t)
	id := "001-test-item"
	eng := scriptEngine(root, fmt.Sprintf(
		"mkdir -p .wreckit/items/%s && echo x > .wreckit/items/%s/research.md && echo oops > stray.txt && echo WRECKIT_DONE", id, id))
	seedItem(t, eng.Store, id, store.StateRaw)

	_, err := eng.RunPhase(context.Background(), id, PhaseResearch)
	var verr *WriteViolationError
	if !errors.As(err, &verr) {
		t.Fatalf("want WriteViolationError, got %v", err)
	}
	got, _ := eng.Store.ReadItem(id)
	if got.State != store.StateRaw {
		t.Fatal("state must not advance on violation")
	}
	if got.LastError == nil {
		t.Fatal("last_error must be recorded")
	}
}

func TestAgentFailureRecordsLastError(t *testing.T) {
	root := initRepo(t)
	id := "001-test-item"
	eng := scriptEngine(root, "echo no signal here")
	seedItem(t, eng.Store, id, store.StateRaw)

	_, err := eng.RunPhase(context.Background(), id, PhaseResearch)
	var aerr *AgentFailedError
	if !errors.As(err, &aerr) {
		t.Fatalf("want AgentFailedError, got %v", err)
	}
	got, _ := eng.Store.ReadItem(id)
	if got.State != store.StateRaw || got.LastError == nil {
		t.Fatalf("persisted: %+v", got)
	}
}

func TestWrongStateRejected(t *testing.T) {
	root := initRepo(t)
	id := "001-test-item"
	eng := scriptEngine(root, "echo WRECKIT_DONE")
	seedItem(t, eng.Store, id, store.StatePlanned)

	_, err := eng.RunPhase(context.Background(), id, PhaseResearch)
	var werr *WrongStateError
	if !errors.As(err, &werr) {
		t.Fatalf("want WrongStateError, got %v", err)
	}
}

func seedPRD(t *testing.T, s *store.Store, id string, statuses ...store.StoryStatus) {
	t.Helper()
	prd := &store.PRD{ID: id, BranchName: "wreckit/" + id}
	for i, st := range statuses {
		prd.UserStories = append(prd.UserStories, store.UserStory{
			ID:                 fmt.Sprintf("US-%d", i+1),
			Title:              fmt.Sprintf("story %d", i+1),
			AcceptanceCriteria: []string{"works"},
			Priority:           1,
			Status:             st,
		})
	}
	if err := s.WritePRD(id, prd); err != nil {
		t.Fatal(err)
	}
}

func TestImplementStaysUntilStoriesDone(t *testing.T) {
	root := initRepo(t)
	id := "001-test-item"
	eng := scriptEngine(root, "echo worked on a story && echo WRECKIT_DONE")
	seedItem(t, eng.Store, id, store.StateImplementing)
	seedPRD(t, eng.Store, id, store.StoryDone, store.StoryPending)

	res, err := eng.RunPhase(context.Background(), id, PhaseImplement)
	if err != nil {
		t.Fatal(err)
	}
	if res.Transition != nil {
		t.Fatalf("must not transition with pending stories: %+v", res.Transition)
	}
	got, _ := eng.Store.ReadItem(id)
	if got.State != store.StateImplementing {
		t.Fatalf("state: %s", got.State)
	}
}

func TestImplementAdvancesToCritiqueWhenAllDone(t *testing.T) {
	root := initRepo(t)
	id := "001-test-item"
	eng := scriptEngine(root, "echo WRECKIT_DONE")
	it := seedItem(t, eng.Store, id, store.StateImplementing)
	branch := "wreckit/" + id
	it.Branch = &branch
	if err := eng.Store.WriteItem(id, it); err != nil {
		t.Fatal(err)
	}
	seedPRD(t, eng.Store, id, store.StoryDone, store.StoryDone)

	res, err := eng.RunPhase(context.Background(), id, PhaseImplement)
	if err != nil {
		t.Fatal(err)
	}
	if res.Item.State != store.StateCritique {
		t.Fatalf("state: %s", res.Item.State)
	}
}

func TestCritiqueApprovedAndRejected(t *testing.T) {
	root := initRepo(t)
	id := "001-test-item"

	approved := scriptEngine(root, `echo '{"status":"approved","reason":"ok","critique":""}' && echo WRECKIT_DONE`)
	seedItem(t, approved.Store, id, store.StateCritique)
	res, err := approved.RunPhase(context.Background(), id, PhaseCritique)
	if err != nil {
		t.Fatal(err)
	}
	if res.Item.State != store.StateInPR {
		t.Fatalf("approved must land in in_pr: %s", res.Item.State)
	}

	rejected := scriptEngine(root, `echo '{"status":"rejected","reason":"US-1 unmet","critique":"no tests"}' && echo WRECKIT_DONE`)
	it, _ := rejected.Store.ReadItem(id)
	it.State = store.StateCritique
	if err := rejected.Store.WriteItem(id, it); err != nil {
		t.Fatal(err)
	}
	res, err = rejected.RunPhase(context.Background(), id, PhaseCritique)
	if err != nil {
		t.Fatal(err)
	}
	if res.Item.State != store.StatePlanned {
		t.Fatalf("rejected must reset to planned: %s", res.Item.State)
	}
	lines, _ := rejected.Store.TailProgress(id, 5)
	found := false
	for _, l := range lines {
		if strings.Contains(l, "US-1 unmet") {
			found = true
		}
	}
	if !found {
		t.Fatalf("critique not recorded: %v", lines)
	}
}

func TestCritiqueMalformedIsFailure(t *testing.T) {
	root := initRepo(t)
	id := "001-test-item"
	eng := scriptEngine(root, "echo looks fine && echo WRECKIT_DONE")
	seedItem(t, eng.Store, id, store.StateCritique)

	_, err := eng.RunPhase(context.Background(), id, PhaseCritique)
	var merr *MalformedVerdictError
	if !errors.As(err, &merr) {
		t.Fatalf("want MalformedVerdictError, got %v", err)
	}
	got, _ := eng.Store.ReadItem(id)
	if got.State != store.StateCritique {
		t.Fatal("malformed verdict must not change state")
	}
}

func setupMergeReady(t *testing.T, root, id string, eng *Engine) {
	t.Helper()
	branch := "wreckit/" + id
	mustGit(t, root, "switch", "-c", branch)
	if err := os.WriteFile(filepath.Join(root, "feature.txt"), []byte("f\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mustGit(t, root, "add", "feature.txt")
	mustGit(t, root, "commit", "-m", "feature")
	mustGit(t, root, "switch", "main")

	it := seedItem(t, eng.Store, id, store.StateInPR)
	it.Branch = &branch
	if err := eng.Store.WriteItem(id, it); err != nil {
		t.Fatal(err)
	}
	seedPRD(t, eng.Store, id, store.StoryDone)
}

func TestPRPhaseDirectMerge(t *testing.T) {
	root := initRepo(t)
	id := "001-test-item"
	eng := scriptEngine(root, "echo WRECKIT_DONE")
	eng.DryRun = true // no agent turn for the pr body
	eng.Config.Git.DirectMerge = true
	eng.Config.PRChecks.Commands = []string{"true"}
	setupMergeReady(t, root, id, eng)

	res, err := eng.RunPhase(context.Background(), id, PhasePR)
	if err != nil {
		t.Fatal(err)
	}
	got := res.Item
	if got.State != store.StateDone {
		t.Fatalf("state: %s", got.State)
	}
	if got.MergeCommitSHA == "" || got.RollbackSHA == "" {
		t.Fatalf("merge shas: %+v", got)
	}
	if got.CompletedAt == nil || got.MergedAt == nil || !got.ChecksPassed {
		t.Fatalf("completion metadata: %+v", got)
	}
}

func TestPRPhaseOpensAndMergesPR(t *testing.T) {
	root := initRepo(t)
	id := "001-test-item"
	eng := scriptEngine(root, "echo WRECKIT_DONE")
	eng.DryRun = true
	fake := &gitutil.FakePRDriver{}
	eng.PR = fake
	setupMergeReady(t, root, id, eng)

	res, err := eng.RunPhase(context.Background(), id, PhasePR)
	if err != nil {
		t.Fatal(err)
	}
	got := res.Item
	if got.State != store.StateDone || got.PRURL == nil || got.PRNumber == nil {
		t.Fatalf("item: %+v", got)
	}
	if got.MergeCommitSHA == "" {
		t.Fatal("merge sha not recorded")
	}
}

func TestPRPhaseCheckFailureAborts(t *testing.T) {
	root := initRepo(t)
	id := "001-test-item"
	eng := scriptEngine(root, "echo WRECKIT_DONE")
	eng.DryRun = true
	eng.Config.Git.DirectMerge = true
	eng.Config.PRChecks.Commands = []string{"false"}
	setupMergeReady(t, root, id, eng)

	_, err := eng.RunPhase(context.Background(), id, PhasePR)
	var cerr *ChecksFailedError
	if !errors.As(err, &cerr) {
		t.Fatalf("want ChecksFailedError, got %v", err)
	}
	got, _ := eng.Store.ReadItem(id)
	if got.State != store.StateInPR || got.LastError == nil {
		t.Fatalf("persisted: %+v", got)
	}
}

func TestCreateIdeaAllocatesIDs(t *testing.T) {
	root := t.TempDir()
	s := store.New(root)
	a, err := CreateIdea(s, IdeaInput{Title: "Add OAuth2 Login!", Overview: "o"})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != "001-add-oauth2-login" || a.State != store.StateRaw {
		t.Fatalf("item: %+v", a)
	}
	b, err := CreateIdea(s, IdeaInput{Title: "Second", Overview: "o"})
	if err != nil {
		t.Fatal(err)
	}
	if b.ID != "002-second" {
		t.Fatalf("id: %s", b.ID)
	}
	idx, err := s.ReadIndex()
	if err != nil {
		t.Fatal(err)
	}
	if len(idx.Items) != 2 {
		t.Fatalf("index: %+v", idx.Items)
	}
}
