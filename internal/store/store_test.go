package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir())
}

func seedItem(t *testing.T, s *Store, id string, state ItemState) *Item {
	t.Helper()
	it := &Item{
		SchemaVersion: SchemaVersion,
		ID:            id,
		Title:         "Test " + id,
		State:         state,
		Overview:      "overview for " + id,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.WriteItem(id, it); err != nil {
		t.Fatalf("WriteItem(%s): %v", id, err)
	}
	return it
}

func TestItemRoundTrip(t *testing.T) {
	s := newTestStore(t)
	branch := "wreckit/001-foo"
	it := &Item{
		ID:        "001-foo",
		Title:     "Foo",
		State:     StateRaw,
		Overview:  "do the foo",
		Branch:    &branch,
		DependsOn: []string{"000-base"},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.WriteItem("001-foo", it); err != nil {
		t.Fatalf("WriteItem: %v", err)
	}
	got, err := s.ReadItem("001-foo")
	if err != nil {
		t.Fatalf("ReadItem: %v", err)
	}
	if got.Title != "Foo" || got.State != StateRaw || got.Branch == nil || *got.Branch != branch {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "000-base" {
		t.Fatalf("depends_on lost: %+v", got.DependsOn)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("updated_at not stamped")
	}
}

func TestWriteItemStampsUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	it := seedItem(t, s, "001-foo", StateRaw)
	first := it.UpdatedAt
	time.Sleep(5 * time.Millisecond)
	if err := s.WriteItem("001-foo", it); err != nil {
		t.Fatal(err)
	}
	if !it.UpdatedAt.After(first) {
		t.Fatalf("updated_at did not advance: %v -> %v", first, it.UpdatedAt)
	}
}

func TestReadItemInvalidJSON(t *testing.T) {
	s := newTestStore(t)
	if err := os.MkdirAll(s.ItemDir("001-bad"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.ItemPath("001-bad"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := s.ReadItem("001-bad")
	var inv *InvalidArtifactError
	if !errors.As(err, &inv) {
		t.Fatalf("want InvalidArtifactError, got %v", err)
	}
	if inv.Path != s.ItemPath("001-bad") {
		t.Fatalf("error does not carry path: %q", inv.Path)
	}
}

func TestReadItemSchemaViolation(t *testing.T) {
	s := newTestStore(t)
	// Parses as JSON but the state is outside the enum.
	doc := map[string]any{
		"schema_version": 1,
		"id":             "001-bad",
		"title":          "Bad",
		"state":          "half-done",
		"overview":       "",
		"branch":         nil,
		"pr_url":         nil,
		"pr_number":      nil,
		"last_error":     nil,
		"created_at":     time.Now().UTC().Format(time.RFC3339),
		"updated_at":     time.Now().UTC().Format(time.RFC3339),
	}
	b, _ := json.Marshal(doc)
	if err := os.MkdirAll(s.ItemDir("001-bad"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.ItemPath("001-bad"), b, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := s.ReadItem("001-bad")
	var inv *InvalidArtifactError
	if !errors.As(err, &inv) {
		t.Fatalf("want InvalidArtifactError for schema violation, got %v", err)
	}
}

func TestReadItemNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadItem("999-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestResolveID(t *testing.T) {
	s := newTestStore(t)
	seedItem(t, s, "001-alpha", StateRaw)
	seedItem(t, s, "002-beta-sync", StateRaw)
	seedItem(t, s, "036-create-summarize", StateRaw)

	cases := []struct {
		ref     string
		want    string
		wantErr error
	}{
		{ref: "036-create-summarize", want: "036-create-summarize"},
		{ref: "36", want: "036-create-summarize"},
		{ref: "1", want: "001-alpha"},
		{ref: "summarize", want: "036-create-summarize"},
		{ref: "beta", want: "002-beta-sync"},
		{ref: "zzz", wantErr: ErrNotFound},
		{ref: "a", wantErr: ErrAmbiguousID}, // alpha, beta-sync, summarize all contain "a"
	}
	for _, tc := range cases {
		got, err := s.ResolveID(tc.ref)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("ResolveID(%q): want %v, got %v", tc.ref, tc.wantErr, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ResolveID(%q): %v", tc.ref, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ResolveID(%q) = %q, want %q", tc.ref, got, tc.want)
		}
	}
}

func TestScanItemsSorted(t *testing.T) {
	s := newTestStore(t)
	seedItem(t, s, "003-c", StatePlanned)
	seedItem(t, s, "001-a", StateRaw)
	seedItem(t, s, "002-b", StateDone)

	items, err := s.ScanItems()
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("want 3 items, got %d", len(items))
	}
	for i, want := range []string{"001-a", "002-b", "003-c"} {
		if items[i].ID != want {
			t.Fatalf("scan order: got %v", items)
		}
	}
	if items[1].State != StateDone {
		t.Fatalf("projection lost state: %+v", items[1])
	}
}

func TestScanItemsEmpty(t *testing.T) {
	s := newTestStore(t)
	items, err := s.ScanItems()
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("want empty scan, got %v", items)
	}
}

func TestRebuildIndexMatchesScan(t *testing.T) {
	s := newTestStore(t)
	seedItem(t, s, "001-a", StateRaw)
	seedItem(t, s, "002-b", StatePlanned)

	idx, err := s.RebuildIndex()
	if err != nil {
		t.Fatal(err)
	}
	scan, err := s.ScanItems()
	if err != nil {
		t.Fatal(err)
	}
	if len(idx.Items) != len(scan) {
		t.Fatalf("index/scan divergence: %d vs %d", len(idx.Items), len(scan))
	}
	got, err := s.ReadIndex()
	if err != nil {
		t.Fatal(err)
	}
	if got.GeneratedAt.IsZero() || len(got.Items) != 2 {
		t.Fatalf("index not persisted: %+v", got)
	}
}

func TestPRDRoundTripAndStories(t *testing.T) {
	s := newTestStore(t)
	prd := &PRD{
		ID:         "001-foo",
		BranchName: "wreckit/001-foo",
		UserStories: []UserStory{
			{ID: "US-001", Title: "first", AcceptanceCriteria: []string{"works"}, Priority: 1, Status: StoryDone},
			{ID: "US-002", Title: "second", AcceptanceCriteria: []string{"also works"}, Priority: 2, Status: StoryPending},
		},
	}
	if err := s.WritePRD("001-foo", prd); err != nil {
		t.Fatal(err)
	}
	got, err := s.ReadPRD("001-foo")
	if err != nil {
		t.Fatal(err)
	}
	if got.AllStoriesDone() {
		t.Fatal("AllStoriesDone should be false with a pending story")
	}
	if pending := got.PendingStories(); len(pending) != 1 || pending[0].ID != "US-002" {
		t.Fatalf("pending stories: %+v", pending)
	}
	got.UserStories[1].Status = StoryDone
	if !got.AllStoriesDone() {
		t.Fatal("AllStoriesDone should be true")
	}
}

func TestReadPRDRejectsBadPriority(t *testing.T) {
	s := newTestStore(t)
	doc := `{"schema_version":1,"id":"001-foo","branch_name":"wreckit/001-foo",
		"user_stories":[{"id":"US-001","title":"t","acceptance_criteria":[],"priority":7,"status":"pending"}]}`
	if err := os.MkdirAll(s.ItemDir("001-foo"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.PRDPath("001-foo"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := s.ReadPRD("001-foo")
	var inv *InvalidArtifactError
	if !errors.As(err, &inv) {
		t.Fatalf("want InvalidArtifactError for priority 7, got %v", err)
	}
}

func TestAppendAndTailProgress(t *testing.T) {
	s := newTestStore(t)
	for _, line := range []string{"one", "two", "three"} {
		if err := s.AppendProgress("001-foo", line); err != nil {
			t.Fatal(err)
		}
	}
	lines, err := s.TailProgress("001-foo", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 {
		t.Fatalf("want 2 lines, got %v", lines)
	}
}

func TestWriteJSONAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	if err := WriteJSONAtomic(path, map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "out.json" {
		t.Fatalf("unexpected directory contents: %v", entries)
	}
	var v map[string]int
	b, _ := os.ReadFile(path)
	if err := json.Unmarshal(b, &v); err != nil || v["a"] != 1 {
		t.Fatalf("written file does not parse: %v %v", v, err)
	}
}

func TestBatchProgressRoundTrip(t *testing.T) {
	s := newTestStore(t)
	bp, err := s.ReadBatchProgress()
	if err != nil {
		t.Fatal(err)
	}
	if bp != nil {
		t.Fatal("want nil batch progress on miss")
	}
	in := &BatchProgress{
		SessionID:   "01HTEST",
		PID:         os.Getpid(),
		StartedAt:   time.Now().UTC(),
		Parallel:    2,
		QueuedItems: []string{"001-a"},
		Completed:   []string{},
		Failed:      []string{},
		Skipped:     []string{},
	}
	if err := s.WriteBatchProgress(in); err != nil {
		t.Fatal(err)
	}
	out, err := s.ReadBatchProgress()
	if err != nil {
		t.Fatal(err)
	}
	if out == nil || out.SessionID != "01HTEST" || out.Parallel != 2 {
		t.Fatalf("batch progress round trip: %+v", out)
	}
	if err := s.RemoveBatchProgress(); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveBatchProgress(); err != nil {
		t.Fatal(err) // idempotent
	}
}

func TestIndexLockSerializesWriters(t *testing.T) {
	s := newTestStore(t)
	if err := os.MkdirAll(s.Dir(), 0o755); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	err := s.WithIndexLock(func() error {
		go func() {
			// A second writer in the same process blocks on flock until the
			// first releases; verify it eventually gets in.
			_ = s.WithIndexLock(func() error { return nil })
			close(done)
		}()
		time.Sleep(20 * time.Millisecond)
		select {
		case <-done:
			return errors.New("second writer entered while lock held")
		default:
			return nil
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("second writer never acquired the lock")
	}
}
