package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SchemaVersion is the current on-disk artifact schema version.
const SchemaVersion = 1

// Store is the typed, crash-safe persistence layer rooted at a repository.
// All paths live under {root}/.wreckit. Items are never cached in memory;
// every phase reads from disk.
type Store struct {
	Root string
}

func New(root string) *Store {
	return &Store{Root: root}
}

func (s *Store) Dir() string               { return filepath.Join(s.Root, ".wreckit") }
func (s *Store) ItemsDir() string          { return filepath.Join(s.Dir(), "items") }
func (s *Store) ItemDir(id string) string  { return filepath.Join(s.ItemsDir(), id) }
func (s *Store) ItemPath(id string) string { return filepath.Join(s.ItemDir(id), "item.json") }
func (s *Store) PRDPath(id string) string  { return filepath.Join(s.ItemDir(id), "prd.json") }
func (s *Store) ResearchPath(id string) string {
	return filepath.Join(s.ItemDir(id), "research.md")
}
func (s *Store) PlanPath(id string) string { return filepath.Join(s.ItemDir(id), "plan.md") }
func (s *Store) ProgressLogPath(id string) string {
	return filepath.Join(s.ItemDir(id), "progress.log")
}
func (s *Store) IndexPath() string         { return filepath.Join(s.Dir(), "index.json") }
func (s *Store) IndexLockPath() string     { return filepath.Join(s.Dir(), "index.lock") }
func (s *Store) BatchProgressPath() string { return filepath.Join(s.Dir(), "batch-progress.json") }
func (s *Store) SessionsDir() string       { return filepath.Join(s.Dir(), "sessions") }
func (s *Store) BackupsDir() string        { return filepath.Join(s.Dir(), "backups") }
func (s *Store) MediaDir() string          { return filepath.Join(s.Dir(), "media") }
func (s *Store) EventsPath() string        { return filepath.Join(s.Dir(), "events.ndjson") }

// ReadItem loads and schema-validates an item. The id must already be
// resolved (use ResolveID for partial ids).
func (s *Store) ReadItem(id string) (*Item, error) {
	path := s.ItemPath(id)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	if err := validateAgainst(path, b, "item"); err != nil {
		return nil, err
	}
	var it Item
	if err := readJSONFile(path, &it); err != nil {
		return nil, err
	}
	if _, ok := ParseItemState(string(it.State)); !ok {
		return nil, &InvalidArtifactError{Path: path, Reason: fmt.Sprintf("unknown state %q", it.State)}
	}
	return &it, nil
}

// WriteItem persists an item atomically, stamping updated_at.
func (s *Store) WriteItem(id string, it *Item) error {
	if it == nil {
		return fmt.Errorf("item is nil")
	}
	if it.ID == "" {
		it.ID = id
	}
	if it.ID != id {
		return fmt.Errorf("item id %q does not match directory %q", it.ID, id)
	}
	if it.SchemaVersion == 0 {
		it.SchemaVersion = SchemaVersion
	}
	it.UpdatedAt = time.Now().UTC()
	return WriteJSONAtomic(s.ItemPath(id), it)
}

// ReadPRD loads and schema-validates an item's PRD.
func (s *Store) ReadPRD(id string) (*PRD, error) {
	path := s.PRDPath(id)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: prd for %s", ErrNotFound, id)
		}
		return nil, err
	}
	if err := validateAgainst(path, b, "prd"); err != nil {
		return nil, err
	}
	var prd PRD
	if err := readJSONFile(path, &prd); err != nil {
		return nil, err
	}
	return &prd, nil
}

func (s *Store) WritePRD(id string, prd *PRD) error {
	if prd == nil {
		return fmt.Errorf("prd is nil")
	}
	if prd.SchemaVersion == 0 {
		prd.SchemaVersion = SchemaVersion
	}
	return WriteJSONAtomic(s.PRDPath(id), prd)
}

// HasResearch and HasPlan report artifact presence for transition validation.
func (s *Store) HasResearch(id string) bool { return fileExists(s.ResearchPath(id)) }
func (s *Store) HasPlan(id string) bool     { return fileExists(s.PlanPath(id)) }
func (s *Store) HasPRD(id string) bool      { return fileExists(s.PRDPath(id)) }

// ReadIndex loads the derived index. A missing index is not an error; callers
// get an empty index and may rebuild via ScanItems.
func (s *Store) ReadIndex() (*Index, error) {
	path := s.IndexPath()
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Index{SchemaVersion: SchemaVersion, Items: []IndexItem{}}, nil
		}
		return nil, err
	}
	if err := validateAgainst(path, b, "index"); err != nil {
		return nil, err
	}
	var idx Index
	if err := readJSONFile(path, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

// WriteIndex persists the index under the advisory write lock. Callers that
// need a read-modify-write cycle should use WithIndexLock instead.
func (s *Store) WriteIndex(idx *Index) error {
	return s.WithIndexLock(func() error {
		return s.writeIndexLocked(idx)
	})
}

func (s *Store) writeIndexLocked(idx *Index) error {
	if idx == nil {
		return fmt.Errorf("index is nil")
	}
	if idx.SchemaVersion == 0 {
		idx.SchemaVersion = SchemaVersion
	}
	idx.GeneratedAt = time.Now().UTC()
	if idx.Items == nil {
		idx.Items = []IndexItem{}
	}
	return WriteJSONAtomic(s.IndexPath(), idx)
}

// WithIndexLock runs fn while holding the filesystem advisory lock on the
// index path. At most one process holds the lock at a time.
func (s *Store) WithIndexLock(fn func() error) error {
	if err := os.MkdirAll(s.Dir(), 0o755); err != nil {
		return err
	}
	lock, err := acquireLock(s.IndexLockPath())
	if err != nil {
		return err
	}
	defer lock.release()
	return fn()
}

// RebuildIndex regenerates the index from ScanItems under the write lock.
func (s *Store) RebuildIndex() (*Index, error) {
	items, err := s.ScanItems()
	if err != nil {
		return nil, err
	}
	idx := &Index{SchemaVersion: SchemaVersion, Items: items}
	if err := s.WriteIndex(idx); err != nil {
		return nil, err
	}
	return idx, nil
}

// ScanItems enumerates the items directory and returns each item's minimal
// projection sorted by id ascending. Unparsable items surface as
// InvalidArtifact errors; the doctor handles recovery.
func (s *Store) ScanItems() ([]IndexItem, error) {
	entries, err := os.ReadDir(s.ItemsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []IndexItem{}, nil
		}
		return nil, err
	}
	out := []IndexItem{}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		it, err := s.ReadItem(e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, IndexItem{
			ID:        it.ID,
			State:     it.State,
			Title:     it.Title,
			DependsOn: append([]string(nil), it.DependsOn...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListItemIDs returns all item directory names sorted ascending, without
// reading item files.
func (s *Store) ListItemIDs() ([]string, error) {
	entries, err := os.ReadDir(s.ItemsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// AppendProgress appends one timestamped line to an item's progress log.
func (s *Store) AppendProgress(id string, text string) error {
	if err := os.MkdirAll(s.ItemDir(id), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.ProgressLogPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), strings.TrimRight(text, "\n"))
	_, err = f.WriteString(line)
	return err
}

// TailProgress returns up to n trailing lines of an item's progress log.
func (s *Store) TailProgress(id string, n int) ([]string, error) {
	b, err := os.ReadFile(s.ProgressLogPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// ReadBatchProgress returns nil when no batch-progress file exists.
func (s *Store) ReadBatchProgress() (*BatchProgress, error) {
	path := s.BatchProgressPath()
	if !fileExists(path) {
		return nil, nil
	}
	var bp BatchProgress
	if err := readJSONFile(path, &bp); err != nil {
		return nil, err
	}
	return &bp, nil
}

func (s *Store) WriteBatchProgress(bp *BatchProgress) error {
	if bp == nil {
		return fmt.Errorf("batch progress is nil")
	}
	bp.UpdatedAt = time.Now().UTC()
	return WriteJSONAtomic(s.BatchProgressPath(), bp)
}

func (s *Store) RemoveBatchProgress() error {
	err := os.Remove(s.BatchProgressPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
