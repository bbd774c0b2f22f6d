package sprite

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/wreckit/wreckit/internal/store"
)

// SessionState is the lifecycle of one sandbox session.
type SessionState string

const (
	SessionRunning   SessionState = "running"
	SessionPaused    SessionState = "paused"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
)

func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Session records one ephemeral VM lifetime so a run can be audited or
// resumed from its checkpoint.
type Session struct {
	SessionID  string       `json:"session_id"`
	VMName     string       `json:"vm_name"`
	ItemID     string       `json:"item_id"`
	StartTime  time.Time    `json:"start_time"`
	EndTime    *time.Time   `json:"end_time,omitempty"`
	State      SessionState `json:"state"`
	Checkpoint string       `json:"checkpoint,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// SessionStore persists sessions under .wreckit/sessions/{id}.json.
type SessionStore struct {
	Dir string
}

func NewSessionStore(dir string) *SessionStore { return &SessionStore{Dir: dir} }

func (s *SessionStore) path(id string) string {
	return filepath.Join(s.Dir, id+".json")
}

func (s *SessionStore) Save(sess *Session) error {
	if sess.SessionID == "" {
		return fmt.Errorf("session has no id")
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	return store.WriteJSONAtomic(s.path(sess.SessionID), sess)
}

// Load returns nil, nil on miss.
func (s *SessionStore) Load(id string) (*Session, error) {
	b, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, &store.InvalidArtifactError{Path: s.path(id), Reason: "bad session file", Err: err}
	}
	return &sess, nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	State  SessionState
	ItemID string
}

// List enumerates sessions sorted by start time descending.
func (s *SessionStore) List(filter ListFilter) ([]*Session, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		sess, err := s.Load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil || sess == nil {
			continue
		}
		if filter.State != "" && sess.State != filter.State {
			continue
		}
		if filter.ItemID != "" && sess.ItemID != filter.ItemID {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

// UpdateState transitions a session, applying patch before the write. Entering
// a terminal state stamps EndTime.
func (s *SessionStore) UpdateState(id string, newState SessionState, patch func(*Session)) (*Session, error) {
	sess, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	sess.State = newState
	if patch != nil {
		patch(sess)
	}
	if newState.Terminal() && sess.EndTime == nil {
		now := time.Now().UTC()
		sess.EndTime = &now
	}
	if err := s.Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}
