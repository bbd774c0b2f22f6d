package sprite

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSessionSaveLoadList(t *testing.T) {
	s := NewSessionStore(filepath.Join(t.TempDir(), "sessions"))

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"s-old", "s-mid", "s-new"} {
		if err := s.Save(&Session{
			SessionID: id,
			VMName:    "wreckit-sandbox-001-" + id,
			ItemID:    "001-add-auth",
			StartTime: base.Add(time.Duration(i) * time.Hour),
			State:     SessionRunning,
		}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Load("s-mid")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.VMName != "wreckit-sandbox-001-s-mid" {
		t.Fatalf("load: %+v", got)
	}

	missing, err := s.Load("nope")
	if err != nil || missing != nil {
		t.Fatalf("miss must be nil, nil: %v %v", missing, err)
	}

	all, err := s.List(ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].SessionID != "s-new" || all[2].SessionID != "s-old" {
		t.Fatalf("list order: %v", ids(all))
	}

	running, err := s.List(ListFilter{State: SessionRunning, ItemID: "001-add-auth"})
	if err != nil || len(running) != 3 {
		t.Fatalf("filtered list: %v %v", ids(running), err)
	}
}

func TestUpdateStateStampsEndTime(t *testing.T) {
	s := NewSessionStore(t.TempDir())
	if err := s.Save(&Session{SessionID: "s1", ItemID: "001", StartTime: time.Now().UTC(), State: SessionRunning}); err != nil {
		t.Fatal(err)
	}
	sess, err := s.UpdateState("s1", SessionFailed, func(x *Session) { x.Error = "boom" })
	if err != nil {
		t.Fatal(err)
	}
	if sess.EndTime == nil || sess.Error != "boom" {
		t.Fatalf("terminal state must stamp end time: %+v", sess)
	}

	sess2, err := s.UpdateState("s1", SessionRunning, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Reopening does not clear the recorded end time.
	if sess2.EndTime == nil {
		t.Fatal("end time lost")
	}

	if _, err := s.UpdateState("absent", SessionFailed, nil); err == nil {
		t.Fatal("missing session must error")
	}
}

func ids(sessions []*Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.SessionID
	}
	return out
}
