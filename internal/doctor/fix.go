package doctor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/wreckit/wreckit/internal/store"
)

// BackupEntry records one file the repair session touched, before the touch.
type BackupEntry struct {
	OriginalPath   string `json:"original_path"`
	BackupPath     string `json:"backup_path"`
	Operation      string `json:"operation"` // modified | deleted
	DiagnosticCode string `json:"diagnostic_code"`
	ItemID         string `json:"item_id,omitempty"`
	ContentHash    string `json:"content_hash"`
}

// BackupManifest is written to manifest.json inside the session backup dir.
type BackupManifest struct {
	SessionID string        `json:"session_id"`
	CreatedAt time.Time     `json:"created_at"`
	Entries   []BackupEntry `json:"entries"`
}

// FixResult reports what one Fix pass did.
type FixResult struct {
	SessionID string
	BackupDir string
	Applied   []Diagnostic
	Skipped   []Diagnostic
}

type backupSession struct {
	dir      string
	manifest BackupManifest
}

func newBackupSession(backupsRoot string) (*backupSession, error) {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	dir := filepath.Join(backupsRoot, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &backupSession{
		dir:      dir,
		manifest: BackupManifest{SessionID: id, CreatedAt: time.Now().UTC()},
	}, nil
}

// preserve copies path into the session dir and records it. The repair may
// only proceed once preserve returns nil.
func (b *backupSession) preserve(path, operation, code, itemID string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	sum := blake3.Sum256(raw)
	name := fmt.Sprintf("%03d-%s", len(b.manifest.Entries), filepath.Base(path))
	dst := filepath.Join(b.dir, name)
	if err := store.WriteFileAtomic(dst, raw, 0o644); err != nil {
		return err
	}
	b.manifest.Entries = append(b.manifest.Entries, BackupEntry{
		OriginalPath:   path,
		BackupPath:     dst,
		Operation:      operation,
		DiagnosticCode: code,
		ItemID:         itemID,
		ContentHash:    hex.EncodeToString(sum[:]),
	})
	return nil
}

func (b *backupSession) flush() error {
	return store.WriteJSONAtomic(filepath.Join(b.dir, "manifest.json"), &b.manifest)
}

// Fix repairs every fixable diagnostic from a fresh Diagnose pass. With
// safeOnly set, repairs that destroy external state (VM kills) are skipped.
// A second Fix on a healthy tree applies nothing.
func (d *Doctor) Fix(ctx context.Context, safeOnly bool) (*FixResult, error) {
	diags, err := d.Diagnose(ctx)
	if err != nil {
		return nil, err
	}

	session, err := newBackupSession(d.Store.BackupsDir())
	if err != nil {
		return nil, err
	}
	res := &FixResult{SessionID: session.manifest.SessionID, BackupDir: session.dir}

	rebuildIndex := false
	var indexDiags []Diagnostic
	for _, dg := range diags {
		if !dg.Fixable {
			res.Skipped = append(res.Skipped, dg)
			continue
		}
		var ferr error
		switch dg.Code {
		case CodeIndexStale, CodeIndexCorrupt, CodeDuplicateItemID:
			rebuildIndex = true
			indexDiags = append(indexDiags, dg)
			continue
		case CodeStateFileMismatch:
			ferr = d.fixStateMismatch(session, dg.ItemID)
			rebuildIndex = rebuildIndex || ferr == nil
		case CodePRDMissingID, CodePRDMissingBranchName, CodePRDInvalidPriority:
			ferr = d.fixPRD(session, dg)
		case CodeOrphanedBatchProgress:
			ferr = d.fixBatchProgress(session)
		case CodeOrphanedVM:
			if safeOnly || d.KillVM == nil {
				res.Skipped = append(res.Skipped, dg)
				continue
			}
			ferr = d.KillVM(ctx, vmNameFromMessage(dg.Message))
		default:
			res.Skipped = append(res.Skipped, dg)
			continue
		}
		if ferr != nil {
			return res, fmt.Errorf("fix %s: %w", dg.Code, ferr)
		}
		res.Applied = append(res.Applied, dg)
	}

	if rebuildIndex {
		if err := d.rebuildIndexWithBackup(session); err != nil {
			return res, err
		}
		res.Applied = append(res.Applied, indexDiags...)
	}
	if len(session.manifest.Entries) > 0 || len(res.Applied) > 0 {
		if err := session.flush(); err != nil {
			return res, err
		}
	} else {
		_ = os.Remove(session.dir)
	}
	return res, nil
}

func (d *Doctor) rebuildIndexWithBackup(b *backupSession) error {
	path := d.Store.IndexPath()
	if _, err := os.Stat(path); err == nil {
		if err := b.preserve(path, "modified", CodeIndexStale, ""); err != nil {
			return err
		}
	}
	_, err := d.Store.RebuildIndex()
	return err
}

// fixStateMismatch downgrades the item to the highest state its artifacts
// support. Downgrade only; the doctor never advances work.
func (d *Doctor) fixStateMismatch(b *backupSession, id string) error {
	it, err := d.Store.ReadItem(id)
	if err != nil {
		return err
	}
	ceiling := d.artifactCeiling(it)
	if store.StateIndex(it.State) <= store.StateIndex(ceiling) {
		return nil
	}
	if err := b.preserve(d.Store.ItemPath(id), "modified", CodeStateFileMismatch, id); err != nil {
		return err
	}
	it.State = ceiling
	if err := d.Store.WriteItem(id, it); err != nil {
		return err
	}
	return d.Store.AppendProgress(id, fmt.Sprintf("doctor: state downgraded to %s to match artifacts", ceiling))
}

func (d *Doctor) fixPRD(b *backupSession, dg Diagnostic) error {
	id := dg.ItemID
	path := d.Store.PRDPath(id)
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var prd store.PRD
	if err := json.Unmarshal(raw, &prd); err != nil {
		return err
	}

	changed := false
	switch dg.Code {
	case CodePRDMissingID:
		if prd.ID == "" {
			prd.ID = id
			changed = true
		}
	case CodePRDMissingBranchName:
		if prd.BranchName == "" {
			prd.BranchName = "wreckit/" + id
			changed = true
		}
	case CodePRDInvalidPriority:
		for i := range prd.UserStories {
			if p := prd.UserStories[i].Priority; p < 1 {
				prd.UserStories[i].Priority = 1
				changed = true
			} else if p > 4 {
				prd.UserStories[i].Priority = 4
				changed = true
			}
		}
	}
	if !changed {
		return nil
	}
	if err := b.preserve(path, "modified", dg.Code, id); err != nil {
		return err
	}
	if prd.SchemaVersion == 0 {
		prd.SchemaVersion = store.SchemaVersion
	}
	return d.Store.WritePRD(id, &prd)
}

func (d *Doctor) fixBatchProgress(b *backupSession) error {
	path := d.Store.BatchProgressPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := b.preserve(path, "deleted", CodeOrphanedBatchProgress, ""); err != nil {
		return err
	}
	return d.Store.RemoveBatchProgress()
}

// vmNameFromMessage recovers the VM name from an ORPHANED_VM message. The
// message format is owned by diagnoseSandbox.
func vmNameFromMessage(msg string) string {
	var name string
	_, _ = fmt.Sscanf(msg, "sandbox VM %s", &name)
	return name
}
