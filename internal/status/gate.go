package status

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	appLog "tagcal/internal/log"
	"tagcal/internal/model"
)

// HashContent computes the stable fingerprint hash for a status
// content snapshot. Only fields that affect the rendered output enter
// the hash; never the wall clock.
func HashContent(content model.StatusContent) string {
	sum := sha256.Sum256([]byte(content.CanonicalString()))
	return hex.EncodeToString(sum[:])
}

// ShouldTransfer implements the change gate. It has no side effects;
// the returned fingerprint must only be persisted by the caller after a
// confirmed transfer success. A nil previous fingerprint means "no
// history" and always proceeds.
func ShouldTransfer(content model.StatusContent, prev *model.Fingerprint, force bool) (bool, model.Fingerprint) {
	fp := model.Fingerprint{
		ContentHash: HashContent(content),
		CapturedAt:  time.Now().UTC(),
		Content:     content,
	}

	if force || prev == nil {
		return true, fp
	}
	return fp.ContentHash != prev.ContentHash, fp
}

// StateFile persists the status fingerprint between runs.
type StateFile struct {
	path string
}

// NewStateFile returns a StateFile rooted at path.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// LoadPrevious reads the persisted fingerprint. A missing or corrupt
// file is treated as "no history", never as an error: the caller simply
// proceeds with the transfer.
func (s *StateFile) LoadPrevious() *model.Fingerprint {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			appLog.Warn("state file unreadable, treating as no history", "path", s.path, "err", err)
		}
		return nil
	}

	var fp model.Fingerprint
	if err := json.Unmarshal(data, &fp); err != nil {
		appLog.Warn("state file corrupt, treating as no history", "path", s.path, "err", err)
		return nil
	}
	if fp.ContentHash == "" {
		return nil
	}
	return &fp
}

// Store writes the fingerprint atomically (temp file + rename, 0600).
// Call only after a confirmed transfer success so a failed run leaves
// the previous fingerprint untouched.
func (s *StateFile) Store(fp model.Fingerprint) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(&fp, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tagcal-state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, s.path)
}
