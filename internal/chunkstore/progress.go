package chunkstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const progressFile = ".progress.json"

// Progress is the packaging state of a session that must survive a restart
// independently of the metadata document.
type Progress struct {
	// Packaged is the highest sequence number appended to the DASH package.
	Packaged int64     `json:"packaged"`
	Halted   *HaltMark `json:"halted,omitempty"`
}

// HaltMark records the sequence number a session stopped at.
type HaltMark struct {
	Sequence int64     `json:"sequence_number"`
	Stage    string    `json:"stage"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// SaveProgress replaces the session's progress file atomically.
func (s *Store) SaveProgress(sessionID string, p Progress) error {
	dir := s.DashDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dash directory: %w", err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".progress-*.tmp")
	if err != nil {
		return fmt.Errorf("create progress file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write progress file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync progress file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close progress file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, progressFile)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace progress file: %w", err)
	}
	return nil
}

// LoadProgress returns the saved progress of a session. A session without a
// progress file yields the zero Progress.
func (s *Store) LoadProgress(sessionID string) (Progress, error) {
	var p Progress
	data, err := os.ReadFile(filepath.Join(s.DashDir(sessionID), progressFile))
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return Progress{}, fmt.Errorf("decode progress file: %w", err)
	}
	return p, nil
}
