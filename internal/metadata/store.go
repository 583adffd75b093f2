// Package metadata persists one record per packaged chunk in a single JSON
// document and derives the session listing from it.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrIO wraps every read or write failure of the metadata document.
var ErrIO = errors.New("metadata io error")

// Record is the durable fact that a chunk was packaged.
type Record struct {
	SessionID      string    `json:"sessionID"`
	SequenceNumber int64     `json:"sequence_number"`
	Filename       string    `json:"filename"`
	UploadTime     time.Time `json:"upload_time"`
}

// Store is the append-only record log. Appends are serialized by a single
// writer lock; the document is replaced atomically on every append.
type Store struct {
	path string
	mu   sync.RWMutex
}

// NewStore returns a Store backed by the JSON document at path. A missing
// document is created empty.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("metadata path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	s := &Store{path: path}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.write(nil); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Path returns the document location.
func (s *Store) Path() string { return s.path }

// Append adds rec to the document.
func (s *Store) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}
	records = append(records, rec)
	return s.write(records)
}

// ListAll returns every record in append order.
func (s *Store) ListAll() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read()
}

func (s *Store) read() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrIO, s.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrIO, s.path, err)
	}
	return records, nil
}

// write replaces the document through a temp file and rename.
func (s *Store) write(records []Record) error {
	if records == nil {
		records = []Record{}
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".metadata-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(records); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: encode: %w", ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: sync: %w", ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: replace %s: %w", ErrIO, s.path, err)
	}
	return nil
}
