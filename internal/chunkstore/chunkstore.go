// Package chunkstore keeps the per-session directory trees that hold raw
// uploaded chunks, their encoded counterparts and the DASH package.
//
// Layout under the root:
//
//	<session>/raw/video_chunk-<seq><ext>
//	<session>/encoded/video_chunk-<seq>.mp4
//	<session>/dash/index.mpd (+ segments and packager context)
package chunkstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	rawDir     = "raw"
	encodedDir = "encoded"
	dashDir    = "dash"

	chunkPrefix     = "video_chunk-"
	stagingPrefix   = ".incoming-"
	encodedExt      = ".mp4"
	defaultRawExt   = ".webm"
	manifestName    = "index.mpd"
	maxSessionIDLen = 128
	maxExtLen       = 8
)

// ErrInvalidSessionID is returned for identifiers that cannot be used as a
// directory name.
var ErrInvalidSessionID = errors.New("invalid session id")

// Store is a filesystem-backed chunk store rooted at a single directory.
type Store struct {
	root string
}

// Staged is an uploaded chunk written under a temporary name. It must be
// either committed or discarded.
type Staged struct {
	SessionID string
	Path      string
	Ext       string
	Digest    string
	Size      int64
}

// New returns a Store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("chunk store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk store root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string { return s.root }

// ValidateSessionID reports whether id is safe to use as a single path
// component: ASCII letters, digits, '-', '_' and '.', not starting with a dot.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(id) > maxSessionIDLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidSessionID, maxSessionIDLen)
	}
	if id[0] == '.' {
		return fmt.Errorf("%w: leading dot", ErrInvalidSessionID)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: character %q not allowed", ErrInvalidSessionID, r)
		}
	}
	return nil
}

// NormalizeExt turns an uploaded filename's extension into a safe raw-chunk
// extension, falling back to .webm.
func NormalizeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) < 2 || len(ext) > maxExtLen {
		return defaultRawExt
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return defaultRawExt
		}
	}
	return ext
}

// SessionDir returns the directory for a session.
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// DashDir returns the directory holding a session's DASH package.
func (s *Store) DashDir(sessionID string) string {
	return filepath.Join(s.root, sessionID, dashDir)
}

// ManifestPath returns the path of a session's manifest.
func (s *Store) ManifestPath(sessionID string) string {
	return filepath.Join(s.DashDir(sessionID), manifestName)
}

// ManifestURLPath returns the manifest location relative to the store root,
// with forward slashes, e.g. "abc/dash/index.mpd".
func ManifestURLPath(sessionID string) string {
	return sessionID + "/" + dashDir + "/" + manifestName
}

// RawPath returns the committed location of a raw chunk.
func (s *Store) RawPath(sessionID string, seq int64, ext string) string {
	return filepath.Join(s.root, sessionID, rawDir, chunkName(seq, ext))
}

// EncodedPath returns the location of a transcoded chunk.
func (s *Store) EncodedPath(sessionID string, seq int64) string {
	return filepath.Join(s.root, sessionID, encodedDir, chunkName(seq, encodedExt))
}

// EncodedFilename is the base name recorded in metadata for a chunk.
func EncodedFilename(seq int64) string {
	return chunkName(seq, encodedExt)
}

func chunkName(seq int64, ext string) string {
	return chunkPrefix + strconv.FormatInt(seq, 10) + ext
}

// EnsureSession creates the directory tree for a session.
func (s *Store) EnsureSession(sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	for _, sub := range []string{rawDir, encodedDir, dashDir} {
		if err := os.MkdirAll(filepath.Join(s.root, sessionID, sub), 0o755); err != nil {
			return fmt.Errorf("create session directory: %w", err)
		}
	}
	return nil
}

// Stage copies body into a uniquely named temporary file in the session's raw
// directory, computing its SHA-256 digest on the way. ext is the extension the
// chunk will carry once committed.
func (s *Store) Stage(sessionID, ext string, body io.Reader) (*Staged, error) {
	if err := s.EnsureSession(sessionID); err != nil {
		return nil, err
	}
	path := filepath.Join(s.root, sessionID, rawDir, stagingPrefix+uuid.NewString())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), body)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close staging file: %w", err)
	}

	return &Staged{
		SessionID: sessionID,
		Path:      path,
		Ext:       ext,
		Digest:    hex.EncodeToString(h.Sum(nil)),
		Size:      n,
	}, nil
}

// Commit moves a staged chunk to its final raw location and returns that path.
// Existing raw files for the same sequence are replaced, whatever their
// extension.
func (s *Store) Commit(st *Staged, seq int64) (string, error) {
	dst := s.RawPath(st.SessionID, seq, st.Ext)
	if err := os.Rename(st.Path, dst); err != nil {
		return "", fmt.Errorf("commit chunk %d: %w", seq, err)
	}
	siblings, err := filepath.Glob(filepath.Join(s.root, st.SessionID, rawDir, chunkName(seq, ".*")))
	if err != nil {
		return dst, nil
	}
	for _, m := range siblings {
		if m == dst {
			continue
		}
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("replace chunk %d: %w", seq, err)
		}
	}
	return dst, nil
}

// Discard removes a staged chunk. Missing files are ignored.
func (s *Store) Discard(st *Staged) {
	if st == nil {
		return
	}
	os.Remove(st.Path)
}

// Digest returns the hex SHA-256 of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sessions lists the session directories present under the root, sorted.
// Entries that are not valid session ids are skipped.
func (s *Store) Sessions() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || ValidateSessionID(e.Name()) != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// RawChunk is a committed raw chunk found on disk.
type RawChunk struct {
	Sequence int64
	Path     string
	Ext      string
}

// FindRaw returns the committed raw file for seq, whatever its extension.
func (s *Store) FindRaw(sessionID string, seq int64) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(s.root, sessionID, rawDir, chunkName(seq, ".*")))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	sort.Strings(matches)
	return matches[0], true
}

// RemoveStaging deletes staging files left behind by an interrupted upload.
// It must not run while uploads for the session are in progress.
func (s *Store) RemoveStaging(sessionID string) error {
	matches, err := filepath.Glob(filepath.Join(s.root, sessionID, rawDir, stagingPrefix+"*"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// RawChunks lists committed raw chunks for a session ordered by sequence.
func (s *Store) RawChunks(sessionID string) ([]RawChunk, error) {
	dir := filepath.Join(s.root, sessionID, rawDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []RawChunk
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if !strings.HasPrefix(name, chunkPrefix) {
			continue
		}
		ext := filepath.Ext(name)
		seq, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, chunkPrefix), ext), 10, 64)
		if err != nil || seq < 1 {
			continue
		}
		out = append(out, RawChunk{Sequence: seq, Path: filepath.Join(dir, name), Ext: ext})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}
