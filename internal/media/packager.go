package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrPackage marks every failure of the DASH packaging step.
var ErrPackage = errors.New("package failed")

const (
	// ContextFile is the packager continuation state kept in the dash directory.
	ContextFile = "dash_context.txt"
	// ManifestFile is the manifest name inside the dash directory.
	ManifestFile = "index.mpd"

	DefaultPackageTimeout = time.Minute
	DefaultSegmentMillis  = 1000
)

// Packager folds encoded chunks into a session's DASH package with MP4Box,
// persisting the dash context between invocations.
type Packager struct {
	runner        Runner
	binary        string
	segmentMillis int
	timeout       time.Duration
}

// PackagerConfig configures a Packager. Zero values select defaults.
type PackagerConfig struct {
	Binary        string
	SegmentMillis int
	Timeout       time.Duration
}

// NewPackager returns a Packager executing through runner.
func NewPackager(runner Runner, cfg PackagerConfig) *Packager {
	if cfg.Binary == "" {
		cfg.Binary = "MP4Box"
	}
	if cfg.SegmentMillis <= 0 {
		cfg.SegmentMillis = DefaultSegmentMillis
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPackageTimeout
	}
	return &Packager{runner: runner, binary: cfg.Binary, segmentMillis: cfg.SegmentMillis, timeout: cfg.Timeout}
}

// Package appends encodedPath to the package in dashDir. When first is true a
// new manifest and context are started; otherwise the existing context must be
// present and is continued.
func (p *Packager) Package(ctx context.Context, dashDir, encodedPath string, first bool) error {
	if err := os.MkdirAll(dashDir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrPackage, err)
	}
	ctxPath := filepath.Join(dashDir, ContextFile)
	mpdPath := filepath.Join(dashDir, ManifestFile)

	if first {
		for _, stale := range []string{ctxPath, mpdPath} {
			if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: reset %s: %w", ErrPackage, filepath.Base(stale), err)
			}
		}
	} else if _, err := os.Stat(ctxPath); err != nil {
		return fmt.Errorf("%w: dash context missing: %w", ErrPackage, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := Command{
		Name: p.binary,
		Dir:  dashDir,
		Args: []string{
			"-dash", strconv.Itoa(p.segmentMillis),
			"-rap",
			"-frag-rap",
			"-profile", "live",
			"-dash-ctx", ctxPath,
			"-out", mpdPath,
			encodedPath,
		},
	}
	if err := p.runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPackage, filepath.Base(encodedPath), err)
	}
	if _, err := os.Stat(mpdPath); err != nil {
		return fmt.Errorf("%w: manifest not written: %w", ErrPackage, err)
	}
	return nil
}
