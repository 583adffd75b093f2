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

// ErrTranscode marks every failure of the encoding step.
var ErrTranscode = errors.New("transcode failed")

// DefaultTranscodeTimeout bounds a single encoder invocation.
const DefaultTranscodeTimeout = 2 * time.Minute

// Transcoder converts one raw chunk into an encoded MP4 using ffmpeg.
type Transcoder struct {
	runner  Runner
	binary  string
	profile Profile
	timeout time.Duration
}

// TranscoderConfig configures a Transcoder. Zero values select defaults.
type TranscoderConfig struct {
	Binary  string
	Profile Profile
	Timeout time.Duration
}

// NewTranscoder returns a Transcoder executing through runner.
func NewTranscoder(runner Runner, cfg TranscoderConfig) (*Transcoder, error) {
	if err := cfg.Profile.Validate(); err != nil {
		return nil, err
	}
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTranscodeTimeout
	}
	return &Transcoder{runner: runner, binary: cfg.Binary, profile: cfg.Profile, timeout: cfg.Timeout}, nil
}

// Profile returns the encoding profile in use.
func (t *Transcoder) Profile() Profile { return t.profile }

// Transcode encodes rawPath into encodedPath. The output is written under a
// temporary name and renamed once the encoder exits cleanly, so encodedPath
// never holds a partial file.
func (t *Transcoder) Transcode(ctx context.Context, rawPath, encodedPath string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(encodedPath), 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscode, err)
	}
	partial := encodedPath + ".part"
	os.Remove(partial)

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := Command{Name: t.binary, Args: t.args(rawPath, partial)}
	if err := t.runner.Run(ctx, cmd); err != nil {
		os.Remove(partial)
		return "", fmt.Errorf("%w: %s: %w", ErrTranscode, filepath.Base(rawPath), err)
	}

	info, err := os.Stat(partial)
	if err != nil || info.Size() == 0 {
		os.Remove(partial)
		return "", fmt.Errorf("%w: %s: encoder produced no output", ErrTranscode, filepath.Base(rawPath))
	}
	if err := os.Rename(partial, encodedPath); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscode, err)
	}
	return encodedPath, nil
}

func (t *Transcoder) args(in, out string) []string {
	p := t.profile
	rate := strconv.Itoa(p.BitrateKbps) + "k"
	return []string{
		"-hide_banner",
		"-y",
		"-i", in,
		"-an",
		"-c:v", p.Encoder,
		"-b:v", rate,
		"-minrate", rate,
		"-maxrate", rate,
		"-bufsize", rate,
		"-vf", fmt.Sprintf("scale=%d:%d", p.Width, p.Height),
		"-r", strconv.Itoa(p.FrameRate),
		"-pix_fmt", p.PixelFormat,
		"-f", "mp4",
		out,
	}
}
