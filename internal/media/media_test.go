package media

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dash-recorder/internal/platform/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner records commands and simulates the tools' outputs.
type scriptedRunner struct {
	calls []Command
	fn    func(ctx context.Context, c Command) error
}

func (r *scriptedRunner) Run(ctx context.Context, c Command) error {
	r.calls = append(r.calls, c)
	if r.fn != nil {
		return r.fn(ctx, c)
	}
	return nil
}

func lastArg(c Command) string { return c.Args[len(c.Args)-1] }

func argAfter(c Command, flag string) string {
	for i, a := range c.Args {
		if a == flag && i+1 < len(c.Args) {
			return c.Args[i+1]
		}
	}
	return ""
}

func vp9(t *testing.T) Profile {
	t.Helper()
	p, err := SelectProfile(BuiltinProfiles(), "vp9")
	require.NoError(t, err)
	return p
}

func TestSelectProfile(t *testing.T) {
	p := vp9(t)
	assert.Equal(t, "libvpx-vp9", p.Encoder)
	assert.Equal(t, 1280, p.Width)
	assert.Equal(t, 720, p.Height)
	assert.Equal(t, 30, p.FrameRate)

	h, err := SelectProfile(BuiltinProfiles(), "h264")
	require.NoError(t, err)
	assert.Equal(t, "libx264", h.Encoder)

	_, err = SelectProfile(BuiltinProfiles(), "prores")
	assert.ErrorIs(t, err, ErrUnknownProfile)
}

func TestLoadProfiles_yaml_overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	doc := `profiles:
  - name: low
    codec: h264
    width: 854
    height: 480
    frame_rate: 25
    bitrate_kbps: 1200
  - name: vp9
    codec: vp9
    width: 1920
    height: 1080
    frame_rate: 30
    bitrate_kbps: 8000
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	profiles, err := LoadProfiles(path)
	require.NoError(t, err)
	assert.Contains(t, profiles, "h264")
	assert.Equal(t, 1920, profiles["vp9"].Width)

	low, err := SelectProfile(profiles, "low")
	require.NoError(t, err)
	assert.Equal(t, "libx264", low.Encoder)
	assert.Equal(t, "yuv420p", low.PixelFormat)
}

func TestLoadProfiles_invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profiles:\n  - name: bad\n    width: 0\n"), 0o644))
	_, err := LoadProfiles(path)
	assert.Error(t, err)

	_, err = LoadProfiles(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestTranscoder_builds_constant_bitrate_command(t *testing.T) {
	dir := t.TempDir()
	runner := &scriptedRunner{fn: func(ctx context.Context, c Command) error {
		return os.WriteFile(lastArg(c), []byte("mp4"), 0o644)
	}}
	tr, err := NewTranscoder(runner, TranscoderConfig{Profile: vp9(t)})
	require.NoError(t, err)

	raw := filepath.Join(dir, "video_chunk-1.webm")
	out := filepath.Join(dir, "encoded", "video_chunk-1.mp4")
	got, err := tr.Transcode(context.Background(), raw, out)
	require.NoError(t, err)
	assert.Equal(t, out, got)
	assert.FileExists(t, out)
	assert.NoFileExists(t, out+".part")

	require.Len(t, runner.calls, 1)
	c := runner.calls[0]
	assert.Equal(t, "ffmpeg", c.Name)
	assert.Equal(t, raw, argAfter(c, "-i"))
	assert.Equal(t, "libvpx-vp9", argAfter(c, "-c:v"))
	for _, flag := range []string{"-b:v", "-minrate", "-maxrate", "-bufsize"} {
		assert.Equal(t, "5000k", argAfter(c, flag), flag)
	}
	assert.Equal(t, "scale=1280:720", argAfter(c, "-vf"))
	assert.Equal(t, "30", argAfter(c, "-r"))
	assert.Equal(t, "yuv420p", argAfter(c, "-pix_fmt"))
}

func TestTranscoder_failures(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "video_chunk-2.mp4")

	t.Run("non_zero_exit", func(t *testing.T) {
		runner := &scriptedRunner{fn: func(ctx context.Context, c Command) error {
			os.WriteFile(lastArg(c), []byte("half"), 0o644)
			return errors.New("exit status 1")
		}}
		tr, err := NewTranscoder(runner, TranscoderConfig{Profile: vp9(t)})
		require.NoError(t, err)
		_, err = tr.Transcode(context.Background(), "in.webm", out)
		assert.ErrorIs(t, err, ErrTranscode)
		assert.NoFileExists(t, out+".part")
		assert.NoFileExists(t, out)
	})

	t.Run("no_output", func(t *testing.T) {
		tr, err := NewTranscoder(&scriptedRunner{}, TranscoderConfig{Profile: vp9(t)})
		require.NoError(t, err)
		_, err = tr.Transcode(context.Background(), "in.webm", out)
		assert.ErrorIs(t, err, ErrTranscode)
		assert.Contains(t, err.Error(), "no output")
	})

	t.Run("timeout", func(t *testing.T) {
		runner := &scriptedRunner{fn: func(ctx context.Context, c Command) error {
			<-ctx.Done()
			return ctx.Err()
		}}
		tr, err := NewTranscoder(runner, TranscoderConfig{Profile: vp9(t), Timeout: 20 * time.Millisecond})
		require.NoError(t, err)
		_, err = tr.Transcode(context.Background(), "in.webm", out)
		assert.ErrorIs(t, err, ErrTranscode)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func fakeMP4Box(ctx context.Context, c Command) error {
	ctxPath := argAfter(c, "-dash-ctx")
	mpd := argAfter(c, "-out")
	prev, _ := os.ReadFile(ctxPath)
	n := strings.Count(string(prev), "\n") + 1
	if err := os.WriteFile(ctxPath, append(prev, []byte("segment\n")...), 0o644); err != nil {
		return err
	}
	return os.WriteFile(mpd, []byte(strings.Repeat("<S/>", n)), 0o644)
}

func TestPackager_first_then_continue(t *testing.T) {
	dash := filepath.Join(t.TempDir(), "dash")
	runner := &scriptedRunner{fn: fakeMP4Box}
	p := NewPackager(runner, PackagerConfig{})

	require.NoError(t, p.Package(context.Background(), dash, "/enc/video_chunk-1.mp4", true))
	require.NoError(t, p.Package(context.Background(), dash, "/enc/video_chunk-2.mp4", false))

	require.Len(t, runner.calls, 2)
	c := runner.calls[0]
	assert.Equal(t, "MP4Box", c.Name)
	assert.Equal(t, dash, c.Dir)
	assert.Equal(t, "1000", argAfter(c, "-dash"))
	assert.Equal(t, "live", argAfter(c, "-profile"))
	assert.Equal(t, filepath.Join(dash, ContextFile), argAfter(c, "-dash-ctx"))
	assert.Equal(t, filepath.Join(dash, ManifestFile), argAfter(c, "-out"))
	assert.Equal(t, "/enc/video_chunk-2.mp4", lastArg(runner.calls[1]))

	mpd, err := os.ReadFile(filepath.Join(dash, ManifestFile))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(mpd), "<S/>"))
}

func TestPackager_first_resets_stale_context(t *testing.T) {
	dash := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dash, ContextFile), []byte("old\nold\n"), 0o644))

	p := NewPackager(&scriptedRunner{fn: fakeMP4Box}, PackagerConfig{SegmentMillis: 2000})
	require.NoError(t, p.Package(context.Background(), dash, "a.mp4", true))

	data, err := os.ReadFile(filepath.Join(dash, ManifestFile))
	require.NoError(t, err)
	assert.Equal(t, "<S/>", string(data))
}

func TestPackager_continuation_requires_context(t *testing.T) {
	runner := &scriptedRunner{fn: fakeMP4Box}
	p := NewPackager(runner, PackagerConfig{})
	err := p.Package(context.Background(), t.TempDir(), "b.mp4", false)
	assert.ErrorIs(t, err, ErrPackage)
	assert.Empty(t, runner.calls, "tool must not run without context")
}

func TestPackager_tool_failure(t *testing.T) {
	p := NewPackager(&scriptedRunner{fn: func(ctx context.Context, c Command) error {
		return errors.New("exit status 2")
	}}, PackagerConfig{})
	err := p.Package(context.Background(), t.TempDir(), "c.mp4", true)
	assert.ErrorIs(t, err, ErrPackage)

	silent := NewPackager(&scriptedRunner{}, PackagerConfig{})
	err = silent.Package(context.Background(), t.TempDir(), "c.mp4", true)
	assert.ErrorIs(t, err, ErrPackage)
	assert.Contains(t, err.Error(), "manifest not written")
}

func TestExecRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewExecRunner(logger.Discard())

	require.NoError(t, r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo ok"}}))

	err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo broken input >&2; exit 3"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken input")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = r.Run(ctx, Command{Name: "sh", Args: []string{"-c", "exec sleep 5"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
