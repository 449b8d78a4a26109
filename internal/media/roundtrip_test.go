package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/capturepipe/capturepipe/internal/capture"
)

// The tests below drive the real ffmpeg/ffprobe binaries and are skipped on
// machines without them.

func requireBinaries(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			t.Skipf("%s not installed", name)
		}
	}
}

// synthesizeClip renders a one-second 10 fps test pattern as vp9/webm.
func synthesizeClip(t *testing.T, dir string) []byte {
	t.Helper()
	src := filepath.Join(dir, "src.webm")
	out, err := exec.Command("ffmpeg", "-hide_banner", "-nostdin", "-y",
		"-f", "lavfi", "-i", "testsrc=duration=1:size=64x64:rate=10",
		"-c:v", "libvpx-vp9", src).CombinedOutput()
	require.NoError(t, err, string(out))
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	return data
}

// probeClip reports the container duration and decoded frame count of the
// first video stream.
func probeClip(t *testing.T, dir string, data []byte, ext string) (duration float64, frames int) {
	t.Helper()
	path := filepath.Join(dir, "clip-under-probe"+ext)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	out, err := exec.Command("ffprobe", "-v", "error",
		"-count_frames", "-select_streams", "v:0",
		"-show_entries", "stream=nb_read_frames:format=duration",
		"-of", "default=noprint_wrappers=1", path).Output()
	require.NoError(t, err)
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || value == "N/A" {
			continue
		}
		switch key {
		case "nb_read_frames":
			n, err := strconv.Atoi(value)
			require.NoError(t, err)
			frames = n
		case "duration":
			d, err := strconv.ParseFloat(value, 64)
			require.NoError(t, err)
			duration = d
		}
	}
	return duration, frames
}

// packetDigest hashes the encoded packets without re-encoding, so two clips
// carrying the same elementary stream produce the same digest.
func packetDigest(t *testing.T, dir string, data []byte, ext string) string {
	t.Helper()
	path := filepath.Join(dir, "clip-under-digest"+ext)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	out, err := exec.Command("ffmpeg", "-hide_banner", "-nostdin", "-v", "error",
		"-i", path, "-c", "copy", "-f", "framemd5", "-").Output()
	require.NoError(t, err)
	return string(out)
}

func TestTranscodeStreamCopyPreservesStreamBytes(t *testing.T) {
	t.Parallel()
	requireBinaries(t, "ffmpeg", "ffprobe")

	dir := t.TempDir()
	src := synthesizeClip(t, dir)
	_, srcFrames := probeClip(t, dir, src, ".webm")
	require.Positive(t, srcFrames)

	store := &fakeStore{}
	tr := New(Config{ScratchDir: dir, Timeout: time.Minute}, store, zap.NewNop())
	out, err := tr.Transcode(context.Background(), capture.Artifact{
		ID:    "src",
		Kind:  capture.MediaVideoWebM,
		JobID: "job-copy",
		Data:  src,
	}, capture.TranscodeTarget{Container: "webm", VideoCodec: "copy"})
	require.NoError(t, err)
	require.Equal(t, capture.MediaVideoWebM, out.Kind)

	_, frames := probeClip(t, dir, out.Data, ".webm")
	require.Equal(t, srcFrames, frames)
	require.Equal(t,
		packetDigest(t, dir, src, ".webm"),
		packetDigest(t, dir, out.Data, ".webm"),
		"stream copy must not touch the encoded packets")
}

func TestTranscodeLossyPreservesDurationAndFrames(t *testing.T) {
	t.Parallel()
	requireBinaries(t, "ffmpeg", "ffprobe")

	dir := t.TempDir()
	src := synthesizeClip(t, dir)
	_, srcFrames := probeClip(t, dir, src, ".webm")
	require.Positive(t, srcFrames)

	store := &fakeStore{}
	tr := New(Config{ScratchDir: dir, Timeout: time.Minute}, store, zap.NewNop())
	out, err := tr.Transcode(context.Background(), capture.Artifact{
		ID:    "src",
		Kind:  capture.MediaVideoWebM,
		JobID: "job-lossy",
		Data:  src,
	}, capture.TranscodeTarget{Container: "mp4", VideoCodec: "libx264"})
	require.NoError(t, err)
	require.Equal(t, capture.MediaVideoMP4, out.Kind)

	duration, frames := probeClip(t, dir, out.Data, ".mp4")
	require.Equal(t, srcFrames, frames)
	// The source pattern runs exactly one second.
	require.InDelta(t, 1.0, duration, 0.3)
}

func TestAssembleVideoRealFrames(t *testing.T) {
	t.Parallel()
	requireBinaries(t, "ffmpeg", "ffprobe")

	frames := make([][]byte, 5)
	for i := range frames {
		frames[i] = solidFrame(t, 64, 64, color.RGBA{R: uint8(40 * i), G: 0x80, B: 0x20, A: 0xff})
	}

	dir := t.TempDir()
	store := &fakeStore{}
	tr := New(Config{ScratchDir: dir, Timeout: time.Minute}, store, zap.NewNop())
	data, kind, err := tr.AssembleVideo(context.Background(), frames)
	require.NoError(t, err)
	require.Equal(t, capture.MediaVideoWebM, kind)

	_, got := probeClip(t, dir, data, ".webm")
	require.Equal(t, len(frames), got)
}

func solidFrame(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
