// Package media converts captured artifacts between containers and codecs by
// driving ffmpeg.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capturepipe/capturepipe/internal/capture"
)

// Config parameterizes the transcoder.
type Config struct {
	FFmpegBinary  string
	FFprobeBinary string
	// ScratchDir hosts per-invocation temp files. Empty means os.TempDir.
	ScratchDir string
	Timeout    time.Duration
	// FrameRate is the frame rate stamped onto assembled screencasts.
	FrameRate int
}

// Transcoder implements capture.Transcoder and the capture stage's frame
// assembler on ffmpeg subprocesses.
type Transcoder struct {
	cfg    Config
	store  capture.ArtifactStore
	logger *zap.Logger
	run    runFunc
}

// runFunc executes a binary with the given args inside dir. Swapped in tests.
type runFunc func(ctx context.Context, timeout time.Duration, dir, bin string, args []string) ([]byte, []byte, error)

// New builds the transcoder.
func New(cfg Config, store capture.ArtifactStore, logger *zap.Logger) *Transcoder {
	if cfg.FFmpegBinary == "" {
		cfg.FFmpegBinary = "ffmpeg"
	}
	if cfg.FFprobeBinary == "" {
		cfg.FFprobeBinary = "ffprobe"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 10
	}
	return &Transcoder{cfg: cfg, store: store, logger: logger, run: runGrouped}
}

// Transcode converts the artifact into the requested target and stores the
// converted payload as a new artifact under the same job.
func (t *Transcoder) Transcode(ctx context.Context, artifact capture.Artifact, target capture.TranscodeTarget) (capture.Artifact, error) {
	if target.Empty() {
		return capture.Artifact{}, capture.Errorf(capture.KindTranscodeError,
			"empty transcode target")
	}
	if !transcodable(artifact.Kind) {
		return capture.Artifact{}, capture.Errorf(capture.KindUnsupportedContent,
			"artifact kind %s is not transcodable", artifact.Kind)
	}

	dir, cleanup, err := t.scratch()
	if err != nil {
		return capture.Artifact{}, capture.NewError(capture.KindTranscodeError,
			"create scratch dir", err)
	}
	defer cleanup()

	inPath := filepath.Join(dir, "input"+extensionFor(artifact.Kind))
	if err := writeArtifact(artifact, inPath); err != nil {
		return capture.Artifact{}, capture.NewError(capture.KindTranscodeError,
			"stage transcode input", err)
	}

	outKind, err := kindForTarget(target)
	if err != nil {
		return capture.Artifact{}, capture.NewError(capture.KindTranscodeError,
			"resolve transcode target", err)
	}
	outPath := filepath.Join(dir, "output"+extensionFor(outKind))

	args := transcodeArgs(inPath, outPath, target)
	start := time.Now()
	_, stderr, err := t.run(ctx, t.cfg.Timeout, dir, t.cfg.FFmpegBinary, args)
	if err != nil {
		if ctx.Err() != nil || isDeadline(err) {
			return capture.Artifact{}, capture.NewError(capture.KindTranscodeTimeout,
				"transcode exceeded its deadline", err)
		}
		return capture.Artifact{}, capture.NewError(capture.KindTranscodeError,
			fmt.Sprintf("ffmpeg failed: %s", lastLine(stderr)), err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return capture.Artifact{}, capture.NewError(capture.KindTranscodeError,
			"read transcode output", err)
	}
	if len(data) == 0 {
		return capture.Artifact{}, capture.Errorf(capture.KindTranscodeError,
			"ffmpeg produced an empty output file")
	}
	if err := t.verify(ctx, outPath); err != nil {
		return capture.Artifact{}, capture.NewError(capture.KindTranscodeError,
			"transcode output failed verification", err)
	}

	out, err := t.store.Put(ctx, artifact.JobID, outKind, data)
	if err != nil {
		return capture.Artifact{}, capture.NewError(capture.KindTranscodeError,
			"store transcode output", err)
	}
	t.logger.Debug("transcode finished",
		zap.String("job_id", artifact.JobID),
		zap.String("source", artifact.ID),
		zap.String("artifact_id", out.ID),
		zap.String("container", target.Container),
		zap.Duration("took", time.Since(start)))
	return out, nil
}

// AssembleVideo stitches PNG screencast frames into a webm clip. The frames
// arrive in capture order and are written out as a numbered sequence for
// ffmpeg's image2 demuxer.
func (t *Transcoder) AssembleVideo(ctx context.Context, frames [][]byte) ([]byte, capture.MediaKind, error) {
	if len(frames) == 0 {
		return nil, "", capture.Errorf(capture.KindTranscodeError, "no frames to assemble")
	}

	dir, cleanup, err := t.scratch()
	if err != nil {
		return nil, "", capture.NewError(capture.KindTranscodeError,
			"create scratch dir", err)
	}
	defer cleanup()

	for i, frame := range frames {
		name := filepath.Join(dir, fmt.Sprintf("frame-%06d.png", i))
		if err := os.WriteFile(name, frame, 0o600); err != nil {
			return nil, "", capture.NewError(capture.KindTranscodeError,
				"stage screencast frame", err)
		}
	}

	outPath := filepath.Join(dir, "clip.webm")
	args := assembleArgs(dir, outPath, t.cfg.FrameRate)
	_, stderr, err := t.run(ctx, t.cfg.Timeout, dir, t.cfg.FFmpegBinary, args)
	if err != nil {
		if ctx.Err() != nil || isDeadline(err) {
			return nil, "", capture.NewError(capture.KindTranscodeTimeout,
				"frame assembly exceeded its deadline", err)
		}
		return nil, "", capture.NewError(capture.KindTranscodeError,
			fmt.Sprintf("ffmpeg failed: %s", lastLine(stderr)), err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, "", capture.NewError(capture.KindTranscodeError,
			"read assembled clip", err)
	}
	if len(data) == 0 {
		return nil, "", capture.Errorf(capture.KindTranscodeError,
			"ffmpeg produced an empty clip")
	}
	return data, capture.MediaVideoWebM, nil
}

// verify asks ffprobe whether the output actually contains a readable stream.
// ffmpeg exits zero on some partial writes, so a non-empty file alone proves
// nothing.
func (t *Transcoder) verify(ctx context.Context, path string) error {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
	stdout, stderr, err := t.run(ctx, t.cfg.Timeout, filepath.Dir(path), t.cfg.FFprobeBinary, args)
	if err != nil {
		return fmt.Errorf("ffprobe: %s: %w", lastLine(stderr), err)
	}
	if strings.TrimSpace(string(stdout)) == "" {
		return fmt.Errorf("ffprobe reported no readable stream")
	}
	return nil
}

func (t *Transcoder) scratch() (string, func(), error) {
	dir, err := os.MkdirTemp(t.cfg.ScratchDir, "transcode-*")
	if err != nil {
		return "", nil, err
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

// transcodeArgs builds the ffmpeg invocation for the target. Codec names are
// passed through; ffmpeg's own validation rejects nonsense.
func transcodeArgs(inPath, outPath string, target capture.TranscodeTarget) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", inPath}
	if target.AudioOnly {
		args = append(args, "-vn")
	} else if target.VideoCodec != "" {
		args = append(args, "-c:v", target.VideoCodec)
	}
	if target.AudioCodec != "" {
		args = append(args, "-c:a", target.AudioCodec)
	}
	return append(args, outPath)
}

func assembleArgs(dir, outPath string, frameRate int) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-framerate", fmt.Sprintf("%d", frameRate),
		"-i", filepath.Join(dir, "frame-%06d.png"),
		"-c:v", "libvpx-vp9",
		"-pix_fmt", "yuv420p",
		outPath,
	}
}

func transcodable(kind capture.MediaKind) bool {
	switch kind {
	case capture.MediaVideoWebM, capture.MediaVideoMP4,
		capture.MediaAudioMP3, capture.MediaAudioWAV:
		return true
	}
	return false
}

// kindForTarget maps the requested target onto the output media kind. The
// container decides; AudioOnly without a container defaults to mp3.
func kindForTarget(target capture.TranscodeTarget) (capture.MediaKind, error) {
	switch strings.ToLower(target.Container) {
	case "webm":
		return capture.MediaVideoWebM, nil
	case "mp4":
		return capture.MediaVideoMP4, nil
	case "mp3":
		return capture.MediaAudioMP3, nil
	case "wav":
		return capture.MediaAudioWAV, nil
	case "":
		if target.AudioOnly {
			return capture.MediaAudioMP3, nil
		}
		return "", fmt.Errorf("transcode target needs a container")
	default:
		return "", fmt.Errorf("unsupported container %q", target.Container)
	}
}

func extensionFor(kind capture.MediaKind) string {
	switch kind {
	case capture.MediaVideoWebM:
		return ".webm"
	case capture.MediaVideoMP4:
		return ".mp4"
	case capture.MediaAudioMP3:
		return ".mp3"
	case capture.MediaAudioWAV:
		return ".wav"
	case capture.MediaImagePNG:
		return ".png"
	case capture.MediaPDF:
		return ".pdf"
	default:
		return ".bin"
	}
}

func writeArtifact(a capture.Artifact, path string) error {
	if len(a.Data) > 0 {
		return os.WriteFile(path, a.Data, 0o600)
	}
	if a.Path == "" {
		return fmt.Errorf("artifact %s has no payload", a.ID)
	}
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

// isDeadline reports whether the run failed because its deadline expired.
// runGrouped wraps the context error, so errors.Is sees through the chain; a
// SIGKILL from outside (the OOM killer, an operator) is a plain failure, not
// a timeout.
func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// runGrouped executes the binary in its own process group so a timeout kills
// ffmpeg together with any children it forked.
func runGrouped(ctx context.Context, timeout time.Duration, dir, bin string, args []string) ([]byte, []byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil && runCtx.Err() != nil {
		err = fmt.Errorf("%w: %v", runCtx.Err(), err)
	}
	return stdout.Bytes(), stderr.Bytes(), err
}
