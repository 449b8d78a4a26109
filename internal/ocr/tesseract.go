// Package ocr extracts positioned text from raster artifacts via the
// tesseract engine.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capturepipe/capturepipe/internal/capture"
)

// Config parameterizes the engine.
type Config struct {
	// Binary is the tesseract executable path.
	Binary string
	// Language is the traineddata language code, e.g. "eng".
	Language string
	// PageSegMode is tesseract's --psm value.
	PageSegMode int
	// MinConfidence drops words the engine is unsure about. Range 0-100.
	MinConfidence float64
	Timeout       time.Duration
}

// Engine implements capture.OCREngine on a tesseract subprocess. The image
// travels over stdin and the TSV report comes back over stdout, so no
// scratch files are involved.
type Engine struct {
	cfg    Config
	logger *zap.Logger
	run    runFunc
}

// runFunc executes the engine binary. Swapped in tests.
type runFunc func(ctx context.Context, bin string, args []string, stdin []byte) ([]byte, []byte, error)

// New builds the engine.
func New(cfg Config, logger *zap.Logger) *Engine {
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	if cfg.PageSegMode <= 0 {
		cfg.PageSegMode = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Engine{cfg: cfg, logger: logger, run: runCommand}
}

// Extract runs OCR over the artifact and returns positioned word spans plus
// the reassembled plain text. Images are normalized to grayscale PNG first;
// tesseract's accuracy on anti-aliased browser output is noticeably better
// that way.
func (e *Engine) Extract(ctx context.Context, artifact capture.Artifact) (capture.OCRResult, error) {
	if artifact.Kind != capture.MediaImagePNG {
		return capture.OCRResult{}, capture.Errorf(capture.KindUnsupportedContent,
			"ocr input must be a raster image, got %s", artifact.Kind)
	}

	payload, err := artifactPayload(artifact)
	if err != nil {
		return capture.OCRResult{}, capture.NewError(capture.KindOCRDecodeError,
			"read ocr input", err)
	}
	normalized, err := NormalizeImage(payload)
	if err != nil {
		return capture.OCRResult{}, capture.NewError(capture.KindOCRDecodeError,
			"normalize ocr input", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	args := []string{
		"-", "-",
		"-l", e.cfg.Language,
		"--psm", strconv.Itoa(e.cfg.PageSegMode),
		"tsv",
	}
	start := time.Now()
	stdout, stderr, err := e.run(runCtx, e.cfg.Binary, args, normalized)
	if err != nil {
		if runCtx.Err() != nil {
			return capture.OCRResult{}, capture.NewError(capture.KindOCRDecodeError,
				"ocr engine timed out", runCtx.Err())
		}
		return capture.OCRResult{}, capture.NewError(capture.KindOCRDecodeError,
			fmt.Sprintf("ocr engine failed: %s", firstLine(stderr)), err)
	}

	spans, err := parseTSV(stdout, e.cfg.MinConfidence)
	if err != nil {
		return capture.OCRResult{}, capture.NewError(capture.KindOCRDecodeError,
			"parse ocr report", err)
	}
	e.logger.Debug("ocr extracted",
		zap.String("artifact_id", artifact.ID),
		zap.Int("spans", len(spans)),
		zap.Duration("took", time.Since(start)))

	return capture.OCRResult{
		ArtifactID: artifact.ID,
		Spans:      spans,
		PlainText:  joinSpans(spans),
	}, nil
}

// parseTSV reads tesseract's TSV report. Level 5 rows are recognized words;
// everything else (pages, blocks, paragraphs, lines) is structural and
// skipped. Columns: level page block par line word left top width height
// conf text.
func parseTSV(report []byte, minConfidence float64) ([]capture.OCRSpan, error) {
	lines := strings.Split(string(report), "\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty tsv report")
	}

	var spans []capture.OCRSpan
	for i, line := range lines {
		if i == 0 || strings.TrimSpace(line) == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) < 12 {
			return nil, fmt.Errorf("tsv row %d has %d columns", i, len(cols))
		}
		level, err := strconv.Atoi(cols[0])
		if err != nil {
			return nil, fmt.Errorf("tsv row %d level: %w", i, err)
		}
		if level != 5 {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil {
			return nil, fmt.Errorf("tsv row %d confidence: %w", i, err)
		}
		text := strings.TrimSpace(cols[11])
		if text == "" || conf < minConfidence {
			continue
		}
		left, _ := strconv.Atoi(cols[6])
		top, _ := strconv.Atoi(cols[7])
		width, _ := strconv.Atoi(cols[8])
		height, _ := strconv.Atoi(cols[9])
		spans = append(spans, capture.OCRSpan{
			Text:       text,
			Left:       left,
			Top:        top,
			Width:      width,
			Height:     height,
			Confidence: conf,
		})
	}
	return spans, nil
}

func joinSpans(spans []capture.OCRSpan) string {
	words := make([]string, len(spans))
	for i, s := range spans {
		words[i] = s.Text
	}
	return strings.Join(words, " ")
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// artifactPayload returns the artifact bytes, reading spilled payloads from
// disk.
func artifactPayload(a capture.Artifact) ([]byte, error) {
	if len(a.Data) > 0 {
		return a.Data, nil
	}
	if a.Path == "" {
		return nil, fmt.Errorf("artifact %s has no payload", a.ID)
	}
	return os.ReadFile(a.Path)
}

func runCommand(ctx context.Context, bin string, args []string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
