package ocr

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/capturepipe/capturepipe/internal/capture"
)

// The tests below run the real tesseract binary and are skipped when it or
// the English language data is not installed.

func requireTesseract(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("tesseract"); err != nil {
		t.Skip("tesseract not installed")
	}
	out, err := exec.Command("tesseract", "--list-langs").CombinedOutput()
	if err != nil || !strings.Contains(string(out), "eng") {
		t.Skip("tesseract eng language data not installed")
	}
}

func whitePage(t *testing.T, w, h int) *image.RGBA {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return img
}

func encodePage(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// barPage draws crisp black bars on white. Whatever the engine reads into
// them, it must read the same thing on every run.
func barPage(t *testing.T) []byte {
	t.Helper()
	img := whitePage(t, 320, 120)
	black := image.NewUniform(color.Black)
	for i := 0; i < 6; i++ {
		x := 30 + i*48
		draw.Draw(img, image.Rect(x, 30, x+10, 90), black, image.Point{}, draw.Src)
	}
	return encodePage(t, img)
}

func TestExtractIsDeterministic(t *testing.T) {
	t.Parallel()
	requireTesseract(t)

	e := New(Config{}, zap.NewNop())
	art := capture.Artifact{ID: "live-1", Kind: capture.MediaImagePNG, Data: barPage(t)}

	first, err := e.Extract(context.Background(), art)
	require.NoError(t, err)
	second, err := e.Extract(context.Background(), art)
	require.NoError(t, err)

	require.Equal(t, first.Spans, second.Spans)
	require.Equal(t, first.PlainText, second.PlainText)
}

func TestExtractBlankPageYieldsNoSpans(t *testing.T) {
	t.Parallel()
	requireTesseract(t)

	e := New(Config{}, zap.NewNop())
	res, err := e.Extract(context.Background(), capture.Artifact{
		ID:   "live-blank",
		Kind: capture.MediaImagePNG,
		Data: encodePage(t, whitePage(t, 200, 100)),
	})
	require.NoError(t, err)
	require.Empty(t, res.Spans)
	require.Empty(t, res.PlainText)
}
