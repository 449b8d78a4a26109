package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	t.Parallel()

	spec := JobSpec{
		TargetURL: "https://example.test/page",
		Mode:      ModeScreenshot,
		OCR:       true,
	}
	require.Equal(t, Fingerprint(spec), Fingerprint(spec))
}

func TestFingerprintIgnoresTimeout(t *testing.T) {
	t.Parallel()

	a := JobSpec{TargetURL: "https://example.test/", Mode: ModePDF, Timeout: 5 * time.Second}
	b := JobSpec{TargetURL: "https://example.test/", Mode: ModePDF, Timeout: 30 * time.Second}
	require.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintNormalizesURL(t *testing.T) {
	t.Parallel()

	a := JobSpec{TargetURL: "HTTPS://Example.Test:443/page#frag", Mode: ModeScreenshot}
	b := JobSpec{TargetURL: "https://example.test/page", Mode: ModeScreenshot}
	require.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintDistinguishesOutputFields(t *testing.T) {
	t.Parallel()

	base := JobSpec{TargetURL: "https://example.test/page", Mode: ModeScreenshot}

	withOCR := base
	withOCR.OCR = true
	require.NotEqual(t, Fingerprint(base), Fingerprint(withOCR))

	asPDF := base
	asPDF.Mode = ModePDF
	require.NotEqual(t, Fingerprint(base), Fingerprint(asPDF))

	withTranscode := base
	withTranscode.Transcode = TranscodeTarget{Container: "mp4"}
	require.NotEqual(t, Fingerprint(base), Fingerprint(withTranscode))
}

func TestNormalizeTargetKeepsOpaqueHandles(t *testing.T) {
	t.Parallel()

	require.Equal(t, "not a url", normalizeTarget("  not a url "))
}
