package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/capturepipe/capturepipe/internal/capture"
)

func newTestServer(t *testing.T, contentType string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbeAcceptsRenderableTargets(t *testing.T) {
	t.Parallel()

	for _, ct := range []string{
		"text/html; charset=utf-8",
		"application/xhtml+xml",
		"image/png",
		"application/pdf",
		"",
	} {
		srv := newTestServer(t, ct, http.StatusOK)
		p := New(Config{UserAgent: "capturepipe-test"}, zap.NewNop())
		require.NoError(t, p.Probe(context.Background(), srv.URL), "content type %q", ct)
	}
}

func TestProbeRejectsNonRenderableContent(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, "application/zip", http.StatusOK)
	p := New(Config{UserAgent: "capturepipe-test"}, zap.NewNop())

	err := p.Probe(context.Background(), srv.URL)
	require.Error(t, err)
	require.Equal(t, capture.KindUnsupportedContent, capture.KindOf(err))
	require.False(t, capture.IsRetryable(err))
}

func TestProbeClassifiesHTTPErrors(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, "text/html", http.StatusServiceUnavailable)
	p := New(Config{UserAgent: "capturepipe-test"}, zap.NewNop())

	err := p.Probe(context.Background(), srv.URL)
	require.Error(t, err)
	require.Equal(t, capture.KindNavigationError, capture.KindOf(err))
	require.True(t, capture.IsRetryable(err))
}

func TestProbeUnreachableTarget(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, "text/html", http.StatusOK)
	srv.Close()
	p := New(Config{UserAgent: "capturepipe-test"}, zap.NewNop())

	err := p.Probe(context.Background(), srv.URL)
	require.Error(t, err)
	require.Equal(t, capture.KindNavigationError, capture.KindOf(err))
}

func TestRenderable(t *testing.T) {
	t.Parallel()

	require.True(t, renderable("TEXT/HTML"))
	require.True(t, renderable("  text/plain "))
	require.False(t, renderable("application/octet-stream"))
	require.False(t, renderable("video/mp4"))
}
