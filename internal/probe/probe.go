// Package probe performs cheap HTTP preflights so obviously bad targets are
// rejected before a browser context is spent on them.
package probe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/capturepipe/capturepipe/internal/capture"
)

// renderablePrefixes lists content-type prefixes headless Chrome can turn
// into a page. Anything else (archives, binaries, octet streams) would only
// trigger a download and waste a session.
var renderablePrefixes = []string{
	"text/html",
	"application/xhtml",
	"text/plain",
	"image/",
	"application/pdf",
}

// Config parameterizes the prober.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Prober issues a HEAD request against the target and classifies the
// outcome into the pipeline error taxonomy.
type Prober struct {
	cfg    Config
	logger *zap.Logger
}

// New builds the prober.
func New(cfg Config, logger *zap.Logger) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Prober{cfg: cfg, logger: logger}
}

// Probe returns nil when the target looks capturable. Unreachable targets
// map to NavigationError, non-renderable payloads to UnsupportedContent.
func (p *Prober) Probe(ctx context.Context, targetURL string) error {
	c := colly.NewCollector(
		colly.UserAgent(p.cfg.UserAgent),
	)
	c.AllowURLRevisit = true
	c.SetRequestTimeout(p.cfg.Timeout)

	var (
		mu          sync.Mutex
		contentType string
		status      int
		probeErr    error
	)
	c.OnResponse(func(r *colly.Response) {
		mu.Lock()
		contentType = r.Headers.Get("Content-Type")
		status = r.StatusCode
		mu.Unlock()
	})
	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		if r != nil {
			status = r.StatusCode
		}
		probeErr = err
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Head(targetURL)
	}()
	select {
	case <-ctx.Done():
		return capture.NewError(capture.KindNavigationError,
			"preflight canceled", ctx.Err())
	case err := <-done:
		mu.Lock()
		defer mu.Unlock()
		if probeErr == nil {
			probeErr = err
		}
		switch {
		case probeErr != nil && status >= 400:
			return capture.NewError(capture.KindNavigationError,
				fmt.Sprintf("target answered %d to preflight", status), probeErr)
		case probeErr != nil:
			return capture.NewError(capture.KindNavigationError,
				"target unreachable", probeErr)
		case !renderable(contentType):
			return capture.Errorf(capture.KindUnsupportedContent,
				"content type %q is not renderable", contentType)
		}
	}
	p.logger.Debug("preflight passed",
		zap.String("target", targetURL),
		zap.String("content_type", contentType),
		zap.Int("status", status))
	return nil
}

// renderable accepts an empty content type; some servers omit it on HEAD and
// the capture stage will find out the hard way.
func renderable(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, prefix := range renderablePrefixes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}
