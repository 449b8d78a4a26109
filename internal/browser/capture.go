package browser

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capturepipe/capturepipe/internal/capture"
)

// FrameAssembler stitches screencast frames into a playable media artifact.
// Implemented by the media stage so the capture stage stays free of
// transcoder details.
type FrameAssembler interface {
	AssembleVideo(ctx context.Context, frames [][]byte) ([]byte, capture.MediaKind, error)
}

// StageConfig parameterizes the capture stage.
type StageConfig struct {
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	// PerHostQPS throttles navigations per target host; zero disables.
	PerHostQPS    float64
	VideoDuration time.Duration
}

// Stage implements capture.Capturer on a leased browsing context.
type Stage struct {
	cfg       StageConfig
	settle    SettleStrategy
	store     capture.ArtifactStore
	assembler FrameAssembler
	logger    *zap.Logger

	limiters sync.Map
}

// NewStage builds the capture stage.
func NewStage(cfg StageConfig, settle SettleStrategy, store capture.ArtifactStore, assembler FrameAssembler, logger *zap.Logger) *Stage {
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1280
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 800
	}
	if cfg.VideoDuration <= 0 {
		cfg.VideoDuration = 5 * time.Second
	}
	return &Stage{
		cfg:       cfg,
		settle:    settle,
		store:     store,
		assembler: assembler,
		logger:    logger,
	}
}

// Capture navigates the leased context to the target, waits for the settle
// condition and produces the artifact for the requested mode. The job
// context carries the hard deadline for the whole operation.
func (s *Stage) Capture(ctx context.Context, pc capture.PageContext, jobID string, spec capture.JobSpec) (capture.Artifact, error) {
	if err := s.waitHostBudget(ctx, spec.TargetURL); err != nil {
		return capture.Artifact{}, capture.NewError(capture.KindNavigationError,
			"navigation rate limit", err)
	}

	tabCtx, cancelTab := context.WithCancel(pc.Context())
	defer cancelTab()
	stopForward := forwardCancel(ctx, cancelTab)
	defer stopForward()

	if err := chromedp.Run(tabCtx,
		network.Enable(),
		emulation.SetUserAgentOverride(s.cfg.UserAgent),
		chromedp.EmulateViewport(int64(s.cfg.ViewportWidth), int64(s.cfg.ViewportHeight)),
		chromedp.Navigate(spec.TargetURL),
	); err != nil {
		return capture.Artifact{}, s.classify(ctx, pc, fmt.Errorf("navigate: %w", err))
	}

	if err := s.settle.Wait(tabCtx); err != nil {
		return capture.Artifact{}, s.classify(ctx, pc, fmt.Errorf("settle (%s): %w", s.settle.Name(), err))
	}

	data, kind, err := s.produce(ctx, tabCtx, spec.Mode)
	if err != nil {
		return capture.Artifact{}, err
	}
	if len(data) == 0 {
		return capture.Artifact{}, capture.Errorf(capture.KindInternalEngine,
			"capture produced empty %s artifact", spec.Mode)
	}

	art, err := s.store.Put(ctx, jobID, kind, data)
	if err != nil {
		return capture.Artifact{}, capture.NewError(capture.KindInternalEngine,
			"store capture artifact", err)
	}
	s.logger.Debug("capture produced artifact",
		zap.String("job_id", jobID),
		zap.String("artifact_id", art.ID),
		zap.String("mode", string(spec.Mode)),
		zap.Int64("size", art.Size))
	return art, nil
}

func (s *Stage) produce(ctx, tabCtx context.Context, mode capture.Mode) ([]byte, capture.MediaKind, error) {
	switch mode {
	case capture.ModeScreenshot:
		var buf []byte
		if err := chromedp.Run(tabCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
			return nil, "", s.classify(ctx, nil, fmt.Errorf("screenshot: %w", err))
		}
		return buf, capture.MediaImagePNG, nil

	case capture.ModeFullPage:
		var buf []byte
		// Quality 100 keeps the PNG encoding so OCR input stays lossless.
		if err := chromedp.Run(tabCtx, chromedp.FullScreenshot(&buf, 100)); err != nil {
			return nil, "", s.classify(ctx, nil, fmt.Errorf("full-page screenshot: %w", err))
		}
		return buf, capture.MediaImagePNG, nil

	case capture.ModePDF:
		var buf []byte
		err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(cctx context.Context) error {
			data, _, err := page.PrintToPDF().WithPrintBackground(true).Do(cctx)
			if err != nil {
				return err
			}
			buf = data
			return nil
		}))
		if err != nil {
			return nil, "", s.classify(ctx, nil, fmt.Errorf("print to pdf: %w", err))
		}
		if err := validatePDF(buf); err != nil {
			return nil, "", capture.NewError(capture.KindInternalEngine,
				"rendered pdf failed validation", err)
		}
		return buf, capture.MediaPDF, nil

	case capture.ModeVideo:
		return s.produceVideo(ctx, tabCtx)

	default:
		return nil, "", capture.Errorf(capture.KindUnsupportedContent,
			"unsupported capture mode %q", mode)
	}
}

// produceVideo records screencast frames for the configured duration and
// hands them to the assembler.
func (s *Stage) produceVideo(ctx, tabCtx context.Context) ([]byte, capture.MediaKind, error) {
	if s.assembler == nil {
		return nil, "", capture.Errorf(capture.KindUnsupportedContent,
			"video capture requires a frame assembler")
	}

	rec := newFrameRecorder(tabCtx)
	chromedp.ListenTarget(tabCtx, rec.onEvent)

	err := chromedp.Run(tabCtx, page.StartScreencast().
		WithFormat(page.ScreencastFormatPng).
		WithEveryNthFrame(2))
	if err != nil {
		return nil, "", s.classify(ctx, nil, fmt.Errorf("start screencast: %w", err))
	}

	timer := time.NewTimer(s.cfg.VideoDuration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-tabCtx.Done():
	case <-ctx.Done():
	}

	if tabCtx.Err() == nil {
		if err := chromedp.Run(tabCtx, page.StopScreencast()); err != nil {
			s.logger.Warn("stop screencast failed", zap.Error(err))
		}
	}
	if ctx.Err() != nil {
		return nil, "", capture.NewError(capture.KindCaptureTimeout,
			"deadline exceeded during screencast", ctx.Err())
	}

	frames := rec.frames()
	if len(frames) == 0 {
		return nil, "", capture.Errorf(capture.KindInternalEngine,
			"screencast produced no frames")
	}

	data, kind, err := s.assembler.AssembleVideo(ctx, frames)
	if err != nil {
		return nil, "", fmt.Errorf("assemble screencast: %w", err)
	}
	return data, kind, nil
}

// classify maps chromedp failures onto the pipeline error taxonomy. The job
// context decides timeout attribution; a dead tab context on a live job
// indicates the session crashed.
func (s *Stage) classify(ctx context.Context, pc capture.PageContext, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return capture.NewError(capture.KindCaptureTimeout,
			"deadline exceeded during capture", err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "net::ERR_ABORTED"):
		// Chrome aborts document loads it cannot render (e.g. downloads).
		return capture.NewError(capture.KindUnsupportedContent,
			"target is not renderable", err)
	case strings.Contains(msg, "net::"):
		return capture.NewError(capture.KindNavigationError,
			"navigation failed", err)
	case pc != nil && pc.Context().Err() != nil,
		errors.Is(err, context.Canceled):
		return capture.NewError(capture.KindSessionCrashed,
			"browsing context lost", err)
	default:
		return capture.NewError(capture.KindNavigationError,
			"browser operation failed", err)
	}
}

func (s *Stage) waitHostBudget(ctx context.Context, rawURL string) error {
	if s.cfg.PerHostQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse target url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := s.limiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(s.cfg.PerHostQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	return nil
}

// frameRecorder collects screencast frames and acks them so Chrome keeps
// sending.
type frameRecorder struct {
	tabCtx context.Context

	mu   sync.Mutex
	data [][]byte
}

func newFrameRecorder(tabCtx context.Context) *frameRecorder {
	return &frameRecorder{tabCtx: tabCtx}
}

func (r *frameRecorder) onEvent(ev interface{}) {
	frame, ok := ev.(*page.EventScreencastFrame)
	if !ok {
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(frame.Data)
	if err == nil {
		r.mu.Lock()
		r.data = append(r.data, decoded)
		r.mu.Unlock()
	}
	// Ack on a separate goroutine; running actions inside the listener
	// callback would deadlock the event loop.
	sessionID := frame.SessionID
	go func() {
		_ = chromedp.Run(r.tabCtx, page.ScreencastFrameAck(sessionID))
	}()
}

func (r *frameRecorder) frames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.data))
	copy(out, r.data)
	return out
}

// validatePDF runs a relaxed structural validation over the rendered bytes.
func validatePDF(data []byte) error {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.Validate(bytes.NewReader(data), conf); err != nil {
		return fmt.Errorf("validate pdf: %w", err)
	}
	return nil
}

// forwardCancel propagates cancellation from parent onto cancel until the
// returned stop function runs.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
