// Package orchestrator runs capture jobs through the pipeline stages and
// deduplicates concurrent submissions by fingerprint.
package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capturepipe/capturepipe/internal/capture"
	"github.com/capturepipe/capturepipe/internal/metrics"
)

// Options tunes orchestrator behavior.
type Options struct {
	// DefaultTimeout is applied when a spec carries no timeout.
	DefaultTimeout time.Duration
	// MaxTimeout caps caller-requested timeouts.
	MaxTimeout time.Duration
	// CPUWorkers bounds concurrent OCR and transcode work across all jobs.
	CPUWorkers int
	// ResultTopic is where terminal results are published, when a publisher
	// is configured.
	ResultTopic string
}

// Deps are the pipeline stages the orchestrator drives. Prober and Publisher
// are optional.
type Deps struct {
	Pool       capture.ContextPool
	Capturer   capture.Capturer
	OCR        capture.OCREngine
	Transcoder capture.Transcoder
	Store      capture.ArtifactStore
	Cache      capture.ResultCache
	Prober     capture.Prober
	Publisher  capture.Publisher
	Retry      capture.RetryPolicy
	Clock      capture.Clock
	IDs        capture.IDGenerator
	Logger     *zap.Logger
}

// Orchestrator owns job lifecycle: admission, dedup, stage sequencing,
// terminal result assembly and caching.
type Orchestrator struct {
	opts Options
	deps Deps

	cpuSem chan struct{}

	mu       sync.Mutex
	inflight map[string]*inflightJob
}

// inflightJob is the single execution all duplicate submissions attach to.
// done is closed exactly once, after result is set.
type inflightJob struct {
	done   chan struct{}
	result capture.JobResult
}

// New builds the orchestrator.
func New(opts Options, deps Deps) (*Orchestrator, error) {
	if deps.Pool == nil || deps.Capturer == nil || deps.Store == nil ||
		deps.Cache == nil || deps.Retry == nil || deps.Clock == nil ||
		deps.IDs == nil || deps.Logger == nil {
		return nil, fmt.Errorf("orchestrator is missing a required dependency")
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.MaxTimeout < opts.DefaultTimeout {
		opts.MaxTimeout = opts.DefaultTimeout
	}
	if opts.CPUWorkers <= 0 {
		opts.CPUWorkers = 2
	}
	return &Orchestrator{
		opts:     opts,
		deps:     deps,
		cpuSem:   make(chan struct{}, opts.CPUWorkers),
		inflight: make(map[string]*inflightJob),
	}, nil
}

// Submit runs the job to a terminal result. Concurrent submissions with
// equal fingerprints share one execution and receive the identical result.
func (o *Orchestrator) Submit(ctx context.Context, spec capture.JobSpec) (capture.JobResult, error) {
	if err := validateSpec(spec); err != nil {
		return capture.JobResult{}, err
	}
	spec.Timeout = o.clampTimeout(spec.Timeout)
	fp := capture.Fingerprint(spec)

	if res, ok := o.deps.Cache.Get(fp); ok {
		metrics.ObserveCacheEvent("hit")
		return res, nil
	}
	metrics.ObserveCacheEvent("miss")

	o.mu.Lock()
	if job, ok := o.inflight[fp]; ok {
		o.mu.Unlock()
		metrics.ObserveCacheEvent("dedup")
		select {
		case <-job.done:
			return job.result, nil
		case <-ctx.Done():
			return capture.JobResult{}, capture.NewError(capture.KindCaptureTimeout,
				"caller gave up while attached to an in-flight job", ctx.Err())
		}
	}
	job := &inflightJob{done: make(chan struct{})}
	o.inflight[fp] = job
	o.mu.Unlock()

	result := o.execute(ctx, fp, spec)

	o.deps.Cache.Put(fp, result)
	o.publish(result)

	o.mu.Lock()
	delete(o.inflight, fp)
	o.mu.Unlock()
	job.result = result
	close(job.done)

	return result, nil
}

// execute runs one job end to end and always returns a terminal result.
func (o *Orchestrator) execute(ctx context.Context, fp string, spec capture.JobSpec) capture.JobResult {
	jobID, err := o.deps.IDs.NewID()
	if err != nil {
		jobID = fp[:16]
	}
	submitted := o.deps.Clock.Now()
	logger := o.deps.Logger.With(
		zap.String("job_id", jobID),
		zap.String("target", spec.TargetURL),
		zap.String("mode", string(spec.Mode)),
	)
	logger.Info("job started")

	// The execution serves every waiter attached to the fingerprint, so it
	// must survive the initiating caller hanging up. Only the job deadline
	// bounds it.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), spec.Timeout)
	defer cancel()

	result := capture.JobResult{
		JobID:       jobID,
		Fingerprint: fp,
		Submitted:   submitted,
	}

	artifact, err := o.runStages(jobCtx, jobID, spec, logger)
	if err != nil {
		return o.fail(result, artifact, err, logger)
	}

	result.Artifacts = []capture.Artifact{artifact}
	ocrRes, transcoded, err := o.postProcess(jobCtx, artifact, spec)
	if err != nil {
		return o.fail(result, artifact, err, logger)
	}
	result.OCR = ocrRes
	result.Transcoded = transcoded

	result.Status = capture.StatusSucceeded
	result.Finished = o.deps.Clock.Now()
	metrics.ObserveJob(string(result.Status))
	logger.Info("job succeeded",
		zap.Duration("took", result.Finished.Sub(result.Submitted)))
	return result
}

// runStages performs preflight and capture, retrying the capture stage per
// policy. A fresh browsing context is acquired for every attempt so a crashed
// session never serves a retry.
func (o *Orchestrator) runStages(ctx context.Context, jobID string, spec capture.JobSpec, logger *zap.Logger) (capture.Artifact, error) {
	if o.deps.Prober != nil {
		start := o.deps.Clock.Now()
		if err := o.deps.Prober.Probe(ctx, spec.TargetURL); err != nil {
			return capture.Artifact{}, err
		}
		metrics.ObserveStage("probe", o.deps.Clock.Now().Sub(start))
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		artifact, err := o.captureOnce(ctx, jobID, spec)
		if err == nil {
			return artifact, nil
		}
		lastErr = err
		if !o.deps.Retry.ShouldRetry(err, attempt+1) {
			return capture.Artifact{}, lastErr
		}
		metrics.ObserveRetry("capture")
		backoff := o.deps.Retry.Backoff(attempt)
		logger.Warn("capture attempt failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return capture.Artifact{}, capture.NewError(capture.KindCaptureTimeout,
				"job deadline expired during retry backoff", ctx.Err())
		}
	}
}

func (o *Orchestrator) captureOnce(ctx context.Context, jobID string, spec capture.JobSpec) (capture.Artifact, error) {
	pc, err := o.deps.Pool.Acquire(ctx)
	if err != nil {
		return capture.Artifact{}, err
	}
	defer o.deps.Pool.Release(pc)

	start := o.deps.Clock.Now()
	artifact, err := o.deps.Capturer.Capture(ctx, pc, jobID, spec)
	metrics.ObserveStage("capture", o.deps.Clock.Now().Sub(start))
	return artifact, err
}

// postProcess runs OCR and transcode concurrently, each behind the shared CPU
// worker semaphore. Either failing fails the job.
func (o *Orchestrator) postProcess(ctx context.Context, artifact capture.Artifact, spec capture.JobSpec) (*capture.OCRResult, *capture.Artifact, error) {
	wantOCR := spec.OCR && o.deps.OCR != nil
	wantTranscode := !spec.Transcode.Empty() && o.deps.Transcoder != nil
	if !wantOCR && !wantTranscode {
		return nil, nil, nil
	}

	var (
		ocrRes     *capture.OCRResult
		transcoded *capture.Artifact
	)
	g, gctx := errgroup.WithContext(ctx)

	if wantOCR {
		g.Go(func() error {
			if err := o.acquireCPU(gctx); err != nil {
				return capture.NewError(capture.KindCaptureTimeout,
					"job deadline expired waiting for an ocr worker", err)
			}
			defer o.releaseCPU()
			start := o.deps.Clock.Now()
			res, err := o.deps.OCR.Extract(gctx, artifact)
			metrics.ObserveStage("ocr", o.deps.Clock.Now().Sub(start))
			if err != nil {
				return err
			}
			ocrRes = &res
			return nil
		})
	}
	if wantTranscode {
		g.Go(func() error {
			if err := o.acquireCPU(gctx); err != nil {
				return capture.NewError(capture.KindTranscodeTimeout,
					"job deadline expired waiting for a transcode worker", err)
			}
			defer o.releaseCPU()
			start := o.deps.Clock.Now()
			out, err := o.deps.Transcoder.Transcode(gctx, artifact, spec.Transcode)
			metrics.ObserveStage("transcode", o.deps.Clock.Now().Sub(start))
			if err != nil {
				return err
			}
			transcoded = &out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// The surviving sibling's artifact would leak its store reference.
		if transcoded != nil {
			o.deps.Store.Release(transcoded.ID)
		}
		return nil, nil, err
	}
	return ocrRes, transcoded, nil
}

// fail assembles the terminal non-success result. Artifact references held by
// the failed job are released so the store can reclaim them; the result
// carries error information only.
func (o *Orchestrator) fail(result capture.JobResult, artifact capture.Artifact, err error, logger *zap.Logger) capture.JobResult {
	if artifact.ID != "" {
		o.deps.Store.Release(artifact.ID)
	}

	kind := capture.KindOf(err)
	switch kind {
	case capture.KindCaptureTimeout, capture.KindTranscodeTimeout:
		result.Status = capture.StatusTimedOut
	default:
		result.Status = capture.StatusFailed
	}
	result.ErrorKind = string(kind)
	result.ErrorText = err.Error()
	result.Artifacts = nil
	result.OCR = nil
	result.Transcoded = nil
	result.Finished = o.deps.Clock.Now()

	metrics.ObserveJob(string(result.Status))
	logger.Warn("job finished without success",
		zap.String("status", string(result.Status)),
		zap.String("error_kind", result.ErrorKind),
		zap.Error(err))
	return result
}

// publish pushes the terminal result out; failures are logged, never fatal.
func (o *Orchestrator) publish(result capture.JobResult) {
	if o.deps.Publisher == nil || o.opts.ResultTopic == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := o.deps.Publisher.Publish(ctx, o.opts.ResultTopic, result); err != nil {
		o.deps.Logger.Warn("publish result failed",
			zap.String("job_id", result.JobID),
			zap.Error(err))
	}
}

func (o *Orchestrator) acquireCPU(ctx context.Context) error {
	select {
	case o.cpuSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) releaseCPU() {
	<-o.cpuSem
}

func (o *Orchestrator) clampTimeout(t time.Duration) time.Duration {
	if t <= 0 {
		return o.opts.DefaultTimeout
	}
	if t > o.opts.MaxTimeout {
		return o.opts.MaxTimeout
	}
	return t
}

// validateSpec rejects specs the pipeline cannot run before any resource is
// committed to them.
func validateSpec(spec capture.JobSpec) error {
	if strings.TrimSpace(spec.TargetURL) == "" {
		return capture.Errorf(capture.KindUnsupportedContent, "target_url is required")
	}
	u, err := url.Parse(spec.TargetURL)
	if err != nil {
		return capture.NewError(capture.KindUnsupportedContent, "target_url is not a valid url", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return capture.Errorf(capture.KindUnsupportedContent,
			"target_url scheme %q is not supported", u.Scheme)
	}
	if u.Host == "" {
		return capture.Errorf(capture.KindUnsupportedContent, "target_url has no host")
	}
	if !capture.ValidMode(spec.Mode) {
		return capture.Errorf(capture.KindUnsupportedContent,
			"unknown capture mode %q", spec.Mode)
	}
	if spec.OCR && spec.Mode != capture.ModeScreenshot && spec.Mode != capture.ModeFullPage {
		return capture.Errorf(capture.KindUnsupportedContent,
			"ocr requires a raster capture mode, got %q", spec.Mode)
	}
	if !spec.Transcode.Empty() && spec.Mode != capture.ModeVideo {
		return capture.Errorf(capture.KindUnsupportedContent,
			"transcode requires video capture mode, got %q", spec.Mode)
	}
	return nil
}
