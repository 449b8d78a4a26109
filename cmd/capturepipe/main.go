// Command capturepipe runs the managed browser-capture and extraction
// service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/capturepipe/capturepipe/internal/api"
	"github.com/capturepipe/capturepipe/internal/browser"
	"github.com/capturepipe/capturepipe/internal/cache"
	"github.com/capturepipe/capturepipe/internal/capture"
	"github.com/capturepipe/capturepipe/internal/clock/system"
	"github.com/capturepipe/capturepipe/internal/config"
	"github.com/capturepipe/capturepipe/internal/hash/sha256"
	"github.com/capturepipe/capturepipe/internal/id/uuid"
	"github.com/capturepipe/capturepipe/internal/logging"
	"github.com/capturepipe/capturepipe/internal/media"
	"github.com/capturepipe/capturepipe/internal/metrics"
	"github.com/capturepipe/capturepipe/internal/ocr"
	"github.com/capturepipe/capturepipe/internal/orchestrator"
	"github.com/capturepipe/capturepipe/internal/probe"
	"github.com/capturepipe/capturepipe/internal/publisher/pubsub"
	"github.com/capturepipe/capturepipe/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "capturepipe: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	artifactStore, err := store.New(store.Config{
		SpillThreshold: cfg.Store.SpillThresholdBytes,
		ScratchDir:     cfg.Store.ScratchDir,
	}, sha256.New(), logger.Named("store"))
	if err != nil {
		return fmt.Errorf("build artifact store: %w", err)
	}
	defer func() {
		if err := artifactStore.Close(); err != nil {
			logger.Warn("close artifact store", zap.Error(err))
		}
	}()

	allocator, cancelAllocator := browser.NewAllocator(cfg.Capture.UserAgent)
	defer cancelAllocator()

	pool, err := browser.NewPool(browser.PoolConfig{
		MaxSessions: cfg.Pool.MaxSessions,
		AcquireWait: cfg.AcquireWait(),
	}, browser.NewChromeSessionFactory(allocator, logger.Named("browser")), logger.Named("pool"))
	if err != nil {
		return fmt.Errorf("build pool: %w", err)
	}
	defer pool.Close()

	warm := make(chan struct{})
	go func() {
		defer close(warm)
		if err := pool.Warm(ctx, 1); err != nil {
			logger.Warn("pool warm-up failed, sessions will spawn on demand", zap.Error(err))
		}
	}()

	settle, err := browser.NewSettleStrategy(browser.SettleConfig{
		Strategy:    cfg.Capture.SettleStrategy,
		FixedDelay:  time.Duration(cfg.Capture.SettleDelayMs) * time.Millisecond,
		QuietWindow: time.Duration(cfg.Capture.NetworkQuietMs) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("build settle strategy: %w", err)
	}

	transcoder := media.New(media.Config{
		FFmpegBinary:  cfg.Transcode.FFmpegBinary,
		FFprobeBinary: cfg.Transcode.FFprobeBinary,
		ScratchDir:    cfg.Store.ScratchDir,
		Timeout:       time.Duration(cfg.Capture.TranscodeTimeoutS) * time.Second,
	}, artifactStore, logger.Named("media"))

	capturer := browser.NewStage(browser.StageConfig{
		UserAgent:      cfg.Capture.UserAgent,
		ViewportWidth:  cfg.Capture.ViewportWidth,
		ViewportHeight: cfg.Capture.ViewportHeight,
		PerHostQPS:     cfg.Capture.PerHostQPS,
		VideoDuration:  time.Duration(cfg.Capture.VideoDurationSec) * time.Second,
	}, settle, artifactStore, transcoder, logger.Named("capture"))

	ocrEngine := ocr.New(ocr.Config{
		Binary:      cfg.OCR.Binary,
		Language:    cfg.OCR.Languages,
		PageSegMode: cfg.OCR.PSM,
		Timeout:     time.Duration(cfg.Capture.OCRTimeoutSec) * time.Second,
	}, logger.Named("ocr"))

	sysClock := system.New()
	resultCache := cache.New(cache.Config{
		Capacity:    cfg.Cache.Capacity,
		NegativeTTL: cfg.NegativeTTL(),
	}, sysClock, artifactStore, logger.Named("cache"))

	deps := orchestrator.Deps{
		Pool:       pool,
		Capturer:   capturer,
		OCR:        ocrEngine,
		Transcoder: transcoder,
		Store:      artifactStore,
		Cache:      resultCache,
		Retry: capture.NewExponentialRetryPolicy(
			cfg.Capture.MaxRetries+1,
			time.Duration(cfg.Capture.BackoffInitialMs)*time.Millisecond,
			time.Duration(cfg.Capture.BackoffMaxMs)*time.Millisecond,
		),
		Clock:  sysClock,
		IDs:    uuid.New(),
		Logger: logger.Named("orchestrator"),
	}
	if cfg.Probe.Enabled {
		deps.Prober = probe.New(probe.Config{
			UserAgent: cfg.Capture.UserAgent,
			Timeout:   time.Duration(cfg.Probe.TimeoutSec) * time.Second,
		}, logger.Named("probe"))
	}
	if cfg.Publisher.Provider == "pubsub" {
		pub, err := pubsub.New(ctx, cfg.Publisher.ProjectID, logger.Named("publisher"))
		if err != nil {
			return fmt.Errorf("build publisher: %w", err)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Warn("close publisher", zap.Error(err))
			}
		}()
		deps.Publisher = pub
	}

	orch, err := orchestrator.New(orchestrator.Options{
		DefaultTimeout: cfg.JobTimeout(),
		MaxTimeout:     cfg.MaxJobTimeout(),
		CPUWorkers:     cfg.Capture.CPUWorkers,
		ResultTopic:    cfg.Publisher.TopicName,
	}, deps)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	ready := func() bool {
		select {
		case <-warm:
			return true
		default:
			return false
		}
	}
	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	handler := api.NewServer(api.Config{
		RequestTimeout: cfg.MaxJobTimeout() + 30*time.Second,
		APIKey:         apiKey,
	}, orch, artifactStore, ready, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
