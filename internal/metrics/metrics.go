// Package metrics exposes Prometheus collectors for the capture service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	captureJobsTotal          *prometheus.CounterVec
	captureStageSeconds       *prometheus.HistogramVec
	captureRetriesTotal       *prometheus.CounterVec
	poolInUse                 prometheus.Gauge
	poolAcquireWaitSeconds    prometheus.Histogram
	cacheEventsTotal          *prometheus.CounterVec
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDurationSecond *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		captureJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_jobs_total",
				Help: "Total number of capture jobs, labeled by terminal status.",
			},
			[]string{"status"},
		)

		captureStageSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capture_stage_duration_seconds",
				Help:    "Histogram of stage latencies, labeled by stage.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"stage"},
		)

		captureRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_stage_retries_total",
				Help: "Total stage retries, labeled by stage.",
			},
			[]string{"stage"},
		)

		poolInUse = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "capture_pool_in_use",
				Help: "Number of browsing contexts currently leased from the pool.",
			},
		)

		poolAcquireWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "capture_pool_acquire_wait_seconds",
				Help:    "Histogram of waits for a pool context.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
		)

		cacheEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_cache_events_total",
				Help: "Result cache events, labeled by kind (hit, miss, dedup).",
			},
			[]string{"event"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records the terminal status of a job.
func ObserveJob(status string) {
	if captureJobsTotal == nil {
		return
	}
	captureJobsTotal.WithLabelValues(status).Inc()
}

// ObserveStage records one stage execution.
func ObserveStage(stage string, d time.Duration) {
	if captureStageSeconds == nil {
		return
	}
	captureStageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveRetry records one stage retry.
func ObserveRetry(stage string) {
	if captureRetriesTotal == nil {
		return
	}
	captureRetriesTotal.WithLabelValues(stage).Inc()
}

// PoolLeased adjusts the in-use gauge by delta.
func PoolLeased(delta int) {
	if poolInUse == nil {
		return
	}
	poolInUse.Add(float64(delta))
}

// ObserveAcquireWait records how long a job waited for a context.
func ObserveAcquireWait(d time.Duration) {
	if poolAcquireWaitSeconds == nil {
		return
	}
	poolAcquireWaitSeconds.Observe(d.Seconds())
}

// ObserveCacheEvent records a cache hit, miss or dedup attach.
func ObserveCacheEvent(event string) {
	if cacheEventsTotal == nil {
		return
	}
	cacheEventsTotal.WithLabelValues(event).Inc()
}

// Middleware instruments an HTTP handler with request counters and latency
// histograms.
func Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if httpRequestsTotal != nil {
			httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		}
		if httpRequestDurationSecond != nil {
			httpRequestDurationSecond.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
