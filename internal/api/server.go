// Package api exposes the capture pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/capturepipe/capturepipe/internal/capture"
	"github.com/capturepipe/capturepipe/internal/metrics"
)

// Submitter runs a capture job to a terminal result.
type Submitter interface {
	Submit(ctx context.Context, spec capture.JobSpec) (capture.JobResult, error)
}

// ArtifactReader resolves stored artifacts for download.
type ArtifactReader interface {
	Get(ctx context.Context, id string) (capture.Artifact, error)
	Open(ctx context.Context, id string) ([]byte, error)
}

// Config tunes the HTTP surface.
type Config struct {
	// RequestTimeout bounds a whole request, including the job it runs.
	RequestTimeout time.Duration
	// APIKey, when non-empty, is required in the X-API-Key header.
	APIKey string
}

// Server wires the chi router for the capture service.
type Server struct {
	cfg       Config
	submitter Submitter
	artifacts ArtifactReader
	logger    *zap.Logger
	router    chi.Router
	ready     func() bool
}

// captureRequest is the POST /v1/capture body.
type captureRequest struct {
	TargetURL      string                   `json:"target_url"`
	Mode           string                   `json:"mode"`
	OCR            bool                     `json:"ocr"`
	Transcode      *capture.TranscodeTarget `json:"transcode,omitempty"`
	TimeoutSeconds int                      `json:"timeout_seconds,omitempty"`
}

// captureResponse wraps a terminal job result. Artifact payloads are not
// inlined; callers fetch them by id.
type captureResponse struct {
	JobID       string             `json:"job_id"`
	Status      capture.Status     `json:"status"`
	Fingerprint string             `json:"fingerprint"`
	Artifacts   []artifactRef      `json:"artifacts,omitempty"`
	Transcoded  *artifactRef       `json:"transcoded,omitempty"`
	OCR         *capture.OCRResult `json:"ocr,omitempty"`
	ErrorKind   string             `json:"error_kind,omitempty"`
	ErrorText   string             `json:"error,omitempty"`
	SubmittedAt time.Time          `json:"submitted_at"`
	FinishedAt  time.Time          `json:"finished_at"`
}

type artifactRef struct {
	ID   string            `json:"id"`
	Kind capture.MediaKind `json:"kind"`
	Size int64             `json:"size"`
	Href string            `json:"href"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// NewServer builds the router. ready gates /readyz; nil means always ready.
func NewServer(cfg Config, submitter Submitter, artifacts ArtifactReader, ready func() bool, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 150 * time.Second
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	s := &Server{
		cfg:       cfg,
		submitter: submitter,
		artifacts: artifacts,
		logger:    logger,
		ready:     ready,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.APIKey != "" {
			r.Use(s.requireAPIKey)
		}
		r.Post("/capture", metricsWrap("/v1/capture", s.handleCapture))
		r.Get("/artifacts/{artifactID}", metricsWrap("/v1/artifacts", s.handleArtifact))
	})
	return r
}

func metricsWrap(route string, h http.HandlerFunc) http.HandlerFunc {
	wrapped := metrics.Middleware(route, h)
	return wrapped.ServeHTTP
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "", fmt.Errorf("decode request body: %w", err))
		return
	}

	spec := capture.JobSpec{
		TargetURL: req.TargetURL,
		Mode:      capture.Mode(req.Mode),
		OCR:       req.OCR,
		Timeout:   time.Duration(req.TimeoutSeconds) * time.Second,
	}
	if req.Transcode != nil {
		spec.Transcode = *req.Transcode
	}

	result, err := s.submitter.Submit(r.Context(), spec)
	if err != nil {
		kind := capture.KindOf(err)
		status := http.StatusBadRequest
		if kind == capture.KindCaptureTimeout || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.writeError(w, status, string(kind), err)
		return
	}

	s.writeJSON(w, statusForResult(result), toResponse(result))
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "artifactID")
	art, err := s.artifacts.Get(r.Context(), id)
	if err != nil || art.ID == "" {
		s.writeError(w, http.StatusNotFound, "", fmt.Errorf("artifact %s not found", id))
		return
	}
	data, err := s.artifacts.Open(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "", fmt.Errorf("read artifact: %w", err))
		return
	}
	w.Header().Set("Content-Type", string(art.Kind))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusForResult maps terminal results onto HTTP statuses. Failed and
// timed-out jobs still carry the structured result as the body.
func statusForResult(result capture.JobResult) int {
	if result.Status == capture.StatusSucceeded {
		return http.StatusOK
	}
	switch capture.ErrorKind(result.ErrorKind) {
	case capture.KindPoolExhausted:
		return http.StatusServiceUnavailable
	case capture.KindCaptureTimeout, capture.KindTranscodeTimeout:
		return http.StatusGatewayTimeout
	case capture.KindUnsupportedContent:
		return http.StatusUnprocessableEntity
	case capture.KindNavigationError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func toResponse(result capture.JobResult) captureResponse {
	resp := captureResponse{
		JobID:       result.JobID,
		Status:      result.Status,
		Fingerprint: result.Fingerprint,
		OCR:         result.OCR,
		ErrorKind:   result.ErrorKind,
		ErrorText:   result.ErrorText,
		SubmittedAt: result.Submitted,
		FinishedAt:  result.Finished,
	}
	for _, a := range result.Artifacts {
		resp.Artifacts = append(resp.Artifacts, toRef(a))
	}
	if result.Transcoded != nil {
		ref := toRef(*result.Transcoded)
		resp.Transcoded = &ref
	}
	return resp
}

func toRef(a capture.Artifact) artifactRef {
	return artifactRef{
		ID:   a.ID,
		Kind: a.Kind,
		Size: a.Size,
		Href: "/v1/artifacts/" + a.ID,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("encode response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind string, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != s.cfg.APIKey {
			s.writeError(w, http.StatusUnauthorized, "", fmt.Errorf("missing or invalid api key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
