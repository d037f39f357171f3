// Package api exposes the review engine over HTTP: job submission,
// polling, revocation, and user feedback on findings.
package api

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/reviewd/config"
	"github.com/c360studio/reviewd/engine"
	"github.com/c360studio/reviewd/postgres"
)

// Task kinds and actions of the query-driven endpoint.
const (
	TaskKindReview   = "0"
	TaskKindFeedback = "1"

	ActionGet    = "0"
	ActionRun    = "1"
	ActionRevoke = "2"
)

// Wire values of task_status in poll responses.
const (
	StatusCodeSuccess = 1
	StatusCodeFail    = 2
	StatusCodeRevoked = 3
	StatusCodePending = 4
)

// ReviewService is the engine surface the API depends on.
type ReviewService interface {
	SubmitReview(ctx context.Context, urls []string) (string, error)
	Status(ctx context.Context, jobID string) (engine.JobStatus, json.RawMessage, error)
	PartialResult(ctx context.Context, jobID string) (*engine.ProcessedReview, error)
	RevokeJob(ctx context.Context, jobID string) error
	SubmitFeedback(ctx context.Context, jobID string, verdict postgres.Feedback,
		project, file string, line int, rule string) error
}

// Server is the HTTP front of the review engine.
type Server struct {
	reviews ReviewService
	logger  *slog.Logger
	secret  string
}

// NewServer assembles the HTTP layer. An empty auth secret disables
// request signing.
func NewServer(cfg *config.Config, reviews ReviewService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		reviews: reviews,
		logger:  logger,
		secret:  cfg.Auth.Secret,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.secret != "" {
			r.Use(s.requireSignature)
		}
		r.Get("/api/v1/devagent", s.handleDevagent)
	})

	return r
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, cfg config.HTTPConfig) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	s.logger.Info("http server listening", "addr", cfg.Addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDevagent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	switch kind := q.Get("task_kind"); kind {
	case TaskKindReview:
		switch q.Get("action") {
		case ActionRun:
			s.runReview(w, r, q.Get("payload"))
		case ActionGet:
			s.getReview(w, r, q.Get("payload"), q.Get("partial") == "1")
		case ActionRevoke:
			id := q.Get("task_id")
			if id == "" {
				id = q.Get("payload")
			}
			s.revokeReview(w, r, id)
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", q.Get("action")))
		}
	case TaskKindFeedback:
		if q.Get("action") != ActionRun {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", q.Get("action")))
			return
		}
		s.setFeedback(w, r)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown task_kind %q", kind))
	}
}

func (s *Server) runReview(w http.ResponseWriter, r *http.Request, payload string) {
	var urls []string
	for _, u := range strings.Split(payload, ";") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		writeError(w, http.StatusBadRequest, "payload must carry at least one pull request url")
		return
	}

	jobID, err := s.reviews.SubmitReview(r.Context(), urls)
	if err != nil {
		s.logger.Error("failed to submit review", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to submit review")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"task_id": jobID})
}

func (s *Server) getReview(w http.ResponseWriter, r *http.Request, jobID string, partial bool) {
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "payload must carry a task_id")
		return
	}

	status, result, err := s.reviews.Status(r.Context(), jobID)
	if err != nil {
		s.logger.Error("failed to resolve job status", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve job status")
		return
	}

	// Partial mode: merge whatever shards already finished while the
	// job is still running.
	if partial && status == engine.JobPending {
		if processed, err := s.reviews.PartialResult(r.Context(), jobID); err == nil {
			raw, err := json.Marshal(processed)
			if err != nil {
				s.logger.Error("failed to encode partial result", "job_id", jobID, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to encode partial result")
				return
			}
			result = raw
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":     jobID,
		"task_status": statusCode(status),
		"task_result": result,
	})
}

func (s *Server) revokeReview(w http.ResponseWriter, r *http.Request, jobID string) {
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	if err := s.reviews.RevokeJob(r.Context(), jobID); err != nil {
		s.logger.Error("failed to revoke job", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to revoke job")
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) setFeedback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	jobID := q.Get("task_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	verdict, err := strconv.Atoi(q.Get("feedback"))
	if err != nil || !postgres.Feedback(verdict).Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid feedback value %q", q.Get("feedback")))
		return
	}

	project, file, line, rule, err := decodeFeedbackToken(q.Get("data"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed data parameter: %v", err))
		return
	}

	err = s.reviews.SubmitFeedback(r.Context(), jobID, postgres.Feedback(verdict), project, file, line, rule)
	if err != nil {
		s.logger.Error("failed to save feedback", "job_id", jobID, "error", err)
		writeError(w, http.StatusBadRequest, "failed to save feedback")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// decodeFeedbackToken unpacks base64url(zlib("project:file:line:rule")).
func decodeFeedbackToken(data string) (project, file string, line int, rule string, err error) {
	compressed, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		return "", "", 0, "", fmt.Errorf("decode base64: %w", err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return "", "", 0, "", fmt.Errorf("decompress: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return "", "", 0, "", fmt.Errorf("decompress: %w", err)
	}

	parts := strings.Split(string(raw), ":")
	if len(parts) != 4 {
		return "", "", 0, "", fmt.Errorf("want project:file:line:rule, got %d fields", len(parts))
	}

	line, err = strconv.Atoi(parts[2])
	if err != nil {
		return "", "", 0, "", fmt.Errorf("malformed line number %q", parts[2])
	}

	return parts[0], parts[1], line, parts[3], nil
}

// statusCode maps the engine's job status onto the wire enum.
func statusCode(status engine.JobStatus) int {
	switch status {
	case engine.JobSuccessful:
		return StatusCodeSuccess
	case engine.JobFailed:
		return StatusCodeFail
	case engine.JobRevoked:
		return StatusCodeRevoked
	default:
		return StatusCodePending
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		slog.Default().Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"error": detail})
}
