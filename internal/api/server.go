package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/metricflow/internal/config"
	"github.com/dunamismax/metricflow/internal/domain"
	"github.com/dunamismax/metricflow/internal/id"
	"github.com/dunamismax/metricflow/internal/queue"
	"github.com/dunamismax/metricflow/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultRateLimitHeader = "X-User-ID"

type Server struct {
	logger                *zap.Logger
	queueClient           queueEnqueuer
	runs                  store.RunStore
	storage               objectStorage
	db                    pinger
	defaults              config.PipelineConfig
	sourceDir             string
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type queueEnqueuer interface {
	EnqueueRunPipeline(ctx context.Context, payload queue.RunPipelinePayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	Bucket() string
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

type pinger interface {
	Ping(ctx context.Context) bool
}

type Options struct {
	Logger      *zap.Logger
	Queue       queueEnqueuer
	Runs        store.RunStore
	Storage     objectStorage
	DB          pinger
	Defaults    config.PipelineConfig
	RateLimiter RateLimiter

	// SourceDir bounds local source paths; empty means the working directory.
	SourceDir string
}

func NewServer(opts Options) (*Server, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue client is required")
	}
	if opts.Runs == nil {
		return nil, errors.New("run store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	storage := opts.Storage
	if storage == nil {
		storage = unavailableObjectStorage{}
	}

	sourceDir := strings.TrimSpace(opts.SourceDir)
	if sourceDir == "" {
		sourceDir = "."
	}

	s := &Server{
		logger:                logger,
		queueClient:           opts.Queue,
		runs:                  opts.Runs,
		storage:               storage,
		db:                    opts.DB,
		defaults:              opts.Defaults,
		sourceDir:             sourceDir,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: defaultRateLimitHeader,
		metrics:               newMetrics(),
		tracer:                otel.Tracer("metricflow/api"),
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) Bucket() string { return "" }

func (unavailableObjectStorage) ObjectExists(_ context.Context, _ string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/runs", s.handleCreateRun)
	s.mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.db != nil && !s.db.Ping(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateRunRequest
	if err := decodeJSON(r, &req); err != nil {
		s.rejectRun(w, r, http.StatusBadRequest, outcomeInvalid, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		s.rejectRun(w, r, http.StatusBadRequest, outcomeInvalid, err.Error())
		return
	}

	run := s.newRun(req)
	annotateRun(r.Context(), run.ID)
	if err := s.checkSourceAllowed(run.SourcePath); err != nil {
		s.rejectRun(w, r, http.StatusBadRequest, outcomeSourceRefused, err.Error())
		return
	}
	if err := s.verifySourceExists(r.Context(), run.SourcePath); err != nil {
		s.rejectRun(w, r, http.StatusConflict, outcomeSourceMissing, err.Error())
		return
	}

	if err := s.runs.Create(r.Context(), run); err != nil {
		s.logger.Error("create run failed", zap.String("run_id", run.ID), zap.Error(err))
		s.rejectRun(w, r, http.StatusInternalServerError, outcomeStoreFailed, "failed to create run")
		return
	}

	payload := queue.RunPipelinePayload{
		RunID:       run.ID,
		SourcePath:  run.SourcePath,
		RawTable:    run.RawTable,
		FinalTable:  run.FinalTable,
		BatchSize:   run.BatchSize,
		SkipPublish: req.Publish != nil && !*req.Publish,
		WebhookURL:  run.WebhookURL,
		RequestedAt: time.Now().UTC(),
	}

	taskInfo, err := s.queueClient.EnqueueRunPipeline(r.Context(), payload)
	if err != nil {
		s.logger.Error("enqueue failed", zap.String("run_id", run.ID), zap.Error(err))
		if _, uerr := s.runs.UpdateStatus(r.Context(), run.ID, domain.RunStatusFailed); uerr != nil {
			s.logger.Warn("mark run failed", zap.String("run_id", run.ID), zap.Error(uerr))
		}
		s.rejectRun(w, r, http.StatusInternalServerError, outcomeEnqueueFailed, "failed to enqueue run")
		return
	}
	s.recordSubmission(r.Context(), outcomeAccepted)
	s.metrics.runsEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.runs.UpdateStatus(r.Context(), run.ID, domain.RunStatusQueued); err != nil {
		s.logger.Warn("update status failed", zap.String("run_id", run.ID), zap.Error(err))
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":      run.ID,
		"status":      domain.RunStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"enqueued_at": taskInfo.NextProcessAt,
		"status_url":  "/v1/runs/" + run.ID,
	})
}

func (s *Server) rejectRun(w http.ResponseWriter, r *http.Request, status int, outcome, message string) {
	s.recordSubmission(r.Context(), outcome)
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("id"))
	if !id.Valid(runID) {
		s.recordLookup(lookupInvalid)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid run id"})
		return
	}
	annotateRun(r.Context(), runID)

	run, ok, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		s.recordLookup(lookupFailed)
		s.logger.Error("fetch run failed", zap.String("run_id", runID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load run"})
		return
	}
	if !ok {
		s.recordLookup(lookupNotFound)
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}

	s.recordLookup(lookupFound)
	writeJSON(w, http.StatusOK, runView(run))
}

// newRun applies the configured defaults to blank request fields.
func (s *Server) newRun(req domain.CreateRunRequest) domain.Run {
	now := time.Now().UTC()
	run := domain.Run{
		ID:         id.New(),
		Status:     domain.RunStatusCreated,
		SourcePath: strings.TrimSpace(req.SourcePath),
		RawTable:   req.RawTable,
		FinalTable: req.FinalTable,
		BatchSize:  req.BatchSize,
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if run.SourcePath == "" {
		run.SourcePath = s.defaults.SourcePath
	}
	if run.RawTable == "" {
		run.RawTable = s.defaults.RawTable
	}
	if run.FinalTable == "" {
		run.FinalTable = s.defaults.FinalTable
	}
	if run.BatchSize == 0 {
		run.BatchSize = s.defaults.BatchSize
	}
	return run
}

// checkSourceAllowed refuses local paths that resolve outside the source
// directory, following symlinks where they exist.
func (s *Server) checkSourceAllowed(source string) error {
	if strings.HasPrefix(source, domain.ObjectSourcePrefix) {
		return nil
	}

	root, err := resolvePath(s.sourceDir)
	if err != nil {
		return fmt.Errorf("source directory: %w", err)
	}
	path, err := resolvePath(source)
	if err != nil {
		return fmt.Errorf("source_path: %w", err)
	}

	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return errors.New("source_path must be inside the source directory")
	}
	return nil
}

func resolvePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

func (s *Server) verifySourceExists(ctx context.Context, source string) error {
	if !strings.HasPrefix(source, domain.ObjectSourcePrefix) {
		if _, err := os.Stat(source); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("source is missing: %s", source)
			}
			return fmt.Errorf("source check failed: %w", err)
		}
		return nil
	}

	key := strings.TrimPrefix(source, domain.ObjectSourcePrefix)
	if bucket := s.storage.Bucket(); bucket != "" {
		key = strings.TrimPrefix(key, bucket+"/")
	}
	exists, err := s.storage.ObjectExists(ctx, key)
	if err != nil {
		return fmt.Errorf("source check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("source is missing: %s", source)
	}
	return nil
}

func runView(run domain.Run) map[string]any {
	view := map[string]any{
		"run_id":       run.ID,
		"status":       run.Status,
		"source_path":  run.SourcePath,
		"raw_table":    run.RawTable,
		"final_table":  run.FinalTable,
		"batch_size":   run.BatchSize,
		"raw_rows":     run.RawRows,
		"unique_users": run.UniqueUsers,
		"terminal":     run.Terminal(),
		"created_at":   run.CreatedAt,
		"updated_at":   run.UpdatedAt,
	}
	if run.Stage != "" {
		view["failed_stage"] = run.Stage
	}
	if run.Error != "" {
		view["error"] = run.Error
	}
	return view
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
