package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"content-job-engine/internal/admin"
	"content-job-engine/internal/config"
	"content-job-engine/internal/models"
	"content-job-engine/internal/queue"
	"content-job-engine/internal/store"
	"content-job-engine/internal/telemetry"
)

// ActorHeader names the operator performing an admin call.
const ActorHeader = "X-Admin-Actor"

// Server wires HTTP handlers for job submission, queries and admin overrides.
type Server struct {
	cfg      config.Config
	store    store.Store
	admin    *admin.Service
	notifier queue.Notifier
	events   http.Handler
	logger   *slog.Logger
}

type Option func(*Server)

// WithEventStream serves h at /events/ws.
func WithEventStream(h http.Handler) Option {
	return func(s *Server) { s.events = h }
}

// WithNotifier signals idle workers about newly submitted jobs.
func WithNotifier(n queue.Notifier) Option {
	return func(s *Server) { s.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New constructs the API server.
func New(cfg config.Config, st store.Store, adminSvc *admin.Service, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		admin:    adminSvc,
		notifier: queue.Nop{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())
	if s.events != nil {
		r.Handle("/events/ws", s.events)
	}

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/runs", s.handleListRuns)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/jobs/retry", s.handleBulkRetry)
		r.Post("/jobs/{id}/retry", s.handleRetry)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Post("/jobs/{id}/status", s.handleSetStatus)
		r.Get("/audit", s.handleAudit)
	})
	return r
}

type submitRequest struct {
	Topic          string         `json:"topic"`
	Keywords       []string       `json:"keywords"`
	Tone           string         `json:"tone"`
	WordCount      int            `json:"word_count"`
	Profile        string         `json:"profile"`
	Options        map[string]any `json:"options"`
	Priority       int            `json:"priority"`
	MaxRetries     *int           `json:"max_retries"`
	IdempotencyKey string         `json:"idempotency_key"`
	RunAt          *time.Time     `json:"run_at"`
	DelaySeconds   int            `json:"delay_seconds"`
}

// pinger is implemented by stores backed by a remote database.
type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("health check: store unreachable", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "store": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitResponse struct {
	Job    models.Job `json:"job"`
	Reused bool       `json:"reused"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	if req.WordCount < 0 || req.DelaySeconds < 0 {
		writeError(w, http.StatusBadRequest, "word_count and delay_seconds must not be negative")
		return
	}
	maxRetries := s.cfg.MaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 || *req.MaxRetries > config.MaxRetriesLimit {
			writeError(w, http.StatusBadRequest, "max_retries must be between 0 and "+strconv.Itoa(config.MaxRetriesLimit))
			return
		}
		maxRetries = *req.MaxRetries
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}
	runAt := time.Time{}
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		runAt = time.Now().UTC().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	job, reused, err := s.store.Submit(r.Context(), store.SubmitParams{
		IdempotencyKey: key,
		Priority:       req.Priority,
		Payload: models.Payload{
			Topic:     req.Topic,
			Keywords:  req.Keywords,
			Tone:      req.Tone,
			WordCount: req.WordCount,
			Profile:   req.Profile,
			Options:   req.Options,
		},
		MaxRetries: maxRetries,
		RunAt:      runAt,
	})
	if err != nil {
		s.logger.Error("submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}

	if reused {
		telemetry.JobsReused.Inc()
		writeJSON(w, http.StatusOK, submitResponse{Job: job, Reused: true})
		return
	}
	telemetry.JobsSubmitted.Inc()
	if err := s.notifier.Notify(r.Context(), job.ID); err != nil {
		s.logger.Debug("ready signal failed", "job_id", job.ID, "error", err)
	}
	s.logger.Info("job submitted", "job_id", job.ID, "priority", job.Priority, "max_retries", job.MaxRetries)
	writeJSON(w, http.StatusAccepted, submitResponse{Job: job})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), store.ListParams{Status: status, Limit: queryInt(r, "limit")})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": nonNil(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	runs, err := s.store.ListRuns(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": nonNil(runs)})
}

type adminRequest struct {
	Reason        string        `json:"reason"`
	OverrideLimit bool          `json:"override_limit"`
	Status        models.Status `json:"status"`
	JobIDs        []string      `json:"job_ids"`
}

func decodeAdmin(w http.ResponseWriter, r *http.Request) (adminRequest, admin.Request, bool) {
	var req adminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return req, admin.Request{}, false
	}
	return req, admin.Request{Actor: r.Header.Get(ActorHeader), Reason: req.Reason}, true
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	req, ar, ok := decodeAdmin(w, r)
	if !ok {
		return
	}
	job, err := s.admin.Retry(r.Context(), chi.URLParam(r, "id"), ar, req.OverrideLimit)
	if err != nil {
		s.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleBulkRetry(w http.ResponseWriter, r *http.Request) {
	req, ar, ok := decodeAdmin(w, r)
	if !ok {
		return
	}
	if len(req.JobIDs) == 0 {
		writeError(w, http.StatusBadRequest, "job_ids is required")
		return
	}
	results, err := s.admin.BulkRetry(r.Context(), req.JobIDs, ar)
	if err != nil {
		s.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	_, ar, ok := decodeAdmin(w, r)
	if !ok {
		return
	}
	job, err := s.admin.Cancel(r.Context(), chi.URLParam(r, "id"), ar)
	if err != nil {
		s.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	req, ar, ok := decodeAdmin(w, r)
	if !ok {
		return
	}
	job, err := s.admin.SetStatus(r.Context(), chi.URLParam(r, "id"), req.Status, ar)
	if err != nil {
		s.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListAudit(r.Context(), r.URL.Query().Get("job_id"), queryInt(r, "limit"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}

func (s *Server) writeAdminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admin.ErrActorRequired), errors.Is(err, admin.ErrReasonRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, admin.ErrInvalidTransition), errors.Is(err, admin.ErrRetryLimitReached):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeStoreError(w, err)
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrStateConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
