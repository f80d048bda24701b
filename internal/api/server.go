package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"media-reconciler/internal/batches"
	"media-reconciler/internal/enrichment"
	"media-reconciler/internal/jobs"
	"media-reconciler/internal/ledger"
	"media-reconciler/internal/models"
	"media-reconciler/internal/store"
	"media-reconciler/internal/telemetry"
)

const maxWebhookBody = 1 << 20

// Ledger stores inbound webhook events.
type Ledger interface {
	StoreEvent(ctx context.Context, source, eventType string, payload map[string]any, dedupKey string) (models.WebhookEvent, bool, error)
	Backlog(ctx context.Context, maxRetries int) (pending, exhausted int, err error)
}

// Jobs is the job lifecycle surface exposed over HTTP.
type Jobs interface {
	Create(ctx context.Context, req jobs.CreateRequest) (models.DownloadJob, error)
	Get(ctx context.Context, id string) (models.DownloadJob, error)
	RecordFailure(ctx context.Context, jobID, reason string, recoverable bool) (models.DownloadJob, error)
	Status(ctx context.Context) (map[models.JobStatus]int, error)
}

// Batches evaluates discovery batches.
type Batches interface {
	Progress(ctx context.Context, batchID string) (models.DiscoveryBatch, models.BatchProgress, error)
	Check(ctx context.Context, batchID string) (batches.Result, error)
}

// Enrichment is the control plane surface.
type Enrichment interface {
	Start(ctx context.Context) (models.EnrichmentState, error)
	Pause(ctx context.Context) (models.EnrichmentState, error)
	Resume(ctx context.Context) (models.EnrichmentState, error)
	Stop(ctx context.Context) (models.EnrichmentState, error)
	ReRunStage(ctx context.Context, stage models.Stage) (int64, error)
	Status(ctx context.Context) (enrichment.StatusReport, error)
}

// Cycle is a scheduled loop that can be run on demand.
type Cycle interface {
	Name() string
	Trigger() bool
	Suspended() bool
	InFlight() bool
}

// Limiter throttles webhook ingestion per source.
type Limiter interface {
	AllowSource(ctx context.Context, source string) (bool, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for webhook ingestion and the operator endpoints.
type Server struct {
	ledger          Ledger
	jobs            Jobs
	batches         Batches
	enrichment      Enrichment
	reconcile       Cycle
	cycles          []Cycle
	limiter         Limiter
	health          []Pinger
	eventMaxRetries int
	logger          *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithBatches enables the batch endpoints.
func WithBatches(b Batches) Option {
	return func(s *Server) { s.batches = b }
}

// WithEnrichment enables the enrichment endpoints.
func WithEnrichment(e Enrichment) Option {
	return func(s *Server) { s.enrichment = e }
}

// WithReconcile lets POST /reconcile trigger the reconciliation cycle.
func WithReconcile(c Cycle) Option {
	return func(s *Server) {
		s.reconcile = c
		s.cycles = append(s.cycles, c)
	}
}

// WithCycles adds cycles to the status report.
func WithCycles(cycles ...Cycle) Option {
	return func(s *Server) { s.cycles = append(s.cycles, cycles...) }
}

// WithLimiter rate limits webhook ingestion.
func WithLimiter(l Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithHealth adds backends checked by /healthz.
func WithHealth(p ...Pinger) Option {
	return func(s *Server) { s.health = append(s.health, p...) }
}

// WithEventMaxRetries sets the retry ceiling used for the ledger backlog report.
func WithEventMaxRetries(n int) Option {
	return func(s *Server) { s.eventMaxRetries = n }
}

// New constructs the API server.
func New(led Ledger, lc Jobs, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		ledger:          led,
		jobs:            lc,
		eventMaxRetries: 5,
		logger:          logger.With("component", "api"),
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

	r.Group(func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.Post("/webhooks/{source}", s.handleWebhook)
		r.Get("/status", s.handleStatus)
		r.Post("/reconcile", s.handleReconcile)

		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/failure", s.handleJobFailure)

		r.Get("/batches/{id}", s.handleGetBatch)
		r.Post("/batches/{id}/check", s.handleCheckBatch)

		r.Get("/enrichment", s.handleEnrichmentStatus)
		r.Post("/enrichment/rerun/{stage}", s.handleReRun)
		r.Post("/enrichment/{action}", s.handleEnrichmentAction)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range s.health {
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type webhookResponse struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
}

// handleWebhook only records the event; reconciliation picks it up on its next pass.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	if s.limiter != nil {
		allowed, err := s.limiter.AllowSource(r.Context(), source)
		if err != nil {
			s.logger.Warn("rate limiter unavailable", "source", source, "error", err)
		} else if !allowed {
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	var payload map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	eventType, _ := payload["eventType"].(string)
	ev, created, err := s.ledger.StoreEvent(r.Context(), source, eventType, payload, r.Header.Get("X-Dedup-Key"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	code := http.StatusAccepted
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, webhookResponse{EventID: ev.ID, Duplicate: !created})
}

type cycleStatus struct {
	Name      string `json:"name"`
	Suspended bool   `json:"suspended"`
	InFlight  bool   `json:"in_flight"`
}

type statusResponse struct {
	Jobs       map[models.JobStatus]int `json:"jobs"`
	Events     map[string]int           `json:"events"`
	Cycles     []cycleStatus            `json:"cycles,omitempty"`
	Enrichment *enrichment.StatusReport `json:"enrichment,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.jobs.Status(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	pending, exhausted, err := s.ledger.Backlog(r.Context(), s.eventMaxRetries)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	resp := statusResponse{
		Jobs:   counts,
		Events: map[string]int{"pending": pending, "exhausted": exhausted},
	}
	for _, c := range s.cycles {
		resp.Cycles = append(resp.Cycles, cycleStatus{Name: c.Name(), Suspended: c.Suspended(), InFlight: c.InFlight()})
	}
	if s.enrichment != nil {
		rep, err := s.enrichment.Status(r.Context())
		if err != nil {
			s.logger.Warn("enrichment status failed", "error", err)
		} else {
			resp.Enrichment = &rep
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReconcile(w http.ResponseWriter, _ *http.Request) {
	if s.reconcile == nil {
		writeError(w, http.StatusNotImplemented, "reconciliation is not hosted by this process")
		return
	}
	triggered := s.reconcile.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": triggered})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Subject == "" && req.Artist == "" && req.Album == "" {
		writeError(w, http.StatusBadRequest, "subject or artist/album is required")
		return
	}
	job, err := s.jobs.Create(r.Context(), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	// A suspended reconcile cycle would leave this job's webhooks in the ledger.
	if s.reconcile != nil {
		s.reconcile.Trigger()
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type failureRequest struct {
	Reason      string `json:"reason"`
	Recoverable bool   `json:"recoverable"`
}

func (s *Server) handleJobFailure(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Reason == "" {
		req.Reason = "reported failure"
	}
	job, err := s.jobs.RecordFailure(r.Context(), chi.URLParam(r, "id"), req.Reason, req.Recoverable)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type batchResponse struct {
	Batch    models.DiscoveryBatch `json:"batch"`
	Progress models.BatchProgress  `json:"progress"`
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil {
		writeError(w, http.StatusNotImplemented, "batches are not enabled")
		return
	}
	batch, progress, err := s.batches.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Batch: batch, Progress: progress})
}

func (s *Server) handleCheckBatch(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil {
		writeError(w, http.StatusNotImplemented, "batches are not enabled")
		return
	}
	res, err := s.batches.Check(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEnrichmentStatus(w http.ResponseWriter, r *http.Request) {
	if s.enrichment == nil {
		writeError(w, http.StatusNotImplemented, "enrichment is not enabled")
		return
	}
	rep, err := s.enrichment.Status(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleEnrichmentAction(w http.ResponseWriter, r *http.Request) {
	if s.enrichment == nil {
		writeError(w, http.StatusNotImplemented, "enrichment is not enabled")
		return
	}
	var op func(context.Context) (models.EnrichmentState, error)
	switch chi.URLParam(r, "action") {
	case "start":
		op = s.enrichment.Start
	case "pause":
		op = s.enrichment.Pause
	case "resume":
		op = s.enrichment.Resume
	case "stop":
		op = s.enrichment.Stop
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	st, err := op(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleReRun(w http.ResponseWriter, r *http.Request) {
	if s.enrichment == nil {
		writeError(w, http.StatusNotImplemented, "enrichment is not enabled")
		return
	}
	stage, ok := models.ParseStage(chi.URLParam(r, "stage"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown stage")
		return
	}
	n, err := s.enrichment.ReRunStage(r.Context(), stage)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"stage": stage, "reset": n})
}

// writeErr maps domain errors onto status codes.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrEmptySource):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrInvalidTransition),
		errors.Is(err, enrichment.ErrInvalidState),
		errors.Is(err, store.ErrActiveJobExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
