// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/paperatlas/enrichq/internal/config"
	"github.com/paperatlas/enrichq/internal/control"
	"github.com/paperatlas/enrichq/internal/jobstore"
	"github.com/paperatlas/enrichq/internal/obs"
	"github.com/paperatlas/enrichq/internal/stage"
	"github.com/paperatlas/enrichq/internal/tracker"
)

// Server exposes the control surface over HTTP. Every handler is
// synchronous in the store: enqueue-style calls return as soon as the rows
// exist, nothing here ever runs a stage body.
type Server struct {
	cfg  *config.Config
	ctl  *control.Controller
	tr   *tracker.Tracker
	log  *zap.Logger
	http *http.Server
}

func New(cfg *config.Config, ctl *control.Controller, tr *tracker.Tracker, log *zap.Logger) *Server {
	s := &Server{cfg: cfg, ctl: ctl, tr: tr, log: log}
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/papers", s.handleRegisterPaper).Methods(http.MethodPost)
	api.HandleFunc("/papers/{id}", s.handleGetPaper).Methods(http.MethodGet)

	api.HandleFunc("/pipeline/backfill", s.handleBackfill).Methods(http.MethodPost)
	api.HandleFunc("/pipeline/enrich", s.handleEnrich).Methods(http.MethodPost)
	api.HandleFunc("/pipeline/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/pipeline/jobs/{id:[0-9]+}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/pipeline/jobs/{id:[0-9]+}/retry", s.handleRetryJob).Methods(http.MethodPost)
	api.HandleFunc("/pipeline/jobs/{id:[0-9]+}", s.handleCancelJob).Methods(http.MethodDelete)
	api.HandleFunc("/pipeline/batches/{id}", s.handleCancelBatch).Methods(http.MethodDelete)
	api.HandleFunc("/pipeline/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/pipeline/rate-limits/{provider}", s.handleRateLimit).Methods(http.MethodGet)
	api.HandleFunc("/pipeline/rate-limits/{provider}/backoff", s.handleClearBackoff).Methods(http.MethodDelete)
	api.HandleFunc("/pipeline/workers", s.handleWorkerStatus).Methods(http.MethodGet)
	api.HandleFunc("/pipeline/workers/scale", s.handleScale).Methods(http.MethodPost)

	s.http = &http.Server{
		Addr:         cfg.AdminAPI.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin api server error", obs.Err(err))
		}
	}()
	s.log.Info("admin api listening", obs.String("addr", s.cfg.AdminAPI.Addr))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

type registerPaperRequest struct {
	PaperID     string `json:"paper_id"`
	Title       string `json:"title"`
	Abstract    string `json:"abstract"`
	Priority    int    `json:"priority"`
	PublishedAt string `json:"published_at"` // YYYY-MM-DD
	Enqueue     *bool  `json:"enqueue"`      // default true: ingestion implies all stages
}

func (s *Server) handleRegisterPaper(w http.ResponseWriter, r *http.Request) {
	var req registerPaperRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.PaperID == "" {
		writeError(w, http.StatusBadRequest, errors.New("paper_id is required"))
		return
	}
	opts := tracker.RegisterOpts{Title: req.Title, Abstract: req.Abstract, Priority: req.Priority}
	if req.PublishedAt != "" {
		t, err := time.Parse("2006-01-02", req.PublishedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		opts.PublishedAt = t
	}
	if err := s.tr.Register(r.Context(), req.PaperID, opts); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := map[string]any{"paper_id": req.PaperID}
	if req.Enqueue == nil || *req.Enqueue {
		res, err := s.ctl.CreateEnrichment(r.Context(), []string{req.PaperID}, nil, jobstore.PriorityNormal)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp["batch_id"] = res.BatchID
		resp["jobs_created"] = res.JobsCreated
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetPaper(w http.ResponseWriter, r *http.Request) {
	paperID := mux.Vars(r)["id"]
	state, err := s.tr.Get(r.Context(), paperID)
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	pending, err := s.tr.PendingStages(r.Context(), paperID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":          state,
		"pending_stages": pending,
	})
}

type backfillRequest struct {
	Stages          []string `json:"stages"`
	Limit           int      `json:"limit"`
	Priority        int      `json:"priority"`
	MinCompleteness int      `json:"min_completeness"`
	MaxCompleteness int      `json:"max_completeness"`
	PublishedAfter  string   `json:"published_after"`
	PublishedBefore string   `json:"published_before"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	opts := control.BackfillOpts{
		Limit:           req.Limit,
		Priority:        req.Priority,
		MinCompleteness: req.MinCompleteness,
		MaxCompleteness: req.MaxCompleteness,
	}
	for _, raw := range req.Stages {
		st, err := stage.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		opts.Stages = append(opts.Stages, st)
	}
	var err error
	if opts.PublishedAfter, err = parseDate(req.PublishedAfter); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if opts.PublishedBefore, err = parseDate(req.PublishedBefore); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.ctl.CreateBackfill(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

type enrichRequest struct {
	PaperIDs []string `json:"paper_ids"`
	Stages   []string `json:"stages"`
	Priority int      `json:"priority"`
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	var req enrichRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var sts []stage.Stage
	for _, raw := range req.Stages {
		st, err := stage.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sts = append(sts, st)
	}
	res, err := s.ctl.CreateEnrichment(r.Context(), req.PaperIDs, sts, req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := jobstore.ListFilter{
		Status:  jobstore.Status(q.Get("status")),
		PaperID: q.Get("paper_id"),
		BatchID: q.Get("batch_id"),
	}
	if raw := q.Get("stage"); raw != "" {
		st, err := stage.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f.Stage = st
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	jobs, total, err := s.ctl.ListJobs(r.Context(), f, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	job, err := s.ctl.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	reset := r.URL.Query().Get("reset_retries") == "true"
	if err := s.ctl.RetryJob(r.Context(), id, reset); err != nil {
		writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": jobstore.StatusPending})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err := s.ctl.CancelJob(r.Context(), id); err != nil {
		writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": jobstore.StatusCancelled})
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["id"]
	n, err := s.ctl.CancelBatch(r.Context(), batchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "cancelled": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.ctl.Health(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctl.RateLimitStats(r.Context(), mux.Vars(r)["provider"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleClearBackoff(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	if err := s.ctl.ClearBackoff(r.Context(), provider); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": provider, "backoff_cleared": true})
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.WorkerStatus())
}

type scaleRequest struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	var req scaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	k := stage.Kind(req.Kind)
	valid := false
	for _, known := range stage.Kinds() {
		if k == known {
			valid = true
		}
	}
	if !valid {
		writeError(w, http.StatusBadRequest, errors.New("unknown worker kind "+req.Kind))
		return
	}
	if err := s.ctl.ScaleWorkers(k, req.Count); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": k, "count": req.Count})
}

func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", v)
}

func writeTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, jobstore.ErrBadState):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
