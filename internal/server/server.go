// Package server exposes the refinement journal and live job results over HTTP.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"ctfrefine/internal/config"
	"ctfrefine/internal/emdata"
	"ctfrefine/internal/pipeline"
	"ctfrefine/internal/protocol"
	"ctfrefine/internal/storage"
	"ctfrefine/internal/tasks"
)

// Server wraps the HTTP API around the shared pipeline and journal.
type Server struct {
	addr     string
	cfg      *config.Config
	store    *storage.Store
	pipeline *pipeline.Pipeline
	log      *slog.Logger
	hub      *hub
	server   *http.Server

	mu   sync.Mutex
	ctx  context.Context
	runs sync.WaitGroup
}

// NewServer creates a server. pipe may be nil, in which case every launched
// run starts its own workers and the live feeds stay silent.
func NewServer(addr string, cfg *config.Config, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Server{
		addr:     addr,
		cfg:      cfg,
		store:    store,
		pipeline: pipe,
		log:      log,
		hub:      newHub(log),
		ctx:      context.Background(),
	}
}

// Start serves until ctx is cancelled, then waits for launched runs.
func (s *Server) Start(ctx context.Context) error {
	s.startFeeds(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	s.runs.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve runs a server with the given dependencies until ctx is done.
func Serve(ctx context.Context, addr string, cfg *config.Config, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) error {
	return NewServer(addr, cfg, store, pipe, log).Start(ctx)
}

// startFeeds runs the websocket hub and forwards pipeline results to it.
func (s *Server) startFeeds(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	go s.hub.run(ctx)
	if s.pipeline == nil {
		return
	}
	results, unsubscribe := s.pipeline.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case res, ok := <-results:
				if !ok {
					return
				}
				payload, err := json.Marshal(newJobEvent(res))
				if err != nil {
					continue
				}
				select {
				case s.hub.broadcast <- payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

func (s *Server) feedCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	r.HandleFunc("/runs", s.handleLaunch).Methods(http.MethodPost)
	r.HandleFunc("/runs/{id}", s.handleRun).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/jobs", s.handleRunJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs", s.handleJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/meta", s.handleJobMeta).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.handleJobStream).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	return r
}

// jobEvent is the live feed representation of a finished micrograph job.
type jobEvent struct {
	JobID      string         `json:"job_id"`
	RunID      string         `json:"run_id"`
	Type       string         `json:"type"`
	Micrograph string         `json:"micrograph"`
	Output     string         `json:"output"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	Seconds    float64        `json:"seconds"`
}

func newJobEvent(res pipeline.Result) jobEvent {
	ev := jobEvent{
		JobID:      res.Job.ID,
		RunID:      res.Job.RunID,
		Type:       string(res.Job.Type),
		Micrograph: res.Job.InputPath,
		Output:     res.Job.Output,
		Status:     storage.StatusCompleted,
		Meta:       res.Meta,
		Seconds:    res.Duration.Seconds(),
	}
	if res.Error != nil {
		ev.Status = storage.StatusFailed
		ev.Error = res.Error.Error()
	}
	return ev
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func limitParam(r *http.Request, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return def
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentRuns(limitParam(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Run(mux.Vars(r)["id"])
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sql.ErrNoRows) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRunJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RunJobs(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(limitParam(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleJobMeta returns the result metadata recorded for one job, such as
// the goCTF files and timings of a micrograph.
func (s *Server) handleJobMeta(w http.ResponseWriter, r *http.Request) {
	meta, err := s.store.JobMeta(mux.Vars(r)["id"])
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sql.ErrNoRows) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if s.pipeline == nil {
		http.Error(w, "no pipeline", http.StatusServiceUnavailable)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(newJobEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// launchRequest is the body of POST /runs. Params left out of the body keep
// the configured defaults.
type launchRequest struct {
	Particles   string           `json:"particles"`
	Micrographs string           `json:"micrographs"`
	Output      string           `json:"output"`
	KeepTemp    bool             `json:"keep_temp"`
	Params      *protocol.Params `json:"params"`
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	params := protocol.ParamsFromConfig(s.cfg)
	req := launchRequest{Params: &params}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Particles == "" || req.Micrographs == "" {
		writeError(w, http.StatusBadRequest, errors.New("particles and micrographs are required"))
		return
	}
	if req.Params == nil {
		req.Params = &params
	}

	parts, err := emdata.ReadParticleSet(req.Particles)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mics, err := emdata.ReadMicrographSet(req.Micrographs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := protocol.Validate(*req.Params, parts, mics); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	output := req.Output
	if output == "" {
		output = tasks.OutputSetPath(req.Particles)
	}
	ref := &protocol.Refinement{
		RunID:       uuid.New().String(),
		Particles:   parts,
		Micrographs: mics,
		Params:      *req.Params,
		OutputPath:  output,
		NoClean:     req.KeepTemp || s.cfg.NoClean(),
		Config:      s.cfg,
		Store:       s.store,
		Logger:      s.log,
	}
	// The shared pipeline runs cfg.Processing.Threads workers; any other
	// thread count gets a pipeline of its own.
	if s.pipeline != nil && req.Params.Threads == protocol.ParamsFromConfig(s.cfg).Threads {
		ref.Pipeline = s.pipeline
	}

	ctx := s.feedCtx()
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		report, err := ref.Run(ctx)
		if err != nil {
			s.log.Error("refinement failed", "run", ref.RunID, "error", err)
			return
		}
		s.log.Info(report.Summary(), "run", ref.RunID, "output", report.OutputPath)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"id": ref.RunID, "output": output})
}
