// Package api serves the operator HTTP surface: health, metrics, job
// inspection and program listings. Clients submit work over the job
// protocol, never through here.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"quiqcl-server/internal/apperr"
	"quiqcl-server/internal/compiler"
	"quiqcl-server/internal/models"
	"quiqcl-server/internal/plot"
	"quiqcl-server/internal/profile"
	"quiqcl-server/internal/store"
	"quiqcl-server/internal/telemetry"
)

const maxCompileBody = 8 << 20

// JobArchive looks up jobs no longer held in memory.
type JobArchive interface {
	GetJob(ctx context.Context, id string) (models.JobRecord, error)
}

// Server wires HTTP handlers for operators.
type Server struct {
	logger   *zap.Logger
	jobs     *store.Jobs
	profiles *profile.Registry
	archive  JobArchive
}

// New constructs the ops server. archive may be nil.
func New(jobs *store.Jobs, profiles *profile.Registry, archive JobArchive, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:   logger,
		jobs:     jobs,
		profiles: profiles,
		archive:  archive,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/histogram.png", s.handleHistogram)
	r.Get("/profiles", s.handleProfiles)
	r.Post("/profiles/{name}/compile", s.handleCompile)
	return r
}

type healthResponse struct {
	Status  string                   `json:"status"`
	Jobs    map[models.JobStatus]int `json:"jobs"`
	Archive string                   `json:"archive,omitempty"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Jobs: s.jobs.Counts()}
	code := http.StatusOK
	if p, ok := s.archive.(pinger); ok {
		resp.Archive = "ok"
		if err := p.Ping(r.Context()); err != nil {
			s.logger.Warn("archive ping failed", zap.Error(err))
			resp.Status, resp.Archive = "degraded", err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

type jobResponse struct {
	ID string `json:"id"`
	models.JobRecord
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(r.Context(), chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{ID: rec.ID, JobRecord: rec})
}

func (s *Server) handleHistogram(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(r.Context(), chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if rec.Result == nil || len(rec.Result.Rabi) == 0 {
		http.Error(w, "job has no counter data", http.StatusConflict)
		return
	}
	img, err := plot.Histogram(rec.Result.Rabi, plot.DefaultOptions)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := plot.EncodePNG(w, img); err != nil {
		s.logger.Warn("write histogram", zap.String("job_id", rec.ID), zap.Error(err))
	}
}

// lookup checks the live table first and falls back to the archive.
func (s *Server) lookup(ctx context.Context, id string) (models.JobRecord, bool) {
	if rec, ok := s.jobs.Get(id); ok {
		return rec, true
	}
	if s.archive == nil {
		return models.JobRecord{}, false
	}
	rec, err := s.archive.GetJob(ctx, id)
	if err != nil {
		if !apperr.IsKind(err, apperr.JobNotFound) {
			s.logger.Warn("archive lookup", zap.String("job_id", id), zap.Error(err))
		}
		return models.JobRecord{}, false
	}
	return rec, true
}

type profileSummary struct {
	Name     string   `json:"name"`
	Driver   string   `json:"driver"`
	MaxShots int      `json:"max_shots"`
	Counters []string `json:"counters"`
	Phase    string   `json:"phase_mode"`
}

func (s *Server) handleProfiles(w http.ResponseWriter, _ *http.Request) {
	out := make([]profileSummary, 0)
	for _, name := range s.profiles.Names() {
		p, _ := s.profiles.Get(name)
		out = append(out, profileSummary{
			Name:     p.Name,
			Driver:   p.Device.Driver,
			MaxShots: p.MaxShots,
			Counters: p.CounterNames(),
			Phase:    p.Phase.Mode,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": out})
}

// handleCompile returns the program listing for a circuit without running it.
func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	p, ok := s.profiles.Get(chi.URLParam(r, "name"))
	if !ok {
		http.Error(w, "unknown profile", http.StatusNotFound)
		return
	}
	var c models.Circuit
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCompileBody)).Decode(&c); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	prog, err := compiler.Compile(c, p)
	if err != nil {
		code := http.StatusBadRequest
		if kind, _ := apperr.KindOf(err); kind == apperr.TooManyCounters || kind == apperr.ProgramTooLarge {
			code = http.StatusUnprocessableEntity
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(prog.Listing()))
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
