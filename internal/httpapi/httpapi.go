// Package httpapi implements the informative administration HTTP surface of
// spec.md §6: read-only views over internal/store for stats/jobs/workers/
// failures, the Prometheus /metrics endpoint, plus the runtime
// scheduler-toggle route spec.md §4.4 calls for ("replaceable ... at
// runtime via an admin toggle"). Not on the core critical path. Grounded on
// R4cc-ModSentinel's chi router and its golang.org/x/time/rate write-limiter
// for the one mutating route.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/crowdcompute/foreman/internal/scheduler"
	"github.com/crowdcompute/foreman/internal/store"
	"github.com/crowdcompute/foreman/pkg/types"
)

var log = slog.Default()

// SchedulerSwitch lets the admin surface swap the live scheduler strategy
// without a restart (spec.md §4.4's runtime admin toggle). Satisfied by
// *dispatcher.Dispatcher.
type SchedulerSwitch interface {
	SetScheduler(s scheduler.Scheduler)
	SchedulerName() string
}

// Server is the admin HTTP surface.
type Server struct {
	store     *store.Store
	sched     SchedulerSwitch
	writeLim  *rate.Limiter
	router    chi.Router
}

// New builds the admin surface. It writes responses only; callers run it
// with http.Server themselves so shutdown can be coordinated with the rest
// of the foreman.
func New(st *store.Store, sched SchedulerSwitch) *Server {
	s := &Server{
		store:    st,
		sched:    sched,
		writeLim: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/stats", s.handleStats)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/workers", s.handleListWorkers)
	r.Get("/failures", s.handleListFailures)
	r.Post("/admin/scheduler", s.handleSetScheduler)
	s.router = r
	return s
}

// Handler returns the http.Handler to mount on the admin port listener.
func (s *Server) Handler() http.Handler { return s.router }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("httpapi: encode response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	workers, err := s.store.ListWorkers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	counts := map[types.JobStatus]int{}
	for _, j := range jobs {
		counts[j.Status]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_jobs":    len(jobs),
		"jobs_by_status": counts,
		"total_workers": len(workers),
		"scheduler":     s.sched.SchedulerName(),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	job, err := s.store.GetJob(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tasks, err := s.store.QueryTasksByJob(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	counts, err := s.store.JobStats(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":   job,
		"tasks": tasks,
		"counts": counts,
	})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := s.store.ListFailures()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, failures)
}

type setSchedulerRequest struct {
	Name string `json:"name"`
}

// handleSetScheduler is the one mutating admin route, rate limited the way
// R4cc-ModSentinel's writeLimiter guards its own write handlers.
func (s *Server) handleSetScheduler(w http.ResponseWriter, r *http.Request) {
	if !s.writeLim.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req setSchedulerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	next, err := scheduler.New(req.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sched.SetScheduler(next)
	log.Info("scheduler switched via admin route", "name", req.Name)
	writeJSON(w, http.StatusOK, map[string]string{"scheduler": req.Name})
}
