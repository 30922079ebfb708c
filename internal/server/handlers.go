package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bobmcallan/drover/internal/common"
	"github.com/bobmcallan/drover/internal/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes sets up the admin API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/workers", s.handleWorkers)

	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("POST /api/jobs", s.handleEnqueue)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/jobs/{id}/logs", s.handleJobLogs)
	mux.HandleFunc("POST /api/jobs/{id}/kill", s.handleKill)
	mux.HandleFunc("POST /api/jobs/{id}/remove", s.handleRemove)
	mux.HandleFunc("POST /api/jobs/{id}/restart", s.handleRestart)

	mux.HandleFunc("POST /api/maintenance", s.handleMaintenance)
	mux.HandleFunc("POST /api/halt", s.handleHalt)
	mux.HandleFunc("POST /api/journal/purge", s.handlePurge)

	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.hub.ServeWS)
	}
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats := map[string]int{}
	for _, state := range []string{
		models.StatePending, models.StateRunning,
		models.StateDeferred, models.StateFailed,
	} {
		n, err := s.store.CountQueue(ctx, state)
		if err != nil {
			WriteError(w, http.StatusBadGateway, "Store unavailable: "+err.Error())
			return
		}
		stats[state] = n
	}
	total, err := s.store.CountQueue(ctx, "")
	if err != nil {
		WriteError(w, http.StatusBadGateway, "Store unavailable: "+err.Error())
		return
	}
	journal, err := s.store.CountJournal(ctx)
	if err != nil {
		WriteError(w, http.StatusBadGateway, "Store unavailable: "+err.Error())
		return
	}
	stats["queue"] = total
	stats["journal"] = journal
	WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		WriteError(w, http.StatusBadGateway, "Store unavailable: "+err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, workers)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	jobs, err := s.store.ListQueue(r.Context(), state, limit)
	if err != nil {
		WriteError(w, http.StatusBadGateway, "Store unavailable: "+err.Error())
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	WriteJSON(w, http.StatusOK, jobs)
}

// EnqueueRequest is the POST /api/jobs payload.
type EnqueueRequest struct {
	Name     string                  `json:"name"`
	Args     map[string]any          `json:"args"`
	Override models.EnqueueOverrides `json:"override"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		WriteError(w, http.StatusBadRequest, "Job name is required")
		return
	}

	job, err := s.controller.Enqueue(r.Context(), req.Name, req.Args, &req.Override)
	if err != nil {
		WriteError(w, http.StatusBadGateway, "Failed to enqueue: "+err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.controller.FindJob(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadGateway, "Store unavailable: "+err.Error())
		return
	}
	if job == nil {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.FindLogs(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadGateway, "Store unavailable: "+err.Error())
		return
	}
	if logs == nil {
		logs = []*models.LogRecord{}
	}
	WriteJSON(w, http.StatusOK, logs)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	killed, err := s.controller.KillJob(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusBadGateway, "Store unavailable: "+err.Error())
		return
	}
	if !killed {
		WriteError(w, http.StatusConflict, "Job is not running")
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"id": id, "requested": "kill"})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	removed, err := s.controller.RemoveJob(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusBadGateway, "Store unavailable: "+err.Error())
		return
	}
	if !removed {
		WriteError(w, http.StatusConflict, "Job is terminal or unknown")
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"id": id, "requested": "remove"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	newID, err := s.controller.RestartJob(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"id": id, "restarted_as": newID})
}

// MaintenanceRequest is the POST /api/maintenance payload.
type MaintenanceRequest struct {
	Enter bool `json:"enter"`
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	var req MaintenanceRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	var err error
	if req.Enter {
		err = s.controller.EnterMaintenance(r.Context())
	} else {
		err = s.controller.LeaveMaintenance(r.Context())
	}
	if err != nil {
		WriteError(w, http.StatusBadGateway, "Store unavailable: "+err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"maintenance": req.Enter})
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Halt(r.Context()); err != nil {
		WriteError(w, http.StatusBadGateway, "Store unavailable: "+err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"requested": "halt"})
}

// PurgeRequest is the POST /api/journal/purge payload.
type PurgeRequest struct {
	OlderThanHours int `json:"older_than_hours"`
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req PurgeRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.OlderThanHours <= 0 {
		WriteError(w, http.StatusBadRequest, "older_than_hours must be positive")
		return
	}

	cutoff := time.Now().Add(-time.Duration(req.OlderThanHours) * time.Hour)
	n, err := s.controller.PurgeJournal(r.Context(), cutoff)
	if err != nil {
		WriteError(w, http.StatusBadGateway, "Store unavailable: "+err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"purged": n})
}
