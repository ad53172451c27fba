package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/oriys/cleanroom/internal/coordinator"
	"github.com/oriys/cleanroom/internal/domain"
	"github.com/oriys/cleanroom/internal/logging"
	"github.com/oriys/cleanroom/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Op().Error("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

type batchRequest struct {
	ContainerName string   `json:"container_name"`
	FilePaths     []string `json:"file_paths,omitempty"`
	Phases        []int    `json:"phases"`
	Priority      string   `json:"priority,omitempty"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	job, err := s.coord.Submit(r.Context(), coordinator.SubmitRequest{
		ContainerName: req.ContainerName,
		FilePaths:     req.FilePaths,
		Phases:        req.Phases,
		Priority:      req.Priority,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 1000")
			return
		}
		limit = n
	}

	jobs, err := s.store.ListRecentJobs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobResults(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results := make(map[string][]json.RawMessage, len(job.Phases))
	for _, n := range job.Phases {
		tag, err := domain.PhaseTagFor(n)
		if err != nil {
			continue
		}
		entries, err := s.store.PhaseResults(r.Context(), id, tag)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		results[string(tag)] = entries
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":  job.ID,
		"status":  job.Status,
		"results": results,
	})
}

// handleCancelJob serves DELETE on a job: cancellation, not removal. The job
// record stays around for results queries. Missing and already-terminal jobs
// both report 404; there is nothing left to stop in either case.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	transitioned, err := s.coord.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !transitioned {
		writeError(w, http.StatusNotFound, "job not found or already finished")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":    id,
		"cancelled": true,
		"status":    domain.JobCancelled,
	})
}

// handlePurgeJob removes a terminal job's record and results entirely.
// Jobs still in flight must be cancelled first.
func (s *Server) handlePurgeJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !job.Status.Terminal() {
		writeError(w, http.StatusConflict, "job is still active; cancel it first")
		return
	}

	if err := s.store.DeleteJob(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "deleted": true})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Statistics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleNoiseReduction(w http.ResponseWriter, r *http.Request) {
	if s.analytics == nil {
		writeError(w, http.StatusNotFound, "analytics store not configured")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	rows, err := s.analytics.RecentNoiseReduction(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows, "count": len(rows)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":      "ok",
		"time":        time.Now().UTC().Format(time.RFC3339),
		"active_jobs": s.coord.ActiveCount(),
	}

	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		health["status"] = "degraded"
		health["store_error"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.pool != nil {
		health["vm_pool"] = s.pool.Stats()
	}
	if states := s.coord.BreakerStates(); len(states) > 0 {
		health["engine_breakers"] = states
	}
	if s.analytics != nil {
		if err := s.analytics.Ping(r.Context()); err != nil {
			health["status"] = "degraded"
			health["analytics_error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, health)
}
