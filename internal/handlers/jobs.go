package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/billing-reconciler/internal/models"
	"github.com/PortNumber53/billing-reconciler/internal/store"
	"github.com/PortNumber53/billing-reconciler/internal/worker"
)

// JobReader reads queued jobs.
type JobReader interface {
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	ListPendingJobs(ctx context.Context, limit int) ([]*models.Job, error)
}

// JobRunner exposes the worker's controls and counters.
type JobRunner interface {
	ID() string
	Stats() worker.Stats
	QueueStats(ctx context.Context) (*models.JobStats, error)
	CancelJob(ctx context.Context, jobID int64) error
}

// GetJobStats returns queue counts together with this process's worker counters.
func GetJobStats(runner JobRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := runner.QueueStats(r.Context())
		if err != nil {
			writeServiceError(w, r, "jobs.stats", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"queue":     stats,
			"worker_id": runner.ID(),
			"worker":    runner.Stats(),
		})
	}
}

// GetJob retrieves job {id}.
func GetJob(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		job, err := jobs.GetByID(r.Context(), jobID)
		if err != nil {
			writeServiceError(w, r, "jobs.get", err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// CancelJob cancels a pending or failed job.
func CancelJob(runner JobRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		if err := runner.CancelJob(r.Context(), jobID); err != nil {
			if errors.Is(err, store.ErrJobNotCancellable) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeServiceError(w, r, "jobs.cancel", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": jobID, "status": models.JobStatusCancelled})
	}
}

// ListPendingJobs returns pending jobs in claim order.
func ListPendingJobs(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
		items, err := jobs.ListPendingJobs(r.Context(), limit)
		if err != nil {
			writeServiceError(w, r, "jobs.pending", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": items, "count": len(items)})
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	jobID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || jobID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job ID")
		return 0, false
	}
	return jobID, true
}
