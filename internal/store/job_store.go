package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/billing-reconciler/internal/models"
)

// ErrJobNotFound is returned when a job is not found in the database
var ErrJobNotFound = errors.New("job not found")

// ErrJobNotCancellable is returned when the job is processing or already finished.
var ErrJobNotCancellable = errors.New("job cannot be cancelled")

const jobColumns = `id, job_type, payload, status, priority, attempts, max_attempts,
	created_at, updated_at, scheduled_for, last_error, retry_after, completed_at, worker_id`

const jobPriorityOrder = `CASE priority WHEN 'high' THEN 3 WHEN 'normal' THEN 2 ELSE 1 END DESC, created_at ASC`

// JobStore provides database operations for the background job queue.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a new JobStore instance
func NewJobStore(db *sql.DB) (*JobStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &JobStore{db: db}, nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job          models.Job
		scheduledFor sql.NullTime
		lastError    sql.NullString
		retryAfter   sql.NullTime
		completedAt  sql.NullTime
		workerID     sql.NullString
	)
	err := row.Scan(
		&job.ID, &job.JobType, &job.Payload, &job.Status, &job.Priority, &job.Attempts, &job.MaxAttempts,
		&job.CreatedAt, &job.UpdatedAt, &scheduledFor, &lastError, &retryAfter, &completedAt, &workerID,
	)
	if err != nil {
		return nil, err
	}
	job.ScheduledFor = nullTimePtr(scheduledFor)
	job.LastError = nullStringPtr(lastError)
	job.RetryAfter = nullTimePtr(retryAfter)
	job.CompletedAt = nullTimePtr(completedAt)
	job.WorkerID = nullStringPtr(workerID)
	return &job, nil
}

// Enqueue creates a new pending job and fills in its id and timestamps.
func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.IsValid(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO jobs (job_type, payload, status, priority, max_attempts, scheduled_for)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		job.JobType, job.Payload, job.Status, job.Priority, job.MaxAttempts, job.ScheduledFor,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue %s job: %w", job.JobType, err)
	}
	return nil
}

// GetByID retrieves a job by its ID
func (s *JobStore) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// ClaimNextJob atomically claims the next runnable job. It returns nil when
// the queue has nothing due.
func (s *JobStore) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`UPDATE jobs
		 SET status = 'processing',
		     worker_id = $1,
		     updated_at = NOW(),
		     attempts = attempts + 1
		 WHERE id = (
		     SELECT id FROM jobs
		     WHERE status = 'pending'
		       AND (scheduled_for IS NULL OR scheduled_for <= NOW())
		       AND (retry_after IS NULL OR retry_after <= NOW())
		     ORDER BY `+jobPriorityOrder+`
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		workerID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// MarkCompleted marks a job as successfully completed
func (s *JobStore) MarkCompleted(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'completed', completed_at = NOW(), updated_at = NOW(), worker_id = NULL
		 WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("mark job %d completed: %w", id, err)
	}
	return nil
}

// MarkFailed marks a job as permanently failed.
func (s *JobStore) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'failed', last_error = $2, updated_at = NOW(), worker_id = NULL
		 WHERE id = $1`, id, errorMsg,
	); err != nil {
		return fmt.Errorf("mark job %d failed: %w", id, err)
	}
	return nil
}

// ScheduleRetry returns a job to pending, not runnable before retryAfter.
func (s *JobStore) ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'pending', last_error = $2, retry_after = $3, updated_at = NOW(), worker_id = NULL
		 WHERE id = $1`, id, errorMsg, retryAfter,
	); err != nil {
		return fmt.Errorf("schedule job %d retry: %w", id, err)
	}
	return nil
}

// CancelJob marks a pending or failed job as cancelled.
func (s *JobStore) CancelJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'cancelled', updated_at = NOW(), worker_id = NULL
		 WHERE id = $1 AND status IN ('pending', 'failed')`, id,
	)
	if err != nil {
		return fmt.Errorf("cancel job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotCancellable
	}
	return nil
}

// ReleaseJob releases a processing job back to pending (for graceful shutdown)
func (s *JobStore) ReleaseJob(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'pending', worker_id = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'`, id,
	); err != nil {
		return fmt.Errorf("release job %d: %w", id, err)
	}
	return nil
}

// GetStats returns statistics about the job queue
func (s *JobStore) GetStats(ctx context.Context) (*models.JobStats, error) {
	stats := &models.JobStats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT
		     COUNT(*) FILTER (WHERE status = 'pending'),
		     COUNT(*) FILTER (WHERE status = 'processing'),
		     COUNT(*) FILTER (WHERE status = 'completed'),
		     COUNT(*) FILTER (WHERE status = 'failed'),
		     COUNT(*) FILTER (WHERE status = 'cancelled'),
		     COUNT(*)
		 FROM jobs`,
	).Scan(&stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed, &stats.Cancelled, &stats.Total)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return stats, nil
}

// ListPendingJobs returns runnable jobs in claim order.
func (s *JobStore) ListPendingJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE status = 'pending'
		   AND (scheduled_for IS NULL OR scheduled_for <= NOW())
		   AND (retry_after IS NULL OR retry_after <= NOW())
		 ORDER BY `+jobPriorityOrder+`
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// CleanupOldJobs removes finished jobs last touched more than olderThan ago.
func (s *JobStore) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs
		 WHERE status IN ('completed', 'failed', 'cancelled')
		   AND updated_at < $1`,
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
