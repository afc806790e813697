// Package worker runs the Postgres-backed job queue: a pool of processors
// claiming jobs, retries with exponential backoff, instrumentation hooks and
// graceful shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/PortNumber53/billing-reconciler/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Handler processes one job.
type Handler func(ctx context.Context, job *models.Job) error

// Handlers maps job types to their handlers.
type Handlers map[string]Handler

// Queue is the persistent job queue.
type Queue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errorMsg string) error
	ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error
	CancelJob(ctx context.Context, id int64) error
	ReleaseJob(ctx context.Context, id int64) error
	GetStats(ctx context.Context) (*models.JobStats, error)
}

// Instrumentation provides hooks into the job lifecycle.
type Instrumentation struct {
	OnEnqueue   func(job *models.Job)
	OnStart     func(job *models.Job)
	OnComplete  func(job *models.Job, duration time.Duration)
	OnFail      func(job *models.Job, err error, duration time.Duration)
	OnRetry     func(job *models.Job, retryAfter time.Duration)
	OnCancel    func(job *models.Job)
	OnHeartbeat func(workerID string, stats Stats)
}

type Stats struct {
	JobsProcessed   int64     `json:"jobs_processed"`
	JobsSucceeded   int64     `json:"jobs_succeeded"`
	JobsFailed      int64     `json:"jobs_failed"`
	JobsRetried     int64     `json:"jobs_retried"`
	ActiveJobs      int       `json:"active_jobs"`
	LastProcessedAt time.Time `json:"last_processed_at"`
}

type Config struct {
	// MaxConcurrent is the number of processor goroutines.
	MaxConcurrent int
	// PollInterval is the wait between polls of an empty queue.
	PollInterval time.Duration
	// RetryBaseDelay is the delay before the first retry.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the backoff.
	RetryMaxDelay          time.Duration
	RetryBackoffMultiplier float64
	// JobTimeout bounds a single handler run.
	JobTimeout time.Duration
	// ShutdownTimeout bounds Stop.
	ShutdownTimeout   time.Duration
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:          2,
		PollInterval:           time.Second,
		RetryBaseDelay:         time.Second,
		RetryMaxDelay:          time.Minute,
		RetryBackoffMultiplier: 2.0,
		JobTimeout:             2 * time.Minute,
		ShutdownTimeout:        30 * time.Second,
		HeartbeatInterval:      30 * time.Second,
	}
}

// Worker processes jobs from a Queue.
type Worker struct {
	config          Config
	queue           Queue
	instrumentation *Instrumentation

	workerID string
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopped  bool

	mu         sync.RWMutex
	handlers   Handlers
	activeJobs map[int64]context.CancelFunc

	statsMu sync.Mutex
	stats   Stats
}

// New creates a worker. Zero config fields take their defaults.
func New(config Config, queue Queue) *Worker {
	def := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = def.RetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = def.RetryMaxDelay
	}
	if config.RetryBackoffMultiplier <= 1 {
		config.RetryBackoffMultiplier = def.RetryBackoffMultiplier
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}

	return &Worker{
		config:          config,
		queue:           queue,
		handlers:        Handlers{},
		workerID:        "worker-" + uuid.NewString()[:8],
		stopCh:          make(chan struct{}),
		activeJobs:      make(map[int64]context.CancelFunc),
		instrumentation: &Instrumentation{},
	}
}

// ID is the identifier this worker claims jobs under.
func (w *Worker) ID() string {
	return w.workerID
}

// RegisterHandler sets the handler for jobType.
func (w *Worker) RegisterHandler(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// SetInstrumentation replaces the lifecycle hooks. Call before Start.
func (w *Worker) SetInstrumentation(inst *Instrumentation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.instrumentation = inst
}

// Start launches the processor pool.
func (w *Worker) Start(ctx context.Context) {
	if w.instrumentation.OnHeartbeat != nil {
		w.wg.Add(1)
		go w.heartbeat(ctx)
	}

	for i := 0; i < w.config.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.processor(ctx, i)
	}

	log.Info().Str("worker_id", w.workerID).Int("processors", w.config.MaxConcurrent).Msg("worker started")
}

// Stop signals the processors, releases in-flight jobs back to pending and
// waits for the pool to exit.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer cancel()

	w.releaseActiveJobs(shutdownCtx)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Str("worker_id", w.workerID).Msg("worker stopped")
		return nil
	case <-shutdownCtx.Done():
		return errors.New("worker: shutdown timeout exceeded")
	}
}

func (w *Worker) processor(ctx context.Context, id int) {
	defer w.wg.Done()
	logger := log.With().Str("worker_id", w.workerID).Int("processor", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		if err := w.processNextJob(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			logger.Error().Err(err).Msg("processor error")
			w.sleep(ctx)
		}
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-time.After(w.config.PollInterval):
	}
}

func (w *Worker) processNextJob(ctx context.Context) error {
	job, err := w.queue.ClaimNextJob(ctx, w.workerID)
	if err != nil {
		return err
	}
	if job == nil {
		w.sleep(ctx)
		return ctx.Err()
	}
	w.processJob(ctx, job)
	return nil
}

// processJob runs one claimed job and records the outcome on the queue.
func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	w.trackActiveJob(job.ID, cancel)
	defer w.untrackActiveJob(job.ID)

	if w.instrumentation.OnStart != nil {
		w.instrumentation.OnStart(job)
	}

	log.Debug().Int64("job_id", job.ID).Str("job_type", job.JobType).
		Int("attempt", job.Attempts).Int("max_attempts", job.MaxAttempts).Msg("processing job")

	h, ok := w.handler(job.JobType)
	if !ok {
		w.handleError(ctx, job, fmt.Errorf("no handler registered for job type %q", job.JobType), start)
		return
	}

	if err := h(jobCtx, job); err != nil {
		w.handleError(ctx, job, err, start)
		return
	}
	w.handleSuccess(ctx, job, start)
}

func (w *Worker) handleError(ctx context.Context, job *models.Job, err error, start time.Time) {
	duration := time.Since(start)
	logger := log.With().Int64("job_id", job.ID).Str("job_type", job.JobType).Logger()

	w.statsMu.Lock()
	w.stats.JobsProcessed++
	w.stats.JobsFailed++
	w.stats.LastProcessedAt = time.Now()
	w.statsMu.Unlock()

	if w.instrumentation.OnFail != nil {
		w.instrumentation.OnFail(job, err, duration)
	}

	if job.Attempts >= job.MaxAttempts {
		logger.Error().Err(err).Int("attempts", job.Attempts).Msg("job failed permanently")
		if err := w.queue.MarkFailed(ctx, job.ID, err.Error()); err != nil {
			logger.Error().Err(err).Msg("failed to mark job failed")
		}
		return
	}

	delay := w.retryDelay(job.Attempts)

	w.statsMu.Lock()
	w.stats.JobsRetried++
	w.statsMu.Unlock()

	if w.instrumentation.OnRetry != nil {
		w.instrumentation.OnRetry(job, delay)
	}

	logger.Warn().Err(err).Dur("retry_in", delay).Int("attempt", job.Attempts).Msg("job failed; retry scheduled")
	if err := w.queue.ScheduleRetry(ctx, job.ID, err.Error(), time.Now().Add(delay)); err != nil {
		logger.Error().Err(err).Msg("failed to schedule retry")
	}
}

// retryDelay is base*multiplier^(attempt-1), capped, with ±20% jitter.
func (w *Worker) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(w.config.RetryBaseDelay) * math.Pow(w.config.RetryBackoffMultiplier, float64(attempt-1))
	d = math.Min(d, float64(w.config.RetryMaxDelay))
	return time.Duration(d * (0.8 + 0.4*rand.Float64()))
}

func (w *Worker) handleSuccess(ctx context.Context, job *models.Job, start time.Time) {
	duration := time.Since(start)

	w.statsMu.Lock()
	w.stats.JobsProcessed++
	w.stats.JobsSucceeded++
	w.stats.LastProcessedAt = time.Now()
	w.statsMu.Unlock()

	if w.instrumentation.OnComplete != nil {
		w.instrumentation.OnComplete(job, duration)
	}

	log.Debug().Int64("job_id", job.ID).Str("job_type", job.JobType).Dur("duration", duration).Msg("job completed")
	if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
		log.Error().Err(err).Int64("job_id", job.ID).Msg("failed to mark job completed")
	}
}

func (w *Worker) trackActiveJob(jobID int64, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeJobs[jobID] = cancel
}

func (w *Worker) untrackActiveJob(jobID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.activeJobs, jobID)
}

func (w *Worker) releaseActiveJobs(ctx context.Context) {
	w.mu.Lock()
	ids := make([]int64, 0, len(w.activeJobs))
	for id, cancel := range w.activeJobs {
		cancel()
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		if err := w.queue.ReleaseJob(ctx, id); err != nil {
			log.Error().Err(err).Int64("job_id", id).Msg("failed to release job")
			continue
		}
		log.Info().Int64("job_id", id).Msg("released job back to pending")
	}
}

func (w *Worker) heartbeat(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.instrumentation.OnHeartbeat(w.workerID, w.Stats())
		}
	}
}

// Stats returns a snapshot of processing counters.
func (w *Worker) Stats() Stats {
	w.statsMu.Lock()
	s := w.stats
	w.statsMu.Unlock()

	w.mu.RLock()
	s.ActiveJobs = len(w.activeJobs)
	w.mu.RUnlock()
	return s
}

// Enqueue validates and persists job.
func (w *Worker) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.IsValid(); err != nil {
		return err
	}
	if err := w.queue.Enqueue(ctx, job); err != nil {
		return err
	}
	if w.instrumentation.OnEnqueue != nil {
		w.instrumentation.OnEnqueue(job)
	}
	log.Debug().Int64("job_id", job.ID).Str("job_type", job.JobType).Str("priority", string(job.Priority)).Msg("job enqueued")
	return nil
}

// CancelJob cancels a pending or failed job.
func (w *Worker) CancelJob(ctx context.Context, jobID int64) error {
	if err := w.queue.CancelJob(ctx, jobID); err != nil {
		return err
	}
	if w.instrumentation.OnCancel != nil {
		if job, _ := w.queue.GetByID(ctx, jobID); job != nil {
			w.instrumentation.OnCancel(job)
		}
	}
	log.Info().Int64("job_id", jobID).Msg("job cancelled")
	return nil
}

// QueueStats returns counts per job status.
func (w *Worker) QueueStats(ctx context.Context) (*models.JobStats, error) {
	return w.queue.GetStats(ctx)
}
