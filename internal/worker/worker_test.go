package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/PortNumber53/billing-reconciler/internal/email"
	"github.com/PortNumber53/billing-reconciler/internal/models"
	"github.com/PortNumber53/billing-reconciler/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memQueue struct {
	mu        sync.Mutex
	nextID    int64
	jobs      map[int64]*models.Job
	completed []int64
	failed    map[int64]string
	retries   map[int64]time.Time
	released  []int64
}

func newMemQueue() *memQueue {
	return &memQueue{jobs: map[int64]*models.Job{}, failed: map[int64]string{}, retries: map[int64]time.Time{}}
}

func (q *memQueue) Enqueue(_ context.Context, job *models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	job.ID = q.nextID
	job.Status = models.JobStatusPending
	job.CreatedAt = time.Now()
	q.jobs[job.ID] = job
	return nil
}

func (q *memQueue) GetByID(_ context.Context, id int64) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[id]; ok {
		return j, nil
	}
	return nil, store.ErrJobNotFound
}

func (q *memQueue) ClaimNextJob(_ context.Context, workerID string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id := int64(1); id <= q.nextID; id++ {
		j, ok := q.jobs[id]
		if ok && j.Status == models.JobStatusPending {
			j.Status = models.JobStatusProcessing
			j.Attempts++
			j.WorkerID = &workerID
			return j, nil
		}
	}
	return nil, nil
}

func (q *memQueue) MarkCompleted(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[id].Status = models.JobStatusCompleted
	q.completed = append(q.completed, id)
	return nil
}

func (q *memQueue) MarkFailed(_ context.Context, id int64, msg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[id].Status = models.JobStatusFailed
	q.failed[id] = msg
	return nil
}

func (q *memQueue) ScheduleRetry(_ context.Context, id int64, _ string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[id].Status = models.JobStatusPending
	q.retries[id] = at
	return nil
}

func (q *memQueue) CancelJob(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return store.ErrJobNotFound
	}
	j.Status = models.JobStatusCancelled
	return nil
}

func (q *memQueue) ReleaseJob(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, id)
	return nil
}

func (q *memQueue) GetStats(_ context.Context) (*models.JobStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := &models.JobStats{Total: len(q.jobs)}
	for _, j := range q.jobs {
		if j.Status == models.JobStatusPending {
			s.Pending++
		}
	}
	return s, nil
}

func claim(t *testing.T, w *Worker, q *memQueue) *models.Job {
	t.Helper()
	job, err := q.ClaimNextJob(context.Background(), w.ID())
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestProcessJobSuccess(t *testing.T) {
	q := newMemQueue()
	w := New(Config{}, q)
	var ran bool
	w.RegisterHandler("noop", func(context.Context, *models.Job) error { ran = true; return nil })

	require.NoError(t, w.Enqueue(context.Background(), &models.Job{JobType: "noop", MaxAttempts: 1}))
	w.processJob(context.Background(), claim(t, w, q))

	assert.True(t, ran)
	assert.Equal(t, []int64{1}, q.completed)
	assert.Equal(t, int64(1), w.Stats().JobsSucceeded)
}

func TestProcessJobRetriesThenFails(t *testing.T) {
	q := newMemQueue()
	w := New(Config{RetryBaseDelay: time.Second, RetryMaxDelay: 10 * time.Second}, q)
	w.RegisterHandler("flaky", func(context.Context, *models.Job) error { return errors.New("nope") })

	require.NoError(t, w.Enqueue(context.Background(), &models.Job{JobType: "flaky", MaxAttempts: 2}))

	before := time.Now()
	w.processJob(context.Background(), claim(t, w, q))
	require.Contains(t, q.retries, int64(1))
	delay := q.retries[1].Sub(before)
	assert.GreaterOrEqual(t, delay, 800*time.Millisecond)
	assert.LessOrEqual(t, delay, 1300*time.Millisecond)

	w.processJob(context.Background(), claim(t, w, q))
	assert.Equal(t, "nope", q.failed[1])

	st := w.Stats()
	assert.Equal(t, int64(2), st.JobsFailed)
	assert.Equal(t, int64(1), st.JobsRetried)
}

func TestProcessJobWithoutHandlerFails(t *testing.T) {
	q := newMemQueue()
	w := New(Config{}, q)
	require.NoError(t, w.Enqueue(context.Background(), &models.Job{JobType: "mystery", MaxAttempts: 1}))
	w.processJob(context.Background(), claim(t, w, q))
	assert.Contains(t, q.failed[1], "no handler")
}

func TestRetryDelayIsCapped(t *testing.T) {
	w := New(Config{RetryBaseDelay: time.Second, RetryMaxDelay: 5 * time.Second}, newMemQueue())
	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, w.retryDelay(10), 6*time.Second)
	}
}

func TestEnqueueValidates(t *testing.T) {
	w := New(Config{}, newMemQueue())
	assert.Error(t, w.Enqueue(context.Background(), &models.Job{MaxAttempts: 1}))
	assert.Error(t, w.Enqueue(context.Background(), &models.Job{JobType: "x"}))
}

func TestInstrumentationHooks(t *testing.T) {
	q := newMemQueue()
	w := New(Config{}, q)
	var events []string
	w.SetInstrumentation(&Instrumentation{
		OnEnqueue:  func(*models.Job) { events = append(events, "enqueue") },
		OnStart:    func(*models.Job) { events = append(events, "start") },
		OnComplete: func(*models.Job, time.Duration) { events = append(events, "complete") },
		OnCancel:   func(*models.Job) { events = append(events, "cancel") },
	})
	w.RegisterHandler("noop", func(context.Context, *models.Job) error { return nil })

	ctx := context.Background()
	require.NoError(t, w.Enqueue(ctx, &models.Job{JobType: "noop", MaxAttempts: 1}))
	w.processJob(ctx, claim(t, w, q))
	require.NoError(t, w.Enqueue(ctx, &models.Job{JobType: "noop", MaxAttempts: 1}))
	require.NoError(t, w.CancelJob(ctx, 2))

	assert.Equal(t, []string{"enqueue", "start", "complete", "enqueue", "cancel"}, events)
}

func TestStartStopDrainsQueue(t *testing.T) {
	q := newMemQueue()
	w := New(Config{MaxConcurrent: 2, PollInterval: 10 * time.Millisecond}, q)
	done := make(chan struct{}, 3)
	w.RegisterHandler("noop", func(context.Context, *models.Job) error { done <- struct{}{}; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Enqueue(ctx, &models.Job{JobType: "noop", MaxAttempts: 1}))
	}
	w.Start(ctx)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("job not processed")
		}
	}
	require.NoError(t, w.Stop(context.Background()))
	require.NoError(t, w.Stop(context.Background()))

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Len(t, q.completed, 3)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []email.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg email.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "em_1", nil
}

type userMap map[int64]*models.User

func (m userMap) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	if u, ok := m[id]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

type countingCleaner struct{ runs int }

func (c *countingCleaner) Cleanup(context.Context) (int64, error) {
	c.runs++
	return 3, nil
}

func newJobWorker(t *testing.T, sender *fakeSender, users userMap, cleaner Cleaner) (*Worker, *memQueue, *Dispatcher) {
	t.Helper()
	q := newMemQueue()
	w := New(Config{}, q)
	RegisterJobs(w, JobDeps{
		Renderer: email.NewRenderer(email.Brand{Name: "Acme", Website: "https://acme.test", SupportEmail: "help@acme.test"}),
		Sender:   sender,
		Users:    users,
		Limiter:  cleaner,
	})
	return w, q, NewDispatcher(w)
}

func TestPurchaseEmailJob(t *testing.T) {
	sender := &fakeSender{}
	w, q, d := newJobWorker(t, sender, userMap{}, &countingCleaner{})
	ctx := context.Background()

	require.NoError(t, d.QueuePurchaseEmail(ctx, "dana@example.com", email.TypeCreditBundle, email.Data{
		UserName: "Dana", Amount: "9.99", Currency: "USD", OrderID: "ord_1", Credits: 100,
	}))
	job := claim(t, w, q)
	assert.Equal(t, 1, job.MaxAttempts)
	assert.Equal(t, models.JobPriorityHigh, job.Priority)

	w.processJob(ctx, job)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "dana@example.com", sender.sent[0].To)
	assert.Equal(t, "Your 100 Credits Have Been Added!", sender.sent[0].Subject)
	assert.Contains(t, sender.sent[0].HTML, "ord_1")

	assert.Error(t, d.QueuePurchaseEmail(ctx, "", email.TypeCreditBundle, email.Data{}))
}

func TestPurchaseEmailFailureIsNotRetried(t *testing.T) {
	sender := &fakeSender{err: errors.New("provider down")}
	w, q, d := newJobWorker(t, sender, userMap{}, &countingCleaner{})
	ctx := context.Background()

	require.NoError(t, d.QueuePurchaseEmail(ctx, "dana@example.com", email.TypePremiumPro, email.Data{}))
	w.processJob(ctx, claim(t, w, q))

	assert.Contains(t, q.failed[1], "provider down")
	assert.Empty(t, q.retries)
}

func TestWelcomeEmailJob(t *testing.T) {
	addr, name := "sam@example.com", "Sam"
	sender := &fakeSender{}
	w, q, d := newJobWorker(t, sender, userMap{7: {ID: 7, Email: &addr, Name: &name}, 8: {ID: 8}}, &countingCleaner{})
	ctx := context.Background()

	for _, id := range []int64{7, 8, 99} {
		require.NoError(t, d.QueueWelcomeEmail(ctx, id))
		w.processJob(ctx, claim(t, w, q))
	}

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "Welcome to Acme!", sender.sent[0].Subject)
	assert.Len(t, q.completed, 3)
}

func TestRateLimitCleanupJob(t *testing.T) {
	cleaner := &countingCleaner{}
	w, q, d := newJobWorker(t, &fakeSender{}, userMap{}, cleaner)
	ctx := context.Background()

	require.NoError(t, d.QueueRateLimitCleanup(ctx))
	w.processJob(ctx, claim(t, w, q))
	assert.Equal(t, 1, cleaner.runs)
	assert.Equal(t, []int64{1}, q.completed)
}

func TestCleanupSchedulerEnqueues(t *testing.T) {
	q := newMemQueue()
	d := NewDispatcher(q)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunCleanupScheduler(ctx, d, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.jobs) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Equal(t, models.JobRateLimitCleanup, q.jobs[1].JobType)
}
