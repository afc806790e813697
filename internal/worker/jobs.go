package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/billing-reconciler/internal/email"
	"github.com/PortNumber53/billing-reconciler/internal/metrics"
	"github.com/PortNumber53/billing-reconciler/internal/models"
	"github.com/PortNumber53/billing-reconciler/internal/store"
	"github.com/rs/zerolog/log"
)

// Enqueuer accepts new jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

// UserLookup resolves the recipient of a welcome email.
type UserLookup interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
}

// Cleaner prunes stale rate-limit records.
type Cleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// JobDeps are the collaborators of the built-in job handlers.
type JobDeps struct {
	Renderer *email.Renderer
	Sender   email.Sender
	Users    UserLookup
	Limiter  Cleaner
}

// RegisterJobs installs the handlers for every built-in job type.
func RegisterJobs(w *Worker, deps JobDeps) {
	w.RegisterHandler(models.JobSendEmail, sendEmailHandler(deps.Renderer, deps.Sender))
	w.RegisterHandler(models.JobSendWelcomeEmail, welcomeEmailHandler(deps.Users, deps.Renderer, deps.Sender))
	w.RegisterHandler(models.JobRateLimitCleanup, rateLimitCleanupHandler(deps.Limiter))
}

// Dispatcher turns email requests into queued jobs. Emails get a single
// attempt so a provider hiccup never produces duplicates.
type Dispatcher struct {
	queue Enqueuer
}

func NewDispatcher(queue Enqueuer) *Dispatcher {
	return &Dispatcher{queue: queue}
}

// QueuePurchaseEmail enqueues a purchase confirmation for to.
func (d *Dispatcher) QueuePurchaseEmail(ctx context.Context, to string, kind email.Type, data email.Data) error {
	if to == "" {
		return errors.New("worker: email recipient is required")
	}
	payload := models.JSONB{
		"to":           to,
		"type":         string(kind),
		"user_name":    data.UserName,
		"product_name": data.ProductName,
		"amount":       data.Amount,
		"currency":     data.Currency,
		"order_id":     data.OrderID,
		"credits":      data.Credits,
		"bundle_name":  data.BundleName,
	}
	return d.queue.Enqueue(ctx, &models.Job{
		JobType:     models.JobSendEmail,
		Payload:     payload,
		Priority:    models.JobPriorityHigh,
		MaxAttempts: 1,
	})
}

// QueueWelcomeEmail enqueues the welcome email for a newly created user.
func (d *Dispatcher) QueueWelcomeEmail(ctx context.Context, userID int64) error {
	return d.queue.Enqueue(ctx, &models.Job{
		JobType:     models.JobSendWelcomeEmail,
		Payload:     models.JSONB{"user_id": userID},
		Priority:    models.JobPriorityNormal,
		MaxAttempts: 1,
	})
}

// QueueRateLimitCleanup enqueues one cleanup run.
func (d *Dispatcher) QueueRateLimitCleanup(ctx context.Context) error {
	return d.queue.Enqueue(ctx, &models.Job{
		JobType:     models.JobRateLimitCleanup,
		Priority:    models.JobPriorityLow,
		MaxAttempts: 1,
	})
}

func sendEmailHandler(renderer *email.Renderer, sender email.Sender) Handler {
	return func(ctx context.Context, job *models.Job) error {
		to := job.Payload.String("to")
		if to == "" {
			return errors.New("missing to in payload")
		}
		kind := email.ParseType(job.Payload.String("type"))

		content, err := renderer.Render(kind, email.Data{
			UserName:    job.Payload.String("user_name"),
			ProductName: job.Payload.String("product_name"),
			Amount:      job.Payload.String("amount"),
			Currency:    job.Payload.String("currency"),
			OrderID:     job.Payload.String("order_id"),
			Credits:     job.Payload.Int("credits"),
			BundleName:  job.Payload.String("bundle_name"),
			Date:        job.CreatedAt,
		})
		if err != nil {
			return err
		}

		id, err := sender.Send(ctx, email.Message{To: to, Subject: content.Subject, HTML: content.HTML})
		if err != nil {
			return fmt.Errorf("send %s email: %w", kind, err)
		}
		log.Info().Int64("job_id", job.ID).Str("email_id", id).Str("email_type", string(kind)).Msg("email sent")
		return nil
	}
}

func welcomeEmailHandler(users UserLookup, renderer *email.Renderer, sender email.Sender) Handler {
	return func(ctx context.Context, job *models.Job) error {
		userID := job.Payload.Int("user_id")
		user, err := users.GetUserByID(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Int64("job_id", job.ID).Int64("user_id", userID).Msg("welcome email skipped: user deleted")
			return nil
		}
		if err != nil {
			return err
		}
		to := user.EmailOrEmpty()
		if to == "" {
			log.Warn().Int64("user_id", userID).Msg("welcome email skipped: user has no email")
			return nil
		}

		content, err := renderer.Render(email.TypeWelcome, email.Data{UserName: user.NameOr("")})
		if err != nil {
			return err
		}
		id, err := sender.Send(ctx, email.Message{To: to, Subject: content.Subject, HTML: content.HTML})
		if err != nil {
			return fmt.Errorf("send welcome email: %w", err)
		}
		log.Info().Int64("user_id", userID).Str("email_id", id).Msg("welcome email sent")
		return nil
	}
}

func rateLimitCleanupHandler(limiter Cleaner) Handler {
	return func(ctx context.Context, job *models.Job) error {
		n, err := limiter.Cleanup(ctx)
		if err != nil {
			return err
		}
		log.Debug().Int64("job_id", job.ID).Int64("deleted", n).Msg("rate limit cleanup finished")
		return nil
	}
}

// RunCleanupScheduler enqueues a rate_limit_cleanup job every interval until
// ctx is done.
func RunCleanupScheduler(ctx context.Context, d *Dispatcher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.QueueRateLimitCleanup(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("failed to schedule rate limit cleanup")
			}
		}
	}
}

// MetricsInstrumentation reports job outcomes to Prometheus.
func MetricsInstrumentation() *Instrumentation {
	return &Instrumentation{
		OnComplete: func(job *models.Job, _ time.Duration) {
			metrics.JobsTotal.WithLabelValues(job.JobType, "completed").Inc()
		},
		OnFail: func(job *models.Job, _ error, _ time.Duration) {
			metrics.JobsTotal.WithLabelValues(job.JobType, "failed").Inc()
		},
		OnRetry: func(job *models.Job, _ time.Duration) {
			metrics.JobsTotal.WithLabelValues(job.JobType, "retried").Inc()
		},
	}
}
