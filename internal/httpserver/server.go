package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/billing-reconciler/internal/auth"
	"github.com/PortNumber53/billing-reconciler/internal/config"
	"github.com/PortNumber53/billing-reconciler/internal/handlers"
	requesttracking "github.com/PortNumber53/billing-reconciler/internal/middleware"
	"github.com/PortNumber53/billing-reconciler/internal/ratelimit"
)

// UserStore is everything the user-facing routes need from storage.
type UserStore interface {
	handlers.UserLister
	handlers.AccountStore
	handlers.IdentityStore
}

// Limiter is the rate limiter as used by the routes.
type Limiter interface {
	Check(ctx context.Context, userID int64, action string) error
	Status(ctx context.Context, userID int64, action string) (ratelimit.Status, error)
}

// Canceller revokes provider subscriptions on behalf of users and operators.
type Canceller interface {
	handlers.SubscriptionCanceller
	handlers.CustomerSubscriptionCanceller
}

// JobWorker is the background worker owned by the server.
type JobWorker interface {
	handlers.JobRunner
	Start(ctx context.Context)
	Stop(ctx context.Context) error
}

// Deps are the collaborators the routes are built from.
type Deps struct {
	DB        handlers.Pinger
	Tokens    auth.TokenVerifier
	Issuer    handlers.TokenIssuer
	Webhooks  handlers.SignatureVerifier
	Events    handlers.EventHandler
	Users     UserStore
	Credits   handlers.CreditService
	Limiter   Limiter
	Feedback  handlers.FeedbackStore
	Billing   *handlers.BillingHandler
	Canceller Canceller
	Orders    handlers.OrderLedgerReader
	Welcome   handlers.WelcomeQueue
	Jobs      handlers.JobReader
	Worker    JobWorker
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     JobWorker
}

// New constructs an HTTP server using the provided configuration and collaborators.
func New(cfg config.Config, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requesttracking.RequestTracker)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", handlers.Health)
	if deps.DB != nil {
		router.Get("/readyz", handlers.Ready(deps.DB))
	}
	router.Handle("/metrics", promhttp.Handler())

	router.Post("/billing/events", handlers.BillingWebhook(deps.Webhooks, deps.Events))
	router.Post("/api/auth/{provider}", handlers.SignIn(deps.Users, deps.Issuer, deps.Welcome, cfg.AuthForwardSecret))
	router.Get("/api/billing/products", deps.Billing.Products)
	router.Get("/api/billing/checkouts/{id}", deps.Billing.CheckoutStatus)

	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(deps.Tokens))

		r.Get("/api/me", handlers.Me(deps.Users))
		r.Patch("/api/me", handlers.UpdateMe(deps.Users, deps.Limiter))
		r.Delete("/api/me", handlers.DeleteMe(deps.Users, deps.Canceller))

		r.Get("/api/credits", handlers.CreditBalance(deps.Credits))
		r.Post("/api/credits/use", handlers.UseCredits(deps.Credits))
		r.Get("/api/credits/check", handlers.CheckCredits(deps.Credits))
		r.Get("/api/rate-limit/{action}", handlers.RateLimitStatus(deps.Limiter))

		r.Post("/api/feedback", handlers.SubmitFeedback(deps.Feedback, deps.Users, deps.Limiter))
		r.Get("/api/feedback/mine", handlers.MyFeedback(deps.Feedback))

		r.Get("/api/billing/status", deps.Billing.Status)
		r.Post("/api/billing/checkout", deps.Billing.CreateCheckout)
		r.Post("/api/billing/checkouts", deps.Billing.CreatePendingCheckout)
		r.Get("/api/billing/checkouts/latest-pending", deps.Billing.LatestPendingCheckout)
		r.Post("/api/billing/portal", deps.Billing.Portal)
		r.Post("/api/billing/subscription/cancel", deps.Billing.CancelSubscription)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Get("/api/admin/users", handlers.Users(deps.Users))
			r.Get("/api/admin/feedback", handlers.ListFeedback(deps.Feedback))
			r.Patch("/api/admin/feedback/{id}", handlers.UpdateFeedbackStatus(deps.Feedback))
			if deps.Orders != nil {
				r.Get("/api/admin/orders/{id}", handlers.ProcessedOrder(deps.Orders))
			}
			if deps.Canceller != nil {
				r.Post("/api/admin/customers/{id}/cancel-other-subscriptions", handlers.CancelOtherSubscriptions(deps.Canceller))
			}
			if deps.Worker != nil {
				r.Get("/api/admin/jobs/stats", handlers.GetJobStats(deps.Worker))
				r.Post("/api/admin/jobs/{id}/cancel", handlers.CancelJob(deps.Worker))
			}
			if deps.Jobs != nil {
				r.Get("/api/admin/jobs/pending", handlers.ListPendingJobs(deps.Jobs))
				r.Get("/api/admin/jobs/{id}", handlers.GetJob(deps.Jobs))
			}
		})
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker}
}

// Start starts the worker and serves HTTP until Shutdown. The worker runs
// until ctx is done or Shutdown stops it.
func (s *Server) Start(ctx context.Context) error {
	if s.worker != nil {
		log.Info().Msg("starting job worker")
		s.worker.Start(ctx)
	}
	log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then drains the worker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.worker != nil {
		log.Info().Msg("shutting down job worker")
		if werr := s.worker.Stop(ctx); werr != nil {
			log.Error().Err(werr).Msg("worker shutdown error")
		}
	}
	return err
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
