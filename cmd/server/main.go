package main

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/billing-reconciler/internal/auth"
	"github.com/PortNumber53/billing-reconciler/internal/billing"
	"github.com/PortNumber53/billing-reconciler/internal/config"
	"github.com/PortNumber53/billing-reconciler/internal/email"
	"github.com/PortNumber53/billing-reconciler/internal/handlers"
	"github.com/PortNumber53/billing-reconciler/internal/httpserver"
	"github.com/PortNumber53/billing-reconciler/internal/logging"
	"github.com/PortNumber53/billing-reconciler/internal/metrics"
	"github.com/PortNumber53/billing-reconciler/internal/migrations"
	"github.com/PortNumber53/billing-reconciler/internal/polar"
	"github.com/PortNumber53/billing-reconciler/internal/ratelimit"
	"github.com/PortNumber53/billing-reconciler/internal/store"
	"github.com/PortNumber53/billing-reconciler/internal/webhook"
	"github.com/PortNumber53/billing-reconciler/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		logging.Init(logging.Config{Format: "console"})
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "server"})

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logDBTarget("primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(db, "primary"); err != nil {
		log.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	st, err := store.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create store")
	}
	jobStore, err := store.NewJobStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create job store")
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter := ratelimit.New(rateLimitStore(runCtx, cfg, st),
		ratelimit.WithBypass(auth.IsAdminContext),
		ratelimit.WithRejectHook(func(action string) {
			metrics.RateLimitRejectionsTotal.WithLabelValues(action).Inc()
		}),
	)

	polarClient := polar.NewClient(cfg.PolarAccessToken, cfg.PolarServer)
	if !polarClient.Configured() {
		log.Warn().Msg("POLAR_ACCESS_TOKEN not set; billing API calls will fail, webhooks still reconcile")
	}

	var sender email.Sender = email.LogSender{}
	if cfg.ResendAPIKey != "" {
		sender = email.NewResendSender(cfg.ResendAPIKey, cfg.EmailFrom)
	} else {
		log.Warn().Msg("RESEND_API_KEY not set; emails are logged instead of sent")
	}
	renderer := email.NewRenderer(email.Brand{Name: "Your App", Website: cfg.SiteURL, SupportEmail: cfg.EmailFrom})

	tokenVerifier, err := auth.NewVerifier(runCtx, auth.VerifierConfig{
		Secret:  cfg.AuthTokenSecret,
		Issuer:  cfg.AuthIssuer,
		JWKSURL: cfg.AuthJWKSURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create token verifier")
	}
	issuer := auth.NewIssuer(cfg.AuthTokenSecret, cfg.AuthIssuer)

	jobWorker := worker.New(worker.Config{MaxConcurrent: cfg.WorkerConcurrency}, jobStore)
	jobWorker.SetInstrumentation(worker.MetricsInstrumentation())
	worker.RegisterJobs(jobWorker, worker.JobDeps{
		Renderer: renderer,
		Sender:   sender,
		Users:    st,
		Limiter:  limiter,
	})
	dispatcher := worker.NewDispatcher(jobWorker)
	go worker.RunCleanupScheduler(runCtx, dispatcher, cfg.CleanupInterval)

	catalog := billing.NewCatalog(cfg.Products)
	ledger := billing.NewLedger(st, limiter)
	checkouts := billing.NewCheckoutTracker(st)
	canceller := billing.NewCanceller(polarClient)
	resolver := billing.NewResolver(polarClient, st, catalog)
	reconciler := billing.NewReconciler(billing.ReconcilerDeps{
		Store:     st,
		Ledger:    ledger,
		Checkouts: checkouts,
		Canceller: canceller,
		Mailer:    dispatcher,
		Catalog:   catalog,
	})

	srv := httpserver.New(cfg, httpserver.Deps{
		DB:       db,
		Tokens:   tokenVerifier,
		Issuer:   issuer,
		Webhooks: webhook.NewVerifier(cfg.PolarWebhookSecret),
		Events:   reconciler,
		Users:    st,
		Credits:  ledger,
		Limiter:  limiter,
		Feedback: st,
		Billing: &handlers.BillingHandler{
			Users:         st,
			Entitlements:  resolver,
			Provider:      polarClient,
			Checkouts:     checkouts,
			Subscriptions: st,
			Catalog:       catalog,
			SiteURL:       cfg.SiteURL,
		},
		Canceller: canceller,
		Orders:    st,
		Welcome:   dispatcher,
		Jobs:      jobStore,
		Worker:    jobWorker,
	})

	go func() {
		<-runCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.ServerAddress).Msg("backend starting")
	if err := srv.Start(runCtx); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

// rateLimitStore picks Redis when REDIS_URL is set and reachable, Postgres otherwise.
func rateLimitStore(ctx context.Context, cfg config.Config, pg ratelimit.Store) ratelimit.Store {
	if cfg.RedisURL == "" {
		return pg
	}
	client, err := ratelimit.DialRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Error().Err(err).Msg("redis unavailable; rate limiter falls back to postgres")
		return pg
	}
	log.Info().Msg("rate limiter using redis")
	return ratelimit.NewRedisStore(client)
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, name string) error {
	if err := migrations.Up(db); err != nil {
		log.Warn().Err(err).Str("db", name).Msg("migrations failed")
		if strings.Contains(err.Error(), "Dirty database version") {
			log.Warn().Str("db", name).Msg("dirty database detected, attempting to fix")
			if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
				log.Error().Err(fixErr).Str("db", name).Msg("failed to fix dirty database")
				return err
			}
			return migrations.Up(db)
		}
		return err
	}
	return nil
}

func logDBTarget(name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Info().Str("db", name).Err(err).Msg("database configured (dsn parse error)")
		return
	}
	log.Info().Str("db", name).Str("host", u.Hostname()).Str("database", strings.TrimPrefix(u.Path, "/")).Msg("database configured")
}
