package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/billing-reconciler/internal/config"
	"github.com/PortNumber53/billing-reconciler/internal/logging"
	"github.com/PortNumber53/billing-reconciler/internal/migrations"
	"github.com/PortNumber53/billing-reconciler/internal/ratelimit"
	"github.com/PortNumber53/billing-reconciler/internal/store"
)

var jobRetention time.Duration

var rootCmd = &cobra.Command{
	Use:   "dbtool",
	Short: "Database maintenance for the billing backend",
	Long:  "dbtool applies and repairs schema migrations and prunes stale rate-limit and job records.",
	// Running without a subcommand applies pending migrations.
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), runUp)
	},
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), runUp)
	},
}

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Clear the dirty flag left by a failed migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(_ context.Context, db *sql.DB) error {
			log.Info().Msg("attempting to fix dirty database")
			if err := migrations.FixDirtyDatabase(db); err != nil {
				return fmt.Errorf("fix dirty database: %w", err)
			}
			log.Info().Msg("database fixed")
			return nil
		})
	},
}

var forceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Record a schema version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[0])
		}
		return withDB(cmd.Context(), func(_ context.Context, db *sql.DB) error {
			log.Info().Uint64("version", v).Msg("forcing database version")
			if err := migrations.ForceVersion(db, uint(v)); err != nil {
				return fmt.Errorf("force version: %w", err)
			}
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the recorded schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(_ context.Context, db *sql.DB) error {
			status, err := migrations.CurrentStatus(db)
			if err != nil {
				return err
			}
			if status.Fresh {
				fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", status.Version, status.Dirty)
			return nil
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune rate-limit records and finished jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), runCleanup)
	},
}

func init() {
	cleanupCmd.Flags().DurationVar(&jobRetention, "jobs-older-than", 7*24*time.Hour, "delete finished jobs older than this; 0 keeps all jobs")
	rootCmd.AddCommand(upCmd, fixCmd, forceCmd, statusCmd, cleanupCmd)
}

func main() {
	_ = godotenv.Load(
		"../.env",
		".env",
	)
	logging.Init(logging.Config{Format: "console", Level: os.Getenv("LOG_LEVEL"), Component: "dbtool"})

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("dbtool failed")
		os.Exit(1)
	}
}

func withDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	dsn, err := config.LoadDatabaseURL()
	if err != nil {
		return err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return fn(ctx, db)
}

func runUp(_ context.Context, db *sql.DB) error {
	log.Info().Msg("applying migrations")
	if err := migrations.Up(db); err != nil {
		return err
	}
	log.Info().Msg("migrations applied")
	return nil
}

func runCleanup(ctx context.Context, db *sql.DB) error {
	st, err := store.New(db)
	if err != nil {
		return err
	}
	removed, err := ratelimit.New(st).Cleanup(ctx)
	if err != nil {
		return err
	}
	log.Info().Int64("removed", removed).Msg("rate-limit records pruned")

	if jobRetention <= 0 {
		return nil
	}
	jobs, err := store.NewJobStore(db)
	if err != nil {
		return err
	}
	n, err := jobs.CleanupOldJobs(ctx, jobRetention)
	if err != nil {
		return err
	}
	log.Info().Int64("removed", n).Dur("older_than", jobRetention).Msg("finished jobs pruned")
	return nil
}
