package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Products holds the billing provider product identifiers the service reasons about.
// Any of them may be empty when a deployment does not sell that product.
type Products struct {
	MonthlyPlus  string
	MonthlyPro   string
	LifetimePlus string
	LifetimePro  string
	Credit100    string
}

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// PolarAccessToken authenticates calls to the Polar API. Billing API calls
	// fail when it is empty; the webhook endpoint keeps working.
	PolarAccessToken string

	// PolarServer selects the Polar environment: "production" or "sandbox".
	PolarServer string

	// PolarWebhookSecret is the Standard Webhooks signing secret (optionally "whsec_" prefixed).
	PolarWebhookSecret string

	Products Products

	// SiteURL is the public front-end origin used to build checkout return URLs.
	SiteURL string

	ResendAPIKey string
	EmailFrom    string

	// AuthTokenSecret signs the HS256 session tokens issued after sign-in.
	AuthTokenSecret string
	// AuthJWKSURL, when set, makes the API accept RS* tokens from an external identity provider.
	AuthJWKSURL string
	AuthIssuer  string
	// AuthForwardSecret, when set, must accompany sign-in calls from the front end.
	AuthForwardSecret string

	// RedisURL switches the rate limiter from Postgres to Redis when set.
	RedisURL string

	LogLevel  string
	LogFormat string

	WorkerConcurrency int
	CleanupInterval   time.Duration
}

const (
	defaultServerAddress     = ":18111"
	defaultPolarServer       = "production"
	defaultSiteURL           = "http://localhost:5173"
	defaultEmailFrom         = "onboarding@resend.dev"
	defaultAuthIssuer        = "billing-reconciler"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultWorkerConcurrency = 2
	defaultCleanupInterval   = 10 * time.Minute

	envServerAddress      = "BACKEND_ADDR"
	envDatabaseURL        = "DATABASE_URL"
	envPolarAccessToken   = "POLAR_ACCESS_TOKEN"
	envPolarServer        = "POLAR_SERVER"
	envPolarWebhookSecret = "POLAR_WEBHOOK_SECRET"
	envProductMonthlyPlus = "POLAR_PRODUCT_ID_MONTHLY_PLUS"
	envProductMonthlyPro  = "POLAR_PRODUCT_ID_MONTHLY_PRO"
	envProductLifePlus    = "POLAR_PRODUCT_ID_LIFETIME_PLUS"
	envProductLifePro     = "POLAR_PRODUCT_ID_LIFETIME_PRO"
	envProductCredit100   = "POLAR_PRODUCT_ID_CREDIT_100"
	envSiteURL            = "SITE_URL"
	envResendAPIKey       = "RESEND_API_KEY"
	envEmailFrom          = "RESEND_FROM_EMAIL"
	envAuthTokenSecret    = "AUTH_TOKEN_SECRET"
	envAuthJWKSURL        = "AUTH_JWKS_URL"
	envAuthIssuer         = "AUTH_ISSUER"
	envAuthForwardSecret  = "AUTH_FORWARD_SECRET"
	envRedisURL           = "REDIS_URL"
	envLogLevel           = "LOG_LEVEL"
	envLogFormat          = "LOG_FORMAT"
	envWorkerConcurrency  = "WORKER_CONCURRENCY"
	envCleanupInterval    = "RATE_LIMIT_CLEANUP_INTERVAL"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:      firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:        strings.TrimSpace(os.Getenv(envDatabaseURL)),
		PolarAccessToken:   strings.TrimSpace(os.Getenv(envPolarAccessToken)),
		PolarServer:        strings.ToLower(firstNonEmpty(os.Getenv(envPolarServer), defaultPolarServer)),
		PolarWebhookSecret: strings.TrimSpace(os.Getenv(envPolarWebhookSecret)),
		Products: Products{
			MonthlyPlus:  strings.TrimSpace(os.Getenv(envProductMonthlyPlus)),
			MonthlyPro:   strings.TrimSpace(os.Getenv(envProductMonthlyPro)),
			LifetimePlus: strings.TrimSpace(os.Getenv(envProductLifePlus)),
			LifetimePro:  strings.TrimSpace(os.Getenv(envProductLifePro)),
			Credit100:    strings.TrimSpace(os.Getenv(envProductCredit100)),
		},
		SiteURL:           strings.TrimRight(firstNonEmpty(os.Getenv(envSiteURL), defaultSiteURL), "/"),
		ResendAPIKey:      strings.TrimSpace(os.Getenv(envResendAPIKey)),
		EmailFrom:         firstNonEmpty(os.Getenv(envEmailFrom), defaultEmailFrom),
		AuthTokenSecret:   os.Getenv(envAuthTokenSecret),
		AuthJWKSURL:       strings.TrimSpace(os.Getenv(envAuthJWKSURL)),
		AuthIssuer:        firstNonEmpty(os.Getenv(envAuthIssuer), defaultAuthIssuer),
		AuthForwardSecret: os.Getenv(envAuthForwardSecret),
		RedisURL:          strings.TrimSpace(os.Getenv(envRedisURL)),
		LogLevel:          firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel),
		LogFormat:         firstNonEmpty(os.Getenv(envLogFormat), defaultLogFormat),
		WorkerConcurrency: defaultWorkerConcurrency,
		CleanupInterval:   defaultCleanupInterval,
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if cfg.PolarWebhookSecret == "" {
		return Config{}, fmt.Errorf("%s is required", envPolarWebhookSecret)
	}
	if cfg.AuthTokenSecret == "" && cfg.AuthJWKSURL == "" {
		return Config{}, fmt.Errorf("%s is required", envAuthTokenSecret)
	}
	if cfg.PolarServer != "production" && cfg.PolarServer != "sandbox" {
		return Config{}, fmt.Errorf("invalid %s: %q (want production or sandbox)", envPolarServer, cfg.PolarServer)
	}

	if raw := os.Getenv(envWorkerConcurrency); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid %s: %q", envWorkerConcurrency, raw)
		}
		cfg.WorkerConcurrency = n
	}

	if raw := os.Getenv(envCleanupInterval); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid %s: %q", envCleanupInterval, raw)
		}
		cfg.CleanupInterval = d
	}

	return cfg, nil
}

// LoadDatabaseURL returns only the database DSN. Used by tooling that does not
// need the rest of the service configuration.
func LoadDatabaseURL() (string, error) {
	dsn := strings.TrimSpace(os.Getenv(envDatabaseURL))
	if dsn == "" {
		return "", fmt.Errorf("%s is required", envDatabaseURL)
	}
	return dsn, nil
}

// LifetimeConfigured reports whether at least one lifetime product id is set.
func (p Products) LifetimeConfigured() bool {
	return p.LifetimePlus != "" || p.LifetimePro != ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
