package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/billing-reconciler/internal/models"
)

// ForwardSecretHeader carries the shared secret of the front-end worker that
// completes OAuth and forwards the profile here.
const ForwardSecretHeader = "X-Forward-Secret"

var signInProviders = map[string]bool{"github": true, "google": true}

// IdentityStore creates or refreshes users from OAuth profiles.
type IdentityStore interface {
	UpsertIdentity(ctx context.Context, profile models.IdentityProfile) (*models.User, bool, error)
}

// TokenIssuer mints session tokens.
type TokenIssuer interface {
	Issue(userID int64, role string) (string, time.Time, error)
}

// WelcomeQueue schedules the one-time welcome email.
type WelcomeQueue interface {
	QueueWelcomeEmail(ctx context.Context, userID int64) error
}

// SignIn accepts an OAuth profile for {provider}, persists the user and
// answers with a session token. forwardSecret, when non-empty, must match the
// X-Forward-Secret header.
func SignIn(identities IdentityStore, tokens TokenIssuer, welcome WelcomeQueue, forwardSecret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := strings.ToLower(chi.URLParam(r, "provider"))
		if !signInProviders[provider] {
			writeError(w, http.StatusNotFound, "unknown identity provider")
			return
		}
		if forwardSecret != "" {
			got := r.Header.Get(ForwardSecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(forwardSecret)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid forward secret")
				return
			}
		}

		var profile models.IdentityProfile
		if !decodeJSON(w, r, &profile) {
			return
		}
		profile.Provider = provider

		ctx := r.Context()
		user, created, err := identities.UpsertIdentity(ctx, profile)
		if err != nil {
			log.Error().Err(err).Str("provider", provider).Str("provider_id", profile.ProviderID).Msg("failed to persist identity")
			writeError(w, http.StatusInternalServerError, "failed to persist user")
			return
		}

		if created && user.EmailOrEmpty() != "" {
			if err := welcome.QueueWelcomeEmail(ctx, user.ID); err != nil {
				log.Error().Err(err).Int64("user_id", user.ID).Msg("failed to queue welcome email")
			}
		}

		token, expires, err := tokens.Issue(user.ID, user.Role)
		if err != nil {
			writeServiceError(w, r, "auth.issue", err)
			return
		}

		log.Info().Int64("user_id", user.ID).Str("provider", provider).Bool("new_user", created).Msg("user signed in")
		writeJSON(w, http.StatusOK, map[string]any{
			"user":       user,
			"token":      token,
			"expires_at": expires.UTC().Format(time.RFC3339),
			"new_user":   created,
		})
	}
}
