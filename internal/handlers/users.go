package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/billing-reconciler/internal/billing"
	"github.com/PortNumber53/billing-reconciler/internal/models"
	"github.com/PortNumber53/billing-reconciler/internal/ratelimit"
)

const defaultUserPageSize = 50

// UserLister defines the behaviour required from the storage client backing the users handler.
type UserLister interface {
	ListUsers(ctx context.Context, limit int) ([]models.User, error)
}

// AccountStore reads, edits and deletes the caller's account.
type AccountStore interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	UpdateProfile(ctx context.Context, userID int64, update models.ProfileUpdate) (*models.User, error)
	DeleteUser(ctx context.Context, userID int64) error
}

// SubscriptionCanceller revokes every active subscription billed to an email.
type SubscriptionCanceller interface {
	CancelAllForEmail(ctx context.Context, email string) billing.CancelResult
}

// Users returns a page of users for administrators.
func Users(client UserLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultUserPageSize
		if override := r.URL.Query().Get("limit"); override != "" {
			if parsed, err := strconv.Atoi(override); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		users, err := client.ListUsers(r.Context(), limit)
		if err != nil {
			writeServiceError(w, r, "users.list", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	}
}

// Me returns the caller's user record.
func Me(accounts AccountStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		user, err := accounts.GetUserByID(r.Context(), uid)
		if err != nil {
			writeServiceError(w, r, "users.me", err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

// UpdateMe edits the caller's profile under the profile_update limit.
func UpdateMe(accounts AccountStore, limiter ActionChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		var update models.ProfileUpdate
		if !decodeJSON(w, r, &update) {
			return
		}
		if update.Empty() {
			writeError(w, http.StatusBadRequest, "nothing to update")
			return
		}
		if err := limiter.Check(r.Context(), uid, ratelimit.ActionProfileUpdate); err != nil {
			writeServiceError(w, r, "users.update", err)
			return
		}
		user, err := accounts.UpdateProfile(r.Context(), uid, update)
		if err != nil {
			writeServiceError(w, r, "users.update", err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

// DeleteMe cancels the caller's subscriptions and removes their account.
// Cancellation failures are reported but never block deletion.
func DeleteMe(accounts AccountStore, canceller SubscriptionCanceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		ctx := r.Context()
		user, err := accounts.GetUserByID(ctx, uid)
		if err != nil {
			writeServiceError(w, r, "users.delete", err)
			return
		}

		res := canceller.CancelAllForEmail(ctx, user.EmailOrEmpty())
		if len(res.Errors) > 0 {
			log.Warn().Int64("user_id", uid).Strs("errors", res.Errors).Msg("some subscriptions could not be cancelled during account deletion")
		}

		if err := accounts.DeleteUser(ctx, uid); err != nil {
			writeServiceError(w, r, "users.delete", err)
			return
		}
		log.Info().Int64("user_id", uid).Int("subscriptions_cancelled", res.Cancelled).Msg("account deleted")
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "subscriptions": res})
	}
}
