package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/billing-reconciler/internal/ratelimit"
)

// CreditService is the credit ledger as seen by the API.
type CreditService interface {
	Balance(ctx context.Context, userID int64) (int64, error)
	HasCredits(ctx context.Context, userID, amount int64) (bool, error)
	Use(ctx context.Context, userID, amount int64) (int64, error)
}

type useCreditsRequest struct {
	Amount int64 `json:"amount" validate:"gt=0"`
}

// CreditBalance returns the caller's balance.
func CreditBalance(credits CreditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		balance, err := credits.Balance(r.Context(), uid)
		if err != nil {
			writeServiceError(w, r, "credits.balance", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
	}
}

// UseCredits spends credits from the caller's balance.
func UseCredits(credits CreditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		var req useCreditsRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		balance, err := credits.Use(r.Context(), uid, req.Amount)
		if err != nil {
			writeServiceError(w, r, "credits.use", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
	}
}

// CheckCredits reports whether the caller holds at least ?amount credits.
func CheckCredits(credits CreditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
		if err != nil || amount < 0 {
			writeError(w, http.StatusBadRequest, "amount must be a non-negative integer")
			return
		}
		has, err := credits.HasCredits(r.Context(), uid, amount)
		if err != nil {
			writeServiceError(w, r, "credits.check", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"has_credits": has})
	}
}

// RateLimitStatusReader reports a budget without consuming it.
type RateLimitStatusReader interface {
	Status(ctx context.Context, userID int64, action string) (ratelimit.Status, error)
}

// RateLimitStatus returns the caller's budget for the {action} class.
func RateLimitStatus(limiter RateLimitStatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		action := chi.URLParam(r, "action")
		if action == "" {
			writeError(w, http.StatusBadRequest, "action is required")
			return
		}
		status, err := limiter.Status(r.Context(), uid, action)
		if err != nil {
			writeServiceError(w, r, "ratelimit.status", err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}
