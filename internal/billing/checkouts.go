package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/PortNumber53/billing-reconciler/internal/models"
	"github.com/PortNumber53/billing-reconciler/internal/store"
	"github.com/rs/zerolog/log"
)

// CheckoutStore persists pending checkouts.
type CheckoutStore interface {
	CreatePendingCheckout(ctx context.Context, checkoutID string, userID int64, expectedTier, productID string) (string, error)
	GetCheckout(ctx context.Context, checkoutID string) (*models.PendingCheckout, error)
	MarkCheckoutPaid(ctx context.Context, checkoutID, orderID string) (store.Transition, error)
	MarkCheckoutFailed(ctx context.Context, checkoutID string) (store.Transition, error)
	LatestPendingCheckout(ctx context.Context, userID int64) (*models.PendingCheckout, error)
}

// CheckoutTracker records purchase attempts so the front end can poll for
// payment confirmation. Status moves pending to paid or failed, never back.
type CheckoutTracker struct {
	store CheckoutStore
}

func NewCheckoutTracker(store CheckoutStore) *CheckoutTracker {
	return &CheckoutTracker{store: store}
}

// Create records a pending checkout. Recording the same checkout id twice
// returns the existing record id.
func (t *CheckoutTracker) Create(ctx context.Context, userID int64, checkoutID, expectedTier, productID string) (string, error) {
	checkoutID = strings.TrimSpace(checkoutID)
	if checkoutID == "" {
		return "", fmt.Errorf("%w: checkout id is required", ErrInvalidArgument)
	}
	if userID <= 0 {
		return "", ErrNotAuthenticated
	}
	return t.store.CreatePendingCheckout(ctx, checkoutID, userID, expectedTier, productID)
}

// Status returns the polling view of checkoutID, or nil when unknown.
func (t *CheckoutTracker) Status(ctx context.Context, checkoutID string) (*models.CheckoutStatusView, error) {
	c, err := t.store.GetCheckout(ctx, checkoutID)
	if err != nil || c == nil {
		return nil, err
	}
	view := c.View()
	return &view, nil
}

// MarkPaid transitions a pending checkout to paid. Unknown or already
// finished checkouts are left alone.
func (t *CheckoutTracker) MarkPaid(ctx context.Context, checkoutID, orderID string) (store.Transition, error) {
	if checkoutID == "" {
		return store.TransitionUnknown, nil
	}
	tr, err := t.store.MarkCheckoutPaid(ctx, checkoutID, orderID)
	if err != nil {
		return tr, err
	}
	logTransition(tr, checkoutID, "paid")
	return tr, nil
}

// MarkFailed transitions a pending checkout to failed.
func (t *CheckoutTracker) MarkFailed(ctx context.Context, checkoutID string) (store.Transition, error) {
	if checkoutID == "" {
		return store.TransitionUnknown, nil
	}
	tr, err := t.store.MarkCheckoutFailed(ctx, checkoutID)
	if err != nil {
		return tr, err
	}
	logTransition(tr, checkoutID, "failed")
	return tr, nil
}

// LatestPending returns the user's most recent pending checkout, or nil.
func (t *CheckoutTracker) LatestPending(ctx context.Context, userID int64) (*models.PendingCheckout, error) {
	if userID <= 0 {
		return nil, ErrNotAuthenticated
	}
	return t.store.LatestPendingCheckout(ctx, userID)
}

func logTransition(tr store.Transition, checkoutID, target string) {
	switch tr {
	case store.TransitionApplied:
		log.Info().Str("checkout_id", checkoutID).Str("status", target).Msg("checkout updated")
	case store.TransitionTerminal:
		log.Info().Str("checkout_id", checkoutID).Msg("checkout already finished; leaving as is")
	default:
		log.Warn().Str("checkout_id", checkoutID).Msg("no pending checkout recorded for id")
	}
}
