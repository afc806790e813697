package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/PortNumber53/billing-reconciler/internal/models"
)

// Transition is the outcome of a checkout status change request.
type Transition int

const (
	// TransitionApplied means the checkout moved from pending to the requested status.
	TransitionApplied Transition = iota
	// TransitionUnknown means no checkout has the given id.
	TransitionUnknown
	// TransitionTerminal means the checkout was already paid or failed.
	TransitionTerminal
)

func (t Transition) String() string {
	switch t {
	case TransitionApplied:
		return "applied"
	case TransitionUnknown:
		return "unknown"
	case TransitionTerminal:
		return "terminal"
	}
	return fmt.Sprintf("transition(%d)", int(t))
}

const checkoutColumns = `id, checkout_id, user_id, expected_tier, product_id, status, order_id, paid_at, created_at, updated_at`

func scanCheckout(row rowScanner) (*models.PendingCheckout, error) {
	var (
		c       models.PendingCheckout
		orderID sql.NullString
		paidAt  sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.CheckoutID, &c.UserID, &c.ExpectedTier, &c.ProductID, &c.Status, &orderID, &paidAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.OrderID = nullStringPtr(orderID)
	c.PaidAt = nullTimePtr(paidAt)
	return &c, nil
}

// CreatePendingCheckout inserts a pending checkout unless one already exists
// for checkoutID. Either way it returns the id of the stored record.
func (s *Store) CreatePendingCheckout(ctx context.Context, checkoutID string, userID int64, expectedTier, productID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO pending_checkouts (id, checkout_id, user_id, expected_tier, product_id, status)
		 VALUES ($1, $2, $3, $4, $5, 'pending')
		 ON CONFLICT (checkout_id) DO NOTHING
		 RETURNING id`,
		uuid.NewString(), checkoutID, userID, expectedTier, productID,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store: create pending checkout %s: %w", checkoutID, err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT id FROM pending_checkouts WHERE checkout_id = $1`, checkoutID).Scan(&id); err != nil {
		return "", fmt.Errorf("store: load existing checkout %s: %w", checkoutID, err)
	}
	return id, nil
}

// GetCheckout returns the checkout with the provider-issued id, or nil when unknown.
func (s *Store) GetCheckout(ctx context.Context, checkoutID string) (*models.PendingCheckout, error) {
	c, err := scanCheckout(s.db.QueryRowContext(ctx, `SELECT `+checkoutColumns+` FROM pending_checkouts WHERE checkout_id = $1`, checkoutID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get checkout %s: %w", checkoutID, err)
	}
	return c, nil
}

// MarkCheckoutPaid moves a pending checkout to paid and records the order id.
func (s *Store) MarkCheckoutPaid(ctx context.Context, checkoutID, orderID string) (Transition, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_checkouts
		 SET status = 'paid', order_id = $2, paid_at = now(), updated_at = now()
		 WHERE checkout_id = $1 AND status = 'pending'`,
		checkoutID, orderID,
	)
	if err != nil {
		return TransitionUnknown, fmt.Errorf("store: mark checkout %s paid: %w", checkoutID, err)
	}
	return s.transitionOutcome(ctx, res, checkoutID)
}

// MarkCheckoutFailed moves a pending checkout to failed.
func (s *Store) MarkCheckoutFailed(ctx context.Context, checkoutID string) (Transition, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_checkouts
		 SET status = 'failed', updated_at = now()
		 WHERE checkout_id = $1 AND status = 'pending'`,
		checkoutID,
	)
	if err != nil {
		return TransitionUnknown, fmt.Errorf("store: mark checkout %s failed: %w", checkoutID, err)
	}
	return s.transitionOutcome(ctx, res, checkoutID)
}

func (s *Store) transitionOutcome(ctx context.Context, res sql.Result, checkoutID string) (Transition, error) {
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return TransitionApplied, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM pending_checkouts WHERE checkout_id = $1)`, checkoutID).Scan(&exists); err != nil {
		return TransitionUnknown, fmt.Errorf("store: check checkout %s: %w", checkoutID, err)
	}
	if exists {
		return TransitionTerminal, nil
	}
	return TransitionUnknown, nil
}

// LatestPendingCheckout returns the user's most recently created pending checkout, or nil.
func (s *Store) LatestPendingCheckout(ctx context.Context, userID int64) (*models.PendingCheckout, error) {
	c, err := scanCheckout(s.db.QueryRowContext(ctx,
		`SELECT `+checkoutColumns+`
		 FROM pending_checkouts
		 WHERE user_id = $1 AND status = 'pending'
		 ORDER BY created_at DESC
		 LIMIT 1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest pending checkout for user %d: %w", userID, err)
	}
	return c, nil
}
