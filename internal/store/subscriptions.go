package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/billing-reconciler/internal/models"
)

// ErrCustomerLinked is returned when a billing customer already belongs to another user.
var ErrCustomerLinked = errors.New("store: customer already linked to another user")

const subscriptionColumns = `id, subscription_id, user_id, customer_id, product_id, status, recurring_interval, cancel_at_period_end, current_period_end, created_at, updated_at`

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var (
		sub       models.Subscription
		userID    sql.NullInt64
		interval  sql.NullString
		periodEnd sql.NullTime
	)
	if err := row.Scan(&sub.ID, &sub.SubscriptionID, &userID, &sub.CustomerID, &sub.ProductID, &sub.Status, &interval, &sub.CancelAtPeriodEnd, &periodEnd, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.UserID = nullInt64Ptr(userID)
	sub.RecurringInterval = nullStringPtr(interval)
	sub.CurrentPeriodEnd = nullTimePtr(periodEnd)
	return &sub, nil
}

// UpsertSubscription stores the latest known state of a provider subscription.
// A nil UserID on an update keeps the previously linked user.
func (s *Store) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	if sub.SubscriptionID == "" {
		return errors.New("store: upsert subscription: subscription id is required")
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO subscriptions (subscription_id, user_id, customer_id, product_id, status, recurring_interval, cancel_at_period_end, current_period_end)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (subscription_id) DO UPDATE
		 SET user_id = COALESCE(EXCLUDED.user_id, subscriptions.user_id),
		     customer_id = EXCLUDED.customer_id,
		     product_id = EXCLUDED.product_id,
		     status = EXCLUDED.status,
		     recurring_interval = EXCLUDED.recurring_interval,
		     cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		     current_period_end = EXCLUDED.current_period_end,
		     updated_at = now()
		 RETURNING id, created_at, updated_at`,
		sub.SubscriptionID, sub.UserID, sub.CustomerID, sub.ProductID, sub.Status,
		sub.RecurringInterval, sub.CancelAtPeriodEnd, sub.CurrentPeriodEnd,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert subscription %s: %w", sub.SubscriptionID, err)
	}
	return nil
}

// CurrentSubscription returns the most recently updated active or trialing
// cached subscription for the user, or nil.
func (s *Store) CurrentSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE user_id = $1 AND status IN ('active', 'trialing')
		 ORDER BY updated_at DESC
		 LIMIT 1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: current subscription for user %d: %w", userID, err)
	}
	return sub, nil
}

// GetCustomerLink returns the user's billing customer mapping, or nil.
func (s *Store) GetCustomerLink(ctx context.Context, userID int64) (*models.CustomerLink, error) {
	var link models.CustomerLink
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, customer_id, created_at FROM billing_customers WHERE user_id = $1`, userID,
	).Scan(&link.UserID, &link.CustomerID, &link.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get customer link for user %d: %w", userID, err)
	}
	return &link, nil
}

// UpsertCustomerLink records that customerID belongs to userID. A customer id
// already linked to a different user yields ErrCustomerLinked.
func (s *Store) UpsertCustomerLink(ctx context.Context, userID int64, customerID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_customers (user_id, customer_id)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET customer_id = EXCLUDED.customer_id`,
		userID, customerID,
	)
	if isUniqueViolation(err) {
		return ErrCustomerLinked
	}
	if err != nil {
		return fmt.Errorf("store: link customer %s to user %d: %w", customerID, userID, err)
	}
	return nil
}
