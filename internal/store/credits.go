package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/billing-reconciler/internal/models"
)

// ErrInsufficientBalance is returned by DeductCredits when the balance is lower than the amount.
var ErrInsufficientBalance = errors.New("store: insufficient balance")

// GetBalance returns the user's balance; a missing row counts as zero.
func (s *Store) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM credits WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: get balance for user %d: %w", userID, err)
	}
	return balance, nil
}

const addCreditsQuery = `
INSERT INTO credits (user_id, balance, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (user_id) DO UPDATE
SET balance = credits.balance + EXCLUDED.balance,
    updated_at = now()
RETURNING balance`

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func addCredits(ctx context.Context, q queryRower, userID, amount int64) (int64, error) {
	var balance int64
	if err := q.QueryRowContext(ctx, addCreditsQuery, userID, amount).Scan(&balance); err != nil {
		return 0, fmt.Errorf("store: add %d credits for user %d: %w", amount, userID, err)
	}
	return balance, nil
}

// AddCredits atomically increments the balance, creating the row when absent.
// It returns the new balance.
func (s *Store) AddCredits(ctx context.Context, userID, amount int64) (int64, error) {
	return addCredits(ctx, s.db, userID, amount)
}

// DeductCredits atomically decrements the balance when it covers amount and
// returns the new balance. ErrInsufficientBalance leaves the row untouched.
func (s *Store) DeductCredits(ctx context.Context, userID, amount int64) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE credits
		 SET balance = balance - $2,
		     updated_at = now()
		 WHERE user_id = $1 AND balance >= $2
		 RETURNING balance`,
		userID, amount,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrInsufficientBalance
	}
	if err != nil {
		return 0, fmt.Errorf("store: deduct %d credits for user %d: %w", amount, userID, err)
	}
	return balance, nil
}

// ApplyOrder records order in the processed-order ledger and, when the entry
// carries a user and a positive credit amount, grants those credits in the
// same transaction. applied is false when the order id was already recorded,
// in which case nothing changes.
func (s *Store) ApplyOrder(ctx context.Context, order models.ProcessedOrder) (applied bool, err error) {
	if order.OrderID == "" {
		return false, errors.New("store: apply order: order id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin apply order tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var orderID string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO processed_orders (order_id, event_type, product_id, user_id, credits_added)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (order_id) DO NOTHING
		 RETURNING order_id`,
		order.OrderID, order.EventType, order.ProductID, order.UserID, order.CreditsAdded,
	).Scan(&orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: record processed order %s: %w", order.OrderID, err)
	}

	if order.UserID != nil && order.CreditsAdded > 0 {
		if _, err := addCredits(ctx, tx, *order.UserID, order.CreditsAdded); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit apply order tx: %w", err)
	}
	return true, nil
}

// ClaimOrderEffects marks the post-payment side effects of orderID as done.
// first is false when an earlier delivery already claimed them.
func (s *Store) ClaimOrderEffects(ctx context.Context, orderID string) (first bool, err error) {
	if orderID == "" {
		return false, errors.New("store: claim order effects: order id is required")
	}
	var id string
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO order_effects (order_id) VALUES ($1)
		 ON CONFLICT (order_id) DO NOTHING
		 RETURNING order_id`, orderID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: claim order effects %s: %w", orderID, err)
	}
	return true, nil
}

// GetProcessedOrder returns the ledger entry for orderID, or nil when unknown.
func (s *Store) GetProcessedOrder(ctx context.Context, orderID string) (*models.ProcessedOrder, error) {
	var (
		po     models.ProcessedOrder
		userID sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT order_id, event_type, product_id, user_id, credits_added, processed_at
		 FROM processed_orders WHERE order_id = $1`, orderID,
	).Scan(&po.OrderID, &po.EventType, &po.ProductID, &userID, &po.CreditsAdded, &po.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get processed order %s: %w", orderID, err)
	}
	po.UserID = nullInt64Ptr(userID)
	return &po, nil
}
