package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/PortNumber53/billing-reconciler/internal/models"
	"github.com/PortNumber53/billing-reconciler/internal/ratelimit"
	"github.com/PortNumber53/billing-reconciler/internal/store"
)

// CreditStore persists balances and the processed-order ledger.
type CreditStore interface {
	GetBalance(ctx context.Context, userID int64) (int64, error)
	AddCredits(ctx context.Context, userID, amount int64) (int64, error)
	DeductCredits(ctx context.Context, userID, amount int64) (int64, error)
	ApplyOrder(ctx context.Context, order models.ProcessedOrder) (bool, error)
}

// ActionLimiter gates user actions by rate-limit class.
type ActionLimiter interface {
	Check(ctx context.Context, userID int64, action string) error
}

// Ledger owns credit balances. Balances never go negative.
type Ledger struct {
	store   CreditStore
	limiter ActionLimiter
}

// NewLedger creates a ledger. limiter may be nil to disable the credit_use gate.
func NewLedger(store CreditStore, limiter ActionLimiter) *Ledger {
	return &Ledger{store: store, limiter: limiter}
}

// Balance returns the user's balance, zero when the user never held credits.
func (l *Ledger) Balance(ctx context.Context, userID int64) (int64, error) {
	return l.store.GetBalance(ctx, userID)
}

// HasCredits reports whether the balance covers amount.
func (l *Ledger) HasCredits(ctx context.Context, userID, amount int64) (bool, error) {
	balance, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

// Use spends amount credits and returns the new balance. A rate-limited
// caller gets a *ratelimit.LimitError and the balance is untouched.
func (l *Ledger) Use(ctx context.Context, userID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	if l.limiter != nil {
		if err := l.limiter.Check(ctx, userID, ratelimit.ActionCreditUse); err != nil {
			return 0, err
		}
	}

	balance, err := l.store.DeductCredits(ctx, userID, amount)
	if errors.Is(err, store.ErrInsufficientBalance) {
		return 0, ErrInsufficientCredits
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Add grants amount credits outside the purchase flow.
func (l *Ledger) Add(ctx context.Context, userID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	return l.store.AddCredits(ctx, userID, amount)
}

// ApplyOrder records a processed order and its credit grant atomically.
// applied is false for an order id seen before.
func (l *Ledger) ApplyOrder(ctx context.Context, order models.ProcessedOrder) (applied bool, err error) {
	if order.OrderID == "" {
		return false, fmt.Errorf("%w: order id is required", ErrInvalidArgument)
	}
	return l.store.ApplyOrder(ctx, order)
}
