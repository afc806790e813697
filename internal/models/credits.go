package models

import "time"

// CreditBalance is a user's credit balance. A missing row means zero.
type CreditBalance struct {
	UserID    int64     `json:"user_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProcessedOrder is the idempotency ledger entry for order-level webhook effects.
type ProcessedOrder struct {
	OrderID      string    `json:"order_id"`
	EventType    string    `json:"event_type"`
	ProductID    string    `json:"product_id"`
	UserID       *int64    `json:"user_id,omitempty"`
	CreditsAdded int64     `json:"credits_added"`
	ProcessedAt  time.Time `json:"processed_at"`
}
