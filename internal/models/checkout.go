package models

import "time"

// CheckoutStatus is the lifecycle state of a pending checkout.
type CheckoutStatus string

const (
	CheckoutPending CheckoutStatus = "pending"
	CheckoutPaid    CheckoutStatus = "paid"
	CheckoutFailed  CheckoutStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s CheckoutStatus) Terminal() bool {
	return s == CheckoutPaid || s == CheckoutFailed
}

// PendingCheckout records a purchase attempt started locally, before the
// billing provider confirms payment.
type PendingCheckout struct {
	ID           string         `json:"id"`
	CheckoutID   string         `json:"checkout_id"`
	UserID       int64          `json:"user_id"`
	ExpectedTier string         `json:"expected_tier"`
	ProductID    string         `json:"product_id"`
	Status       CheckoutStatus `json:"status"`
	OrderID      *string        `json:"order_id,omitempty"`
	PaidAt       *time.Time     `json:"paid_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// CheckoutStatusView is the public polling view of a checkout.
type CheckoutStatusView struct {
	Status       CheckoutStatus `json:"status"`
	ExpectedTier string         `json:"expected_tier"`
	OrderID      *string        `json:"order_id,omitempty"`
	PaidAt       *time.Time     `json:"paid_at,omitempty"`
}

// View projects the checkout onto its public polling view.
func (c *PendingCheckout) View() CheckoutStatusView {
	return CheckoutStatusView{
		Status:       c.Status,
		ExpectedTier: c.ExpectedTier,
		OrderID:      c.OrderID,
		PaidAt:       c.PaidAt,
	}
}
