package models

import "time"

// Subscription is the locally cached copy of a billing provider subscription,
// kept in sync from subscription.* webhooks.
type Subscription struct {
	ID                int64      `json:"id"`
	SubscriptionID    string     `json:"subscription_id"`
	UserID            *int64     `json:"user_id,omitempty"`
	CustomerID        string     `json:"customer_id"`
	ProductID         string     `json:"product_id"`
	Status            string     `json:"status"`
	RecurringInterval *string    `json:"recurring_interval,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// IsActive reports whether the status entitles the customer.
func (s *Subscription) IsActive() bool {
	return s != nil && (s.Status == "active" || s.Status == "trialing")
}

// IsRecurring reports whether the subscription bills on an interval.
func (s *Subscription) IsRecurring() bool {
	return s != nil && s.RecurringInterval != nil && *s.RecurringInterval != ""
}

// CustomerLink maps a local user to a billing provider customer.
type CustomerLink struct {
	UserID     int64     `json:"user_id"`
	CustomerID string    `json:"customer_id"`
	CreatedAt  time.Time `json:"created_at"`
}
