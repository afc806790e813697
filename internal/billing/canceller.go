package billing

import (
	"context"
	"fmt"

	"github.com/PortNumber53/billing-reconciler/internal/polar"
	"github.com/rs/zerolog/log"
)

const maxSubscriptionPages = 4

// SubscriptionAPI is the part of the billing provider client the canceller needs.
type SubscriptionAPI interface {
	FindCustomerByEmail(ctx context.Context, email string) (*polar.Customer, error)
	ListActiveSubscriptions(ctx context.Context, customerID string, page int) (*polar.Page[polar.Subscription], error)
	RevokeSubscription(ctx context.Context, subscriptionID string) error
}

// CancelResult summarizes a bulk cancellation. A failed revoke is recorded
// in Errors and does not stop the remaining ones.
type CancelResult struct {
	Cancelled int      `json:"cancelled"`
	Errors    []string `json:"errors"`
}

func (r *CancelResult) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Canceller revokes provider subscriptions in bulk.
type Canceller struct {
	api SubscriptionAPI
}

func NewCanceller(api SubscriptionAPI) *Canceller {
	return &Canceller{api: api}
}

// CancelAllForCustomer revokes the customer's active recurring subscriptions.
// It runs after a lifetime purchase.
func (c *Canceller) CancelAllForCustomer(ctx context.Context, customerID string) CancelResult {
	return c.revoke(ctx, customerID, func(s polar.Subscription) bool {
		return s.Status == "active" && s.IsRecurring()
	})
}

// CancelOthersForCustomer revokes active recurring subscriptions other than keepID.
func (c *Canceller) CancelOthersForCustomer(ctx context.Context, customerID, keepID string) CancelResult {
	return c.revoke(ctx, customerID, func(s polar.Subscription) bool {
		return s.ID != keepID && s.IsActive() && s.IsRecurring()
	})
}

// CancelAllForEmail finds the customer behind email and revokes every active
// or trialing subscription. It runs on account deletion.
func (c *Canceller) CancelAllForEmail(ctx context.Context, email string) CancelResult {
	if email == "" {
		return CancelResult{}
	}
	customer, err := c.api.FindCustomerByEmail(ctx, email)
	if err != nil {
		res := CancelResult{}
		res.fail("lookup customer: %v", err)
		return res
	}
	if customer == nil {
		return CancelResult{}
	}
	return c.revoke(ctx, customer.ID, polar.Subscription.IsActive)
}

func (c *Canceller) revoke(ctx context.Context, customerID string, match func(polar.Subscription) bool) CancelResult {
	var res CancelResult
	if customerID == "" {
		return res
	}

	// Revoking shrinks the active list, so collect every page before revoking.
	var targets []string
	for page := 1; page <= maxSubscriptionPages; page++ {
		subs, err := c.api.ListActiveSubscriptions(ctx, customerID, page)
		if err != nil {
			res.fail("list subscriptions page %d: %v", page, err)
			break
		}
		for _, sub := range subs.Items {
			if match(sub) {
				targets = append(targets, sub.ID)
			}
		}
		if !subs.HasMore(page) {
			break
		}
	}

	for _, id := range targets {
		if err := c.api.RevokeSubscription(ctx, id); err != nil {
			log.Error().Err(err).Str("customer_id", customerID).Str("subscription_id", id).Msg("failed to revoke subscription")
			res.fail("revoke %s: %v", id, err)
			continue
		}
		res.Cancelled++
		log.Info().Str("customer_id", customerID).Str("subscription_id", id).Msg("subscription revoked")
	}
	return res
}
