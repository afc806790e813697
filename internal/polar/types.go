package polar

import "time"

// Pagination is the list metadata returned with every page.
type Pagination struct {
	TotalCount int `json:"total_count"`
	MaxPage    int `json:"max_page"`
}

// Page is one page of a list endpoint.
type Page[T any] struct {
	Items      []T        `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// HasMore reports whether a page after page exists.
func (p *Page[T]) HasMore(page int) bool {
	return p != nil && page < p.Pagination.MaxPage
}

type Customer struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Name     *string        `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

// CustomerState aggregates what a customer currently holds.
type CustomerState struct {
	ID                  string              `json:"id"`
	Email               string              `json:"email"`
	ActiveSubscriptions []StateSubscription `json:"active_subscriptions"`
	GrantedBenefits     []GrantedBenefit    `json:"granted_benefits"`
}

type StateSubscription struct {
	ID                string  `json:"id"`
	Status            string  `json:"status"`
	ProductID         string  `json:"product_id"`
	RecurringInterval *string `json:"recurring_interval"`
}

type GrantedBenefit struct {
	ID          string    `json:"id"`
	BenefitID   string    `json:"benefit_id"`
	BenefitType string    `json:"benefit_type"`
	GrantedAt   time.Time `json:"granted_at"`
}

type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IsRecurring bool   `json:"is_recurring"`
}

type Order struct {
	ID         string   `json:"id"`
	Status     string   `json:"status"`
	Paid       bool     `json:"paid"`
	ProductID  string   `json:"product_id"`
	CustomerID string   `json:"customer_id"`
	Product    *Product `json:"product"`
}

// IsSettled reports whether the order was paid and is no longer pending.
func (o Order) IsSettled() bool {
	return o.Paid && o.Status != "pending"
}

// IsOneTime reports whether the order's product is known to be non-recurring.
func (o Order) IsOneTime() bool {
	return o.Product != nil && !o.Product.IsRecurring
}

type Subscription struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	CustomerID        string     `json:"customer_id"`
	ProductID         string     `json:"product_id"`
	RecurringInterval *string    `json:"recurring_interval"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end"`
}

// IsActive reports whether status is active or trialing.
func (s Subscription) IsActive() bool {
	return s.Status == "active" || s.Status == "trialing"
}

// IsRecurring reports whether the subscription renews on an interval.
func (s Subscription) IsRecurring() bool {
	return s.RecurringInterval != nil
}

// AdHocPrice defines a one-off fixed price for a checkout.
type AdHocPrice struct {
	AmountType    string `json:"amount_type"`
	PriceAmount   int64  `json:"price_amount"`
	PriceCurrency string `json:"price_currency"`
}

// CheckoutRequest is the body of a checkout creation call.
type CheckoutRequest struct {
	Products      []string                `json:"products"`
	CustomerEmail string                  `json:"customer_email,omitempty"`
	CustomerName  string                  `json:"customer_name,omitempty"`
	SuccessURL    string                  `json:"success_url,omitempty"`
	Prices        map[string][]AdHocPrice `json:"prices,omitempty"`
	Metadata      map[string]any          `json:"metadata,omitempty"`
}

// FixedPrice sets a one-off USD price in cents for productID.
func (r *CheckoutRequest) FixedPrice(productID string, cents int64) {
	if r.Prices == nil {
		r.Prices = map[string][]AdHocPrice{}
	}
	r.Prices[productID] = []AdHocPrice{{AmountType: "fixed", PriceAmount: cents, PriceCurrency: "usd"}}
}

type Checkout struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Status string `json:"status"`
}
