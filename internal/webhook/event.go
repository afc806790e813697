package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the closed set of provider events the reconciler distinguishes.
type Kind int

const (
	// KindUnknown covers every event type this service ignores.
	KindUnknown Kind = iota
	KindOrderPaid
	KindSubscriptionCreated
	KindSubscriptionUpdated
	KindSubscriptionActive
	KindSubscriptionCanceled
	KindSubscriptionRevoked
	KindCheckoutUpdated
)

var kindNames = map[string]Kind{
	"order.paid":            KindOrderPaid,
	"subscription.created":  KindSubscriptionCreated,
	"subscription.updated":  KindSubscriptionUpdated,
	"subscription.active":   KindSubscriptionActive,
	"subscription.canceled": KindSubscriptionCanceled,
	"subscription.revoked":  KindSubscriptionRevoked,
	"checkout.updated":      KindCheckoutUpdated,
}

// ParseKind maps an event type string to its Kind.
func ParseKind(eventType string) Kind {
	if k, ok := kindNames[eventType]; ok {
		return k
	}
	return KindUnknown
}

func (k Kind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// IsSubscription reports whether k is one of the subscription.* kinds.
func (k Kind) IsSubscription() bool {
	return k >= KindSubscriptionCreated && k <= KindSubscriptionRevoked
}

// Event is a verified delivery: its raw type tag, classified kind and payload.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Kind Kind            `json:"-"`
}

// Parse decodes the envelope of a delivery body.
func Parse(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("webhook: decode event: %w", err)
	}
	if ev.Type == "" {
		return nil, errors.New("webhook: event type is missing")
	}
	ev.Kind = ParseKind(ev.Type)
	return &ev, nil
}

// Party is the customer or user object embedded in payloads.
type Party struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type ref struct {
	ID string `json:"id"`
}

type productRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Order is the data of an order.paid event.
type Order struct {
	ID         string         `json:"id"`
	ProductID  string         `json:"product_id"`
	Amount     int64          `json:"amount"`
	Currency   string         `json:"currency"`
	CheckoutID string         `json:"checkout_id"`
	Checkout   *ref           `json:"checkout"`
	CustomerID string         `json:"customer_id"`
	Customer   *Party         `json:"customer"`
	User       *Party         `json:"user"`
	Product    *productRef    `json:"product"`
	Metadata   map[string]any `json:"metadata"`
}

// Order decodes the payload as an order.
func (e *Event) Order() (*Order, error) {
	var o Order
	if err := json.Unmarshal(e.Data, &o); err != nil {
		return nil, fmt.Errorf("webhook: decode order: %w", err)
	}
	return &o, nil
}

// Email is the purchaser email from the customer, then the user object.
func (o *Order) Email() string {
	return partyEmail(o.Customer, o.User)
}

// Name is the purchaser display name, "Valued Customer" when unknown.
func (o *Order) Name() string {
	if o.Customer != nil && o.Customer.Name != "" {
		return o.Customer.Name
	}
	if o.User != nil && o.User.Name != "" {
		return o.User.Name
	}
	return "Valued Customer"
}

// ProductName is the product label, "Product" when unknown.
func (o *Order) ProductName() string {
	if o.Product != nil && o.Product.Name != "" {
		return o.Product.Name
	}
	return "Product"
}

// AmountString renders the minor-unit amount with two decimals.
func (o *Order) AmountString() string {
	return decimal.New(o.Amount, -2).StringFixed(2)
}

// CurrencyCode is the upper-cased currency, USD when absent.
func (o *Order) CurrencyCode() string {
	if o.Currency == "" {
		return "USD"
	}
	return strings.ToUpper(o.Currency)
}

// CheckoutRef is the checkout id from the top-level field or the nested checkout.
func (o *Order) CheckoutRef() string {
	if o.CheckoutID != "" {
		return o.CheckoutID
	}
	if o.Checkout != nil {
		return o.Checkout.ID
	}
	return ""
}

// CustomerRef is the billing customer id from the nested customer or the top-level field.
func (o *Order) CustomerRef() string {
	if o.Customer != nil && o.Customer.ID != "" {
		return o.Customer.ID
	}
	return o.CustomerID
}

// MetadataCredits returns the positive credit count passed through checkout
// metadata, or 0.
func (o *Order) MetadataCredits() int64 {
	switch v := o.Metadata["credits"].(type) {
	case float64:
		if v > 0 {
			return int64(v)
		}
	case string:
		if n, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && n > 0 {
			return int64(n)
		}
	}
	return 0
}

// BundleName is the bundle label passed through checkout metadata.
func (o *Order) BundleName() string {
	s, _ := o.Metadata["bundle_name"].(string)
	return s
}

// Subscription is the data of a subscription.* event.
type Subscription struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	ProductID         string     `json:"product_id"`
	CheckoutID        string     `json:"checkout_id"`
	CustomerID        string     `json:"customer_id"`
	Customer          *Party     `json:"customer"`
	User              *Party     `json:"user"`
	RecurringInterval *string    `json:"recurring_interval"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end"`

	CancellationReason  string `json:"customer_cancellation_reason"`
	CancellationComment string `json:"customer_cancellation_comment"`
}

// Subscription decodes the payload as a subscription.
func (e *Event) Subscription() (*Subscription, error) {
	var s Subscription
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return nil, fmt.Errorf("webhook: decode subscription: %w", err)
	}
	return &s, nil
}

// Email is the subscriber email from the customer, then the user object.
func (s *Subscription) Email() string {
	return partyEmail(s.Customer, s.User)
}

// CustomerRef is the billing customer id.
func (s *Subscription) CustomerRef() string {
	if s.Customer != nil && s.Customer.ID != "" {
		return s.Customer.ID
	}
	return s.CustomerID
}

// IsActive reports whether the status is active or trialing.
func (s *Subscription) IsActive() bool {
	return s.Status == "active" || s.Status == "trialing"
}

// Checkout is the data of a checkout.updated event.
type Checkout struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Checkout decodes the payload as a checkout session.
func (e *Event) Checkout() (*Checkout, error) {
	var c Checkout
	if err := json.Unmarshal(e.Data, &c); err != nil {
		return nil, fmt.Errorf("webhook: decode checkout: %w", err)
	}
	return &c, nil
}

// Failed reports whether the session ended without payment.
func (c *Checkout) Failed() bool {
	return c.Status == "failed" || c.Status == "expired"
}

func partyEmail(parties ...*Party) string {
	for _, p := range parties {
		if p != nil && strings.TrimSpace(p.Email) != "" {
			return strings.TrimSpace(p.Email)
		}
	}
	return ""
}
