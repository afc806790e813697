package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/billing-reconciler/internal/billing"
	"github.com/PortNumber53/billing-reconciler/internal/models"
	"github.com/PortNumber53/billing-reconciler/internal/polar"
)

// checkoutIDPlaceholder is substituted by the provider on redirect.
const checkoutIDPlaceholder = "{CHECKOUT_ID}"

// BillingProvider is the subset of the billing provider API driven by users.
type BillingProvider interface {
	CreateCheckout(ctx context.Context, req polar.CheckoutRequest) (*polar.Checkout, error)
	CreateCustomerPortalURL(ctx context.Context, customerID string) (string, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*polar.Subscription, error)
}

// Entitlements derives access and resolves the provider customer of a user.
type Entitlements interface {
	Resolve(ctx context.Context, user *models.User) (models.Entitlement, error)
	CustomerID(ctx context.Context, user *models.User) string
	Backfill(ctx context.Context, user *models.User) string
}

// CheckoutRecorder tracks checkouts started by users.
type CheckoutRecorder interface {
	Create(ctx context.Context, userID int64, checkoutID, expectedTier, productID string) (string, error)
	Status(ctx context.Context, checkoutID string) (*models.CheckoutStatusView, error)
	LatestPending(ctx context.Context, userID int64) (*models.PendingCheckout, error)
}

// SubscriptionReader reads the locally cached subscription of a user.
type SubscriptionReader interface {
	CurrentSubscription(ctx context.Context, userID int64) (*models.Subscription, error)
}

// UserGetter loads a user by id.
type UserGetter interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
}

// BillingHandler serves the /api/billing endpoints.
type BillingHandler struct {
	Users         UserGetter
	Entitlements  Entitlements
	Provider      BillingProvider
	Checkouts     CheckoutRecorder
	Subscriptions SubscriptionReader
	Catalog       billing.Catalog
	SiteURL       string
}

type createCheckoutRequest struct {
	ProductID  string         `json:"product_id" validate:"required"`
	SuccessURL string         `json:"success_url" validate:"omitempty,url"`
	Amount     *int64         `json:"amount" validate:"omitempty,gt=0"`
	Metadata   map[string]any `json:"metadata"`
}

type pendingCheckoutRequest struct {
	CheckoutID   string `json:"checkout_id" validate:"required"`
	ExpectedTier string `json:"expected_tier" validate:"required,max=100"`
	ProductID    string `json:"product_id"`
}

func (h *BillingHandler) currentUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	uid, ok := userID(w, r)
	if !ok {
		return nil, false
	}
	user, err := h.Users.GetUserByID(r.Context(), uid)
	if err != nil {
		writeServiceError(w, r, "billing.user", err)
		return nil, false
	}
	return user, true
}

// CreateCheckout opens a provider checkout for the caller and records it as
// pending so the front end can poll for the webhook outcome.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req createCheckoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()

	h.Entitlements.Backfill(ctx, user)

	successURL := req.SuccessURL
	if successURL == "" {
		successURL = h.SiteURL + "/pricing?checkout_id=" + checkoutIDPlaceholder
	}
	params := polar.CheckoutRequest{
		Products:      []string{req.ProductID},
		CustomerEmail: user.EmailOrEmpty(),
		CustomerName:  user.NameOr(""),
		SuccessURL:    successURL,
		Metadata:      req.Metadata,
	}
	if req.Amount != nil {
		params.FixedPrice(req.ProductID, *req.Amount)
	}

	checkout, err := h.Provider.CreateCheckout(ctx, params)
	if err != nil {
		log.Error().Err(err).Int64("user_id", user.ID).Str("product_id", req.ProductID).Msg("failed to create checkout session")
		writeError(w, http.StatusBadGateway, "failed to create checkout session")
		return
	}

	if _, err := h.Checkouts.Create(ctx, user.ID, checkout.ID, h.Catalog.ExpectedTier(req.ProductID), req.ProductID); err != nil {
		log.Error().Err(err).Int64("user_id", user.ID).Str("checkout_id", checkout.ID).Msg("failed to record pending checkout")
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": checkout.URL, "checkout_id": checkout.ID})
}

// CreatePendingCheckout records a checkout the front end opened itself.
func (h *BillingHandler) CreatePendingCheckout(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req pendingCheckoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := h.Checkouts.Create(r.Context(), uid, req.CheckoutID, req.ExpectedTier, req.ProductID)
	if err != nil {
		writeServiceError(w, r, "checkouts.create", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// CheckoutStatus is the public polling endpoint for a checkout id. Unknown
// ids answer {"checkout": null}.
func (h *BillingHandler) CheckoutStatus(w http.ResponseWriter, r *http.Request) {
	checkoutID := strings.TrimSpace(chi.URLParam(r, "id"))
	if checkoutID == "" {
		writeError(w, http.StatusBadRequest, "checkout id is required")
		return
	}
	view, err := h.Checkouts.Status(r.Context(), checkoutID)
	if err != nil {
		writeServiceError(w, r, "checkouts.status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkout": view})
}

// LatestPendingCheckout returns the caller's newest pending checkout, if any.
func (h *BillingHandler) LatestPendingCheckout(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	c, err := h.Checkouts.LatestPending(r.Context(), uid)
	if err != nil {
		writeServiceError(w, r, "checkouts.latest_pending", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkout": c})
}

// Status returns the caller together with their entitlement snapshot.
func (h *BillingHandler) Status(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	ent, err := h.Entitlements.Resolve(r.Context(), user)
	if err != nil {
		writeServiceError(w, r, "billing.status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":             user,
		"tier":             ent.Tier,
		"is_premium":       ent.IsPremium,
		"is_lifetime":      ent.IsLifetime,
		"has_subscription": ent.HasSubscription,
		"subscription":     ent.Subscription,
	})
}

// Portal returns a customer portal URL for the caller.
func (h *BillingHandler) Portal(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	customerID := h.Entitlements.CustomerID(r.Context(), user)
	if customerID == "" {
		writeError(w, http.StatusNotFound, "no billing customer for this account")
		return
	}
	url, err := h.Provider.CreateCustomerPortalURL(r.Context(), customerID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", user.ID).Str("customer_id", customerID).Msg("failed to create customer portal session")
		writeError(w, http.StatusBadGateway, "failed to create customer portal session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// CancelSubscription stops the caller's current subscription from renewing.
func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	sub, err := h.Subscriptions.CurrentSubscription(r.Context(), uid)
	if err != nil {
		writeServiceError(w, r, "billing.cancel", err)
		return
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, "no active subscription")
		return
	}
	updated, err := h.Provider.CancelAtPeriodEnd(r.Context(), sub.SubscriptionID)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, polar.ErrNotConfigured) {
			status = http.StatusServiceUnavailable
		}
		log.Error().Err(err).Int64("user_id", uid).Str("subscription_id", sub.SubscriptionID).Msg("failed to cancel subscription")
		writeError(w, status, "failed to cancel subscription")
		return
	}
	log.Info().Int64("user_id", uid).Str("subscription_id", sub.SubscriptionID).Msg("subscription set to cancel at period end")
	writeJSON(w, http.StatusOK, map[string]any{"subscription_id": updated.ID, "cancel_at_period_end": true})
}

// Products lists the configured product catalog.
func (h *BillingHandler) Products(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"products": h.Catalog.Products()})
}
