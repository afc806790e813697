package billing

import (
	"context"
	"errors"

	"github.com/PortNumber53/billing-reconciler/internal/models"
	"github.com/PortNumber53/billing-reconciler/internal/polar"
	"github.com/PortNumber53/billing-reconciler/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const maxOrderPages = 4

// CustomerAPI is the part of the billing provider client the resolver reads.
type CustomerAPI interface {
	FindCustomerByEmail(ctx context.Context, email string) (*polar.Customer, error)
	GetCustomerState(ctx context.Context, customerID string) (*polar.CustomerState, error)
	ListOneTimeOrders(ctx context.Context, customerID string, page int) (*polar.Page[polar.Order], error)
}

// EntitlementStore holds the local customer links and subscription cache.
type EntitlementStore interface {
	GetCustomerLink(ctx context.Context, userID int64) (*models.CustomerLink, error)
	UpsertCustomerLink(ctx context.Context, userID int64, customerID string) error
	CurrentSubscription(ctx context.Context, userID int64) (*models.Subscription, error)
}

// Resolver derives a user's entitlement from the local cache and the
// provider's view of the customer. Provider failures degrade to less
// information, never to an error.
type Resolver struct {
	api     CustomerAPI
	store   EntitlementStore
	catalog Catalog
}

func NewResolver(api CustomerAPI, store EntitlementStore, catalog Catalog) *Resolver {
	return &Resolver{api: api, store: store, catalog: catalog}
}

// Resolve returns the entitlement snapshot for user.
func (r *Resolver) Resolve(ctx context.Context, user *models.User) (models.Entitlement, error) {
	if user == nil || user.ID <= 0 {
		return models.Entitlement{}, ErrNotAuthenticated
	}
	if user.IsAdmin() {
		return models.Entitlement{Tier: models.TierPro, IsPremium: true, IsLifetime: true}, nil
	}

	logger := log.With().Int64("user_id", user.ID).Logger()

	customerID := r.CustomerID(ctx, user)

	var (
		cached *models.Subscription
		state  *polar.CustomerState
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sub, err := r.store.CurrentSubscription(gctx, user.ID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to read cached subscription")
			return nil
		}
		cached = sub
		return nil
	})
	if customerID != "" {
		g.Go(func() error {
			st, err := r.api.GetCustomerState(gctx, customerID)
			if polar.IsNotFound(err) {
				logger.Warn().Str("customer_id", customerID).Msg("linked customer no longer exists")
				return nil
			}
			if err != nil {
				logger.Error().Err(err).Str("customer_id", customerID).Msg("failed to fetch customer state")
				return nil
			}
			state = st
			return nil
		})
	}
	_ = g.Wait()

	effective := effectiveSubscription(cached, state)

	var activeCount, benefitCount int
	if state != nil {
		activeCount = len(state.ActiveSubscriptions)
		benefitCount = len(state.GrantedBenefits)
	}
	hasBenefitGrant := benefitCount > 0
	hasSubscription := effective != nil || activeCount > 0

	lifetimeProductID := ""
	if customerID != "" {
		lifetimeProductID = r.findLifetimeOrder(ctx, customerID)
	}
	hasLifetimeOrder := lifetimeProductID != ""

	ent := models.Entitlement{
		IsPremium:       hasSubscription || hasBenefitGrant || hasLifetimeOrder,
		HasSubscription: hasSubscription,
		Subscription:    effective,
	}
	ent.IsLifetime = (effective != nil && effective.ProductRecurring != nil && !*effective.ProductRecurring) ||
		(!hasSubscription && hasBenefitGrant) ||
		hasLifetimeOrder

	productID := lifetimeProductID
	if productID == "" && effective != nil {
		productID = effective.ProductID
	}
	ent.Tier = r.tierFor(productID, ent.IsPremium)
	if ent.Tier == models.TierPlus && r.catalog.Classify(productID).Tier() == "" {
		logger.Warn().Str("product_id", productID).Msg("entitled without a recognized product; defaulting to PLUS")
	}
	return ent, nil
}

// CustomerID returns the linked customer, backfilling the link by email for
// customers created through a standalone checkout.
func (r *Resolver) CustomerID(ctx context.Context, user *models.User) string {
	link, err := r.store.GetCustomerLink(ctx, user.ID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", user.ID).Msg("failed to read customer link")
	}
	if link != nil {
		return link.CustomerID
	}
	return r.Backfill(ctx, user)
}

// Backfill looks up the provider customer by the user's email and persists
// the link. It returns the customer id, or "" when none matches.
func (r *Resolver) Backfill(ctx context.Context, user *models.User) string {
	email := user.EmailOrEmpty()
	if email == "" {
		return ""
	}
	customer, err := r.api.FindCustomerByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, polar.ErrNotConfigured) {
			log.Error().Err(err).Int64("user_id", user.ID).Msg("customer backfill lookup failed")
		}
		return ""
	}
	if customer == nil {
		return ""
	}

	err = r.store.UpsertCustomerLink(ctx, user.ID, customer.ID)
	switch {
	case errors.Is(err, store.ErrCustomerLinked):
		log.Warn().Int64("user_id", user.ID).Str("customer_id", customer.ID).Msg("customer already linked to another user")
	case err != nil:
		log.Error().Err(err).Int64("user_id", user.ID).Str("customer_id", customer.ID).Msg("failed to persist customer link")
	default:
		log.Info().Int64("user_id", user.ID).Str("customer_id", customer.ID).Msg("backfilled customer link by email")
	}
	return customer.ID
}

func effectiveSubscription(cached *models.Subscription, state *polar.CustomerState) *models.EffectiveSubscription {
	if cached != nil {
		eff := &models.EffectiveSubscription{
			ID:        cached.SubscriptionID,
			Status:    cached.Status,
			ProductID: cached.ProductID,
		}
		if cached.IsRecurring() {
			recurring := true
			eff.ProductRecurring = &recurring
		}
		return eff
	}
	if state != nil && len(state.ActiveSubscriptions) > 0 {
		s := state.ActiveSubscriptions[0]
		return &models.EffectiveSubscription{ID: s.ID, Status: "active", ProductID: s.ProductID}
	}
	return nil
}

// findLifetimeOrder scans the customer's one-time orders for a settled
// lifetime purchase and returns its product id.
func (r *Resolver) findLifetimeOrder(ctx context.Context, customerID string) string {
	lifetimeConfigured := r.catalog.LifetimeConfigured()
	creditID := r.catalog.CreditProductID()

	for page := 1; page <= maxOrderPages; page++ {
		orders, err := r.api.ListOneTimeOrders(ctx, customerID, page)
		if err != nil {
			log.Error().Err(err).Str("customer_id", customerID).Int("page", page).Msg("failed to list orders page")
			continue
		}
		for _, o := range orders.Items {
			if !o.IsSettled() || !o.IsOneTime() {
				continue
			}
			if creditID != "" && o.ProductID == creditID {
				continue
			}
			if lifetimeConfigured {
				if !r.catalog.Classify(o.ProductID).IsLifetime() {
					continue
				}
			} else {
				log.Warn().Str("customer_id", customerID).Str("product_id", o.ProductID).
					Msg("no lifetime products configured; treating one-time order as lifetime")
			}
			return o.ProductID
		}
		if !orders.HasMore(page) {
			break
		}
	}
	return ""
}

func (r *Resolver) tierFor(productID string, entitled bool) models.Tier {
	if t := r.catalog.Classify(productID).Tier(); t != "" {
		return t
	}
	if entitled {
		return models.TierPlus
	}
	return models.TierFree
}
