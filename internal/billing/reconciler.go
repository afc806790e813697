package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/PortNumber53/billing-reconciler/internal/email"
	"github.com/PortNumber53/billing-reconciler/internal/metrics"
	"github.com/PortNumber53/billing-reconciler/internal/models"
	"github.com/PortNumber53/billing-reconciler/internal/store"
	"github.com/PortNumber53/billing-reconciler/internal/webhook"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Mailer queues transactional emails for asynchronous delivery.
type Mailer interface {
	QueuePurchaseEmail(ctx context.Context, to string, kind email.Type, data email.Data) error
}

// ReconcilerStore is the local state touched by webhook events.
type ReconcilerStore interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpsertSubscription(ctx context.Context, sub *models.Subscription) error
	UpsertCustomerLink(ctx context.Context, userID int64, customerID string) error
	ClaimOrderEffects(ctx context.Context, orderID string) (bool, error)
}

// OrderLedger applies order-level effects exactly once per order id.
type OrderLedger interface {
	ApplyOrder(ctx context.Context, order models.ProcessedOrder) (bool, error)
}

// CheckoutMarker moves pending checkouts to a terminal state.
type CheckoutMarker interface {
	MarkPaid(ctx context.Context, checkoutID, orderID string) (store.Transition, error)
	MarkFailed(ctx context.Context, checkoutID string) (store.Transition, error)
}

// CustomerCanceller revokes a customer's recurring subscriptions.
type CustomerCanceller interface {
	CancelAllForCustomer(ctx context.Context, customerID string) CancelResult
}

// Reconciler applies verified webhook events to local state.
//
// Deliveries are at-least-once and may arrive in any order. Every credit
// grant, cancellation and purchase email hangs off the processed-order
// ledger, so a redelivered order changes nothing. Side effects other than
// the ledger itself are best effort: their failures are logged and the
// event is still acknowledged.
type Reconciler struct {
	store     ReconcilerStore
	ledger    OrderLedger
	checkouts CheckoutMarker
	canceller CustomerCanceller
	mailer    Mailer
	catalog   Catalog
	now       func() time.Time
}

// ReconcilerDeps groups the collaborators of a Reconciler.
type ReconcilerDeps struct {
	Store     ReconcilerStore
	Ledger    OrderLedger
	Checkouts CheckoutMarker
	Canceller CustomerCanceller
	Mailer    Mailer
	Catalog   Catalog
}

func NewReconciler(deps ReconcilerDeps) *Reconciler {
	return &Reconciler{
		store:     deps.Store,
		ledger:    deps.Ledger,
		checkouts: deps.Checkouts,
		canceller: deps.Canceller,
		mailer:    deps.Mailer,
		catalog:   deps.Catalog,
		now:       time.Now,
	}
}

// HandleEvent applies ev. A returned error means the delivery should be
// retried by the provider.
func (r *Reconciler) HandleEvent(ctx context.Context, ev *webhook.Event) error {
	switch {
	case ev.Kind == webhook.KindOrderPaid:
		order, err := ev.Order()
		if err != nil {
			return err
		}
		return r.handleOrderPaid(ctx, order)

	case ev.Kind.IsSubscription():
		sub, err := ev.Subscription()
		if err != nil {
			return err
		}
		return r.handleSubscription(ctx, ev.Kind, sub)

	case ev.Kind == webhook.KindCheckoutUpdated:
		co, err := ev.Checkout()
		if err != nil {
			return err
		}
		if !co.Failed() || co.ID == "" {
			return nil
		}
		if _, err := r.checkouts.MarkFailed(ctx, co.ID); err != nil {
			log.Error().Err(err).Str("checkout_id", co.ID).Str("status", co.Status).Msg("failed to mark checkout failed")
		}
		return nil

	default:
		log.Info().Str("event_type", ev.Type).Msg("ignoring webhook event")
		return nil
	}
}

type grantPlan struct {
	kind    ProductKind
	email   email.Type
	credits int64
}

func (r *Reconciler) planOrder(order *webhook.Order) grantPlan {
	kind := r.catalog.Classify(order.ProductID)
	p := grantPlan{kind: kind, email: kind.EmailType()}
	switch {
	case kind.IsLifetime():
		p.credits = LifetimeBonusCredits
	case kind == ProductCredit100:
		p.credits = order.MetadataCredits()
		if p.credits == 0 {
			p.credits = CreditBundleFallback
		}
	}
	return p
}

func (r *Reconciler) handleOrderPaid(ctx context.Context, order *webhook.Order) error {
	customerID := order.CustomerRef()
	checkoutID := order.CheckoutRef()
	purchaser := order.Email()
	logger := log.With().
		Str("event_type", "order.paid").
		Str("order_id", order.ID).
		Str("checkout_id", checkoutID).
		Str("customer_id", customerID).
		Str("product_id", order.ProductID).
		Logger()

	if checkoutID != "" && order.ID != "" {
		if _, err := r.checkouts.MarkPaid(ctx, checkoutID, order.ID); err != nil {
			logger.Error().Err(err).Msg("failed to mark checkout paid")
		}
	}

	plan := r.planOrder(order)
	logger.Info().Str("product_kind", plan.kind.String()).Int64("credits", plan.credits).Msg("order paid")

	user, err := r.store.GetUserByEmail(ctx, purchaser)
	if err != nil {
		return fmt.Errorf("billing: look up purchaser: %w", err)
	}

	duplicate := false
	switch {
	case user == nil:
		logger.Warn().Msg("no user matches purchaser email; skipping credit grant")
	case order.ID == "":
		logger.Warn().Int64("user_id", user.ID).Msg("order id missing; skipping credit grant")
	default:
		applied, err := r.ledger.ApplyOrder(ctx, models.ProcessedOrder{
			OrderID:      order.ID,
			EventType:    "order.paid",
			ProductID:    order.ProductID,
			UserID:       &user.ID,
			CreditsAdded: plan.credits,
		})
		if err != nil {
			return err
		}
		duplicate = !applied
		r.recordGrant(logger, applied, "order.paid", user.ID, plan.credits)

		if customerID != "" {
			if err := r.store.UpsertCustomerLink(ctx, user.ID, customerID); err != nil {
				logger.Warn().Err(err).Int64("user_id", user.ID).Msg("failed to link customer")
			}
		}
	}

	if duplicate {
		return nil
	}
	if order.ID != "" {
		first, err := r.store.ClaimOrderEffects(ctx, order.ID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to claim order side effects; skipping them")
			return nil
		}
		if !first {
			logger.Info().Msg("order side effects already ran; skipping")
			return nil
		}
	}

	if plan.kind.IsLifetime() && customerID != "" {
		res := r.canceller.CancelAllForCustomer(ctx, customerID)
		logger.Info().Int("cancelled", res.Cancelled).Strs("errors", res.Errors).Msg("cancelled recurring subscriptions after lifetime purchase")
	}

	if purchaser == "" {
		logger.Warn().Msg("no purchaser email; skipping confirmation email")
		return nil
	}
	data := email.Data{
		UserName:    order.Name(),
		ProductName: order.ProductName(),
		Amount:      order.AmountString(),
		Currency:    order.CurrencyCode(),
		OrderID:     order.ID,
		Credits:     plan.credits,
		BundleName:  order.BundleName(),
		Date:        r.now(),
	}
	if err := r.mailer.QueuePurchaseEmail(ctx, purchaser, plan.email, data); err != nil {
		logger.Error().Err(err).Msg("failed to queue purchase email")
	}
	return nil
}

func (r *Reconciler) handleSubscription(ctx context.Context, kind webhook.Kind, sub *webhook.Subscription) error {
	customerID := sub.CustomerRef()
	logger := log.With().
		Str("event_type", kind.String()).
		Str("subscription_id", sub.ID).
		Str("customer_id", customerID).
		Str("status", sub.Status).
		Logger()

	user, err := r.store.GetUserByEmail(ctx, sub.Email())
	if err != nil {
		return fmt.Errorf("billing: look up subscriber: %w", err)
	}

	cached := &models.Subscription{
		SubscriptionID:    sub.ID,
		CustomerID:        customerID,
		ProductID:         sub.ProductID,
		Status:            sub.Status,
		RecurringInterval: sub.RecurringInterval,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
	}
	if user != nil {
		cached.UserID = &user.ID
	}
	if sub.ID != "" {
		if err := r.store.UpsertSubscription(ctx, cached); err != nil {
			logger.Error().Err(err).Msg("failed to sync subscription cache")
		}
	}

	switch kind {
	case webhook.KindSubscriptionCreated:
		return r.handleSubscriptionCreated(ctx, logger, sub, user)
	case webhook.KindSubscriptionUpdated:
		ev := logger.Info().Bool("cancel_at_period_end", sub.CancelAtPeriodEnd)
		if sub.CancellationReason != "" {
			ev = ev.Str("cancellation_reason", sub.CancellationReason)
		}
		if sub.CancellationComment != "" {
			ev = ev.Str("cancellation_comment", sub.CancellationComment)
		}
		ev.Msg("subscription updated")
	default:
		logger.Info().Msg("subscription event synced")
	}
	return nil
}

func (r *Reconciler) handleSubscriptionCreated(ctx context.Context, logger zerolog.Logger, sub *webhook.Subscription, user *models.User) error {
	logger.Info().Str("product_tier", string(r.catalog.Classify(sub.ProductID).Tier())).Msg("subscription created")

	if !sub.IsActive() {
		logger.Info().Msg("subscription not active yet; no bonus")
		return nil
	}
	if sub.ID == "" {
		logger.Warn().Msg("subscription id missing; skipping bonus")
		return nil
	}
	ledgerID := "sub_" + sub.ID

	if sub.CheckoutID != "" {
		if _, err := r.checkouts.MarkPaid(ctx, sub.CheckoutID, ledgerID); err != nil {
			logger.Error().Err(err).Str("checkout_id", sub.CheckoutID).Msg("failed to mark checkout paid")
		}
	}

	if user == nil {
		logger.Warn().Msg("no user matches subscriber email; skipping bonus")
		return nil
	}
	applied, err := r.ledger.ApplyOrder(ctx, models.ProcessedOrder{
		OrderID:      ledgerID,
		EventType:    "subscription.created",
		ProductID:    sub.ProductID,
		UserID:       &user.ID,
		CreditsAdded: SubscriptionBonusCredits,
	})
	if err != nil {
		return err
	}
	r.recordGrant(logger, applied, "subscription.created", user.ID, SubscriptionBonusCredits)

	if customerID := sub.CustomerRef(); customerID != "" {
		if err := r.store.UpsertCustomerLink(ctx, user.ID, customerID); err != nil {
			logger.Warn().Err(err).Int64("user_id", user.ID).Msg("failed to link customer")
		}
	}
	return nil
}

func (r *Reconciler) recordGrant(logger zerolog.Logger, applied bool, source string, userID, credits int64) {
	if !applied {
		metrics.DuplicateOrdersTotal.Inc()
		logger.Info().Int64("user_id", userID).Msg("order already processed; skipping")
		return
	}
	if credits > 0 {
		metrics.CreditGrantsTotal.WithLabelValues(source).Inc()
	}
	logger.Info().Int64("user_id", userID).Int64("credits", credits).Msg("order recorded")
}
