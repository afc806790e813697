package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/billing-reconciler/internal/billing"
	"github.com/PortNumber53/billing-reconciler/internal/models"
)

// OrderLedgerReader looks up processed-order ledger entries.
type OrderLedgerReader interface {
	GetProcessedOrder(ctx context.Context, orderID string) (*models.ProcessedOrder, error)
}

// CustomerSubscriptionCanceller revokes a customer's other recurring subscriptions.
type CustomerSubscriptionCanceller interface {
	CancelOthersForCustomer(ctx context.Context, customerID, keepID string) billing.CancelResult
}

type cancelOthersRequest struct {
	KeepSubscriptionID string `json:"keep_subscription_id" validate:"required,max=100"`
}

// ProcessedOrder shows whether an order's webhook effects were applied.
func ProcessedOrder(ledger OrderLedgerReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID := strings.TrimSpace(chi.URLParam(r, "id"))
		if orderID == "" {
			writeError(w, http.StatusBadRequest, "order id is required")
			return
		}
		order, err := ledger.GetProcessedOrder(r.Context(), orderID)
		if err != nil {
			writeServiceError(w, r, "orders.get", err)
			return
		}
		if order == nil {
			writeError(w, http.StatusNotFound, "order not processed")
			return
		}
		writeJSON(w, http.StatusOK, order)
	}
}

// CancelOtherSubscriptions revokes every active recurring subscription of
// the {id} customer except the one named in the body.
func CancelOtherSubscriptions(canceller CustomerSubscriptionCanceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		customerID := strings.TrimSpace(chi.URLParam(r, "id"))
		if customerID == "" {
			writeError(w, http.StatusBadRequest, "customer id is required")
			return
		}
		var req cancelOthersRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		res := canceller.CancelOthersForCustomer(r.Context(), customerID, req.KeepSubscriptionID)
		if len(res.Errors) > 0 {
			log.Warn().Str("customer_id", customerID).Strs("errors", res.Errors).Msg("some subscriptions could not be cancelled")
		}
		writeJSON(w, http.StatusOK, res)
	}
}
