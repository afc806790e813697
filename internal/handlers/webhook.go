package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/billing-reconciler/internal/metrics"
	"github.com/PortNumber53/billing-reconciler/internal/webhook"
)

const maxWebhookBody = 1 << 20

// SignatureVerifier authenticates a webhook delivery.
type SignatureVerifier interface {
	Verify(h webhook.Headers, body []byte) error
}

// EventHandler applies a verified billing event.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *webhook.Event) error
}

// BillingWebhook receives signed billing provider deliveries. Bad signatures
// get an empty 403; failures while applying an event get a 500 so the
// provider redelivers.
func BillingWebhook(verifier SignatureVerifier, events EventHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		eventType := "unknown"
		status := "accepted"
		defer func() {
			metrics.WebhookRequestsTotal.WithLabelValues(eventType, status).Inc()
			metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		}()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = "too_large"
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				return
			}
			status = "error"
			log.Error().Err(err).Msg("webhook: failed to read body")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		headers := webhook.HeadersFrom(r.Header)
		if err := verifier.Verify(headers, body); err != nil {
			status = "invalid_signature"
			log.Warn().Str("webhook_id", headers.ID).Err(err).Msg("webhook: signature rejected")
			w.WriteHeader(http.StatusForbidden)
			return
		}

		ev, err := webhook.Parse(body)
		if err != nil {
			status = "error"
			log.Error().Str("webhook_id", headers.ID).Err(err).Msg("webhook: malformed event")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		eventType = ev.Kind.String()

		if err := events.HandleEvent(r.Context(), ev); err != nil {
			status = "error"
			log.Error().Str("webhook_id", headers.ID).Str("event_type", ev.Type).Err(err).Msg("webhook: failed to apply event")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]bool{"received": true})
	}
}
