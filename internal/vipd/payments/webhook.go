package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	vperrors "github.com/lunarhq/vipd/internal/errors"
	"github.com/lunarhq/vipd/internal/vipd/vpmetrics"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// errMissingRef marks a checkout event that carries no session id.
var errMissingRef = errors.New("missing payment reference")

// Finalizer applies a gateway outcome to the transaction with the given reference.
type Finalizer interface {
	Finalize(ctx context.Context, paymentRef string, outcome Outcome) error
}

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	secret    string
	finalizer Finalizer
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, finalizer Finalizer) *WebhookHandler {
	return &WebhookHandler{
		secret:    secret,
		finalizer: finalizer,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		vpmetrics.WebhookRequestsTotal.WithLabelValues("stripe", eventType, strconv.Itoa(status)).Inc()
		vpmetrics.WebhookDuration.WithLabelValues("stripe").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	err = h.handleEvent(r.Context(), &event)
	switch {
	case err == nil:
		status = http.StatusOK
		writeJSON(w, status, webhookReceivedResponse{Received: true})
	case errors.Is(err, errMissingRef):
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing payment reference"})
	case errors.Is(err, vperrors.ErrTransactionNotFound):
		// Replays for sessions this instance never recorded are not retryable.
		log.Warn().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook references unknown transaction")
		status = http.StatusNotFound
		writeJSON(w, status, webhookErrorResponse{Error: "transaction not found"})
	default:
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
	}
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripelib.Event) error {
	var outcome Outcome
	switch event.Type {
	case "checkout.session.completed":
		outcome = OutcomeSucceeded
	case "checkout.session.async_payment_succeeded":
		outcome = OutcomeSucceeded
	case "checkout.session.async_payment_failed":
		outcome = OutcomeFailed
	case "checkout.session.expired":
		outcome = OutcomeExpired
	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}

	var session CheckoutSessionEvent
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("decode checkout.session: %w", err)
	}
	ref := strings.TrimSpace(session.ID)
	if ref == "" {
		return errMissingRef
	}

	// Delayed payment methods report completion before the money arrives.
	if event.Type == "checkout.session.completed" && session.PaymentStatus == "unpaid" {
		log.Info().
			Str("event_id", event.ID).
			Str("payment_ref", ref).
			Msg("Checkout completed with payment pending, awaiting async result")
		return nil
	}

	return h.finalizer.Finalize(ctx, ref, outcome)
}

// CheckoutSessionEvent is a minimal representation of a Stripe checkout.session object.
type CheckoutSessionEvent struct {
	ID                string            `json:"id"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("payments: encode webhook response")
	}
}
