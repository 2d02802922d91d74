// This file implements the Stripe webhook handler, the only writer of a
// user's subscription tier.
//
// Route:
//   - POST /webhooks/stripe -> HandleStripeWebhook
//
// This route is PUBLIC (no auth middleware) because Stripe calls it directly.
// Authentication is via the Stripe webhook signature verification.

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v79"

	"github.com/DukeRupert/fortuna/internal/billing"
	"github.com/DukeRupert/fortuna/internal/domain"
	"github.com/DukeRupert/fortuna/internal/metrics"
	"github.com/DukeRupert/fortuna/internal/usage"
)

// maxWebhookBytes bounds a webhook payload.
const maxWebhookBytes = 64 << 10

// errUnknownCustomer marks events for customers not linked to any user.
var errUnknownCustomer = errors.New("no user linked to stripe customer")

// WebhookHandler handles incoming webhook events from Stripe.
type WebhookHandler struct {
	billing billing.Service
	store   usage.Store
	logger  *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
// billingService may be nil when Stripe is not configured.
func NewWebhookHandler(billingService billing.Service, store usage.Store, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		billing: billingService,
		store:   store,
		logger:  logger,
	}
}

// RegisterRoutes registers webhook routes on the provided mux.
// These routes are public; Stripe authenticates with the signature header.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/stripe", h.HandleStripeWebhook)
}

// HandleStripeWebhook processes incoming Stripe webhook events.
//
// Store failures answer 500 so Stripe redelivers the event; malformed or
// irrelevant events are acknowledged so they are not retried.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.billing == nil {
		h.logger.Warn("stripe webhook received but billing is not configured")
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	event, err := h.billing.VerifyWebhookSignature(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.logger.Info("stripe webhook received", "type", event.Type, "id", event.ID)

	ctx := r.Context()
	switch event.Type {
	case "checkout.session.completed":
		err = h.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		err = h.handleSubscriptionChanged(ctx, event)
	case "customer.subscription.deleted":
		err = h.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_failed":
		h.handlePaymentFailed(event)
	default:
		h.logger.Debug("unhandled webhook event type", "type", event.Type)
		w.WriteHeader(http.StatusOK)
		return
	}

	switch {
	case err == nil:
		metrics.SubscriptionEvents.WithLabelValues(string(event.Type)).Inc()
	case errors.Is(err, errUnknownCustomer):
		h.logger.Warn("ignoring event for unknown customer", "type", event.Type, "id", event.ID)
	default:
		h.logger.Error("failed to process webhook event", "type", event.Type, "id", event.ID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleCheckoutCompleted links the new Stripe customer to the user named by
// the session's client reference.
func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		h.logger.Error("failed to parse checkout session", "error", err)
		return nil
	}

	userID := session.ClientReferenceID
	if userID == "" {
		userID = session.Metadata[billing.MetadataUserID]
	}
	if userID == "" || session.Customer == nil {
		h.logger.Warn("checkout session missing user or customer", "session_id", session.ID)
		return nil
	}

	if err := h.store.LinkCustomer(ctx, userID, session.Customer.ID); err != nil {
		return err
	}

	h.logger.Info("stripe customer linked", "user_id", userID, "customer_id", session.Customer.ID)
	return nil
}

// handleSubscriptionChanged sets the tier granted by the subscription's price
// and status.
func (h *WebhookHandler) handleSubscriptionChanged(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		h.logger.Error("failed to parse subscription event", "error", err, "type", event.Type)
		return nil
	}

	userID, err := h.subscriptionOwner(ctx, &sub)
	if err != nil {
		return err
	}

	tier := h.billing.TierForSubscription(&sub)
	subscriptionID := sub.ID
	if tier == domain.TierFree {
		subscriptionID = ""
	}

	if err := h.store.SetTier(ctx, userID, tier, subscriptionID); err != nil {
		return err
	}

	h.logger.Info("subscription tier updated",
		"user_id", userID, "status", sub.Status, "tier", tier, "subscription_id", sub.ID)
	return nil
}

func (h *WebhookHandler) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		h.logger.Error("failed to parse subscription deleted event", "error", err)
		return nil
	}

	userID, err := h.subscriptionOwner(ctx, &sub)
	if err != nil {
		return err
	}

	if err := h.store.SetTier(ctx, userID, domain.TierFree, ""); err != nil {
		return err
	}

	h.logger.Info("subscription deleted", "user_id", userID, "subscription_id", sub.ID)
	return nil
}

// handlePaymentFailed only logs: Stripe follows up with a subscription update
// carrying the past_due or unpaid status.
func (h *WebhookHandler) handlePaymentFailed(event stripe.Event) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		h.logger.Error("failed to parse invoice payment failed event", "error", err)
		return
	}

	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}
	h.logger.Warn("payment failed", "customer_id", customerID, "invoice_id", invoice.ID)
}

// subscriptionOwner resolves the user of a subscription from its metadata,
// falling back to the linked customer. A metadata match also links the
// customer, since subscription events may arrive before checkout completion.
func (h *WebhookHandler) subscriptionOwner(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if sub.Customer == nil {
		h.logger.Warn("subscription event missing customer", "subscription_id", sub.ID)
		return "", errUnknownCustomer
	}

	if userID := sub.Metadata[billing.MetadataUserID]; userID != "" {
		if err := h.store.LinkCustomer(ctx, userID, sub.Customer.ID); err != nil {
			return "", err
		}
		return userID, nil
	}

	rec, err := h.store.FindByCustomerID(ctx, sub.Customer.ID)
	if usage.IsNotFound(err) {
		return "", errUnknownCustomer
	}
	if err != nil {
		return "", err
	}
	return rec.UserID, nil
}
