// This file implements the Stripe checkout and customer portal endpoints.
//
// Routes handled:
//   - POST /api/billing/checkout -> CreateCheckout
//   - POST /api/billing/portal   -> OpenPortal

package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/DukeRupert/fortuna/internal/billing"
	"github.com/DukeRupert/fortuna/internal/domain"
	"github.com/DukeRupert/fortuna/internal/usage"
)

// BillingHandler handles subscription purchase and management requests.
type BillingHandler struct {
	billing billing.Service
	store   usage.Store
	baseURL string
	logger  *slog.Logger
}

// NewBillingHandler creates a new BillingHandler.
// billingService may be nil when Stripe is not configured (development mode).
func NewBillingHandler(billingService billing.Service, store usage.Store, baseURL string, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{
		billing: billingService,
		store:   store,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// RegisterRoutes registers billing routes on the provided mux. wrap is applied
// to every route, e.g. for rate limiting.
func (h *BillingHandler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle("POST /api/billing/checkout", wrap(http.HandlerFunc(h.CreateCheckout)))
	mux.Handle("POST /api/billing/portal", wrap(http.HandlerFunc(h.OpenPortal)))
}

type checkoutRequest struct {
	UserID   string `json:"userId"`
	Plan     string `json:"plan"`
	Interval string `json:"interval"`
}

// URLResponse carries a Stripe-hosted page to redirect the user to.
type URLResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
}

// CreateCheckout starts a Stripe Checkout session for a paid plan.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	const op = "billing.checkout"

	if !h.enabled(w, r) {
		return
	}

	var req checkoutRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	userID, err := requireUserID(r, req.UserID, op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	tier := domain.Tier(req.Plan)
	if tier != domain.TierBasic && tier != domain.TierPremium {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "plan must be basic or premium"))
		return
	}
	if req.Interval == "" {
		req.Interval = billing.IntervalMonthly
	}
	if req.Interval != billing.IntervalMonthly && req.Interval != billing.IntervalYearly {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "interval must be monthly or yearly"))
		return
	}

	// Reuse the Stripe customer from an earlier purchase, if any.
	var customerID string
	rec, err := h.store.Get(r.Context(), userID)
	switch {
	case err == nil:
		customerID = rec.StripeCustomerID
	case !usage.IsNotFound(err):
		ErrorResponse(w, r, h.logger, domain.Unavailable(err, op, "failed to load billing account"))
		return
	}

	url, err := h.billing.CreateCheckoutSession(billing.CheckoutParams{
		UserID:     userID,
		CustomerID: customerID,
		Tier:       tier,
		Interval:   req.Interval,
		SuccessURL: h.baseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  h.baseURL + "/billing/cancel",
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Unavailable(err, op, "failed to start checkout"))
		return
	}

	h.logger.Info("checkout session created", "user_id", userID, "plan", tier, "interval", req.Interval)
	writeJSON(w, http.StatusOK, URLResponse{Success: true, URL: url})
}

// OpenPortal opens the Stripe customer portal for an existing customer.
func (h *BillingHandler) OpenPortal(w http.ResponseWriter, r *http.Request) {
	const op = "billing.portal"

	if !h.enabled(w, r) {
		return
	}

	var req userBody
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	userID, err := requireUserID(r, req.UserID, op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	rec, err := h.store.Get(r.Context(), userID)
	if err != nil && !usage.IsNotFound(err) {
		ErrorResponse(w, r, h.logger, domain.Unavailable(err, op, "failed to load billing account"))
		return
	}
	if rec == nil || rec.StripeCustomerID == "" {
		ErrorResponse(w, r, h.logger, domain.Errorf(domain.ENOTFOUND, op, "No billing account found. Subscribe to a plan first."))
		return
	}

	url, err := h.billing.CreatePortalSession(rec.StripeCustomerID, h.baseURL+"/")
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Unavailable(err, op, "failed to open billing portal"))
		return
	}

	writeJSON(w, http.StatusOK, URLResponse{Success: true, URL: url})
}

func (h *BillingHandler) enabled(w http.ResponseWriter, r *http.Request) bool {
	if h.billing == nil {
		ErrorResponse(w, r, h.logger, domain.Errorf(domain.ENOTIMPL, "billing", "Billing is not configured"))
		return false
	}
	return true
}
