// Package billing provides Stripe billing integration for subscription management.
package billing

import (
	"fmt"

	"github.com/stripe/stripe-go/v79"
	billingportalsession "github.com/stripe/stripe-go/v79/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/DukeRupert/fortuna/internal/domain"
)

// Billing intervals accepted at checkout.
const (
	IntervalMonthly = "monthly"
	IntervalYearly  = "yearly"
)

// MetadataUserID is the metadata key carrying the fortuna user id on Stripe
// checkout sessions and subscriptions.
const MetadataUserID = "user_id"

// Service defines the interface for billing operations.
type Service interface {
	// CreateCheckoutSession creates a Stripe Checkout session for subscribing.
	// Returns the checkout URL to redirect the user to.
	CreateCheckoutSession(params CheckoutParams) (string, error)

	// CreatePortalSession creates a Stripe Customer Portal session.
	// Returns the portal URL to redirect the user to.
	CreatePortalSession(customerID, returnURL string) (string, error)

	// VerifyWebhookSignature verifies the Stripe webhook signature and returns the event.
	VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error)

	// TierForSubscription returns the tier a subscription entitles its
	// customer to. Inactive subscriptions and unknown prices map to free.
	TierForSubscription(sub *stripe.Subscription) domain.Tier
}

// CheckoutParams describes a subscription purchase.
type CheckoutParams struct {
	UserID     string
	CustomerID string // Existing Stripe customer, if any
	Tier       domain.Tier
	Interval   string
	SuccessURL string
	CancelURL  string
}

// PriceConfig holds the Stripe price IDs for each paid plan.
type PriceConfig struct {
	BasicMonthlyPriceID   string
	BasicYearlyPriceID    string
	PremiumMonthlyPriceID string
	PremiumYearlyPriceID  string
}

// PriceID returns the configured price for a paid tier and interval.
func (p PriceConfig) PriceID(tier domain.Tier, interval string) (string, error) {
	var id string
	switch {
	case tier == domain.TierBasic && interval == IntervalMonthly:
		id = p.BasicMonthlyPriceID
	case tier == domain.TierBasic && interval == IntervalYearly:
		id = p.BasicYearlyPriceID
	case tier == domain.TierPremium && interval == IntervalMonthly:
		id = p.PremiumMonthlyPriceID
	case tier == domain.TierPremium && interval == IntervalYearly:
		id = p.PremiumYearlyPriceID
	default:
		return "", fmt.Errorf("no %s plan for tier %q", interval, tier)
	}
	if id == "" {
		return "", fmt.Errorf("price for %s %s is not configured", tier, interval)
	}
	return id, nil
}

func (p PriceConfig) tiers() map[string]domain.Tier {
	m := make(map[string]domain.Tier)
	for id, tier := range map[string]domain.Tier{
		p.BasicMonthlyPriceID:   domain.TierBasic,
		p.BasicYearlyPriceID:    domain.TierBasic,
		p.PremiumMonthlyPriceID: domain.TierPremium,
		p.PremiumYearlyPriceID:  domain.TierPremium,
	} {
		if id != "" {
			m[id] = tier
		}
	}
	return m
}

// stripeService is the concrete implementation of Service.
type stripeService struct {
	webhookSecret string
	prices        PriceConfig
	priceToTier   map[string]domain.Tier
}

// NewStripeService creates a new Stripe billing service.
//
// The secretKey is used to authenticate Stripe API calls.
// The webhookSecret is used to verify incoming webhook signatures.
// The prices configure which Stripe price IDs map to which tiers.
func NewStripeService(secretKey, webhookSecret string, prices PriceConfig) Service {
	stripe.Key = secretKey

	return &stripeService{
		webhookSecret: webhookSecret,
		prices:        prices,
		priceToTier:   prices.tiers(),
	}
}

func (s *stripeService) CreateCheckoutSession(p CheckoutParams) (string, error) {
	priceID, err := s.prices.PriceID(p.Tier, p.Interval)
	if err != nil {
		return "", err
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripe.String(p.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{MetadataUserID: p.UserID},
		},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
	}
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}
	params.AddMetadata(MetadataUserID, p.UserID)

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create checkout session: %w", err)
	}
	return sess.URL, nil
}

func (s *stripeService) CreatePortalSession(customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	sess, err := billingportalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create portal session: %w", err)
	}
	return sess.URL, nil
}

func (s *stripeService) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("stripe webhook signature verification failed: %w", err)
	}
	return event, nil
}

func (s *stripeService) TierForSubscription(sub *stripe.Subscription) domain.Tier {
	return TierForSubscription(sub, s.priceToTier)
}

// TierForSubscription maps a subscription to a tier using priceToTier. A
// subscription that is not active, trialing or past due grants free.
func TierForSubscription(sub *stripe.Subscription, priceToTier map[string]domain.Tier) domain.Tier {
	if sub == nil {
		return domain.TierFree
	}

	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing, stripe.SubscriptionStatusPastDue:
	default:
		return domain.TierFree
	}

	if sub.Items == nil {
		return domain.TierFree
	}
	best := domain.TierFree
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		switch priceToTier[item.Price.ID] {
		case domain.TierPremium:
			return domain.TierPremium
		case domain.TierBasic:
			best = domain.TierBasic
		}
	}
	return best
}
