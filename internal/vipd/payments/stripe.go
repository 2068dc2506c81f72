package payments

import (
	"context"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
)

// StripeConfig configures hosted checkout.
type StripeConfig struct {
	APIKey     string
	Currency   string
	SuccessURL string
	CancelURL  string
}

// StripeGateway creates one-off payment checkout sessions on Stripe.
type StripeGateway struct {
	cfg                   StripeConfig
	createCheckoutSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	expireCheckoutSession func(id string, params *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error)
}

// NewStripeGateway creates a Stripe-backed Gateway.
func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	if strings.TrimSpace(cfg.Currency) == "" {
		cfg.Currency = "brl"
	}
	stripe.Key = strings.TrimSpace(cfg.APIKey)
	return &StripeGateway{
		cfg:                   cfg,
		createCheckoutSession: stripesession.New,
		expireCheckoutSession: stripesession.Expire,
	}
}

// CreateCheckoutSession opens a single-item payment checkout for req.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Description)
	if name == "" {
		name = req.Kind
	}

	metadata := map[string]string{
		"user_id": req.UserID,
		"kind":    req.Kind,
	}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		SuccessURL:         stripe.String(g.cfg.SuccessURL),
		CancelURL:          stripe.String(g.cfg.CancelURL),
		ClientReferenceID:  stripe.String(req.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(g.cfg.Currency)),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(name),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: metadata,
	}

	session, err := g.createCheckoutSession(params)
	if err != nil {
		return nil, fmt.Errorf("create stripe checkout session: %w", err)
	}
	if session == nil || strings.TrimSpace(session.ID) == "" || strings.TrimSpace(session.URL) == "" {
		return nil, fmt.Errorf("create stripe checkout session: empty session returned")
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// ExpireCheckoutSession cancels an open checkout so it can no longer be paid.
func (g *StripeGateway) ExpireCheckoutSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := g.expireCheckoutSession(id, &stripe.CheckoutSessionExpireParams{}); err != nil {
		return fmt.Errorf("expire stripe checkout session %s: %w", id, err)
	}
	return nil
}
