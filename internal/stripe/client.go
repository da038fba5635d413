// Package stripe wraps the Stripe checkout flow for credit top-ups.
// Orders are one-time payments; there are no subscriptions or saved
// customers, so every checkout session carries the order id in its
// metadata and the webhook resolves back to the order from there.
package stripe

import (
	"context"
	"fmt"

	"inkwell/bursar/pkg/logging"
	"inkwell/bursar/pkg/models"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Client wraps Stripe API operations for credit top-up checkouts.
type Client struct {
	secretKey     string
	webhookSecret string
	logger        logging.Logger
}

// Config for creating a new Stripe client
type Config struct {
	SecretKey     string // STRIPE_SECRET_KEY
	WebhookSecret string // STRIPE_WEBHOOK_SECRET
	Logger        logging.Logger
}

// NewClient creates a new Stripe client
func NewClient(config Config) *Client {
	// Set the global API key for the stripe-go library
	stripe.Key = config.SecretKey

	return &Client{
		secretKey:     config.SecretKey,
		webhookSecret: config.WebhookSecret,
		logger:        config.Logger,
	}
}

// CreateCheckoutSession creates a one-time payment Checkout Session for a
// credit top-up order. The order id and user id travel in the session
// metadata so the completion webhook can settle the right order.
func (c *Client) CreateCheckoutSession(ctx context.Context, order *models.PaymentOrder, successURL, cancelURL string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(order.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String("Inkwell credits"),
						Description: stripe.String(fmt.Sprintf("%d writing credits", order.Credits)),
					},
					UnitAmount: stripe.Int64(order.AmountCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		Metadata: map[string]string{
			"order_id": order.ID,
			"user_id":  order.UserID,
			"credits":  fmt.Sprintf("%d", order.Credits),
		},
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"session_id": sess.ID,
		"order_id":   order.ID,
		"user_id":    order.UserID,
		"credits":    order.Credits,
	}).Info("Created Stripe checkout session")

	return sess, nil
}

// VerifyAndParseWebhook verifies the webhook signature and parses the event
func (c *Client) VerifyAndParseWebhook(payload []byte, signature string) (*stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, c.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("webhook signature verification failed: %w", err)
	}
	return &event, nil
}

// CheckoutSessionFromEvent extracts the checkout session from a webhook event
func (c *Client) CheckoutSessionFromEvent(event *stripe.Event) (*stripe.CheckoutSession, error) {
	switch event.Type {
	case "checkout.session.completed", "checkout.session.expired":
		var sess stripe.CheckoutSession
		if err := sess.UnmarshalJSON(event.Data.Raw); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkout session: %w", err)
		}
		return &sess, nil
	default:
		return nil, fmt.Errorf("event type %s does not contain checkout session data", event.Type)
	}
}
