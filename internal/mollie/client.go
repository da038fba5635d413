// Package mollie wraps the Mollie payment flow for credit top-ups.
// Top-ups are single one-off payments; Mollie webhooks carry only a
// payment id, so handlers re-fetch the payment to learn its status.
package mollie

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"inkwell/bursar/pkg/logging"
	"inkwell/bursar/pkg/models"

	"github.com/VictorAvelar/mollie-api-go/v4/mollie"
)

// Client wraps Mollie API operations for credit top-up payments.
type Client struct {
	client        *mollie.Client
	webhookSecret string // For webhook signature verification (if enabled)
	logger        logging.Logger
}

// Config for creating a new Mollie client
type Config struct {
	APIKey        string // MOLLIE_API_KEY (live_xxx or test_xxx)
	WebhookSecret string // Optional: for webhook signature verification
	Logger        logging.Logger
}

// NewClient creates a new Mollie client
func NewClient(config Config) (*Client, error) {
	mollieConfig := mollie.NewAPITestingConfig(true) // Use testing mode for test keys
	if len(config.APIKey) > 5 && config.APIKey[:5] == "live_" {
		mollieConfig = mollie.NewAPIConfig(true) // Use live mode for live keys
	}

	client, err := mollie.NewClient(nil, mollieConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Mollie client: %w", err)
	}

	// Set API key
	if err := client.WithAuthenticationValue(config.APIKey); err != nil {
		return nil, fmt.Errorf("failed to set Mollie API key: %w", err)
	}

	return &Client{
		client:        client,
		webhookSecret: config.WebhookSecret,
		logger:        config.Logger,
	}, nil
}

// HasWebhookSecret returns true when webhook signature verification is configured.
func (c *Client) HasWebhookSecret() bool {
	return c.webhookSecret != ""
}

// CreatePayment creates a one-off payment for a credit top-up order. The
// order id and user id travel in the payment metadata so the webhook can
// settle the right order after re-fetching the payment.
func (c *Client) CreatePayment(ctx context.Context, order *models.PaymentOrder, redirectURL, webhookURL string) (*mollie.Payment, error) {
	paymentParams := mollie.CreatePayment{
		Amount:      AmountFromCents(order.AmountCents, order.Currency),
		Description: fmt.Sprintf("Inkwell credits: %d", order.Credits),
		RedirectURL: redirectURL,
		WebhookURL:  webhookURL,
		Metadata: map[string]interface{}{
			"order_id": order.ID,
			"user_id":  order.UserID,
			"credits":  fmt.Sprintf("%d", order.Credits),
		},
	}

	_, payment, err := c.client.Payments.Create(ctx, paymentParams, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Mollie payment: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"payment_id": payment.ID,
		"order_id":   order.ID,
		"user_id":    order.UserID,
		"credits":    order.Credits,
	}).Info("Created Mollie payment")

	return payment, nil
}

// GetPayment retrieves a payment by ID
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*mollie.Payment, error) {
	_, payment, err := c.client.Payments.Get(ctx, paymentID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get Mollie payment: %w", err)
	}
	return payment, nil
}

// CheckoutURL extracts the hosted checkout URL from a created payment.
func CheckoutURL(payment *mollie.Payment) string {
	if payment == nil || payment.Links.Checkout == nil {
		return ""
	}
	return payment.Links.Checkout.Href
}

// MetadataString reads a string field from a payment's metadata. Mollie
// round-trips metadata as arbitrary JSON, so the decoded value is an
// interface map.
func MetadataString(metadata interface{}, key string) string {
	m, ok := metadata.(map[string]interface{})
	if !ok {
		return ""
	}
	value, _ := m[key].(string)
	return value
}

// VerifyWebhook verifies the webhook signature (if webhook secret is configured)
// Mollie doesn't sign webhooks by default - they recommend IP allowlisting or
// fetching the payment from their API to verify authenticity. This method
// provides optional HMAC verification if configured.
func (c *Client) VerifyWebhook(payload []byte, signature string) bool {
	if c.webhookSecret == "" {
		// No secret configured, skip verification
		// Caller should verify by fetching from Mollie API
		return true
	}

	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// AmountFromCents converts an integer cent amount to Mollie's decimal
// string representation.
func AmountFromCents(cents int64, currency string) *mollie.Amount {
	return &mollie.Amount{
		Value:    fmt.Sprintf("%.2f", float64(cents)/100.0),
		Currency: currency,
	}
}
