package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"inkwell/bursar/internal/ledger"
	"inkwell/bursar/pkg/logging"
	"inkwell/bursar/pkg/models"
)

// HandleStripeWebhook processes Stripe checkout events. A completed
// session grants the order's credits; settlement is idempotent per order,
// so redelivered events ack without a second grant.
func HandleStripeWebhook(c *gin.Context) {
	if stripeClient == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stripe is not configured"})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		observeWebhook("stripe", "read_error")
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read payload"})
		return
	}

	event, err := stripeClient.VerifyAndParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		observeWebhook("stripe", "signature_failure")
		logger.WithError(err).Warn("Stripe webhook signature verification failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		sess, err := stripeClient.CheckoutSessionFromEvent(event)
		if err != nil {
			observeWebhook("stripe", "decode_error")
			logger.WithError(err).WithField("event_id", event.ID).Error("Failed to decode checkout session")
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
			return
		}
		if !settleTopUp(c, "stripe", sess.ID) {
			return
		}

	case "checkout.session.expired":
		sess, err := stripeClient.CheckoutSessionFromEvent(event)
		if err != nil {
			observeWebhook("stripe", "decode_error")
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
			return
		}
		if !markOrder(c, "stripe", sess.ID, models.OrderExpired) {
			return
		}

	default:
		observeWebhook("stripe", "ignored")
		logger.WithField("event_type", event.Type).Debug("Ignoring Stripe event")
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// HandleMollieWebhook processes Mollie payment callbacks. Mollie posts
// only a payment id; the payment is re-fetched from the API, which is
// also what authenticates the callback.
func HandleMollieWebhook(c *gin.Context) {
	if mollieClient == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mollie is not configured"})
		return
	}

	paymentID := c.PostForm("id")
	if paymentID == "" {
		observeWebhook("mollie", "missing_id")
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing payment id"})
		return
	}

	payment, err := mollieClient.GetPayment(c.Request.Context(), paymentID)
	if err != nil {
		observeWebhook("mollie", "fetch_error")
		logger.WithError(err).WithField("payment_id", paymentID).Error("Failed to fetch Mollie payment")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch payment"})
		return
	}

	switch strings.ToLower(payment.Status) {
	case "paid":
		if !settleTopUp(c, "mollie", payment.ID) {
			return
		}
	case "failed", "canceled":
		if !markOrder(c, "mollie", payment.ID, models.OrderFailed) {
			return
		}
	case "expired":
		if !markOrder(c, "mollie", payment.ID, models.OrderExpired) {
			return
		}
	default:
		// open and pending are interim states, paid follows later
		observeWebhook("mollie", "ignored")
		logger.WithFields(logging.Fields{
			"payment_id": paymentID,
			"status":     payment.Status,
		}).Debug("Ignoring interim Mollie payment status")
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// settleTopUp grants the order's credits exactly once. An unknown order is
// acked so the provider stops retrying; a ledger failure is not, so the
// retry can settle it later. Returns false when a response was written.
func settleTopUp(c *gin.Context, provider, providerRef string) bool {
	grant, applied, err := store.SettleTopUp(c.Request.Context(), providerRef)
	if err != nil {
		if ledger.IsNotFound(err) {
			observeWebhook(provider, "unknown_order")
			logger.WithFields(logging.Fields{
				"provider":     provider,
				"provider_ref": providerRef,
			}).Warn("Webhook for unknown payment order")
			return true
		}
		observeWebhook(provider, "error")
		logger.WithError(err).WithField("provider_ref", providerRef).Error("Top-up settlement failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement failed"})
		return false
	}

	if !applied {
		observeWebhook(provider, "duplicate")
		logger.WithFields(logging.Fields{
			"provider":     provider,
			"provider_ref": providerRef,
		}).Info("Top-up already settled, acking replay")
		return true
	}

	observeWebhook(provider, "settled")
	fields := logging.Fields{
		"provider":     provider,
		"provider_ref": providerRef,
	}
	if grant != nil {
		fields["txn_id"] = grant.ID
		fields["user_id"] = grant.UserID
		fields["credits"] = grant.Amount
	}
	logger.WithFields(fields).Info("Top-up settled")
	return true
}

// markOrder moves an order to a terminal failed or expired state. Paid
// orders are never downgraded; unknown orders are acked.
func markOrder(c *gin.Context, provider, providerRef string, status models.PaymentOrderStatus) bool {
	err := store.MarkPaymentOrderStatus(c.Request.Context(), providerRef, status)
	if err != nil {
		if ledger.IsNotFound(err) {
			observeWebhook(provider, "unknown_order")
			return true
		}
		observeWebhook(provider, "error")
		logger.WithError(err).WithField("provider_ref", providerRef).Error("Order status update failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status update failed"})
		return false
	}

	observeWebhook(provider, string(status))
	logger.WithFields(logging.Fields{
		"provider":     provider,
		"provider_ref": providerRef,
		"status":       status,
	}).Info("Top-up order closed without payment")
	return true
}
