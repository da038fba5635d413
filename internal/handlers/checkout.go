package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"inkwell/bursar/internal/mollie"
	bursarapi "inkwell/bursar/pkg/api/bursar"
	"inkwell/bursar/pkg/billing"
	"inkwell/bursar/pkg/config"
	"inkwell/bursar/pkg/ids"
	"inkwell/bursar/pkg/logging"
	"inkwell/bursar/pkg/models"
)

// CreateCheckout opens a top-up order and a hosted payment session for it.
// The credits are granted by the provider webhook once the payment
// settles, never here.
func CreateCheckout(c *gin.Context) {
	var req bursarapi.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if minCredits := billing.MinTopupCredits(); req.Credits < minCredits {
		badRequest(c, fmt.Sprintf("minimum top-up is %d credits", minCredits))
		return
	}

	userID := currentUserID(c)
	order := &models.PaymentOrder{
		ID:          ids.NewPaymentID(),
		UserID:      userID,
		Credits:     req.Credits,
		AmountCents: billing.TopupAmountCents(req.Credits),
		Currency:    billing.DefaultCurrency(),
		Status:      models.OrderOpen,
	}

	successURL := req.RedirectURL
	if successURL == "" {
		successURL = config.GetEnv("CHECKOUT_SUCCESS_URL", "")
	}
	cancelURL := config.GetEnv("CHECKOUT_CANCEL_URL", successURL)

	var checkoutURL string
	switch strings.ToLower(req.Provider) {
	case string(models.ProviderStripe):
		if stripeClient == nil {
			c.JSON(http.StatusServiceUnavailable, bursarapi.ErrorResponse{Error: "stripe is not configured"})
			return
		}
		order.Provider = models.ProviderStripe
		sess, err := stripeClient.CreateCheckoutSession(c.Request.Context(), order, successURL, cancelURL)
		if err != nil {
			logger.WithError(err).WithField("user_id", userID).Error("Stripe checkout session failed")
			c.JSON(http.StatusBadGateway, bursarapi.ErrorResponse{Error: "payment provider error"})
			return
		}
		order.ProviderRef = sess.ID
		checkoutURL = sess.URL

	case string(models.ProviderMollie):
		if mollieClient == nil {
			c.JSON(http.StatusServiceUnavailable, bursarapi.ErrorResponse{Error: "mollie is not configured"})
			return
		}
		order.Provider = models.ProviderMollie
		webhookURL := ""
		if base := config.GetEnv("BURSAR_PUBLIC_URL", ""); base != "" {
			webhookURL = strings.TrimRight(base, "/") + "/webhooks/mollie"
		}
		payment, err := mollieClient.CreatePayment(c.Request.Context(), order, successURL, webhookURL)
		if err != nil {
			logger.WithError(err).WithField("user_id", userID).Error("Mollie payment failed")
			c.JSON(http.StatusBadGateway, bursarapi.ErrorResponse{Error: "payment provider error"})
			return
		}
		order.ProviderRef = payment.ID
		checkoutURL = mollie.CheckoutURL(payment)

	default:
		badRequest(c, "provider must be stripe or mollie")
		return
	}

	if err := store.CreatePaymentOrder(c.Request.Context(), order); err != nil {
		writeError(c, err)
		return
	}

	logger.WithFields(logging.Fields{
		"order_id": order.ID,
		"user_id":  userID,
		"provider": order.Provider,
		"credits":  order.Credits,
	}).Info("Opened top-up order")

	c.JSON(http.StatusOK, bursarapi.CheckoutResponse{
		OrderID:     order.ID,
		CheckoutURL: checkoutURL,
	})
}
