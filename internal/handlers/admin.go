package handlers

import (
	"net/http"

	"github.com/cockroachdb/apd/v3"
	"github.com/gin-gonic/gin"

	bursarapi "inkwell/bursar/pkg/api/bursar"
	"inkwell/bursar/pkg/logging"
	"inkwell/bursar/pkg/models"
)

// GrantCredits adds settled balance to a user's account.
func GrantCredits(c *gin.Context) {
	var req bursarapi.GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	txn, err := svc.Grant(c.Request.Context(), req.UserID, req.Amount, req.Reason, req.Meta, req.DedupeKey)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, bursarapi.TransactionResponse{
		Transaction: *txn,
		Balance:     balanceAfter(txn),
	})
}

// RefundCredits returns previously debited balance. When meta names the
// original transaction the refund row links to it.
func RefundCredits(c *gin.Context) {
	var req bursarapi.GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	txn, err := svc.Refund(c.Request.Context(), req.UserID, req.Amount, req.Reason, req.Meta, req.DedupeKey)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, bursarapi.TransactionResponse{
		Transaction: *txn,
		Balance:     balanceAfter(txn),
	})
}

// AdminGetBalance returns any user's spendability view, the ops-side
// twin of GET /api/balance.
func AdminGetBalance(c *gin.Context) {
	balance, err := svc.Balance(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

// AdminGetTransactions pages any user's ledger history.
func AdminGetTransactions(c *gin.Context) {
	params, err := parsePageParams(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	txns, page, err := svc.Transactions(c.Request.Context(), c.Param("user_id"), params)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := bursarapi.TransactionsResponse{Transactions: txns}
	if page != nil {
		resp.Page = *page
	}
	c.JSON(http.StatusOK, resp)
}

// GetPricing returns the active pricing rows plus the snapshot the
// metering path is currently serving from.
func GetPricing(c *gin.Context) {
	prices, err := store.ActiveModelPrices(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	version, loadedAt := registry.SnapshotInfo()
	c.JSON(http.StatusOK, bursarapi.PricingResponse{
		Entries:  prices,
		Markup:   registry.Markup().Text('f'),
		Version:  int64(version),
		LoadedAt: loadedAt.Unix(),
	})
}

// UpsertPricing publishes the next pricing version for a model. Existing
// versions are immutable; in-flight operations keep the version they
// resolved at hold time.
func UpsertPricing(c *gin.Context) {
	var req bursarapi.PricingUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.ModelID == "" {
		badRequest(c, "model_id is required")
		return
	}
	if !validRate(req.InputUSDPer1M) || !validRate(req.OutputUSDPer1M) {
		badRequest(c, "rates must be non-negative decimals")
		return
	}
	if req.Markup != nil && !validMarkup(*req.Markup) {
		badRequest(c, "markup must be a positive decimal")
		return
	}

	price := models.ModelPrice{
		ModelID:        req.ModelID,
		InputUSDPer1M:  req.InputUSDPer1M,
		OutputUSDPer1M: req.OutputUSDPer1M,
		Markup:         req.Markup,
	}

	version, err := store.InsertModelPrice(c.Request.Context(), price)
	if err != nil {
		writeError(c, err)
		return
	}
	price.Version = version

	// Publish the new version without waiting for the TTL.
	if err := registry.Refresh(c.Request.Context()); err != nil {
		logger.WithError(err).Warn("Pricing refresh after insert failed, TTL expiry will pick it up")
	}

	logger.WithFields(logging.Fields{
		"model_id": req.ModelID,
		"version":  version,
	}).Info("Published pricing version")

	c.JSON(http.StatusOK, price)
}

func validRate(s string) bool {
	if s == "" {
		return false
	}
	d, _, err := new(apd.Decimal).SetString(s)
	if err != nil {
		return false
	}
	return !d.Negative
}

func validMarkup(s string) bool {
	d, _, err := new(apd.Decimal).SetString(s)
	if err != nil {
		return false
	}
	return !d.Negative && !d.IsZero()
}
