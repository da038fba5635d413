// Package handlers implements the bursar HTTP surface: user balance and
// history reads, pre-flight estimates, the billed completions proxy,
// top-up checkout, payment webhooks, service-to-service metering routes,
// and admin grant/refund/pricing.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"inkwell/bursar/internal/credits"
	bursarapi "inkwell/bursar/pkg/api/bursar"
	"inkwell/bursar/pkg/ctxkeys"
	"inkwell/bursar/pkg/pagination"
)

// currentUserID returns the authenticated user id set by the JWT middleware.
func currentUserID(c *gin.Context) string {
	return c.GetString(string(ctxkeys.KeyUserID))
}

// parsePageParams reads limit and cursor query values.
func parsePageParams(c *gin.Context) (*pagination.Params, error) {
	return pagination.ParseQuery(c.Query("limit"), c.Query("cursor"))
}

// GetBalance returns the caller's spendability view.
func GetBalance(c *gin.Context) {
	userID := currentUserID(c)

	balance, err := svc.Balance(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

// GetTransactions pages the caller's ledger history, newest first.
func GetTransactions(c *gin.Context) {
	userID := currentUserID(c)

	params, err := parsePageParams(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	txns, page, err := svc.Transactions(c.Request.Context(), userID, params)
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

// CreateEstimate projects the credit cost of an operation without touching
// the ledger.
func CreateEstimate(c *gin.Context) {
	var req bursarapi.EstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	breakdown, err := svc.Estimate(c.Request.Context(), credits.EstimateRequest{
		OperationType: req.OperationType,
		Model:         req.Model,
		PromptText:    req.PromptText,
		MaxTokens:     req.MaxTokens,
		Units:         req.Units,
		WordsPerUnit:  req.WordsPerUnit,
		Quality:       req.Quality,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, bursarapi.EstimateResponse{
		CreditsRequired: breakdown.TotalCredits,
		Breakdown:       *breakdown,
	})
}
