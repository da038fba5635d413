package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"inkwell/bursar/internal/ledger"
	bursarapi "inkwell/bursar/pkg/api/bursar"
	"inkwell/bursar/pkg/logging"
	"inkwell/bursar/pkg/models"
)

// balanceAfter reconstructs the spendability view from a transaction's
// account snapshot.
func balanceAfter(txn *models.Transaction) models.Balance {
	available := txn.BalanceAfter - txn.PendingAfter
	if available < 0 {
		available = 0
	}
	return models.Balance{
		Balance:   txn.BalanceAfter,
		Pending:   txn.PendingAfter,
		Available: available,
		UpdatedAt: txn.CreatedAt,
	}
}

// IngestUsage meters a batch of usage reports, the HTTP twin of the Kafka
// topic. Each event's id doubles as its dedupe key, so redelivery returns
// the prior transaction instead of double-charging. A ledger outage fails
// the whole batch with 503 so the caller retries everything.
func IngestUsage(c *gin.Context) {
	var req bursarapi.UsageIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if len(req.Events) == 0 {
		badRequest(c, "no usage events provided")
		return
	}

	results := make([]models.UsageResult, 0, len(req.Events))
	var processed int

	for _, event := range req.Events {
		result := models.UsageResult{EventID: event.EventID}

		if event.EventID == "" {
			result.Error = "event_id is required"
			observeUsageEvent("rejected")
			results = append(results, result)
			continue
		}

		reason := event.Reason
		if reason == "" {
			reason = "usage"
		}

		txn, err := svc.DebitUsage(c.Request.Context(), event.UserID, event.Model,
			event.InputTokens, event.OutputTokens, reason, event.Meta, event.EventID)
		if err != nil {
			if ledger.IsUnavailable(err) {
				writeError(c, err)
				return
			}
			result.Error = err.Error()
			observeUsageEvent("rejected")
			logger.WithError(err).WithFields(logging.Fields{
				"event_id": event.EventID,
				"user_id":  event.UserID,
				"model":    event.Model,
			}).Warn("Usage event rejected")
			results = append(results, result)
			continue
		}

		if txn == nil {
			// Zero-cost events meter nothing.
			observeUsageEvent("zero")
			results = append(results, result)
			continue
		}

		result.Applied = true
		result.TxnID = txn.ID
		result.Credits = -txn.Amount
		processed++
		observeUsageEvent("metered")
		results = append(results, result)
	}

	c.JSON(http.StatusOK, bursarapi.UsageIngestResponse{
		Results:        results,
		ProcessedCount: processed,
	})
}

// CreateHold opens a provisional debit on behalf of a sibling service.
func CreateHold(c *gin.Context) {
	var req bursarapi.HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	txn, err := svc.ProvisionalDebit(c.Request.Context(), req.UserID, req.Amount, req.Reason, req.Meta, req.DedupeKey)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, bursarapi.TransactionResponse{
		Transaction: *txn,
		Balance:     balanceAfter(txn),
	})
}

// FinalizeHold settles a hold at its actual cost.
func FinalizeHold(c *gin.Context) {
	txnID := c.Param("id")

	var req bursarapi.FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	var (
		settlement *ledger.Settlement
		err        error
	)
	if req.Clamp {
		settlement, err = svc.FinalizeClamped(c.Request.Context(), req.UserID, txnID, req.ActualAmount, models.Meta{}, req.DedupeKey)
	} else {
		settlement, err = svc.Finalize(c.Request.Context(), req.UserID, txnID, req.ActualAmount, models.Meta{}, req.DedupeKey)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, bursarapi.TransactionResponse{
		Transaction: *settlement.Txn,
		Balance:     settlement.Balance,
	})
}

// VoidHold cancels a hold and releases the full reserved amount.
func VoidHold(c *gin.Context) {
	txnID := c.Param("id")

	var req bursarapi.VoidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	settlement, err := svc.Void(c.Request.Context(), req.UserID, txnID, req.Reason, req.DedupeKey)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, bursarapi.TransactionResponse{
		Transaction: *settlement.Txn,
		Balance:     settlement.Balance,
	})
}
