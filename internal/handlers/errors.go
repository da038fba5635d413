package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"inkwell/bursar/internal/credits"
	"inkwell/bursar/internal/ledger"
	"inkwell/bursar/internal/pricing"
	bursarapi "inkwell/bursar/pkg/api/bursar"
)

// writeError renders any service error as the bursar error envelope.
// Callers branch on Code, never on message text.
func writeError(c *gin.Context, err error) {
	var validation *credits.ValidationError
	if errors.As(err, &validation) {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{
			Error: validation.Msg,
			Code:  bursarapi.CodeInvalidRequest,
		})
		return
	}

	var insufficient *ledger.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		c.JSON(http.StatusPaymentRequired, bursarapi.ErrorResponse{
			Error:     insufficient.Error(),
			Code:      bursarapi.CodeInsufficientCredits,
			Required:  insufficient.Required,
			Available: insufficient.Available,
		})
		return
	}

	var unknownModel *pricing.UnknownModelError
	if errors.As(err, &unknownModel) {
		c.JSON(http.StatusUnprocessableEntity, bursarapi.ErrorResponse{
			Error: unknownModel.Error(),
			Code:  bursarapi.CodeUnknownModel,
		})
		return
	}

	var notFound *ledger.NotFoundError
	if errors.As(err, &notFound) {
		c.JSON(http.StatusNotFound, bursarapi.ErrorResponse{
			Error: notFound.Error(),
			Code:  bursarapi.CodeNotFound,
		})
		return
	}

	var settled *ledger.AlreadySettledError
	if errors.As(err, &settled) {
		c.JSON(http.StatusConflict, bursarapi.ErrorResponse{
			Error:     settled.Error(),
			Code:      bursarapi.CodeAlreadySettled,
			TxnID:     settled.TxnID,
			TxnStatus: string(settled.Status),
		})
		return
	}

	var unavailable *ledger.UnavailableError
	if errors.As(err, &unavailable) {
		logger.WithError(err).Error("Ledger unavailable")
		c.JSON(http.StatusServiceUnavailable, bursarapi.ErrorResponse{
			Error: "ledger unavailable",
			Code:  bursarapi.CodeLedgerUnavailable,
		})
		return
	}

	logger.WithError(err).Error("Unhandled service error")
	c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{
		Error: "internal error",
	})
}

// badRequest renders a request decoding or parameter failure.
func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{
		Error: msg,
		Code:  bursarapi.CodeInvalidRequest,
	})
}
