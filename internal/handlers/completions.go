package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"inkwell/bursar/internal/credits"
	bursarapi "inkwell/bursar/pkg/api/bursar"
	"inkwell/bursar/pkg/llm"
	"inkwell/bursar/pkg/models"
)

type completionResult struct {
	text  string
	usage llm.Usage
}

// CreateCompletion proxies a prompt to the LLM provider inside the billing
// bracket: estimated credits are held up front, the hold is finalized from
// the provider's reported token usage, and a failed call releases the hold.
func CreateCompletion(c *gin.Context) {
	if llmProvider == nil {
		c.JSON(http.StatusServiceUnavailable, bursarapi.ErrorResponse{
			Error: "completions are not configured",
		})
		return
	}

	var req bursarapi.CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Model == "" {
		badRequest(c, "model is required")
		return
	}

	messages := make([]llm.Message, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	if req.Prompt != "" {
		messages = append(messages, llm.Message{Role: "user", Content: req.Prompt})
	}
	if len(messages) == 0 {
		badRequest(c, "prompt or messages is required")
		return
	}

	var promptText strings.Builder
	for _, m := range messages {
		promptText.WriteString(m.Content)
		promptText.WriteString("\n")
	}

	userID := currentUserID(c)
	breakdown, err := svc.Estimate(c.Request.Context(), credits.EstimateRequest{
		OperationType: "completion",
		Model:         req.Model,
		PromptText:    promptText.String(),
		MaxTokens:     req.MaxTokens,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	meta := models.Meta{Model: req.Model}
	result, txn, err := credits.WithBilling(c.Request.Context(), svc, userID, breakdown.TotalCredits, "completion", meta,
		func(ctx context.Context) (completionResult, credits.Usage, error) {
			stream, err := llmProvider.Complete(ctx, messages)
			if err != nil {
				return completionResult{}, credits.Usage{}, err
			}
			text, usage, err := llm.Collect(stream)
			if err != nil {
				return completionResult{}, credits.Usage{}, err
			}
			return completionResult{text: text, usage: usage}, credits.Usage{
				Model:        req.Model,
				InputTokens:  usage.InputTokens,
				OutputTokens: usage.OutputTokens,
			}, nil
		})
	// A pending settlement means the completion itself succeeded; the
	// response carries the text with no txn until the sweep settles it.
	if err != nil && !credits.IsSettlementPending(err) {
		writeError(c, err)
		return
	}

	resp := bursarapi.CompletionResponse{
		Text: result.text,
		Usage: bursarapi.CompletionUsage{
			InputTokens:  result.usage.InputTokens,
			OutputTokens: result.usage.OutputTokens,
		},
	}
	if txn != nil {
		resp.TxnID = txn.ID
		resp.Usage.Credits = -txn.Amount
	}

	c.JSON(http.StatusOK, resp)
}
