package bursar

import (
	"inkwell/bursar/pkg/models"
	"inkwell/bursar/pkg/pagination"
)

// BalanceResponse represents the response from the balance API
type BalanceResponse = models.Balance

// TransactionsResponse represents a page of ledger transactions
type TransactionsResponse struct {
	Transactions []models.Transaction `json:"transactions"`
	pagination.Page
}

// EstimateRequest represents a request to project the credit cost of an
// operation before committing to it
type EstimateRequest struct {
	OperationType string  `json:"operation_type"`
	Model         string  `json:"model"`
	PromptText    string  `json:"prompt_text,omitempty"`
	MaxTokens     int64   `json:"max_tokens,omitempty"`
	Units         int64   `json:"units,omitempty"`
	WordsPerUnit  int64   `json:"words_per_unit,omitempty"`
	Quality       float64 `json:"quality,omitempty"`
}

// EstimateResponse represents the response from the estimate API
type EstimateResponse struct {
	CreditsRequired int64                    `json:"credits_required"`
	Breakdown       models.EstimateBreakdown `json:"breakdown"`
}

// ChatMessage is one turn of a completion conversation
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest represents a billed LLM completion request
type CompletionRequest struct {
	Model     string        `json:"model"`
	Prompt    string        `json:"prompt,omitempty"`
	Messages  []ChatMessage `json:"messages,omitempty"`
	MaxTokens int64         `json:"max_tokens,omitempty"`
}

// CompletionUsage reports the token counts and credit cost of a completion
type CompletionUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Credits      int64 `json:"credits"`
}

// CompletionResponse represents the response from the billed completion API
type CompletionResponse struct {
	Text  string          `json:"text"`
	Usage CompletionUsage `json:"usage"`
	TxnID string          `json:"txn_id"`
}

// CheckoutRequest represents a request to start a credit top-up purchase
type CheckoutRequest struct {
	Credits     int64  `json:"credits"`
	Provider    string `json:"provider"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// CheckoutResponse represents the response from starting a checkout session
type CheckoutResponse struct {
	OrderID     string `json:"order_id"`
	CheckoutURL string `json:"checkout_url"`
}

// GrantRequest represents an admin request to grant or refund credits
type GrantRequest struct {
	UserID    string      `json:"user_id"`
	Amount    int64       `json:"amount"`
	Reason    string      `json:"reason"`
	Meta      models.Meta `json:"meta,omitempty"`
	DedupeKey string      `json:"dedupe_key,omitempty"`
}

// TransactionResponse represents a single-transaction result with the
// account state after applying it
type TransactionResponse struct {
	Transaction models.Transaction `json:"transaction"`
	Balance     models.Balance     `json:"balance"`
}

// PricingUpsertRequest represents an admin request to publish a new pricing
// version for a model
type PricingUpsertRequest struct {
	ModelID        string  `json:"model_id"`
	InputUSDPer1M  string  `json:"input_usd_per_1m"`
	OutputUSDPer1M string  `json:"output_usd_per_1m"`
	Markup         *string `json:"markup,omitempty"`
}

// PricingResponse represents the active pricing snapshot
type PricingResponse struct {
	Entries  []models.ModelPrice `json:"entries"`
	Markup   string              `json:"markup"`
	Version  int64               `json:"version"`
	LoadedAt int64               `json:"loaded_at"`
}

// UsageIngestRequest represents a batch of usage events to meter
type UsageIngestRequest struct {
	Events []models.UsageEvent `json:"events"`
}

// UsageIngestResponse represents per-event results from usage ingestion
type UsageIngestResponse struct {
	Results        []models.UsageResult `json:"results"`
	ProcessedCount int                  `json:"processed_count"`
}

// HoldRequest represents a service request to open a provisional debit
type HoldRequest struct {
	UserID    string      `json:"user_id"`
	Amount    int64       `json:"amount"`
	Reason    string      `json:"reason"`
	Meta      models.Meta `json:"meta,omitempty"`
	DedupeKey string      `json:"dedupe_key,omitempty"`
}

// FinalizeRequest represents a service request to settle a hold at its
// actual cost. Clamp caps the settlement at what the account can cover.
type FinalizeRequest struct {
	UserID       string `json:"user_id"`
	ActualAmount int64  `json:"actual_amount"`
	Clamp        bool   `json:"clamp,omitempty"`
	DedupeKey    string `json:"dedupe_key,omitempty"`
}

// VoidRequest represents a service request to cancel a hold in full
type VoidRequest struct {
	UserID    string      `json:"user_id"`
	Reason    string      `json:"reason,omitempty"`
	Meta      models.Meta `json:"meta,omitempty"`
	DedupeKey string      `json:"dedupe_key,omitempty"`
}

// ErrorResponse represents the error envelope returned by all bursar
// endpoints. Code identifies the error kind; Required/Available are set on
// INSUFFICIENT_CREDITS, TxnStatus on ALREADY_SETTLED.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Required  int64  `json:"required,omitempty"`
	Available int64  `json:"available,omitempty"`
	TxnID     string `json:"txn_id,omitempty"`
	TxnStatus string `json:"txn_status,omitempty"`
}
