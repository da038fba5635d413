package models

import "time"

// UsageEvent is one LLM usage report, delivered over Kafka or the internal
// HTTP twin. EventID doubles as the ledger dedupe key so redelivery cannot
// double-charge.
type UsageEvent struct {
	EventID      string    `json:"event_id"`
	UserID       string    `json:"user_id"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Reason       string    `json:"reason"`
	Meta         Meta      `json:"meta,omitempty"`
	OccurredAt   time.Time `json:"occurred_at,omitempty"`
}

// UsageResult reports the outcome of applying one usage event.
type UsageResult struct {
	EventID string `json:"event_id"`
	TxnID   string `json:"txn_id,omitempty"`
	Credits int64  `json:"credits,omitempty"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// BillingAlert is published when the ledger notices something a human or a
// sibling service should act on, e.g. a hold open past the stale threshold
// or an account crossing a low-balance mark.
type BillingAlert struct {
	Kind      string    `json:"kind"`
	UserID    string    `json:"user_id"`
	TxnID     string    `json:"txn_id,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Balance   int64     `json:"balance,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
