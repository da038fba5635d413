package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB is a custom type for handling JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// TxnType classifies a ledger transaction.
type TxnType string

const (
	// TxnCredit adds settled balance (grants, top-ups)
	TxnCredit TxnType = "credit"
	// TxnDebit removes settled balance immediately
	TxnDebit TxnType = "debit"
	// TxnProvisionalDebit reserves balance pending settlement
	TxnProvisionalDebit TxnType = "provisional_debit"
	// TxnVoid releases a provisional debit in full
	TxnVoid TxnType = "void"
	// TxnRefund returns previously debited balance
	TxnRefund TxnType = "refund"
)

// TxnStatus tracks a transaction's lifecycle.
type TxnStatus string

const (
	// StatusPending marks an open provisional debit
	StatusPending TxnStatus = "pending"
	// StatusCompleted marks a settled transaction
	StatusCompleted TxnStatus = "completed"
	// StatusVoid marks a cancelled provisional debit
	StatusVoid TxnStatus = "void"
	// StatusFailed marks a transaction rejected by the ledger
	StatusFailed TxnStatus = "failed"
)

// Meta carries per-transaction context. Shapes are constrained per reason:
// usage debits carry Model, creative operations carry ChapterID/ProjectID,
// top-ups carry Provider, refunds carry OriginalTxnID.
type Meta struct {
	Model         string `json:"model,omitempty"`
	ChapterID     string `json:"chapter_id,omitempty"`
	ProjectID     string `json:"project_id,omitempty"`
	OperationID   string `json:"operation_id,omitempty"`
	Provider      string `json:"provider,omitempty"`
	EventID       string `json:"event_id,omitempty"`
	OriginalTxnID string `json:"original_txn_id,omitempty"`
	InputTokens   int64  `json:"input_tokens,omitempty"`
	OutputTokens  int64  `json:"output_tokens,omitempty"`
	// SettleDedupeKey records the idempotency token of the finalize or void
	// that settled a hold, so settle replays return the prior outcome.
	SettleDedupeKey string `json:"settle_dedupe_key,omitempty"`
	Extra           JSONB  `json:"extra,omitempty"`
}

// Value implements the driver.Valuer interface for Meta
func (m Meta) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface for Meta
func (m *Meta) Scan(value interface{}) error {
	if value == nil {
		*m = Meta{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported meta scan type %T", value)
	}

	return json.Unmarshal(bytes, m)
}

// Account is a per-user credit balance row.
type Account struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Balance   int64     `json:"balance" db:"balance"`
	Pending   int64     `json:"pending" db:"pending"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Balance is the spendability view of an account.
// Available is Balance minus Pending and never negative.
type Balance struct {
	Balance   int64     `json:"balance"`
	Pending   int64     `json:"pending_debits"`
	Available int64     `json:"available_balance"`
	UpdatedAt time.Time `json:"last_updated"`
}

// Transaction is one immutable row of a user's credit ledger. Amounts are
// signed: debits and open holds are negative, credits and voids positive.
// BalanceAfter and PendingAfter snapshot the account as of this row.
type Transaction struct {
	ID           string     `json:"id" db:"id"`
	UserID       string     `json:"user_id" db:"user_id"`
	Amount       int64      `json:"amount" db:"amount"`
	Type         TxnType    `json:"type" db:"type"`
	Status       TxnStatus  `json:"status" db:"status"`
	Reason       string     `json:"reason" db:"reason"`
	Meta         Meta       `json:"meta" db:"meta"`
	BalanceAfter int64      `json:"balance_after" db:"balance_after"`
	PendingAfter int64      `json:"pending_after" db:"pending_after"`
	DedupeKey    *string    `json:"dedupe_key,omitempty" db:"dedupe_key"`
	ParentID     *string    `json:"parent_id,omitempty" db:"parent_id"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Open reports whether the transaction is an unsettled hold.
func (t *Transaction) Open() bool {
	return t.Type == TxnProvisionalDebit && t.Status == StatusPending
}
