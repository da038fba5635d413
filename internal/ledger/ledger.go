// Package ledger defines the append-only credit ledger contract. Entities
// live in pkg/models; the two backends (postgres, sqlite) implement Store
// with identical semantics.
package ledger

import (
	"context"
	"time"

	"inkwell/bursar/pkg/models"
	"inkwell/bursar/pkg/pagination"
)

// AppendRequest describes one ledger entry to apply atomically. Amount is
// signed: negative for debit/provisional_debit, positive for
// credit/refund. The backend validates the sign against Type.
type AppendRequest struct {
	UserID    string
	Amount    int64
	Type      models.TxnType
	Reason    string
	Meta      models.Meta
	DedupeKey string
	ParentID  string
}

// SettleAction selects how a hold terminates.
type SettleAction string

const (
	// SettleFinalize converts the hold into a completed debit at the
	// actual amount.
	SettleFinalize SettleAction = "finalize"
	// SettleVoid cancels the hold and releases the full reserved amount.
	SettleVoid SettleAction = "void"
)

// SettleRequest terminates a pending hold. Actual (positive) applies to
// finalize only. Clamp caps the settlement at held+available instead of
// failing when the actual amount exceeds what the account can cover.
type SettleRequest struct {
	UserID    string
	TxnID     string
	Action    SettleAction
	Actual    int64
	Clamp     bool
	Reason    string
	Meta      models.Meta
	DedupeKey string
}

// Settlement is the outcome of a finalize or void. Txn is the hold row in
// its terminal state. Release is the void row inserted when Action was
// SettleVoid, nil for finalize. Applied is false when a dedupe replay
// returned the prior outcome.
type Settlement struct {
	Txn     *models.Transaction
	Release *models.Transaction
	Balance models.Balance
	Applied bool
}

// Store is the atomic per-user credit ledger. All balance mutation
// serializes on the account row, so per-user operations are linearizable;
// cross-user operations never contend. Driver failures surface as
// *UnavailableError, never as a silent allow.
type Store interface {
	// GetBalance returns the spendability view, creating the account row
	// on first read.
	GetBalance(ctx context.Context, userID string) (models.Balance, error)

	// Append applies one ledger entry: dedupe check, account lock,
	// available-balance guard, balance/pending move, row insert with
	// snapshots. The bool is false when the dedupe key matched an
	// existing row, which is returned unchanged.
	Append(ctx context.Context, req AppendRequest) (*models.Transaction, bool, error)

	// Settle finalizes or voids a pending hold atomically. A finalize
	// whose actual exceeds the held amount must cover the excess from
	// the available balance or the hold stays pending.
	Settle(ctx context.Context, req SettleRequest) (*Settlement, error)

	// GetTransaction fetches one transaction scoped to its owner.
	GetTransaction(ctx context.Context, userID, txnID string) (*models.Transaction, error)

	// ListTransactions pages the ledger reverse-chronologically with
	// keyset cursors, stable under concurrent appends.
	ListTransactions(ctx context.Context, userID string, params *pagination.Params) ([]models.Transaction, *pagination.Page, error)

	// OpenHoldsOlderThan lists pending holds created before cutoff, for
	// the stale-hold sweep.
	OpenHoldsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error)

	// ActiveModelPrices returns the highest version of every model's
	// pricing row.
	ActiveModelPrices(ctx context.Context) ([]models.ModelPrice, error)

	// InsertModelPrice appends the next version for a model and returns
	// it. Pricing rows are never updated in place.
	InsertModelPrice(ctx context.Context, price models.ModelPrice) (int, error)

	// CreatePaymentOrder records a new top-up order.
	CreatePaymentOrder(ctx context.Context, order *models.PaymentOrder) error

	// PaymentOrderByRef resolves an order by the provider's session or
	// payment id.
	PaymentOrderByRef(ctx context.Context, providerRef string) (*models.PaymentOrder, error)

	// SettleTopUp grants the order's credits and marks it paid in one
	// transaction. The bool is false when the order was already paid;
	// the prior grant is returned when the ledger recorded one.
	SettleTopUp(ctx context.Context, providerRef string) (*models.Transaction, bool, error)

	// MarkPaymentOrderStatus moves an order to failed or expired. Paid
	// orders are terminal and are not downgraded.
	MarkPaymentOrderStatus(ctx context.Context, providerRef string, status models.PaymentOrderStatus) error

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error

	Close() error
}

// MergeMeta overlays the non-zero fields of overlay onto base, returning
// the result. Settles use it to record actuals (tokens, model) on the hold
// row without losing the context captured at hold time.
func MergeMeta(base, overlay models.Meta) models.Meta {
	out := base
	if overlay.Model != "" {
		out.Model = overlay.Model
	}
	if overlay.ChapterID != "" {
		out.ChapterID = overlay.ChapterID
	}
	if overlay.ProjectID != "" {
		out.ProjectID = overlay.ProjectID
	}
	if overlay.OperationID != "" {
		out.OperationID = overlay.OperationID
	}
	if overlay.Provider != "" {
		out.Provider = overlay.Provider
	}
	if overlay.EventID != "" {
		out.EventID = overlay.EventID
	}
	if overlay.OriginalTxnID != "" {
		out.OriginalTxnID = overlay.OriginalTxnID
	}
	if overlay.InputTokens != 0 {
		out.InputTokens = overlay.InputTokens
	}
	if overlay.OutputTokens != 0 {
		out.OutputTokens = overlay.OutputTokens
	}
	if overlay.SettleDedupeKey != "" {
		out.SettleDedupeKey = overlay.SettleDedupeKey
	}
	if len(overlay.Extra) > 0 {
		merged := make(models.JSONB, len(base.Extra)+len(overlay.Extra))
		for k, v := range base.Extra {
			merged[k] = v
		}
		for k, v := range overlay.Extra {
			merged[k] = v
		}
		out.Extra = merged
	}
	return out
}
