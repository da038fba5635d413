package credits

import (
	"context"
	"errors"
	"fmt"

	"inkwell/bursar/internal/ledger"
	"inkwell/bursar/pkg/logging"
	"inkwell/bursar/pkg/models"
)

// SettlementPendingError reports that a billed operation finished but
// its hold could not be settled. The result is valid and nothing has
// been charged yet; the debit lands when the stale-hold sweep
// reconciles the open hold named by TxnID.
type SettlementPendingError struct {
	TxnID string
	Err   error
}

func (e *SettlementPendingError) Error() string {
	return fmt.Sprintf("credits: settlement of hold %s pending: %v", e.TxnID, e.Err)
}

func (e *SettlementPendingError) Unwrap() error { return e.Err }

// IsSettlementPending reports whether err marks an operation whose
// result is usable but whose hold is still open.
func IsSettlementPending(err error) bool {
	var pending *SettlementPendingError
	return errors.As(err, &pending)
}

// Usage reports what a billed operation actually consumed. Set Credits
// when the cost is already known; otherwise the token counts are priced
// through the registry at settlement time.
type Usage struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
	Credits      int64
}

// WithBilling brackets a metered operation with a provisional debit:
// hold estimated credits, run op, finalize at actual usage on success,
// void on error or panic. The hold is settled exactly once on every
// exit path. Settlement uses a context detached from the caller's so a
// cancelled request cannot strand an open hold, and a finalize rejected
// for excess usage degrades to a clamped settle. If the ledger is down
// at settle time the result is still returned, flagged with a
// SettlementPendingError naming the open hold.
func WithBilling[T any](ctx context.Context, svc *Service, userID string, estimated int64, reason string, meta models.Meta, op func(context.Context) (T, Usage, error)) (T, *models.Transaction, error) {
	var zero T

	hold, err := svc.ProvisionalDebit(ctx, userID, estimated, reason, meta, "")
	if err != nil {
		return zero, nil, err
	}

	settled := false
	release := func() {
		settled = true
		sctx := context.WithoutCancel(ctx)
		if _, verr := svc.Void(sctx, userID, hold.ID, reason, ""); verr != nil {
			svc.logger.WithError(verr).WithFields(logging.Fields{
				"user_id": userID,
				"txn_id":  hold.ID,
			}).Error("Hold void failed, sweep will flag it")
		}
	}

	// Covers panics in op: the hold is released before the panic
	// continues up the stack.
	defer func() {
		if !settled {
			release()
		}
	}()

	result, usage, opErr := op(ctx)
	if opErr != nil {
		release()
		return zero, nil, opErr
	}

	settled = true
	sctx := context.WithoutCancel(ctx)

	credits := usage.Credits
	if credits == 0 && usage.Model != "" && (usage.InputTokens > 0 || usage.OutputTokens > 0) {
		priced, _, perr := svc.registry.Credits(sctx, usage.Model, usage.InputTokens, usage.OutputTokens)
		if perr != nil {
			// Unpriceable actuals settle at the estimate the user
			// already agreed to.
			svc.logger.WithError(perr).WithFields(logging.Fields{
				"user_id": userID,
				"txn_id":  hold.ID,
				"model":   usage.Model,
			}).Warn("Actual usage unpriceable, settling at estimate")
			priced = estimated
		}
		credits = priced
	}

	usageMeta := models.Meta{
		Model:        usage.Model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}
	settlement, err := svc.Finalize(sctx, userID, hold.ID, credits, usageMeta, "")
	if ledger.IsInsufficientCredits(err) {
		settlement, err = svc.FinalizeClamped(sctx, userID, hold.ID, credits, usageMeta, "")
	}
	if err != nil {
		svc.logger.WithError(err).WithFields(logging.Fields{
			"user_id": userID,
			"txn_id":  hold.ID,
		}).Error("Hold finalize failed, sweep will flag it")
		return result, nil, &SettlementPendingError{TxnID: hold.ID, Err: err}
	}
	return result, settlement.Txn, nil
}
