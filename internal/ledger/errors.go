package ledger

import (
	"errors"
	"fmt"

	"inkwell/bursar/pkg/models"
)

// InsufficientCreditsError rejects a debit or hold that would drive the
// available balance negative. Required is the positive amount asked for,
// Available what the account could cover at decision time.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("ledger: insufficient credits: required %d, available %d", e.Required, e.Available)
}

// NotFoundError reports a missing ledger record (transaction, hold, or
// payment order) or one owned by another user.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ledger: %s not found", e.ID)
}

// AlreadySettledError rejects a settle on a hold that already reached a
// terminal state. Status tells the caller which one.
type AlreadySettledError struct {
	TxnID  string
	Status models.TxnStatus
}

func (e *AlreadySettledError) Error() string {
	return fmt.Sprintf("ledger: transaction %s already settled (status %s)", e.TxnID, e.Status)
}

// UnavailableError wraps a driver or connection failure. The ledger fails
// closed: callers must treat this as "not applied", never as a free pass.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("ledger: %s unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsInsufficientCredits reports whether err is a credit shortfall.
func IsInsufficientCredits(err error) bool {
	var target *InsufficientCreditsError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is a missing-transaction error.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsAlreadySettled reports whether err is a double-settle rejection.
func IsAlreadySettled(err error) bool {
	var target *AlreadySettledError
	return errors.As(err, &target)
}

// IsUnavailable reports whether err is a store availability failure.
func IsUnavailable(err error) bool {
	var target *UnavailableError
	return errors.As(err, &target)
}
