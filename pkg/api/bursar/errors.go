package bursar

import "fmt"

// Error codes carried in ErrorResponse.Code. Clients switch on these (or
// use the typed helpers on APIError), never on message text.
const (
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeUnknownModel        = "UNKNOWN_MODEL"
	CodeNotFound            = "NOT_FOUND"
	CodeAlreadySettled      = "ALREADY_SETTLED"
	CodeLedgerUnavailable   = "LEDGER_UNAVAILABLE"
	CodeInvalidRequest      = "INVALID_REQUEST"
)

// APIError is the typed form of a bursar error envelope, returned by
// pkg/clients/bursar so callers can branch without string matching.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Required   int64
	Available  int64
	TxnID      string
	TxnStatus  string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("bursar: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("bursar: status %d: %s", e.StatusCode, e.Message)
}

// IsInsufficientCredits reports whether the error is a credit shortfall.
func (e *APIError) IsInsufficientCredits() bool {
	return e.Code == CodeInsufficientCredits
}

// IsUnknownModel reports whether the error names an unpriced model.
func (e *APIError) IsUnknownModel() bool {
	return e.Code == CodeUnknownModel
}

// IsNotFound reports whether the referenced resource is absent.
func (e *APIError) IsNotFound() bool {
	return e.Code == CodeNotFound
}

// IsAlreadySettled reports whether the hold was settled earlier.
func (e *APIError) IsAlreadySettled() bool {
	return e.Code == CodeAlreadySettled
}
