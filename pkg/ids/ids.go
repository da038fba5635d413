// Package ids generates prefix-qualified, K-sortable identifiers for ledger
// entities in the format "prefix_suffix" (TypeID, UUIDv7-based).
package ids

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefixes for bursar entity IDs.
const (
	PrefixTxn     = "txn"
	PrefixPayment = "pay"
	PrefixEvent   = "evt"
)

// New generates a unique ID with the given prefix. It panics on an invalid
// prefix, which is a programming error.
func New(prefix string) string {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("ids: invalid prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// NewTxnID generates a ledger transaction ID.
func NewTxnID() string { return New(PrefixTxn) }

// NewPaymentID generates a payment order ID.
func NewPaymentID() string { return New(PrefixPayment) }

// NewEventID generates a usage event ID.
func NewEventID() string { return New(PrefixEvent) }

// Validate checks that s is a well-formed ID carrying the expected prefix.
func Validate(s, prefix string) error {
	tid, err := typeid.Parse(s)
	if err != nil {
		return fmt.Errorf("ids: parse %q: %w", s, err)
	}
	if tid.Prefix() != prefix {
		return fmt.Errorf("ids: expected prefix %q, got %q", prefix, tid.Prefix())
	}
	return nil
}
