package models

import "time"

// PaymentProvider identifies the payment provider for a top-up order.
type PaymentProvider string

const (
	ProviderStripe PaymentProvider = "stripe"
	ProviderMollie PaymentProvider = "mollie"
)

// PaymentOrderStatus tracks a top-up order's lifecycle.
type PaymentOrderStatus string

const (
	OrderOpen    PaymentOrderStatus = "open"
	OrderPaid    PaymentOrderStatus = "paid"
	OrderFailed  PaymentOrderStatus = "failed"
	OrderExpired PaymentOrderStatus = "expired"
)

// PaymentOrder is a pending or settled credit top-up purchase.
// ProviderRef holds the provider's session/payment id and is unique, so a
// replayed webhook resolves to the same order.
type PaymentOrder struct {
	ID          string             `json:"id" db:"id"`
	UserID      string             `json:"user_id" db:"user_id"`
	Provider    PaymentProvider    `json:"provider" db:"provider"`
	ProviderRef string             `json:"provider_ref" db:"provider_ref"`
	Credits     int64              `json:"credits" db:"credits"`
	AmountCents int64              `json:"amount_cents" db:"amount_cents"`
	Currency    string             `json:"currency" db:"currency"`
	Status      PaymentOrderStatus `json:"status" db:"status"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at" db:"updated_at"`
}
