package billing

import "inkwell/bursar/pkg/config"

const (
	defaultCurrencyEnv      = "BILLING_CURRENCY"
	defaultCurrencyFallback = "USD"

	centsPerCreditEnv      = "BILLING_CENTS_PER_CREDIT"
	centsPerCreditFallback = 1

	minTopupCreditsEnv      = "BILLING_MIN_TOPUP_CREDITS"
	minTopupCreditsFallback = 100
)

// DefaultCurrency returns the currency used for top-up checkout sessions.
func DefaultCurrency() string {
	return config.GetEnv(defaultCurrencyEnv, defaultCurrencyFallback)
}

// CentsPerCredit returns the top-up price of one credit in cents.
// Credits are denominated so that one credit covers one cent of
// marked-up provider cost, so the default is 1.
func CentsPerCredit() int64 {
	return int64(config.GetEnvInt(centsPerCreditEnv, centsPerCreditFallback))
}

// MinTopupCredits returns the smallest purchasable credit pack. Card
// providers reject charges below roughly half a dollar, so the floor
// keeps orders above provider minimums.
func MinTopupCredits() int64 {
	return int64(config.GetEnvInt(minTopupCreditsEnv, minTopupCreditsFallback))
}

// TopupAmountCents converts a credit pack size to the charge amount.
func TopupAmountCents(credits int64) int64 {
	return credits * CentsPerCredit()
}
