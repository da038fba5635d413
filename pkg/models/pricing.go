package models

import "time"

// ModelPrice is one versioned pricing entry for an LLM model. Rates are
// USD per million tokens, kept as decimal strings so no precision is lost
// between the database and the decimal math in the pricing registry.
// Entries are never mutated; a price change inserts (model_id, version+1).
type ModelPrice struct {
	ModelID        string    `json:"model_id" db:"model_id"`
	Version        int       `json:"version" db:"version"`
	InputUSDPer1M  string    `json:"input_usd_per_1m" db:"input_usd_per_1m"`
	OutputUSDPer1M string    `json:"output_usd_per_1m" db:"output_usd_per_1m"`
	Markup         *string   `json:"markup,omitempty" db:"markup"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
