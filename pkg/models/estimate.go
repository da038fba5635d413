package models

// EstimateBreakdown is the transparent cost projection for a metered job.
// The client can reproduce TotalCredits from the components: per-unit output
// tokens = ceil(BaseTokens × Quality × Retry × Overhead), per-unit credits
// price those tokens, and TotalCredits = CreditsPerUnit × Units.
type EstimateBreakdown struct {
	Model               string  `json:"model"`
	Units               int64   `json:"units"`
	WordsPerUnit        int64   `json:"words_per_unit,omitempty"`
	BaseTokens          int64   `json:"base_tokens"`
	QualityMultiplier   float64 `json:"quality_multiplier"`
	RetryMultiplier     float64 `json:"retry_multiplier"`
	OverheadMultiplier  float64 `json:"overhead_multiplier"`
	InputTokensPerUnit  int64   `json:"input_tokens_per_unit"`
	OutputTokensPerUnit int64   `json:"output_tokens_per_unit"`
	CreditsPerUnit      int64   `json:"credits_per_unit"`
	TotalCredits        int64   `json:"total_credits"`
}
