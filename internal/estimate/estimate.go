// Package estimate projects credit cost for multi-unit writing jobs
// before the user commits spend. The heuristics are deliberately
// coarse; holds are reconciled against actual usage at finalize time.
package estimate

import (
	"context"
	"fmt"
	"math"
	"strings"

	"inkwell/bursar/internal/pricing"
	"inkwell/bursar/pkg/models"
)

const (
	// TokensPerWord is the documented prose-to-token ratio.
	TokensPerWord = 1.3

	// OverheadMultiplier covers job setup and finalization prompts.
	OverheadMultiplier = 1.05

	// DefaultMaxTokens caps single-call output when the request does
	// not name a limit.
	DefaultMaxTokens = 4096
)

// Pricer converts token counts for a model into credits.
type Pricer interface {
	Credits(ctx context.Context, model string, inputTokens, outputTokens int64) (int64, *pricing.Entry, error)
}

// Estimator prices jobs and single calls through the pricing registry.
type Estimator struct {
	pricer Pricer
}

func New(pricer Pricer) *Estimator {
	return &Estimator{pricer: pricer}
}

// Job projects the cost of generating units × wordsPerUnit of prose at
// the given quality setting (0-10 scale). The returned breakdown
// multiplies out to the total so the UI can show its work.
func (e *Estimator) Job(ctx context.Context, model string, units, wordsPerUnit int64, quality float64) (*models.EstimateBreakdown, error) {
	if units <= 0 {
		return nil, fmt.Errorf("estimate: units must be positive, got %d", units)
	}
	if wordsPerUnit <= 0 {
		return nil, fmt.Errorf("estimate: words per unit must be positive, got %d", wordsPerUnit)
	}

	baseTokens := int64(math.Ceil(float64(wordsPerUnit) * TokensPerWord))
	qualityMult := qualityMultiplier(quality)
	retryMult := retryMultiplier(quality)
	outputTokens := int64(math.Ceil(float64(baseTokens) * qualityMult * retryMult * OverheadMultiplier))

	// Each unit re-feeds its own context as input.
	creditsPerUnit, _, err := e.pricer.Credits(ctx, model, baseTokens, outputTokens)
	if err != nil {
		return nil, err
	}

	return &models.EstimateBreakdown{
		Model:               model,
		Units:               units,
		WordsPerUnit:        wordsPerUnit,
		BaseTokens:          baseTokens,
		QualityMultiplier:   qualityMult,
		RetryMultiplier:     retryMult,
		OverheadMultiplier:  OverheadMultiplier,
		InputTokensPerUnit:  baseTokens,
		OutputTokensPerUnit: outputTokens,
		CreditsPerUnit:      creditsPerUnit,
		TotalCredits:        creditsPerUnit * units,
	}, nil
}

// SingleCall prices one completion request: input from the prompt text,
// output from the token limit. No job multipliers apply.
func (e *Estimator) SingleCall(ctx context.Context, model, prompt string, maxTokens int64) (*models.EstimateBreakdown, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	words := int64(len(strings.Fields(prompt)))
	inputTokens := int64(math.Ceil(float64(words) * TokensPerWord))

	credits, _, err := e.pricer.Credits(ctx, model, inputTokens, maxTokens)
	if err != nil {
		return nil, err
	}

	return &models.EstimateBreakdown{
		Model:               model,
		Units:               1,
		WordsPerUnit:        words,
		BaseTokens:          inputTokens,
		QualityMultiplier:   1,
		RetryMultiplier:     1,
		OverheadMultiplier:  1,
		InputTokensPerUnit:  inputTokens,
		OutputTokensPerUnit: maxTokens,
		CreditsPerUnit:      credits,
		TotalCredits:        credits,
	}, nil
}

func qualityMultiplier(quality float64) float64 {
	switch {
	case quality >= 9.0:
		return 2.5
	case quality >= 8.0:
		return 2.0
	case quality >= 7.0:
		return 1.7
	case quality >= 6.0:
		return 1.4
	default:
		return 1.2
	}
}

func retryMultiplier(quality float64) float64 {
	switch {
	case quality >= 9.0:
		return 1.8
	case quality >= 8.0:
		return 1.5
	case quality >= 7.0:
		return 1.3
	default:
		return 1.1
	}
}
