// Package pricing resolves model token costs to credits. Rates are
// loaded from the ledger store into an immutable snapshot; resolution
// always answers from the current snapshot, so a mid-refresh request
// never sees a half-loaded table.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/apd/v3"

	"inkwell/bursar/internal/ledger"
	"inkwell/bursar/pkg/cache"
	"inkwell/bursar/pkg/config"
	"inkwell/bursar/pkg/logging"
	"inkwell/bursar/pkg/models"
)

const (
	// DefaultMarkup is the platform multiplier applied to raw provider
	// cost when CREDIT_MARKUP is not set.
	DefaultMarkup = "5.0"

	defaultRefreshInterval = 5 * time.Minute

	snapshotKey = "pricing"
)

// UnknownModelError means the model has no active price row. Costing
// fails closed: an unpriced model is never free.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("pricing: unknown model %q", e.Model)
}

// IsUnknownModel reports whether err is an UnknownModelError.
func IsUnknownModel(err error) bool {
	var target *UnknownModelError
	return errors.As(err, &target)
}

// Entry is one model's rates in the active snapshot. Markup is already
// resolved to the per-model override or the global default.
type Entry struct {
	ModelID        string
	Version        int
	InputUSDPer1M  apd.Decimal
	OutputUSDPer1M apd.Decimal
	Markup         apd.Decimal
}

// Snapshot is an immutable view of all active model prices.
type Snapshot struct {
	Entries  map[string]*Entry
	Markup   apd.Decimal
	Version  uint64
	LoadedAt time.Time
}

// Source supplies the active price rows, one per model.
type Source interface {
	ActiveModelPrices(ctx context.Context) ([]models.ModelPrice, error)
}

// Registry answers cost questions from a periodically refreshed snapshot.
type Registry struct {
	source   Source
	logger   logging.Logger
	markup   apd.Decimal
	interval time.Duration
	cache    *cache.Cache
	current  atomic.Pointer[Snapshot]
	versions atomic.Uint64
}

// NewRegistry builds a registry reading CREDIT_MARKUP and
// PRICING_REFRESH_INTERVAL from the environment.
func NewRegistry(source Source, logger logging.Logger) (*Registry, error) {
	markupStr := config.GetEnv("CREDIT_MARKUP", DefaultMarkup)
	var markup apd.Decimal
	if _, _, err := markup.SetString(markupStr); err != nil {
		return nil, fmt.Errorf("pricing: invalid CREDIT_MARKUP %q: %w", markupStr, err)
	}
	if markup.Negative || markup.IsZero() {
		return nil, fmt.Errorf("pricing: CREDIT_MARKUP must be positive, got %q", markupStr)
	}

	interval := config.GetEnvDuration("PRICING_REFRESH_INTERVAL", defaultRefreshInterval)

	r := &Registry{
		source:   source,
		logger:   logger,
		markup:   markup,
		interval: interval,
	}
	r.cache = cache.New(cache.Options{
		TTL:                  interval,
		StaleWhileRevalidate: interval,
		NegativeTTL:          10 * time.Second,
		MaxEntries:           4,
	}, cache.MetricsHooks{})
	return r, nil
}

// Markup returns the global credit markup multiplier.
func (r *Registry) Markup() *apd.Decimal {
	var m apd.Decimal
	m.Set(&r.markup)
	return &m
}

// ResolveCost returns the USD cost of a token count pair for a model,
// along with the snapshot entry that priced it.
func (r *Registry) ResolveCost(ctx context.Context, model string, inputTokens, outputTokens int64) (*apd.Decimal, *Entry, error) {
	snap, err := r.snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	entry, ok := snap.Entries[model]
	if !ok {
		return nil, nil, &UnknownModelError{Model: model}
	}
	cost, err := tokenCost(&entry.InputUSDPer1M, &entry.OutputUSDPer1M, inputTokens, outputTokens)
	if err != nil {
		return nil, nil, fmt.Errorf("pricing: cost for %s: %w", model, err)
	}
	return cost, entry, nil
}

// Credits converts a token count pair for a model into credits,
// applying the entry's markup.
func (r *Registry) Credits(ctx context.Context, model string, inputTokens, outputTokens int64) (int64, *Entry, error) {
	cost, entry, err := r.ResolveCost(ctx, model, inputTokens, outputTokens)
	if err != nil {
		return 0, nil, err
	}
	credits, err := CostToCredits(cost, &entry.Markup)
	if err != nil {
		return 0, nil, fmt.Errorf("pricing: credits for %s: %w", model, err)
	}
	return credits, entry, nil
}

// Refresh reloads the snapshot from the source immediately, bypassing
// the TTL. Admin price inserts call this so new rates take effect at
// once.
func (r *Registry) Refresh(ctx context.Context) error {
	snap, err := r.load(ctx)
	if err != nil {
		return err
	}
	r.cache.Set(snapshotKey, snap, r.interval)
	return nil
}

// Models lists the model IDs present in the current snapshot.
func (r *Registry) Models(ctx context.Context) ([]string, error) {
	snap, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(snap.Entries))
	for name := range snap.Entries {
		names = append(names, name)
	}
	return names, nil
}

// SnapshotInfo reports the active snapshot's version counter and load
// time, zero values when nothing has loaded yet.
func (r *Registry) SnapshotInfo() (uint64, time.Time) {
	snap := r.current.Load()
	if snap == nil {
		return 0, time.Time{}
	}
	return snap.Version, snap.LoadedAt
}

// snapshot returns the freshest snapshot the registry can serve. A
// failed refresh falls back to the last good snapshot; with none
// loaded yet the failure surfaces as unavailable.
func (r *Registry) snapshot(ctx context.Context) (*Snapshot, error) {
	value, ok, err := r.cache.Get(ctx, snapshotKey, func(ctx context.Context, _ string) (interface{}, bool, error) {
		snap, err := r.load(ctx)
		if err != nil {
			return nil, false, err
		}
		return snap, true, nil
	})
	if err != nil || !ok {
		if last := r.current.Load(); last != nil {
			return last, nil
		}
		return nil, &ledger.UnavailableError{Op: "pricing refresh", Err: err}
	}
	return value.(*Snapshot), nil
}

func (r *Registry) load(ctx context.Context) (*Snapshot, error) {
	prices, err := r.source.ActiveModelPrices(ctx)
	if err != nil {
		r.logger.WithError(err).Error("Pricing refresh failed")
		return nil, err
	}

	snap := &Snapshot{
		Entries:  make(map[string]*Entry, len(prices)),
		Version:  r.versions.Add(1),
		LoadedAt: time.Now().UTC(),
	}
	snap.Markup.Set(&r.markup)
	for _, price := range prices {
		entry, err := buildEntry(price, &r.markup)
		if err != nil {
			// One malformed row must not take down pricing for
			// every other model; the bad model fails closed as
			// unknown until the row is fixed.
			r.logger.WithError(err).WithField("model_id", price.ModelID).Error("Skipping malformed price row")
			continue
		}
		snap.Entries[price.ModelID] = entry
	}

	r.current.Store(snap)
	r.logger.WithField("models", len(snap.Entries)).WithField("version", snap.Version).Debug("Pricing snapshot loaded")
	return snap, nil
}

func buildEntry(price models.ModelPrice, globalMarkup *apd.Decimal) (*Entry, error) {
	entry := &Entry{
		ModelID: price.ModelID,
		Version: price.Version,
	}
	if _, _, err := entry.InputUSDPer1M.SetString(price.InputUSDPer1M); err != nil {
		return nil, fmt.Errorf("input rate %q: %w", price.InputUSDPer1M, err)
	}
	if _, _, err := entry.OutputUSDPer1M.SetString(price.OutputUSDPer1M); err != nil {
		return nil, fmt.Errorf("output rate %q: %w", price.OutputUSDPer1M, err)
	}
	if price.Markup != nil {
		if _, _, err := entry.Markup.SetString(*price.Markup); err != nil {
			return nil, fmt.Errorf("markup %q: %w", *price.Markup, err)
		}
		if entry.Markup.Negative || entry.Markup.IsZero() {
			return nil, fmt.Errorf("markup %q: must be positive", *price.Markup)
		}
	} else {
		entry.Markup.Set(globalMarkup)
	}
	return entry, nil
}

var million = apd.New(1, 6)
var hundred = apd.New(1, 2)

// tokenCost computes in/1e6*inputRate + out/1e6*outputRate.
func tokenCost(inputRate, outputRate *apd.Decimal, inputTokens, outputTokens int64) (*apd.Decimal, error) {
	ctx := apd.BaseContext.WithPrecision(34)

	var in, out, cost apd.Decimal
	in.SetInt64(inputTokens)
	out.SetInt64(outputTokens)

	if _, err := ctx.Quo(&in, &in, million); err != nil {
		return nil, err
	}
	if _, err := ctx.Mul(&in, &in, inputRate); err != nil {
		return nil, err
	}
	if _, err := ctx.Quo(&out, &out, million); err != nil {
		return nil, err
	}
	if _, err := ctx.Mul(&out, &out, outputRate); err != nil {
		return nil, err
	}
	if _, err := ctx.Add(&cost, &in, &out); err != nil {
		return nil, err
	}
	return &cost, nil
}

// CostToCredits converts a USD cost to whole credits at 100 credits per
// marked-up dollar, rounding up so fractional credits never undercharge.
func CostToCredits(cost, markup *apd.Decimal) (int64, error) {
	ctx := apd.BaseContext.WithPrecision(34)

	var scaled apd.Decimal
	if _, err := ctx.Mul(&scaled, cost, markup); err != nil {
		return 0, err
	}
	if _, err := ctx.Mul(&scaled, &scaled, hundred); err != nil {
		return 0, err
	}
	var ceiled apd.Decimal
	if _, err := ctx.Ceil(&ceiled, &scaled); err != nil {
		return 0, err
	}
	credits, err := ceiled.Int64()
	if err != nil {
		return 0, fmt.Errorf("credits out of range: %w", err)
	}
	return credits, nil
}
