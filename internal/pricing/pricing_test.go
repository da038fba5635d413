package pricing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cockroachdb/apd/v3"

	"inkwell/bursar/pkg/logging"
	"inkwell/bursar/pkg/models"
)

type stubSource struct {
	mu     sync.Mutex
	prices []models.ModelPrice
	err    error
}

func (s *stubSource) ActiveModelPrices(ctx context.Context) ([]models.ModelPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]models.ModelPrice, len(s.prices))
	copy(out, s.prices)
	return out, nil
}

func (s *stubSource) set(prices []models.ModelPrice, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices = prices
	s.err = err
}

func testPrices() []models.ModelPrice {
	return []models.ModelPrice{
		{ModelID: "scribe-large", Version: 1, InputUSDPer1M: "3.00", OutputUSDPer1M: "15.00"},
		{ModelID: "scribe-small", Version: 2, InputUSDPer1M: "0.25", OutputUSDPer1M: "1.25"},
	}
}

func newTestRegistry(t *testing.T, source Source) *Registry {
	t.Helper()
	r, err := NewRegistry(source, logging.NewLogger())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return r
}

func TestResolveCost(t *testing.T) {
	source := &stubSource{prices: testPrices()}
	registry := newTestRegistry(t, source)

	cost, entry, err := registry.ResolveCost(context.Background(), "scribe-large", 1000, 2000)
	if err != nil {
		t.Fatalf("ResolveCost failed: %v", err)
	}
	// 1000/1e6*3.00 + 2000/1e6*15.00 = 0.033
	want := apd.New(33, -3)
	if cost.Cmp(want) != 0 {
		t.Fatalf("expected cost 0.033, got %s", cost.Text('f'))
	}
	if entry.ModelID != "scribe-large" || entry.Version != 1 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestCreditsAppliesMarkup(t *testing.T) {
	source := &stubSource{prices: testPrices()}
	registry := newTestRegistry(t, source)

	// cost 0.033 * markup 5.0 * 100 = 16.5, rounded up to 17.
	credits, _, err := registry.Credits(context.Background(), "scribe-large", 1000, 2000)
	if err != nil {
		t.Fatalf("Credits failed: %v", err)
	}
	if credits != 17 {
		t.Fatalf("expected 17 credits, got %d", credits)
	}
}

func TestCostToCredits(t *testing.T) {
	markup := apd.New(5, 0)
	cases := []struct {
		cost string
		want int64
	}{
		{"0.01", 5},
		{"0.033", 17},
		{"0.001", 1},
		{"0", 0},
		{"1.00", 500},
	}
	for _, tc := range cases {
		var cost apd.Decimal
		if _, _, err := cost.SetString(tc.cost); err != nil {
			t.Fatalf("SetString(%q) failed: %v", tc.cost, err)
		}
		got, err := CostToCredits(&cost, markup)
		if err != nil {
			t.Fatalf("CostToCredits(%q) failed: %v", tc.cost, err)
		}
		if got != tc.want {
			t.Fatalf("CostToCredits(%q) = %d, want %d", tc.cost, got, tc.want)
		}
	}
}

func TestUnknownModelFailsClosed(t *testing.T) {
	source := &stubSource{prices: testPrices()}
	registry := newTestRegistry(t, source)

	_, _, err := registry.Credits(context.Background(), "scribe-xl", 100, 100)
	if !IsUnknownModel(err) {
		t.Fatalf("expected UnknownModelError, got %v", err)
	}
}

func TestPerModelMarkupOverride(t *testing.T) {
	override := "2.0"
	source := &stubSource{prices: []models.ModelPrice{
		{ModelID: "scribe-large", Version: 3, InputUSDPer1M: "3.00", OutputUSDPer1M: "15.00", Markup: &override},
	}}
	registry := newTestRegistry(t, source)

	// cost 0.033 * markup 2.0 * 100 = 6.6, rounded up to 7.
	credits, entry, err := registry.Credits(context.Background(), "scribe-large", 1000, 2000)
	if err != nil {
		t.Fatalf("Credits failed: %v", err)
	}
	if credits != 7 {
		t.Fatalf("expected 7 credits, got %d", credits)
	}
	if entry.Markup.Cmp(apd.New(2, 0)) != 0 {
		t.Fatalf("expected entry markup 2.0, got %s", entry.Markup.Text('f'))
	}
}

func TestMalformedRowSkipped(t *testing.T) {
	source := &stubSource{prices: []models.ModelPrice{
		{ModelID: "scribe-broken", Version: 1, InputUSDPer1M: "not-a-number", OutputUSDPer1M: "1.00"},
		{ModelID: "scribe-small", Version: 2, InputUSDPer1M: "0.25", OutputUSDPer1M: "1.25"},
	}}
	registry := newTestRegistry(t, source)

	if _, _, err := registry.Credits(context.Background(), "scribe-broken", 100, 100); !IsUnknownModel(err) {
		t.Fatalf("expected UnknownModelError for malformed row, got %v", err)
	}
	if _, _, err := registry.Credits(context.Background(), "scribe-small", 100, 100); err != nil {
		t.Fatalf("healthy row should still price: %v", err)
	}
}

func TestRefreshFailureServesLastGood(t *testing.T) {
	t.Setenv("PRICING_REFRESH_INTERVAL", "1ns")

	source := &stubSource{prices: testPrices()}
	registry := newTestRegistry(t, source)

	if _, _, err := registry.Credits(context.Background(), "scribe-large", 1000, 2000); err != nil {
		t.Fatalf("initial load failed: %v", err)
	}

	source.set(nil, errors.New("store down"))

	credits, _, err := registry.Credits(context.Background(), "scribe-large", 1000, 2000)
	if err != nil {
		t.Fatalf("expected last-good snapshot to serve, got %v", err)
	}
	if credits != 17 {
		t.Fatalf("expected 17 credits from last-good snapshot, got %d", credits)
	}
}

func TestNoSnapshotFailsClosed(t *testing.T) {
	source := &stubSource{err: errors.New("store down")}
	registry := newTestRegistry(t, source)

	_, _, err := registry.Credits(context.Background(), "scribe-large", 100, 100)
	if err == nil {
		t.Fatal("expected error with no snapshot loaded")
	}
	if IsUnknownModel(err) {
		t.Fatalf("unreachable store must not report unknown model: %v", err)
	}
}

func TestRefreshSwapsSnapshot(t *testing.T) {
	source := &stubSource{prices: testPrices()}
	registry := newTestRegistry(t, source)

	if _, _, err := registry.Credits(context.Background(), "scribe-large", 1000, 2000); err != nil {
		t.Fatalf("initial load failed: %v", err)
	}

	source.set([]models.ModelPrice{
		{ModelID: "scribe-large", Version: 2, InputUSDPer1M: "6.00", OutputUSDPer1M: "30.00"},
	}, nil)

	if err := registry.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	// cost doubles: 0.066 * 5.0 * 100 = 33.
	credits, entry, err := registry.Credits(context.Background(), "scribe-large", 1000, 2000)
	if err != nil {
		t.Fatalf("Credits after refresh failed: %v", err)
	}
	if credits != 33 {
		t.Fatalf("expected 33 credits after refresh, got %d", credits)
	}
	if entry.Version != 2 {
		t.Fatalf("expected version 2 after refresh, got %d", entry.Version)
	}
}

func TestCreditMarkupEnv(t *testing.T) {
	t.Setenv("CREDIT_MARKUP", "3.0")

	source := &stubSource{prices: testPrices()}
	registry := newTestRegistry(t, source)

	// cost 0.033 * markup 3.0 * 100 = 9.9, rounded up to 10.
	credits, _, err := registry.Credits(context.Background(), "scribe-large", 1000, 2000)
	if err != nil {
		t.Fatalf("Credits failed: %v", err)
	}
	if credits != 10 {
		t.Fatalf("expected 10 credits at markup 3.0, got %d", credits)
	}
}

func TestInvalidMarkupRejected(t *testing.T) {
	t.Setenv("CREDIT_MARKUP", "-1")

	if _, err := NewRegistry(&stubSource{}, logging.NewLogger()); err == nil {
		t.Fatal("expected NewRegistry to reject negative markup")
	}
}
