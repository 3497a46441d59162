package portfolio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"wealthcore/internal/bus"
	"wealthcore/pkg/types"
)

type fakeHoldings struct {
	mu       sync.Mutex
	holdings map[string][]types.AggregatedHolding
	calls    int
}

func (f *fakeHoldings) AggregatedHoldings(_ context.Context, userID string) ([]types.AggregatedHolding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.holdings[userID], nil
}

func (f *fakeHoldings) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func holding(symbol string, qty, marketValue, costBasis int64) types.AggregatedHolding {
	return types.AggregatedHolding{
		UserID:           "user-1",
		Symbol:           symbol,
		TotalQuantity:    decimal.NewFromInt(qty),
		TotalMarketValue: decimal.NewFromInt(marketValue),
		TotalCostBasis:   decimal.NewFromInt(costBasis),
	}
}

func TestEnricherOverlaysLivePrices(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := bus.NewMemory()
	// Stored value reflects last sync at $150; live price has moved.
	_ = m.Set(ctx, bus.PriceKey("AAPL"), "155", 0)

	src := &fakeHoldings{holdings: map[string][]types.AggregatedHolding{
		"user-1": {
			holding("AAPL", 10, 1500, 1200),
			holding("VTI", 5, 1000, 900), // no live price: stored value stands
		},
	}}
	e := NewEnricher(m, src, time.Minute, discard())

	total, ret, basis, err := e.Value(ctx, "user-1")
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if !total.Equal(decimal.NewFromInt(2550)) {
		t.Errorf("total = %s, want 2550 (10*155 + stored 1000)", total)
	}
	if !ret.Equal(decimal.NewFromInt(50)) {
		t.Errorf("return = %s, want 50 (enriched minus stored)", ret)
	}
	if !basis.Equal(decimal.NewFromInt(2100)) {
		t.Errorf("cost basis = %s, want 2100", basis)
	}
}

func TestEnricherCachesPerUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := bus.NewMemory()
	src := &fakeHoldings{holdings: map[string][]types.AggregatedHolding{
		"user-1": {holding("AAPL", 10, 1500, 1200)},
	}}
	e := NewEnricher(m, src, time.Minute, discard())

	if _, _, _, err := e.Value(ctx, "user-1"); err != nil {
		t.Fatalf("Value: %v", err)
	}
	if _, _, _, err := e.Value(ctx, "user-1"); err != nil {
		t.Fatalf("Value: %v", err)
	}
	if got := src.callCount(); got != 1 {
		t.Errorf("holdings fetched %d times inside TTL, want 1", got)
	}

	e.Invalidate("user-1")
	if _, _, _, err := e.Value(ctx, "user-1"); err != nil {
		t.Fatalf("Value: %v", err)
	}
	if got := src.callCount(); got != 2 {
		t.Errorf("holdings fetched %d times after Invalidate, want 2", got)
	}
}

func TestEnricherIgnoresBadCachedPrice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := bus.NewMemory()
	_ = m.Set(ctx, bus.PriceKey("AAPL"), "not-a-number", 0)

	src := &fakeHoldings{holdings: map[string][]types.AggregatedHolding{
		"user-1": {holding("AAPL", 10, 1500, 1200)},
	}}
	e := NewEnricher(m, src, time.Minute, discard())

	total, ret, _, err := e.Value(ctx, "user-1")
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if !total.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("total = %s, want stored 1500", total)
	}
	if !ret.IsZero() {
		t.Errorf("return = %s, want 0", ret)
	}
}
