package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"wealthcore/internal/bus"
	"wealthcore/pkg/types"
)

// HoldingSource serves a user's aggregated per-symbol roll-ups.
type HoldingSource interface {
	AggregatedHoldings(ctx context.Context, userID string) ([]types.AggregatedHolding, error)
}

// Enricher values aggregation-provider holdings with live prices. Provider
// data arrives on sync schedules measured in hours, so the stored market
// values go stale fast; the enricher overlays the latest cached quote onto
// the stored quantities instead of calling any broker API. Outputs are
// reused per user for a short TTL because one user's holdings can span
// dozens of symbols.
type Enricher struct {
	bus      bus.Bus
	holdings HoldingSource
	ttl      time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]enrichedEntry
}

type enrichedEntry struct {
	value     decimal.Decimal
	ret       decimal.Decimal
	costBasis decimal.Decimal
	at        time.Time
}

// NewEnricher builds the aggregation-mode valuation path.
func NewEnricher(b bus.Bus, holdings HoldingSource, ttl time.Duration, logger *slog.Logger) *Enricher {
	return &Enricher{
		bus:      b,
		holdings: holdings,
		ttl:      ttl,
		logger:   logger.With("component", "enricher"),
		cache:    make(map[string]enrichedEntry),
	}
}

// Value returns the user's live-enriched total, the change against the
// stored (last-synced) value, and the summed cost basis. Results inside the
// TTL are served from cache.
func (e *Enricher) Value(ctx context.Context, userID string) (total, todayReturn, costBasis decimal.Decimal, err error) {
	e.mu.Lock()
	if entry, ok := e.cache[userID]; ok && time.Since(entry.at) < e.ttl {
		e.mu.Unlock()
		return entry.value, entry.ret, entry.costBasis, nil
	}
	e.mu.Unlock()

	holdings, err := e.holdings.AggregatedHoldings(ctx, userID)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("holdings for %s: %w", userID, err)
	}

	total = decimal.Zero
	stored := decimal.Zero
	costBasis = decimal.Zero
	for _, h := range holdings {
		stored = stored.Add(h.TotalMarketValue)
		costBasis = costBasis.Add(h.TotalCostBasis)

		value := h.TotalMarketValue
		raw, ok, gerr := e.bus.Get(ctx, bus.PriceKey(h.Symbol))
		if gerr != nil {
			e.logger.Warn("price read failed", "symbol", h.Symbol, "error", gerr)
		} else if ok {
			if price, perr := decimal.NewFromString(raw); perr == nil && price.IsPositive() {
				value = h.TotalQuantity.Mul(price)
			}
		}
		total = total.Add(value)
	}
	todayReturn = total.Sub(stored)

	e.mu.Lock()
	e.cache[userID] = enrichedEntry{value: total, ret: todayReturn, costBasis: costBasis, at: time.Now()}
	e.mu.Unlock()
	return total, todayReturn, costBasis, nil
}

// Invalidate drops the user's cached valuation, forcing the next Value call
// to re-read holdings. Called after a provider sync.
func (e *Enricher) Invalidate(userID string) {
	e.mu.Lock()
	delete(e.cache, userID)
	e.mu.Unlock()
}
