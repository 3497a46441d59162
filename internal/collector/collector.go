// Package collector implements the Symbol Collector: it periodically
// enumerates every position held across every active account, caches the
// per-account position lists, and publishes the diff of the tracked symbol
// set so the Market Data Consumer can adjust its upstream subscription.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"wealthcore/internal/bus"
	"wealthcore/internal/config"
	"wealthcore/pkg/types"
)

// PositionSource returns positions for every account the fleet manages in
// one pass, keyed by account id.
type PositionSource interface {
	AllAccountPositions(ctx context.Context) (map[string][]types.Position, error)
}

// AccountSource lists the accounts to include. Used to fold aggregated
// (plaid/snaptrade) holdings into the universe next to brokerage positions.
type AccountSource interface {
	ActiveAccounts(ctx context.Context) ([]types.Account, error)
}

// HoldingSource serves the stored per-user roll-ups for aggregated accounts.
type HoldingSource interface {
	AggregatedHoldings(ctx context.Context, userID string) ([]types.AggregatedHolding, error)
}

// Collector owns the in-memory previous symbol set. Exactly one instance in
// the fleet runs at a time (leader-gated); the set survives transient fetch
// failures so an upstream outage never causes a mass-unsubscribe.
type Collector struct {
	bus      bus.Bus
	broker   PositionSource
	accounts AccountSource
	holdings HoldingSource
	cfg      config.CollectorConfig
	logger   *slog.Logger
	previous map[string]struct{}
}

// New creates a collector.
func New(b bus.Bus, broker PositionSource, accounts AccountSource, holdings HoldingSource,
	cfg config.CollectorConfig, logger *slog.Logger) *Collector {
	return &Collector{
		bus:      b,
		broker:   broker,
		accounts: accounts,
		holdings: holdings,
		cfg:      cfg,
		logger:   logger.With("component", "collector"),
		previous: make(map[string]struct{}),
	}
}

// Name implements leader.Service.
func (c *Collector) Name() string { return "symbol-collector" }

// Run executes an immediate pass, then ticks until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	c.collect(ctx)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// collect is one full pass. A failed fetch is logged and retried next tick;
// the previous set is deliberately left intact.
func (c *Collector) collect(ctx context.Context) {
	byAccount, err := c.fetchAll(ctx)
	if err != nil {
		c.logger.Error("position fetch failed, keeping previous symbol set", "error", err)
		return
	}

	current := make(map[string]struct{})
	for accountID, positions := range byAccount {
		for _, p := range positions {
			current[p.Symbol] = struct{}{}
		}
		if err := bus.SetJSON(ctx, c.bus, bus.AccountPositionsKey(accountID), positions, c.cfg.PositionTTL); err != nil {
			c.logger.Error("position cache write failed", "account_id", accountID, "error", err)
		}
	}

	// An empty-but-successful result legitimately empties the universe; an
	// error above never reaches this point.
	if err := bus.SetJSON(ctx, c.bus, bus.KeyTrackedSymbols, sortedSymbols(current), 0); err != nil {
		c.logger.Error("tracked symbols write failed", "error", err)
		return
	}

	added, removed := diffSymbols(c.previous, current)
	if len(added) > 0 || len(removed) > 0 {
		update := types.SymbolUpdate{Add: added, Remove: removed, Timestamp: time.Now().UTC()}
		if err := c.bus.Publish(ctx, bus.ChannelSymbolUpdates, update); err != nil {
			c.logger.Error("symbol update publish failed", "error", err)
			return // keep previous so the diff is re-published next tick
		}
		c.logger.Info("symbol set changed",
			"added", len(added), "removed", len(removed), "total", len(current))
	}

	c.previous = current

	if err := c.bus.Set(ctx, bus.KeyCollectionLastUpdated,
		time.Now().UTC().Format(time.RFC3339), 0); err != nil {
		c.logger.Warn("collection timestamp write failed", "error", err)
	}
}

// fetchAll merges brokerage positions with aggregated-provider holdings
// exposed as positions under their owning account ids.
func (c *Collector) fetchAll(ctx context.Context) (map[string][]types.Position, error) {
	byAccount, err := c.broker.AllAccountPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("brokerage positions: %w", err)
	}

	accounts, err := c.accounts.ActiveAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("active accounts: %w", err)
	}

	seenUsers := make(map[string]bool)
	for _, acct := range accounts {
		if !types.IsAggregatedAccount(acct.AccountID) || seenUsers[acct.UserID] {
			continue
		}
		seenUsers[acct.UserID] = true

		holdings, err := c.holdings.AggregatedHoldings(ctx, acct.UserID)
		if err != nil {
			return nil, fmt.Errorf("holdings for %s: %w", acct.UserID, err)
		}
		for _, h := range holdings {
			for _, contrib := range h.AccountContributions {
				byAccount[contrib.AccountID] = append(byAccount[contrib.AccountID], types.Position{
					Symbol:      h.Symbol,
					Quantity:    contrib.Quantity,
					CostBasis:   contrib.CostBasis,
					MarketValue: contrib.MarketValue,
				})
			}
		}
	}
	return byAccount, nil
}

func diffSymbols(previous, current map[string]struct{}) (added, removed []string) {
	for s := range current {
		if _, ok := previous[s]; !ok {
			added = append(added, s)
		}
	}
	for s := range previous {
		if _, ok := current[s]; !ok {
			removed = append(removed, s)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func sortedSymbols(set map[string]struct{}) []string {
	symbols := make([]string, 0, len(set))
	for s := range set {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}
