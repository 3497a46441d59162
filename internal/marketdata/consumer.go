// Package marketdata implements the Market Data Consumer: one live upstream
// subscription covering the tracked symbol set, latest-price persistence,
// and price events for the Portfolio Calculator.
package marketdata

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"wealthcore/internal/bus"
	"wealthcore/internal/config"
	"wealthcore/internal/metrics"
	"wealthcore/pkg/types"
)

// Consumer owns the authoritative monitored_symbols set. The pub/sub
// listener is the single writer; the stats reporter only reads.
type Consumer struct {
	bus    bus.Bus
	stream QuoteStream
	cfg    config.MarketDataConfig
	logger *slog.Logger

	mu        sync.RWMutex
	monitored map[string]struct{}
}

// New creates a consumer over the given stream.
func New(b bus.Bus, stream QuoteStream, cfg config.MarketDataConfig, logger *slog.Logger) *Consumer {
	return &Consumer{
		bus:       b,
		stream:    stream,
		cfg:       cfg,
		logger:    logger.With("component", "market-data"),
		monitored: make(map[string]struct{}),
	}
}

// Name implements leader.Service.
func (c *Consumer) Name() string { return "market-data" }

// Run bootstraps from the cached tracked_symbols, starts the supervised
// stream, and processes symbol updates and quotes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.bootstrap(ctx); err != nil {
		// Non-fatal: the collector will publish a diff shortly.
		c.logger.Warn("tracked symbols bootstrap failed", "error", err)
	}

	sub, err := c.bus.Subscribe(ctx, bus.ChannelSymbolUpdates)
	if err != nil {
		return err
	}
	defer sub.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.stream.Run(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("quote stream supervisor exited", "error", err)
		}
	}()
	defer wg.Wait()

	stats := time.NewTicker(c.cfg.StatsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			c.handleSymbolUpdate(ctx, msg)

		case quote := <-c.stream.Quotes():
			c.handleQuote(ctx, quote)

		case <-stats.C:
			c.reportStats(ctx)
		}
	}
}

// bootstrap reads the cached symbol set and subscribes to all of it.
func (c *Consumer) bootstrap(ctx context.Context) error {
	var symbols []string
	ok, err := bus.GetJSON(ctx, c.bus, bus.KeyTrackedSymbols, &symbols)
	if err != nil || !ok {
		return err
	}

	c.mu.Lock()
	for _, sym := range symbols {
		c.monitored[sym] = struct{}{}
	}
	count := len(c.monitored)
	c.mu.Unlock()
	metrics.MonitoredSymbols.Set(float64(count))

	if err := c.stream.Subscribe(symbols...); err != nil {
		// Rejected symbols (delisted) stay in the set; missing prices are
		// tolerated downstream.
		c.logger.Warn("initial subscribe failed", "error", err, "symbols", count)
	}
	c.logger.Info("bootstrapped from tracked symbols", "symbols", count)
	return nil
}

// handleSymbolUpdate applies one diff from the Symbol Collector.
func (c *Consumer) handleSymbolUpdate(ctx context.Context, msg []byte) {
	var update types.SymbolUpdate
	if err := json.Unmarshal(msg, &update); err != nil {
		c.logger.Warn("malformed symbol update, skipping", "error", err)
		return
	}

	c.mu.Lock()
	for _, sym := range update.Add {
		c.monitored[sym] = struct{}{}
	}
	for _, sym := range update.Remove {
		delete(c.monitored, sym)
	}
	count := len(c.monitored)
	c.mu.Unlock()
	metrics.MonitoredSymbols.Set(float64(count))

	if len(update.Add) > 0 {
		if err := c.stream.Subscribe(update.Add...); err != nil {
			c.logger.Warn("subscribe failed", "error", err, "symbols", update.Add)
		}
	}
	if len(update.Remove) > 0 {
		if err := c.stream.Unsubscribe(update.Remove...); err != nil {
			c.logger.Warn("unsubscribe failed", "error", err, "symbols", update.Remove)
		}
		keys := make([]string, 0, 2*len(update.Remove))
		for _, sym := range update.Remove {
			keys = append(keys, bus.PriceKey(sym), bus.QuoteKey(sym))
		}
		if err := c.bus.Delete(ctx, keys...); err != nil {
			c.logger.Warn("price cache cleanup failed", "error", err)
		}
	}

	c.logger.Info("symbol subscription updated",
		"added", len(update.Add), "removed", len(update.Remove), "monitored", count)
}

// handleQuote persists one upstream tick and publishes the price event.
func (c *Consumer) handleQuote(ctx context.Context, quote types.Quote) {
	if quote.Symbol == "" || !quote.AskPrice.IsPositive() {
		c.logger.Warn("malformed quote, skipping", "symbol", quote.Symbol)
		return
	}
	metrics.QuotesConsumed.Inc()

	if err := c.bus.Set(ctx, bus.PriceKey(quote.Symbol), quote.AskPrice.String(), c.cfg.PriceTTL); err != nil {
		c.logger.Warn("price write failed", "symbol", quote.Symbol, "error", err)
		return
	}
	if err := bus.SetJSON(ctx, c.bus, bus.QuoteKey(quote.Symbol), quote, c.cfg.PriceTTL); err != nil {
		c.logger.Warn("quote write failed", "symbol", quote.Symbol, "error", err)
	}

	event := types.PriceUpdate{
		Symbol:    quote.Symbol,
		Price:     quote.AskPrice,
		Timestamp: quote.Timestamp,
	}
	if err := c.bus.Publish(ctx, bus.ChannelPriceUpdates, event); err != nil {
		c.logger.Warn("price update publish failed", "symbol", quote.Symbol, "error", err)
	}
}

// reportStats logs the monitored count and a small sample of live prices.
func (c *Consumer) reportStats(ctx context.Context) {
	c.mu.RLock()
	symbols := make([]string, 0, len(c.monitored))
	for sym := range c.monitored {
		symbols = append(symbols, sym)
	}
	c.mu.RUnlock()
	sort.Strings(symbols)

	sample := make(map[string]string)
	for _, sym := range symbols {
		if len(sample) == 5 {
			break
		}
		if price, ok, _ := c.bus.Get(ctx, bus.PriceKey(sym)); ok {
			sample[sym] = price
		}
	}
	c.logger.Info("market data stats", "monitored", len(symbols), "prices", sample)
}
