package portfolio

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"wealthcore/internal/broker"
	"wealthcore/internal/bus"
	"wealthcore/internal/calendar"
	"wealthcore/internal/config"
	"wealthcore/internal/metrics"
	"wealthcore/pkg/types"
)

// IntradayWriter persists one intraday equity sample per user. Satisfied by
// the history store; nil disables persistence.
type IntradayWriter interface {
	WriteIntraday(ctx context.Context, userID string, totalValue, costBasis decimal.Decimal, at time.Time) error
}

// Calculator is the portfolio-calculator service. It recomputes account
// value and daily return on debounced price events, on a periodic tick, and
// on manual refresh requests, then publishes the snapshot on
// portfolio_updates and caches it under last_portfolio:{key}.
type Calculator struct {
	bus      bus.Bus
	broker   broker.Client
	accounts broker.AccountSource
	holdings HoldingSource
	enricher *Enricher
	history  IntradayWriter
	cfg      config.CalculatorConfig
	histCfg  config.HistoryConfig
	logger   *slog.Logger

	debounce *Debouncer
	runCtx   context.Context

	mu          sync.RWMutex
	accountList []types.Account
	symbolIndex map[string][]string // symbol -> account keys holding it
	equities    map[string]equityEntry
	totals      map[string]accountTotal // account key -> latest computed totals
}

type equityEntry struct {
	details types.AccountDetails
	at      time.Time
}

type accountTotal struct {
	userID    string
	value     decimal.Decimal
	costBasis decimal.Decimal
}

// New wires the calculator. history may be nil when intraday persistence is
// not wanted.
func New(b bus.Bus, brokerClient broker.Client, accounts broker.AccountSource,
	holdings HoldingSource, enricher *Enricher, history IntradayWriter,
	cfg config.CalculatorConfig, histCfg config.HistoryConfig, logger *slog.Logger) *Calculator {
	return &Calculator{
		bus:         b,
		broker:      brokerClient,
		accounts:    accounts,
		holdings:    holdings,
		enricher:    enricher,
		history:     history,
		cfg:         cfg,
		histCfg:     histCfg,
		logger:      logger.With("service", "portfolio-calculator"),
		symbolIndex: make(map[string][]string),
		equities:    make(map[string]equityEntry),
		totals:      make(map[string]accountTotal),
	}
}

// Name identifies the leader lease this service runs under.
func (c *Calculator) Name() string { return "portfolio-calculator" }

// Run blocks until ctx is cancelled, recomputing on price events (debounced
// per account), the periodic tick, and refresh requests.
func (c *Calculator) Run(ctx context.Context) error {
	c.runCtx = ctx
	c.debounce = NewDebouncer(c.cfg.MinUpdateInterval, c.onDebouncedPrice)
	defer c.debounce.Stop()

	prices, err := c.bus.Subscribe(ctx, bus.ChannelPriceUpdates)
	if err != nil {
		return err
	}
	defer prices.Close()
	refreshes, err := c.bus.Subscribe(ctx, bus.ChannelRefreshRequests)
	if err != nil {
		return err
	}
	defer refreshes.Close()

	c.recomputeAll(ctx, "tick")

	recalc := time.NewTicker(c.cfg.RecalcInterval)
	defer recalc.Stop()
	intraday := time.NewTicker(c.histCfg.IntradayInterval)
	defer intraday.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-prices.Messages():
			if !ok {
				return nil
			}
			c.handlePrice(msg)
		case msg, ok := <-refreshes.Messages():
			if !ok {
				return nil
			}
			c.handleRefresh(ctx, msg)
		case <-recalc.C:
			c.recomputeAll(ctx, "tick")
		case <-intraday.C:
			c.persistIntraday(ctx)
		}
	}
}

// handlePrice schedules a debounced recompute for every account holding the
// updated symbol.
func (c *Calculator) handlePrice(msg []byte) {
	var update types.PriceUpdate
	if err := json.Unmarshal(msg, &update); err != nil {
		c.logger.Warn("bad price update", "error", err)
		return
	}
	c.mu.RLock()
	keys := c.symbolIndex[update.Symbol]
	c.mu.RUnlock()
	for _, key := range keys {
		c.debounce.Trigger(key)
	}
}

// handleRefresh force-recomputes every account of the requesting user with
// fresh broker data, bypassing the debounce.
func (c *Calculator) handleRefresh(ctx context.Context, msg []byte) {
	var req types.RefreshRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		c.logger.Warn("bad refresh request", "error", err)
		return
	}
	c.logger.Info("refresh requested", "user_id", req.UserID)
	c.enricher.Invalidate(req.UserID)

	c.mu.Lock()
	accounts := make([]types.Account, 0, 4)
	for _, acct := range c.accountList {
		if acct.UserID == req.UserID {
			accounts = append(accounts, acct)
			delete(c.equities, acct.AccountID)
		}
	}
	c.mu.Unlock()

	aggregated := false
	for _, acct := range accounts {
		if types.IsAggregatedAccount(acct.AccountID) {
			aggregated = true
			continue
		}
		c.recomputeAccount(ctx, acct, "refresh")
	}
	if aggregated {
		c.recomputeAggregated(ctx, req.UserID, "refresh")
	}
}

// onDebouncedPrice is the debouncer callback; it runs on a timer goroutine
// with the service's run context.
func (c *Calculator) onDebouncedPrice(key string) {
	ctx := c.runCtx
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if userID, ok := aggregatedUser(key); ok {
		c.recomputeAggregated(ctx, userID, "price")
		return
	}
	c.mu.RLock()
	var acct types.Account
	found := false
	for _, a := range c.accountList {
		if a.AccountID == key {
			acct, found = a, true
			break
		}
	}
	c.mu.RUnlock()
	if !found {
		return // account dropped since the event was scheduled
	}
	c.recomputeAccount(ctx, acct, "price")
}

// recomputeAll refreshes the account list, rebuilds the symbol index from
// cached positions, and recomputes every account.
func (c *Calculator) recomputeAll(ctx context.Context, trigger string) {
	accounts, err := c.accounts.ActiveAccounts(ctx)
	if err != nil {
		c.logger.Error("list accounts failed", "error", err)
		c.mu.RLock()
		accounts = c.accountList
		c.mu.RUnlock()
		if len(accounts) == 0 {
			return
		}
	}

	index := make(map[string][]string)
	users := make(map[string]bool)
	for _, acct := range accounts {
		if types.IsAggregatedAccount(acct.AccountID) {
			if !users[acct.UserID] {
				users[acct.UserID] = true
				c.indexAggregated(ctx, acct.UserID, index)
			}
			continue
		}
		c.indexBrokerage(ctx, acct.AccountID, index)
	}

	c.mu.Lock()
	c.accountList = accounts
	c.symbolIndex = index
	c.mu.Unlock()

	for _, acct := range accounts {
		if types.IsAggregatedAccount(acct.AccountID) {
			continue
		}
		c.recomputeAccount(ctx, acct, trigger)
	}
	for userID := range users {
		c.recomputeAggregated(ctx, userID, trigger)
	}
}

func (c *Calculator) indexBrokerage(ctx context.Context, accountID string, index map[string][]string) {
	var positions []types.Position
	ok, err := bus.GetJSON(ctx, c.bus, bus.AccountPositionsKey(accountID), &positions)
	if err != nil || !ok {
		return // not collected yet; the next pass picks it up
	}
	for _, p := range positions {
		index[p.Symbol] = append(index[p.Symbol], accountID)
	}
}

func (c *Calculator) indexAggregated(ctx context.Context, userID string, index map[string][]string) {
	holdings, err := c.holdings.AggregatedHoldings(ctx, userID)
	if err != nil {
		c.logger.Warn("holdings unavailable for index", "user_id", userID, "error", err)
		return
	}
	key := types.AggregatedKey(userID)
	for _, h := range holdings {
		index[h.Symbol] = append(index[h.Symbol], key)
	}
}

// recomputeAccount runs the full per-account pipeline for one brokerage
// account: cached positions repriced with cached quotes, cash and equity
// from the (TTL-cached) broker account, then the daily-return sources.
func (c *Calculator) recomputeAccount(ctx context.Context, acct types.Account, trigger string) {
	accountID := acct.AccountID

	var positions []types.Position
	ok, err := bus.GetJSON(ctx, c.bus, bus.AccountPositionsKey(accountID), &positions)
	if err != nil {
		c.logger.Error("position cache read failed", "account_id", accountID, "error", err)
		return
	}
	if !ok {
		positions, err = c.broker.Positions(ctx, accountID)
		if err != nil {
			c.logger.Error("positions unavailable", "account_id", accountID, "error", err)
			return
		}
	}

	positionsValue := decimal.Zero
	costBasis := decimal.Zero
	for _, p := range positions {
		price := c.livePrice(ctx, p.Symbol, p.CurrentPrice)
		positionsValue = positionsValue.Add(p.Quantity.Mul(price))
		costBasis = costBasis.Add(p.CostBasis)
	}

	details, err := c.accountDetails(ctx, accountID)
	if err != nil {
		c.logger.Error("account details unavailable", "account_id", accountID, "error", err)
		return
	}
	totalValue := positionsValue.Add(details.Cash)

	todayReturn := DailyReturn(ctx, ReturnInputs{
		Positions: positions,
		Details:   details,
		CashFlow: func(ctx context.Context) (types.CashFlow, error) {
			return c.broker.TodayCashFlow(ctx, accountID)
		},
		HistoryPL: func(ctx context.Context) (decimal.Decimal, bool, error) {
			return c.broker.TodayProfitLoss(ctx, accountID)
		},
	}, c.cfg.MaxDailyMovePercent, c.logger)

	c.publish(ctx, accountID, acct.UserID, totalValue, costBasis, todayReturn, trigger)
}

// recomputeAggregated publishes the live-enriched roll-up under the user's
// aggregated key.
func (c *Calculator) recomputeAggregated(ctx context.Context, userID, trigger string) {
	total, todayReturn, costBasis, err := c.enricher.Value(ctx, userID)
	if err != nil {
		c.logger.Error("enrichment failed", "user_id", userID, "error", err)
		return
	}
	c.publish(ctx, types.AggregatedKey(userID), userID, total, costBasis, todayReturn, trigger)
}

func (c *Calculator) publish(ctx context.Context, key, userID string,
	totalValue, costBasis, todayReturn decimal.Decimal, trigger string) {

	snap := types.NewPortfolioSnapshot(key, totalValue, todayReturn, time.Now().UTC())
	if err := bus.SetJSON(ctx, c.bus, bus.LastPortfolioKey(key), snap, 0); err != nil {
		c.logger.Error("snapshot cache write failed", "account_key", key, "error", err)
	}
	if err := c.bus.Publish(ctx, bus.ChannelPortfolioUpdates, snap); err != nil {
		c.logger.Error("snapshot publish failed", "account_key", key, "error", err)
	}
	metrics.Recomputes.WithLabelValues(trigger).Inc()

	c.mu.Lock()
	c.totals[key] = accountTotal{userID: userID, value: totalValue, costBasis: costBasis}
	c.mu.Unlock()
}

// livePrice reads the cached quote for a symbol, falling back to the
// position's last-known price when the cache has nothing usable.
func (c *Calculator) livePrice(ctx context.Context, symbol string, fallback decimal.Decimal) decimal.Decimal {
	raw, ok, err := c.bus.Get(ctx, bus.PriceKey(symbol))
	if err != nil || !ok {
		return fallback
	}
	price, err := decimal.NewFromString(raw)
	if err != nil || !price.IsPositive() {
		return fallback
	}
	return price
}

// accountDetails serves broker account data through a short TTL cache so a
// burst of recomputes costs one API call.
func (c *Calculator) accountDetails(ctx context.Context, accountID string) (types.AccountDetails, error) {
	c.mu.RLock()
	entry, ok := c.equities[accountID]
	c.mu.RUnlock()
	if ok && time.Since(entry.at) < c.cfg.EquityTTL {
		return entry.details, nil
	}

	details, err := c.broker.AccountDetails(ctx, accountID)
	if err != nil {
		return types.AccountDetails{}, err
	}
	c.mu.Lock()
	c.equities[accountID] = equityEntry{details: details, at: time.Now()}
	c.mu.Unlock()
	return details, nil
}

// persistIntraday writes one history sample per user, summing the latest
// computed totals across the user's account keys. Outside market hours
// nothing is written.
func (c *Calculator) persistIntraday(ctx context.Context) {
	if c.history == nil || !calendar.IsMarketHours(time.Now()) {
		return
	}

	type userSum struct{ value, costBasis decimal.Decimal }
	sums := make(map[string]userSum)
	c.mu.RLock()
	for _, total := range c.totals {
		s := sums[total.userID]
		s.value = s.value.Add(total.value)
		s.costBasis = s.costBasis.Add(total.costBasis)
		sums[total.userID] = s
	}
	c.mu.RUnlock()

	now := time.Now().UTC()
	for userID, s := range sums {
		if !s.value.IsPositive() {
			continue
		}
		if err := c.history.WriteIntraday(ctx, userID, s.value, s.costBasis, now); err != nil {
			c.logger.Error("intraday write failed", "user_id", userID, "error", err)
		}
	}
}

// aggregatedUser splits an aggregated account key back into its user id.
func aggregatedUser(key string) (string, bool) {
	prefix := types.AggregatedAccountID + ":"
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return key[len(prefix):], true
}
