package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"wealthcore/internal/calendar"
	"wealthcore/internal/config"
	"wealthcore/internal/metrics"
	"wealthcore/pkg/types"
)

// Cash-movement activity types in the brokerage activity feed.
const (
	activityCashDeposit    = "CSD"
	activityCashWithdrawal = "CSW"
)

// Alpaca implements Client and BarSource against the Alpaca trading and
// market-data APIs. Each linked account authenticates with its own OAuth
// token; accounts without a stored token fall back to the fleet API key
// (sandbox and paper accounts). All calls go through a shared token-bucket
// pacer so a recompute storm cannot trip provider rate limits.
type Alpaca struct {
	cfg      config.BrokerConfig
	accounts AccountSource
	tokens   TokenSource
	mdClient *marketdata.Client
	pacer    *pacer
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]*alpaca.Client // account_id -> authenticated client
}

var (
	_ Client    = (*Alpaca)(nil)
	_ BarSource = (*Alpaca)(nil)
)

// NewAlpaca wires the brokerage client.
func NewAlpaca(cfg config.BrokerConfig, accounts AccountSource, tokens TokenSource, logger *slog.Logger) *Alpaca {
	return &Alpaca{
		cfg:      cfg,
		accounts: accounts,
		tokens:   tokens,
		mdClient: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		}),
		pacer:   newPacer(cfg.RequestsPerMinute),
		logger:  logger.With("component", "broker"),
		clients: make(map[string]*alpaca.Client),
	}
}

// clientFor returns (building if needed) the trading client for one account.
func (a *Alpaca) clientFor(ctx context.Context, accountID string) (*alpaca.Client, error) {
	a.mu.Lock()
	if c, ok := a.clients[accountID]; ok {
		a.mu.Unlock()
		return c, nil
	}
	a.mu.Unlock()

	opts := alpaca.ClientOpts{
		APIKey:    a.cfg.APIKey,
		APISecret: a.cfg.APISecret,
		BaseURL:   a.cfg.BaseURL,
	}
	token, err := a.tokens.BrokerToken(ctx, accountID)
	if err == nil && token != "" {
		opts.OAuth = token
		opts.APIKey = ""
		opts.APISecret = ""
	}

	c := alpaca.NewClient(opts)
	a.mu.Lock()
	a.clients[accountID] = c
	a.mu.Unlock()
	return c, nil
}

// forget drops a cached client so the next call rebuilds it with a fresh
// token. Called after auth failures.
func (a *Alpaca) forget(accountID string) {
	a.mu.Lock()
	delete(a.clients, accountID)
	a.mu.Unlock()
}

// AllAccountPositions fans out over every active brokerage account with a
// bounded number of concurrent calls.
func (a *Alpaca) AllAccountPositions(ctx context.Context) (map[string][]types.Position, error) {
	accounts, err := a.accounts.ActiveAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	var mu sync.Mutex
	result := make(map[string][]types.Position)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxConcurrent)
	for _, acct := range accounts {
		if types.IsAggregatedAccount(acct.AccountID) {
			continue // aggregated holdings come from the relational store
		}
		g.Go(func() error {
			positions, err := a.Positions(gctx, acct.AccountID)
			if err != nil {
				return fmt.Errorf("positions for %s: %w", acct.AccountID, err)
			}
			mu.Lock()
			result[acct.AccountID] = positions
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// Positions fetches one account's holdings, normalized: sentinel P&L values
// cleared, zero-quantity rows dropped.
func (a *Alpaca) Positions(ctx context.Context, accountID string) ([]types.Position, error) {
	client, err := a.clientFor(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := a.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	raw, err := client.GetPositions()
	if err != nil {
		metrics.BrokerRequests.WithLabelValues("error").Inc()
		a.forget(accountID)
		return nil, fmt.Errorf("get positions: %w", err)
	}
	metrics.BrokerRequests.WithLabelValues("ok").Inc()

	positions := make([]types.Position, 0, len(raw))
	for _, p := range raw {
		pos := mapPosition(p)
		if !pos.Normalize() {
			a.logger.Warn("skipping zero-quantity position",
				"account_id", accountID, "symbol", pos.Symbol)
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// AccountDetails returns cash, current equity, and the prior close equity.
func (a *Alpaca) AccountDetails(ctx context.Context, accountID string) (types.AccountDetails, error) {
	client, err := a.clientFor(ctx, accountID)
	if err != nil {
		return types.AccountDetails{}, err
	}
	if err := a.pacer.Wait(ctx); err != nil {
		return types.AccountDetails{}, err
	}

	acct, err := client.GetAccount()
	if err != nil {
		metrics.BrokerRequests.WithLabelValues("error").Inc()
		a.forget(accountID)
		return types.AccountDetails{}, fmt.Errorf("get account: %w", err)
	}
	metrics.BrokerRequests.WithLabelValues("ok").Inc()

	return types.AccountDetails{
		AccountID:  accountID,
		Cash:       acct.Cash,
		Equity:     acct.Equity,
		LastEquity: acct.LastEquity,
	}, nil
}

// TodayCashFlow sums cash deposit and withdrawal activities since midnight
// exchange time.
func (a *Alpaca) TodayCashFlow(ctx context.Context, accountID string) (types.CashFlow, error) {
	client, err := a.clientFor(ctx, accountID)
	if err != nil {
		return types.CashFlow{}, err
	}
	if err := a.pacer.Wait(ctx); err != nil {
		return types.CashFlow{}, err
	}

	after := calendar.StartOfDay(time.Now())
	activities, err := client.GetAccountActivities(alpaca.GetAccountActivitiesRequest{
		ActivityTypes: []string{activityCashDeposit, activityCashWithdrawal},
		After:         after,
	})
	if err != nil {
		metrics.BrokerRequests.WithLabelValues("error").Inc()
		return types.CashFlow{}, fmt.Errorf("get activities: %w", err)
	}
	metrics.BrokerRequests.WithLabelValues("ok").Inc()

	var flow types.CashFlow
	for _, act := range activities {
		switch act.ActivityType {
		case activityCashDeposit:
			flow.Deposits = flow.Deposits.Add(act.NetAmount.Abs())
		case activityCashWithdrawal:
			flow.Withdrawals = flow.Withdrawals.Add(act.NetAmount.Abs())
		}
	}
	return flow, nil
}

// TodayProfitLoss reads the last point of the provider's 1D portfolio
// history, the tertiary daily-return source.
func (a *Alpaca) TodayProfitLoss(ctx context.Context, accountID string) (decimal.Decimal, bool, error) {
	client, err := a.clientFor(ctx, accountID)
	if err != nil {
		return decimal.Zero, false, err
	}
	if err := a.pacer.Wait(ctx); err != nil {
		return decimal.Zero, false, err
	}

	history, err := client.GetPortfolioHistory(alpaca.GetPortfolioHistoryRequest{
		Period:    "1D",
		TimeFrame: alpaca.TimeFrame("5Min"),
	})
	if err != nil {
		metrics.BrokerRequests.WithLabelValues("error").Inc()
		return decimal.Zero, false, fmt.Errorf("get portfolio history: %w", err)
	}
	metrics.BrokerRequests.WithLabelValues("ok").Inc()

	if history == nil || len(history.ProfitLoss) == 0 {
		return decimal.Zero, false, nil
	}
	return history.ProfitLoss[len(history.ProfitLoss)-1], true, nil
}

// DailyCloses fetches daily bars and returns close prices keyed by exchange
// date.
func (a *Alpaca) DailyCloses(ctx context.Context, symbol string, start, end time.Time) (map[string]decimal.Decimal, error) {
	if err := a.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	bars, err := a.mdClient.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
		End:       end,
	})
	if err != nil {
		metrics.BrokerRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("get bars for %s: %w", symbol, err)
	}
	metrics.BrokerRequests.WithLabelValues("ok").Inc()

	closes := make(map[string]decimal.Decimal, len(bars))
	for _, bar := range bars {
		closes[calendar.DateKey(bar.Timestamp)] = decimal.NewFromFloat(bar.Close)
	}
	return closes, nil
}

// mapPosition converts the SDK position into the internal shape. Pointer
// fields stay pointers: nil means the provider did not report the figure.
func mapPosition(p alpaca.Position) types.Position {
	pos := types.Position{
		Symbol:        p.Symbol,
		Quantity:      p.Qty,
		CostBasis:     p.CostBasis,
		AvgEntryPrice: p.AvgEntryPrice,
	}
	if p.MarketValue != nil {
		pos.MarketValue = *p.MarketValue
	}
	if p.CurrentPrice != nil {
		pos.CurrentPrice = *p.CurrentPrice
	}
	if p.UnrealizedPL != nil {
		pos.UnrealizedPL = *p.UnrealizedPL
	}
	if p.UnrealizedPLPC != nil {
		v := *p.UnrealizedPLPC
		pos.UnrealizedPLPC = &v
	}
	if p.UnrealizedIntradayPL != nil {
		v := *p.UnrealizedIntradayPL
		pos.UnrealizedIntradayPL = &v
	}
	return pos
}
