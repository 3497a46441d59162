// Package aggregation talks to the account-aggregation provider that backs
// plaid_/snaptrade_ accounts: triggering upstream syncs and pulling the
// synced holdings and transactions back into the local store.
package aggregation

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"wealthcore/internal/config"
	"wealthcore/pkg/types"
)

// Client is the provider REST API client: a resty client with retry on 5xx
// and API-key auth.
type Client struct {
	http *resty.Client
}

// NewClient creates the provider client.
func NewClient(cfg config.AggregationConfig) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-Key", cfg.APIKey)

	return &Client{http: httpClient}
}

// providerHolding is one account's position for one symbol as the provider
// reports it.
type providerHolding struct {
	AccountID   string          `json:"account_id"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	MarketValue decimal.Decimal `json:"market_value"`
	CostBasis   decimal.Decimal `json:"cost_basis"`
}

type providerTransaction struct {
	AccountID  string          `json:"account_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// TriggerSync asks the provider to refresh the user's linked accounts. The
// provider answers before the sync finishes; callers poll holdings
// afterwards or just accept last-synced data.
func (c *Client) TriggerSync(ctx context.Context, userID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("user_id", userID).
		Post("/users/{user_id}/sync")
	if err != nil {
		return fmt.Errorf("trigger sync: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusAccepted {
		return fmt.Errorf("trigger sync: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Holdings fetches the user's per-account positions and rolls them up per
// symbol, the shape the local user_aggregated_holdings table stores.
func (c *Client) Holdings(ctx context.Context, userID string) ([]types.AggregatedHolding, error) {
	var raw []providerHolding
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("user_id", userID).
		SetResult(&raw).
		Get("/users/{user_id}/holdings")
	if err != nil {
		return nil, fmt.Errorf("get holdings: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get holdings: status %d: %s", resp.StatusCode(), resp.String())
	}
	return rollUp(userID, raw), nil
}

// Transactions fetches the user's full transaction history, oldest first.
func (c *Client) Transactions(ctx context.Context, userID string) ([]types.Transaction, error) {
	var raw []providerTransaction
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("user_id", userID).
		SetResult(&raw).
		Get("/users/{user_id}/transactions")
	if err != nil {
		return nil, fmt.Errorf("get transactions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get transactions: status %d: %s", resp.StatusCode(), resp.String())
	}

	txs := make([]types.Transaction, 0, len(raw))
	for _, t := range raw {
		txs = append(txs, types.Transaction{
			UserID:     userID,
			AccountID:  t.AccountID,
			Symbol:     t.Symbol,
			Side:       t.Side,
			Quantity:   t.Quantity,
			Price:      t.Price,
			Amount:     t.Amount,
			ExecutedAt: t.ExecutedAt,
		})
	}
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].ExecutedAt.Before(txs[j].ExecutedAt)
	})
	return txs, nil
}

// rollUp sums per-account rows into one holding per symbol, keeping the
// per-account contributions so callers can attribute quantities back.
func rollUp(userID string, raw []providerHolding) []types.AggregatedHolding {
	bySymbol := make(map[string]*types.AggregatedHolding)
	for _, h := range raw {
		if h.Symbol == "" || h.Quantity.IsZero() {
			continue
		}
		agg, ok := bySymbol[h.Symbol]
		if !ok {
			agg = &types.AggregatedHolding{UserID: userID, Symbol: h.Symbol, UpdatedAt: time.Now().UTC()}
			bySymbol[h.Symbol] = agg
		}
		agg.TotalQuantity = agg.TotalQuantity.Add(h.Quantity)
		agg.TotalMarketValue = agg.TotalMarketValue.Add(h.MarketValue)
		agg.TotalCostBasis = agg.TotalCostBasis.Add(h.CostBasis)
		agg.AccountContributions = append(agg.AccountContributions, types.AccountContribution{
			AccountID:   h.AccountID,
			Quantity:    h.Quantity,
			MarketValue: h.MarketValue,
			CostBasis:   h.CostBasis,
		})
	}

	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	holdings := make([]types.AggregatedHolding, 0, len(symbols))
	for _, s := range symbols {
		holdings = append(holdings, *bySymbol[s])
	}
	return holdings
}
