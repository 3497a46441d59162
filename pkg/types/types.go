// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the tracker — accounts, positions,
// quotes, portfolio snapshots, history rows, and the pub/sub event payloads
// that flow between the pipeline services. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// ConnectionType describes what an account link is allowed to do.
type ConnectionType string

const (
	ConnectionRead  ConnectionType = "read"  // holdings visibility only
	ConnectionTrade ConnectionType = "trade" // full brokerage connection
)

// Provider identifies where an account's data comes from.
type Provider string

const (
	ProviderAlpaca    Provider = "alpaca"
	ProviderPlaid     Provider = "plaid"
	ProviderSnapTrade Provider = "snaptrade"
)

// SnapshotType classifies a persisted equity-curve row.
type SnapshotType string

const (
	SnapshotIntraday           SnapshotType = "intraday"            // ~5 min samples during market hours, retained 7 days
	SnapshotDailyEOD           SnapshotType = "daily_eod"           // one authoritative close per trading day
	SnapshotReconstructed      SnapshotType = "reconstructed"       // rebuilt from transaction replay
	SnapshotIntradayAggregated SnapshotType = "intraday_aggregated" // read-path promotion of the day's latest intraday row
)

// Data sources recorded on history rows.
const (
	DataSourceRealtime          = "realtime"
	DataSourceEODClose          = "eod_close"
	DataSourceBackfillIntraday  = "backfill_from_intraday"
	DataSourceTransactionReplay = "transaction_replay"
)

// BackfillQualityScore marks rows promoted from intraday samples. Analytics
// consumers treat anything below 100 as derived rather than observed.
const BackfillQualityScore = 95

// Aggregated (non-brokerage) accounts are identified by their id prefix.
const (
	PrefixPlaid     = "plaid_"
	PrefixSnapTrade = "snaptrade_"

	// AggregatedAccountID is the literal id a client sends to subscribe to
	// the roll-up across all of its aggregated accounts.
	AggregatedAccountID = "aggregated"
)

// IsAggregatedAccount reports whether an account id belongs to an aggregation
// provider rather than a trading brokerage.
func IsAggregatedAccount(accountID string) bool {
	return strings.HasPrefix(accountID, PrefixPlaid) || strings.HasPrefix(accountID, PrefixSnapTrade)
}

// AggregatedKey is the internal snapshot/broadcast key for a user's roll-up
// view. Clients address it as the literal "aggregated"; internally it is
// scoped per user so one user's roll-up never reaches another's socket.
func AggregatedKey(userID string) string {
	return AggregatedAccountID + ":" + userID
}

// ————————————————————————————————————————————————————————————————————————
// Accounts & positions
// ————————————————————————————————————————————————————————————————————————

// Account is one row of the ownership table. account_id is opaque: an Alpaca
// UUID for brokerage accounts, or a plaid_/snaptrade_ prefixed id for
// aggregated ones.
type Account struct {
	AccountID      string         `json:"account_id"`
	UserID         string         `json:"user_id"`
	Provider       Provider       `json:"provider"`
	ConnectionType ConnectionType `json:"connection_type"`
	IsActive       bool           `json:"is_active"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// SentinelPLPC is the magic value some upstream sources emit when a percent
// P&L is unknown. It must never survive past the ingestion boundary.
var SentinelPLPC = decimal.NewFromInt(-999999)

// Position is one symbol held in one account, as cached by the Symbol
// Collector under account_positions:{account_id}. Intraday P&L fields are
// pointers: nil means the source did not report them, which is distinct
// from a reported zero.
type Position struct {
	Symbol               string           `json:"symbol"`
	Quantity             decimal.Decimal  `json:"quantity"`
	CostBasis            decimal.Decimal  `json:"cost_basis"`
	MarketValue          decimal.Decimal  `json:"market_value"`
	CurrentPrice         decimal.Decimal  `json:"current_price"`
	AvgEntryPrice        decimal.Decimal  `json:"avg_entry_price"`
	UnrealizedPL         decimal.Decimal  `json:"unrealized_pl"`
	UnrealizedPLPC       *decimal.Decimal `json:"unrealized_plpc,omitempty"`
	UnrealizedIntradayPL *decimal.Decimal `json:"unrealized_intraday_pl,omitempty"`
}

// Normalize clears sentinel P&L values in place. Returns false when the
// position is unusable (zero quantity) and should be skipped by the caller.
func (p *Position) Normalize() bool {
	if p.UnrealizedPLPC != nil && p.UnrealizedPLPC.Equal(SentinelPLPC) {
		p.UnrealizedPLPC = nil
	}
	if p.UnrealizedIntradayPL != nil && p.UnrealizedIntradayPL.Equal(SentinelPLPC) {
		p.UnrealizedIntradayPL = nil
	}
	return !p.Quantity.IsZero()
}

// AccountDetails is the account-level broker data the Calculator needs on
// each recompute: cash for total value, equity pair for the fallback
// daily-return source.
type AccountDetails struct {
	AccountID  string          `json:"account_id"`
	Cash       decimal.Decimal `json:"cash"`
	Equity     decimal.Decimal `json:"equity"`
	LastEquity decimal.Decimal `json:"last_equity"`
}

// CashFlow sums a single day's external money movement for one account.
// Deposits and withdrawals are both reported as positive magnitudes.
type CashFlow struct {
	Deposits    decimal.Decimal `json:"deposits"`
	Withdrawals decimal.Decimal `json:"withdrawals"`
}

// Net is deposits minus withdrawals: the amount by which equity moved
// without any investment return.
func (c CashFlow) Net() decimal.Decimal {
	return c.Deposits.Sub(c.Withdrawals)
}

// ————————————————————————————————————————————————————————————————————————
// Aggregated holdings
// ————————————————————————————————————————————————————————————————————————

// AccountContribution is one account's share of an aggregated holding.
type AccountContribution struct {
	AccountID   string          `json:"account_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	MarketValue decimal.Decimal `json:"market_value"`
	CostBasis   decimal.Decimal `json:"cost_basis"`
}

// AggregatedHolding is one symbol summed across all of a user's accounts.
// Rewritten whenever any contributing account syncs. The invariant
// sum(AccountContributions[].Quantity) == TotalQuantity holds within
// decimal rounding tolerance.
type AggregatedHolding struct {
	UserID               string                `json:"user_id"`
	Symbol               string                `json:"symbol"`
	TotalQuantity        decimal.Decimal       `json:"total_quantity"`
	TotalMarketValue     decimal.Decimal       `json:"total_market_value"`
	TotalCostBasis       decimal.Decimal       `json:"total_cost_basis"`
	AccountContributions []AccountContribution `json:"account_contributions"`
	UpdatedAt            time.Time             `json:"updated_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Quotes
// ————————————————————————————————————————————————————————————————————————

// Quote is the latest upstream tick for a tracked symbol, cached under
// quote:{symbol} with the configured price TTL.
type Quote struct {
	Symbol    string          `json:"symbol"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	AskSize   uint32          `json:"ask_size"`
	BidSize   uint32          `json:"bid_size"`
	Timestamp time.Time       `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio snapshots
// ————————————————————————————————————————————————————————————————————————

// PortfolioSnapshot is the computed value of an account at a moment. It is
// simultaneously the last_portfolio:{account_id} cache entry, the
// portfolio_updates pub/sub payload, and the WebSocket frame sent to
// clients, so the formatted display strings travel with the raw numbers.
type PortfolioSnapshot struct {
	AccountID        string    `json:"account_id"`
	TotalValue       string    `json:"total_value"`  // e.g. "$154,210.89"
	TodayReturn      string    `json:"today_return"` // e.g. "+$300.00 (0.19%)"
	RawValue         float64   `json:"raw_value"`
	RawReturn        float64   `json:"raw_return"`
	RawReturnPercent float64   `json:"raw_return_percent"`
	Timestamp        time.Time `json:"timestamp"`
}

// NewPortfolioSnapshot builds the wire snapshot from decimal inputs. The
// percent is the return against the current total value; a zero total
// yields a zero percent rather than a division error.
func NewPortfolioSnapshot(accountID string, totalValue, todayReturn decimal.Decimal, at time.Time) PortfolioSnapshot {
	percent := decimal.Zero
	if totalValue.IsPositive() {
		percent = todayReturn.Div(totalValue).Mul(decimal.NewFromInt(100))
	}
	return PortfolioSnapshot{
		AccountID:        accountID,
		TotalValue:       FormatUSD(totalValue),
		TodayReturn:      FormatReturn(todayReturn, percent),
		RawValue:         totalValue.InexactFloat64(),
		RawReturn:        todayReturn.InexactFloat64(),
		RawReturnPercent: percent.Round(2).InexactFloat64(),
		Timestamp:        at,
	}
}

// FormatUSD renders a dollar amount with thousands separators and two
// decimals, e.g. "$1,234.56" or "-$1,234.56".
func FormatUSD(d decimal.Decimal) string {
	abs := humanize.FormatFloat("#,###.##", d.Abs().InexactFloat64())
	if d.IsNegative() {
		return "-$" + abs
	}
	return "$" + abs
}

// FormatReturn renders a signed return with its percent, the exact shape
// clients display: "+$300.00 (0.19%)" or "-$12.34 (-0.05%)".
func FormatReturn(amount, percent decimal.Decimal) string {
	sign := "+"
	if amount.IsNegative() {
		sign = "-"
	}
	return sign + "$" + humanize.FormatFloat("#,###.##", amount.Abs().InexactFloat64()) +
		" (" + percent.Round(2).String() + "%)"
}

// ————————————————————————————————————————————————————————————————————————
// History rows
// ————————————————————————————————————————————————————————————————————————

// HistorySnapshot is one persisted point on a user's equity curve.
// ClosingValue is non-nil for every daily_eod row; OpeningValue may be nil
// for rows derived from a single sample.
type HistorySnapshot struct {
	ID                   int64            `json:"id"`
	UserID               string           `json:"user_id"`
	ValueDate            time.Time        `json:"value_date"`
	SnapshotType         SnapshotType     `json:"snapshot_type"`
	TotalValue           decimal.Decimal  `json:"total_value"`
	TotalCostBasis       decimal.Decimal  `json:"total_cost_basis"`
	TotalGainLoss        decimal.Decimal  `json:"total_gain_loss"`
	TotalGainLossPercent decimal.Decimal  `json:"total_gain_loss_percent"`
	OpeningValue         *decimal.Decimal `json:"opening_value,omitempty"`
	ClosingValue         *decimal.Decimal `json:"closing_value,omitempty"`
	DataSource           string           `json:"data_source"`
	PriceSource          string           `json:"price_source"`
	DataQualityScore     int              `json:"data_quality_score"`
	CreatedAt            time.Time        `json:"created_at"`
}

// Transaction is one replayable trade or transfer from an aggregation
// provider, the input to historical reconstruction.
type Transaction struct {
	ID         int64           `json:"id"`
	UserID     string          `json:"user_id"`
	AccountID  string          `json:"account_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"` // "buy" or "sell"
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Pub/sub events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages on the bus channels.
// symbol_updates: Symbol Collector → Market Data Consumer.
// price_updates: Market Data Consumer → Portfolio Calculator.
// portfolio_updates: Portfolio Calculator → WebSocket Broadcaster, and is
// the PortfolioSnapshot shape above.

// SymbolUpdate is the diff of the tracked symbol set.
type SymbolUpdate struct {
	Add       []string  `json:"add"`
	Remove    []string  `json:"remove"`
	Timestamp time.Time `json:"timestamp"`
}

// PriceUpdate is a single symbol's new price.
type PriceUpdate struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// RefreshRequest is published when a user triggers a manual refresh; the
// Calculator treats it as a force-recompute nudge for that user's accounts.
type RefreshRequest struct {
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}
