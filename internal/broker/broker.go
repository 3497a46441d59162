// Package broker talks to the upstream brokerage: positions, account
// equity, cash movements, and historical bars. The pipeline only ever sees
// the narrow interfaces below, so tests substitute fakes and the rest of
// the system stays ignorant of which provider is wired in.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"wealthcore/pkg/types"
)

// Client is the per-account brokerage surface used by the collector and
// the calculator.
type Client interface {
	// AllAccountPositions fetches positions for every active direct account
	// in one pass. The result is all-or-nothing: any per-account failure
	// fails the whole call so callers never act on a partial universe.
	AllAccountPositions(ctx context.Context) (map[string][]types.Position, error)

	// Positions returns the holdings of a single account, normalized and
	// with zero-quantity rows dropped.
	Positions(ctx context.Context, accountID string) ([]types.Position, error)

	// AccountDetails returns current cash and equity plus the previous
	// trading day's closing equity.
	AccountDetails(ctx context.Context, accountID string) (types.AccountDetails, error)

	// TodayCashFlow sums deposits and withdrawals since midnight exchange
	// time. Both magnitudes are positive.
	TodayCashFlow(ctx context.Context, accountID string) (types.CashFlow, error)

	// TodayProfitLoss returns the provider's own intraday P&L figure when
	// it reports one; ok is false when the provider has no number yet
	// (pre-market, or a freshly linked account).
	TodayProfitLoss(ctx context.Context, accountID string) (pl decimal.Decimal, ok bool, err error)
}

// BarSource serves historical daily closes, keyed by exchange-time date
// ("2006-01-02"). Used to reconstruct portfolio history from transactions.
type BarSource interface {
	DailyCloses(ctx context.Context, symbol string, start, end time.Time) (map[string]decimal.Decimal, error)
}

// AccountSource lists the accounts the broker should operate on. Backed by
// the relational store in production.
type AccountSource interface {
	ActiveAccounts(ctx context.Context) ([]types.Account, error)
}

// TokenSource resolves the OAuth token for one account. Backed by the
// user_broker_credentials table in production.
type TokenSource interface {
	BrokerToken(ctx context.Context, accountID string) (string, error)
}
