package portfolio

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"wealthcore/internal/config"
	"wealthcore/pkg/types"
)

// ReturnInputs carries everything the daily-return computation may need.
// CashFlow and HistoryPL are fetched lazily: they cost a broker round-trip
// each and most recomputes never get past the primary source.
type ReturnInputs struct {
	Positions []types.Position
	Details   types.AccountDetails
	CashFlow  func(ctx context.Context) (types.CashFlow, error)
	HistoryPL func(ctx context.Context) (decimal.Decimal, bool, error)
}

// DailyReturn computes the account's investment return for the current
// trading day, excluding deposits and withdrawals. Sources in order:
//
//  1. summed position-level intraday P&L, when any position reports one;
//  2. deposit-adjusted equity delta against last_equity;
//  3. the broker's own portfolio-history P&L figure.
//
// Equity-derived candidates (2, 3) whose move exceeds maxMovePercent of
// current equity are treated as stale-baseline artifacts and skipped. No
// candidate from any source survives past HardDailyMovePercent. When every
// source fails, the return is zero: a flat day is a better answer than a
// wrong one.
func DailyReturn(ctx context.Context, in ReturnInputs, maxMovePercent float64, logger *slog.Logger) decimal.Decimal {
	equity := in.Details.Equity

	if pl, ok := intradayPL(in.Positions); ok {
		if withinPercent(pl, equity, config.HardDailyMovePercent) {
			return pl
		}
		logger.Warn("position intraday pl rejected as implausible",
			"account_id", in.Details.AccountID, "candidate", pl)
	}

	if candidate, ok := adjustedEquityDelta(ctx, in, logger); ok {
		if withinPercent(candidate, equity, maxMovePercent) &&
			withinPercent(candidate, equity, config.HardDailyMovePercent) {
			return candidate
		}
		logger.Warn("equity delta rejected as implausible",
			"account_id", in.Details.AccountID, "candidate", candidate,
			"equity", equity, "max_move_percent", maxMovePercent)
	}

	if in.HistoryPL != nil {
		pl, ok, err := in.HistoryPL(ctx)
		if err != nil {
			logger.Warn("portfolio history unavailable",
				"account_id", in.Details.AccountID, "error", err)
		} else if ok {
			if withinPercent(pl, equity, maxMovePercent) &&
				withinPercent(pl, equity, config.HardDailyMovePercent) {
				return pl
			}
			logger.Warn("history pl rejected as implausible",
				"account_id", in.Details.AccountID, "candidate", pl)
		}
	}

	logger.Warn("no plausible daily-return source, reporting zero",
		"account_id", in.Details.AccountID)
	return decimal.Zero
}

// intradayPL sums position-level intraday P&L. ok is false when no position
// reports a non-zero figure, which is how sandbox accounts look.
func intradayPL(positions []types.Position) (decimal.Decimal, bool) {
	total := decimal.Zero
	reported := false
	for _, p := range positions {
		if p.UnrealizedIntradayPL == nil {
			continue
		}
		if !p.UnrealizedIntradayPL.IsZero() {
			reported = true
		}
		total = total.Add(*p.UnrealizedIntradayPL)
	}
	return total, reported
}

// adjustedEquityDelta strips today's external cash movement out of the
// equity change so a deposit never reads as a gain.
func adjustedEquityDelta(ctx context.Context, in ReturnInputs, logger *slog.Logger) (decimal.Decimal, bool) {
	if in.CashFlow == nil || in.Details.LastEquity.IsZero() {
		return decimal.Zero, false
	}
	flow, err := in.CashFlow(ctx)
	if err != nil {
		logger.Warn("cash flow unavailable",
			"account_id", in.Details.AccountID, "error", err)
		return decimal.Zero, false
	}
	adjusted := in.Details.Equity.Sub(flow.Net())
	return adjusted.Sub(in.Details.LastEquity), true
}

// withinPercent reports whether candidate is at most cap percent of equity
// in magnitude. A non-positive equity can't bound anything, so nothing
// passes.
func withinPercent(candidate, equity decimal.Decimal, cap float64) bool {
	if !equity.IsPositive() {
		return false
	}
	percent := candidate.Div(equity).Mul(decimal.NewFromInt(100)).Abs()
	return percent.LessThanOrEqual(decimal.NewFromFloat(cap))
}
