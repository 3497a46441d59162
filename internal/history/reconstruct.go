package history

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"wealthcore/internal/calendar"
	"wealthcore/pkg/types"
)

// TransactionSource serves a user's replayable transaction history,
// oldest first.
type TransactionSource interface {
	Transactions(ctx context.Context, userID string) ([]types.Transaction, error)
}

// CloseSource serves historical daily closes keyed by exchange date.
type CloseSource interface {
	DailyCloses(ctx context.Context, symbol string, start, end time.Time) (map[string]decimal.Decimal, error)
}

// Reconstructor rebuilds a user's equity curve by replaying transaction
// history against historical closes. Output rows are reconstructed and
// coexist with daily_eod rows on the read path.
type Reconstructor struct {
	store  *Store
	txs    TransactionSource
	closes CloseSource
	logger *slog.Logger
}

// NewReconstructor wires a reconstruction worker.
func NewReconstructor(store *Store, txs TransactionSource, closes CloseSource, logger *slog.Logger) *Reconstructor {
	return &Reconstructor{
		store:  store,
		txs:    txs,
		closes: closes,
		logger: logger.With("component", "reconstructor"),
	}
}

// Rebuild replays the user's full transaction history up to yesterday and
// persists the resulting daily rows. Invoked after an aggregated-account
// sync or on admin request.
func (r *Reconstructor) Rebuild(ctx context.Context, userID string) error {
	txs, err := r.txs.Transactions(ctx, userID)
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}
	if len(txs) == 0 {
		r.logger.Info("no transactions to replay", "user_id", userID)
		return nil
	}

	start := calendar.StartOfDay(txs[0].ExecutedAt)
	end := calendar.StartOfDay(time.Now()).AddDate(0, 0, -1)

	symbols := make(map[string]struct{})
	for _, tx := range txs {
		symbols[tx.Symbol] = struct{}{}
	}
	closes := make(map[string]map[string]decimal.Decimal, len(symbols))
	for sym := range symbols {
		c, err := r.closes.DailyCloses(ctx, sym, start, end)
		if err != nil {
			return fmt.Errorf("closes for %s: %w", sym, err)
		}
		closes[sym] = c
	}

	rows := ReplayTransactions(userID, txs, closes, start, end)
	for _, row := range rows {
		if err := r.store.WriteReconstructed(ctx, row); err != nil {
			return err
		}
	}
	r.logger.Info("history reconstructed",
		"user_id", userID, "transactions", len(txs), "rows", len(rows))
	return nil
}

// ReplayTransactions walks the transaction log chronologically and values
// the accumulated holdings at each trading day's close. Days without a
// close for a held symbol reuse the last known close (halts, new listings);
// days where nothing is held or nothing can be priced yield no row.
func ReplayTransactions(userID string, txs []types.Transaction,
	closes map[string]map[string]decimal.Decimal, start, end time.Time) []types.HistorySnapshot {

	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].ExecutedAt.Before(txs[j].ExecutedAt)
	})
	start = calendar.StartOfDay(start)
	end = calendar.StartOfDay(end)

	holdings := make(map[string]decimal.Decimal)
	costBasis := make(map[string]decimal.Decimal)
	lastClose := make(map[string]decimal.Decimal)

	var rows []types.HistorySnapshot
	next := 0
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dayEnd := calendar.MarketClose(d)
		for next < len(txs) && !txs[next].ExecutedAt.After(dayEnd) {
			applyTransaction(holdings, costBasis, txs[next])
			next++
		}
		if !calendar.IsTradingDay(d) {
			continue
		}

		key := calendar.DateKey(d)
		totalValue := decimal.Zero
		totalCost := decimal.Zero
		priced := false
		for sym, qty := range holdings {
			if qty.IsZero() {
				continue
			}
			close, ok := closes[sym][key]
			if ok {
				lastClose[sym] = close
			} else {
				close, ok = lastClose[sym]
			}
			if !ok {
				continue
			}
			priced = true
			totalValue = totalValue.Add(qty.Mul(close))
			totalCost = totalCost.Add(costBasis[sym])
		}
		if !priced || !totalValue.IsPositive() {
			continue
		}

		gainLoss := totalValue.Sub(totalCost)
		percent := decimal.Zero
		if totalCost.IsPositive() {
			percent = gainLoss.Div(totalCost).Mul(decimal.NewFromInt(100))
		}
		rows = append(rows, types.HistorySnapshot{
			UserID:               userID,
			ValueDate:            d,
			SnapshotType:         types.SnapshotReconstructed,
			TotalValue:           totalValue,
			TotalCostBasis:       totalCost,
			TotalGainLoss:        gainLoss,
			TotalGainLossPercent: percent,
			DataSource:           types.DataSourceTransactionReplay,
			PriceSource:          "daily_bars",
			DataQualityScore:     types.BackfillQualityScore,
		})
	}
	return rows
}

// applyTransaction folds one buy or sell into the running holdings. Sells
// reduce cost basis proportionally; a position sold to zero clears both.
func applyTransaction(holdings, costBasis map[string]decimal.Decimal, tx types.Transaction) {
	qty := holdings[tx.Symbol]
	switch tx.Side {
	case "buy":
		holdings[tx.Symbol] = qty.Add(tx.Quantity)
		costBasis[tx.Symbol] = costBasis[tx.Symbol].Add(tx.Amount.Abs())
	case "sell":
		if qty.IsZero() {
			return
		}
		sold := tx.Quantity
		if sold.GreaterThan(qty) {
			sold = qty
		}
		fraction := sold.Div(qty)
		remaining := qty.Sub(sold)
		holdings[tx.Symbol] = remaining
		if remaining.IsZero() {
			delete(holdings, tx.Symbol)
			delete(costBasis, tx.Symbol)
			return
		}
		costBasis[tx.Symbol] = costBasis[tx.Symbol].Sub(costBasis[tx.Symbol].Mul(fraction))
	}
}
