package history

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"wealthcore/internal/calendar"
	"wealthcore/pkg/types"
)

func tx(symbol, side string, qty, price float64, at time.Time) types.Transaction {
	q := decimal.NewFromFloat(qty)
	p := decimal.NewFromFloat(price)
	return types.Transaction{
		UserID:     "user-1",
		Symbol:     symbol,
		Side:       side,
		Quantity:   q,
		Price:      p,
		Amount:     q.Mul(p),
		ExecutedAt: at,
	}
}

func tradingNoon(offset int) time.Time {
	return time.Date(2026, 3, 2, 12, 0, 0, 0, calendar.Location()).AddDate(0, 0, offset)
}

func TestReplayTransactionsBuildsCurve(t *testing.T) {
	t.Parallel()

	// Buy 10 AAPL Monday, 5 MSFT Tuesday; value through Wednesday.
	txs := []types.Transaction{
		tx("AAPL", "buy", 10, 150, tradingNoon(0)),
		tx("MSFT", "buy", 5, 300, tradingNoon(1)),
	}
	closes := map[string]map[string]decimal.Decimal{
		"AAPL": {
			"2026-03-02": decimal.NewFromInt(152),
			"2026-03-03": decimal.NewFromInt(154),
			"2026-03-04": decimal.NewFromInt(153),
		},
		"MSFT": {
			"2026-03-03": decimal.NewFromInt(310),
			"2026-03-04": decimal.NewFromInt(305),
		},
	}

	rows := ReplayTransactions("user-1", txs, closes, tradingNoon(0), tradingNoon(2))
	if len(rows) != 3 {
		t.Fatalf("len = %d, want 3", len(rows))
	}

	// Monday: 10*152.
	if !rows[0].TotalValue.Equal(decimal.NewFromInt(1520)) {
		t.Errorf("day 0 value = %s, want 1520", rows[0].TotalValue)
	}
	// Tuesday: 10*154 + 5*310.
	if !rows[1].TotalValue.Equal(decimal.NewFromInt(3090)) {
		t.Errorf("day 1 value = %s, want 3090", rows[1].TotalValue)
	}
	// Wednesday: 10*153 + 5*305.
	if !rows[2].TotalValue.Equal(decimal.NewFromInt(3055)) {
		t.Errorf("day 2 value = %s, want 3055", rows[2].TotalValue)
	}

	// Cost basis on Tuesday onward: 1500 + 1500.
	if !rows[1].TotalCostBasis.Equal(decimal.NewFromInt(3000)) {
		t.Errorf("day 1 cost basis = %s, want 3000", rows[1].TotalCostBasis)
	}
	if !rows[1].TotalGainLoss.Equal(decimal.NewFromInt(90)) {
		t.Errorf("day 1 gain = %s, want 90", rows[1].TotalGainLoss)
	}

	for i, row := range rows {
		if row.SnapshotType != types.SnapshotReconstructed {
			t.Errorf("row %d type = %s, want reconstructed", i, row.SnapshotType)
		}
		if row.DataQualityScore != types.BackfillQualityScore {
			t.Errorf("row %d quality = %d, want %d", i, row.DataQualityScore, types.BackfillQualityScore)
		}
	}
}

func TestReplayTransactionsSellReducesBasisProportionally(t *testing.T) {
	t.Parallel()

	txs := []types.Transaction{
		tx("AAPL", "buy", 10, 100, tradingNoon(0)),
		tx("AAPL", "sell", 5, 120, tradingNoon(1)),
	}
	closes := map[string]map[string]decimal.Decimal{
		"AAPL": {
			"2026-03-02": decimal.NewFromInt(110),
			"2026-03-03": decimal.NewFromInt(120),
		},
	}

	rows := ReplayTransactions("user-1", txs, closes, tradingNoon(0), tradingNoon(1))
	if len(rows) != 2 {
		t.Fatalf("len = %d, want 2", len(rows))
	}
	// After selling half, 5 shares remain with half the basis.
	if !rows[1].TotalValue.Equal(decimal.NewFromInt(600)) {
		t.Errorf("day 1 value = %s, want 600", rows[1].TotalValue)
	}
	if !rows[1].TotalCostBasis.Equal(decimal.NewFromInt(500)) {
		t.Errorf("day 1 cost basis = %s, want 500", rows[1].TotalCostBasis)
	}
}

func TestReplayTransactionsSellToZeroEndsCurve(t *testing.T) {
	t.Parallel()

	txs := []types.Transaction{
		tx("AAPL", "buy", 10, 100, tradingNoon(0)),
		tx("AAPL", "sell", 10, 120, tradingNoon(1)),
	}
	closes := map[string]map[string]decimal.Decimal{
		"AAPL": {"2026-03-02": decimal.NewFromInt(110)},
	}

	rows := ReplayTransactions("user-1", txs, closes, tradingNoon(0), tradingNoon(2))
	if len(rows) != 1 {
		t.Fatalf("len = %d, want 1 (no rows after position closed)", len(rows))
	}
	if !rows[0].ValueDate.Equal(calendar.StartOfDay(tradingNoon(0))) {
		t.Errorf("row date = %v", rows[0].ValueDate)
	}
}

func TestReplayTransactionsCarriesForwardMissingClose(t *testing.T) {
	t.Parallel()

	txs := []types.Transaction{tx("AAPL", "buy", 10, 100, tradingNoon(0))}
	// No Tuesday close: Monday's carries forward.
	closes := map[string]map[string]decimal.Decimal{
		"AAPL": {"2026-03-02": decimal.NewFromInt(110)},
	}

	rows := ReplayTransactions("user-1", txs, closes, tradingNoon(0), tradingNoon(1))
	if len(rows) != 2 {
		t.Fatalf("len = %d, want 2", len(rows))
	}
	if !rows[1].TotalValue.Equal(decimal.NewFromInt(1100)) {
		t.Errorf("day 1 value = %s, want carried-forward 1100", rows[1].TotalValue)
	}
}

func TestReplayTransactionsSkipsWeekends(t *testing.T) {
	t.Parallel()

	// Buy on Friday 2026-03-06, replay through Monday: Saturday and Sunday
	// produce no rows.
	friday := tradingNoon(4)
	txs := []types.Transaction{tx("AAPL", "buy", 1, 100, friday)}
	closes := map[string]map[string]decimal.Decimal{
		"AAPL": {
			"2026-03-06": decimal.NewFromInt(100),
			"2026-03-09": decimal.NewFromInt(105),
		},
	}

	rows := ReplayTransactions("user-1", txs, closes, friday, friday.AddDate(0, 0, 3))
	if len(rows) != 2 {
		t.Fatalf("len = %d, want 2 (Fri and Mon)", len(rows))
	}
	if calendar.DateKey(rows[1].ValueDate) != "2026-03-09" {
		t.Errorf("second row date = %s, want 2026-03-09", calendar.DateKey(rows[1].ValueDate))
	}
}

func TestReplayTransactionsOversellClamped(t *testing.T) {
	t.Parallel()

	// Provider data sometimes reports a sell larger than the tracked
	// position. The replay clamps instead of going negative.
	txs := []types.Transaction{
		tx("AAPL", "buy", 5, 100, tradingNoon(0)),
		tx("AAPL", "sell", 8, 100, tradingNoon(0).Add(time.Hour)),
	}
	closes := map[string]map[string]decimal.Decimal{
		"AAPL": {"2026-03-02": decimal.NewFromInt(100)},
	}

	rows := ReplayTransactions("user-1", txs, closes, tradingNoon(0), tradingNoon(0))
	if len(rows) != 0 {
		t.Fatalf("len = %d, want 0 (position fully closed, nothing negative)", len(rows))
	}
}
