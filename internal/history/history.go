// Package history is the snapshot store: it persists the equity curve
// (intraday samples, end-of-day closes, reconstructed rows) and serves the
// gap-filled per-day series that analytics endpoints read.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"wealthcore/internal/metrics"
	"wealthcore/pkg/types"
)

const historyColumns = `id, user_id, value_date, snapshot_type, total_value,
	total_cost_basis, total_gain_loss, total_gain_loss_percent,
	opening_value, closing_value, data_source, price_source,
	data_quality_score, created_at`

// Store persists and reads user_portfolio_history rows.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore wraps the shared connection pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With("component", "history")}
}

// WriteIntraday appends one intraday sample. Multiple rows per date are
// expected; created_at distinguishes them.
func (s *Store) WriteIntraday(ctx context.Context, userID string, totalValue, costBasis decimal.Decimal, at time.Time) error {
	gainLoss := totalValue.Sub(costBasis)
	percent := decimal.Zero
	if costBasis.IsPositive() {
		percent = gainLoss.Div(costBasis).Mul(decimal.NewFromInt(100))
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_portfolio_history
		   (user_id, value_date, snapshot_type, total_value, total_cost_basis,
		    total_gain_loss, total_gain_loss_percent, data_source, price_source, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		userID, at, types.SnapshotIntraday, totalValue, costBasis,
		gainLoss, percent, types.DataSourceRealtime, "stream", at)
	if err != nil {
		return fmt.Errorf("insert intraday for %s: %w", userID, err)
	}
	metrics.SnapshotWrites.WithLabelValues(string(types.SnapshotIntraday)).Inc()
	return nil
}

// WriteDailyEOD writes the authoritative close for one trading day. The
// insert is conditional on (user_id, value_date, snapshot_type), so running
// the job twice cannot duplicate a close.
func (s *Store) WriteDailyEOD(ctx context.Context, userID string, totalValue decimal.Decimal, day time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO user_portfolio_history
		   (user_id, value_date, snapshot_type, total_value, closing_value,
		    data_source, price_source, created_at)
		 VALUES ($1, $2, $3, $4, $4, $5, $6, now())
		 ON CONFLICT (user_id, value_date, snapshot_type)
		   WHERE snapshot_type IN ('daily_eod', 'reconstructed')
		 DO NOTHING`,
		userID, day, types.SnapshotDailyEOD, totalValue, types.DataSourceEODClose, "stream")
	if err != nil {
		return fmt.Errorf("insert daily_eod for %s: %w", userID, err)
	}
	if tag.RowsAffected() > 0 {
		metrics.SnapshotWrites.WithLabelValues(string(types.SnapshotDailyEOD)).Inc()
	}
	return nil
}

// WriteReconstructed writes one transaction-replay row. Conditional like
// WriteDailyEOD so re-running reconstruction is idempotent.
func (s *Store) WriteReconstructed(ctx context.Context, row types.HistorySnapshot) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO user_portfolio_history
		   (user_id, value_date, snapshot_type, total_value, total_cost_basis,
		    total_gain_loss, total_gain_loss_percent, closing_value,
		    data_source, price_source, data_quality_score, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		 ON CONFLICT (user_id, value_date, snapshot_type)
		   WHERE snapshot_type IN ('daily_eod', 'reconstructed')
		 DO NOTHING`,
		row.UserID, row.ValueDate, types.SnapshotReconstructed, row.TotalValue,
		row.TotalCostBasis, row.TotalGainLoss, row.TotalGainLossPercent,
		row.TotalValue, row.DataSource, row.PriceSource, row.DataQualityScore)
	if err != nil {
		return fmt.Errorf("insert reconstructed for %s/%s: %w", row.UserID, row.ValueDate.Format("2006-01-02"), err)
	}
	if tag.RowsAffected() > 0 {
		metrics.SnapshotWrites.WithLabelValues(string(types.SnapshotReconstructed)).Inc()
	}
	return nil
}

// Backfill promotes, for every user/date that has intraday rows but no
// daily_eod row, the latest intraday row of that date to a daily_eod row.
// One statement, idempotent through the partial unique index.
func (s *Store) Backfill(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO user_portfolio_history
		   (user_id, value_date, snapshot_type, total_value, total_cost_basis,
		    total_gain_loss, total_gain_loss_percent, closing_value,
		    data_source, price_source, data_quality_score, created_at)
		 SELECT DISTINCT ON (i.user_id, i.value_date)
		        i.user_id, i.value_date, 'daily_eod', i.total_value, i.total_cost_basis,
		        i.total_gain_loss, i.total_gain_loss_percent, i.total_value,
		        $1, i.price_source, $2, now()
		 FROM user_portfolio_history i
		 WHERE i.snapshot_type = 'intraday'
		   AND i.total_value > 0
		   AND NOT EXISTS (
		       SELECT 1 FROM user_portfolio_history e
		       WHERE e.user_id = i.user_id
		         AND e.value_date = i.value_date
		         AND e.snapshot_type = 'daily_eod'
		   )
		 ORDER BY i.user_id, i.value_date, i.created_at DESC
		 ON CONFLICT (user_id, value_date, snapshot_type)
		   WHERE snapshot_type IN ('daily_eod', 'reconstructed')
		 DO NOTHING`,
		types.DataSourceBackfillIntraday, types.BackfillQualityScore)
	if err != nil {
		return 0, fmt.Errorf("backfill: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneIntraday deletes intraday samples older than the retention window.
func (s *Store) PruneIntraday(ctx context.Context, retentionDays int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM user_portfolio_history
		 WHERE snapshot_type = 'intraday'
		   AND created_at < now() - make_interval(days => $1)`,
		retentionDays)
	if err != nil {
		return 0, fmt.Errorf("prune intraday: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DailyRows returns daily_eod and reconstructed rows in [from, to].
func (s *Store) DailyRows(ctx context.Context, userID string, from, to time.Time) ([]types.HistorySnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+historyColumns+`
		 FROM user_portfolio_history
		 WHERE user_id = $1
		   AND snapshot_type IN ($2, $3)
		   AND value_date BETWEEN $4 AND $5
		 ORDER BY value_date`,
		userID, types.SnapshotDailyEOD, types.SnapshotReconstructed, from, to)
	if err != nil {
		return nil, fmt.Errorf("query daily rows for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// IntradayRows returns intraday samples with value_date strictly after the
// given date, up to and including to.
func (s *Store) IntradayRows(ctx context.Context, userID string, after, to time.Time) ([]types.HistorySnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+historyColumns+`
		 FROM user_portfolio_history
		 WHERE user_id = $1
		   AND snapshot_type = $2
		   AND value_date > $3 AND value_date <= $4
		 ORDER BY value_date, created_at`,
		userID, types.SnapshotIntraday, after, to)
	if err != nil {
		return nil, fmt.Errorf("query intraday rows for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// Series returns the per-day equity curve for a date range: daily rows
// gap-filled with the latest intraday sample of every uncovered date.
func (s *Store) Series(ctx context.Context, userID string, from, to time.Time) ([]types.HistorySnapshot, error) {
	daily, err := s.DailyRows(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}

	after := from.AddDate(0, 0, -1) // no daily rows: gap-fill the whole range
	if len(daily) > 0 {
		after = daily[len(daily)-1].ValueDate
	}
	intraday, err := s.IntradayRows(ctx, userID, after, to)
	if err != nil {
		return nil, err
	}

	return MergeSeries(daily, intraday), nil
}

func scanSnapshots(rows pgx.Rows) ([]types.HistorySnapshot, error) {
	var snapshots []types.HistorySnapshot
	for rows.Next() {
		var h types.HistorySnapshot
		if err := rows.Scan(&h.ID, &h.UserID, &h.ValueDate, &h.SnapshotType,
			&h.TotalValue, &h.TotalCostBasis, &h.TotalGainLoss, &h.TotalGainLossPercent,
			&h.OpeningValue, &h.ClosingValue, &h.DataSource, &h.PriceSource,
			&h.DataQualityScore, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		snapshots = append(snapshots, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return snapshots, nil
}
