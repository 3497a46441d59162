package history

import (
	"sort"

	"wealthcore/pkg/types"
)

// MergeSeries combines daily (daily_eod and reconstructed) rows with
// intraday samples into one continuous per-day series:
//
//   - daily rows win for every date they cover;
//   - for dates after the last covered date, the intraday sample with the
//     greatest created_at represents the day, retagged intraday_aggregated;
//   - samples with non-positive totals are skipped;
//   - the result is sorted by value_date ascending with strictly
//     increasing dates.
//
// When no daily rows exist at all, the series is built entirely from the
// intraday samples.
func MergeSeries(daily, intraday []types.HistorySnapshot) []types.HistorySnapshot {
	series := make([]types.HistorySnapshot, 0, len(daily))
	covered := ""
	for _, row := range daily {
		key := row.ValueDate.Format("2006-01-02")
		if key <= covered {
			continue // duplicate date from overlapping eod/reconstructed rows
		}
		covered = key
		series = append(series, row)
	}

	// Latest sample per uncovered date.
	latest := make(map[string]types.HistorySnapshot)
	for _, row := range intraday {
		key := row.ValueDate.Format("2006-01-02")
		if key <= covered {
			continue
		}
		if best, ok := latest[key]; !ok || row.CreatedAt.After(best.CreatedAt) {
			latest[key] = row
		}
	}

	keys := make([]string, 0, len(latest))
	for key := range latest {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		row := latest[key]
		if !row.TotalValue.IsPositive() {
			continue
		}
		row.SnapshotType = types.SnapshotIntradayAggregated
		series = append(series, row)
	}

	sort.Slice(series, func(i, j int) bool {
		return series[i].ValueDate.Before(series[j].ValueDate)
	})
	return series
}
