// Package calendar answers trading-day questions for US equity markets:
// whether the market is open, when the next close is, and which calendar
// date a timestamp belongs to. Everything is evaluated in exchange time
// (America/New_York); tzdata is embedded so containers without a zoneinfo
// directory still resolve it.
package calendar

import (
	"time"
	_ "time/tzdata"
)

var ny = mustLoad("America/New_York")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic("calendar: " + err.Error())
	}
	return loc
}

// Location returns the exchange time zone.
func Location() *time.Location {
	return ny
}

// holidays lists full-day US market closures. Half days still count as
// trading days; the close-time difference only shortens the intraday
// window, which is acceptable for snapshot scheduling.
var holidays = map[string]bool{
	// 2024
	"2024-01-01": true, "2024-01-15": true, "2024-02-19": true,
	"2024-03-29": true, "2024-05-27": true, "2024-06-19": true,
	"2024-07-04": true, "2024-09-02": true, "2024-11-28": true,
	"2024-12-25": true,
	// 2025
	"2025-01-01": true, "2025-01-20": true, "2025-02-17": true,
	"2025-04-18": true, "2025-05-26": true, "2025-06-19": true,
	"2025-07-04": true, "2025-09-01": true, "2025-11-27": true,
	"2025-12-25": true,
	// 2026
	"2026-01-01": true, "2026-01-19": true, "2026-02-16": true,
	"2026-04-03": true, "2026-05-25": true, "2026-06-19": true,
	"2026-07-03": true, "2026-09-07": true, "2026-11-26": true,
	"2026-12-25": true,
}

// DateKey is the calendar date of t in exchange time, formatted as the
// value_date keys used throughout the snapshot store.
func DateKey(t time.Time) string {
	return t.In(ny).Format("2006-01-02")
}

// IsTradingDay reports whether t falls on a weekday that is not a full
// market holiday.
func IsTradingDay(t time.Time) bool {
	local := t.In(ny)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !holidays[local.Format("2006-01-02")]
}

// IsMarketHours reports whether t is inside the regular session,
// 9:30 to 16:00 exchange time on a trading day.
func IsMarketHours(t time.Time) bool {
	if !IsTradingDay(t) {
		return false
	}
	local := t.In(ny)
	open := time.Date(local.Year(), local.Month(), local.Day(), 9, 30, 0, 0, ny)
	close := time.Date(local.Year(), local.Month(), local.Day(), 16, 0, 0, 0, ny)
	return !local.Before(open) && local.Before(close)
}

// StartOfDay is midnight of t's calendar date in exchange time, the lower
// bound for "today's" account activity.
func StartOfDay(t time.Time) time.Time {
	local := t.In(ny)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, ny)
}

// MarketClose is 16:00 exchange time on t's calendar date, whether or not
// that date is a trading day.
func MarketClose(t time.Time) time.Time {
	local := t.In(ny)
	return time.Date(local.Year(), local.Month(), local.Day(), 16, 0, 0, 0, ny)
}

// NextClose returns the first regular-session close strictly after t,
// skipping weekends and holidays. Used to schedule end-of-day snapshots.
func NextClose(t time.Time) time.Time {
	local := t.In(ny)
	for {
		if IsTradingDay(local) {
			close := MarketClose(local)
			if close.After(t) {
				return close
			}
		}
		local = local.AddDate(0, 0, 1)
		local = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, ny)
	}
}
