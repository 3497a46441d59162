package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"wealthcore/internal/bus"
	"wealthcore/internal/calendar"
	"wealthcore/internal/config"
	"wealthcore/pkg/types"
)

// AccountLister enumerates the accounts the fleet tracks.
type AccountLister interface {
	ActiveAccounts(ctx context.Context) ([]types.Account, error)
}

// Scheduler is the snapshot-scheduler service: it writes the authoritative
// daily_eod row for every user after each market close, promotes orphaned
// intraday rows on startup, and enforces intraday retention. Runs under a
// leader lease so only one replica writes.
type Scheduler struct {
	store    *Store
	accounts AccountLister
	bus      bus.Bus
	cfg      config.HistoryConfig
	logger   *slog.Logger
}

// NewScheduler wires the end-of-day snapshot service.
func NewScheduler(store *Store, accounts AccountLister, b bus.Bus, cfg config.HistoryConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		accounts: accounts,
		bus:      b,
		cfg:      cfg,
		logger:   logger.With("service", "snapshot-scheduler"),
	}
}

// Name identifies the leader lease this service runs under.
func (s *Scheduler) Name() string { return "snapshot-scheduler" }

// Run blocks until ctx is cancelled. It backfills once on startup (covering
// closes missed while no leader was up), then fires once per trading day at
// close plus the configured settlement delay.
func (s *Scheduler) Run(ctx context.Context) error {
	if n, err := s.store.Backfill(ctx); err != nil {
		s.logger.Error("startup backfill failed", "error", err)
	} else if n > 0 {
		s.logger.Info("backfilled missed closes", "rows", n)
	}

	for {
		close := calendar.NextClose(time.Now())
		fireAt := close.Add(s.cfg.EODDelay)
		s.logger.Info("next end-of-day snapshot scheduled", "at", fireAt)

		timer := time.NewTimer(time.Until(fireAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.writeCloses(ctx, calendar.StartOfDay(close))

		if n, err := s.store.Backfill(ctx); err != nil {
			s.logger.Error("backfill failed", "error", err)
		} else if n > 0 {
			s.logger.Info("backfilled missed closes", "rows", n)
		}
		if n, err := s.store.PruneIntraday(ctx, s.cfg.RetentionDays); err != nil {
			s.logger.Error("intraday prune failed", "error", err)
		} else if n > 0 {
			s.logger.Info("pruned intraday samples", "rows", n, "retention_days", s.cfg.RetentionDays)
		}
	}
}

// writeCloses persists one daily_eod row per user for the given trading day,
// valued from the last computed snapshots. A user with no snapshot in cache
// is skipped and picked up by the next backfill instead.
func (s *Scheduler) writeCloses(ctx context.Context, day time.Time) {
	accounts, err := s.accounts.ActiveAccounts(ctx)
	if err != nil {
		s.logger.Error("list accounts for eod snapshot failed", "error", err)
		return
	}

	totals := s.userTotals(ctx, accounts)
	written := 0
	for userID, total := range totals {
		if !total.IsPositive() {
			continue
		}
		if err := s.store.WriteDailyEOD(ctx, userID, total, day); err != nil {
			s.logger.Error("eod write failed", "user_id", userID, "error", err)
			continue
		}
		written++
	}
	s.logger.Info("end-of-day snapshots written",
		"date", calendar.DateKey(day), "users", written)
}

// userTotals sums each user's latest snapshot values: one entry per
// brokerage account plus at most one roll-up entry covering all of the
// user's aggregated accounts, so aggregation holdings are never counted
// once per provider link.
func (s *Scheduler) userTotals(ctx context.Context, accounts []types.Account) map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal)
	rolledUp := make(map[string]bool)
	for _, acct := range accounts {
		key := acct.AccountID
		if types.IsAggregatedAccount(acct.AccountID) {
			if rolledUp[acct.UserID] {
				continue
			}
			rolledUp[acct.UserID] = true
			key = types.AggregatedKey(acct.UserID)
		}

		var snap types.PortfolioSnapshot
		ok, err := bus.GetJSON(ctx, s.bus, bus.LastPortfolioKey(key), &snap)
		if err != nil {
			s.logger.Warn("snapshot read failed", "account_key", key, "error", err)
			continue
		}
		if !ok {
			continue
		}
		totals[acct.UserID] = totals[acct.UserID].Add(decimal.NewFromFloat(snap.RawValue))
	}
	return totals
}
