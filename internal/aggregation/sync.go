package aggregation

import (
	"context"
	"fmt"
	"log/slog"

	"wealthcore/pkg/types"
)

// SyncStore persists the synced provider state.
type SyncStore interface {
	ReplaceAggregatedHoldings(ctx context.Context, userID string, holdings []types.AggregatedHolding) error
	ReplaceTransactions(ctx context.Context, userID, accountID string, txs []types.Transaction) error
}

// Invalidator drops cached valuations so the next recompute sees the fresh
// sync. Satisfied by the portfolio enricher.
type Invalidator interface {
	Invalidate(userID string)
}

// Rebuilder replays the user's transaction history into reconstructed
// equity-curve rows.
type Rebuilder interface {
	Rebuild(ctx context.Context, userID string) error
}

// Syncer runs the full provider sync for one user: trigger upstream, pull
// holdings and transactions, rewrite local state, invalidate caches, and
// rebuild reconstructed history.
type Syncer struct {
	client  *Client
	store   SyncStore
	caches  Invalidator
	rebuild Rebuilder
	logger  *slog.Logger
}

// NewSyncer wires the sync orchestration. rebuild may be nil to skip
// history reconstruction.
func NewSyncer(client *Client, store SyncStore, caches Invalidator, rebuild Rebuilder, logger *slog.Logger) *Syncer {
	return &Syncer{
		client:  client,
		store:   store,
		caches:  caches,
		rebuild: rebuild,
		logger:  logger.With("component", "aggregation-sync"),
	}
}

// SyncUser refreshes one user's aggregated state end to end. A failed
// upstream trigger is not fatal: the fetch still returns the provider's
// last-synced data, which is newer than nothing.
func (s *Syncer) SyncUser(ctx context.Context, userID string) error {
	if err := s.client.TriggerSync(ctx, userID); err != nil {
		s.logger.Warn("upstream sync trigger failed, fetching last-synced data",
			"user_id", userID, "error", err)
	}

	holdings, err := s.client.Holdings(ctx, userID)
	if err != nil {
		return fmt.Errorf("sync holdings: %w", err)
	}
	if err := s.store.ReplaceAggregatedHoldings(ctx, userID, holdings); err != nil {
		return fmt.Errorf("store holdings: %w", err)
	}

	txs, err := s.client.Transactions(ctx, userID)
	if err != nil {
		return fmt.Errorf("sync transactions: %w", err)
	}
	for accountID, accountTxs := range groupByAccount(txs) {
		if err := s.store.ReplaceTransactions(ctx, userID, accountID, accountTxs); err != nil {
			return fmt.Errorf("store transactions for %s: %w", accountID, err)
		}
	}

	s.caches.Invalidate(userID)

	if s.rebuild != nil {
		if err := s.rebuild.Rebuild(ctx, userID); err != nil {
			s.logger.Error("history reconstruction failed", "user_id", userID, "error", err)
		}
	}

	s.logger.Info("user synced", "user_id", userID,
		"holdings", len(holdings), "transactions", len(txs))
	return nil
}

func groupByAccount(txs []types.Transaction) map[string][]types.Transaction {
	grouped := make(map[string][]types.Transaction)
	for _, tx := range txs {
		grouped[tx.AccountID] = append(grouped[tx.AccountID], tx)
	}
	return grouped
}
