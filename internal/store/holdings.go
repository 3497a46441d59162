package store

import (
	"context"
	"encoding/json"
	"fmt"

	"wealthcore/pkg/types"
)

// AggregatedHoldings returns the user's per-symbol roll-ups, the position
// source for aggregation-mode accounts.
func (s *Store) AggregatedHoldings(ctx context.Context, userID string) ([]types.AggregatedHolding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, symbol, total_quantity, total_market_value, total_cost_basis,
		        account_contributions, updated_at
		 FROM user_aggregated_holdings
		 WHERE user_id = $1
		 ORDER BY symbol`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query holdings for %s: %w", userID, err)
	}
	defer rows.Close()

	var holdings []types.AggregatedHolding
	for rows.Next() {
		var h types.AggregatedHolding
		var contributions []byte
		if err := rows.Scan(&h.UserID, &h.Symbol, &h.TotalQuantity, &h.TotalMarketValue,
			&h.TotalCostBasis, &contributions, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		if err := json.Unmarshal(contributions, &h.AccountContributions); err != nil {
			return nil, fmt.Errorf("decode contributions for %s/%s: %w", userID, h.Symbol, err)
		}
		holdings = append(holdings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate holdings: %w", err)
	}
	return holdings, nil
}

// ReplaceAggregatedHoldings rewrites the user's roll-ups in one transaction,
// the shape a provider sync produces (full state, not a delta).
func (s *Store) ReplaceAggregatedHoldings(ctx context.Context, userID string, holdings []types.AggregatedHolding) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM user_aggregated_holdings WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear holdings for %s: %w", userID, err)
	}
	for _, h := range holdings {
		contributions, err := json.Marshal(h.AccountContributions)
		if err != nil {
			return fmt.Errorf("encode contributions for %s: %w", h.Symbol, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO user_aggregated_holdings
			   (user_id, symbol, total_quantity, total_market_value, total_cost_basis,
			    account_contributions, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, now())`,
			userID, h.Symbol, h.TotalQuantity, h.TotalMarketValue, h.TotalCostBasis,
			contributions); err != nil {
			return fmt.Errorf("insert holding %s: %w", h.Symbol, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit holdings for %s: %w", userID, err)
	}
	return nil
}

// Transactions returns the user's transaction history oldest-first, the
// replay order reconstruction needs.
func (s *Store) Transactions(ctx context.Context, userID string) ([]types.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, account_id, symbol, side, quantity, price, amount, executed_at
		 FROM user_investment_transactions
		 WHERE user_id = $1
		 ORDER BY executed_at, id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query transactions for %s: %w", userID, err)
	}
	defer rows.Close()

	var txs []types.Transaction
	for rows.Next() {
		var t types.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.AccountID, &t.Symbol, &t.Side,
			&t.Quantity, &t.Price, &t.Amount, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return txs, nil
}

// ReplaceTransactions rewrites one account's transaction history after a
// provider sync.
func (s *Store) ReplaceTransactions(ctx context.Context, userID, accountID string, txs []types.Transaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM user_investment_transactions WHERE user_id = $1 AND account_id = $2`,
		userID, accountID); err != nil {
		return fmt.Errorf("clear transactions for %s/%s: %w", userID, accountID, err)
	}
	for _, t := range txs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO user_investment_transactions
			   (user_id, account_id, symbol, side, quantity, price, amount, executed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			userID, accountID, t.Symbol, t.Side, t.Quantity, t.Price, t.Amount,
			t.ExecutedAt); err != nil {
			return fmt.Errorf("insert transaction %s %s: %w", t.Symbol, t.ExecutedAt, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transactions for %s/%s: %w", userID, accountID, err)
	}
	return nil
}
