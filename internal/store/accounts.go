package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"wealthcore/pkg/types"
)

const accountColumns = `account_id, user_id, provider, connection_type, is_active, created_at, updated_at`

// ActiveAccounts returns every account the fleet currently tracks.
func (s *Store) ActiveAccounts(ctx context.Context) ([]types.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM user_investment_accounts WHERE is_active ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("query active accounts: %w", err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

// AccountsForUser returns the user's accounts, active or not.
func (s *Store) AccountsForUser(ctx context.Context, userID string) ([]types.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM user_investment_accounts WHERE user_id = $1 ORDER BY account_id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query accounts for user %s: %w", userID, err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

// AccountOwner resolves an account to its owning user. ErrNotFound when the
// account does not exist.
func (s *Store) AccountOwner(ctx context.Context, accountID string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM user_investment_accounts WHERE account_id = $1`,
		accountID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query owner of %s: %w", accountID, err)
	}
	return userID, nil
}

// UserOwnsAccount reports whether the account exists and belongs to the user.
func (s *Store) UserOwnsAccount(ctx context.Context, userID, accountID string) (bool, error) {
	owner, err := s.AccountOwner(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner == userID, nil
}

// HasAggregatedAccounts reports whether the user has at least one active
// aggregation-provider account, which entitles them to the "aggregated" view.
func (s *Store) HasAggregatedAccounts(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		    SELECT 1 FROM user_investment_accounts
		    WHERE user_id = $1 AND is_active AND provider IN ($2, $3)
		 )`,
		userID, types.ProviderPlaid, types.ProviderSnapTrade).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query aggregated accounts for %s: %w", userID, err)
	}
	return exists, nil
}

// BrokerToken reads the opaque OAuth token for a brokerage account.
func (s *Store) BrokerToken(ctx context.Context, accountID string) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx,
		`SELECT oauth_token FROM user_broker_credentials WHERE account_id = $1`,
		accountID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query broker token for %s: %w", accountID, err)
	}
	return token, nil
}

func scanAccounts(rows pgx.Rows) ([]types.Account, error) {
	var accounts []types.Account
	for rows.Next() {
		var a types.Account
		if err := rows.Scan(&a.AccountID, &a.UserID, &a.Provider, &a.ConnectionType,
			&a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return accounts, nil
}
