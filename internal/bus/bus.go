// Package bus provides the shared KV + pub/sub fabric the pipeline runs on:
// TTL'd cache keys, set-if-absent leases for leader election, and the three
// JSON channels connecting the services. The Redis implementation is the
// production bus; Memory mirrors its semantics in-process for tests and
// single-replica runs.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Channel names. The three pipeline channels plus the refresh nudge
// published by the HTTP surface.
const (
	ChannelSymbolUpdates    = "symbol_updates"
	ChannelPriceUpdates     = "price_updates"
	ChannelPortfolioUpdates = "portfolio_updates"
	ChannelRefreshRequests  = "refresh_requests"
)

// Singleton cache keys.
const (
	KeyTrackedSymbols        = "tracked_symbols"
	KeyCollectionLastUpdated = "symbol_collection_last_updated"
)

// PriceKey holds the latest ask for a symbol as a decimal string.
func PriceKey(symbol string) string {
	return "price:" + symbol
}

// QuoteKey holds the full serialized quote for a symbol.
func QuoteKey(symbol string) string {
	return "quote:" + symbol
}

// AccountPositionsKey holds the JSON position list for one account.
func AccountPositionsKey(accountID string) string {
	return "account_positions:" + accountID
}

// LastPortfolioKey holds the most recent snapshot for an account key,
// replayed to clients on connect.
func LastPortfolioKey(accountKey string) string {
	return "last_portfolio:" + accountKey
}

// LeaderKey is the lease key for a named background service.
func LeaderKey(service string) string {
	return service + ":leader"
}

// Subscription is a live pub/sub channel membership. Messages is closed
// after Close or when the underlying connection goes away for good.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Bus is the shared cache and pub/sub surface. A zero TTL means no expiry.
// Get reports misses as (_, false, nil); errors are reserved for transport
// failures.
type Bus interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Publish(ctx context.Context, channel string, v any) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, b Bus, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return b.Set(ctx, key, string(data), ttl)
}

// GetJSON loads key into dst. Returns false with no error on a miss.
func GetJSON(ctx context.Context, b Bus, key string, dst any) (bool, error) {
	raw, ok, err := b.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}
