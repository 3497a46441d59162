package aggregation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"wealthcore/pkg/types"
)

type fakeSyncStore struct {
	mu       sync.Mutex
	holdings map[string][]types.AggregatedHolding
	txs      map[string][]types.Transaction // keyed by account id
}

func newFakeSyncStore() *fakeSyncStore {
	return &fakeSyncStore{
		holdings: make(map[string][]types.AggregatedHolding),
		txs:      make(map[string][]types.Transaction),
	}
}

func (f *fakeSyncStore) ReplaceAggregatedHoldings(_ context.Context, userID string, holdings []types.AggregatedHolding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdings[userID] = holdings
	return nil
}

func (f *fakeSyncStore) ReplaceTransactions(_ context.Context, _, accountID string, txs []types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[accountID] = txs
	return nil
}

type fakeInvalidator struct {
	mu    sync.Mutex
	users []string
}

func (f *fakeInvalidator) Invalidate(userID string) {
	f.mu.Lock()
	f.users = append(f.users, userID)
	f.mu.Unlock()
}

func TestSyncUserReplacesStateAndInvalidates(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/user-1/sync":
			w.WriteHeader(http.StatusAccepted)
		case "/users/user-1/holdings":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode([]map[string]any{
				{"account_id": "plaid_a", "symbol": "AAPL", "quantity": "10",
					"market_value": "1500", "cost_basis": "1200"},
			})
		case "/users/user-1/transactions":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode([]map[string]any{
				{"account_id": "plaid_a", "symbol": "AAPL", "side": "buy", "quantity": "10",
					"price": "150", "amount": "1500", "executed_at": "2026-05-01T14:00:00Z"},
				{"account_id": "snaptrade_b", "symbol": "VTI", "side": "buy", "quantity": "3",
					"price": "200", "amount": "600", "executed_at": "2026-05-02T14:00:00Z"},
			})
		default:
			http.NotFound(w, r)
		}
	})

	store := newFakeSyncStore()
	caches := &fakeInvalidator{}
	s := NewSyncer(client, store, caches, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := s.SyncUser(context.Background(), "user-1"); err != nil {
		t.Fatalf("SyncUser: %v", err)
	}

	if len(store.holdings["user-1"]) != 1 {
		t.Errorf("holdings = %d, want 1", len(store.holdings["user-1"]))
	}
	if len(store.txs["plaid_a"]) != 1 || len(store.txs["snaptrade_b"]) != 1 {
		t.Errorf("transactions grouped = %d/%d, want 1/1",
			len(store.txs["plaid_a"]), len(store.txs["snaptrade_b"]))
	}
	if len(caches.users) != 1 || caches.users[0] != "user-1" {
		t.Errorf("invalidated = %v, want [user-1]", caches.users)
	}
}

func TestSyncUserToleratesTriggerFailure(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/user-1/sync":
			http.Error(w, "provider maintenance", http.StatusConflict)
		case "/users/user-1/holdings", "/users/user-1/transactions":
			json.NewEncoder(w).Encode([]map[string]any{})
		default:
			http.NotFound(w, r)
		}
	})

	store := newFakeSyncStore()
	s := NewSyncer(client, store, &fakeInvalidator{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.SyncUser(context.Background(), "user-1"); err != nil {
		t.Errorf("SyncUser with failed trigger: %v", err)
	}
}
