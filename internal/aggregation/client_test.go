package aggregation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"wealthcore/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.AggregationConfig{BaseURL: srv.URL, APIKey: "test-key"}), srv
}

func TestHoldingsRollsUpAcrossAccounts(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/user-1/holdings" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]map[string]any{
			{"account_id": "plaid_a", "symbol": "AAPL", "quantity": "10", "market_value": "1500", "cost_basis": "1200"},
			{"account_id": "snaptrade_b", "symbol": "AAPL", "quantity": "5", "market_value": "750", "cost_basis": "700"},
			{"account_id": "plaid_a", "symbol": "VTI", "quantity": "3", "market_value": "600", "cost_basis": "550"},
			{"account_id": "plaid_a", "symbol": "GHOST", "quantity": "0", "market_value": "0", "cost_basis": "0"},
		})
	})

	holdings, err := c.Holdings(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Holdings: %v", err)
	}
	if len(holdings) != 2 {
		t.Fatalf("len = %d, want 2 (AAPL rolled up, zero-quantity dropped)", len(holdings))
	}

	aapl := holdings[0]
	if aapl.Symbol != "AAPL" || !aapl.TotalQuantity.Equal(decimal.NewFromInt(15)) {
		t.Errorf("AAPL = %s qty %s, want qty 15", aapl.Symbol, aapl.TotalQuantity)
	}
	if !aapl.TotalMarketValue.Equal(decimal.NewFromInt(2250)) {
		t.Errorf("AAPL market value = %s, want 2250", aapl.TotalMarketValue)
	}
	if len(aapl.AccountContributions) != 2 {
		t.Errorf("AAPL contributions = %d, want 2", len(aapl.AccountContributions))
	}

	// Invariant: contributions sum back to the total.
	sum := decimal.Zero
	for _, contrib := range aapl.AccountContributions {
		sum = sum.Add(contrib.Quantity)
	}
	if !sum.Equal(aapl.TotalQuantity) {
		t.Errorf("contribution sum = %s, total = %s", sum, aapl.TotalQuantity)
	}
}

func TestTransactionsSortedOldestFirst(t *testing.T) {
	t.Parallel()

	newer := time.Date(2026, 5, 2, 14, 0, 0, 0, time.UTC)
	older := time.Date(2026, 5, 1, 14, 0, 0, 0, time.UTC)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]map[string]any{
			{"account_id": "plaid_a", "symbol": "AAPL", "side": "sell", "quantity": "2",
				"price": "160", "amount": "320", "executed_at": newer},
			{"account_id": "plaid_a", "symbol": "AAPL", "side": "buy", "quantity": "10",
				"price": "150", "amount": "1500", "executed_at": older},
		})
	})

	txs, err := c.Transactions(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("len = %d, want 2", len(txs))
	}
	if txs[0].Side != "buy" || !txs[0].ExecutedAt.Equal(older) {
		t.Errorf("first tx = %s at %v, want the older buy", txs[0].Side, txs[0].ExecutedAt)
	}
	if txs[0].UserID != "user-1" {
		t.Errorf("user = %s, want user-1", txs[0].UserID)
	}
}

func TestTriggerSyncAcceptsAccepted(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/users/user-1/sync" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	if err := c.TriggerSync(context.Background(), "user-1"); err != nil {
		t.Errorf("TriggerSync: %v", err)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{})
	})

	if _, err := c.Holdings(context.Background(), "user-1"); err != nil {
		t.Fatalf("Holdings after retry: %v", err)
	}
	if calls.Load() < 2 {
		t.Errorf("calls = %d, want a retry after the 502", calls.Load())
	}
}

func TestClientSurfacesClientErrors(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown user", http.StatusNotFound)
	})
	if _, err := c.Holdings(context.Background(), "missing"); err == nil {
		t.Error("Holdings on 404 returned nil error")
	}
}
