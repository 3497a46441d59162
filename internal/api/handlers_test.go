package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"wealthcore/internal/bus"
	"wealthcore/internal/config"
	"wealthcore/internal/store"
	"wealthcore/pkg/types"
)

type fakeOwners struct {
	owners     map[string]string // account id -> user id
	aggregated map[string]bool
	allowErr   error
}

func (f *fakeOwners) UserOwnsAccount(_ context.Context, userID, accountID string) (bool, error) {
	return f.owners[accountID] == userID, nil
}

func (f *fakeOwners) HasAggregatedAccounts(_ context.Context, userID string) (bool, error) {
	return f.aggregated[userID], nil
}

func (f *fakeOwners) AccountsForUser(_ context.Context, userID string) ([]types.Account, error) {
	var accounts []types.Account
	for accountID, owner := range f.owners {
		if owner == userID {
			accounts = append(accounts, types.Account{AccountID: accountID, UserID: userID})
		}
	}
	return accounts, nil
}

func (f *fakeOwners) AllowAction(context.Context, string, string, time.Duration) error {
	return f.allowErr
}

type fakeSeries struct {
	rows []types.HistorySnapshot
}

func (f *fakeSeries) Series(context.Context, string, time.Time, time.Time) ([]types.HistorySnapshot, error) {
	return f.rows, nil
}

type testAPI struct {
	bus    *bus.Memory
	hub    *Hub
	owners *fakeOwners
	srv    *httptest.Server
	cancel context.CancelFunc
}

func newTestAPI(t *testing.T, owners *fakeOwners, series SeriesStore) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := bus.NewMemory()
	hub := NewHub(logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	auth := NewAuthenticator(config.AuthConfig{JWTSecret: "secret", Audience: "wealth-app"})
	if series == nil {
		series = &fakeSeries{}
	}
	handlers := NewHandlers(m, auth, owners, series, nil, hub,
		config.ServerConfig{RefreshWindow: 5 * time.Minute}, logger)

	r := mux.NewRouter()
	r.HandleFunc("/ws/portfolio/{account_id}", handlers.HandleWebSocket)
	r.HandleFunc("/api/portfolio/value", handlers.HandleValue).Methods(http.MethodGet)
	r.HandleFunc("/api/portfolio/history", handlers.HandleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/portfolio/refresh", handlers.HandleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/health", handlers.HandleHealth).Methods(http.MethodGet)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testAPI{bus: m, hub: hub, owners: owners, srv: srv, cancel: cancel}
}

func (a *testAPI) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, a.srv.URL+path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (a *testAPI) post(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, a.srv.URL+path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func seedSnapshot(t *testing.T, m *bus.Memory, key string, value int64) types.PortfolioSnapshot {
	t.Helper()
	snap := types.NewPortfolioSnapshot(key, decimal.NewFromInt(value), decimal.NewFromInt(10), time.Now().UTC())
	if err := bus.SetJSON(context.Background(), m, bus.LastPortfolioKey(key), snap, 0); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	return snap
}

func TestValueEndpointAuthAndOwnership(t *testing.T) {
	t.Parallel()

	owners := &fakeOwners{owners: map[string]string{"acct-1": "user-1"}}
	api := newTestAPI(t, owners, nil)
	token := signToken(t, "secret", "user-1", "wealth-app", time.Hour)

	if resp := api.get(t, "/api/portfolio/value?account_id=acct-1", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status %d, want 401", resp.StatusCode)
	}
	if resp := api.get(t, "/api/portfolio/value?account_id=acct-other", token); resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign account: status %d, want 403", resp.StatusCode)
	}
	if resp := api.get(t, "/api/portfolio/value?account_id=acct-1", token); resp.StatusCode != http.StatusNotFound {
		t.Errorf("no snapshot yet: status %d, want 404", resp.StatusCode)
	}

	seedSnapshot(t, api.bus, "acct-1", 2050)
	resp := api.get(t, "/api/portfolio/value?account_id=acct-1", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	var snap types.PortfolioSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.TotalValue != "$2,050.00" {
		t.Errorf("total = %q, want $2,050.00", snap.TotalValue)
	}
}

func TestValueEndpointAggregatedAlias(t *testing.T) {
	t.Parallel()

	owners := &fakeOwners{
		owners:     map[string]string{"plaid_abc": "user-1"},
		aggregated: map[string]bool{"user-1": true},
	}
	api := newTestAPI(t, owners, nil)
	token := signToken(t, "secret", "user-1", "wealth-app", time.Hour)

	seedSnapshot(t, api.bus, types.AggregatedKey("user-1"), 9000)
	resp := api.get(t, "/api/portfolio/value?account_id=aggregated", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	var snap types.PortfolioSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Internal per-user key never leaks to clients.
	if snap.AccountID != types.AggregatedAccountID {
		t.Errorf("account_id = %q, want %q", snap.AccountID, types.AggregatedAccountID)
	}

	// A user with no aggregated accounts is refused the alias.
	outsider := signToken(t, "secret", "user-2", "wealth-app", time.Hour)
	if resp := api.get(t, "/api/portfolio/value?account_id=aggregated", outsider); resp.StatusCode != http.StatusForbidden {
		t.Errorf("outsider: status %d, want 403", resp.StatusCode)
	}
}

func TestProviderAccountServedFromRollup(t *testing.T) {
	t.Parallel()

	owners := &fakeOwners{
		owners:     map[string]string{"plaid_abc": "user-1"},
		aggregated: map[string]bool{"user-1": true},
	}
	api := newTestAPI(t, owners, nil)
	token := signToken(t, "secret", "user-1", "wealth-app", time.Hour)
	seeded := seedSnapshot(t, api.bus, types.AggregatedKey("user-1"), 9000)

	// The provider account id serves the roll-up snapshot, not a 404.
	resp := api.get(t, "/api/portfolio/value?account_id=plaid_abc", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	var snap types.PortfolioSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.AccountID != types.AggregatedAccountID {
		t.Errorf("account_id = %q, want %q", snap.AccountID, types.AggregatedAccountID)
	}

	// A socket subscribed to the provider account id is fed from the
	// roll-up key: cached first frame, then live broadcasts.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(api.srv, "/ws/portfolio/plaid_abc?token="+token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if err := json.Unmarshal(frame, &snap); err != nil {
		t.Fatalf("decode first frame: %v", err)
	}
	if snap.TotalValue != seeded.TotalValue {
		t.Errorf("first frame total = %q, want cached %q", snap.TotalValue, seeded.TotalValue)
	}

	api.hub.Broadcast(types.AggregatedKey("user-1"), []byte(`{"account_id":"aggregated"}`))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(frame, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["account_id"] != "aggregated" {
		t.Errorf("frame = %s, want the roll-up broadcast", frame)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	t.Parallel()

	owners := &fakeOwners{owners: map[string]string{"acct-1": "user-1"}}
	series := &fakeSeries{rows: []types.HistorySnapshot{
		{UserID: "user-1", SnapshotType: types.SnapshotDailyEOD, TotalValue: decimal.NewFromInt(100000)},
	}}
	api := newTestAPI(t, owners, series)
	token := signToken(t, "secret", "user-1", "wealth-app", time.Hour)

	if resp := api.get(t, "/api/portfolio/history?range=2W", token); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad range: status %d, want 400", resp.StatusCode)
	}
	if resp := api.get(t, "/api/portfolio/history?user_id=user-2", token); resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign user_id: status %d, want 403", resp.StatusCode)
	}

	resp := api.get(t, "/api/portfolio/history?range=1M", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	var body struct {
		UserID    string                  `json:"user_id"`
		Range     string                  `json:"range"`
		Snapshots []types.HistorySnapshot `json:"snapshots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Range != "1M" || len(body.Snapshots) != 1 {
		t.Errorf("body = %s/%d rows, want 1M/1", body.Range, len(body.Snapshots))
	}
}

func TestRefreshEndpointThrottlesAndPublishes(t *testing.T) {
	t.Parallel()

	owners := &fakeOwners{owners: map[string]string{"acct-1": "user-1"}}
	api := newTestAPI(t, owners, nil)
	token := signToken(t, "secret", "user-1", "wealth-app", time.Hour)

	sub, err := api.bus.Subscribe(context.Background(), bus.ChannelRefreshRequests)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if resp := api.post(t, "/api/portfolio/refresh", token); resp.StatusCode != http.StatusAccepted {
		t.Errorf("status %d, want 202", resp.StatusCode)
	}
	select {
	case msg := <-sub.Messages():
		var req types.RefreshRequest
		if err := json.Unmarshal(msg, &req); err != nil || req.UserID != "user-1" {
			t.Errorf("refresh payload = %s err=%v", msg, err)
		}
	case <-time.After(2 * time.Second):
		t.Error("no refresh_requests message")
	}

	owners.allowErr = store.ErrRateLimited
	if resp := api.post(t, "/api/portfolio/refresh", token); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("throttled: status %d, want 429", resp.StatusCode)
	}

	// Fail closed: an unavailable limiter also denies.
	owners.allowErr = context.DeadlineExceeded
	if resp := api.post(t, "/api/portfolio/refresh", token); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("limiter error: status %d, want 429", resp.StatusCode)
	}
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, &fakeOwners{owners: map[string]string{"acct-1": "user-1"}}, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(api.srv, "/ws/portfolio/acct-1?token=garbage"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("read err = %v, want close 1008", err)
	}
}

func TestWebSocketFirstFrameAndPingPong(t *testing.T) {
	t.Parallel()

	owners := &fakeOwners{owners: map[string]string{"acct-1": "user-1"}}
	api := newTestAPI(t, owners, nil)
	seeded := seedSnapshot(t, api.bus, "acct-1", 2050)

	token := signToken(t, "secret", "user-1", "wealth-app", time.Hour)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(api.srv, "/ws/portfolio/acct-1?token="+token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	var snap types.PortfolioSnapshot
	if err := json.Unmarshal(frame, &snap); err != nil {
		t.Fatalf("decode first frame: %v", err)
	}
	if snap.TotalValue != seeded.TotalValue {
		t.Errorf("first frame total = %q, want cached %q", snap.TotalValue, seeded.TotalValue)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if string(reply) != "pong" {
		t.Errorf("reply = %q, want pong", reply)
	}
}

func TestWebSocketBroadcastReachesRegisteredKey(t *testing.T) {
	t.Parallel()

	owners := &fakeOwners{owners: map[string]string{"acct-1": "user-1"}}
	api := newTestAPI(t, owners, nil)

	token := signToken(t, "secret", "user-1", "wealth-app", time.Hour)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(api.srv, "/ws/portfolio/acct-1?token="+token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait until the hub registered the socket, then broadcast.
	deadline := time.Now().Add(2 * time.Second)
	for api.hub.ConnectionCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	api.hub.Broadcast("acct-other", []byte(`{"account_id":"acct-other"}`))
	api.hub.Broadcast("acct-1", []byte(`{"account_id":"acct-1"}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(frame, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["account_id"] != "acct-1" {
		t.Errorf("frame = %s, want the acct-1 broadcast only", frame)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, &fakeOwners{}, nil)
	resp := api.get(t, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status         string `json:"status"`
		CacheReachable bool   `json:"cache_reachable"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || !body.CacheReachable {
		t.Errorf("health = %+v", body)
	}
}
