package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"wealthcore/internal/bus"
	"wealthcore/internal/config"
	"wealthcore/internal/store"
	"wealthcore/pkg/types"
)

// OwnershipStore answers account-ownership and throttling questions.
// Satisfied by the relational store.
type OwnershipStore interface {
	UserOwnsAccount(ctx context.Context, userID, accountID string) (bool, error)
	HasAggregatedAccounts(ctx context.Context, userID string) (bool, error)
	AccountsForUser(ctx context.Context, userID string) ([]types.Account, error)
	AllowAction(ctx context.Context, userID, actionType string, window time.Duration) error
}

// SeriesStore serves the gap-filled equity curve. Satisfied by the history
// store.
type SeriesStore interface {
	Series(ctx context.Context, userID string, from, to time.Time) ([]types.HistorySnapshot, error)
}

// UserSyncer refreshes a user's aggregation-provider state. Satisfied by the
// aggregation syncer; nil disables the sync side of refresh.
type UserSyncer interface {
	SyncUser(ctx context.Context, userID string) error
}

// Handlers carries the HTTP and WebSocket endpoint dependencies.
type Handlers struct {
	bus           bus.Bus
	auth          *Authenticator
	owners        OwnershipStore
	series        SeriesStore
	syncer        UserSyncer
	hub           *Hub
	upgrader      websocket.Upgrader
	refreshWindow time.Duration
	logger        *slog.Logger
}

// NewHandlers wires the endpoints.
func NewHandlers(b bus.Bus, auth *Authenticator, owners OwnershipStore, series SeriesStore,
	syncer UserSyncer, hub *Hub, cfg config.ServerConfig, logger *slog.Logger) *Handlers {
	return &Handlers{
		bus:    b,
		auth:   auth,
		owners: owners,
		series: series,
		syncer: syncer,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		refreshWindow: cfg.RefreshWindow,
		logger:        logger.With("component", "api-handlers"),
	}
}

// originChecker allows every origin when the list is empty, otherwise only
// the configured ones.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[strings.ToLower(origin)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[strings.ToLower(origin)]
	}
}

// resolveKey maps a requested account id to the internal snapshot key,
// enforcing ownership. The literal "aggregated" id and any provider-linked
// account id resolve to the caller's per-user roll-up key: provider accounts
// have no per-account snapshot, their value lives in the roll-up.
func (h *Handlers) resolveKey(ctx context.Context, userID, accountID string) (string, error) {
	if accountID == types.AggregatedAccountID {
		ok, err := h.owners.HasAggregatedAccounts(ctx, userID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", errForbidden
		}
		return types.AggregatedKey(userID), nil
	}
	ok, err := h.owners.UserOwnsAccount(ctx, userID, accountID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errForbidden
	}
	if types.IsAggregatedAccount(accountID) {
		return types.AggregatedKey(userID), nil
	}
	return accountID, nil
}

var errForbidden = errors.New("api: account not owned by caller")

// clientFrame renders a snapshot for delivery, rewriting the internal
// per-user roll-up key back to the literal "aggregated" id clients speak.
func clientFrame(snap types.PortfolioSnapshot) ([]byte, error) {
	if _, ok := strings.CutPrefix(snap.AccountID, types.AggregatedAccountID+":"); ok {
		snap.AccountID = types.AggregatedAccountID
	}
	return json.Marshal(snap)
}

// HandleWebSocket upgrades first and authenticates on the socket, so the
// client always receives a meaningful close code instead of a failed
// upgrade.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account_id"]
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	token, err := bearerToken(r)
	if err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "missing token")
		return
	}
	userID, err := h.auth.UserID(token)
	if err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "invalid token")
		return
	}

	key, err := h.resolveKey(r.Context(), userID, accountID)
	if errors.Is(err, errForbidden) {
		closeWith(conn, websocket.ClosePolicyViolation, "account not accessible")
		return
	}
	if err != nil {
		h.logger.Error("ownership check failed", "account_id", accountID, "error", err)
		closeWith(conn, websocket.CloseInternalServerErr, "internal error")
		return
	}

	client := NewClient(h.hub, conn, key)

	// Replay the latest snapshot so a reloading client sees a value before
	// the next recompute.
	var snap types.PortfolioSnapshot
	ok, err := bus.GetJSON(r.Context(), h.bus, bus.LastPortfolioKey(key), &snap)
	if err != nil {
		h.logger.Warn("snapshot replay read failed", "account_key", key, "error", err)
		return
	}
	if ok {
		if frame, err := clientFrame(snap); err == nil {
			client.Send(frame)
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

// HandleValue returns the latest snapshot for one of the caller's accounts.
func (h *Handlers) HandleValue(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		accountID, ok = h.defaultAccount(w, r, userID)
		if !ok {
			return
		}
	}

	key, err := h.resolveKey(r.Context(), userID, accountID)
	if errors.Is(err, errForbidden) {
		writeError(w, http.StatusForbidden, "account not accessible")
		return
	}
	if err != nil {
		h.logger.Error("ownership check failed", "account_id", accountID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var snap types.PortfolioSnapshot
	found, err := bus.GetJSON(r.Context(), h.bus, bus.LastPortfolioKey(key), &snap)
	if err != nil {
		h.logger.Error("snapshot read failed", "account_key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no snapshot computed yet")
		return
	}

	frame, err := clientFrame(snap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(frame)
}

// defaultAccount picks the caller's sole (or first) account when the query
// names none.
func (h *Handlers) defaultAccount(w http.ResponseWriter, r *http.Request, userID string) (string, bool) {
	accounts, err := h.owners.AccountsForUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("list accounts failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return "", false
	}
	if len(accounts) == 0 {
		writeError(w, http.StatusNotFound, "no linked accounts")
		return "", false
	}
	first := accounts[0].AccountID
	if types.IsAggregatedAccount(first) {
		return types.AggregatedAccountID, true
	}
	return first, true
}

// historyRanges maps the range parameter to a lookback.
func rangeStart(now time.Time, name string) (time.Time, bool) {
	switch name {
	case "1W":
		return now.AddDate(0, 0, -7), true
	case "1M":
		return now.AddDate(0, -1, 0), true
	case "3M":
		return now.AddDate(0, -3, 0), true
	case "6M":
		return now.AddDate(0, -6, 0), true
	case "1Y":
		return now.AddDate(-1, 0, 0), true
	case "ALL":
		return time.Unix(0, 0), true
	}
	return time.Time{}, false
}

// HandleHistory returns the caller's gap-filled equity curve for a range.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if requested := r.URL.Query().Get("user_id"); requested != "" && requested != userID {
		writeError(w, http.StatusForbidden, "user_id does not match token")
		return
	}

	rangeName := r.URL.Query().Get("range")
	if rangeName == "" {
		rangeName = "1M"
	}
	now := time.Now()
	from, ok := rangeStart(now, rangeName)
	if !ok {
		writeError(w, http.StatusBadRequest, "range must be one of 1W, 1M, 3M, 6M, 1Y, ALL")
		return
	}

	series, err := h.series.Series(r.Context(), userID, from, now)
	if err != nil {
		h.logger.Error("history read failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"user_id":   userID,
		"range":     rangeName,
		"snapshots": series,
	})
}

// HandleRefresh force-recomputes the caller's portfolio. Throttled per user;
// on any rate-limiter failure the request is denied.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	if err := h.owners.AllowAction(r.Context(), userID, "portfolio_refresh", h.refreshWindow); err != nil {
		if !errors.Is(err, store.ErrRateLimited) {
			h.logger.Error("rate limiter unavailable, denying refresh", "user_id", userID, "error", err)
		}
		writeError(w, http.StatusTooManyRequests, "refresh throttled, try again later")
		return
	}

	if err := h.bus.Publish(r.Context(), bus.ChannelRefreshRequests, types.RefreshRequest{
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		h.logger.Error("refresh publish failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if h.syncer != nil {
		if aggregated, err := h.owners.HasAggregatedAccounts(r.Context(), userID); err == nil && aggregated {
			go h.syncDetached(userID)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "refresh_scheduled"})
}

// syncDetached runs the provider sync off the request goroutine; the client
// already got its 202.
func (h *Handlers) syncDetached(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := h.syncer.SyncUser(ctx, userID); err != nil {
		h.logger.Error("provider sync failed", "user_id", userID, "error", err)
	}
}

// HandleHealth reports liveness plus broadcaster stats.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	cacheReachable := h.bus.Ping(r.Context()) == nil
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"cache_reachable": cacheReachable,
		"connections":     h.hub.ConnectionCount(),
		"accounts":        h.hub.AccountCount(),
		"timestamp":       time.Now().UTC(),
	})
}

// authenticate verifies the bearer token, writing the 401 itself on failure.
func (h *Handlers) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, err := bearerToken(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return "", false
	}
	userID, err := h.auth.UserID(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return "", false
	}
	return userID, true
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
