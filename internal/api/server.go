package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wealthcore/internal/bus"
	"wealthcore/pkg/types"
)

// Server runs the HTTP and WebSocket surface. Unlike the pipeline services
// it is not leader-gated: every replica serves clients.
type Server struct {
	cfg      ServerDeps
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	bus      bus.Bus
	logger   *slog.Logger

	cancel context.CancelFunc
}

// ServerDeps is the bind address plus shutdown timing.
type ServerDeps struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// NewServer assembles the router and the broadcaster.
func NewServer(deps ServerDeps, b bus.Bus, hub *Hub, handlers *Handlers, logger *slog.Logger) *Server {
	r := mux.NewRouter()
	r.HandleFunc("/ws/portfolio/{account_id}", handlers.HandleWebSocket)
	r.HandleFunc("/api/portfolio/value", handlers.HandleValue).Methods(http.MethodGet)
	r.HandleFunc("/api/portfolio/history", handlers.HandleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/portfolio/refresh", handlers.HandleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/health", handlers.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if deps.ShutdownTimeout == 0 {
		deps.ShutdownTimeout = 10 * time.Second
	}

	return &Server{
		cfg:      deps,
		hub:      hub,
		handlers: handlers,
		bus:      b,
		server: &http.Server{
			Addr:         deps.Addr,
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
	}
}

// Start runs the hub, the portfolio_updates dispatcher, and the listener.
// Blocks until the listener stops.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.hub.Run(ctx)
	go s.dispatch(ctx)

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains the listener, then tears down the hub and dispatcher.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

// dispatch feeds portfolio_updates into the hub, keyed by the snapshot's
// account key. Internal roll-up keys are rewritten to the client-facing
// "aggregated" id before the frame goes out.
func (s *Server) dispatch(ctx context.Context) {
	sub, err := s.bus.Subscribe(ctx, bus.ChannelPortfolioUpdates)
	if err != nil {
		s.logger.Error("portfolio_updates subscribe failed", "error", err)
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			var snap types.PortfolioSnapshot
			if err := json.Unmarshal(msg, &snap); err != nil {
				s.logger.Warn("bad portfolio update", "error", err)
				continue
			}
			frame, err := clientFrame(snap)
			if err != nil {
				continue
			}
			s.hub.Broadcast(snap.AccountID, frame)
		}
	}
}
