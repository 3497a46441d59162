// stream.go supervises the upstream Alpaca quote stream. The SDK owns the
// connection goroutines; this wrapper recreates the client with exponential
// backoff (1s -> 30s cap) whenever the transport terminates, re-subscribing
// from its mirror of the subscription set. Quotes are delivered to the
// consumer through a buffered channel with drop-on-full semantics so a
// stalled consumer can never back-pressure the SDK's event loop.
package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/shopspring/decimal"

	"wealthcore/internal/config"
	"wealthcore/pkg/types"
)

const (
	initialBackoff  = time.Second
	maxBackoff      = 30 * time.Second
	quoteBufferSize = 256
)

// QuoteStream is the upstream subscription surface the consumer drives.
type QuoteStream interface {
	// Run maintains the connection until ctx is cancelled.
	Run(ctx context.Context) error
	// Subscribe/Unsubscribe adjust the live subscription. Symbols are
	// remembered either way, so a reconnect restores the full set.
	Subscribe(symbols ...string) error
	Unsubscribe(symbols ...string) error
	// Quotes delivers upstream ticks.
	Quotes() <-chan types.Quote
}

// AlpacaStream implements QuoteStream over the SDK's IEX/SIP stocks stream.
type AlpacaStream struct {
	cfg     config.BrokerConfig
	logger  *slog.Logger
	quoteCh chan types.Quote

	mu         sync.Mutex
	client     *stream.StocksClient // nil while disconnected
	subscribed map[string]struct{}
}

var _ QuoteStream = (*AlpacaStream)(nil)

// NewAlpacaStream creates a supervised stream client.
func NewAlpacaStream(cfg config.BrokerConfig, logger *slog.Logger) *AlpacaStream {
	return &AlpacaStream{
		cfg:        cfg,
		logger:     logger.With("component", "quote-stream"),
		quoteCh:    make(chan types.Quote, quoteBufferSize),
		subscribed: make(map[string]struct{}),
	}
}

// Quotes returns the tick channel.
func (s *AlpacaStream) Quotes() <-chan types.Quote { return s.quoteCh }

// Subscribe records the symbols and, when connected, extends the live
// subscription. Disconnected state is not an error: the supervisor
// re-subscribes the full set on reconnect.
func (s *AlpacaStream) Subscribe(symbols ...string) error {
	if len(symbols) == 0 {
		return nil
	}
	s.mu.Lock()
	for _, sym := range symbols {
		s.subscribed[sym] = struct{}{}
	}
	client := s.client
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.SubscribeToQuotes(s.handleQuote, symbols...)
}

// Unsubscribe removes the symbols from the set and the live subscription.
func (s *AlpacaStream) Unsubscribe(symbols ...string) error {
	if len(symbols) == 0 {
		return nil
	}
	s.mu.Lock()
	for _, sym := range symbols {
		delete(s.subscribed, sym)
	}
	client := s.client
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.UnsubscribeFromQuotes(symbols...)
}

// Run connects and keeps reconnecting until ctx is cancelled.
func (s *AlpacaStream) Run(ctx context.Context) error {
	backoff := initialBackoff

	for {
		err := s.connectAndWait(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("quote stream terminated, reconnecting",
			"error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// connectAndWait builds a fresh client carrying the full subscription set,
// connects, and blocks until the transport dies or ctx ends.
func (s *AlpacaStream) connectAndWait(ctx context.Context) error {
	s.mu.Lock()
	symbols := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		symbols = append(symbols, sym)
	}
	s.mu.Unlock()

	feed := marketdata.Feed(s.cfg.Feed)
	client := stream.NewStocksClient(feed,
		stream.WithCredentials(s.cfg.APIKey, s.cfg.APISecret),
		stream.WithQuotes(s.handleQuote, symbols...),
	)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := client.Connect(connCtx); err != nil {
		return err
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.client = nil
		s.mu.Unlock()
	}()

	s.logger.Info("quote stream connected", "symbols", len(symbols), "feed", s.cfg.Feed)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-client.Terminated():
		return err
	}
}

// handleQuote runs on the SDK's goroutine; it converts and hands off
// without blocking.
func (s *AlpacaStream) handleQuote(q stream.Quote) {
	quote := types.Quote{
		Symbol:    q.Symbol,
		AskPrice:  decimal.NewFromFloat(q.AskPrice),
		BidPrice:  decimal.NewFromFloat(q.BidPrice),
		AskSize:   q.AskSize,
		BidSize:   q.BidSize,
		Timestamp: q.Timestamp,
	}
	select {
	case s.quoteCh <- quote:
	default:
		s.logger.Warn("quote channel full, dropping tick", "symbol", q.Symbol)
	}
}
