// Package metrics holds the process-wide Prometheus instruments. Registered
// on the default registry and served by the API server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QuotesConsumed counts upstream ticks handled by the Market Data Consumer.
	QuotesConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_quotes_consumed_total",
		Help: "Upstream quotes processed.",
	})

	// MonitoredSymbols tracks the size of the live subscription set.
	MonitoredSymbols = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_monitored_symbols",
		Help: "Symbols currently subscribed on the upstream stream.",
	})

	// Recomputes counts portfolio recomputations by trigger (price, tick, refresh).
	Recomputes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_recomputes_total",
		Help: "Portfolio recomputations.",
	}, []string{"trigger"})

	// SnapshotWrites counts history rows written by snapshot type.
	SnapshotWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_snapshot_writes_total",
		Help: "History snapshot rows written.",
	}, []string{"type"})

	// WSConnections tracks open client sockets.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_ws_connections",
		Help: "Open WebSocket client connections.",
	})

	// LeaderStatus is 1 while this replica leads the named service.
	LeaderStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tracker_leader_status",
		Help: "Whether this replica currently holds the service lease.",
	}, []string{"service"})

	// BrokerRequests counts brokerage API calls by outcome.
	BrokerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_broker_requests_total",
		Help: "Brokerage API requests.",
	}, []string{"outcome"})
)
