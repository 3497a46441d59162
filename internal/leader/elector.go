// Package leader implements lease-based leader election over the shared KV
// and the supervisor that gates each background service on leadership.
//
// Each named service has its own lease key ({service}:leader). A replica
// that wins the set-if-absent claim runs the service's work task; everyone
// else retries with jitter. The holder heartbeats at a third of the lease
// duration and extends the TTL only while the key still carries its own
// instance id, so a lease stolen after an expiry is never clobbered.
package leader

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"wealthcore/internal/bus"
	"wealthcore/internal/config"
	"wealthcore/internal/metrics"
)

// ErrNotLeader is returned by TryAcquire when another replica holds the lease.
var ErrNotLeader = errors.New("leader: lease held elsewhere")

// Elector manages the lease for one service key on behalf of one replica.
type Elector struct {
	bus        bus.Bus
	service    string
	key        string
	instanceID string
	cfg        config.LeaderConfig
	logger     *slog.Logger
}

// NewElector creates an elector for the named service. instanceID must be
// unique per replica (a UUID in production).
func NewElector(b bus.Bus, service, instanceID string, cfg config.LeaderConfig, logger *slog.Logger) *Elector {
	return &Elector{
		bus:        b,
		service:    service,
		key:        bus.LeaderKey(service),
		instanceID: instanceID,
		cfg:        cfg,
		logger:     logger.With("component", "leader", "service", service),
	}
}

// TryAcquire attempts one set-if-absent claim of the lease.
func (e *Elector) TryAcquire(ctx context.Context) error {
	ok, err := e.bus.SetNX(ctx, e.key, e.instanceID, e.cfg.LeaseDuration)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotLeader
	}
	return nil
}

// IsLeader reports whether this replica currently holds the lease.
func (e *Elector) IsLeader(ctx context.Context) (bool, error) {
	val, ok, err := e.bus.Get(ctx, e.key)
	if err != nil {
		return false, err
	}
	return ok && val == e.instanceID, nil
}

// heartbeat extends the lease once. Returns false when leadership is gone:
// the key expired, or another replica claimed it.
func (e *Elector) heartbeat(ctx context.Context) bool {
	held, err := e.IsLeader(ctx)
	if err != nil {
		e.logger.Warn("heartbeat read failed", "error", err)
		return true // transient; the next beat decides
	}
	if !held {
		return false
	}
	extended, err := e.bus.Expire(ctx, e.key, e.cfg.LeaseDuration)
	if err != nil {
		e.logger.Warn("heartbeat extend failed", "error", err)
		return true
	}
	return extended
}

// Release deletes the lease only while it still belongs to this replica.
func (e *Elector) Release(ctx context.Context) {
	held, err := e.IsLeader(ctx)
	if err != nil || !held {
		return
	}
	if err := e.bus.Delete(ctx, e.key); err != nil {
		e.logger.Warn("lease release failed", "error", err)
	}
}

// Run blocks until ctx is cancelled. Whenever this replica wins the lease it
// invokes work with a context that is cancelled on leadership loss; when the
// lease is lost or work returns, it goes back to the election loop.
func (e *Elector) Run(ctx context.Context, work func(context.Context) error) {
	for {
		if err := e.TryAcquire(ctx); err != nil {
			if !errors.Is(err, ErrNotLeader) {
				e.logger.Warn("lease acquire failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(e.cfg.RetryInterval)):
			}
			continue
		}

		e.logger.Info("lease acquired", "instance_id", e.instanceID)
		metrics.LeaderStatus.WithLabelValues(e.service).Set(1)
		e.lead(ctx, work)
		metrics.LeaderStatus.WithLabelValues(e.service).Set(0)

		if ctx.Err() != nil {
			e.Release(context.Background())
			return
		}

		// A voluntary work return may still hold the lease; free it so no
		// replica (ourselves included) waits out our own TTL, then rejoin
		// the election after the usual retry delay.
		e.Release(ctx)
		e.logger.Info("leadership ended, returning to election")
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(e.cfg.RetryInterval)):
		}
	}
}

// lead runs work while holding the lease, heartbeating and monitoring in the
// background. Returns when work exits, leadership is lost, or ctx ends.
func (e *Elector) lead(ctx context.Context, work func(context.Context) error) {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- work(workCtx) }()

	heartbeat := time.NewTicker(e.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	monitor := time.NewTicker(e.cfg.MonitorInterval)
	defer monitor.Stop()

	for {
		select {
		case <-ctx.Done():
			cancel()
			<-done
			return

		case err := <-done:
			if err != nil && workCtx.Err() == nil {
				e.logger.Error("work task failed", "error", err)
			}
			return

		case <-heartbeat.C:
			if !e.heartbeat(ctx) {
				e.logger.Warn("lease lost at heartbeat, cancelling work")
				cancel()
				<-done
				return
			}

		case <-monitor.C:
			held, err := e.IsLeader(ctx)
			if err != nil {
				continue // transient; heartbeat is the arbiter
			}
			if !held {
				e.logger.Warn("lease lost, cancelling work")
				cancel()
				<-done
				return
			}
		}
	}
}

// jitter spreads an interval into [0.8x, 1.2x] so restarting replicas do not
// hammer the lease in lockstep.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * f)
}
