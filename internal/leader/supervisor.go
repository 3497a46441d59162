package leader

import (
	"context"
	"log/slog"
	"sync"

	"wealthcore/internal/bus"
	"wealthcore/internal/config"
)

// Service is one leader-gated background worker. Run must block until its
// context is cancelled; returning early with nil means the work is done
// (one-shot jobs), returning an error sends the replica back to election.
type Service interface {
	Name() string
	Run(ctx context.Context) error
}

// Supervisor runs one election loop per registered service. Every replica
// keeps a supervisor hot; only lease holders execute work.
type Supervisor struct {
	bus        bus.Bus
	instanceID string
	cfg        config.LeaderConfig
	logger     *slog.Logger
	services   []Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor for this replica.
func NewSupervisor(b bus.Bus, instanceID string, cfg config.LeaderConfig, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		bus:        b,
		instanceID: instanceID,
		cfg:        cfg,
		logger:     logger.With("component", "supervisor"),
	}
}

// Register adds a service. Must be called before Start.
func (s *Supervisor) Register(svc Service) {
	s.services = append(s.services, svc)
}

// Start launches an election goroutine per service and returns.
func (s *Supervisor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, svc := range s.services {
		elector := NewElector(s.bus, svc.Name(), s.instanceID, s.cfg, s.logger)
		s.wg.Add(1)
		go func(svc Service, elector *Elector) {
			defer s.wg.Done()
			elector.Run(runCtx, svc.Run)
		}(svc, elector)
	}

	s.logger.Info("supervisor started",
		"instance_id", s.instanceID,
		"services", len(s.services),
	)
}

// Stop cancels every election loop, waits for work tasks to drain, and
// releases any held leases so the successor does not wait out the TTL.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("supervisor stopped")
}
