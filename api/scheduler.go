/*
scheduler.go - Automated reconciliation sweeps

PURPOSE:
  Periodically runs reconcile.Engine.Sweep so pending payments whose
  webhook never arrived are pull-verified, and stale ones expire.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Never overlaps: a tick that arrives while a sweep is running is skipped
  - Every sweep is recorded as a ReconciliationRun by the engine

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 5 minutes)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(engine, cfg, logger)
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - reconcile/sweeper.go: What one sweep does
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/payment-reconciler/reconcile"
)

// SweepScheduler runs reconciliation sweeps on an interval.
type SweepScheduler struct {
	Engine        *reconcile.Engine
	Config        reconcile.SweepConfig
	CheckInterval time.Duration
	Enabled       bool

	logger  *slog.Logger
	ticker  *time.Ticker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(engine *reconcile.Engine, cfg reconcile.SweepConfig, logger *slog.Logger) *SweepScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepScheduler{
		Engine:        engine,
		Config:        cfg,
		CheckInterval: 5 * time.Minute,
		Enabled:       true,
		logger:        logger,
	}
}

// Start begins the scheduler. Sweeps stop when ctx is cancelled or Stop is
// called.
func (s *SweepScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("[Scheduler] Disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run(ctx)

	s.logger.Info("[Scheduler] Started", "interval", s.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		s.cancel()
		s.wg.Wait()
		s.ticker = nil
		s.logger.Info("[Scheduler] Stopped")
	}
}

func (s *SweepScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow sweeps unless a sweep is already running. It reports whether a
// sweep ran.
func (s *SweepScheduler) RunNow(ctx context.Context) bool {
	if !s.running.TryLock() {
		s.logger.Info("[Scheduler] Previous sweep still running, skipping")
		return false
	}
	defer s.running.Unlock()

	if _, err := s.Engine.Sweep(ctx, s.Config, "scheduler"); err != nil {
		s.logger.Error("[Scheduler] Sweep failed", "error", err)
	}
	return true
}

// NextRunTime returns when the next scheduled sweep will occur.
func (s *SweepScheduler) NextRunTime() time.Time {
	return time.Now().Add(s.CheckInterval)
}
