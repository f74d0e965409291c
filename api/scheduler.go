/*
scheduler.go - Periodic reconciliation sweep

PURPOSE:
  Re-reconciles every week of every driver on a fixed interval. Normal
  traffic reconciles on each ledger change; the sweep catches weeks left
  stale by writes that bypassed the service (manual SQL fixes, restores)
  and surfaces rounding drift in the logs and metrics.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Drivers are swept one at a time; each one is an ordinary ReconcileAll,
    so the sweep takes the same driver lock as live traffic
  - A failing driver is logged and skipped, the sweep continues
  - Idempotent: a driver whose inputs did not change writes nothing

USAGE:
  scheduler := NewSweepScheduler(service, time.Hour)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ReconcileDriver endpoint (manual sweep of one driver)
  - settlement/engine.go: ReconcileAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/settlement"
)

// SweepResult summarizes one pass.
type SweepResult struct {
	Drivers  int
	Weeks    int
	Failed   int
	Duration time.Duration
}

// SweepScheduler handles periodic reconciliation of all drivers.
type SweepScheduler struct {
	Service  *settlement.Service
	Interval time.Duration

	log    *zap.SugaredLogger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweepScheduler(service *settlement.Service, interval time.Duration) *SweepScheduler {
	return &SweepScheduler{
		Service:  service,
		Interval: interval,
		log:      logger.GetLogger().Named("sweep"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)

	s.log.Infow("Sweep scheduler started", "interval", s.Interval)
}

// Stop stops the scheduler and waits for a running pass to finish the
// driver it is on.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.log.Info("Sweep scheduler stopped")
}

func (s *SweepScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one pass over every driver.
func (s *SweepScheduler) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	var res SweepResult

	drivers, err := s.Service.Drivers(ctx)
	if err != nil {
		s.log.Errorw("Sweep could not list drivers", "error", err)
		return res
	}

	for _, d := range drivers {
		if ctx.Err() != nil {
			break
		}
		out, err := s.Service.Engine().ReconcileAll(ctx, d.ID)
		res.Drivers++
		if err != nil {
			res.Failed++
			s.log.Errorw("Sweep failed for driver", "driverID", d.ID, "error", err)
			continue
		}
		res.Weeks += len(out)
	}

	res.Duration = time.Since(start)
	s.log.Infow("Sweep completed",
		"drivers", res.Drivers,
		"weeks", res.Weeks,
		"failed", res.Failed,
		"duration", res.Duration)
	return res
}
