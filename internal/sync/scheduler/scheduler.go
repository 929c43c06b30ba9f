// Package scheduler runs periodic sync cycles. Ticks that land while a
// cycle is still running are skipped, never queued.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/ricardomaia/syncbridge/internal/errors"
	syncengine "github.com/ricardomaia/syncbridge/internal/sync"
)

// Runner is the slice of the engine the scheduler drives.
type Runner interface {
	Sync(ctx context.Context, direction syncengine.Direction) (*syncengine.Result, error)
}

// Scheduler triggers a sync cycle at a fixed interval.
type Scheduler struct {
	runner    Runner
	interval  time.Duration
	direction syncengine.Direction
	log       *logrus.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates a stopped scheduler.
func New(runner Runner, interval time.Duration, direction syncengine.Direction, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		runner:    runner,
		interval:  interval,
		direction: direction,
		log:       log,
	}
}

// Start launches the periodic loop. Starting a started scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})

	s.log.WithFields(logrus.Fields{
		"interval":  s.interval.String(),
		"direction": string(s.direction),
	}).Info("auto-sync started")

	s.wg.Add(1)
	go s.loop(ctx, s.stopCh)
}

// Stop halts the loop and waits for an in-flight cycle to finish.
// Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("auto-sync stopped")
}

// Started reports whether the loop is running.
func (s *Scheduler) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	res, err := s.runner.Sync(ctx, s.direction)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrSyncInProgress) {
			s.log.Debug("previous cycle still running, tick skipped")
			return
		}
		s.log.WithError(err).Error("scheduled sync cycle failed")
		return
	}

	s.log.WithFields(logrus.Fields{
		"synced":    res.RecordsSynced,
		"conflicts": res.Conflicts,
		"errors":    res.Errors,
	}).Debug("scheduled sync cycle finished")
}
