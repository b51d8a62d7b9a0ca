// Package recovery sweeps for analysis tasks that got stuck: units left
// pending by a crashed process are marked abandoned at startup, and
// units pending in this process with no recent activity are retried
// within a budget.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sqwatch/sqwatch/internal/storage"
	"github.com/sqwatch/sqwatch/internal/types"
)

const actorRecovery = "recovery"

// Config holds the recovery sweep settings
type Config struct {
	// Period is the interval between periodic sweeps. Default: 10m.
	Period time.Duration
	// QuietWindow is how long a pending unit must sit without activity
	// before it counts as stuck. Default: 15m.
	QuietWindow time.Duration
	// RetryBudget is the number of automatic retries before a stuck
	// unit is marked failed. Default: 3.
	RetryBudget int
}

// DefaultConfig returns the default recovery configuration
func DefaultConfig() Config {
	return Config{
		Period:      10 * time.Minute,
		QuietWindow: 15 * time.Minute,
		RetryBudget: 3,
	}
}

// Resubmitter re-queues a unit for analysis. Implemented by the engine.
type Resubmitter interface {
	Resubmit(ctx context.Context, fingerprint string) error
}

// Service runs the startup, periodic, and shutdown sweeps.
type Service struct {
	store     storage.Storage
	submitter Resubmitter
	cfg       Config
	log       *logrus.Logger

	// processStart separates this process's pending units from those a
	// previous process left behind
	processStart time.Time

	stopCh chan struct{}
	doneCh chan struct{}

	// now is swappable for tests
	now func() time.Time
}

// New creates a recovery service. Zero-valued config fields fall back
// to defaults.
func New(store storage.Storage, submitter Resubmitter, cfg Config, log *logrus.Logger) *Service {
	def := DefaultConfig()
	if cfg.Period <= 0 {
		cfg.Period = def.Period
	}
	if cfg.QuietWindow <= 0 {
		cfg.QuietWindow = def.QuietWindow
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = def.RetryBudget
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		store:        store,
		submitter:    submitter,
		cfg:          cfg,
		log:          log,
		processStart: time.Now(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		now:          time.Now,
	}
}

// StartupSweep marks every unit still pending from before this process
// started as abandoned. Run once before Start.
func (s *Service) StartupSweep(ctx context.Context) error {
	n, err := s.store.AbandonPendingCreatedBefore(ctx, s.processStart, actorRecovery,
		"pending across process restart")
	if err != nil {
		return fmt.Errorf("startup sweep failed: %w", err)
	}
	if n > 0 {
		s.log.WithField("count", n).Warn("abandoned units pending from a previous process")
	}
	return nil
}

// Start launches the periodic sweep loop.
func (s *Service) Start() {
	go s.run()
}

// Stop halts the sweep loop and marks everything still pending as
// abandoned so a restart starts clean.
func (s *Service) Stop(ctx context.Context) error {
	close(s.stopCh)
	<-s.doneCh

	n, err := s.store.AbandonAllPending(ctx, actorRecovery, "process shutting down")
	if err != nil {
		return fmt.Errorf("shutdown sweep failed: %w", err)
	}
	if n > 0 {
		s.log.WithField("count", n).Info("abandoned in-flight units at shutdown")
	}
	return nil
}

func (s *Service) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Period)
			if err := s.Sweep(ctx); err != nil {
				s.log.WithError(err).Error("recovery sweep failed")
			}
			cancel()
		}
	}
}

// Sweep finds this process's stuck pending units and retries them
// within the budget. Exported so operators can trigger a sweep by hand.
func (s *Service) Sweep(ctx context.Context) error {
	units, err := s.store.ListUnits(ctx, types.UnitFilter{Status: types.StatusPending})
	if err != nil {
		return fmt.Errorf("failed to list pending units: %w", err)
	}

	now := s.now()
	for _, unit := range units {
		// Pre-restart units belong to the startup sweep, not this one
		if unit.CreatedAt.Before(s.processStart) {
			continue
		}
		if now.Sub(unit.LastSeen) < s.cfg.QuietWindow {
			continue
		}
		if err := s.retry(ctx, unit); err != nil {
			s.log.WithError(err).WithField("fingerprint", unit.Fingerprint).
				Error("failed to recover stuck unit")
		}
	}
	return nil
}

func (s *Service) retry(ctx context.Context, unit *types.Unit) error {
	retries, err := s.store.IncrementRetry(ctx, unit.Fingerprint)
	if err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}

	if retries >= s.cfg.RetryBudget {
		note := fmt.Sprintf("retry budget exhausted after %d attempts", retries)
		if err := s.store.AppendReportNote(ctx, unit.Fingerprint, "**Recovery:** "+note); err != nil {
			s.log.WithError(err).Warn("failed to append exhaustion note")
		}
		if err := s.store.UpdateStatus(ctx, unit.Fingerprint, types.StatusFailed, actorRecovery, note); err != nil {
			return fmt.Errorf("failed to mark unit failed: %w", err)
		}
		s.log.WithFields(logrus.Fields{
			"fingerprint": unit.Fingerprint,
			"retries":     retries,
		}).Warn("stuck unit failed permanently")
		return nil
	}

	s.log.WithFields(logrus.Fields{
		"fingerprint": unit.Fingerprint,
		"retry":       retries,
	}).Info("resubmitting stuck unit")
	return s.submitter.Resubmit(ctx, unit.Fingerprint)
}
