// Package engine wires the pipeline together: it fingerprints incoming
// slow-query events, maintains the unit per fingerprint, and dispatches
// analysis runs onto a bounded worker pool. It also registers the
// process in the instance table and keeps its heartbeat fresh.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sqwatch/sqwatch/internal/fingerprint"
	"github.com/sqwatch/sqwatch/internal/notify"
	"github.com/sqwatch/sqwatch/internal/orchestrator"
	"github.com/sqwatch/sqwatch/internal/storage"
	"github.com/sqwatch/sqwatch/internal/types"
)

const actorEngine = "engine"

// Analyzer runs the analysis chain for one unit. Satisfied by
// orchestrator.Orchestrator.
type Analyzer interface {
	Run(ctx context.Context, fingerprint string, force bool) (*orchestrator.Result, error)
}

// Completer handles a finished analysis. Satisfied by notify.Notifier.
type Completer interface {
	ProcessCompletion(ctx context.Context, unit *types.Unit) (*notify.Decision, error)
}

// Config holds the engine settings
type Config struct {
	// Workers is the analysis pool size. Default: 4.
	Workers int
	// QueueDepth is the analysis queue bound. Default: 16.
	QueueDepth int
	// HeartbeatInterval for the instance table. Default: 30s.
	HeartbeatInterval time.Duration
	// Version reported in the instance registration
	Version string
	// AnalysisTimeout bounds one analysis run. Default: 10m.
	AnalysisTimeout time.Duration

	// MaintenanceInterval between retention sweeps. Default: 24h.
	MaintenanceInterval time.Duration
	// EventRetention is how long unit audit events are kept.
	// Default: 30 days.
	EventRetention time.Duration
	// EventPerUnitKeep is the newest events preserved per unit even
	// past the retention window. Default: 100.
	EventPerUnitKeep int
	// InstanceRetention is how long stopped instance rows are kept.
	// Default: 24h.
	InstanceRetention time.Duration
	// InstanceKeep is the stopped instance rows always preserved.
	// Default: 10.
	InstanceKeep int
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		Workers:             4,
		QueueDepth:          16,
		HeartbeatInterval:   30 * time.Second,
		AnalysisTimeout:     10 * time.Minute,
		MaintenanceInterval: 24 * time.Hour,
		EventRetention:      30 * 24 * time.Hour,
		EventPerUnitKeep:    100,
		InstanceRetention:   24 * time.Hour,
		InstanceKeep:        10,
	}
}

// Engine is the pipeline coordinator. Safe for concurrent use.
type Engine struct {
	store     storage.Storage
	analyzer  Analyzer
	completer Completer
	pool      *Pool
	cfg       Config
	log       *logrus.Logger

	instanceID string

	stopCh chan struct{}
	loops  sync.WaitGroup
}

// New creates an engine. Zero-valued config fields fall back to
// defaults.
func New(store storage.Storage, analyzer Analyzer, completer Completer, cfg Config, log *logrus.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = def.AnalysisTimeout
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = def.MaintenanceInterval
	}
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = def.EventRetention
	}
	if cfg.EventPerUnitKeep <= 0 {
		cfg.EventPerUnitKeep = def.EventPerUnitKeep
	}
	if cfg.InstanceRetention <= 0 {
		cfg.InstanceRetention = def.InstanceRetention
	}
	if cfg.InstanceKeep <= 0 {
		cfg.InstanceKeep = def.InstanceKeep
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		store:      store,
		analyzer:   analyzer,
		completer:  completer,
		pool:       NewPool(cfg.Workers, cfg.QueueDepth),
		cfg:        cfg,
		log:        log,
		instanceID: uuid.New().String(),
		stopCh:     make(chan struct{}),
	}
}

// InstanceID returns this process's registration id.
func (e *Engine) InstanceID() string {
	return e.instanceID
}

// Start registers the instance and launches the heartbeat loop.
func (e *Engine) Start(ctx context.Context) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	now := time.Now().UTC()
	if err := e.store.RegisterInstance(ctx, &types.EngineInstance{
		InstanceID:    e.instanceID,
		Hostname:      hostname,
		PID:           os.Getpid(),
		Status:        "running",
		StartedAt:     now,
		LastHeartbeat: now,
		Version:       e.cfg.Version,
	}); err != nil {
		return fmt.Errorf("failed to register engine instance: %w", err)
	}

	e.loops.Add(2)
	go e.heartbeatLoop()
	go e.maintenanceLoop()

	e.log.WithFields(logrus.Fields{
		"instance_id": e.instanceID,
		"workers":     e.cfg.Workers,
	}).Info("engine started")
	return nil
}

// Stop drains the analysis pool and marks the instance stopped.
func (e *Engine) Stop(ctx context.Context) error {
	close(e.stopCh)
	e.loops.Wait()

	e.pool.Stop()

	if err := e.store.MarkInstanceStopped(ctx, e.instanceID); err != nil {
		return fmt.Errorf("failed to mark instance stopped: %w", err)
	}
	e.log.WithField("instance_id", e.instanceID).Info("engine stopped")
	return nil
}

func (e *Engine) heartbeatLoop() {
	defer e.loops.Done()

	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.store.UpdateHeartbeat(ctx, e.instanceID); err != nil {
				e.log.WithError(err).Warn("heartbeat update failed")
			}
			cancel()
		}
	}
}

// SubmitEvent ingests one slow-query observation. A new fingerprint
// creates a pending unit and queues its analysis; a known fingerprint
// appends the sample and refreshes the aggregates, re-queuing analysis
// only when the previous attempt errored. Events whose query reduces to
// nothing are skipped silently.
func (e *Engine) SubmitEvent(ctx context.Context, event *types.SlowQueryEvent) error {
	fp, template, err := fingerprint.Fingerprint(event.Query)
	if errors.Is(err, fingerprint.ErrEmptyQuery) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to fingerprint query: %w", err)
	}

	sample := &types.Sample{
		Fingerprint:  fp,
		CapturedAt:   event.Timestamp,
		QueryText:    event.Query,
		DurationSecs: event.DurationSecs,
		LockTimeSecs: event.LockTimeSecs,
		RowsSent:     event.RowsSent,
		RowsExamined: event.RowsExamined,
	}

	unit, err := e.store.GetUnit(ctx, fp)
	switch {
	case storage.IsNotFound(err):
		return e.admitNew(ctx, fp, template, event, sample)
	case err != nil:
		return fmt.Errorf("failed to look up unit: %w", err)
	default:
		return e.admitExisting(ctx, unit, event, sample)
	}
}

func (e *Engine) admitNew(ctx context.Context, fp, template string, event *types.SlowQueryEvent, sample *types.Sample) error {
	unit := &types.Unit{
		Fingerprint: fp,
		Template:    template,
		Database:    event.Database,
		Status:      types.StatusPending,
		FirstSeen:   event.Timestamp,
		LastSeen:    event.Timestamp,
	}
	if err := e.store.CreateUnit(ctx, unit, actorEngine); err != nil {
		return fmt.Errorf("failed to create unit: %w", err)
	}
	if err := e.store.AppendSample(ctx, sample); err != nil {
		return fmt.Errorf("failed to append sample: %w", err)
	}
	if _, err := e.store.RecomputeAggregates(ctx, fp); err != nil {
		return fmt.Errorf("failed to recompute aggregates: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"fingerprint": fp,
		"database":    event.Database,
	}).Info("new slow query unit")
	e.dispatch(fp, false)
	return nil
}

func (e *Engine) admitExisting(ctx context.Context, unit *types.Unit, event *types.SlowQueryEvent, sample *types.Sample) error {
	if err := e.store.TouchLastSeen(ctx, unit.Fingerprint, event.Timestamp); err != nil {
		return fmt.Errorf("failed to touch last seen: %w", err)
	}
	if err := e.store.AppendSample(ctx, sample); err != nil {
		return fmt.Errorf("failed to append sample: %w", err)
	}
	if _, err := e.store.RecomputeAggregates(ctx, unit.Fingerprint); err != nil {
		return fmt.Errorf("failed to recompute aggregates: %w", err)
	}

	// A unit whose last attempt failed transiently gets another shot on
	// fresh evidence. Terminal and in-flight units are left alone.
	if unit.Status == types.StatusError {
		e.dispatch(unit.Fingerprint, false)
	}
	return nil
}

// Resubmit re-queues analysis for a stuck unit. Satisfies the recovery
// service's Resubmitter.
func (e *Engine) Resubmit(ctx context.Context, fp string) error {
	if _, err := e.store.GetUnit(ctx, fp); err != nil {
		return fmt.Errorf("failed to load unit for resubmission: %w", err)
	}
	e.dispatch(fp, false)
	return nil
}

// ForceReanalyze runs the full analysis chain synchronously, ignoring
// the escalation thresholds. Used by the CLI.
func (e *Engine) ForceReanalyze(ctx context.Context, fp string) (*orchestrator.Result, error) {
	res, err := e.analyzer.Run(ctx, fp, true)
	if err != nil {
		return res, err
	}
	e.complete(ctx, fp)
	return res, nil
}

// GetUnit returns one unit by fingerprint.
func (e *Engine) GetUnit(ctx context.Context, fp string) (*types.Unit, error) {
	return e.store.GetUnit(ctx, fp)
}

// ListUnits returns units matching the filter.
func (e *Engine) ListUnits(ctx context.Context, filter types.UnitFilter) ([]*types.Unit, error) {
	return e.store.ListUnits(ctx, filter)
}

// dispatch queues an analysis run. The run carries its own timeout
// rather than the submitter's context: the analysis outlives the event
// that triggered it.
func (e *Engine) dispatch(fp string, force bool) {
	e.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.AnalysisTimeout)
		defer cancel()

		_, err := e.analyzer.Run(ctx, fp, force)
		if errors.Is(err, orchestrator.ErrInFlight) {
			return
		}
		if err != nil {
			e.log.WithError(err).WithField("fingerprint", fp).Warn("analysis run failed")
			return
		}
		e.complete(ctx, fp)
	})
}

// complete hands a successful run to the notification engine.
func (e *Engine) complete(ctx context.Context, fp string) {
	unit, err := e.store.GetUnit(ctx, fp)
	if err != nil {
		e.log.WithError(err).WithField("fingerprint", fp).Error("failed to reload unit after analysis")
		return
	}
	if _, err := e.completer.ProcessCompletion(ctx, unit); err != nil {
		e.log.WithError(err).WithField("fingerprint", fp).Error("notification processing failed")
	}
}
