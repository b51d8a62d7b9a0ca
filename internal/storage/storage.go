package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sqwatch/sqwatch/internal/storage/sqlite"
	"github.com/sqwatch/sqwatch/internal/types"
)

// ErrNotFound is returned when a unit lookup misses.
var ErrNotFound = sqlite.ErrNotFound

// Storage defines the interface for the unit store. All analysis state
// lives here: one unit per fingerprint plus its append-only samples.
type Storage interface {
	// Units
	GetUnit(ctx context.Context, fingerprint string) (*types.Unit, error)
	ListUnits(ctx context.Context, filter types.UnitFilter) ([]*types.Unit, error)
	CreateUnit(ctx context.Context, unit *types.Unit, actor string) error
	UpdateStatus(ctx context.Context, fingerprint string, status types.UnitStatus, actor, note string) error
	SetReport(ctx context.Context, fingerprint, report string) error
	AppendReportNote(ctx context.Context, fingerprint, note string) error
	SetPlan(ctx context.Context, fingerprint, plan string) error
	TouchLastSeen(ctx context.Context, fingerprint string, seen time.Time) error
	IncrementRetry(ctx context.Context, fingerprint string) (int, error)
	UpdateNotificationState(ctx context.Context, fingerprint string, at time.Time, avgDuration float64) error

	// Samples - append-only observation log
	AppendSample(ctx context.Context, sample *types.Sample) error
	GetSamples(ctx context.Context, fingerprint string, limit int) ([]*types.Sample, error)
	RecomputeAggregates(ctx context.Context, fingerprint string) (*types.QueryStats, error)

	// Recovery sweeps
	AbandonPendingCreatedBefore(ctx context.Context, cutoff time.Time, actor, note string) (int, error)
	AbandonAllPending(ctx context.Context, actor, note string) (int, error)

	// Audit trail
	GetUnitEvents(ctx context.Context, fingerprint string, limit int) ([]*types.UnitEvent, error)

	// Engine instances
	RegisterInstance(ctx context.Context, instance *types.EngineInstance) error
	UpdateHeartbeat(ctx context.Context, instanceID string) error
	ListInstances(ctx context.Context) ([]*types.EngineInstance, error)
	MarkInstanceStopped(ctx context.Context, instanceID string) error

	// Retention. Both prune operations are bounded deletes driven by
	// the engine's maintenance loop.
	PruneUnitEvents(ctx context.Context, cutoff time.Time, perUnitKeep int) (int, error)
	PruneStoppedInstances(ctx context.Context, cutoff time.Time, keep int) (int, error)

	// Config key/value store (ingestion cursor and friends)
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error

	// Lifecycle
	Close() error
}

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file path.
	// Special value ":memory:" creates an in-memory database (useful for tests).
	Path string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Path: ".sqwatch/sqwatch.db",
	}
}

// New creates a new SQLite storage backend
func New(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	return sqlite.New(cfg.Path)
}

// IsNotFound reports whether err is a missed lookup.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
