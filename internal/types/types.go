package types

import (
	"fmt"
	"time"
)

// Unit is the durable aggregate record for one kind of slow query.
// Exactly one Unit exists per fingerprint; it is created on first
// observation and mutated on every subsequent observation and after
// every analysis run.
type Unit struct {
	Fingerprint string     `json:"fingerprint"`
	Template    string     `json:"template"`
	Database    string     `json:"database"`
	Status      UnitStatus `json:"status"`
	FirstSeen   time.Time  `json:"first_seen"`
	LastSeen    time.Time  `json:"last_seen"`

	// Notification state. LastNotifiedAt is nil until the first
	// notification fires for this unit.
	LastNotifiedAt          *time.Time `json:"last_notified_at,omitempty"`
	LastNotifiedAvgDuration float64    `json:"last_notified_avg_duration,omitempty"`

	// Plan is the most recent execution-plan snapshot captured during
	// an escalated analysis run.
	Plan string `json:"plan,omitempty"`

	// RetryCount is incremented by the recovery service each time a
	// stuck analysis is re-submitted.
	RetryCount int `json:"retry_count"`

	// Report is the concatenated output of the analysis stages, or the
	// failure explanation when the run did not complete.
	Report string `json:"report,omitempty"`

	// Stats holds the aggregate statistics recomputed from this unit's
	// samples. Always derived, never hand-maintained running sums.
	Stats QueryStats `json:"stats"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the unit has valid field values
func (u *Unit) Validate() error {
	if u.Fingerprint == "" {
		return fmt.Errorf("fingerprint is required")
	}
	if u.Template == "" {
		return fmt.Errorf("template is required")
	}
	if !u.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", u.Status)
	}
	if u.RetryCount < 0 {
		return fmt.Errorf("retry_count cannot be negative (got %d)", u.RetryCount)
	}
	return nil
}

// Sample is one immutable observation of a query execution. Samples are
// append-only; they are never updated after being written.
type Sample struct {
	ID           int64     `json:"id"`
	Fingerprint  string    `json:"fingerprint"`
	CapturedAt   time.Time `json:"captured_at"`
	QueryText    string    `json:"query_text"`
	DurationSecs float64   `json:"duration_secs"`
	LockTimeSecs float64   `json:"lock_time_secs"`
	RowsSent     int64     `json:"rows_sent"`
	RowsExamined int64     `json:"rows_examined"`
}

// Validate checks if the sample has valid field values
func (s *Sample) Validate() error {
	if s.Fingerprint == "" {
		return fmt.Errorf("fingerprint is required")
	}
	if s.DurationSecs < 0 {
		return fmt.Errorf("duration_secs cannot be negative (got %f)", s.DurationSecs)
	}
	if s.LockTimeSecs < 0 {
		return fmt.Errorf("lock_time_secs cannot be negative (got %f)", s.LockTimeSecs)
	}
	if s.RowsSent < 0 || s.RowsExamined < 0 {
		return fmt.Errorf("row counts cannot be negative")
	}
	return nil
}

// QueryStats holds aggregate statistics over a unit's samples.
// Durations are in seconds.
type QueryStats struct {
	ExecCount       int64   `json:"exec_count"`
	AvgDurationSecs float64 `json:"avg_duration_secs"`
	MaxDurationSecs float64 `json:"max_duration_secs"`
	AvgLockTimeSecs float64 `json:"avg_lock_time_secs"`
	MaxLockTimeSecs float64 `json:"max_lock_time_secs"`
	AvgRowsSent     float64 `json:"avg_rows_sent"`
	AvgRowsExamined float64 `json:"avg_rows_examined"`
}

// maxScanRatio stands in for "scanned rows but returned none".
const maxScanRatio = 1e9

// ScanRatio returns the ratio of average rows examined to average rows
// returned. A query that returns no rows but scans some is treated as
// an unbounded ratio.
func (s QueryStats) ScanRatio() float64 {
	if s.AvgRowsSent <= 0 {
		if s.AvgRowsExamined > 0 {
			return maxScanRatio
		}
		return 0
	}
	return s.AvgRowsExamined / s.AvgRowsSent
}

// SlowQueryEvent is one raw record from the event source.
type SlowQueryEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	Database     string    `json:"database"`
	UserHost     string    `json:"user_host"`
	Query        string    `json:"query"`
	DurationSecs float64   `json:"duration_secs"`
	LockTimeSecs float64   `json:"lock_time_secs"`
	RowsSent     int64     `json:"rows_sent"`
	RowsExamined int64     `json:"rows_examined"`
	// Cursor is this event's position in the source stream, opaque to
	// everything but the source that produced it.
	Cursor string `json:"cursor,omitempty"`
}

// UnitStatus represents the analysis state of a unit
type UnitStatus string

const (
	// StatusPending means the unit is awaiting or undergoing analysis
	StatusPending UnitStatus = "pending"
	// StatusSuccess means a report was produced (terminal)
	StatusSuccess UnitStatus = "success"
	// StatusError means the last analysis attempt failed and the unit
	// is eligible for automatic retry
	StatusError UnitStatus = "error"
	// StatusAbandoned means the unit was pending across a process
	// restart and is not retried automatically
	StatusAbandoned UnitStatus = "abandoned"
	// StatusFailed means the retry budget was exhausted (terminal)
	StatusFailed UnitStatus = "failed"
)

// IsValid checks if the status value is valid
func (s UnitStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusError, StatusAbandoned, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status admits no further automatic
// transitions.
func (s UnitStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ErrorCategory classifies a diagnostic-tool or analyzer failure
type ErrorCategory string

const (
	// CategoryBlocking covers environment and permission problems: the
	// monitored system is unreachable or misconfigured. Abort the run,
	// surface the explanation verbatim, never fabricate findings.
	CategoryBlocking ErrorCategory = "blocking"
	// CategoryTransient covers network errors and timeouts, eligible
	// for a bounded number of retries.
	CategoryTransient ErrorCategory = "transient"
	// CategoryPermanent covers malformed queries and logical tool
	// errors. Abort the run, require operator intervention.
	CategoryPermanent ErrorCategory = "permanent"
)

// IsValid checks if the error category value is valid
func (c ErrorCategory) IsValid() bool {
	switch c {
	case CategoryBlocking, CategoryTransient, CategoryPermanent:
		return true
	}
	return false
}

// Retryable reports whether failures in this category may be retried
// automatically.
func (c ErrorCategory) Retryable() bool {
	return c == CategoryTransient
}

// UnitFilter narrows ListUnits results
type UnitFilter struct {
	Status   UnitStatus // empty matches all statuses
	Database string     // empty matches all databases
	Limit    int        // 0 means no limit
}

// UnitEvent is one audit-trail entry for a unit status transition
type UnitEvent struct {
	ID          int64     `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	OldStatus   string    `json:"old_status"`
	NewStatus   string    `json:"new_status"`
	Actor       string    `json:"actor"`
	Note        string    `json:"note,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// EngineInstance tracks a running engine process for crash detection
type EngineInstance struct {
	InstanceID    string    `json:"instance_id"`
	Hostname      string    `json:"hostname"`
	PID           int       `json:"pid"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Version       string    `json:"version"`
}
