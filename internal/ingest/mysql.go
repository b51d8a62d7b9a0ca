package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sqwatch/sqwatch/internal/types"
)

// Schemas whose statements are never treated as application queries
var systemSchemas = []string{"performance_schema", "information_schema", "mysql", "sys"}

// MySQLConfig holds the performance_schema source settings
type MySQLConfig struct {
	// DSN for the monitored instance
	DSN string
	// SlowThreshold is the minimum statement duration to ingest.
	// Default: 1s.
	SlowThreshold time.Duration
	// BatchSize caps the rows fetched per poll. Default: 500.
	BatchSize int
}

// DefaultMySQLConfig returns the default source configuration
func DefaultMySQLConfig() MySQLConfig {
	return MySQLConfig{
		SlowThreshold: time.Second,
		BatchSize:     500,
	}
}

// MySQLSource reads slow statements from
// performance_schema.events_statements_history_long. The cursor is the
// TIMER_START of the newest row seen, a picosecond counter that only
// moves forward while the server is up.
type MySQLSource struct {
	db  *sqlx.DB
	cfg MySQLConfig
}

// NewMySQLSource wraps an existing connection pool.
func NewMySQLSource(db *sqlx.DB, cfg MySQLConfig) *MySQLSource {
	def := DefaultMySQLConfig()
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = def.SlowThreshold
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &MySQLSource{db: db, cfg: cfg}
}

// OpenMySQLSource dials the monitored instance.
func OpenMySQLSource(cfg MySQLConfig) (*MySQLSource, error) {
	db, err := sqlx.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return NewMySQLSource(db, cfg), nil
}

func (s *MySQLSource) Close() error {
	return s.db.Close()
}

const slowStatementQuery = `
SELECT
	CURRENT_SCHEMA,
	SQL_TEXT,
	TIMER_START,
	TIMER_WAIT / 1e12 AS duration_secs,
	LOCK_TIME / 1e12 AS lock_secs,
	ROWS_SENT,
	ROWS_EXAMINED
FROM performance_schema.events_statements_history_long
WHERE TIMER_START > ?
	AND TIMER_WAIT > ?
	AND SQL_TEXT IS NOT NULL
	AND CURRENT_SCHEMA IS NOT NULL
	AND CURRENT_SCHEMA NOT IN (?, ?, ?, ?)
ORDER BY TIMER_START ASC
LIMIT ?`

func (s *MySQLSource) Poll(ctx context.Context, cursor string) ([]*types.SlowQueryEvent, string, error) {
	since, err := parseCursor(cursor)
	if err != nil {
		return nil, cursor, err
	}
	thresholdPicos := uint64(s.cfg.SlowThreshold.Nanoseconds()) * 1000

	args := []interface{}{since, thresholdPicos}
	for _, schema := range systemSchemas {
		args = append(args, schema)
	}
	args = append(args, s.cfg.BatchSize)

	rows, err := s.db.QueryContext(ctx, slowStatementQuery, args...)
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to query performance_schema: %w", err)
	}
	defer rows.Close()

	var (
		events  []*types.SlowQueryEvent
		maxSeen = since
		polled  = time.Now().UTC()
	)
	for rows.Next() {
		var (
			schema       sql.NullString
			sqlText      sql.NullString
			timerStart   uint64
			durationSecs float64
			lockSecs     float64
			rowsSent     int64
			rowsExamined int64
		)
		if err := rows.Scan(&schema, &sqlText, &timerStart,
			&durationSecs, &lockSecs, &rowsSent, &rowsExamined); err != nil {
			return nil, cursor, fmt.Errorf("failed to scan statement row: %w", err)
		}
		if timerStart > maxSeen {
			maxSeen = timerStart
		}
		if !sqlText.Valid || sqlText.String == "" {
			continue
		}
		events = append(events, &types.SlowQueryEvent{
			Timestamp:    polled,
			Cursor:       formatCursor(timerStart),
			Database:     schema.String,
			Query:        sqlText.String,
			DurationSecs: durationSecs,
			LockTimeSecs: lockSecs,
			RowsSent:     rowsSent,
			RowsExamined: rowsExamined,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, cursor, fmt.Errorf("failed to iterate statement rows: %w", err)
	}

	return events, formatCursor(maxSeen), nil
}

func parseCursor(cursor string) (uint64, error) {
	if cursor == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed ingestion cursor %q: %w", cursor, err)
	}
	return v, nil
}

func formatCursor(v uint64) string {
	return strconv.FormatUint(v, 10)
}
