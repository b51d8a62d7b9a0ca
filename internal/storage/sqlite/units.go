package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sqwatch/sqwatch/internal/types"
)

const unitColumns = `fingerprint, template, database_name, status, first_seen, last_seen,
	last_notified_at, last_notified_avg_duration, plan, retry_count, report,
	exec_count, avg_duration_secs, max_duration_secs, avg_lock_time_secs,
	max_lock_time_secs, avg_rows_sent, avg_rows_examined, created_at, updated_at`

// scanUnit reads one unit row in unitColumns order
func scanUnit(row interface{ Scan(...interface{}) error }) (*types.Unit, error) {
	var u types.Unit
	var lastNotified sql.NullTime
	err := row.Scan(
		&u.Fingerprint, &u.Template, &u.Database, &u.Status, &u.FirstSeen, &u.LastSeen,
		&lastNotified, &u.LastNotifiedAvgDuration, &u.Plan, &u.RetryCount, &u.Report,
		&u.Stats.ExecCount, &u.Stats.AvgDurationSecs, &u.Stats.MaxDurationSecs,
		&u.Stats.AvgLockTimeSecs, &u.Stats.MaxLockTimeSecs,
		&u.Stats.AvgRowsSent, &u.Stats.AvgRowsExamined, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastNotified.Valid {
		t := lastNotified.Time
		u.LastNotifiedAt = &t
	}
	return &u, nil
}

// GetUnit retrieves a unit by fingerprint
func (s *SQLiteStorage) GetUnit(ctx context.Context, fingerprint string) (*types.Unit, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+unitColumns+" FROM units WHERE fingerprint = ?", fingerprint)
	u, err := scanUnit(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit %s: %w", fingerprint, err)
	}
	return u, nil
}

// ListUnits retrieves units matching the filter, most recently seen first
func (s *SQLiteStorage) ListUnits(ctx context.Context, filter types.UnitFilter) ([]*types.Unit, error) {
	query := "SELECT " + unitColumns + " FROM units"
	var conds []string
	var args []interface{}

	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Database != "" {
		conds = append(conds, "database_name = ?")
		args = append(args, filter.Database)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY last_seen DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	defer rows.Close()

	var units []*types.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// CreateUnit inserts a new unit. The fingerprint must not already exist.
func (s *SQLiteStorage) CreateUnit(ctx context.Context, unit *types.Unit, actor string) error {
	if err := unit.Validate(); err != nil {
		return fmt.Errorf("invalid unit: %w", err)
	}

	now := time.Now().UTC()
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = now
	}
	unit.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO units (fingerprint, template, database_name, status, first_seen, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, unit.Fingerprint, unit.Template, unit.Database, string(unit.Status),
		unit.FirstSeen, unit.LastSeen, unit.CreatedAt, unit.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create unit %s: %w", unit.Fingerprint, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO unit_events (fingerprint, old_status, new_status, actor, note)
		VALUES (?, '', ?, ?, 'unit created')
	`, unit.Fingerprint, string(unit.Status), actor)
	if err != nil {
		return fmt.Errorf("failed to record creation event: %w", err)
	}

	return tx.Commit()
}

// UpdateStatus transitions a unit to a new status and records the
// transition in the audit trail.
func (s *SQLiteStorage) UpdateStatus(ctx context.Context, fingerprint string, status types.UnitStatus, actor, note string) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid status: %s", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var oldStatus string
	err = tx.QueryRowContext(ctx, "SELECT status FROM units WHERE fingerprint = ?", fingerprint).Scan(&oldStatus)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read status for %s: %w", fingerprint, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE units SET status = ?, updated_at = ? WHERE fingerprint = ?
	`, string(status), time.Now().UTC(), fingerprint)
	if err != nil {
		return fmt.Errorf("failed to update status for %s: %w", fingerprint, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO unit_events (fingerprint, old_status, new_status, actor, note)
		VALUES (?, ?, ?, ?, ?)
	`, fingerprint, oldStatus, string(status), actor, note)
	if err != nil {
		return fmt.Errorf("failed to record status event: %w", err)
	}

	return tx.Commit()
}

// SetReport replaces the unit's analysis report
func (s *SQLiteStorage) SetReport(ctx context.Context, fingerprint, report string) error {
	return s.updateUnitField(ctx, fingerprint, "report = ?", report)
}

// AppendReportNote appends a note to the unit's report, preserving
// whatever partial output is already there.
func (s *SQLiteStorage) AppendReportNote(ctx context.Context, fingerprint, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE units
		SET report = CASE WHEN report = '' THEN ? ELSE report || char(10) || char(10) || ? END,
		    updated_at = ?
		WHERE fingerprint = ?
	`, note, note, time.Now().UTC(), fingerprint)
	if err != nil {
		return fmt.Errorf("failed to append report note for %s: %w", fingerprint, err)
	}
	return checkFound(res, fingerprint)
}

// SetPlan stores the latest execution-plan snapshot
func (s *SQLiteStorage) SetPlan(ctx context.Context, fingerprint, plan string) error {
	return s.updateUnitField(ctx, fingerprint, "plan = ?", plan)
}

// TouchLastSeen advances the unit's last-seen timestamp
func (s *SQLiteStorage) TouchLastSeen(ctx context.Context, fingerprint string, seen time.Time) error {
	return s.updateUnitField(ctx, fingerprint, "last_seen = ?", seen.UTC())
}

// IncrementRetry bumps the retry counter and returns the new value
func (s *SQLiteStorage) IncrementRetry(ctx context.Context, fingerprint string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE units SET retry_count = retry_count + 1, updated_at = ? WHERE fingerprint = ?
	`, time.Now().UTC(), fingerprint)
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry for %s: %w", fingerprint, err)
	}
	if err := checkFound(res, fingerprint); err != nil {
		return 0, err
	}

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT retry_count FROM units WHERE fingerprint = ?", fingerprint).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to read retry count for %s: %w", fingerprint, err)
	}

	return count, tx.Commit()
}

// UpdateNotificationState records that a notification fired, capturing
// the average duration it fired at for future degradation checks.
func (s *SQLiteStorage) UpdateNotificationState(ctx context.Context, fingerprint string, at time.Time, avgDuration float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE units SET last_notified_at = ?, last_notified_avg_duration = ?, updated_at = ?
		WHERE fingerprint = ?
	`, at.UTC(), avgDuration, time.Now().UTC(), fingerprint)
	if err != nil {
		return fmt.Errorf("failed to update notification state for %s: %w", fingerprint, err)
	}
	return checkFound(res, fingerprint)
}

// AbandonPendingCreatedBefore sweeps pending units created before the
// cutoff into abandoned, appending the note to each report. Used at
// startup to retire crash-era pending units.
func (s *SQLiteStorage) AbandonPendingCreatedBefore(ctx context.Context, cutoff time.Time, actor, note string) (int, error) {
	return s.abandonPending(ctx, "status = ? AND created_at < ?", []interface{}{string(types.StatusPending), cutoff.UTC()}, actor, note)
}

// AbandonAllPending sweeps every pending unit into abandoned. Used at
// graceful shutdown so a later run's startup sweep has nothing to do.
func (s *SQLiteStorage) AbandonAllPending(ctx context.Context, actor, note string) (int, error) {
	return s.abandonPending(ctx, "status = ?", []interface{}{string(types.StatusPending)}, actor, note)
}

func (s *SQLiteStorage) abandonPending(ctx context.Context, where string, args []interface{}, actor, note string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT fingerprint FROM units WHERE "+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to select pending units: %w", err)
	}
	var fingerprints []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		fingerprints = append(fingerprints, fp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, fp := range fingerprints {
		_, err = tx.ExecContext(ctx, `
			UPDATE units
			SET status = ?,
			    report = CASE WHEN report = '' THEN ? ELSE report || char(10) || char(10) || ? END,
			    updated_at = ?
			WHERE fingerprint = ?
		`, string(types.StatusAbandoned), note, note, now, fp)
		if err != nil {
			return 0, fmt.Errorf("failed to abandon unit %s: %w", fp, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO unit_events (fingerprint, old_status, new_status, actor, note)
			VALUES (?, ?, ?, ?, ?)
		`, fp, string(types.StatusPending), string(types.StatusAbandoned), actor, note)
		if err != nil {
			return 0, fmt.Errorf("failed to record abandon event for %s: %w", fp, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(fingerprints), nil
}

// GetUnitEvents returns the audit trail for a unit, newest first
func (s *SQLiteStorage) GetUnitEvents(ctx context.Context, fingerprint string, limit int) ([]*types.UnitEvent, error) {
	query := `
		SELECT id, fingerprint, old_status, new_status, actor, note, created_at
		FROM unit_events WHERE fingerprint = ? ORDER BY id DESC
	`
	args := []interface{}{fingerprint}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get unit events: %w", err)
	}
	defer rows.Close()

	var events []*types.UnitEvent
	for rows.Next() {
		var e types.UnitEvent
		if err := rows.Scan(&e.ID, &e.Fingerprint, &e.OldStatus, &e.NewStatus, &e.Actor, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan unit event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// updateUnitField applies a single-column update plus updated_at
func (s *SQLiteStorage) updateUnitField(ctx context.Context, fingerprint, setClause string, value interface{}) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE units SET "+setClause+", updated_at = ? WHERE fingerprint = ?",
		value, time.Now().UTC(), fingerprint)
	if err != nil {
		return fmt.Errorf("failed to update unit %s: %w", fingerprint, err)
	}
	return checkFound(res, fingerprint)
}

func checkFound(res sql.Result, fingerprint string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
