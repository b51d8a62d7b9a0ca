package sqlite

import (
	"context"
	"fmt"
	"time"
)

// PruneUnitEvents deletes audit events older than cutoff while keeping
// the newest perUnitKeep events for every unit, so no unit loses its
// recent history. perUnitKeep <= 0 keeps nothing beyond the cutoff.
func (s *SQLiteStorage) PruneUnitEvents(ctx context.Context, cutoff time.Time, perUnitKeep int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM unit_events
		WHERE created_at < ?
		AND id NOT IN (
			SELECT id FROM (
				SELECT id,
					ROW_NUMBER() OVER (PARTITION BY fingerprint ORDER BY id DESC) AS rn
				FROM unit_events
			) WHERE rn <= ?
		)
	`, cutoff.UTC(), perUnitKeep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune unit events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(n), nil
}

// PruneStoppedInstances deletes stopped engine instances whose last
// heartbeat is older than cutoff, keeping the newest keep rows as a
// historical record. Running instances are never touched.
func (s *SQLiteStorage) PruneStoppedInstances(ctx context.Context, cutoff time.Time, keep int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM engine_instances
		WHERE status = 'stopped'
		AND last_heartbeat < ?
		AND instance_id NOT IN (
			SELECT instance_id FROM engine_instances
			WHERE status = 'stopped'
			ORDER BY last_heartbeat DESC
			LIMIT ?
		)
	`, cutoff.UTC(), keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune stopped instances: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(n), nil
}
