package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/sqwatch/sqwatch/internal/types"
)

// RegisterInstance records a running engine process
func (s *SQLiteStorage) RegisterInstance(ctx context.Context, instance *types.EngineInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_instances (instance_id, hostname, pid, status, started_at, last_heartbeat, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, instance.InstanceID, instance.Hostname, instance.PID, instance.Status,
		instance.StartedAt.UTC(), instance.LastHeartbeat.UTC(), instance.Version)
	if err != nil {
		return fmt.Errorf("failed to register instance %s: %w", instance.InstanceID, err)
	}
	return nil
}

// UpdateHeartbeat advances an instance's heartbeat timestamp
func (s *SQLiteStorage) UpdateHeartbeat(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE engine_instances SET last_heartbeat = ? WHERE instance_id = ?
	`, time.Now().UTC(), instanceID)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat for %s: %w", instanceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListInstances returns all registered engine instances, newest first
func (s *SQLiteStorage) ListInstances(ctx context.Context) ([]*types.EngineInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, hostname, pid, status, started_at, last_heartbeat, version
		FROM engine_instances
		ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []*types.EngineInstance
	for rows.Next() {
		inst := &types.EngineInstance{}
		if err := rows.Scan(&inst.InstanceID, &inst.Hostname, &inst.PID, &inst.Status,
			&inst.StartedAt, &inst.LastHeartbeat, &inst.Version); err != nil {
			return nil, fmt.Errorf("failed to scan instance row: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate instance rows: %w", err)
	}
	return instances, nil
}

// MarkInstanceStopped records a clean shutdown
func (s *SQLiteStorage) MarkInstanceStopped(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE engine_instances SET status = 'stopped', last_heartbeat = ? WHERE instance_id = ?
	`, time.Now().UTC(), instanceID)
	if err != nil {
		return fmt.Errorf("failed to mark instance stopped %s: %w", instanceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
