package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// maintenanceLoop prunes old audit events and stopped instance rows on
// an interval so the store does not grow without bound.
func (e *Engine) maintenanceLoop() {
	defer e.loops.Done()

	ticker := time.NewTicker(e.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if err := e.RunMaintenance(ctx); err != nil {
				e.log.WithError(err).Error("retention sweep failed")
			}
			cancel()
		}
	}
}

// RunMaintenance performs one retention sweep. Exported so operators
// can trigger it by hand.
func (e *Engine) RunMaintenance(ctx context.Context) error {
	now := time.Now().UTC()

	events, err := e.store.PruneUnitEvents(ctx,
		now.Add(-e.cfg.EventRetention), e.cfg.EventPerUnitKeep)
	if err != nil {
		return err
	}

	instances, err := e.store.PruneStoppedInstances(ctx,
		now.Add(-e.cfg.InstanceRetention), e.cfg.InstanceKeep)
	if err != nil {
		return err
	}

	if events > 0 || instances > 0 {
		e.log.WithFields(logrus.Fields{
			"events":    events,
			"instances": instances,
		}).Info("retention sweep pruned rows")
	}
	return nil
}
