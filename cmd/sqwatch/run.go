package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sqwatch/sqwatch/internal/engine"
	"github.com/sqwatch/sqwatch/internal/ingest"
	"github.com/sqwatch/sqwatch/internal/recovery"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the slow query watchdog daemon",
	Long: `Start the full pipeline: poll the monitored MySQL instance for slow
statements, maintain one analysis unit per query fingerprint, and run
the analyzer chain over new and regressed units. Runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		stack, err := buildAnalysisStack()
		if err != nil {
			return err
		}
		defer stack.Close()

		eng := engine.New(store, stack.orch, stack.notifier, engine.Config{
			Workers:             cfg.Engine.Workers,
			QueueDepth:          cfg.Engine.QueueDepth,
			HeartbeatInterval:   cfg.Engine.HeartbeatInterval.Std(),
			AnalysisTimeout:     cfg.Engine.AnalysisTimeout.Std(),
			Version:             version,
			MaintenanceInterval: cfg.Retention.Interval.Std(),
			EventRetention:      cfg.Retention.EventAge.Std(),
			EventPerUnitKeep:    cfg.Retention.EventPerUnitKeep,
			InstanceRetention:   cfg.Retention.InstanceAge.Std(),
			InstanceKeep:        cfg.Retention.InstanceKeep,
		}, logger)

		recoverer := recovery.New(store, eng, recovery.Config{
			Period:      cfg.Recovery.Period.Std(),
			QuietWindow: cfg.Recovery.QuietWindow.Std(),
			RetryBudget: cfg.Recovery.RetryBudget,
		}, logger)

		source, err := ingest.OpenMySQLSource(ingest.MySQLConfig{
			DSN:           cfg.Monitor.DSN,
			SlowThreshold: cfg.Monitor.SlowThreshold.Std(),
			BatchSize:     cfg.Monitor.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("failed to connect slow query source: %w", err)
		}
		defer source.Close()

		poller := ingest.NewPoller(source, store, eng.SubmitEvent, ingest.Config{
			Interval: cfg.Monitor.PollInterval.Std(),
		}, logger)

		// Units pending from a previous process are dead; mark them
		// before accepting new work
		if err := recoverer.StartupSweep(ctx); err != nil {
			return err
		}
		if err := eng.Start(ctx); err != nil {
			return err
		}
		recoverer.Start()
		poller.Start()

		logger.WithField("instance_id", eng.InstanceID()).Info("sqwatch running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down")
		poller.Stop()
		// Drain the analysis pool before the shutdown sweep so finished
		// runs cannot flip freshly abandoned units back through pending
		if err := eng.Stop(ctx); err != nil {
			logger.WithError(err).Error("engine shutdown failed")
		}
		if err := recoverer.Stop(ctx); err != nil {
			logger.WithError(err).Error("recovery shutdown failed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
