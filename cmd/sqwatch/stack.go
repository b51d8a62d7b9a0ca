package main

import (
	"fmt"

	"github.com/sqwatch/sqwatch/internal/ai"
	"github.com/sqwatch/sqwatch/internal/breaker"
	"github.com/sqwatch/sqwatch/internal/notify"
	"github.com/sqwatch/sqwatch/internal/orchestrator"
	"github.com/sqwatch/sqwatch/internal/tools"
)

// analysisStack bundles the collaborators the analysis chain needs.
// Both the daemon and the one-shot reanalyze command build one.
type analysisStack struct {
	provider *tools.MySQLProvider
	orch     *orchestrator.Orchestrator
	notifier *notify.Notifier
}

func (s *analysisStack) Close() {
	if s.provider != nil {
		s.provider.Close()
	}
}

func buildAnalysisStack() (*analysisStack, error) {
	if cfg.Monitor.DSN == "" {
		return nil, fmt.Errorf("monitor.dsn is required (or set SQWATCH_MYSQL_DSN)")
	}

	supervisor, err := ai.NewSupervisor(&ai.Config{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to create analyzer supervisor: %w", err)
	}

	provider, err := tools.OpenMySQLProvider(cfg.Monitor.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect diagnostic tools: %w", err)
	}
	cachingProvider := tools.NewCachingProvider(provider, cfg.Monitor.SchemaCacheTTL.Std())

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown.Std(),
		HalfOpenBudget:   cfg.Breaker.HalfOpenBudget,
	}, logger)

	orch := orchestrator.New(store, cachingProvider, breakers,
		ai.NewFirstLineAnalyzer(supervisor),
		ai.NewDeepReasoningAnalyzer(supervisor),
		ai.NewRemediationAnalyzer(supervisor),
		orchestrator.Config{
			HighFrequencyCount:   cfg.Analysis.HighFrequencyCount,
			SeverityDurationSecs: cfg.Analysis.SeverityDurationSecs,
			LockWaitSecs:         cfg.Analysis.LockWaitSecs,
			ScanRatio:            cfg.Analysis.ScanRatio,
		}, logger)

	notifier := notify.New(store, notify.NewLogDispatcher(logger), notify.Config{
		Cooldown:          cfg.Notify.Cooldown.Std(),
		DegradationFactor: cfg.Notify.DegradationFactor,
	}, logger)

	return &analysisStack{
		provider: provider,
		orch:     orch,
		notifier: notifier,
	}, nil
}
