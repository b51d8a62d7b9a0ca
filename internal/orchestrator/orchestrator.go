// Package orchestrator runs the analysis chain for one unit: snapshot
// the statistics, gather diagnostics through the circuit breaker, run
// the first-line analyzer, and escalate through deep reasoning and
// remediation when the thresholds say so.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sqwatch/sqwatch/internal/ai"
	"github.com/sqwatch/sqwatch/internal/breaker"
	"github.com/sqwatch/sqwatch/internal/storage"
	"github.com/sqwatch/sqwatch/internal/tools"
	"github.com/sqwatch/sqwatch/internal/types"
)

const actorOrchestrator = "orchestrator"

// ErrInFlight is returned when an analysis run for the same fingerprint
// is already executing in this process.
var ErrInFlight = errors.New("analysis already in flight for this fingerprint")

// Config holds the escalation thresholds. All comparisons are strict:
// a value exactly at a threshold does not escalate.
type Config struct {
	// HighFrequencyCount escalates units executed more than this many
	// times. Default: 100.
	HighFrequencyCount int64
	// SeverityDurationSecs escalates units whose average duration
	// exceeds this. Default: 3.0.
	SeverityDurationSecs float64
	// LockWaitSecs escalates units whose average lock wait exceeds
	// this. Default: 0.1.
	LockWaitSecs float64
	// ScanRatio escalates units examining more than this many rows per
	// row returned. Default: 10.
	ScanRatio float64
}

// DefaultConfig returns the default escalation thresholds
func DefaultConfig() Config {
	return Config{
		HighFrequencyCount:   100,
		SeverityDurationSecs: 3.0,
		LockWaitSecs:         0.1,
		ScanRatio:            10,
	}
}

// Result summarizes one completed analysis run.
type Result struct {
	Fingerprint string
	Status      types.UnitStatus
	Escalated   bool
	// Reason names the escalation rule that fired, empty when the run
	// stopped at first-line triage.
	Reason string
	Report string
	Stats  types.QueryStats
	// TriggeredAt is when the run was requested; StartedAt is when the
	// stage pipeline began after the snapshot was frozen.
	TriggeredAt time.Time
	StartedAt   time.Time
}

// Orchestrator coordinates the analyzers, the diagnostic tools, and the
// breaker registry for analysis runs. Safe for concurrent use; runs for
// the same fingerprint are serialized by rejection.
type Orchestrator struct {
	store       storage.Storage
	provider    tools.Provider
	breakers    *breaker.Registry
	firstLine   ai.Analyzer
	deep        ai.Analyzer
	remediation ai.Analyzer
	cfg         Config
	log         *logrus.Logger

	inflight sync.Map // fingerprint -> struct{}
}

// New creates an orchestrator. Zero-valued config fields fall back to
// defaults.
func New(store storage.Storage, provider tools.Provider, breakers *breaker.Registry,
	firstLine, deep, remediation ai.Analyzer, cfg Config, log *logrus.Logger) *Orchestrator {

	def := DefaultConfig()
	if cfg.HighFrequencyCount <= 0 {
		cfg.HighFrequencyCount = def.HighFrequencyCount
	}
	if cfg.SeverityDurationSecs <= 0 {
		cfg.SeverityDurationSecs = def.SeverityDurationSecs
	}
	if cfg.LockWaitSecs <= 0 {
		cfg.LockWaitSecs = def.LockWaitSecs
	}
	if cfg.ScanRatio <= 0 {
		cfg.ScanRatio = def.ScanRatio
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{
		store:       store,
		provider:    provider,
		breakers:    breakers,
		firstLine:   firstLine,
		deep:        deep,
		remediation: remediation,
		cfg:         cfg,
		log:         log,
	}
}

// Run executes the analysis chain for one unit. With force set the full
// chain runs regardless of the escalation thresholds. The unit ends in
// StatusSuccess with a complete report, or in StatusError with the
// partial report and failure explanation retained.
func (o *Orchestrator) Run(ctx context.Context, fingerprint string, force bool) (*Result, error) {
	triggeredAt := time.Now().UTC()

	if _, loaded := o.inflight.LoadOrStore(fingerprint, struct{}{}); loaded {
		return nil, ErrInFlight
	}
	defer o.inflight.Delete(fingerprint)

	unit, err := o.store.GetUnit(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to load unit: %w", err)
	}

	if unit.Status != types.StatusPending {
		if err := o.store.UpdateStatus(ctx, fingerprint, types.StatusPending, actorOrchestrator, "analysis started"); err != nil {
			return nil, fmt.Errorf("failed to mark unit pending: %w", err)
		}
	}

	result, runErr := o.analyze(ctx, unit, force, triggeredAt)
	if runErr != nil {
		o.recordFailure(ctx, fingerprint, result, runErr)
		return result, runErr
	}

	if err := o.store.SetReport(ctx, fingerprint, result.Report); err != nil {
		return result, fmt.Errorf("failed to store report: %w", err)
	}
	if err := o.store.UpdateStatus(ctx, fingerprint, types.StatusSuccess, actorOrchestrator, completionNote(result)); err != nil {
		return result, fmt.Errorf("failed to mark unit successful: %w", err)
	}
	result.Status = types.StatusSuccess

	o.log.WithFields(logrus.Fields{
		"fingerprint": fingerprint,
		"escalated":   result.Escalated,
		"reason":      result.Reason,
	}).Info("analysis run completed")
	return result, nil
}

// analyze runs the stages and assembles the report. Any returned error
// leaves the partial report in result.Report.
func (o *Orchestrator) analyze(ctx context.Context, unit *types.Unit, force bool, triggeredAt time.Time) (*Result, error) {
	result := &Result{Fingerprint: unit.Fingerprint, TriggeredAt: triggeredAt}

	// Freeze the statistics for the whole run
	stats, err := o.store.RecomputeAggregates(ctx, unit.Fingerprint)
	if err != nil {
		return result, fmt.Errorf("failed to recompute aggregates: %w", err)
	}
	result.Stats = *stats
	result.StartedAt = time.Now().UTC()

	req := &ai.Request{
		Fingerprint: unit.Fingerprint,
		Database:    unit.Database,
		Template:    unit.Template,
		Stats:       *stats,
		TriggeredAt: triggeredAt,
		StartedAt:   result.StartedAt,
	}
	if samples, err := o.store.GetSamples(ctx, unit.Fingerprint, 1); err == nil && len(samples) > 0 {
		req.SampleQuery = samples[0].QueryText
	}

	var report strings.Builder
	var notes []string

	fmt.Fprintf(&report, "_Analysis started %s (triggered %s)._\n\n",
		result.StartedAt.Format(time.RFC3339), triggeredAt.Format(time.RFC3339))

	table := primaryTable(unit.Template)
	if table != "" {
		req.Schema, err = o.gather(ctx, tools.ToolTableSchema, &notes, func(ctx context.Context) (string, error) {
			return o.provider.TableSchema(ctx, unit.Database, table)
		})
		if err != nil {
			result.Report = withNotes(report.String(), notes)
			return result, err
		}

		req.TableStats, err = o.gather(ctx, tools.ToolTableStatistics, &notes, func(ctx context.Context) (string, error) {
			return o.provider.TableStatistics(ctx, unit.Database, table)
		})
		if err != nil {
			result.Report = withNotes(report.String(), notes)
			return result, err
		}
	}

	triage, err := o.firstLine.Analyze(ctx, req)
	if err != nil {
		result.Report = withNotes(report.String(), notes)
		return result, fmt.Errorf("first-line analysis failed: %w", err)
	}
	report.WriteString("## First-line triage\n\n")
	report.WriteString(triage)

	reason := o.escalationReason(*stats)
	result.Escalated = force || reason != ""
	result.Reason = reason

	if !result.Escalated {
		result.Report = withNotes(report.String(), notes)
		return result, nil
	}

	// Escalated path: capture the execution plan, then reason in depth
	if req.SampleQuery != "" {
		req.Plan, err = o.gather(ctx, tools.ToolExecutionPlan, &notes, func(ctx context.Context) (string, error) {
			return o.provider.ExecutionPlan(ctx, unit.Database, req.SampleQuery)
		})
		if err != nil {
			result.Report = withNotes(report.String(), notes)
			return result, err
		}
		if req.Plan != "" {
			if err := o.store.SetPlan(ctx, unit.Fingerprint, req.Plan); err != nil {
				o.log.WithError(err).Warn("failed to persist execution plan")
			}
		}
	}

	req.PriorOutput = triage
	deep, err := o.deep.Analyze(ctx, req)
	if err != nil {
		result.Report = withNotes(report.String(), notes)
		return result, fmt.Errorf("deep-reasoning analysis failed: %w", err)
	}
	report.WriteString("\n\n## Deep analysis")
	if reason != "" {
		fmt.Fprintf(&report, " (escalated: %s)", reason)
	} else {
		report.WriteString(" (forced)")
	}
	report.WriteString("\n\n")
	report.WriteString(deep)

	req.PriorOutput = deep
	remediation, err := o.remediation.Analyze(ctx, req)
	if err != nil {
		result.Report = withNotes(report.String(), notes)
		return result, fmt.Errorf("remediation analysis failed: %w", err)
	}
	report.WriteString("\n\n## Remediation\n\n")
	report.WriteString(remediation)

	result.Report = withNotes(report.String(), notes)
	return result, nil
}

// escalationReason evaluates the escalation rules in priority order and
// returns the first that fires. All boundaries are exclusive.
func (o *Orchestrator) escalationReason(stats types.QueryStats) string {
	switch {
	case stats.ExecCount > o.cfg.HighFrequencyCount:
		return fmt.Sprintf("high frequency (%d executions > %d)",
			stats.ExecCount, o.cfg.HighFrequencyCount)
	case stats.AvgDurationSecs > o.cfg.SeverityDurationSecs:
		return fmt.Sprintf("high severity (avg %.3fs > %.1fs)",
			stats.AvgDurationSecs, o.cfg.SeverityDurationSecs)
	case stats.AvgLockTimeSecs > o.cfg.LockWaitSecs:
		return fmt.Sprintf("lock contention (avg lock %.3fs > %.1fs)",
			stats.AvgLockTimeSecs, o.cfg.LockWaitSecs)
	case stats.ScanRatio() > o.cfg.ScanRatio:
		return fmt.Sprintf("inefficient scan (%.1f rows examined per row returned > %.0f)",
			stats.ScanRatio(), o.cfg.ScanRatio)
	}
	return ""
}

// gather runs one breaker-gated diagnostic lookup. A skipped call (open
// breaker) leaves a note and an empty payload. Blocking and permanent
// failures return an error that aborts the run with the tool's message
// surfaced verbatim; a transient failure that exhausts the provider's
// suggested retries is treated the same way.
func (o *Orchestrator) gather(ctx context.Context, tool string, notes *[]string, fn func(context.Context) (string, error)) (string, error) {
	attempts := 1
	var last *tools.ToolError
	for attempt := 0; attempt < attempts; attempt++ {
		if !o.breakers.Allow(tool) {
			*notes = append(*notes, fmt.Sprintf("%s skipped: circuit breaker open", tool))
			return "", nil
		}

		out, err := fn(ctx)
		if err == nil {
			o.breakers.RecordSuccess(tool)
			return out, nil
		}
		o.breakers.RecordFailure(tool)

		te, ok := tools.AsToolError(err)
		if !ok {
			*notes = append(*notes, fmt.Sprintf("%s failed: %v", tool, err))
			return "", nil
		}

		o.log.WithFields(logrus.Fields{
			"tool":     tool,
			"category": string(te.Category),
			"attempt":  attempt + 1,
		}).WithError(err).Warn("diagnostic tool call failed")

		if te.Category.Retryable() {
			attempts = te.SuggestedRetries + 1
			last = te
			continue
		}

		// The failure message reaches the report as-is; nothing is
		// fabricated around a broken tool
		*notes = append(*notes, fmt.Sprintf("%s failed (%s): %v", tool, te.Category, te.Err))
		return "", fmt.Errorf("%s failed (%s): %w", tool, te.Category, te.Err)
	}

	// Retries are spent; from here the failure counts as blocking
	*notes = append(*notes, fmt.Sprintf("%s failed after %d attempts: %v", tool, attempts, last.Err))
	return "", fmt.Errorf("%s failed after %d attempts: %w", tool, attempts, last.Err)
}

// recordFailure stores the partial report and moves the unit to
// StatusError. Storage errors here are logged, not propagated: the run
// error is the one the caller needs.
func (o *Orchestrator) recordFailure(ctx context.Context, fingerprint string, result *Result, runErr error) {
	report := ""
	if result != nil {
		report = result.Report
	}
	if report == "" {
		report = "Analysis failed before producing output."
	}
	report += fmt.Sprintf("\n\n**Analysis error:** %v", runErr)

	if err := o.store.SetReport(ctx, fingerprint, report); err != nil {
		o.log.WithError(err).Error("failed to store failure report")
	}
	if err := o.store.UpdateStatus(ctx, fingerprint, types.StatusError, actorOrchestrator, runErr.Error()); err != nil {
		o.log.WithError(err).Error("failed to mark unit errored")
	}
	if result != nil {
		result.Status = types.StatusError
		result.Report = report
	}
}

func completionNote(result *Result) string {
	if result.Escalated {
		if result.Reason != "" {
			return "completed with escalation: " + result.Reason
		}
		return "completed with forced escalation"
	}
	return "completed at first-line triage"
}

// withNotes appends the diagnostic notes section to a finished report.
func withNotes(report string, notes []string) string {
	if len(notes) == 0 {
		return report
	}
	var b strings.Builder
	b.WriteString(report)
	b.WriteString("\n\n## Diagnostic notes\n")
	for _, n := range notes {
		fmt.Fprintf(&b, "- %s\n", n)
	}
	return b.String()
}

