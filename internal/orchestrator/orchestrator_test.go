package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqwatch/sqwatch/internal/ai"
	"github.com/sqwatch/sqwatch/internal/breaker"
	"github.com/sqwatch/sqwatch/internal/storage"
	"github.com/sqwatch/sqwatch/internal/tools"
	"github.com/sqwatch/sqwatch/internal/types"
)

type fakeAnalyzer struct {
	kind    ai.Kind
	out     string
	err     error
	calls   int
	lastReq *ai.Request
}

func (f *fakeAnalyzer) Kind() ai.Kind { return f.kind }

func (f *fakeAnalyzer) Analyze(ctx context.Context, req *ai.Request) (string, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

type fakeProvider struct {
	schemaFn func(ctx context.Context, database, table string) (string, error)
	planFn   func(ctx context.Context, database, query string) (string, error)
	statsFn  func(ctx context.Context, database, table string) (string, error)
}

func (f *fakeProvider) TableSchema(ctx context.Context, database, table string) (string, error) {
	if f.schemaFn != nil {
		return f.schemaFn(ctx, database, table)
	}
	return "CREATE TABLE " + table + " (id bigint)", nil
}

func (f *fakeProvider) ExecutionPlan(ctx context.Context, database, query string) (string, error) {
	if f.planFn != nil {
		return f.planFn(ctx, database, query)
	}
	return `{"query_block": {}}`, nil
}

func (f *fakeProvider) TableStatistics(ctx context.Context, database, table string) (string, error) {
	if f.statsFn != nil {
		return f.statsFn(ctx, database, table)
	}
	return "estimated rows: 1000", nil
}

func (f *fakeProvider) IndexSelectivity(ctx context.Context, database, table string) (string, error) {
	return "no indexes found", nil
}

func (f *fakeProvider) LockWaits(ctx context.Context, database string) (string, error) {
	return "no lock waits currently observed", nil
}

func (f *fakeProvider) ComparePerformance(ctx context.Context, database, a, b string) (string, error) {
	return "", nil
}

type fixture struct {
	store       storage.Storage
	provider    *fakeProvider
	breakers    *breaker.Registry
	firstLine   *fakeAnalyzer
	deep        *fakeAnalyzer
	remediation *fakeAnalyzer
	orch        *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	store, err := storage.New(context.Background(), &storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:       store,
		provider:    &fakeProvider{},
		breakers:    breaker.NewRegistry(breaker.DefaultConfig(), log),
		firstLine:   &fakeAnalyzer{kind: ai.KindFirstLine, out: "triage output"},
		deep:        &fakeAnalyzer{kind: ai.KindDeepReasoning, out: "deep output"},
		remediation: &fakeAnalyzer{kind: ai.KindRemediation, out: "remediation output"},
	}
	f.orch = New(store, f.provider, f.breakers,
		f.firstLine, f.deep, f.remediation, DefaultConfig(), log)
	return f
}

// seedUnit creates a pending unit plus one sample per duration value.
func (f *fixture) seedUnit(t *testing.T, fingerprint string, durations ...float64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	unit := &types.Unit{
		Fingerprint: fingerprint,
		Template:    "select * from orders where status = ?",
		Database:    "appdb",
		Status:      types.StatusPending,
		FirstSeen:   now,
		LastSeen:    now,
	}
	require.NoError(t, f.store.CreateUnit(ctx, unit, "test"))

	for i, d := range durations {
		require.NoError(t, f.store.AppendSample(ctx, &types.Sample{
			Fingerprint:  fingerprint,
			CapturedAt:   now.Add(time.Duration(i) * time.Second),
			QueryText:    "SELECT * FROM orders WHERE status = 'open'",
			DurationSecs: d,
			LockTimeSecs: 0.01,
			RowsSent:     10,
			RowsExamined: 50,
		}))
	}
}

func TestRunFirstLineOnly(t *testing.T) {
	f := newFixture(t)
	f.seedUnit(t, "fp-quick", 0.5, 0.7)

	res, err := f.orch.Run(context.Background(), "fp-quick", false)
	require.NoError(t, err)

	assert.Equal(t, types.StatusSuccess, res.Status)
	assert.False(t, res.Escalated)
	assert.Contains(t, res.Report, "First-line triage")
	assert.Contains(t, res.Report, "triage output")
	assert.NotContains(t, res.Report, "Deep analysis")

	assert.Equal(t, 1, f.firstLine.calls)
	assert.Equal(t, 0, f.deep.calls)
	assert.Equal(t, 0, f.remediation.calls)

	// The snapshot carries the run's timestamps alongside the frozen stats
	assert.False(t, f.firstLine.lastReq.TriggeredAt.IsZero())
	assert.False(t, f.firstLine.lastReq.StartedAt.IsZero())
	assert.False(t, f.firstLine.lastReq.StartedAt.Before(f.firstLine.lastReq.TriggeredAt))
	assert.Contains(t, res.Report, "Analysis started")

	unit, err := f.store.GetUnit(context.Background(), "fp-quick")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, unit.Status)
	assert.Contains(t, unit.Report, "triage output")
}

func TestRunEscalatesOnSeverity(t *testing.T) {
	f := newFixture(t)
	f.seedUnit(t, "fp-slow", 5.0, 7.0)

	res, err := f.orch.Run(context.Background(), "fp-slow", false)
	require.NoError(t, err)

	assert.True(t, res.Escalated)
	assert.Contains(t, res.Reason, "high severity")
	assert.Contains(t, res.Report, "Deep analysis")
	assert.Contains(t, res.Report, "deep output")
	assert.Contains(t, res.Report, "Remediation")
	assert.Contains(t, res.Report, "remediation output")

	// Deep stage saw the triage, remediation saw the deep output
	assert.Equal(t, "deep output", f.remediation.lastReq.PriorOutput)
	assert.Equal(t, `{"query_block": {}}`, f.deep.lastReq.Plan)

	unit, err := f.store.GetUnit(context.Background(), "fp-slow")
	require.NoError(t, err)
	assert.Equal(t, `{"query_block": {}}`, unit.Plan)
}

func TestThresholdBoundariesAreExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	unit := &types.Unit{
		Fingerprint: "fp-boundary",
		Template:    "select * from orders where id = ?",
		Database:    "appdb",
		Status:      types.StatusPending,
		FirstSeen:   now,
		LastSeen:    now,
	}
	require.NoError(t, f.store.CreateUnit(ctx, unit, "test"))
	// Exactly at every threshold: 3.0s, 0.1s lock, 100 examined / 10 sent
	require.NoError(t, f.store.AppendSample(ctx, &types.Sample{
		Fingerprint:  "fp-boundary",
		CapturedAt:   now,
		QueryText:    "SELECT * FROM orders WHERE id = 7",
		DurationSecs: 3.0,
		LockTimeSecs: 0.1,
		RowsSent:     10,
		RowsExamined: 100,
	}))

	res, err := f.orch.Run(ctx, "fp-boundary", false)
	require.NoError(t, err)
	assert.False(t, res.Escalated, "values exactly at thresholds must not escalate")
}

func TestRunEscalatesOnFrequency(t *testing.T) {
	f := newFixture(t)
	durations := make([]float64, 101)
	for i := range durations {
		durations[i] = 0.2
	}
	f.seedUnit(t, "fp-hot", durations...)

	res, err := f.orch.Run(context.Background(), "fp-hot", false)
	require.NoError(t, err)
	assert.True(t, res.Escalated)
	assert.Contains(t, res.Reason, "high frequency")
}

func TestForceRunsFullChain(t *testing.T) {
	f := newFixture(t)
	f.seedUnit(t, "fp-forced", 0.1)

	res, err := f.orch.Run(context.Background(), "fp-forced", true)
	require.NoError(t, err)

	assert.True(t, res.Escalated)
	assert.Empty(t, res.Reason)
	assert.Contains(t, res.Report, "forced")
	assert.Equal(t, 1, f.deep.calls)
	assert.Equal(t, 1, f.remediation.calls)
}

func TestAnalyzerFailureSetsErrorStatus(t *testing.T) {
	f := newFixture(t)
	f.seedUnit(t, "fp-broken", 5.0)
	f.deep.err = errors.New("model overloaded")

	res, err := f.orch.Run(context.Background(), "fp-broken", false)
	require.Error(t, err)
	assert.Equal(t, types.StatusError, res.Status)

	unit, gerr := f.store.GetUnit(context.Background(), "fp-broken")
	require.NoError(t, gerr)
	assert.Equal(t, types.StatusError, unit.Status)
	// Partial output survives alongside the failure explanation
	assert.Contains(t, unit.Report, "triage output")
	assert.Contains(t, unit.Report, "model overloaded")
}

func TestBlockingToolErrorAbortsRun(t *testing.T) {
	f := newFixture(t)
	f.seedUnit(t, "fp-denied", 0.5)
	f.provider.schemaFn = func(ctx context.Context, database, table string) (string, error) {
		return "", &tools.ToolError{
			Tool:     tools.ToolTableSchema,
			Category: types.CategoryBlocking,
			Err:      errors.New("access denied for user 'watcher'"),
		}
	}

	res, err := f.orch.Run(context.Background(), "fp-denied", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied for user 'watcher'")
	assert.Equal(t, types.StatusError, res.Status)
	assert.Equal(t, 0, f.firstLine.calls)

	unit, gerr := f.store.GetUnit(context.Background(), "fp-denied")
	require.NoError(t, gerr)
	assert.Contains(t, unit.Report, "access denied for user 'watcher'")
}

func TestTransientToolErrorRecoversWithinRetries(t *testing.T) {
	f := newFixture(t)
	f.seedUnit(t, "fp-flaky", 0.5)

	calls := 0
	f.provider.schemaFn = func(ctx context.Context, database, table string) (string, error) {
		calls++
		if calls < 3 {
			return "", &tools.ToolError{
				Tool:             tools.ToolTableSchema,
				Category:         types.CategoryTransient,
				SuggestedRetries: 2,
				Err:              errors.New("i/o timeout"),
			}
		}
		return "CREATE TABLE orders (id INT)", nil
	}

	res, err := f.orch.Run(context.Background(), "fp-flaky", false)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, res.Status)
	assert.Equal(t, 3, calls) // initial + 2 retries
	assert.Equal(t, 1, f.firstLine.calls)
	assert.Equal(t, "CREATE TABLE orders (id INT)", f.firstLine.lastReq.Schema)
}

func TestTransientRetryExhaustionAbortsRun(t *testing.T) {
	f := newFixture(t)
	f.seedUnit(t, "fp-down", 0.5)

	calls := 0
	f.provider.schemaFn = func(ctx context.Context, database, table string) (string, error) {
		calls++
		return "", &tools.ToolError{
			Tool:             tools.ToolTableSchema,
			Category:         types.CategoryTransient,
			SuggestedRetries: 2,
			Err:              errors.New("i/o timeout"),
		}
	}

	res, err := f.orch.Run(context.Background(), "fp-down", false)
	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial + 2 retries, then no more
	assert.Equal(t, types.StatusError, res.Status)
	assert.Contains(t, err.Error(), "i/o timeout")
	assert.Equal(t, 0, f.firstLine.calls)

	unit, gerr := f.store.GetUnit(context.Background(), "fp-down")
	require.NoError(t, gerr)
	assert.Equal(t, types.StatusError, unit.Status)
	assert.Contains(t, unit.Report, "i/o timeout")
}

func TestOpenBreakerSkipsTool(t *testing.T) {
	f := newFixture(t)
	f.seedUnit(t, "fp-tripped", 0.5)

	// Trip the schema tool's breaker before the run
	for i := 0; i < 3; i++ {
		f.breakers.RecordFailure(tools.ToolTableSchema)
	}
	require.Equal(t, breaker.StateOpen, f.breakers.GetState(tools.ToolTableSchema))

	schemaCalls := 0
	f.provider.schemaFn = func(ctx context.Context, database, table string) (string, error) {
		schemaCalls++
		return "ddl", nil
	}

	res, err := f.orch.Run(context.Background(), "fp-tripped", false)
	require.NoError(t, err)
	assert.Equal(t, 0, schemaCalls)
	assert.Contains(t, res.Report, "circuit breaker open")
	assert.Equal(t, types.StatusSuccess, res.Status)
}

func TestRunRejectsConcurrentSameFingerprint(t *testing.T) {
	f := newFixture(t)
	f.seedUnit(t, "fp-busy", 0.5)

	f.orch.inflight.Store("fp-busy", struct{}{})
	_, err := f.orch.Run(context.Background(), "fp-busy", false)
	assert.ErrorIs(t, err, ErrInFlight)
}

func TestRunUnknownFingerprint(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Run(context.Background(), "fp-missing", false)
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))
}

func TestEscalationRulePriority(t *testing.T) {
	o := &Orchestrator{cfg: DefaultConfig()}

	// Multiple rules fire; the frequency rule wins
	reason := o.escalationReason(types.QueryStats{
		ExecCount:       500,
		AvgDurationSecs: 9.0,
		AvgLockTimeSecs: 2.0,
		AvgRowsSent:     1,
		AvgRowsExamined: 1000,
	})
	assert.Contains(t, reason, "high frequency")

	reason = o.escalationReason(types.QueryStats{
		ExecCount:       5,
		AvgDurationSecs: 9.0,
		AvgLockTimeSecs: 2.0,
	})
	assert.Contains(t, reason, "high severity")

	reason = o.escalationReason(types.QueryStats{
		ExecCount:       5,
		AvgDurationSecs: 1.0,
		AvgLockTimeSecs: 2.0,
	})
	assert.Contains(t, reason, "lock contention")

	// Zero rows returned with rows examined counts as unbounded ratio
	reason = o.escalationReason(types.QueryStats{
		ExecCount:       5,
		AvgDurationSecs: 1.0,
		AvgRowsSent:     0,
		AvgRowsExamined: 50,
	})
	assert.Contains(t, reason, "inefficient scan")
}

func TestPrimaryTable(t *testing.T) {
	tests := []struct {
		template string
		want     string
	}{
		{"select * from orders where id = ?", "orders"},
		{"select * from `orders` where id = ?", "orders"},
		{"select * from appdb.orders where id = ?", "orders"},
		{"update users set name = ? where id = ?", "users"},
		{"insert into audit_log (a, b) values (?)", "audit_log"},
		{"select o.id from orders o join users u on u.id = o.user_id", "orders"},
		{"select 1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			assert.Equal(t, tt.want, primaryTable(tt.template))
		})
	}
}

func TestCompletionNote(t *testing.T) {
	assert.Contains(t, completionNote(&Result{Escalated: true, Reason: "high severity (x)"}), "high severity")
	assert.Contains(t, completionNote(&Result{Escalated: true}), "forced")
	assert.Contains(t, completionNote(&Result{}), "first-line")
}

func TestWithNotes(t *testing.T) {
	out := withNotes("body", []string{"note one", "note two"})
	assert.Contains(t, out, "Diagnostic notes")
	assert.Contains(t, out, "- note one")
	assert.Equal(t, "body", withNotes("body", nil))
}
