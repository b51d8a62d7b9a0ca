package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqwatch/sqwatch/internal/notify"
	"github.com/sqwatch/sqwatch/internal/orchestrator"
	"github.com/sqwatch/sqwatch/internal/storage"
	"github.com/sqwatch/sqwatch/internal/types"
)

type analyzerCall struct {
	fingerprint string
	force       bool
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls []analyzerCall
	ran   chan struct{}
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{ran: make(chan struct{}, 64)}
}

func (f *fakeAnalyzer) Run(ctx context.Context, fp string, force bool) (*orchestrator.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, analyzerCall{fingerprint: fp, force: force})
	f.mu.Unlock()
	f.ran <- struct{}{}
	return &orchestrator.Result{Fingerprint: fp, Status: types.StatusSuccess}, nil
}

func (f *fakeAnalyzer) waitForRun(t *testing.T) analyzerCall {
	t.Helper()
	select {
	case <-f.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an analysis run")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeCompleter struct {
	mu        sync.Mutex
	completed []string
}

func (f *fakeCompleter) ProcessCompletion(ctx context.Context, unit *types.Unit) (*notify.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, unit.Fingerprint)
	return &notify.Decision{Notify: true}, nil
}

func (f *fakeCompleter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completed)
}

func newTestEngine(t *testing.T) (*Engine, *fakeAnalyzer, *fakeCompleter, storage.Storage) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	store, err := storage.New(context.Background(), &storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	analyzer := newFakeAnalyzer()
	completer := &fakeCompleter{}
	eng := New(store, analyzer, completer, DefaultConfig(), log)
	t.Cleanup(func() { eng.pool.Stop() })
	return eng, analyzer, completer, store
}

func slowEvent(query string, duration float64) *types.SlowQueryEvent {
	return &types.SlowQueryEvent{
		Timestamp:    time.Now().UTC(),
		Database:     "appdb",
		Query:        query,
		DurationSecs: duration,
		RowsSent:     10,
		RowsExamined: 100,
	}
}

func TestSubmitEventCreatesUnitAndDispatches(t *testing.T) {
	eng, analyzer, completer, store := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.SubmitEvent(ctx, slowEvent("SELECT * FROM orders WHERE id = 7", 2.0)))

	call := analyzer.waitForRun(t)
	assert.False(t, call.force)

	unit, err := store.GetUnit(ctx, call.fingerprint)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, unit.Status)
	assert.Equal(t, "appdb", unit.Database)
	assert.Contains(t, unit.Template, "select * from orders")
	assert.Equal(t, int64(1), unit.Stats.ExecCount)

	// The successful run reached the completer
	require.Eventually(t, func() bool { return completer.count() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestSubmitEventDeduplicatesByFingerprint(t *testing.T) {
	eng, analyzer, _, store := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.SubmitEvent(ctx, slowEvent("SELECT * FROM orders WHERE id = 7", 2.0)))
	call := analyzer.waitForRun(t)

	// Same structure, different literal and formatting
	require.NoError(t, eng.SubmitEvent(ctx, slowEvent("select *  from orders where id=42", 3.0)))

	units, err := store.ListUnits(ctx, types.UnitFilter{})
	require.NoError(t, err)
	require.Len(t, units, 1)

	samples, err := store.GetSamples(ctx, call.fingerprint, 0)
	require.NoError(t, err)
	assert.Len(t, samples, 2)

	unit, err := store.GetUnit(ctx, call.fingerprint)
	require.NoError(t, err)
	assert.Equal(t, int64(2), unit.Stats.ExecCount)
	assert.InDelta(t, 2.5, unit.Stats.AvgDurationSecs, 1e-9)

	// A pending unit is not re-dispatched on new evidence
	assert.Equal(t, 1, analyzer.callCount())
}

func TestSubmitEventRetriggersErroredUnit(t *testing.T) {
	eng, analyzer, _, store := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.SubmitEvent(ctx, slowEvent("SELECT * FROM orders WHERE id = 7", 2.0)))
	call := analyzer.waitForRun(t)

	require.NoError(t, store.UpdateStatus(ctx, call.fingerprint, types.StatusError, "test", "simulated failure"))

	require.NoError(t, eng.SubmitEvent(ctx, slowEvent("SELECT * FROM orders WHERE id = 8", 2.0)))
	second := analyzer.waitForRun(t)
	assert.Equal(t, call.fingerprint, second.fingerprint)
	assert.Equal(t, 2, analyzer.callCount())
}

func TestSubmitEventSkipsEmptyQuery(t *testing.T) {
	eng, analyzer, _, store := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.SubmitEvent(ctx, slowEvent("/* ping */", 2.0)))
	require.NoError(t, eng.SubmitEvent(ctx, slowEvent("  ;  ", 2.0)))

	units, err := store.ListUnits(ctx, types.UnitFilter{})
	require.NoError(t, err)
	assert.Empty(t, units)
	assert.Equal(t, 0, analyzer.callCount())
}

func TestResubmit(t *testing.T) {
	eng, analyzer, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.SubmitEvent(ctx, slowEvent("SELECT * FROM orders WHERE id = 7", 2.0)))
	call := analyzer.waitForRun(t)

	require.NoError(t, eng.Resubmit(ctx, call.fingerprint))
	second := analyzer.waitForRun(t)
	assert.Equal(t, call.fingerprint, second.fingerprint)
}

func TestResubmitUnknownFingerprint(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	err := eng.Resubmit(context.Background(), "no-such-fp")
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))
}

func TestForceReanalyze(t *testing.T) {
	eng, analyzer, completer, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.SubmitEvent(ctx, slowEvent("SELECT * FROM orders WHERE id = 7", 2.0)))
	call := analyzer.waitForRun(t)

	res, err := eng.ForceReanalyze(ctx, call.fingerprint)
	require.NoError(t, err)
	assert.Equal(t, call.fingerprint, res.Fingerprint)

	forced := analyzer.waitForRun(t)
	assert.True(t, forced.force)
	require.Eventually(t, func() bool { return completer.count() >= 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestEngineInstanceLifecycle(t *testing.T) {
	eng, _, _, store := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.Stop(ctx))

	// A second stop attempt on the instance row misses
	err := store.MarkInstanceStopped(ctx, "bogus-instance")
	assert.True(t, storage.IsNotFound(err))
}

func TestPoolRunsTasks(t *testing.T) {
	p := NewPool(2, 4)
	defer p.Stop()

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			count.Add(1)
		})
	}
	wg.Wait()
	assert.Equal(t, int64(20), count.Load())
}

func TestPoolCallerRunsWhenSaturated(t *testing.T) {
	p := NewPool(1, 1)
	defer p.Stop()

	block := make(chan struct{})
	// Occupy the worker, then fill the queue
	p.Submit(func() { <-block })
	p.Submit(func() {})

	ran := false
	done := make(chan struct{})
	go func() {
		p.Submit(func() { ran = true })
		close(done)
	}()

	select {
	case <-done:
		assert.True(t, ran, "a saturated pool must run the task on the caller")
	case <-time.After(time.Second):
		t.Fatal("Submit blocked instead of running the task inline")
	}
	close(block)
}

func TestPoolSubmitAfterStop(t *testing.T) {
	p := NewPool(1, 1)
	p.Stop()
	assert.False(t, p.Submit(func() {}))
}
