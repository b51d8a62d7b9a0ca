package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqwatch/sqwatch/internal/storage"
	"github.com/sqwatch/sqwatch/internal/types"
)

type recordingSubmitter struct {
	mu           sync.Mutex
	fingerprints []string
}

func (r *recordingSubmitter) Resubmit(ctx context.Context, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fingerprints = append(r.fingerprints, fingerprint)
	return nil
}

func (r *recordingSubmitter) submitted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fingerprints...)
}

func newTestService(t *testing.T) (*Service, *recordingSubmitter, storage.Storage) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	store, err := storage.New(context.Background(), &storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sub := &recordingSubmitter{}
	return New(store, sub, DefaultConfig(), log), sub, store
}

func seedPending(t *testing.T, store storage.Storage, fingerprint string, createdAt, lastSeen time.Time) {
	t.Helper()
	require.NoError(t, store.CreateUnit(context.Background(), &types.Unit{
		Fingerprint: fingerprint,
		Template:    "select * from t where id = ?",
		Database:    "appdb",
		Status:      types.StatusPending,
		FirstSeen:   createdAt,
		LastSeen:    lastSeen,
		CreatedAt:   createdAt,
	}, "test"))
}

func TestStartupSweepAbandonsPreRestartPending(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	old := svc.processStart.Add(-time.Hour)
	seedPending(t, store, "fp-stale", old, old)
	seedPending(t, store, "fp-fresh", svc.processStart.Add(time.Minute), svc.processStart.Add(time.Minute))

	require.NoError(t, svc.StartupSweep(ctx))

	stale, err := store.GetUnit(ctx, "fp-stale")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAbandoned, stale.Status)

	fresh, err := store.GetUnit(ctx, "fp-fresh")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, fresh.Status)
}

func TestStartupSweepIsIdempotent(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	old := svc.processStart.Add(-time.Hour)
	seedPending(t, store, "fp-stale", old, old)

	require.NoError(t, svc.StartupSweep(ctx))
	require.NoError(t, svc.StartupSweep(ctx))

	events, err := store.GetUnitEvents(ctx, "fp-stale", 0)
	require.NoError(t, err)
	// One creation event plus exactly one abandonment
	assert.Len(t, events, 2)
}

func TestSweepResubmitsQuietPendingUnit(t *testing.T) {
	svc, sub, store := newTestService(t)
	ctx := context.Background()

	created := svc.processStart.Add(time.Minute)
	seedPending(t, store, "fp-stuck", created, created)

	svc.now = func() time.Time { return created.Add(20 * time.Minute) }
	require.NoError(t, svc.Sweep(ctx))

	assert.Equal(t, []string{"fp-stuck"}, sub.submitted())

	unit, err := store.GetUnit(ctx, "fp-stuck")
	require.NoError(t, err)
	assert.Equal(t, 1, unit.RetryCount)
	assert.Equal(t, types.StatusPending, unit.Status)
}

func TestSweepSkipsRecentlyActiveUnit(t *testing.T) {
	svc, sub, store := newTestService(t)
	ctx := context.Background()

	created := svc.processStart.Add(time.Minute)
	seedPending(t, store, "fp-active", created, created)

	// Only 5 minutes quiet, inside the 15 minute window
	svc.now = func() time.Time { return created.Add(5 * time.Minute) }
	require.NoError(t, svc.Sweep(ctx))
	assert.Empty(t, sub.submitted())
}

func TestSweepIgnoresPreRestartUnits(t *testing.T) {
	svc, sub, store := newTestService(t)
	ctx := context.Background()

	old := svc.processStart.Add(-time.Hour)
	seedPending(t, store, "fp-ancient", old, old)

	svc.now = func() time.Time { return svc.processStart.Add(time.Hour) }
	require.NoError(t, svc.Sweep(ctx))
	assert.Empty(t, sub.submitted(), "pre-restart units belong to the startup sweep")
}

func TestRetryBudgetExhaustionFailsUnit(t *testing.T) {
	svc, sub, store := newTestService(t)
	ctx := context.Background()

	created := svc.processStart.Add(time.Minute)
	seedPending(t, store, "fp-doomed", created, created)
	svc.now = func() time.Time { return created.Add(time.Hour) }

	// Budget is 3: two sweeps resubmit, the third fails the unit
	require.NoError(t, svc.Sweep(ctx))
	require.NoError(t, svc.Sweep(ctx))
	assert.Len(t, sub.submitted(), 2)

	require.NoError(t, svc.Sweep(ctx))
	assert.Len(t, sub.submitted(), 2, "an exhausted unit is not resubmitted")

	unit, err := store.GetUnit(ctx, "fp-doomed")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, unit.Status)
	assert.Equal(t, 3, unit.RetryCount)
	assert.Contains(t, unit.Report, "retry budget exhausted")

	// Terminal units stay terminal across further sweeps
	require.NoError(t, svc.Sweep(ctx))
	unit, err = store.GetUnit(ctx, "fp-doomed")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, unit.Status)
	assert.Equal(t, 3, unit.RetryCount)
}

func TestStopAbandonsInFlightUnits(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	created := svc.processStart.Add(time.Minute)
	seedPending(t, store, "fp-inflight", created, created)

	svc.Start()
	require.NoError(t, svc.Stop(ctx))

	unit, err := store.GetUnit(ctx, "fp-inflight")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAbandoned, unit.Status)
}
