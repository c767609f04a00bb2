package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/ledger/store"
	"github.com/warp/wallet-ledger/metrics"
)

// =============================================================================
// BACKGROUND RECONCILER
// =============================================================================

func TestBackground_GateAndBound(t *testing.T) {
	// GIVEN: a queue of one, workers not yet started
	mem := store.NewMemory()
	seedWallet(t, mem, "w-1", "u-1")
	seedWallet(t, mem, "w-2", "u-1")
	bg := ledger.NewBackgroundReconciler(ledger.NewReconciler(mem), 1, 1)
	t.Cleanup(bg.Stop)

	// WHEN: the same wallet is requested twice and another one overflows
	assert.True(t, bg.Enqueue(ledger.Job{UserID: "u-1", WalletIDs: []ledger.WalletID{"w-1"}, Trigger: metrics.TriggerRead}))
	assert.False(t, bg.Enqueue(ledger.Job{UserID: "u-1", WalletIDs: []ledger.WalletID{"w-1"}, Trigger: metrics.TriggerRead}), "in flight")
	assert.False(t, bg.Enqueue(ledger.Job{UserID: "u-1", WalletIDs: []ledger.WalletID{"w-2"}, Trigger: metrics.TriggerRead}), "queue full")

	assert.True(t, bg.InFlight("u-1", "w-1"))
	assert.False(t, bg.InFlight("u-1", "w-2"), "a dropped job leaves no marker")

	// THEN: once drained, the gate opens again
	bg.Start(context.Background())
	assert.Eventually(t, func() bool { return !bg.InFlight("u-1", "w-1") }, 2*time.Second, 10*time.Millisecond)

	w, err := mem.GetWallet(context.Background(), "w-1", "u-1")
	require.NoError(t, err)
	assert.NotNil(t, w.LastCalculateDate)

	assert.True(t, bg.Enqueue(ledger.Job{UserID: "u-1", WalletIDs: []ledger.WalletID{"w-2"}, Trigger: metrics.TriggerRead}))
}

func TestBackground_PartialOverlapQueuesTheRest(t *testing.T) {
	mem := store.NewMemory()
	bg := ledger.NewBackgroundReconciler(ledger.NewReconciler(mem), 1, 4)
	t.Cleanup(bg.Stop)

	require.True(t, bg.Enqueue(ledger.Job{UserID: "u-1", WalletIDs: []ledger.WalletID{"w-1"}}))
	require.True(t, bg.Enqueue(ledger.Job{UserID: "u-1", WalletIDs: []ledger.WalletID{"w-1", "w-2"}}))

	assert.True(t, bg.InFlight("u-1", "w-2"))
}

func TestBackground_FailuresGoToErrorHandler(t *testing.T) {
	// GIVEN: a store whose grouped query fails
	fs := &failingStore{Memory: store.NewMemory()}
	boom := errors.New("timeout")
	fs.On("SumByGroup", mock.Anything, mock.Anything, mock.Anything).Return(nil, boom)
	seedWallet(t, fs, "w-1", "u-1")

	bg := ledger.NewBackgroundReconciler(ledger.NewReconciler(fs), 1, 4)
	failed := make(chan ledger.Job, 1)
	bg.OnError = func(job ledger.Job, err error) {
		assert.ErrorIs(t, err, boom)
		failed <- job
	}

	// WHEN: a job runs
	bg.Start(context.Background())
	t.Cleanup(bg.Stop)
	require.True(t, bg.Enqueue(ledger.Job{UserID: "u-1", Trigger: metrics.TriggerSweep}))

	// THEN: the sink receives it
	select {
	case job := <-failed:
		assert.Equal(t, ledger.UserID("u-1"), job.UserID)
		assert.Equal(t, metrics.TriggerSweep, job.Trigger)
	case <-time.After(2 * time.Second):
		t.Fatal("error handler was not called")
	}
}

func TestBackground_StopRejectsNewJobs(t *testing.T) {
	bg := ledger.NewBackgroundReconciler(ledger.NewReconciler(store.NewMemory()), 1, 4)
	bg.Start(context.Background())
	bg.Stop()
	bg.Stop() // second stop is a no-op

	assert.False(t, bg.Enqueue(ledger.Job{UserID: "u-1"}))
}

// =============================================================================
// SWEEPER
// =============================================================================

func TestSweeper_QueuesStaleWalletsPerUser(t *testing.T) {
	// GIVEN: stale wallets for two users and one fresh wallet
	mem := store.NewMemory()
	ctx := context.Background()
	seedWallet(t, mem, "a-1", "u-a")
	seedWallet(t, mem, "a-2", "u-a")
	seedWallet(t, mem, "b-1", "u-b")
	seedWallet(t, mem, "fresh", "u-c")
	_, err := mem.SaveAggregates(ctx, "fresh", "u-c", ledger.Aggregates{}, time.Now(), nil)
	require.NoError(t, err)

	bg := ledger.NewBackgroundReconciler(ledger.NewReconciler(mem), 1, 8)
	t.Cleanup(bg.Stop)
	sweeper := ledger.NewSweeper(mem, bg, ledger.NewStalenessPolicy(time.Hour), time.Minute)

	// WHEN: a sweep runs before the workers start
	assert.Equal(t, 2, sweeper.Sweep(ctx))
	assert.True(t, bg.InFlight("u-a", "a-1"))
	assert.True(t, bg.InFlight("u-a", "a-2"))
	assert.True(t, bg.InFlight("u-b", "b-1"))
	assert.False(t, bg.InFlight("u-c", "fresh"))

	// THEN: a second sweep finds everything already queued
	assert.Equal(t, 0, sweeper.Sweep(ctx))

	bg.Start(ctx)
	assert.Eventually(t, func() bool {
		stale, err := mem.ListStale(ctx, time.Now().Add(-time.Hour), 10)
		return err == nil && len(stale) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSweeper_ZeroIntervalDisabled(t *testing.T) {
	mem := store.NewMemory()
	bg := ledger.NewBackgroundReconciler(ledger.NewReconciler(mem), 1, 1)
	t.Cleanup(bg.Stop)

	s := ledger.NewSweeper(mem, bg, ledger.NewStalenessPolicy(0), 0)
	s.Start()
	s.Stop()
}
