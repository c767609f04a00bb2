// Package storetest is a conformance suite every ledger.Store must pass.
//
//	func TestStore(t *testing.T) {
//		storetest.Run(t, func(t *testing.T) ledger.Store { return newStore(t) })
//	}
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/wallet-ledger/ledger"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) ledger.Store

var base = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite, one subtest per behaviour, each on a fresh store.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"WalletCRUD", testWalletCRUD},
		{"DeleteWallet", testDeleteWallet},
		{"ApplyDelta", testApplyDelta},
		{"ApplyDeltaConcurrent", testApplyDeltaConcurrent},
		{"SaveAggregates", testSaveAggregates},
		{"ListStale", testListStale},
		{"OperationCRUD", testOperationCRUD},
		{"UpdateOperation", testUpdateOperation},
		{"ListOperations", testListOperations},
		{"DeleteOperations", testDeleteOperations},
		{"SumByGroup", testSumByGroup},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func wallet(id ledger.WalletID, user ledger.UserID, offset time.Duration) ledger.Wallet {
	return ledger.Wallet{
		ID:        id,
		UserID:    user,
		Name:      "Wallet " + string(id),
		Kind:      ledger.KindMoney,
		Creator:   ledger.CreatorUser,
		Deletable: true,
		CreatedAt: base.Add(offset),
	}
}

func operation(id ledger.OperationID, w ledger.WalletID, user ledger.UserID, state ledger.State, typ ledger.Type, cost string, at time.Time) ledger.Operation {
	return ledger.Operation{
		ID:        id,
		WalletID:  w,
		UserID:    user,
		Title:     "op " + string(id),
		Cost:      dec(cost),
		Type:      typ,
		State:     state,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func assertAggregates(t *testing.T, want, got ledger.Aggregates) {
	t.Helper()
	assert.Truef(t, want.Equal(got), "want %+v, got %+v", want, got)
}

// =============================================================================
// WALLETS
// =============================================================================

func testWalletCRUD(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateWallet(ctx, wallet("w-2", "u-1", time.Minute)))
	require.NoError(t, s.CreateWallet(ctx, wallet("w-1", "u-1", 0)))
	require.NoError(t, s.CreateWallet(ctx, wallet("w-x", "u-2", 0)))

	err := s.CreateWallet(ctx, wallet("w-1", "u-1", 0))
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)

	got, err := s.GetWallet(ctx, "w-1", "u-1")
	require.NoError(t, err)
	assert.Equal(t, "Wallet w-1", got.Name)
	assert.Equal(t, ledger.KindMoney, got.Kind)
	assert.Equal(t, ledger.CreatorUser, got.Creator)
	assert.True(t, got.Deletable)
	assert.True(t, got.Aggregates.IsZero())
	assert.Nil(t, got.LastOperationDate)
	assert.Nil(t, got.LastCalculateDate)
	assert.True(t, got.CreatedAt.Equal(base))

	_, err = s.GetWallet(ctx, "w-1", "u-2")
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound, "wallets are scoped to their owner")

	list, err := s.ListWallets(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ledger.WalletID("w-1"), list[0].ID, "ordered by creation time")
	assert.Equal(t, ledger.WalletID("w-2"), list[1].ID)

	empty, err := s.ListWallets(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func testDeleteWallet(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	fixed := wallet("base", "u-1", 0)
	fixed.Deletable = false
	fixed.Creator = ledger.CreatorBase
	require.NoError(t, s.CreateWallet(ctx, fixed))
	require.NoError(t, s.CreateWallet(ctx, wallet("w-1", "u-1", 0)))

	_, err := s.DeleteWallet(ctx, "base", "u-1")
	assert.ErrorIs(t, err, ledger.ErrWalletNotDeletable)

	_, err = s.DeleteWallet(ctx, "w-1", "u-2")
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)

	deleted, err := s.DeleteWallet(ctx, "w-1", "u-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.WalletID("w-1"), deleted.ID)

	_, err = s.GetWallet(ctx, "w-1", "u-1")
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func testApplyDelta(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateWallet(ctx, wallet("w-1", "u-1", 0)))

	late := base.Add(2 * time.Hour)
	early := base.Add(time.Hour)

	w, err := s.ApplyDelta(ctx, "w-1", "u-1", ledger.Aggregates{Balance: dec("0.1"), AllIncomeSum: dec("0.1")}, &late)
	require.NoError(t, err)
	w, err = s.ApplyDelta(ctx, "w-1", "u-1", ledger.Aggregates{Balance: dec("0.2"), AllIncomeSum: dec("0.2")}, &early)
	require.NoError(t, err)
	w, err = s.ApplyDelta(ctx, "w-1", "u-1", ledger.Aggregates{PlanningConsumption: dec("4.5")}, nil)
	require.NoError(t, err)

	assertAggregates(t, ledger.Aggregates{
		Balance:             dec("0.3"),
		AllIncomeSum:        dec("0.3"),
		PlanningConsumption: dec("4.5"),
	}, w.Aggregates)
	require.NotNil(t, w.LastOperationDate)
	assert.True(t, w.LastOperationDate.Equal(late), "marker only moves forward")

	stored, err := s.GetWallet(ctx, "w-1", "u-1")
	require.NoError(t, err)
	assertAggregates(t, w.Aggregates, stored.Aggregates)

	_, err = s.ApplyDelta(ctx, "missing", "u-1", ledger.Aggregates{Balance: dec("1")}, nil)
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
	_, err = s.ApplyDelta(ctx, "w-1", "u-2", ledger.Aggregates{Balance: dec("1")}, nil)
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func testApplyDeltaConcurrent(t *testing.T, s ledger.Store) {
	// Concurrent increments on one wallet must all land.
	ctx := context.Background()
	require.NoError(t, s.CreateWallet(ctx, wallet("w-1", "u-1", 0)))

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ApplyDelta(ctx, "w-1", "u-1", ledger.Aggregates{Balance: dec("1.01"), AllIncomeSum: dec("1.01")}, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	w, err := s.GetWallet(ctx, "w-1", "u-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(dec("25.25")), "got %s", w.Balance)
	assert.True(t, w.AllIncomeSum.Equal(dec("25.25")))
}

func testSaveAggregates(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateWallet(ctx, wallet("w-1", "u-1", 0)))
	_, err := s.ApplyDelta(ctx, "w-1", "u-1", ledger.Aggregates{Balance: dec("999")}, nil)
	require.NoError(t, err)

	calc := base.Add(3 * time.Hour)
	lastOp := base.Add(time.Hour)
	agg := ledger.Aggregates{Balance: dec("-12.5"), AllConsumptionSum: dec("12.5"), PlanningIncome: dec("3")}

	w, err := s.SaveAggregates(ctx, "w-1", "u-1", agg, calc, &lastOp)
	require.NoError(t, err)
	assertAggregates(t, agg, w.Aggregates)
	require.NotNil(t, w.LastCalculateDate)
	assert.True(t, w.LastCalculateDate.Equal(calc))
	require.NotNil(t, w.LastOperationDate)
	assert.True(t, w.LastOperationDate.Equal(lastOp))

	stored, err := s.GetWallet(ctx, "w-1", "u-1")
	require.NoError(t, err)
	assertAggregates(t, agg, stored.Aggregates)
	assert.True(t, stored.LastCalculateDate.Equal(calc))

	_, err = s.SaveAggregates(ctx, "missing", "u-1", agg, calc, nil)
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func testListStale(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	for _, w := range []ledger.Wallet{
		wallet("never", "u-1", 0),
		wallet("old", "u-1", 0),
		wallet("edge", "u-2", 0),
		wallet("fresh", "u-2", 0),
	} {
		require.NoError(t, s.CreateWallet(ctx, w))
	}

	cutoff := base.Add(10 * time.Hour)
	_, err := s.SaveAggregates(ctx, "old", "u-1", ledger.Aggregates{}, base, nil)
	require.NoError(t, err)
	_, err = s.SaveAggregates(ctx, "edge", "u-2", ledger.Aggregates{}, cutoff, nil)
	require.NoError(t, err)
	_, err = s.SaveAggregates(ctx, "fresh", "u-2", ledger.Aggregates{}, cutoff.Add(time.Second), nil)
	require.NoError(t, err)

	stale, err := s.ListStale(ctx, cutoff, 10)
	require.NoError(t, err)
	ids := make([]ledger.WalletID, len(stale))
	for i, w := range stale {
		ids[i] = w.ID
	}
	assert.Equal(t, []ledger.WalletID{"never", "old", "edge"}, ids)

	limited, err := s.ListStale(ctx, cutoff, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, ledger.WalletID("never"), limited[0].ID)
}

// =============================================================================
// OPERATIONS
// =============================================================================

func testOperationCRUD(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	op := operation("op-1", "w-1", "u-1", ledger.StateRealise, ledger.TypeIncome, "19.99", base)

	require.NoError(t, s.CreateOperation(ctx, op))
	assert.ErrorIs(t, s.CreateOperation(ctx, op), ledger.ErrAlreadyExists)

	got, err := s.GetOperation(ctx, "op-1", "u-1")
	require.NoError(t, err)
	assert.Equal(t, op.WalletID, got.WalletID)
	assert.Equal(t, op.Title, got.Title)
	assert.True(t, got.Cost.Equal(dec("19.99")))
	assert.Equal(t, ledger.TypeIncome, got.Type)
	assert.Equal(t, ledger.StateRealise, got.State)
	assert.True(t, got.CreatedAt.Equal(base))

	_, err = s.GetOperation(ctx, "op-1", "u-2")
	assert.ErrorIs(t, err, ledger.ErrOperationNotFound)

	deleted, err := s.DeleteOperation(ctx, "op-1", "u-1")
	require.NoError(t, err)
	assert.True(t, deleted.Cost.Equal(op.Cost))

	_, err = s.DeleteOperation(ctx, "op-1", "u-1")
	assert.ErrorIs(t, err, ledger.ErrOperationNotFound)
}

func testUpdateOperation(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateOperation(ctx, operation("op-1", "w-1", "u-1", ledger.StatePlanning, ledger.TypeConsumption, "40", base)))

	prev, next, err := s.UpdateOperation(ctx, "op-1", "u-1", func(op *ledger.Operation) error {
		op.Cost = dec("70")
		op.UpdatedAt = base.Add(time.Minute)
		op.WalletID = "elsewhere" // ignored
		return nil
	})
	require.NoError(t, err)
	assert.True(t, prev.Cost.Equal(dec("40")))
	assert.True(t, next.Cost.Equal(dec("70")))
	assert.Equal(t, ledger.WalletID("w-1"), next.WalletID)

	stored, err := s.GetOperation(ctx, "op-1", "u-1")
	require.NoError(t, err)
	assert.True(t, stored.Cost.Equal(dec("70")))
	assert.Equal(t, ledger.WalletID("w-1"), stored.WalletID)
	assert.True(t, stored.UpdatedAt.Equal(base.Add(time.Minute)))

	// A failing mutator writes nothing.
	boom := errors.New("boom")
	_, _, err = s.UpdateOperation(ctx, "op-1", "u-1", func(op *ledger.Operation) error {
		op.State = ledger.StateRealise
		return boom
	})
	assert.ErrorIs(t, err, boom)
	stored, err = s.GetOperation(ctx, "op-1", "u-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePlanning, stored.State)

	_, _, err = s.UpdateOperation(ctx, "missing", "u-1", func(*ledger.Operation) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrOperationNotFound)
}

func testSumByGroup(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	ops := []ledger.Operation{
		operation("1", "w-1", "u-1", ledger.StateRealise, ledger.TypeIncome, "0.1", base),
		operation("2", "w-1", "u-1", ledger.StateRealise, ledger.TypeIncome, "0.2", base.Add(time.Hour)),
		operation("3", "w-1", "u-1", ledger.StatePlanning, ledger.TypeConsumption, "5", base),
		operation("4", "w-2", "u-1", ledger.StateRealise, ledger.TypeConsumption, "7", base),
		operation("5", "w-3", "u-2", ledger.StateRealise, ledger.TypeIncome, "1000", base),
	}
	for _, op := range ops {
		require.NoError(t, s.CreateOperation(ctx, op))
	}

	index := func(sums []ledger.GroupSum) map[ledger.GroupKey]ledger.GroupSum {
		m := make(map[ledger.GroupKey]ledger.GroupSum, len(sums))
		for _, g := range sums {
			m[g.GroupKey] = g
		}
		return m
	}

	all, err := s.SumByGroup(ctx, "u-1", nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	groups := index(all)

	realisedIncome := groups[ledger.GroupKey{WalletID: "w-1", State: ledger.StateRealise, Type: ledger.TypeIncome}]
	assert.True(t, realisedIncome.Total.Equal(dec("0.3")), "exact decimal sum, got %s", realisedIncome.Total)
	assert.Equal(t, int64(2), realisedIncome.Count)
	assert.True(t, realisedIncome.LastCreatedAt.Equal(base.Add(time.Hour)))

	planned := groups[ledger.GroupKey{WalletID: "w-1", State: ledger.StatePlanning, Type: ledger.TypeConsumption}]
	assert.True(t, planned.Total.Equal(dec("5")))

	scoped, err := s.SumByGroup(ctx, "u-1", []ledger.WalletID{"w-2", "w-3"})
	require.NoError(t, err)
	require.Len(t, scoped, 1, "w-3 belongs to another user")
	assert.Equal(t, ledger.WalletID("w-2"), scoped[0].WalletID)
	assert.True(t, scoped[0].Total.Equal(dec("7")))

	none, err := s.SumByGroup(ctx, "nobody", nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func ids(ops []ledger.Operation) []ledger.OperationID {
	out := make([]ledger.OperationID, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}

func testListOperations(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	ops := []ledger.Operation{
		operation("a", "w-1", "u-1", ledger.StateRealise, ledger.TypeIncome, "100", base.Add(2*time.Hour)),
		operation("b", "w-1", "u-1", ledger.StatePlanning, ledger.TypeConsumption, "5", base),
		operation("c", "w-2", "u-1", ledger.StateRealise, ledger.TypeConsumption, "7", base.Add(time.Hour)),
		operation("d", "w-3", "u-2", ledger.StateRealise, ledger.TypeIncome, "1", base),
	}
	ops[0].Title = "Monthly Salary"
	ops[2].Title = "salary advance"
	for _, op := range ops {
		require.NoError(t, s.CreateOperation(ctx, op))
	}

	list := func(f ledger.OperationFilter) []ledger.OperationID {
		t.Helper()
		got, err := s.ListOperations(ctx, "u-1", f)
		require.NoError(t, err)
		return ids(got)
	}

	assert.Equal(t, []ledger.OperationID{"b", "c", "a"}, list(ledger.OperationFilter{}), "oldest first, own operations only")
	assert.Equal(t, []ledger.OperationID{"b", "a"}, list(ledger.OperationFilter{WalletIDs: []ledger.WalletID{"w-1"}}))
	assert.Equal(t, []ledger.OperationID{"b", "c"}, list(ledger.OperationFilter{Type: ledger.TypeConsumption}))
	assert.Equal(t, []ledger.OperationID{"b"}, list(ledger.OperationFilter{State: ledger.StatePlanning}))
	assert.Equal(t, []ledger.OperationID{"c", "a"}, list(ledger.OperationFilter{Title: "SALARY"}))

	from, to := base.Add(time.Hour), base.Add(2*time.Hour)
	assert.Equal(t, []ledger.OperationID{"c", "a"}, list(ledger.OperationFilter{From: &from}), "bounds are inclusive")
	assert.Equal(t, []ledger.OperationID{"b", "c"}, list(ledger.OperationFilter{To: &from}))
	assert.Equal(t, []ledger.OperationID{"c", "a"}, list(ledger.OperationFilter{From: &from, To: &to}))

	assert.Equal(t, []ledger.OperationID{"c"}, list(ledger.OperationFilter{Offset: 1, Limit: 1}))
	assert.Empty(t, list(ledger.OperationFilter{Offset: 10}))

	got, err := s.ListOperations(ctx, "u-1", ledger.OperationFilter{})
	require.NoError(t, err)
	assert.True(t, got[2].Cost.Equal(dec("100")))
	assert.Equal(t, "Monthly Salary", got[2].Title)

	none, err := s.ListOperations(ctx, "nobody", ledger.OperationFilter{})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func testDeleteOperations(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	for _, op := range []ledger.Operation{
		operation("1", "w-1", "u-1", ledger.StateRealise, ledger.TypeIncome, "1", base),
		operation("2", "w-1", "u-1", ledger.StateRealise, ledger.TypeIncome, "2", base),
		operation("3", "w-2", "u-1", ledger.StateRealise, ledger.TypeIncome, "3", base),
		operation("4", "w-1", "u-2", ledger.StateRealise, ledger.TypeIncome, "4", base),
	} {
		require.NoError(t, s.CreateOperation(ctx, op))
	}

	affected, deleted, err := s.DeleteOperations(ctx, "u-1", "w-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.Equal(t, []ledger.WalletID{"w-1"}, affected)

	_, err = s.GetOperation(ctx, "1", "u-1")
	assert.ErrorIs(t, err, ledger.ErrOperationNotFound)
	_, err = s.GetOperation(ctx, "4", "u-2")
	assert.NoError(t, err, "other users keep their operations")

	affected, deleted, err = s.DeleteOperations(ctx, "u-1", "w-1")
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Empty(t, affected)

	affected, deleted, err = s.DeleteOperations(ctx, "u-1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, []ledger.WalletID{"w-2"}, affected)

	sums, err := s.SumByGroup(ctx, "u-1", nil)
	require.NoError(t, err)
	assert.Empty(t, sums)
}
