package operations_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/ledger/store"
	"github.com/warp/wallet-ledger/operations"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var now = time.Date(2025, time.April, 1, 8, 30, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(t *testing.T) (*operations.Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateWallet(context.Background(), ledger.Wallet{
		ID: "w-1", UserID: "u-1", Name: "Cash", Kind: ledger.KindMoney, Creator: ledger.CreatorUser, Deletable: true,
	}))

	l := ledger.New(mem, ledger.Options{Mode: ledger.ModeInline, Now: func() time.Time { return now }})
	svc := operations.NewService(mem, l)
	svc.Now = func() time.Time { return now }

	seq := 0
	svc.NewID = func() ledger.OperationID {
		seq++
		return ledger.OperationID(fmt.Sprintf("op-%d", seq))
	}
	return svc, mem
}

func wallet(t *testing.T, mem *store.Memory) ledger.Wallet {
	t.Helper()
	w, err := mem.GetWallet(context.Background(), "w-1", "u-1")
	require.NoError(t, err)
	return w
}

func assertFigures(t *testing.T, w ledger.Wallet, balance, income, consumption string) {
	t.Helper()
	assert.True(t, w.Balance.Equal(d(balance)), "balance: want %s, got %s", balance, w.Balance)
	assert.True(t, w.AllIncomeSum.Equal(d(income)), "income: want %s, got %s", income, w.AllIncomeSum)
	assert.True(t, w.AllConsumptionSum.Equal(d(consumption)), "consumption: want %s, got %s", consumption, w.AllConsumptionSum)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestService_FullScenario(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "u-1", operations.CreateInput{WalletID: "w-1", Title: "Salary", Cost: d("100"), Type: ledger.TypeIncome})
	require.NoError(t, err)
	assertFigures(t, wallet(t, mem), "100", "100", "0")

	groceries, err := svc.Create(ctx, "u-1", operations.CreateInput{WalletID: "w-1", Title: "Groceries", Cost: d("40"), Type: ledger.TypeConsumption})
	require.NoError(t, err)
	assert.Equal(t, ledger.StateRealise, groceries.State, "state defaults to realised")
	assertFigures(t, wallet(t, mem), "60", "100", "40")

	_, err = svc.UpdateCost(ctx, "u-1", groceries.ID, d("70"))
	require.NoError(t, err)
	assertFigures(t, wallet(t, mem), "30", "100", "70")

	updated, err := svc.UpdateType(ctx, "u-1", groceries.ID, ledger.TypeIncome)
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeIncome, updated.Type)
	assertFigures(t, wallet(t, mem), "170", "170", "0")

	_, err = svc.UpdateState(ctx, "u-1", groceries.ID, ledger.StatePlanning)
	require.NoError(t, err)
	w := wallet(t, mem)
	assertFigures(t, w, "100", "100", "0")
	assert.True(t, w.PlanningIncome.Equal(d("70")))

	_, err = svc.Remove(ctx, "u-1", groceries.ID)
	require.NoError(t, err)
	w = wallet(t, mem)
	assertFigures(t, w, "100", "100", "0")
	assert.True(t, w.PlanningIncome.IsZero())
}

func TestService_UpdateTitle_LeavesWalletAlone(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	op, err := svc.Create(ctx, "u-1", operations.CreateInput{WalletID: "w-1", Title: "Rent", Cost: d("500"), Type: ledger.TypeConsumption})
	require.NoError(t, err)
	before := wallet(t, mem)

	renamed, err := svc.UpdateTitle(ctx, "u-1", op.ID, "  Rent (March) ")
	require.NoError(t, err)
	assert.Equal(t, "Rent (March)", renamed.Title)

	after := wallet(t, mem)
	assert.True(t, before.Aggregates.Equal(after.Aggregates))
}

func TestService_ZeroCost(t *testing.T) {
	// GIVEN: the same cost rule on create and update
	// WHEN: an operation is created at zero, raised, then set back to zero
	// THEN: every step is accepted and the wallet follows

	svc, mem := newTestService(t)
	ctx := context.Background()

	op, err := svc.Create(ctx, "u-1", operations.CreateInput{WalletID: "w-1", Title: "Gift", Cost: decimal.Zero, Type: ledger.TypeIncome})
	require.NoError(t, err)
	assertFigures(t, wallet(t, mem), "0", "0", "0")

	_, err = svc.UpdateCost(ctx, "u-1", op.ID, d("25"))
	require.NoError(t, err)
	assertFigures(t, wallet(t, mem), "25", "25", "0")

	_, err = svc.UpdateCost(ctx, "u-1", op.ID, decimal.Zero)
	require.NoError(t, err)
	assertFigures(t, wallet(t, mem), "0", "0", "0")
}

// =============================================================================
// READS AND BULK REMOVAL
// =============================================================================

func TestService_GetAndList(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	require.NoError(t, mem.CreateWallet(ctx, ledger.Wallet{ID: "w-2", UserID: "u-1", Name: "Card", Kind: ledger.KindDebitCard}))

	salary, err := svc.Create(ctx, "u-1", operations.CreateInput{WalletID: "w-1", Title: "Salary", Cost: d("100"), Type: ledger.TypeIncome})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "u-1", operations.CreateInput{WalletID: "w-2", Title: "Rent", Cost: d("50"), Type: ledger.TypeConsumption})
	require.NoError(t, err)

	got, err := svc.Get(ctx, "u-1", salary.ID)
	require.NoError(t, err)
	assert.Equal(t, "Salary", got.Title)

	_, err = svc.Get(ctx, "u-2", salary.ID)
	assert.ErrorIs(t, err, ledger.ErrOperationNotFound)

	all, err := svc.List(ctx, "u-1", ledger.OperationFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	consumption, err := svc.List(ctx, "u-1", ledger.OperationFilter{Type: ledger.TypeConsumption})
	require.NoError(t, err)
	require.Len(t, consumption, 1)
	assert.Equal(t, ledger.WalletID("w-2"), consumption[0].WalletID)

	_, err = svc.List(ctx, "u-1", ledger.OperationFilter{State: "maybe"})
	assert.ErrorIs(t, err, ledger.ErrUnknownState)
	assert.True(t, operations.IsClientError(err))
}

func TestService_RemoveByWallet_Reconciles(t *testing.T) {
	// GIVEN: operations on two wallets
	// WHEN: every operation of one wallet is removed in bulk
	// THEN: that wallet is rebuilt to zero, the other keeps its figures

	svc, mem := newTestService(t)
	ctx := context.Background()
	require.NoError(t, mem.CreateWallet(ctx, ledger.Wallet{ID: "w-2", UserID: "u-1", Name: "Card", Kind: ledger.KindDebitCard}))

	for _, in := range []operations.CreateInput{
		{WalletID: "w-1", Title: "Salary", Cost: d("100"), Type: ledger.TypeIncome},
		{WalletID: "w-1", Title: "Lunch", Cost: d("12.5"), Type: ledger.TypeConsumption},
		{WalletID: "w-1", Title: "Trip", Cost: d("300"), Type: ledger.TypeConsumption, State: ledger.StatePlanning},
		{WalletID: "w-2", Title: "Rent", Cost: d("50"), Type: ledger.TypeConsumption},
	} {
		_, err := svc.Create(ctx, "u-1", in)
		require.NoError(t, err)
	}

	removed, err := svc.RemoveByWallet(ctx, "u-1", "w-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	w1 := wallet(t, mem)
	assert.True(t, w1.Aggregates.IsZero(), "got %+v", w1.Aggregates)
	require.NotNil(t, w1.LastCalculateDate)
	assert.True(t, w1.LastCalculateDate.Equal(now))

	w2, err := mem.GetWallet(ctx, "w-2", "u-1")
	require.NoError(t, err)
	assert.True(t, w2.Balance.Equal(d("-50")))
	assert.Nil(t, w2.LastCalculateDate, "untouched wallets are not rebuilt")

	_, err = svc.RemoveByWallet(ctx, "u-1", "w-1")
	assert.ErrorIs(t, err, operations.ErrNothingToRemove)

	_, err = svc.RemoveByWallet(ctx, "u-1", "")
	assert.ErrorIs(t, err, operations.ErrWalletRequired)
}

func TestService_RemoveAll(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	_, err := svc.RemoveAll(ctx, "u-1")
	assert.ErrorIs(t, err, operations.ErrNothingToRemove)

	_, err = svc.Create(ctx, "u-1", operations.CreateInput{WalletID: "w-1", Title: "Salary", Cost: d("100"), Type: ledger.TypeIncome})
	require.NoError(t, err)

	removed, err := svc.RemoveAll(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.True(t, wallet(t, mem).Aggregates.IsZero())
	assert.Empty(t, mem.Operations("u-1"))
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestService_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	op, err := svc.Create(ctx, "u-1", operations.CreateInput{WalletID: "w-1", Title: "Coffee", Cost: d("3"), Type: ledger.TypeConsumption})
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"negative create cost", func() error {
			_, err := svc.Create(ctx, "u-1", operations.CreateInput{WalletID: "w-1", Title: "x", Cost: d("-1"), Type: ledger.TypeIncome})
			return err
		}, operations.ErrInvalidCost},
		{"blank title", func() error {
			_, err := svc.Create(ctx, "u-1", operations.CreateInput{WalletID: "w-1", Title: " ", Cost: d("1"), Type: ledger.TypeIncome})
			return err
		}, operations.ErrTitleRequired},
		{"unknown type", func() error {
			_, err := svc.Create(ctx, "u-1", operations.CreateInput{WalletID: "w-1", Title: "x", Cost: d("1"), Type: "gift"})
			return err
		}, ledger.ErrUnknownType},
		{"foreign wallet", func() error {
			_, err := svc.Create(ctx, "u-2", operations.CreateInput{WalletID: "w-1", Title: "x", Cost: d("1"), Type: ledger.TypeIncome})
			return err
		}, ledger.ErrWalletNotFound},
		{"negative cost update", func() error {
			_, err := svc.UpdateCost(ctx, "u-1", op.ID, d("-5"))
			return err
		}, operations.ErrInvalidCost},
		{"same cost", func() error {
			_, err := svc.UpdateCost(ctx, "u-1", op.ID, d("3.00"))
			return err
		}, operations.ErrSameValue},
		{"same type", func() error {
			_, err := svc.UpdateType(ctx, "u-1", op.ID, ledger.TypeConsumption)
			return err
		}, operations.ErrSameValue},
		{"same state", func() error {
			_, err := svc.UpdateState(ctx, "u-1", op.ID, ledger.StateRealise)
			return err
		}, operations.ErrSameValue},
		{"unknown state", func() error {
			_, err := svc.UpdateState(ctx, "u-1", op.ID, "maybe")
			return err
		}, ledger.ErrUnknownState},
		{"same title", func() error {
			_, err := svc.UpdateTitle(ctx, "u-1", op.ID, "Coffee")
			return err
		}, operations.ErrSameValue},
		{"missing operation", func() error {
			_, err := svc.UpdateCost(ctx, "u-1", "nope", d("1"))
			return err
		}, ledger.ErrOperationNotFound},
		{"remove missing", func() error {
			_, err := svc.Remove(ctx, "u-1", "nope")
			return err
		}, ledger.ErrOperationNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), tt.want)
		})
	}
}

func TestService_ClientErrors(t *testing.T) {
	assert.True(t, operations.IsClientError(operations.ErrSameValue))
	assert.True(t, operations.IsClientError(&ledger.InvalidInputError{Field: "type", Err: ledger.ErrUnknownType}))
	assert.False(t, operations.IsClientError(ledger.ErrOperationNotFound))
}

// =============================================================================
// LEDGER FAILURES DO NOT FAIL THE OPERATION
// =============================================================================

type mockHooks struct {
	mock.Mock
}

func (m *mockHooks) OnOperationCreated(ctx context.Context, op ledger.Operation) (ledger.Wallet, error) {
	args := m.Called(ctx, op)
	return ledger.Wallet{}, args.Error(0)
}

func (m *mockHooks) OnOperationRemoved(ctx context.Context, op ledger.Operation) (ledger.Wallet, error) {
	args := m.Called(ctx, op)
	return ledger.Wallet{}, args.Error(0)
}

func (m *mockHooks) OnOperationCostChanged(ctx context.Context, op ledger.Operation, prev decimal.Decimal) (ledger.Wallet, error) {
	args := m.Called(ctx, op, prev)
	return ledger.Wallet{}, args.Error(0)
}

func (m *mockHooks) OnOperationTypeChanged(ctx context.Context, op ledger.Operation, prev ledger.Type) (ledger.Wallet, error) {
	args := m.Called(ctx, op, prev)
	return ledger.Wallet{}, args.Error(0)
}

func (m *mockHooks) ForceReconcile(ctx context.Context, userID ledger.UserID, walletIDs []ledger.WalletID) ([]ledger.Wallet, error) {
	args := m.Called(ctx, userID, walletIDs)
	return nil, args.Error(0)
}

func (m *mockHooks) OnOperationStateChanged(ctx context.Context, op ledger.Operation, prev ledger.State) (ledger.Wallet, error) {
	args := m.Called(ctx, op, prev)
	return ledger.Wallet{}, args.Error(0)
}

func TestService_HookFailureIsSwallowed(t *testing.T) {
	// GIVEN: a ledger that fails every update
	// WHEN: operations are created, updated and removed
	// THEN: every operation write succeeds and the hooks were still called

	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.CreateWallet(ctx, ledger.Wallet{ID: "w-1", UserID: "u-1"}))

	hooks := &mockHooks{}
	down := errors.New("wallet store down")
	hooks.On("OnOperationCreated", mock.Anything, mock.Anything).Return(down).Twice()
	hooks.On("OnOperationCostChanged", mock.Anything, mock.Anything, mock.MatchedBy(func(prev decimal.Decimal) bool {
		return prev.Equal(d("10"))
	})).Return(ledger.ErrWalletNotFound).Once()
	hooks.On("OnOperationTypeChanged", mock.Anything, mock.Anything, ledger.TypeIncome).Return(down).Once()
	hooks.On("OnOperationStateChanged", mock.Anything, mock.Anything, ledger.StateRealise).Return(down).Once()
	hooks.On("OnOperationRemoved", mock.Anything, mock.Anything).Return(down).Once()
	hooks.On("ForceReconcile", mock.Anything, ledger.UserID("u-1"), []ledger.WalletID{"w-1"}).Return(down).Once()

	svc := operations.NewService(mem, hooks)

	op, err := svc.Create(ctx, "u-1", operations.CreateInput{WalletID: "w-1", Title: "Bonus", Cost: d("10"), Type: ledger.TypeIncome})
	require.NoError(t, err)
	_, err = svc.UpdateCost(ctx, "u-1", op.ID, d("12"))
	require.NoError(t, err)
	_, err = svc.UpdateType(ctx, "u-1", op.ID, ledger.TypeConsumption)
	require.NoError(t, err)
	_, err = svc.UpdateState(ctx, "u-1", op.ID, ledger.StatePlanning)
	require.NoError(t, err)

	stored, err := mem.GetOperation(ctx, op.ID, "u-1")
	require.NoError(t, err)
	assert.True(t, stored.Cost.Equal(d("12")))
	assert.Equal(t, ledger.TypeConsumption, stored.Type)
	assert.Equal(t, ledger.StatePlanning, stored.State)

	_, err = svc.Remove(ctx, "u-1", op.ID)
	require.NoError(t, err)

	_, err = svc.Create(ctx, "u-1", operations.CreateInput{WalletID: "w-1", Title: "Bonus", Cost: d("10"), Type: ledger.TypeIncome})
	require.NoError(t, err)
	removed, err := svc.RemoveByWallet(ctx, "u-1", "w-1")
	require.NoError(t, err, "a failed rebuild does not fail the removal")
	assert.Equal(t, int64(1), removed)

	hooks.AssertExpectations(t)
}
