package ledger_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/wallet-ledger/ledger"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func agg(balance, income, consumption, planIncome, planConsumption string) ledger.Aggregates {
	return ledger.Aggregates{
		Balance:             d(balance),
		AllIncomeSum:        d(income),
		AllConsumptionSum:   d(consumption),
		PlanningIncome:      d(planIncome),
		PlanningConsumption: d(planConsumption),
	}
}

func op(state ledger.State, typ ledger.Type, cost string) ledger.Operation {
	return ledger.Operation{
		ID:       "op-1",
		WalletID: "w-1",
		UserID:   "u-1",
		Cost:     d(cost),
		Type:     typ,
		State:    state,
	}
}

func assertAgg(t *testing.T, want, got ledger.Aggregates) {
	t.Helper()
	assert.Truef(t, want.Equal(got), "want %+v, got %+v", want, got)
}

// =============================================================================
// CREATION TABLE
// =============================================================================

func TestContribution_Table(t *testing.T) {
	tests := []struct {
		state ledger.State
		typ   ledger.Type
		want  ledger.Aggregates
	}{
		{ledger.StateRealise, ledger.TypeIncome, agg("25", "25", "0", "0", "0")},
		{ledger.StateRealise, ledger.TypeConsumption, agg("-25", "0", "25", "0", "0")},
		{ledger.StatePlanning, ledger.TypeIncome, agg("0", "0", "0", "25", "0")},
		{ledger.StatePlanning, ledger.TypeConsumption, agg("0", "0", "0", "0", "25")},
	}

	for _, tt := range tests {
		t.Run(string(tt.state)+"/"+string(tt.typ), func(t *testing.T) {
			got, err := ledger.Contribution(tt.state, tt.typ, d("25"))
			require.NoError(t, err)
			assertAgg(t, tt.want, got)
		})
	}
}

func TestContribution_ZeroCostIsZeroDelta(t *testing.T) {
	for _, s := range ledger.States {
		for _, ty := range ledger.Types {
			got, err := ledger.Contribution(s, ty, decimal.Zero)
			require.NoError(t, err)
			assert.True(t, got.IsZero())
		}
	}
}

func TestContribution_RejectsInvalidInput(t *testing.T) {
	t.Run("negative cost", func(t *testing.T) {
		_, err := ledger.Contribution(ledger.StateRealise, ledger.TypeIncome, d("-1"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ledger.ErrNegativeCost)
		var inv *ledger.InvalidInputError
		require.ErrorAs(t, err, &inv)
		assert.Equal(t, "cost", inv.Field)
		assert.True(t, ledger.IsClientError(err))
	})

	t.Run("unknown state", func(t *testing.T) {
		_, err := ledger.Contribution(ledger.State("archived"), ledger.TypeIncome, d("1"))
		assert.ErrorIs(t, err, ledger.ErrUnknownState)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := ledger.Contribution(ledger.StateRealise, ledger.Type("transfer"), d("1"))
		assert.ErrorIs(t, err, ledger.ErrUnknownType)

		_, err = ledger.Contribution(ledger.StatePlanning, ledger.Type("transfer"), d("1"))
		assert.ErrorIs(t, err, ledger.ErrUnknownType)
	})
}

// =============================================================================
// REMOVAL
// =============================================================================

func TestRemoveDelta_CancelsCreate(t *testing.T) {
	for _, s := range ledger.States {
		for _, ty := range ledger.Types {
			o := op(s, ty, "12.34")
			create, err := ledger.CreateDelta(o)
			require.NoError(t, err)
			remove, err := ledger.RemoveDelta(o)
			require.NoError(t, err)

			assert.True(t, create.Add(remove).IsZero(), "%s/%s", s, ty)
		}
	}
}

// =============================================================================
// COST CHANGE
// =============================================================================

func TestCostChangeDelta(t *testing.T) {
	tests := []struct {
		name  string
		state ledger.State
		typ   ledger.Type
		prev  string
		next  string
		want  ledger.Aggregates
	}{
		{"realised income up", ledger.StateRealise, ledger.TypeIncome, "40", "70", agg("30", "30", "0", "0", "0")},
		{"realised consumption up", ledger.StateRealise, ledger.TypeConsumption, "40", "70", agg("-30", "0", "30", "0", "0")},
		{"realised consumption down", ledger.StateRealise, ledger.TypeConsumption, "70", "40", agg("30", "0", "-30", "0", "0")},
		{"planning income down", ledger.StatePlanning, ledger.TypeIncome, "10", "4", agg("0", "0", "0", "-6", "0")},
		{"planning consumption up", ledger.StatePlanning, ledger.TypeConsumption, "10", "15.5", agg("0", "0", "0", "0", "5.5")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ledger.CostChangeDelta(op(tt.state, tt.typ, tt.next), d(tt.prev))
			require.NoError(t, err)
			assertAgg(t, tt.want, got)
		})
	}
}

func TestCostChangeDelta_RejectsNegativePrevious(t *testing.T) {
	_, err := ledger.CostChangeDelta(op(ledger.StateRealise, ledger.TypeIncome, "5"), d("-5"))
	assert.ErrorIs(t, err, ledger.ErrNegativeCost)
}

// =============================================================================
// TYPE CHANGE
// =============================================================================

func TestTypeChangeDelta(t *testing.T) {
	tests := []struct {
		name  string
		state ledger.State
		now   ledger.Type
		want  ledger.Aggregates
	}{
		{"realised to income", ledger.StateRealise, ledger.TypeIncome, agg("140", "70", "-70", "0", "0")},
		{"realised to consumption", ledger.StateRealise, ledger.TypeConsumption, agg("-140", "-70", "70", "0", "0")},
		{"planning to income", ledger.StatePlanning, ledger.TypeIncome, agg("0", "0", "0", "70", "-70")},
		{"planning to consumption", ledger.StatePlanning, ledger.TypeConsumption, agg("0", "0", "0", "-70", "70")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ledger.TypeChangeDelta(op(tt.state, tt.now, "70"), tt.now.Opposite())
			require.NoError(t, err)
			assertAgg(t, tt.want, got)
		})
	}
}

func TestTypeChangeDelta_RoundTrip(t *testing.T) {
	// GIVEN: an operation flipped A -> B -> A
	// THEN: the two deltas cancel exactly
	for _, s := range ledger.States {
		o := op(s, ledger.TypeConsumption, "33.33")
		first, err := ledger.TypeChangeDelta(o, ledger.TypeIncome)
		require.NoError(t, err)

		o.Type = ledger.TypeIncome
		second, err := ledger.TypeChangeDelta(o, ledger.TypeConsumption)
		require.NoError(t, err)

		assert.True(t, first.Add(second).IsZero(), string(s))
	}
}

func TestTypeChangeDelta_Unchanged(t *testing.T) {
	got, err := ledger.TypeChangeDelta(op(ledger.StateRealise, ledger.TypeIncome, "9"), ledger.TypeIncome)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

// =============================================================================
// STATE CHANGE
// =============================================================================

func TestStateChangeDelta(t *testing.T) {
	tests := []struct {
		name string
		now  ledger.State
		prev ledger.State
		typ  ledger.Type
		want ledger.Aggregates
	}{
		{"income realised", ledger.StateRealise, ledger.StatePlanning, ledger.TypeIncome, agg("50", "50", "0", "-50", "0")},
		{"consumption realised", ledger.StateRealise, ledger.StatePlanning, ledger.TypeConsumption, agg("-50", "0", "50", "0", "-50")},
		{"income back to planning", ledger.StatePlanning, ledger.StateRealise, ledger.TypeIncome, agg("-50", "-50", "0", "50", "0")},
		{"consumption back to planning", ledger.StatePlanning, ledger.StateRealise, ledger.TypeConsumption, agg("50", "0", "-50", "0", "50")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ledger.StateChangeDelta(op(tt.now, tt.typ, "50"), tt.prev)
			require.NoError(t, err)
			assertAgg(t, tt.want, got)
		})
	}
}

func TestStateChangeDelta_UnknownPrevious(t *testing.T) {
	_, err := ledger.StateChangeDelta(op(ledger.StateRealise, ledger.TypeIncome, "1"), ledger.State("draft"))
	assert.ErrorIs(t, err, ledger.ErrUnknownState)
	assert.False(t, ledger.IsNotFound(err))
}
