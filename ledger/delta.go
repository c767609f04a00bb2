/*
delta.go - Delta calculator: operation events to signed aggregate changes

PURPOSE:
  Pure functions, no I/O. Each maps one operation event to the Aggregates
  delta the wallet must absorb.

CREATION TABLE:

	state     type         balance   lifetime sum              planning sum
	realise   income       +cost     AllIncomeSum +cost        -
	realise   consumption  -cost     AllConsumptionSum +cost   -
	planning  income       -         -                         PlanningIncome +cost
	planning  consumption  -         -                         PlanningConsumption +cost

  Removal is the negated creation delta. Every field update is expressed
  against the same table:

	cost change:   Contribution(state, type, next) - Contribution(state, type, prev)
	type change:   Contribution(state, next, cost) - Contribution(state, prev, cost)
	state change:  Contribution(next, type, cost) - Contribution(prev, type, cost)

  For a realised type flip to income this is balance +2c, AllIncomeSum +c,
  AllConsumptionSum -c. A planning flip swaps the planning sums.

INPUT CONTRACT:
  Costs are magnitudes. A negative cost or an unknown state or type is
  rejected with *InvalidInputError rather than producing a wrong figure.
*/
package ledger

import (
	"github.com/shopspring/decimal"
)

// Contribution returns what an operation with the given state, type and cost
// adds to a wallet. The reconciler feeds group totals through the same table.
func Contribution(state State, typ Type, cost decimal.Decimal) (Aggregates, error) {
	if cost.IsNegative() {
		return Aggregates{}, &InvalidInputError{Field: "cost", Value: cost.String(), Err: ErrNegativeCost}
	}

	var d Aggregates
	switch state {
	case StateRealise:
		switch typ {
		case TypeIncome:
			d.Balance = cost
			d.AllIncomeSum = cost
		case TypeConsumption:
			d.Balance = cost.Neg()
			d.AllConsumptionSum = cost
		default:
			return Aggregates{}, unknownType(typ)
		}
	case StatePlanning:
		switch typ {
		case TypeIncome:
			d.PlanningIncome = cost
		case TypeConsumption:
			d.PlanningConsumption = cost
		default:
			return Aggregates{}, unknownType(typ)
		}
	default:
		return Aggregates{}, unknownState(state)
	}
	return d, nil
}

// CreateDelta is the change caused by a new operation.
func CreateDelta(op Operation) (Aggregates, error) {
	return Contribution(op.State, op.Type, op.Cost)
}

// RemoveDelta is the change caused by deleting an operation.
func RemoveDelta(op Operation) (Aggregates, error) {
	d, err := Contribution(op.State, op.Type, op.Cost)
	if err != nil {
		return Aggregates{}, err
	}
	return d.Neg(), nil
}

// CostChangeDelta is the change when op.Cost replaced previousCost.
func CostChangeDelta(op Operation, previousCost decimal.Decimal) (Aggregates, error) {
	next, err := Contribution(op.State, op.Type, op.Cost)
	if err != nil {
		return Aggregates{}, err
	}
	prev, err := Contribution(op.State, op.Type, previousCost)
	if err != nil {
		return Aggregates{}, err
	}
	return next.Sub(prev), nil
}

// TypeChangeDelta is the change when op.Type replaced previousType.
func TypeChangeDelta(op Operation, previousType Type) (Aggregates, error) {
	next, err := Contribution(op.State, op.Type, op.Cost)
	if err != nil {
		return Aggregates{}, err
	}
	prev, err := Contribution(op.State, previousType, op.Cost)
	if err != nil {
		return Aggregates{}, err
	}
	return next.Sub(prev), nil
}

// StateChangeDelta is the change when op.State replaced previousState.
// Balance moves by the signed cost: an income becoming realised raises it,
// a consumption becoming realised lowers it.
func StateChangeDelta(op Operation, previousState State) (Aggregates, error) {
	next, err := Contribution(op.State, op.Type, op.Cost)
	if err != nil {
		return Aggregates{}, err
	}
	prev, err := Contribution(previousState, op.Type, op.Cost)
	if err != nil {
		return Aggregates{}, err
	}
	return next.Sub(prev), nil
}

func unknownState(s State) error {
	return &InvalidInputError{Field: "state", Value: string(s), Err: ErrUnknownState}
}

func unknownType(t Type) error {
	return &InvalidInputError{Field: "type", Value: string(t), Err: ErrUnknownType}
}
