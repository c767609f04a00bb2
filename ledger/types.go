/*
Package ledger keeps wallet aggregates consistent with the operation log.

PURPOSE:
  A wallet caches five aggregates derived from its operations: the realised
  balance, lifetime income and consumption sums, and the planning income and
  consumption sums. This package maintains those figures two ways:
  incrementally (one delta per operation event) and by reconciliation (a full
  recomputation from grouped operation sums).

KEY CONCEPTS IN THIS FILE (types.go):
  - State: lifecycle of an operation (planning or realised)
  - Type: monetary direction of an operation (income or consumption)
  - Aggregates: the five cached figures, also used as the delta object
  - Operation, Wallet: the two records the ledger reads and writes

DESIGN PRINCIPLES:
  1. Precision: every amount is a decimal.Decimal
  2. Magnitude only: Operation.Cost is never negative, direction is Type
  3. Deltas are values: an Aggregates delta is added by the store in one
     atomic step, the ledger never rewrites a whole wallet incrementally

SEE ALSO:
  - delta.go: the arithmetic tables
  - reconciler.go: full recomputation
  - store.go: persistence contracts
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type WalletID string
type OperationID string

// =============================================================================
// OPERATION STATE & TYPE - closed enumerations
// =============================================================================

// State is the lifecycle state of an operation.
type State string

const (
	StatePlanning State = "planning"
	StateRealise  State = "realise"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePlanning, StateRealise:
		return true
	default:
		return false
	}
}

// Type is the monetary direction of an operation.
type Type string

const (
	TypeIncome      Type = "income"
	TypeConsumption Type = "consumption"
)

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	switch t {
	case TypeIncome, TypeConsumption:
		return true
	default:
		return false
	}
}

// Opposite returns the other direction. Unknown types are returned as is.
func (t Type) Opposite() Type {
	switch t {
	case TypeIncome:
		return TypeConsumption
	case TypeConsumption:
		return TypeIncome
	default:
		return t
	}
}

// States and Types list every enum value, for table-driven callers.
var (
	States = []State{StatePlanning, StateRealise}
	Types  = []Type{TypeIncome, TypeConsumption}
)

// =============================================================================
// AGGREGATES - the cached wallet figures and the delta object
// =============================================================================

// Aggregates holds the five cached figures of a wallet. The same struct is
// used as a delta: each field is the signed amount to add.
type Aggregates struct {
	Balance             decimal.Decimal `json:"balance"`
	AllIncomeSum        decimal.Decimal `json:"all_income_sum"`
	AllConsumptionSum   decimal.Decimal `json:"all_consumption_sum"`
	PlanningIncome      decimal.Decimal `json:"planning_income"`
	PlanningConsumption decimal.Decimal `json:"planning_consumption"`
}

func (a Aggregates) Add(b Aggregates) Aggregates {
	return Aggregates{
		Balance:             a.Balance.Add(b.Balance),
		AllIncomeSum:        a.AllIncomeSum.Add(b.AllIncomeSum),
		AllConsumptionSum:   a.AllConsumptionSum.Add(b.AllConsumptionSum),
		PlanningIncome:      a.PlanningIncome.Add(b.PlanningIncome),
		PlanningConsumption: a.PlanningConsumption.Add(b.PlanningConsumption),
	}
}

func (a Aggregates) Sub(b Aggregates) Aggregates { return a.Add(b.Neg()) }

func (a Aggregates) Neg() Aggregates {
	return Aggregates{
		Balance:             a.Balance.Neg(),
		AllIncomeSum:        a.AllIncomeSum.Neg(),
		AllConsumptionSum:   a.AllConsumptionSum.Neg(),
		PlanningIncome:      a.PlanningIncome.Neg(),
		PlanningConsumption: a.PlanningConsumption.Neg(),
	}
}

func (a Aggregates) IsZero() bool {
	return a.Balance.IsZero() &&
		a.AllIncomeSum.IsZero() &&
		a.AllConsumptionSum.IsZero() &&
		a.PlanningIncome.IsZero() &&
		a.PlanningConsumption.IsZero()
}

// Equal compares numerically, so 1.0 equals 1.
func (a Aggregates) Equal(b Aggregates) bool {
	return a.Balance.Equal(b.Balance) &&
		a.AllIncomeSum.Equal(b.AllIncomeSum) &&
		a.AllConsumptionSum.Equal(b.AllConsumptionSum) &&
		a.PlanningIncome.Equal(b.PlanningIncome) &&
		a.PlanningConsumption.Equal(b.PlanningConsumption)
}

// =============================================================================
// OPERATION
// =============================================================================

// Operation is a single income or consumption record against a wallet.
// WalletID is fixed once the operation exists.
type Operation struct {
	ID        OperationID
	WalletID  WalletID
	UserID    UserID
	Title     string
	Cost      decimal.Decimal // magnitude, never negative
	Type      Type
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// WALLET
// =============================================================================

// WalletKind is the account flavour shown to the user.
type WalletKind string

const (
	KindDebitCard  WalletKind = "debit_card"
	KindCreditCard WalletKind = "credit_card"
	KindMoney      WalletKind = "money"
)

func (k WalletKind) Valid() bool {
	switch k {
	case KindDebitCard, KindCreditCard, KindMoney:
		return true
	default:
		return false
	}
}

// WalletCreator records who created the wallet.
type WalletCreator string

const (
	CreatorUser WalletCreator = "user"
	CreatorBase WalletCreator = "system_after_registration"
)

// Wallet is the cached-aggregate record.
type Wallet struct {
	ID        WalletID      `json:"id"`
	UserID    UserID        `json:"user_id"`
	Name      string        `json:"name"`
	Kind      WalletKind    `json:"kind"`
	Creator   WalletCreator `json:"creator"`
	Deletable bool          `json:"deletable"`

	Aggregates

	// LastOperationDate is the CreatedAt of the newest operation that touched
	// the wallet. LastCalculateDate is the end of the last reconciliation.
	LastOperationDate *time.Time `json:"last_operation_date"`
	LastCalculateDate *time.Time `json:"last_calculate_date"`

	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// GROUPED SUMS - output of the reconciliation query
// =============================================================================

// GroupKey identifies one (wallet, state, type) bucket.
type GroupKey struct {
	WalletID WalletID
	State    State
	Type     Type
}

// GroupSum is the summed cost of every operation in one bucket.
type GroupSum struct {
	GroupKey
	Total         decimal.Decimal
	Count         int64
	LastCreatedAt time.Time
}
