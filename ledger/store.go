/*
store.go - Persistence contracts for wallets and operations

PURPOSE:
  Defines what the ledger needs from storage: keyed wallet records with an
  atomic increment primitive, operation records with single-record
  read-modify-write, and one grouped-sum query for reconciliation.

ATOMICITY:
  ApplyDelta must add the delta to the stored figures in one atomic step.
  Two concurrent ApplyDelta calls on the same wallet must both land.
  SaveAggregates overwrites the figures absolutely. Nothing here spans two
  records, so there is no cross-record transaction.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL via GORM

SEE ALSO:
  - mutator.go: the only caller of ApplyDelta
  - reconciler.go: the only caller of SumByGroup and SaveAggregates
  - operations/service.go: bulk removal through DeleteOperations, followed
    by a forced reconciliation instead of per-operation deltas
*/
package ledger

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// WALLET STORE
// =============================================================================

type WalletStore interface {
	// CreateWallet persists a new wallet.
	CreateWallet(ctx context.Context, w Wallet) error

	// GetWallet returns the wallet owned by userID, or ErrWalletNotFound.
	GetWallet(ctx context.Context, id WalletID, userID UserID) (Wallet, error)

	// ListWallets returns all wallets of a user ordered by creation time.
	ListWallets(ctx context.Context, userID UserID) ([]Wallet, error)

	// DeleteWallet removes a deletable wallet and returns it.
	// Returns ErrWalletNotFound or ErrWalletNotDeletable.
	DeleteWallet(ctx context.Context, id WalletID, userID UserID) (Wallet, error)

	// ApplyDelta atomically adds delta to the wallet figures. When at is not
	// nil, LastOperationDate becomes max(LastOperationDate, at).
	// Returns the updated wallet or ErrWalletNotFound.
	ApplyDelta(ctx context.Context, id WalletID, userID UserID, delta Aggregates, at *time.Time) (Wallet, error)

	// SaveAggregates overwrites the figures and sets LastCalculateDate.
	// LastOperationDate is advanced to lastOperation when that is later.
	SaveAggregates(ctx context.Context, id WalletID, userID UserID, agg Aggregates, calculatedAt time.Time, lastOperation *time.Time) (Wallet, error)

	// ListStale returns up to limit wallets, across users, that were never
	// reconciled or were last reconciled at or before cutoff, oldest first.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Wallet, error)
}

// =============================================================================
// OPERATION STORE
// =============================================================================

// OperationUpdate mutates an operation in place inside UpdateOperation.
type OperationUpdate func(op *Operation) error

type OperationStore interface {
	// CreateOperation persists a new operation.
	CreateOperation(ctx context.Context, op Operation) error

	// GetOperation returns the operation owned by userID, or ErrOperationNotFound.
	GetOperation(ctx context.Context, id OperationID, userID UserID) (Operation, error)

	// UpdateOperation loads the operation, applies fn and saves it as one
	// atomic read-modify-write. Returns the record before and after.
	// If fn returns an error nothing is written and the error is returned.
	UpdateOperation(ctx context.Context, id OperationID, userID UserID, fn OperationUpdate) (prev, next Operation, err error)

	// DeleteOperation removes the operation and returns it.
	DeleteOperation(ctx context.Context, id OperationID, userID UserID) (Operation, error)

	// ListOperations returns the user's operations matching filter, oldest
	// first, paged by filter.Offset and filter.Limit.
	ListOperations(ctx context.Context, userID UserID, filter OperationFilter) ([]Operation, error)

	// DeleteOperations removes every operation of the user on walletID, or
	// every operation of the user when walletID is empty. Returns the ids of
	// the wallets that lost at least one operation.
	DeleteOperations(ctx context.Context, userID UserID, walletID WalletID) ([]WalletID, int64, error)

	// SumByGroup sums Cost over the user's operations grouped by
	// (wallet, state, type). An empty walletIDs means every wallet.
	SumByGroup(ctx context.Context, userID UserID, walletIDs []WalletID) ([]GroupSum, error)
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// OperationFilter narrows ListOperations. Zero fields match everything.
// Title matches case-insensitively anywhere in the title. From and To bound
// CreatedAt inclusively. A Limit of zero or less means no limit.
type OperationFilter struct {
	WalletIDs []WalletID
	Type      Type
	State     State
	Title     string
	From      *time.Time
	To        *time.Time
	Offset    int
	Limit     int
}

// Normalized clamps the page to [1, MaxListLimit], defaulting to
// DefaultListLimit, and rejects unknown type or state values.
func (f OperationFilter) Normalized() (OperationFilter, error) {
	if f.Type != "" && !f.Type.Valid() {
		return f, &InvalidInputError{Field: "type", Value: string(f.Type), Err: ErrUnknownType}
	}
	if f.State != "" && !f.State.Valid() {
		return f, &InvalidInputError{Field: "state", Value: string(f.State), Err: ErrUnknownState}
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f, nil
}

// Matches reports whether op passes every field of the filter except the
// page bounds.
func (f OperationFilter) Matches(op Operation) bool {
	if len(f.WalletIDs) > 0 && !slices.Contains(f.WalletIDs, op.WalletID) {
		return false
	}
	if f.Type != "" && op.Type != f.Type {
		return false
	}
	if f.State != "" && op.State != f.State {
		return false
	}
	if f.Title != "" && !strings.Contains(strings.ToLower(op.Title), strings.ToLower(f.Title)) {
		return false
	}
	if f.From != nil && op.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && op.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

// Store is everything the ledger and the services need.
type Store interface {
	WalletStore
	OperationStore
}

// =============================================================================
// HELPERS SHARED BY STORE IMPLEMENTATIONS
// =============================================================================

// GroupAccumulator folds individual operation rows into GroupSums. Stores
// that cannot sum decimals exactly in their query engine scan ordered rows
// through it.
type GroupAccumulator struct {
	order  []GroupKey
	groups map[GroupKey]*GroupSum
}

func NewGroupAccumulator() *GroupAccumulator {
	return &GroupAccumulator{groups: make(map[GroupKey]*GroupSum)}
}

// Add folds one operation into its bucket.
func (a *GroupAccumulator) Add(key GroupKey, cost decimal.Decimal, createdAt time.Time) {
	g, ok := a.groups[key]
	if !ok {
		g = &GroupSum{GroupKey: key, Total: decimal.Zero}
		a.groups[key] = g
		a.order = append(a.order, key)
	}
	g.Total = g.Total.Add(cost)
	g.Count++
	if createdAt.After(g.LastCreatedAt) {
		g.LastCreatedAt = createdAt
	}
}

// Sums returns the buckets in first-seen order.
func (a *GroupAccumulator) Sums() []GroupSum {
	out := make([]GroupSum, 0, len(a.order))
	for _, k := range a.order {
		out = append(out, *a.groups[k])
	}
	return out
}

// LaterOf returns the later of two optional timestamps.
func LaterOf(current *time.Time, candidate *time.Time) *time.Time {
	if candidate == nil {
		return current
	}
	if current == nil || candidate.After(*current) {
		t := *candidate
		return &t
	}
	return current
}
