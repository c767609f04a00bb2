// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/wallet-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu         sync.RWMutex
	wallets    map[ledger.WalletID]ledger.Wallet
	operations map[ledger.OperationID]ledger.Operation
}

func NewMemory() *Memory {
	return &Memory{
		wallets:    make(map[ledger.WalletID]ledger.Wallet),
		operations: make(map[ledger.OperationID]ledger.Operation),
	}
}

var _ ledger.Store = (*Memory)(nil)

// =============================================================================
// WALLETS
// =============================================================================

func (m *Memory) CreateWallet(_ context.Context, w ledger.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[w.ID]; ok {
		return ledger.ErrAlreadyExists
	}
	m.wallets[w.ID] = cloneWallet(w)
	return nil
}

func (m *Memory) GetWallet(_ context.Context, id ledger.WalletID, userID ledger.UserID) (ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok || w.UserID != userID {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	return cloneWallet(w), nil
}

func (m *Memory) ListWallets(_ context.Context, userID ledger.UserID) ([]ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []ledger.Wallet{}
	for _, w := range m.wallets {
		if w.UserID == userID {
			result = append(result, cloneWallet(w))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) DeleteWallet(_ context.Context, id ledger.WalletID, userID ledger.UserID) (ledger.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok || w.UserID != userID {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	if !w.Deletable {
		return ledger.Wallet{}, ledger.ErrWalletNotDeletable
	}
	delete(m.wallets, id)
	return w, nil
}

// ApplyDelta is atomic under the store mutex.
func (m *Memory) ApplyDelta(_ context.Context, id ledger.WalletID, userID ledger.UserID, delta ledger.Aggregates, at *time.Time) (ledger.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok || w.UserID != userID {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	w.Aggregates = w.Aggregates.Add(delta)
	w.LastOperationDate = ledger.LaterOf(w.LastOperationDate, at)
	m.wallets[id] = w
	return cloneWallet(w), nil
}

func (m *Memory) SaveAggregates(_ context.Context, id ledger.WalletID, userID ledger.UserID, agg ledger.Aggregates, calculatedAt time.Time, lastOperation *time.Time) (ledger.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok || w.UserID != userID {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	w.Aggregates = agg
	w.LastOperationDate = ledger.LaterOf(w.LastOperationDate, lastOperation)
	calc := calculatedAt
	w.LastCalculateDate = &calc
	m.wallets[id] = w
	return cloneWallet(w), nil
}

func (m *Memory) ListStale(_ context.Context, cutoff time.Time, limit int) ([]ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Wallet
	for _, w := range m.wallets {
		if w.LastCalculateDate == nil || !w.LastCalculateDate.After(cutoff) {
			result = append(result, cloneWallet(w))
		}
	}
	// Never-reconciled wallets first, then oldest pass first.
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].LastCalculateDate, result[j].LastCalculateDate
		switch {
		case a == nil && b == nil:
			return result[i].ID < result[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// =============================================================================
// OPERATIONS
// =============================================================================

func (m *Memory) CreateOperation(_ context.Context, op ledger.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.operations[op.ID]; ok {
		return ledger.ErrAlreadyExists
	}
	m.operations[op.ID] = op
	return nil
}

func (m *Memory) GetOperation(_ context.Context, id ledger.OperationID, userID ledger.UserID) (ledger.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.operations[id]
	if !ok || op.UserID != userID {
		return ledger.Operation{}, ledger.ErrOperationNotFound
	}
	return op, nil
}

func (m *Memory) UpdateOperation(_ context.Context, id ledger.OperationID, userID ledger.UserID, fn ledger.OperationUpdate) (ledger.Operation, ledger.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.operations[id]
	if !ok || prev.UserID != userID {
		return ledger.Operation{}, ledger.Operation{}, ledger.ErrOperationNotFound
	}
	next := prev
	if err := fn(&next); err != nil {
		return ledger.Operation{}, ledger.Operation{}, err
	}
	// Identity and ownership are fixed.
	next.ID, next.UserID, next.WalletID = prev.ID, prev.UserID, prev.WalletID
	m.operations[id] = next
	return prev, next, nil
}

func (m *Memory) DeleteOperation(_ context.Context, id ledger.OperationID, userID ledger.UserID) (ledger.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operations[id]
	if !ok || op.UserID != userID {
		return ledger.Operation{}, ledger.ErrOperationNotFound
	}
	delete(m.operations, id)
	return op, nil
}

func (m *Memory) ListOperations(_ context.Context, userID ledger.UserID, filter ledger.OperationFilter) ([]ledger.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []ledger.Operation{}
	for _, op := range m.operations {
		if op.UserID == userID && filter.Matches(op) {
			result = append(result, op)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if filter.Offset >= len(result) {
		return []ledger.Operation{}, nil
	}
	result = result[max(filter.Offset, 0):]
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *Memory) DeleteOperations(_ context.Context, userID ledger.UserID, walletID ledger.WalletID) ([]ledger.WalletID, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		affected []ledger.WalletID
		seen     = make(map[ledger.WalletID]bool)
		deleted  int64
	)
	for id, op := range m.operations {
		if op.UserID != userID || (walletID != "" && op.WalletID != walletID) {
			continue
		}
		delete(m.operations, id)
		deleted++
		if !seen[op.WalletID] {
			seen[op.WalletID] = true
			affected = append(affected, op.WalletID)
		}
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i] < affected[j] })
	return affected, deleted, nil
}

func (m *Memory) SumByGroup(_ context.Context, userID ledger.UserID, walletIDs []ledger.WalletID) ([]ledger.GroupSum, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var filter map[ledger.WalletID]bool
	if len(walletIDs) > 0 {
		filter = make(map[ledger.WalletID]bool, len(walletIDs))
		for _, id := range walletIDs {
			filter[id] = true
		}
	}

	var ops []ledger.Operation
	for _, op := range m.operations {
		if op.UserID != userID {
			continue
		}
		if filter != nil && !filter[op.WalletID] {
			continue
		}
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if a.WalletID != b.WalletID {
			return a.WalletID < b.WalletID
		}
		if a.State != b.State {
			return a.State < b.State
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.ID < b.ID
	})

	acc := ledger.NewGroupAccumulator()
	for _, op := range ops {
		acc.Add(ledger.GroupKey{WalletID: op.WalletID, State: op.State, Type: op.Type}, op.Cost, op.CreatedAt)
	}
	return acc.Sums(), nil
}

// Operations returns a copy of every stored operation of the user.
func (m *Memory) Operations(userID ledger.UserID) []ledger.Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Operation
	for _, op := range m.operations {
		if op.UserID == userID {
			result = append(result, op)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func cloneWallet(w ledger.Wallet) ledger.Wallet {
	if w.LastOperationDate != nil {
		t := *w.LastOperationDate
		w.LastOperationDate = &t
	}
	if w.LastCalculateDate != nil {
		t := *w.LastCalculateDate
		w.LastCalculateDate = &t
	}
	return w
}
