/*
reconciler.go - Full recomputation of wallet aggregates

PURPOSE:
  The correctness backstop. Incremental deltas can be missed (wallet update
  failed after the operation was written) or interleave badly under
  concurrency. Reconciliation ignores the cached figures and rebuilds them
  from the operation log.

ALGORITHM:
  1. Load the target wallets (every wallet of the user when no ids given)
  2. One grouped query: SUM(cost) by (wallet, state, type), scoped to the
     user and the target ids
  3. Start every wallet at zero and add each group total via Contribution
  4. Stamp LastCalculateDate = now on every target wallet, including wallets
     with no operations
  5. Overwrite the figures with SaveAggregates

  Step 3 starts from zero, not from the cached figures, so repeated or
  concurrent passes over the same data converge to the same result.

SEE ALSO:
  - delta.go: Contribution, the shared field table
  - background.go: asynchronous passes
*/
package ledger

import (
	"context"
	"log"
	"time"
)

// DefaultQueryTimeout bounds one reconciliation pass.
const DefaultQueryTimeout = 30 * time.Second

// Reconciler rebuilds wallet aggregates from grouped operation sums.
type Reconciler struct {
	store        Store
	QueryTimeout time.Duration
	Now          func() time.Time
}

func NewReconciler(store Store) *Reconciler {
	return &Reconciler{
		store:        store,
		QueryTimeout: DefaultQueryTimeout,
		Now:          time.Now,
	}
}

// Reconcile recomputes the given wallets of userID, or all of them when
// walletIDs is empty. Unknown ids are skipped. Returns the rewritten wallets
// in load order.
func (r *Reconciler) Reconcile(ctx context.Context, userID UserID, walletIDs []WalletID) ([]Wallet, error) {
	if r.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.QueryTimeout)
		defer cancel()
	}

	targets, err := r.loadTargets(ctx, userID, walletIDs)
	if err != nil {
		return nil, &ReconcileError{UserID: userID, WalletIDs: walletIDs, Stage: "load", Err: err}
	}
	if len(targets) == 0 {
		return []Wallet{}, nil
	}

	ids := make([]WalletID, len(targets))
	for i, w := range targets {
		ids[i] = w.ID
	}

	// Scope the query to explicit ids only; an empty filter already means
	// every wallet of the user.
	var filter []WalletID
	if len(walletIDs) > 0 {
		filter = ids
	}
	groups, err := r.store.SumByGroup(ctx, userID, filter)
	if err != nil {
		return nil, &ReconcileError{UserID: userID, WalletIDs: ids, Stage: "aggregate", Err: err}
	}

	totals := make(map[WalletID]Aggregates, len(targets))
	lastOp := make(map[WalletID]*time.Time, len(targets))
	for _, w := range targets {
		totals[w.ID] = Aggregates{}
	}
	for _, g := range groups {
		current, ok := totals[g.WalletID]
		if !ok {
			continue
		}
		c, err := Contribution(g.State, g.Type, g.Total)
		if err != nil {
			return nil, &ReconcileError{UserID: userID, WalletIDs: ids, Stage: "aggregate", Err: err}
		}
		totals[g.WalletID] = current.Add(c)
		if !g.LastCreatedAt.IsZero() {
			at := g.LastCreatedAt
			lastOp[g.WalletID] = LaterOf(lastOp[g.WalletID], &at)
		}
	}

	now := r.now().UTC()
	out := make([]Wallet, 0, len(targets))
	for _, w := range targets {
		saved, err := r.store.SaveAggregates(ctx, w.ID, userID, totals[w.ID], now, lastOp[w.ID])
		if err != nil {
			if IsNotFound(err) {
				// Deleted since load.
				continue
			}
			return out, &ReconcileError{UserID: userID, WalletIDs: ids, Stage: "save", Err: err}
		}
		out = append(out, saved)
	}

	log.Printf("[Reconciler] user %s: %d wallets rebuilt from %d groups", userID, len(out), len(groups))
	return out, nil
}

func (r *Reconciler) loadTargets(ctx context.Context, userID UserID, walletIDs []WalletID) ([]Wallet, error) {
	if len(walletIDs) == 0 {
		return r.store.ListWallets(ctx, userID)
	}

	seen := make(map[WalletID]bool, len(walletIDs))
	out := make([]Wallet, 0, len(walletIDs))
	for _, id := range walletIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		w, err := r.store.GetWallet(ctx, id, userID)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}
