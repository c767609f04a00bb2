/*
ledger.go - The wallet ledger facade

PURPOSE:
  What the rest of the system talks to. Two surfaces:

  LIFECYCLE HANDLERS (called by the operation service after each write):
    OnOperationCreated, OnOperationRemoved, OnOperationCostChanged,
    OnOperationTypeChanged, OnOperationStateChanged

    Each computes one delta and applies it atomically. The returned error is
    informational: the caller logs it and still reports its own write as
    successful. A missing wallet is an expected outcome, not a fault.

  READ PATHS (called by the API layer):
    GetWallet, ListWallets, ForceReconcile

    Every read checks the staleness policy. In background mode a stale
    wallet is queued for reconciliation and the cached snapshot is returned.
    In inline mode the read reconciles first and falls back to the snapshot
    if that fails.

SEE ALSO:
  - delta.go: the arithmetic
  - reconciler.go: the rebuild
  - background.go, sweeper.go: asynchronous rebuilds
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/wallet-ledger/metrics"
)

// ReconcileMode selects how read paths handle stale wallets.
type ReconcileMode string

const (
	ModeBackground ReconcileMode = "background"
	ModeInline     ReconcileMode = "inline"
)

func (m ReconcileMode) Valid() bool {
	switch m {
	case ModeBackground, ModeInline:
		return true
	default:
		return false
	}
}

// Options configures a Ledger. Zero values fall back to defaults.
type Options struct {
	StaleAfter    time.Duration
	Mode          ReconcileMode
	Workers       int
	QueueSize     int
	SweepInterval time.Duration // zero disables the sweeper
	QueryTimeout  time.Duration
	Now           func() time.Time
}

// Ledger keeps wallet aggregates consistent with operations.
type Ledger struct {
	store      Store
	mutator    *Mutator
	reconciler *Reconciler
	background *BackgroundReconciler
	sweeper    *Sweeper
	policy     StalenessPolicy
	mode       ReconcileMode
}

func New(store Store, opts Options) *Ledger {
	policy := NewStalenessPolicy(opts.StaleAfter)
	if opts.Now != nil {
		policy.Now = opts.Now
	}

	reconciler := NewReconciler(store)
	if opts.QueryTimeout > 0 {
		reconciler.QueryTimeout = opts.QueryTimeout
	}
	if opts.Now != nil {
		reconciler.Now = opts.Now
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeBackground
	}

	bg := NewBackgroundReconciler(reconciler, opts.Workers, opts.QueueSize)

	return &Ledger{
		store:      store,
		mutator:    NewMutator(store),
		reconciler: reconciler,
		background: bg,
		sweeper:    NewSweeper(store, bg, policy, opts.SweepInterval),
		policy:     policy,
		mode:       mode,
	}
}

// Start launches the background workers and the sweeper.
func (l *Ledger) Start(ctx context.Context) {
	l.background.Start(ctx)
	l.sweeper.Start()
}

// Stop halts the sweeper, then drains the background queue.
func (l *Ledger) Stop() {
	l.sweeper.Stop()
	l.background.Stop()
}

func (l *Ledger) Background() *BackgroundReconciler { return l.background }
func (l *Ledger) Sweeper() *Sweeper                 { return l.sweeper }
func (l *Ledger) Mode() ReconcileMode               { return l.mode }

// =============================================================================
// LIFECYCLE HANDLERS
// =============================================================================

func (l *Ledger) OnOperationCreated(ctx context.Context, op Operation) (Wallet, error) {
	delta, err := CreateDelta(op)
	if err != nil {
		return l.rejected("created", op, err)
	}
	return l.apply(ctx, "created", op, delta, activity(op))
}

// OnOperationRemoved subtracts the operation's contribution. LastOperationDate
// is left alone.
func (l *Ledger) OnOperationRemoved(ctx context.Context, op Operation) (Wallet, error) {
	delta, err := RemoveDelta(op)
	if err != nil {
		return l.rejected("removed", op, err)
	}
	return l.apply(ctx, "removed", op, delta, nil)
}

// OnOperationCostChanged expects op to carry the new cost.
func (l *Ledger) OnOperationCostChanged(ctx context.Context, op Operation, previousCost decimal.Decimal) (Wallet, error) {
	if op.Cost.Equal(previousCost) {
		return l.unchanged("cost_changed")
	}
	delta, err := CostChangeDelta(op, previousCost)
	if err != nil {
		return l.rejected("cost_changed", op, err)
	}
	return l.apply(ctx, "cost_changed", op, delta, activity(op))
}

// OnOperationTypeChanged expects op to carry the new type.
func (l *Ledger) OnOperationTypeChanged(ctx context.Context, op Operation, previousType Type) (Wallet, error) {
	if op.Type == previousType {
		return l.unchanged("type_changed")
	}
	delta, err := TypeChangeDelta(op, previousType)
	if err != nil {
		return l.rejected("type_changed", op, err)
	}
	return l.apply(ctx, "type_changed", op, delta, activity(op))
}

// OnOperationStateChanged expects op to carry the new state.
func (l *Ledger) OnOperationStateChanged(ctx context.Context, op Operation, previousState State) (Wallet, error) {
	if op.State == previousState {
		return l.unchanged("state_changed")
	}
	delta, err := StateChangeDelta(op, previousState)
	if err != nil {
		return l.rejected("state_changed", op, err)
	}
	return l.apply(ctx, "state_changed", op, delta, activity(op))
}

func (l *Ledger) apply(ctx context.Context, event string, op Operation, delta Aggregates, at *time.Time) (Wallet, error) {
	w, err := l.mutator.Apply(ctx, op.WalletID, op.UserID, delta, at)
	switch {
	case err == nil:
		metrics.IncrementalUpdates.WithLabelValues(event, metrics.ResultOK).Inc()
		return w, nil
	case errors.Is(err, ErrWalletNotFound):
		metrics.IncrementalUpdates.WithLabelValues(event, metrics.ResultNotFound).Inc()
		log.Printf("[Ledger] Wallet %s not found, %s update for operation %s skipped", op.WalletID, event, op.ID)
		return Wallet{}, err
	default:
		metrics.IncrementalUpdates.WithLabelValues(event, metrics.ResultError).Inc()
		log.Printf("[Ledger] Failed to apply %s update for operation %s to wallet %s: %v", event, op.ID, op.WalletID, err)
		return Wallet{}, fmt.Errorf("apply %s delta: %w", event, err)
	}
}

func (l *Ledger) rejected(event string, op Operation, err error) (Wallet, error) {
	metrics.IncrementalUpdates.WithLabelValues(event, metrics.ResultError).Inc()
	log.Printf("[Ledger] Rejected %s update for operation %s: %v", event, op.ID, err)
	return Wallet{}, err
}

func (l *Ledger) unchanged(event string) (Wallet, error) {
	metrics.IncrementalUpdates.WithLabelValues(event, metrics.ResultNoChange).Inc()
	return Wallet{}, ErrNoChange
}

func activity(op Operation) *time.Time {
	if op.CreatedAt.IsZero() {
		return nil
	}
	t := op.CreatedAt
	return &t
}

// =============================================================================
// READ PATHS
// =============================================================================

// GetWallet returns the wallet, reconciling it first in inline mode when
// stale. Returns ErrWalletNotFound when it does not exist.
func (l *Ledger) GetWallet(ctx context.Context, id WalletID, userID UserID) (Wallet, error) {
	w, err := l.store.GetWallet(ctx, id, userID)
	if err != nil {
		return Wallet{}, err
	}
	out := l.refreshStale(ctx, userID, []Wallet{w})
	return out[0], nil
}

// ListWallets returns every wallet of the user, batching stale ones into a
// single reconciliation.
func (l *Ledger) ListWallets(ctx context.Context, userID UserID) ([]Wallet, error) {
	ws, err := l.store.ListWallets(ctx, userID)
	if err != nil {
		return nil, err
	}
	return l.refreshStale(ctx, userID, ws), nil
}

// ForceReconcile rebuilds the given wallets, or every wallet of the user
// when walletIDs is empty, and waits for the result. Unlike the read paths
// it reports reconciliation failures to the caller.
func (l *Ledger) ForceReconcile(ctx context.Context, userID UserID, walletIDs []WalletID) ([]Wallet, error) {
	started := time.Now()
	ws, err := l.reconciler.Reconcile(ctx, userID, walletIDs)
	metrics.ObserveReconcile(metrics.TriggerForce, started, len(ws), err)
	if err != nil {
		log.Printf("[Ledger] Forced reconciliation for user %s failed: %v", userID, err)
		return nil, err
	}
	return ws, nil
}

// IsStale reports whether cached aggregates are past the staleness window.
func (l *Ledger) IsStale(w Wallet) bool {
	return l.policy.IsStale(w)
}

func (l *Ledger) refreshStale(ctx context.Context, userID UserID, ws []Wallet) []Wallet {
	var stale []WalletID
	for _, w := range ws {
		if l.policy.IsStale(w) {
			stale = append(stale, w.ID)
		}
	}
	if len(stale) == 0 {
		return ws
	}
	metrics.StaleReads.Add(float64(len(stale)))

	if l.mode == ModeBackground {
		l.background.Enqueue(Job{UserID: userID, WalletIDs: stale, Trigger: metrics.TriggerRead})
		return ws
	}

	started := time.Now()
	fresh, err := l.reconciler.Reconcile(ctx, userID, stale)
	metrics.ObserveReconcile(metrics.TriggerInline, started, len(fresh), err)
	if err != nil {
		log.Printf("[Ledger] Inline reconciliation for user %s failed, serving cached snapshot: %v", userID, err)
		return ws
	}

	byID := make(map[WalletID]Wallet, len(fresh))
	for _, w := range fresh {
		byID[w.ID] = w
	}
	out := make([]Wallet, len(ws))
	for i, w := range ws {
		if f, ok := byID[w.ID]; ok {
			out[i] = f
		} else {
			out[i] = w
		}
	}
	return out
}
