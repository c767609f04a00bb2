package ledger

import (
	"context"
	"time"
)

// Mutator applies calculator deltas to stored wallets. It holds no state of
// its own; atomicity comes from WalletStore.ApplyDelta.
type Mutator struct {
	wallets WalletStore
}

func NewMutator(wallets WalletStore) *Mutator {
	return &Mutator{wallets: wallets}
}

// Apply adds delta to the wallet in one atomic store call. at is the
// triggering operation's CreatedAt for create and update events and nil for
// removals, which leave LastOperationDate untouched.
//
// A zero delta still reaches the store so that at is recorded and a missing
// wallet is reported.
func (m *Mutator) Apply(ctx context.Context, walletID WalletID, userID UserID, delta Aggregates, at *time.Time) (Wallet, error) {
	return m.wallets.ApplyDelta(ctx, walletID, userID, delta, at)
}
