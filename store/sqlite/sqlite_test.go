package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/ledger/storetest"
	"github.com/warp/wallet-ledger/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store {
		return newTestStore(t)
	})
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	// GIVEN: a file-backed store with a wallet
	// WHEN: the store is closed and reopened
	// THEN: the wallet and its figures are still there, schema migration is idempotent

	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	store, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, store.CreateWallet(ctx, ledger.Wallet{
		ID: "w-1", UserID: "u-1", Name: "Cash", Kind: ledger.KindMoney,
		Creator: ledger.CreatorBase,
	}))
	_, err = store.ApplyDelta(ctx, "w-1", "u-1", ledger.Aggregates{Balance: decimal.RequireFromString("12.34")}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	require.NoError(t, reopened.Ping(ctx))
	w, err := reopened.GetWallet(ctx, "w-1", "u-1")
	require.NoError(t, err)
	assert.False(t, w.Deletable)
	assert.Equal(t, "12.34", w.Balance.String())
}
