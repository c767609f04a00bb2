package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/ledger/storetest"
	"github.com/warp/wallet-ledger/store/postgres"
)

// Runs only against a disposable database, e.g.
// LEDGER_TEST_POSTGRES_DSN="host=localhost user=postgres password=postgres dbname=ledger_test sslmode=disable"
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_POSTGRES_DSN not set")
	}

	store, err := postgres.New(dsn)
	require.NoError(t, err)
	require.NoError(t, store.Truncate(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore(t *testing.T) {
	if os.Getenv("LEDGER_TEST_POSTGRES_DSN") == "" {
		t.Skip("LEDGER_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) ledger.Store {
		return newTestStore(t)
	})
}
