/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the wallet ledger. Handles configuration and
  store selection. Each subcommand wires its own dependencies.

COMMANDS:
  serve       Run the HTTP API with background reconciliation
  reconcile   Rebuild one user's wallets from their operations and exit

GLOBAL FLAGS:
  --config    TOML file (optional). See config/config.go for precedence.
  --db        Shortcut for store.path with the sqlite driver

EXAMPLES:
  # Run with file database
  ./server serve --db ./data/ledger.db

  # Run with in-memory store
  LEDGER_STORE_DRIVER=memory ./server serve

  # Repair one user's wallets
  ./server reconcile --user u-42 --wallet w-1 --wallet w-2

SEE ALSO:
  - serve.go, reconcile.go: Subcommands
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/wallet-ledger/config"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/ledger/store"
	"github.com/warp/wallet-ledger/store/postgres"
	"github.com/warp/wallet-ledger/store/sqlite"
)

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Wallet balance ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides store.path)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig applies the global flags on top of config.Load.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.Path = db
	}
	return cfg, nil
}

// openedStore pairs a ledger store with its shutdown hook.
type openedStore struct {
	ledger.Store
	close func() error
}

func (s openedStore) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func openStore(cfg config.Store) (openedStore, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return openedStore{}, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
		}
		log.Printf("[Store] Using SQLite at %s", cfg.Path)
		return openedStore{Store: s, close: s.Close}, nil
	case config.DriverPostgres:
		s, err := postgres.New(cfg.DSN)
		if err != nil {
			return openedStore{}, fmt.Errorf("open postgres: %w", err)
		}
		log.Printf("[Store] Using PostgreSQL")
		return openedStore{Store: s, close: s.Close}, nil
	case config.DriverMemory:
		log.Printf("[Store] Using in-memory store, data is lost on exit")
		return openedStore{Store: store.NewMemory()}, nil
	default:
		return openedStore{}, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
