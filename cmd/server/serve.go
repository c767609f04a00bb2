package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/wallet-ledger/api"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/operations"
	"github.com/warp/wallet-ledger/wallets"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("port", 0, "HTTP server port (overrides http.port)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API. Stale wallets are rebuilt in the background on read
and by the periodic sweeper. On SIGINT/SIGTERM the server stops accepting
connections, waits up to 30s for active requests, drains the reconciliation
queue, then closes the store.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.HTTP.Port = port
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	l := ledger.New(st, cfg.LedgerOptions())
	l.Start(context.Background())

	handler := api.NewHandler(l, operations.NewService(st, l), wallets.NewService(st))
	if p, ok := st.Store.(api.Pinger); ok {
		handler.Pinger = p
	}
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Metrics:        cfg.Metrics.Enabled,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout.Duration,
		WriteTimeout: cfg.HTTP.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	failed := make(chan error, 1)
	go func() {
		log.Printf("Server starting on http://localhost:%d (store=%s, mode=%s)", cfg.HTTP.Port, cfg.Store.Driver, l.Mode())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-failed:
		l.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shutdownErr := server.Shutdown(ctx)
	l.Stop()
	if shutdownErr != nil {
		return fmt.Errorf("server forced to shutdown: %w", shutdownErr)
	}

	log.Println("Server stopped")
	return nil
}
