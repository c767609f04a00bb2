package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/wallet-ledger/ledger"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, time.Hour, cfg.Ledger.StaleAfter.Duration)
	assert.Equal(t, string(ledger.ModeBackground), cfg.Ledger.ReconcileMode)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: a file that sets the store and ledger sections
	// AND: an environment variable overriding the mode
	// WHEN: the config is loaded
	// THEN: the environment wins over the file, the file wins over defaults

	path := writeFile(t, `
[http]
port = 9090
allowed_origins = ["https://app.example.com"]

[store]
driver = "memory"

[ledger]
stale_after = "15m"
reconcile_mode = "background"
workers = 4
sweep_interval = "0s"
`)
	t.Setenv("LEDGER_RECONCILE_MODE", "inline")
	t.Setenv("LEDGER_HTTP_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "inline", cfg.Ledger.ReconcileMode)

	opts := cfg.LedgerOptions()
	assert.Equal(t, 15*time.Minute, opts.StaleAfter)
	assert.Equal(t, ledger.ModeInline, opts.Mode)
	assert.Equal(t, 4, opts.Workers)
	assert.Zero(t, opts.SweepInterval)
	assert.Equal(t, ledger.DefaultQueryTimeout, opts.QueryTimeout)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("LEDGER_WORKERS", "many")
	t.Setenv("LEDGER_STALE_AFTER", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEDGER_WORKERS")
	assert.Contains(t, err.Error(), "LEDGER_STALE_AFTER")
}

func TestLoad_BadFile(t *testing.T) {
	_, err := Load(writeFile(t, `[ledger]
stale_after = "an hour"`))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, true},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, true},
		{"postgres with dsn", func(c *Config) {
			c.Store.Driver = DriverPostgres
			c.Store.DSN = "postgres://localhost/ledger"
		}, false},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, true},
		{"unknown mode", func(c *Config) { c.Ledger.ReconcileMode = "eager" }, true},
		{"bad port", func(c *Config) { c.HTTP.Port = 0 }, true},
		{"negative stale after", func(c *Config) { c.Ledger.StaleAfter = Duration{-time.Second} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
