/*
Package config loads server configuration.

PRECEDENCE (later wins):
  1. Defaults
  2. TOML file, if a path is given
  3. .env file in the working directory, if present
  4. LEDGER_* environment variables

Example file:

	[http]
	port = 8080
	allowed_origins = ["http://localhost:5173"]

	[store]
	driver = "sqlite"
	path = "ledger.db"

	[ledger]
	stale_after = "1h"
	reconcile_mode = "background"
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/warp/wallet-ledger/ledger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Duration is a time.Duration that decodes from strings like "90s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	HTTP    HTTP    `toml:"http"`
	Store   Store   `toml:"store"`
	Ledger  Ledger  `toml:"ledger"`
	Metrics Metrics `toml:"metrics"`
}

type HTTP struct {
	Port           int      `toml:"port"`
	ReadTimeout    Duration `toml:"read_timeout"`
	WriteTimeout   Duration `toml:"write_timeout"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type Store struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

type Ledger struct {
	StaleAfter    Duration `toml:"stale_after"`
	ReconcileMode string   `toml:"reconcile_mode"`
	Workers       int      `toml:"workers"`
	QueueSize     int      `toml:"queue_size"`
	SweepInterval Duration `toml:"sweep_interval"`
	QueryTimeout  Duration `toml:"query_timeout"`
}

type Metrics struct {
	Enabled bool `toml:"enabled"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		HTTP: HTTP{
			Port:           8080,
			ReadTimeout:    Duration{15 * time.Second},
			WriteTimeout:   Duration{15 * time.Second},
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Store: Store{
			Driver: DriverSQLite,
			Path:   "ledger.db",
		},
		Ledger: Ledger{
			StaleAfter:    Duration{ledger.DefaultStaleAfter},
			ReconcileMode: string(ledger.ModeBackground),
			Workers:       ledger.DefaultWorkers,
			QueueSize:     ledger.DefaultQueueSize,
			SweepInterval: Duration{10 * time.Minute},
			QueryTimeout:  Duration{ledger.DefaultQueryTimeout},
		},
		Metrics: Metrics{Enabled: true},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := os.LookupEnv(key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}

	num("LEDGER_HTTP_PORT", &c.HTTP.Port)
	if v, ok := os.LookupEnv("LEDGER_HTTP_ALLOWED_ORIGINS"); ok {
		c.HTTP.AllowedOrigins = splitList(v)
	}
	str("LEDGER_STORE_DRIVER", &c.Store.Driver)
	str("LEDGER_STORE_PATH", &c.Store.Path)
	str("LEDGER_STORE_DSN", &c.Store.DSN)
	dur("LEDGER_STALE_AFTER", &c.Ledger.StaleAfter)
	str("LEDGER_RECONCILE_MODE", &c.Ledger.ReconcileMode)
	num("LEDGER_WORKERS", &c.Ledger.Workers)
	num("LEDGER_QUEUE_SIZE", &c.Ledger.QueueSize)
	dur("LEDGER_SWEEP_INTERVAL", &c.Ledger.SweepInterval)
	dur("LEDGER_QUERY_TIMEOUT", &c.Ledger.QueryTimeout)
	if v, ok := os.LookupEnv("LEDGER_METRICS_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("LEDGER_METRICS_ENABLED: %w", err))
		} else {
			c.Metrics.Enabled = b
		}
	}

	return errors.Join(errs...)
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if !ledger.ReconcileMode(c.Ledger.ReconcileMode).Valid() {
		return fmt.Errorf("unknown reconcile mode %q", c.Ledger.ReconcileMode)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTP.Port)
	}
	if c.Ledger.StaleAfter.Duration < 0 || c.Ledger.SweepInterval.Duration < 0 {
		return errors.New("ledger durations must not be negative")
	}
	return nil
}

// LedgerOptions maps the [ledger] section onto ledger.Options.
func (c Config) LedgerOptions() ledger.Options {
	return ledger.Options{
		StaleAfter:    c.Ledger.StaleAfter.Duration,
		Mode:          ledger.ReconcileMode(c.Ledger.ReconcileMode),
		Workers:       c.Ledger.Workers,
		QueueSize:     c.Ledger.QueueSize,
		SweepInterval: c.Ledger.SweepInterval.Duration,
		QueryTimeout:  c.Ledger.QueryTimeout.Duration,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
