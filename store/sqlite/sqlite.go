/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Durable storage for wallets and operations. The default store of the
  server; store/postgres is the production alternative.

KEY TABLES:
  wallets:     Cached aggregates plus wallet metadata
  operations:  The operation log the reconciler sums over

MONEY:
  Amounts are stored as decimal TEXT and never summed by SQLite, whose
  SUM() works in floating point. Every arithmetic step happens in Go with
  shopspring/decimal:
  - ApplyDelta reads, adds and writes the row inside one transaction
  - SumByGroup scans ordered rows and folds them per (wallet, state, type)

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so that string comparison in
  SQL orders them chronologically.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. Read-modify-write paths hold the
  write lock for the whole transaction, which makes ApplyDelta atomic per
  wallet.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store, ledger.Options{})

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/wallet-ledger/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ ledger.Store = (*Store)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		creator TEXT NOT NULL,
		deletable INTEGER NOT NULL DEFAULT 1,
		balance TEXT NOT NULL DEFAULT '0',
		all_income_sum TEXT NOT NULL DEFAULT '0',
		all_consumption_sum TEXT NOT NULL DEFAULT '0',
		planning_income TEXT NOT NULL DEFAULT '0',
		planning_consumption TEXT NOT NULL DEFAULT '0',
		last_operation_date TEXT,
		last_calculate_date TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wallets_user
		ON wallets(user_id, created_at);

	-- Sweeper scan
	CREATE INDEX IF NOT EXISTS idx_wallets_last_calculate
		ON wallets(last_calculate_date);

	-- Operations reference wallets by id only: a wallet may be deleted while
	-- its operations are still being processed.
	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		cost TEXT NOT NULL,
		op_type TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Reconciliation grouped scan (hot path)
	CREATE INDEX IF NOT EXISTS idx_operations_user_group
		ON operations(user_id, wallet_id, state, op_type);

	CREATE INDEX IF NOT EXISTS idx_operations_user_created
		ON operations(user_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// WALLETS
// =============================================================================

const walletColumns = `id, user_id, name, kind, creator, deletable,
	balance, all_income_sum, all_consumption_sum, planning_income, planning_consumption,
	last_operation_date, last_calculate_date, created_at`

func (s *Store) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO wallets (` + walletColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		w.ID, w.UserID, w.Name, w.Kind, w.Creator, w.Deletable,
		w.Balance.String(), w.AllIncomeSum.String(), w.AllConsumptionSum.String(),
		w.PlanningIncome.String(), w.PlanningConsumption.String(),
		formatNullTime(w.LastOperationDate), formatNullTime(w.LastCalculateDate),
		formatTime(w.CreatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return ledger.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

func (s *Store) GetWallet(ctx context.Context, id ledger.WalletID, userID ledger.UserID) (ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getWallet(ctx, s.db, id, userID)
}

func (s *Store) ListWallets(ctx context.Context, userID ledger.UserID) ([]ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + walletColumns + ` FROM wallets
		WHERE user_id = ?
		ORDER BY created_at ASC, id ASC`

	return queryWallets(ctx, s.db, query, userID)
}

func (s *Store) DeleteWallet(ctx context.Context, id ledger.WalletID, userID ledger.UserID) (ledger.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := getWallet(ctx, s.db, id, userID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	if !w.Deletable {
		return ledger.Wallet{}, ledger.ErrWalletNotDeletable
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM wallets WHERE id = ? AND user_id = ?", id, userID); err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to delete wallet: %w", err)
	}
	return w, nil
}

// ApplyDelta adds delta to the stored figures as one read-modify-write
// transaction under the write lock.
func (s *Store) ApplyDelta(ctx context.Context, id ledger.WalletID, userID ledger.UserID, delta ledger.Aggregates, at *time.Time) (ledger.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rewriteWallet(ctx, id, userID, func(w *ledger.Wallet) {
		w.Aggregates = w.Aggregates.Add(delta)
		w.LastOperationDate = ledger.LaterOf(w.LastOperationDate, at)
	})
}

func (s *Store) SaveAggregates(ctx context.Context, id ledger.WalletID, userID ledger.UserID, agg ledger.Aggregates, calculatedAt time.Time, lastOperation *time.Time) (ledger.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rewriteWallet(ctx, id, userID, func(w *ledger.Wallet) {
		w.Aggregates = agg
		w.LastOperationDate = ledger.LaterOf(w.LastOperationDate, lastOperation)
		calc := calculatedAt
		w.LastCalculateDate = &calc
	})
}

// rewriteWallet loads, mutates and saves one wallet row in a transaction.
// Callers hold s.mu.
func (s *Store) rewriteWallet(ctx context.Context, id ledger.WalletID, userID ledger.UserID, fn func(w *ledger.Wallet)) (ledger.Wallet, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	w, err := getWallet(ctx, sqlTx, id, userID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	fn(&w)

	query := `UPDATE wallets SET
		balance = ?, all_income_sum = ?, all_consumption_sum = ?,
		planning_income = ?, planning_consumption = ?,
		last_operation_date = ?, last_calculate_date = ?
		WHERE id = ? AND user_id = ?`

	_, err = sqlTx.ExecContext(ctx, query,
		w.Balance.String(), w.AllIncomeSum.String(), w.AllConsumptionSum.String(),
		w.PlanningIncome.String(), w.PlanningConsumption.String(),
		formatNullTime(w.LastOperationDate), formatNullTime(w.LastCalculateDate),
		id, userID,
	)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to update wallet: %w", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to commit wallet update: %w", err)
	}
	return w, nil
}

func (s *Store) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	query := `SELECT ` + walletColumns + ` FROM wallets
		WHERE last_calculate_date IS NULL OR last_calculate_date <= ?
		ORDER BY last_calculate_date IS NOT NULL, last_calculate_date ASC, id ASC
		LIMIT ?`

	return queryWallets(ctx, s.db, query, formatTime(cutoff), limit)
}

func getWallet(ctx context.Context, q querier, id ledger.WalletID, userID ledger.UserID) (ledger.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = ? AND user_id = ?`

	w, err := scanWallet(q.QueryRowContext(ctx, query, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	return w, err
}

func queryWallets(ctx context.Context, q querier, query string, args ...any) ([]ledger.Wallet, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer rows.Close()

	wallets := []ledger.Wallet{}
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanWallet(row scanner) (ledger.Wallet, error) {
	var (
		w                            ledger.Wallet
		balance, income, consumption string
		planIncome, planConsumption  string
		lastOperation, lastCalculate sql.NullString
		createdAt                    string
	)

	err := row.Scan(
		&w.ID, &w.UserID, &w.Name, &w.Kind, &w.Creator, &w.Deletable,
		&balance, &income, &consumption, &planIncome, &planConsumption,
		&lastOperation, &lastCalculate, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return w, err
		}
		return w, fmt.Errorf("failed to scan wallet: %w", err)
	}

	if w.Aggregates, err = parseAggregates(balance, income, consumption, planIncome, planConsumption); err != nil {
		return w, err
	}
	w.LastOperationDate = parseNullTime(lastOperation)
	w.LastCalculateDate = parseNullTime(lastCalculate)
	w.CreatedAt = parseTime(createdAt)
	return w, nil
}

// =============================================================================
// OPERATIONS
// =============================================================================

const operationColumns = `id, wallet_id, user_id, title, cost, op_type, state, created_at, updated_at`

func (s *Store) CreateOperation(ctx context.Context, op ledger.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO operations (` + operationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		op.ID, op.WalletID, op.UserID, op.Title, op.Cost.String(),
		op.Type, op.State, formatTime(op.CreatedAt), formatTime(op.UpdatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return ledger.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create operation: %w", err)
	}
	return nil
}

func (s *Store) GetOperation(ctx context.Context, id ledger.OperationID, userID ledger.UserID) (ledger.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getOperation(ctx, s.db, id, userID)
}

// UpdateOperation runs fn inside a transaction under the write lock.
func (s *Store) UpdateOperation(ctx context.Context, id ledger.OperationID, userID ledger.UserID, fn ledger.OperationUpdate) (ledger.Operation, ledger.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Operation{}, ledger.Operation{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	prev, err := getOperation(ctx, sqlTx, id, userID)
	if err != nil {
		return ledger.Operation{}, ledger.Operation{}, err
	}

	next := prev
	if err := fn(&next); err != nil {
		return ledger.Operation{}, ledger.Operation{}, err
	}

	query := `UPDATE operations SET title = ?, cost = ?, op_type = ?, state = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`

	_, err = sqlTx.ExecContext(ctx, query,
		next.Title, next.Cost.String(), next.Type, next.State, formatTime(next.UpdatedAt),
		prev.ID, prev.UserID,
	)
	if err != nil {
		return ledger.Operation{}, ledger.Operation{}, fmt.Errorf("failed to update operation: %w", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return ledger.Operation{}, ledger.Operation{}, fmt.Errorf("failed to commit operation update: %w", err)
	}

	next.ID, next.UserID, next.WalletID, next.CreatedAt = prev.ID, prev.UserID, prev.WalletID, prev.CreatedAt
	return prev, next, nil
}

func (s *Store) DeleteOperation(ctx context.Context, id ledger.OperationID, userID ledger.UserID) (ledger.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, err := getOperation(ctx, s.db, id, userID)
	if err != nil {
		return ledger.Operation{}, err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM operations WHERE id = ? AND user_id = ?", id, userID); err != nil {
		return ledger.Operation{}, fmt.Errorf("failed to delete operation: %w", err)
	}
	return op, nil
}

// ListOperations filters in SQL. Timestamps are fixed-width UTC text, so
// range bounds compare as strings.
func (s *Store) ListOperations(ctx context.Context, userID ledger.UserID, filter ledger.OperationFilter) ([]ledger.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + operationColumns + ` FROM operations WHERE user_id = ?`
	args := []any{userID}
	if len(filter.WalletIDs) > 0 {
		query += ` AND wallet_id IN (` + placeholders(len(filter.WalletIDs)) + `)`
		for _, id := range filter.WalletIDs {
			args = append(args, id)
		}
	}
	if filter.Type != "" {
		query += ` AND op_type = ?`
		args = append(args, filter.Type)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, filter.State)
	}
	if filter.Title != "" {
		query += ` AND instr(lower(title), lower(?)) > 0`
		args = append(args, filter.Title)
	}
	if filter.From != nil {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		query += ` AND created_at <= ?`
		args = append(args, formatTime(*filter.To))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` ORDER BY created_at, id LIMIT ? OFFSET ?`
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	ops := []ledger.Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// DeleteOperations collects the affected wallets and deletes in one
// transaction.
func (s *Store) DeleteOperations(ctx context.Context, userID ledger.UserID, walletID ledger.WalletID) ([]ledger.WalletID, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	where := ` WHERE user_id = ?`
	args := []any{userID}
	if walletID != "" {
		where += ` AND wallet_id = ?`
		args = append(args, walletID)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	rows, err := sqlTx.QueryContext(ctx, `SELECT DISTINCT wallet_id FROM operations`+where+` ORDER BY wallet_id`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list affected wallets: %w", err)
	}
	var affected []ledger.WalletID
	for rows.Next() {
		var id ledger.WalletID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("failed to scan wallet id: %w", err)
		}
		affected = append(affected, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	res, err := sqlTx.ExecContext(ctx, `DELETE FROM operations`+where, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to delete operations: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return nil, 0, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit operation delete: %w", err)
	}
	return affected, deleted, nil
}

// SumByGroup scans the user's operations ordered by group and folds them in
// Go so that totals stay exact.
func (s *Store) SumByGroup(ctx context.Context, userID ledger.UserID, walletIDs []ledger.WalletID) ([]ledger.GroupSum, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT wallet_id, state, op_type, cost, created_at FROM operations WHERE user_id = ?`
	args := []any{userID}
	if len(walletIDs) > 0 {
		query += ` AND wallet_id IN (` + placeholders(len(walletIDs)) + `)`
		for _, id := range walletIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY wallet_id, state, op_type`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operation groups: %w", err)
	}
	defer rows.Close()

	acc := ledger.NewGroupAccumulator()
	for rows.Next() {
		var (
			key       ledger.GroupKey
			cost      string
			createdAt string
		)
		if err := rows.Scan(&key.WalletID, &key.State, &key.Type, &cost, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan operation group: %w", err)
		}
		c, err := decimal.NewFromString(cost)
		if err != nil {
			return nil, fmt.Errorf("invalid cost %q: %w", cost, err)
		}
		acc.Add(key, c, parseTime(createdAt))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return acc.Sums(), nil
}

func getOperation(ctx context.Context, q querier, id ledger.OperationID, userID ledger.UserID) (ledger.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE id = ? AND user_id = ?`

	op, err := scanOperation(q.QueryRowContext(ctx, query, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Operation{}, ledger.ErrOperationNotFound
	}
	return op, err
}

func scanOperation(row scanner) (ledger.Operation, error) {
	var (
		op                   ledger.Operation
		cost                 string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&op.ID, &op.WalletID, &op.UserID, &op.Title, &cost,
		&op.Type, &op.State, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Operation{}, err
	}
	if err != nil {
		return ledger.Operation{}, fmt.Errorf("failed to scan operation: %w", err)
	}

	if op.Cost, err = decimal.NewFromString(cost); err != nil {
		return ledger.Operation{}, fmt.Errorf("invalid cost %q: %w", cost, err)
	}
	op.CreatedAt = parseTime(createdAt)
	op.UpdatedAt = parseTime(updatedAt)
	return op, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseAggregates(balance, income, consumption, planIncome, planConsumption string) (ledger.Aggregates, error) {
	values := make([]decimal.Decimal, 5)
	for i, raw := range []string{balance, income, consumption, planIncome, planConsumption} {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return ledger.Aggregates{}, fmt.Errorf("invalid stored amount %q: %w", raw, err)
		}
		values[i] = v
	}
	return ledger.Aggregates{
		Balance:             values[0],
		AllIncomeSum:        values[1],
		AllConsumptionSum:   values[2],
		PlanningIncome:      values[3],
		PlanningConsumption: values[4],
	}, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
