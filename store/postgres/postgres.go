/*
Package postgres provides a PostgreSQL implementation of ledger.Store on GORM.

ATOMIC INCREMENT:
  ApplyDelta is a single statement,

	UPDATE wallets SET balance = balance + $1, ...,
	       last_operation_date = GREATEST(last_operation_date, $6)
	WHERE id = $7 AND user_id = $8 RETURNING *

  so concurrent deltas on one wallet serialize on the row lock and all land.
  No read-modify-write in Go.

RECONCILIATION:
  SumByGroup is a real GROUP BY (wallet_id, state, op_type) over NUMERIC
  columns; PostgreSQL sums decimals exactly.

MIGRATION:
  AutoMigrate on New().
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/wallet-ledger/ledger"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// =============================================================================
// ROW MODELS
// =============================================================================

type walletRow struct {
	ID                  string          `gorm:"primaryKey"`
	UserID              string          `gorm:"not null;index:idx_wallets_user,priority:1"`
	Name                string          `gorm:"not null"`
	Kind                string          `gorm:"not null"`
	Creator             string          `gorm:"not null"`
	Deletable           bool            `gorm:"not null"`
	Balance             decimal.Decimal `gorm:"type:numeric;not null;default:0"`
	AllIncomeSum        decimal.Decimal `gorm:"type:numeric;not null;default:0"`
	AllConsumptionSum   decimal.Decimal `gorm:"type:numeric;not null;default:0"`
	PlanningIncome      decimal.Decimal `gorm:"type:numeric;not null;default:0"`
	PlanningConsumption decimal.Decimal `gorm:"type:numeric;not null;default:0"`
	LastOperationDate   *time.Time
	LastCalculateDate   *time.Time `gorm:"index"`
	CreatedAt           time.Time  `gorm:"not null;autoCreateTime:false;index:idx_wallets_user,priority:2"`
}

func (walletRow) TableName() string { return "wallets" }

type operationRow struct {
	ID        string          `gorm:"primaryKey"`
	WalletID  string          `gorm:"not null;index:idx_operations_user_group,priority:2"`
	UserID    string          `gorm:"not null;index:idx_operations_user_group,priority:1"`
	Title     string          `gorm:"not null;default:''"`
	Cost      decimal.Decimal `gorm:"type:numeric;not null"`
	OpType    string          `gorm:"column:op_type;not null;index:idx_operations_user_group,priority:4"`
	State     string          `gorm:"not null;index:idx_operations_user_group,priority:3"`
	CreatedAt time.Time       `gorm:"not null;autoCreateTime:false"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime:false"`
}

func (operationRow) TableName() string { return "operations" }

type groupRow struct {
	WalletID      string
	State         string
	OpType        string
	Total         decimal.Decimal
	Count         int64
	LastCreatedAt time.Time
}

// =============================================================================
// STORE
// =============================================================================

// Store implements ledger.Store on PostgreSQL.
type Store struct {
	db *gorm.DB
}

var _ ledger.Store = (*Store)(nil)

// New connects with the given DSN and migrates the schema.
func New(dsn string) (*Store, error) {
	db, err := gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&walletRow{}, &operationRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Truncate empties both tables. Used by tests.
func (s *Store) Truncate(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec("TRUNCATE wallets, operations").Error
}

// =============================================================================
// WALLETS
// =============================================================================

func (s *Store) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	row := toWalletRow(w)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ledger.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

func (s *Store) GetWallet(ctx context.Context, id ledger.WalletID, userID ledger.UserID) (ledger.Wallet, error) {
	var row walletRow
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", string(id), string(userID)).
		Take(&row).Error
	if err != nil {
		return ledger.Wallet{}, walletErr(err)
	}
	return row.toWallet(), nil
}

func (s *Store) ListWallets(ctx context.Context, userID ledger.UserID) ([]ledger.Wallet, error) {
	var rows []walletRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", string(userID)).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	return toWallets(rows), nil
}

func (s *Store) DeleteWallet(ctx context.Context, id ledger.WalletID, userID ledger.UserID) (ledger.Wallet, error) {
	var deleted ledger.Wallet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row walletRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", string(id), string(userID)).
			Take(&row).Error
		if err != nil {
			return walletErr(err)
		}
		if !row.Deletable {
			return ledger.ErrWalletNotDeletable
		}
		if err := tx.Delete(&walletRow{}, "id = ?", row.ID).Error; err != nil {
			return fmt.Errorf("failed to delete wallet: %w", err)
		}
		deleted = row.toWallet()
		return nil
	})
	if err != nil {
		return ledger.Wallet{}, err
	}
	return deleted, nil
}

// ApplyDelta increments every figure in one UPDATE ... RETURNING.
func (s *Store) ApplyDelta(ctx context.Context, id ledger.WalletID, userID ledger.UserID, delta ledger.Aggregates, at *time.Time) (ledger.Wallet, error) {
	updates := map[string]any{
		"balance":              gorm.Expr("balance + ?", delta.Balance),
		"all_income_sum":       gorm.Expr("all_income_sum + ?", delta.AllIncomeSum),
		"all_consumption_sum":  gorm.Expr("all_consumption_sum + ?", delta.AllConsumptionSum),
		"planning_income":      gorm.Expr("planning_income + ?", delta.PlanningIncome),
		"planning_consumption": gorm.Expr("planning_consumption + ?", delta.PlanningConsumption),
	}
	if at != nil {
		// GREATEST ignores NULL, so the first operation sets the marker.
		updates["last_operation_date"] = gorm.Expr("GREATEST(last_operation_date, ?)", at.UTC())
	}
	return s.updateWallet(ctx, id, userID, updates)
}

func (s *Store) SaveAggregates(ctx context.Context, id ledger.WalletID, userID ledger.UserID, agg ledger.Aggregates, calculatedAt time.Time, lastOperation *time.Time) (ledger.Wallet, error) {
	updates := map[string]any{
		"balance":              agg.Balance,
		"all_income_sum":       agg.AllIncomeSum,
		"all_consumption_sum":  agg.AllConsumptionSum,
		"planning_income":      agg.PlanningIncome,
		"planning_consumption": agg.PlanningConsumption,
		"last_calculate_date":  calculatedAt.UTC(),
	}
	if lastOperation != nil {
		updates["last_operation_date"] = gorm.Expr("GREATEST(last_operation_date, ?)", lastOperation.UTC())
	}
	return s.updateWallet(ctx, id, userID, updates)
}

func (s *Store) updateWallet(ctx context.Context, id ledger.WalletID, userID ledger.UserID, updates map[string]any) (ledger.Wallet, error) {
	var row walletRow
	res := s.db.WithContext(ctx).
		Model(&row).
		Clauses(clause.Returning{}).
		Where("id = ? AND user_id = ?", string(id), string(userID)).
		Updates(updates)
	if res.Error != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to update wallet: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	return row.toWallet(), nil
}

func (s *Store) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Wallet, error) {
	q := s.db.WithContext(ctx).
		Where("last_calculate_date IS NULL OR last_calculate_date <= ?", cutoff.UTC()).
		Order("last_calculate_date ASC NULLS FIRST, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []walletRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list stale wallets: %w", err)
	}
	return toWallets(rows), nil
}

// =============================================================================
// OPERATIONS
// =============================================================================

func (s *Store) CreateOperation(ctx context.Context, op ledger.Operation) error {
	row := toOperationRow(op)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ledger.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create operation: %w", err)
	}
	return nil
}

func (s *Store) GetOperation(ctx context.Context, id ledger.OperationID, userID ledger.UserID) (ledger.Operation, error) {
	var row operationRow
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", string(id), string(userID)).
		Take(&row).Error
	if err != nil {
		return ledger.Operation{}, operationErr(err)
	}
	return row.toOperation(), nil
}

// UpdateOperation locks the row, applies fn and writes the mutable columns.
func (s *Store) UpdateOperation(ctx context.Context, id ledger.OperationID, userID ledger.UserID, fn ledger.OperationUpdate) (ledger.Operation, ledger.Operation, error) {
	var prev, next ledger.Operation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row operationRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", string(id), string(userID)).
			Take(&row).Error
		if err != nil {
			return operationErr(err)
		}

		prev = row.toOperation()
		next = prev
		if err := fn(&next); err != nil {
			return err
		}
		next.ID, next.UserID, next.WalletID, next.CreatedAt = prev.ID, prev.UserID, prev.WalletID, prev.CreatedAt

		return tx.Model(&operationRow{}).
			Where("id = ?", row.ID).
			Updates(map[string]any{
				"title":      next.Title,
				"cost":       next.Cost,
				"op_type":    string(next.Type),
				"state":      string(next.State),
				"updated_at": next.UpdatedAt.UTC(),
			}).Error
	})
	if err != nil {
		return ledger.Operation{}, ledger.Operation{}, err
	}
	return prev, next, nil
}

func (s *Store) DeleteOperation(ctx context.Context, id ledger.OperationID, userID ledger.UserID) (ledger.Operation, error) {
	var row operationRow
	res := s.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where("id = ? AND user_id = ?", string(id), string(userID)).
		Delete(&row)
	if res.Error != nil {
		return ledger.Operation{}, fmt.Errorf("failed to delete operation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ledger.Operation{}, ledger.ErrOperationNotFound
	}
	return row.toOperation(), nil
}

func (s *Store) ListOperations(ctx context.Context, userID ledger.UserID, filter ledger.OperationFilter) ([]ledger.Operation, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", string(userID))
	if len(filter.WalletIDs) > 0 {
		q = q.Where("wallet_id IN ?", walletIDStrings(filter.WalletIDs))
	}
	if filter.Type != "" {
		q = q.Where("op_type = ?", string(filter.Type))
	}
	if filter.State != "" {
		q = q.Where("state = ?", string(filter.State))
	}
	if filter.Title != "" {
		q = q.Where("strpos(lower(title), lower(?)) > 0", filter.Title)
	}
	if filter.From != nil {
		q = q.Where("created_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		q = q.Where("created_at <= ?", filter.To.UTC())
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var rows []operationRow
	if err := q.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	ops := make([]ledger.Operation, len(rows))
	for i, r := range rows {
		ops[i] = r.toOperation()
	}
	return ops, nil
}

// DeleteOperations reads the affected wallet ids and deletes in one
// transaction.
func (s *Store) DeleteOperations(ctx context.Context, userID ledger.UserID, walletID ledger.WalletID) ([]ledger.WalletID, int64, error) {
	var (
		ids     []string
		deleted int64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scope := func() *gorm.DB {
			q := tx.Model(&operationRow{}).Where("user_id = ?", string(userID))
			if walletID != "" {
				q = q.Where("wallet_id = ?", string(walletID))
			}
			return q
		}

		if err := scope().Distinct("wallet_id").Order("wallet_id").Pluck("wallet_id", &ids).Error; err != nil {
			return err
		}
		res := scope().Delete(&operationRow{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to delete operations: %w", err)
	}

	affected := make([]ledger.WalletID, len(ids))
	for i, id := range ids {
		affected[i] = ledger.WalletID(id)
	}
	return affected, deleted, nil
}

func (s *Store) SumByGroup(ctx context.Context, userID ledger.UserID, walletIDs []ledger.WalletID) ([]ledger.GroupSum, error) {
	q := s.db.WithContext(ctx).
		Model(&operationRow{}).
		Select("wallet_id, state, op_type, SUM(cost) AS total, COUNT(*) AS count, MAX(created_at) AS last_created_at").
		Where("user_id = ?", string(userID))
	if len(walletIDs) > 0 {
		q = q.Where("wallet_id IN ?", walletIDStrings(walletIDs))
	}

	var rows []groupRow
	err := q.Group("wallet_id, state, op_type").
		Order("wallet_id, state, op_type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate operations: %w", err)
	}

	sums := make([]ledger.GroupSum, len(rows))
	for i, r := range rows {
		sums[i] = ledger.GroupSum{
			GroupKey: ledger.GroupKey{
				WalletID: ledger.WalletID(r.WalletID),
				State:    ledger.State(r.State),
				Type:     ledger.Type(r.OpType),
			},
			Total:         r.Total,
			Count:         r.Count,
			LastCreatedAt: r.LastCreatedAt.UTC(),
		}
	}
	return sums, nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func walletErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.ErrWalletNotFound
	}
	return fmt.Errorf("failed to load wallet: %w", err)
}

func operationErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.ErrOperationNotFound
	}
	return fmt.Errorf("failed to load operation: %w", err)
}

func toWalletRow(w ledger.Wallet) walletRow {
	return walletRow{
		ID:                  string(w.ID),
		UserID:              string(w.UserID),
		Name:                w.Name,
		Kind:                string(w.Kind),
		Creator:             string(w.Creator),
		Deletable:           w.Deletable,
		Balance:             w.Balance,
		AllIncomeSum:        w.AllIncomeSum,
		AllConsumptionSum:   w.AllConsumptionSum,
		PlanningIncome:      w.PlanningIncome,
		PlanningConsumption: w.PlanningConsumption,
		LastOperationDate:   utcPtr(w.LastOperationDate),
		LastCalculateDate:   utcPtr(w.LastCalculateDate),
		CreatedAt:           w.CreatedAt.UTC(),
	}
}

func (r walletRow) toWallet() ledger.Wallet {
	return ledger.Wallet{
		ID:        ledger.WalletID(r.ID),
		UserID:    ledger.UserID(r.UserID),
		Name:      r.Name,
		Kind:      ledger.WalletKind(r.Kind),
		Creator:   ledger.WalletCreator(r.Creator),
		Deletable: r.Deletable,
		Aggregates: ledger.Aggregates{
			Balance:             r.Balance,
			AllIncomeSum:        r.AllIncomeSum,
			AllConsumptionSum:   r.AllConsumptionSum,
			PlanningIncome:      r.PlanningIncome,
			PlanningConsumption: r.PlanningConsumption,
		},
		LastOperationDate: utcPtr(r.LastOperationDate),
		LastCalculateDate: utcPtr(r.LastCalculateDate),
		CreatedAt:         r.CreatedAt.UTC(),
	}
}

func toWallets(rows []walletRow) []ledger.Wallet {
	out := make([]ledger.Wallet, len(rows))
	for i, r := range rows {
		out[i] = r.toWallet()
	}
	return out
}

func toOperationRow(op ledger.Operation) operationRow {
	return operationRow{
		ID:        string(op.ID),
		WalletID:  string(op.WalletID),
		UserID:    string(op.UserID),
		Title:     op.Title,
		Cost:      op.Cost,
		OpType:    string(op.Type),
		State:     string(op.State),
		CreatedAt: op.CreatedAt.UTC(),
		UpdatedAt: op.UpdatedAt.UTC(),
	}
}

func (r operationRow) toOperation() ledger.Operation {
	return ledger.Operation{
		ID:        ledger.OperationID(r.ID),
		WalletID:  ledger.WalletID(r.WalletID),
		UserID:    ledger.UserID(r.UserID),
		Title:     r.Title,
		Cost:      r.Cost,
		Type:      ledger.Type(r.OpType),
		State:     ledger.State(r.State),
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func walletIDStrings(ids []ledger.WalletID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
