/*
Package operations implements the operation lifecycle: create, remove and
single-field updates.

FLOW:
  Every mutating call writes the operation first, then notifies the ledger
  through LedgerHooks. The ledger call is best effort: its error is logged
  and the caller still gets the successful operation write. Drift left by a
  failed hook is repaired by reconciliation.

  Title updates do not affect any aggregate and skip the ledger.

  Bulk removal (RemoveByWallet, RemoveAll) deletes in the store and then
  forces a reconciliation of the affected wallets instead of applying one
  delta per operation.

VALIDATION:
  - Cost is a magnitude: a negative cost is rejected with ErrInvalidCost on
    create and on update. Zero is allowed on both.
  - Updating a field to its current value is rejected with ErrSameValue
  - Unknown type or state values are rejected before anything is written
*/
package operations

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/wallet-ledger/ledger"
)

var (
	// ErrSameValue is returned when an update would not change the field.
	ErrSameValue = errors.New("new value equals current value")

	// ErrInvalidCost is returned for a negative cost.
	ErrInvalidCost = errors.New("invalid operation cost")

	// ErrWalletRequired is returned when a wallet-scoped call has no wallet id.
	ErrWalletRequired = errors.New("wallet id is required")

	// ErrNothingToRemove is returned by bulk removal when no operation matched.
	ErrNothingToRemove = errors.New("no operations to remove")

	// ErrTitleRequired is returned for a blank title.
	ErrTitleRequired = errors.New("operation title is required")
)

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrSameValue) ||
		errors.Is(err, ErrInvalidCost) ||
		errors.Is(err, ErrTitleRequired) ||
		errors.Is(err, ErrWalletRequired) ||
		ledger.IsClientError(err)
}

// LedgerHooks receives operation lifecycle events. *ledger.Ledger implements it.
type LedgerHooks interface {
	OnOperationCreated(ctx context.Context, op ledger.Operation) (ledger.Wallet, error)
	OnOperationRemoved(ctx context.Context, op ledger.Operation) (ledger.Wallet, error)
	OnOperationCostChanged(ctx context.Context, op ledger.Operation, previousCost decimal.Decimal) (ledger.Wallet, error)
	OnOperationTypeChanged(ctx context.Context, op ledger.Operation, previousType ledger.Type) (ledger.Wallet, error)
	OnOperationStateChanged(ctx context.Context, op ledger.Operation, previousState ledger.State) (ledger.Wallet, error)
	ForceReconcile(ctx context.Context, userID ledger.UserID, walletIDs []ledger.WalletID) ([]ledger.Wallet, error)
}

// CreateInput describes a new operation. An empty State means realised.
type CreateInput struct {
	WalletID ledger.WalletID
	Title    string
	Cost     decimal.Decimal
	Type     ledger.Type
	State    ledger.State
}

// Service owns operation writes.
type Service struct {
	store ledger.Store
	hooks LedgerHooks

	Now   func() time.Time
	NewID func() ledger.OperationID
}

func NewService(store ledger.Store, hooks LedgerHooks) *Service {
	return &Service{
		store: store,
		hooks: hooks,
		Now:   time.Now,
		NewID: func() ledger.OperationID { return ledger.OperationID(uuid.NewString()) },
	}
}

// =============================================================================
// CREATE / REMOVE
// =============================================================================

// Create validates and stores a new operation against one of the user's
// wallets. Returns ledger.ErrWalletNotFound for a foreign or missing wallet.
func (s *Service) Create(ctx context.Context, userID ledger.UserID, in CreateInput) (ledger.Operation, error) {
	if in.State == "" {
		in.State = ledger.StateRealise
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return ledger.Operation{}, ErrTitleRequired
	}
	if in.Cost.IsNegative() {
		return ledger.Operation{}, ErrInvalidCost
	}
	if err := validateType(in.Type); err != nil {
		return ledger.Operation{}, err
	}
	if err := validateState(in.State); err != nil {
		return ledger.Operation{}, err
	}

	if _, err := s.store.GetWallet(ctx, in.WalletID, userID); err != nil {
		return ledger.Operation{}, err
	}

	now := s.Now().UTC()
	op := ledger.Operation{
		ID:        s.NewID(),
		WalletID:  in.WalletID,
		UserID:    userID,
		Title:     title,
		Cost:      in.Cost,
		Type:      in.Type,
		State:     in.State,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateOperation(ctx, op); err != nil {
		return ledger.Operation{}, err
	}

	_, err := s.hooks.OnOperationCreated(ctx, op)
	s.notified("create", op, err)
	return op, nil
}

// Remove deletes the operation and takes its contribution off the wallet.
func (s *Service) Remove(ctx context.Context, userID ledger.UserID, id ledger.OperationID) (ledger.Operation, error) {
	op, err := s.store.DeleteOperation(ctx, id, userID)
	if err != nil {
		return ledger.Operation{}, err
	}

	_, err = s.hooks.OnOperationRemoved(ctx, op)
	s.notified("remove", op, err)
	return op, nil
}

// RemoveByWallet deletes every operation of the user on one wallet.
// Returns the number removed, or ErrNothingToRemove.
func (s *Service) RemoveByWallet(ctx context.Context, userID ledger.UserID, walletID ledger.WalletID) (int64, error) {
	if walletID == "" {
		return 0, ErrWalletRequired
	}
	return s.removeMany(ctx, userID, walletID)
}

// RemoveAll deletes every operation of the user.
func (s *Service) RemoveAll(ctx context.Context, userID ledger.UserID) (int64, error) {
	return s.removeMany(ctx, userID, "")
}

func (s *Service) removeMany(ctx context.Context, userID ledger.UserID, walletID ledger.WalletID) (int64, error) {
	affected, deleted, err := s.store.DeleteOperations(ctx, userID, walletID)
	if err != nil {
		return 0, err
	}
	if deleted == 0 {
		return 0, ErrNothingToRemove
	}

	log.Printf("[Operations] Removed %d operations of user %s from %d wallets", deleted, userID, len(affected))
	if _, err := s.hooks.ForceReconcile(ctx, userID, affected); err != nil {
		log.Printf("[Operations] Wallets %v not rebuilt after bulk removal: %v", affected, err)
	}
	return deleted, nil
}

// =============================================================================
// READS
// =============================================================================

// Get returns one of the user's operations, or ledger.ErrOperationNotFound.
func (s *Service) Get(ctx context.Context, userID ledger.UserID, id ledger.OperationID) (ledger.Operation, error) {
	return s.store.GetOperation(ctx, id, userID)
}

// List returns the user's operations matching filter, oldest first. The
// page defaults to ledger.DefaultListLimit and is capped at
// ledger.MaxListLimit.
func (s *Service) List(ctx context.Context, userID ledger.UserID, filter ledger.OperationFilter) ([]ledger.Operation, error) {
	filter, err := filter.Normalized()
	if err != nil {
		return nil, err
	}
	return s.store.ListOperations(ctx, userID, filter)
}

// =============================================================================
// FIELD UPDATES
// =============================================================================

func (s *Service) UpdateCost(ctx context.Context, userID ledger.UserID, id ledger.OperationID, cost decimal.Decimal) (ledger.Operation, error) {
	if cost.IsNegative() {
		return ledger.Operation{}, ErrInvalidCost
	}

	prev, next, err := s.update(ctx, userID, id, func(op *ledger.Operation) error {
		if op.Cost.Equal(cost) {
			return ErrSameValue
		}
		op.Cost = cost
		return nil
	})
	if err != nil {
		return ledger.Operation{}, err
	}

	_, err = s.hooks.OnOperationCostChanged(ctx, next, prev.Cost)
	s.notified("cost update", next, err)
	return next, nil
}

func (s *Service) UpdateType(ctx context.Context, userID ledger.UserID, id ledger.OperationID, typ ledger.Type) (ledger.Operation, error) {
	if err := validateType(typ); err != nil {
		return ledger.Operation{}, err
	}

	prev, next, err := s.update(ctx, userID, id, func(op *ledger.Operation) error {
		if op.Type == typ {
			return ErrSameValue
		}
		op.Type = typ
		return nil
	})
	if err != nil {
		return ledger.Operation{}, err
	}

	_, err = s.hooks.OnOperationTypeChanged(ctx, next, prev.Type)
	s.notified("type update", next, err)
	return next, nil
}

func (s *Service) UpdateState(ctx context.Context, userID ledger.UserID, id ledger.OperationID, state ledger.State) (ledger.Operation, error) {
	if err := validateState(state); err != nil {
		return ledger.Operation{}, err
	}

	prev, next, err := s.update(ctx, userID, id, func(op *ledger.Operation) error {
		if op.State == state {
			return ErrSameValue
		}
		op.State = state
		return nil
	})
	if err != nil {
		return ledger.Operation{}, err
	}

	_, err = s.hooks.OnOperationStateChanged(ctx, next, prev.State)
	s.notified("state update", next, err)
	return next, nil
}

// UpdateTitle renames the operation. The ledger is not involved.
func (s *Service) UpdateTitle(ctx context.Context, userID ledger.UserID, id ledger.OperationID, title string) (ledger.Operation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return ledger.Operation{}, ErrTitleRequired
	}

	_, next, err := s.update(ctx, userID, id, func(op *ledger.Operation) error {
		if op.Title == title {
			return ErrSameValue
		}
		op.Title = title
		return nil
	})
	return next, err
}

func (s *Service) update(ctx context.Context, userID ledger.UserID, id ledger.OperationID, fn ledger.OperationUpdate) (ledger.Operation, ledger.Operation, error) {
	now := s.Now().UTC()
	return s.store.UpdateOperation(ctx, id, userID, func(op *ledger.Operation) error {
		if err := fn(op); err != nil {
			return err
		}
		op.UpdatedAt = now
		return nil
	})
}

// notified logs a failed ledger hook. The operation write already succeeded.
func (s *Service) notified(action string, op ledger.Operation, err error) {
	if err == nil {
		return
	}
	log.Printf("[Operations] Wallet %s not updated after %s of operation %s: %v", op.WalletID, action, op.ID, err)
}

func validateType(t ledger.Type) error {
	if !t.Valid() {
		return &ledger.InvalidInputError{Field: "type", Value: string(t), Err: ledger.ErrUnknownType}
	}
	return nil
}

func validateState(s ledger.State) error {
	if !s.Valid() {
		return &ledger.InvalidInputError{Field: "state", Value: string(s), Err: ledger.ErrUnknownState}
	}
	return nil
}
