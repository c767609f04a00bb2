/*
errors.go - Error types for the wallet ledger

ERROR CATEGORIES:
  1. Lookup errors - wallet or operation missing
  2. Input errors - negative cost, unknown state or type (contract violations)
  3. Reconciliation errors - grouped query or rewrite failed

PROPAGATION:
  Incremental-update and reconciliation failures stop at the ledger
  boundary. Operation CRUD never fails because a wallet update failed;
  callers log the error and move on.

SEE ALSO:
  - delta.go: returns InvalidInputError
  - reconciler.go: returns ReconcileError
*/
package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrWalletNotFound is returned when the wallet does not exist for the user.
	// During an incremental update this is expected if the wallet was deleted
	// concurrently.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrOperationNotFound is returned when the operation does not exist for the user.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrAlreadyExists is returned when creating a record whose ID is taken.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrWalletNotDeletable is returned when deleting a base wallet.
	ErrWalletNotDeletable = errors.New("wallet cannot be deleted")

	// ErrNoChange is returned by a field-change handler when the previous and
	// current values are identical. Nothing is written.
	ErrNoChange = errors.New("previous value equals current value")

	// ErrNegativeCost is returned when a cost below zero reaches the calculator.
	ErrNegativeCost = errors.New("cost must not be negative")

	// ErrUnknownState is returned for a state outside the enumeration.
	ErrUnknownState = errors.New("unknown operation state")

	// ErrUnknownType is returned for a type outside the enumeration.
	ErrUnknownType = errors.New("unknown operation type")

	// ErrReconcileFailed marks any failure of a reconciliation pass.
	ErrReconcileFailed = errors.New("reconciliation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidInputError reports a calculator input outside the contract.
type InvalidInputError struct {
	Field string
	Value any
	Err   error
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s %v: %v", e.Field, e.Value, e.Err)
}

func (e *InvalidInputError) Unwrap() error {
	return e.Err
}

// ReconcileError reports which wallets a failed pass was working on.
type ReconcileError struct {
	UserID    UserID
	WalletIDs []WalletID
	Stage     string // "load", "aggregate" or "save"
	Err       error
}

func (e *ReconcileError) Error() string {
	ids := make([]string, len(e.WalletIDs))
	for i, id := range e.WalletIDs {
		ids[i] = string(id)
	}
	return fmt.Sprintf("reconcile user %s wallets [%s] at %s: %v",
		e.UserID, strings.Join(ids, ","), e.Stage, e.Err)
}

func (e *ReconcileError) Is(target error) bool {
	return target == ErrReconcileFailed
}

func (e *ReconcileError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrOperationNotFound)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNegativeCost) ||
		errors.Is(err, ErrUnknownState) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrWalletNotDeletable)
}
