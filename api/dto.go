/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Decimal fields serialize as JSON strings ("12.50") so no precision is lost.
  Request bodies accept either a string or a number.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/wallet-ledger/ledger"
)

// =============================================================================
// WALLETS
// =============================================================================

// WalletDTO represents a wallet and its cached aggregates.
type WalletDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Creator   string `json:"creator"`
	Deletable bool   `json:"deletable"`

	Balance             decimal.Decimal `json:"balance"`
	AllIncomeSum        decimal.Decimal `json:"all_income_sum"`
	AllConsumptionSum   decimal.Decimal `json:"all_consumption_sum"`
	PlanningIncome      decimal.Decimal `json:"planning_income"`
	PlanningConsumption decimal.Decimal `json:"planning_consumption"`

	LastOperationDate *time.Time `json:"last_operation_date"`
	LastCalculateDate *time.Time `json:"last_calculate_date"`

	// IsStale is true when the figures were served from a snapshot older
	// than the staleness window.
	IsStale   bool      `json:"is_stale"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateWalletRequest is the request body for creating a wallet.
type CreateWalletRequest struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// ReconcileRequest selects wallets to rebuild. Empty means all of them.
type ReconcileRequest struct {
	WalletIDs []string `json:"wallet_ids"`
}

// =============================================================================
// OPERATIONS
// =============================================================================

// OperationDTO represents an operation in API responses.
type OperationDTO struct {
	ID        string          `json:"id"`
	WalletID  string          `json:"wallet_id"`
	Title     string          `json:"title"`
	Cost      decimal.Decimal `json:"cost"`
	Type      string          `json:"type"`
	State     string          `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CreateOperationRequest is the request body for creating an operation.
type CreateOperationRequest struct {
	WalletID string          `json:"wallet_id"`
	Title    string          `json:"title"`
	Cost     decimal.Decimal `json:"cost"`
	Type     string          `json:"type"`
	State    string          `json:"state,omitempty"`
}

// RemoveOperationsResponse reports how many operations a bulk removal deleted.
type RemoveOperationsResponse struct {
	Deleted int64 `json:"deleted"`
}

// UpdateOperationRequest carries the new value for a single field. The
// shape of Value depends on the field being patched.
type UpdateOperationRequest struct {
	Value json.RawMessage `json:"value"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toWalletDTO(w ledger.Wallet, stale bool) WalletDTO {
	return WalletDTO{
		ID:                  string(w.ID),
		Name:                w.Name,
		Kind:                string(w.Kind),
		Creator:             string(w.Creator),
		Deletable:           w.Deletable,
		Balance:             w.Balance,
		AllIncomeSum:        w.AllIncomeSum,
		AllConsumptionSum:   w.AllConsumptionSum,
		PlanningIncome:      w.PlanningIncome,
		PlanningConsumption: w.PlanningConsumption,
		LastOperationDate:   w.LastOperationDate,
		LastCalculateDate:   w.LastCalculateDate,
		IsStale:             stale,
		CreatedAt:           w.CreatedAt,
	}
}

func toOperationDTO(op ledger.Operation) OperationDTO {
	return OperationDTO{
		ID:        string(op.ID),
		WalletID:  string(op.WalletID),
		Title:     op.Title,
		Cost:      op.Cost,
		Type:      string(op.Type),
		State:     string(op.State),
		CreatedAt: op.CreatedAt,
		UpdatedAt: op.UpdatedAt,
	}
}
