/*
handlers.go - HTTP API handlers for the wallet ledger

PURPOSE:
  Exposes wallets and operations over REST. Handles HTTP request/response,
  JSON serialization, and delegates to the services.

ENDPOINTS:
  Wallets:
    GET    /api/wallets                List wallets (stale ones refreshed per mode)
    POST   /api/wallets                Create wallet
    POST   /api/wallets/base           Create the base wallets (idempotent)
    POST   /api/wallets/reconcile      Rebuild wallets from operations now
    GET    /api/wallets/{id}           Get wallet
    DELETE /api/wallets/{id}           Delete a deletable wallet

  Operations:
    GET    /api/operations             List operations (filters in the query)
    POST   /api/operations             Create operation
    DELETE /api/operations             Remove all operations, or one wallet's (?wallet_id=)
    GET    /api/operations/{id}        Get operation
    DELETE /api/operations/{id}        Remove operation
    PATCH  /api/operations/{id}/{field} Update cost, type, state or title

IDENTITY:
  The caller's user id arrives in the X-User-ID header. Authentication
  happens upstream.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, same-value updates, undeletable wallets
  - 401: Missing X-User-ID
  - 404: Wallet or operation not found (including other users' records),
         or nothing matched a bulk removal
  - 409: Duplicate id
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/operations"
	"github.com/warp/wallet-ledger/wallets"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is implemented by stores that can check their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger     *ledger.Ledger
	Operations *operations.Service
	Wallets    *wallets.Service

	// Pinger is optional. When nil, /health always reports ok.
	Pinger Pinger
}

func NewHandler(l *ledger.Ledger, ops *operations.Service, ws *wallets.Service) *Handler {
	return &Handler{Ledger: l, Operations: ops, Wallets: ws}
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

func (h *Handler) ListWallets(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Ledger.ListWallets(r.Context(), userFrom(r))
	if err != nil {
		writeServiceError(w, "Failed to list wallets", err)
		return
	}
	writeJSON(w, http.StatusOK, h.walletDTOs(ws))
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	id := ledger.WalletID(chi.URLParam(r, "id"))

	wallet, err := h.Ledger.GetWallet(r.Context(), id, userFrom(r))
	if err != nil {
		writeServiceError(w, "Failed to get wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet, h.Ledger.IsStale(wallet)))
}

func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req CreateWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	wallet, err := h.Wallets.Create(r.Context(), userFrom(r), req.Name, ledger.WalletKind(req.Kind))
	if err != nil {
		writeServiceError(w, "Failed to create wallet", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWalletDTO(wallet, false))
}

func (h *Handler) CreateBaseWallets(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Wallets.CreateBase(r.Context(), userFrom(r))
	if err != nil {
		writeServiceError(w, "Failed to create base wallets", err)
		return
	}
	writeJSON(w, http.StatusOK, h.walletDTOs(ws))
}

func (h *Handler) DeleteWallet(w http.ResponseWriter, r *http.Request) {
	id := ledger.WalletID(chi.URLParam(r, "id"))

	wallet, err := h.Wallets.Delete(r.Context(), userFrom(r), id)
	if err != nil {
		writeServiceError(w, "Failed to delete wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet, false))
}

// ReconcileWallets rebuilds the requested wallets synchronously. An empty
// body rebuilds every wallet of the user.
func (h *Handler) ReconcileWallets(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ids := make([]ledger.WalletID, len(req.WalletIDs))
	for i, id := range req.WalletIDs {
		ids[i] = ledger.WalletID(id)
	}

	ws, err := h.Ledger.ForceReconcile(r.Context(), userFrom(r), ids)
	if err != nil {
		writeServiceError(w, "Failed to reconcile wallets", err)
		return
	}
	writeJSON(w, http.StatusOK, h.walletDTOs(ws))
}

func (h *Handler) walletDTOs(ws []ledger.Wallet) []WalletDTO {
	dtos := make([]WalletDTO, len(ws))
	for i, wallet := range ws {
		dtos[i] = toWalletDTO(wallet, h.Ledger.IsStale(wallet))
	}
	return dtos
}

// =============================================================================
// OPERATION HANDLERS
// =============================================================================

func (h *Handler) CreateOperation(w http.ResponseWriter, r *http.Request) {
	var req CreateOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	op, err := h.Operations.Create(r.Context(), userFrom(r), operations.CreateInput{
		WalletID: ledger.WalletID(req.WalletID),
		Title:    req.Title,
		Cost:     req.Cost,
		Type:     ledger.Type(req.Type),
		State:    ledger.State(req.State),
	})
	if err != nil {
		writeServiceError(w, "Failed to create operation", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOperationDTO(op))
}

func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	id := ledger.OperationID(chi.URLParam(r, "id"))

	op, err := h.Operations.Get(r.Context(), userFrom(r), id)
	if err != nil {
		writeServiceError(w, "Failed to get operation", err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationDTO(op))
}

// ListOperations accepts wallet_id (repeatable), type, state, title,
// from, to (RFC 3339), limit and offset.
func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	filter, err := parseOperationFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	ops, err := h.Operations.List(r.Context(), userFrom(r), filter)
	if err != nil {
		writeServiceError(w, "Failed to list operations", err)
		return
	}
	dtos := make([]OperationDTO, len(ops))
	for i, op := range ops {
		dtos[i] = toOperationDTO(op)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RemoveOperations removes every operation of one wallet when wallet_id is
// set, otherwise every operation of the user.
func (h *Handler) RemoveOperations(w http.ResponseWriter, r *http.Request) {
	var (
		removed int64
		err     error
	)
	if walletID := r.URL.Query().Get("wallet_id"); walletID != "" {
		removed, err = h.Operations.RemoveByWallet(r.Context(), userFrom(r), ledger.WalletID(walletID))
	} else {
		removed, err = h.Operations.RemoveAll(r.Context(), userFrom(r))
	}
	if err != nil {
		writeServiceError(w, "Failed to remove operations", err)
		return
	}
	writeJSON(w, http.StatusOK, RemoveOperationsResponse{Deleted: removed})
}

func (h *Handler) RemoveOperation(w http.ResponseWriter, r *http.Request) {
	id := ledger.OperationID(chi.URLParam(r, "id"))

	op, err := h.Operations.Remove(r.Context(), userFrom(r), id)
	if err != nil {
		writeServiceError(w, "Failed to remove operation", err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationDTO(op))
}

// UpdateOperation patches one field. Body: {"value": <new value>}.
func (h *Handler) UpdateOperation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFrom(r)
	id := ledger.OperationID(chi.URLParam(r, "id"))
	field := chi.URLParam(r, "field")

	var req UpdateOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Value) == 0 {
		writeError(w, http.StatusBadRequest, "Missing value", nil)
		return
	}

	var (
		op  ledger.Operation
		err error
	)
	switch field {
	case "cost":
		var cost decimal.Decimal
		if err := json.Unmarshal(req.Value, &cost); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid cost", err)
			return
		}
		op, err = h.Operations.UpdateCost(ctx, user, id, cost)
	case "type", "state", "title":
		var s string
		if err := json.Unmarshal(req.Value, &s); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+field, err)
			return
		}
		switch field {
		case "type":
			op, err = h.Operations.UpdateType(ctx, user, id, ledger.Type(s))
		case "state":
			op, err = h.Operations.UpdateState(ctx, user, id, ledger.State(s))
		default:
			op, err = h.Operations.UpdateTitle(ctx, user, id, s)
		}
	default:
		writeError(w, http.StatusNotFound, "Unknown operation field", map[string]string{"field": field})
		return
	}

	if err != nil {
		writeServiceError(w, "Failed to update operation", err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationDTO(op))
}

func parseOperationFilter(r *http.Request) (ledger.OperationFilter, error) {
	q := r.URL.Query()
	filter := ledger.OperationFilter{
		Type:  ledger.Type(q.Get("type")),
		State: ledger.State(q.Get("state")),
		Title: q.Get("title"),
	}
	for _, id := range q["wallet_id"] {
		filter.WalletIDs = append(filter.WalletIDs, ledger.WalletID(id))
	}

	var err error
	if filter.From, err = parseTimeParam(q.Get("from"), "from"); err != nil {
		return filter, err
	}
	if filter.To, err = parseTimeParam(q.Get("to"), "to"); err != nil {
		return filter, err
	}
	if filter.Limit, err = parseIntParam(q.Get("limit"), "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = parseIntParam(q.Get("offset"), "offset"); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseTimeParam(raw, name string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &t, nil
}

func parseIntParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Pinger != nil {
		if err := h.Pinger.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, details any) {
	resp := ErrorResponse{Error: message}
	switch d := details.(type) {
	case nil:
	case error:
		resp.Details = d.Error()
	default:
		resp.Details = d
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps service and ledger errors to a status code.
func writeServiceError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case operations.IsClientError(err), wallets.IsClientError(err):
		return http.StatusBadRequest
	case ledger.IsNotFound(err), errors.Is(err, operations.ErrNothingToRemove):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
