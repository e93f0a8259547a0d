package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"skyledger/internal/account"
	"skyledger/internal/address"
	"skyledger/internal/model"
	"skyledger/internal/money"
	"skyledger/internal/provision"
	"skyledger/internal/reconcile"
	"skyledger/internal/service"
	"skyledger/internal/transfer"
)

type Handler struct {
	svc    service.LedgerService
	scale  int32
	logger *slog.Logger
}

// NewHandler serves amounts as decimals with scale places; the ledger itself counts minor units.
func NewHandler(svc service.LedgerService, scale int32, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, scale: scale, logger: logger.With("component", "http")}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /accounts", h.ProvisionAccount)
	mux.HandleFunc("GET /accounts/{id}", h.GetAccount)
	mux.HandleFunc("GET /accounts/{id}/transactions", h.History)
	mux.HandleFunc("GET /addresses/{address}", h.ResolveAddress)
	mux.HandleFunc("POST /transfers", h.Transfer)
	mux.HandleFunc("GET /reconciliation/cases", h.PendingCases)
	mux.HandleFunc("POST /reconciliation/cases/{id}/resolve", h.ResolveCase)
	mux.Handle("GET /metrics", promhttp.Handler())
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type accountResponse struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	Address      string    `json:"address"`
	Balance      string    `json:"balance"`
	BalanceMinor int64     `json:"balance_minor"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	Created      bool      `json:"created,omitempty"`
}

func (h *Handler) accountView(acc model.Account) accountResponse {
	return accountResponse{
		ID:           acc.ID,
		DisplayName:  acc.DisplayName,
		Address:      acc.Address,
		Balance:      money.Format(acc.Balance, h.scale),
		BalanceMinor: acc.Balance,
		Version:      acc.Version,
		CreatedAt:    acc.CreatedAt,
	}
}

func (h *Handler) ProvisionAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UID         string `json:"uid"`
		Email       string `json:"email"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	acc, created, err := h.svc.Provision(r.Context(), model.Identity{UID: req.UID, Email: req.Email, DisplayName: req.DisplayName})
	if err != nil {
		h.fail(w, err)
		return
	}

	view := h.accountView(acc)
	view.Created = created
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.respondJSON(w, status, view)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.svc.GetAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, h.accountView(acc))
}

type recordResponse struct {
	model.Record
	AmountDisplay string `json:"amount_display"`
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.History(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, recordResponse{Record: rec, AmountDisplay: money.Format(rec.Amount, h.scale)})
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

func (h *Handler) ResolveAddress(w http.ResponseWriter, r *http.Request) {
	ref, err := h.svc.Resolve(r.Context(), r.PathValue("address"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, ref)
}

type transferRequest struct {
	SourceAccountID    string          `json:"source_account_id"`
	DestinationAddress string          `json:"destination_address"`
	Amount             decimal.Decimal `json:"amount"`
	Memo               string          `json:"memo"`
}

type transferResponse struct {
	Status               model.Status `json:"status"`
	SourceBalance        string       `json:"source_balance,omitempty"`
	DebitRecordID        string       `json:"debit_record_id,omitempty"`
	CreditRecordID       string       `json:"credit_record_id,omitempty"`
	DestinationAccountID string       `json:"destination_account_id,omitempty"`
	DestinationName      string       `json:"destination_display_name,omitempty"`
	Timestamp            *time.Time   `json:"timestamp,omitempty"`
	CaseID               string       `json:"case_id,omitempty"`
	Stage                string       `json:"stage,omitempty"`
	Error                string       `json:"error,omitempty"`
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	amount, err := money.FromDecimal(req.Amount, h.scale)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.Transfer(r.Context(), model.TransferRequest{
		SourceAccountID:    req.SourceAccountID,
		DestinationAddress: req.DestinationAddress,
		Amount:             amount,
		Memo:               req.Memo,
	})

	var indeterminate *transfer.IndeterminateError
	if errors.As(err, &indeterminate) {
		h.respondJSON(w, http.StatusAccepted, transferResponse{
			Status: model.StatusPendingReview,
			CaseID: indeterminate.CaseID,
			Stage:  string(indeterminate.Stage),
			Error:  "transfer is pending review",
		})
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, transferResponse{
		Status:               model.Status(res.Status),
		SourceBalance:        money.Format(res.SourceBalance, h.scale),
		DebitRecordID:        res.DebitRecordID,
		CreditRecordID:       res.CreditRecordID,
		DestinationAccountID: res.DestinationID,
		DestinationName:      res.DestinationName,
		Timestamp:            &res.Timestamp,
	})
}

func (h *Handler) PendingCases(w http.ResponseWriter, r *http.Request) {
	cases, err := h.svc.PendingReconciliations(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if cases == nil {
		cases = []reconcile.Case{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"cases": cases})
}

func (h *Handler) ResolveCase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action reconcile.Action `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Action != reconcile.ActionComplete && req.Action != reconcile.ActionReverse {
		h.respondError(w, http.StatusBadRequest, "action must be 'complete' or 'reverse'")
		return
	}

	c, err := h.svc.ResolveReconciliation(r.Context(), r.PathValue("id"), req.Action)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, c)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, transfer.ErrIndeterminate):
		return http.StatusAccepted
	case errors.Is(err, transfer.ErrInvalidAmount),
		errors.Is(err, transfer.ErrSelfTransfer),
		errors.Is(err, address.ErrInvalidAddress),
		errors.Is(err, provision.ErrMissingUID):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrAddressNotFound),
		errors.Is(err, transfer.ErrAccountNotFound),
		errors.Is(err, address.ErrNotFound),
		errors.Is(err, account.ErrNotFound),
		errors.Is(err, reconcile.ErrCaseNotFound):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, reconcile.ErrAlreadyResolved),
		errors.Is(err, reconcile.ErrActionNotAllowed),
		errors.Is(err, reconcile.ErrCaseBusy),
		errors.Is(err, reconcile.ErrCaseConflict),
		errors.Is(err, reconcile.ErrOutcomeUnknown):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrUnavailable),
		errors.Is(err, account.ErrAborted),
		errors.Is(err, provision.ErrAddressSpaceFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "status", status, "error", err)
	}
	h.respondError(w, status, err.Error())
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
