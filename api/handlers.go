/*
handlers.go - HTTP API handlers for the finance engine

PURPOSE:
  Exposes settlement, withdrawals, the cash book and wallets via REST API.
  Handles HTTP request/response and JSON serialization, and delegates to the
  domain services. The acting identity comes from the identity middleware.

ENDPOINTS:
  Lots and settlement:
    POST   /api/lots                          Register a graded lot (Pending)
    GET    /api/lots?status=Pending           List lots
    POST   /api/settlements/quote             Preview a settlement
    POST   /api/settlements                   Execute a settlement

  Advances:
    POST   /api/advances                      Record a supplier advance
    GET    /api/advances/{supplierID}         Open advances of a supplier

  Cash book:
    GET    /api/cash/balance                  Current cash balance
    GET    /api/cash/transactions?limit=50    Cash log, newest first
    POST   /api/cash/deposits                 Record a pending deposit
    POST   /api/cash/deposits/{id}/confirm    Confirm a deposit
    POST   /api/cash/expenses                 Record an expense

  Withdrawals:
    POST   /api/withdrawals                   Submit a request
    GET    /api/withdrawals?status=pending    List requests
    GET    /api/withdrawals/{id}              Get a request
    POST   /api/withdrawals/{id}/approve      Admin or finance approval
    POST   /api/withdrawals/{id}/reject       Reject with a reason

  Wallets:
    POST   /api/wallets/{identity}/credits    Credit a wallet
    GET    /api/wallets/{identity}            Balance and history

  Reconciliation:
    GET    /api/reconciliation                Run the consistency checks

ERROR HANDLING:
  Errors are returned as JSON with a status from the error taxonomy:
  - 400: Validation
  - 403: AuthorizationDenied, InsufficientWallet
  - 404: NotFound
  - 409: AlreadyProcessed, ConcurrentModification, duplicate idempotency key
  - 500: PartialFailure (details list what committed), anything unexpected
  - 503: BackendUnavailable

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup, identity middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/coffeeops/finance-engine/cashbook"
	"github.com/coffeeops/finance-engine/finance"
	"github.com/coffeeops/finance-engine/lock"
	"github.com/coffeeops/finance-engine/notify"
	"github.com/coffeeops/finance-engine/settlement"
	"github.com/coffeeops/finance-engine/withdrawal"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the services behind the API.
type Handler struct {
	Store       finance.LedgerStore
	Config      finance.Config
	Settlement  *settlement.Engine
	Withdrawals *withdrawal.Machine
	Cash        *cashbook.Book
	Wallet      *finance.Wallet
	Reconciler  *finance.Reconciler

	logger *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler builds every service over one store, locker and dispatcher.
func NewHandler(store finance.LedgerStore, cfg finance.Config, locker lock.Locker, notifier notify.Dispatcher, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:       store,
		Config:      cfg,
		Settlement:  settlement.NewEngine(store, cfg, locker, notifier, logger.Named("settlement")),
		Withdrawals: withdrawal.NewMachine(store, cfg, locker, notifier, logger.Named("withdrawal")),
		Cash:        cashbook.New(store, cfg, locker, logger.Named("cashbook")),
		Wallet:      finance.NewWallet(store),
		Reconciler:  &finance.Reconciler{Store: store},
		logger:      logger,
	}
}

// =============================================================================
// LOTS AND SETTLEMENT
// =============================================================================

// CreateLot registers a graded lot as a Pending payment record.
func (h *Handler) CreateLot(w http.ResponseWriter, r *http.Request) {
	var lot settlement.Lot
	if !decode(w, r, &lot) {
		return
	}
	rec, err := h.Settlement.RegisterLot(r.Context(), lot)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentRecordDTO(rec))
}

// ListLots lists payment records, Pending unless ?status= says otherwise.
// status=all lists every record.
func (h *Handler) ListLots(w http.ResponseWriter, r *http.Request) {
	status := finance.PaymentStatus(r.URL.Query().Get("status"))
	switch status {
	case "":
		status = finance.PaymentPending
	case "all":
		status = ""
	case finance.PaymentPending, finance.PaymentPaid:
	default:
		h.writeFailure(w, finance.Invalid("status", "must be Pending, Paid or all"))
		return
	}

	records, err := h.Store.ListPaymentRecords(r.Context(), status)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	dtos := make([]PaymentRecordDTO, 0, len(records))
	for _, rec := range records {
		dtos = append(dtos, toPaymentRecordDTO(rec))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// QuoteSettlement previews a settlement without writing anything.
func (h *Handler) QuoteSettlement(w http.ResponseWriter, r *http.Request) {
	var req SettlementRequest
	if !decode(w, r, &req) {
		return
	}
	lots, err := h.lots(r.Context(), req)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	quote, err := h.Settlement.Quote(r.Context(), lots)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// ExecuteSettlement pays the lots. In a batch that settles something, lots
// that were already paid are reported under "skipped" with a 200; when every
// lot was skipped the answer is a 409.
func (h *Handler) ExecuteSettlement(w http.ResponseWriter, r *http.Request) {
	var req SettlementRequest
	if !decode(w, r, &req) {
		return
	}
	lots, err := h.lots(r.Context(), req)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	res, err := h.Settlement.Execute(r.Context(), Identity(r.Context()), lots)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementResponse(res))
}

func (h *Handler) lots(ctx context.Context, req SettlementRequest) ([]settlement.Lot, error) {
	if len(req.LotIDs) > 0 {
		return h.Settlement.LoadLots(ctx, req.LotIDs)
	}
	if len(req.Lots) == 0 {
		return nil, finance.Invalid("lots", "lot_ids or lots required")
	}
	return req.Lots, nil
}

// =============================================================================
// ADVANCES
// =============================================================================

// RecordAdvance stores a supplier advance.
func (h *Handler) RecordAdvance(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if !decode(w, r, &req) {
		return
	}
	adv, err := h.Settlement.RecordAdvance(r.Context(), settlement.AdvanceInput{
		SupplierID:  req.SupplierID,
		Amount:      req.Amount,
		By:          Identity(r.Context()),
		PayFromCash: req.PayFromCash,
	})
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAdvanceDTO(adv))
}

// GetAdvances returns a supplier's open advances.
func (h *Handler) GetAdvances(w http.ResponseWriter, r *http.Request) {
	supplierID := chi.URLParam(r, "supplierID")
	open, total, err := h.Settlement.Advances(r.Context(), supplierID)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	summary := AdvanceSummaryDTO{SupplierID: supplierID, TotalOutstanding: total, Advances: []AdvanceDTO{}}
	for _, a := range open {
		summary.Advances = append(summary.Advances, toAdvanceDTO(a))
	}
	writeJSON(w, http.StatusOK, summary)
}

// =============================================================================
// CASH BOOK
// =============================================================================

func (h *Handler) GetCashBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.Cash.Balance(r.Context())
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCashBalanceDTO(bal))
}

// ListCashTransactions returns the cash log, newest first.
func (h *Handler) ListCashTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeFailure(w, finance.Invalid("limit", "must be a number"))
			return
		}
		limit = n
	}
	txs, err := h.Cash.History(r.Context(), limit)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCashTransactionDTOs(txs))
}

// RecordDeposit records a pending deposit. It has no balance effect until
// someone else confirms it.
func (h *Handler) RecordDeposit(w http.ResponseWriter, r *http.Request) {
	var entry cashbook.Entry
	if !decode(w, r, &entry) {
		return
	}
	tx, err := h.Cash.RecordDeposit(r.Context(), Identity(r.Context()), entry)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCashTransactionDTO(tx))
}

func (h *Handler) ConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	tx, bal, err := h.Cash.ConfirmDeposit(r.Context(), chi.URLParam(r, "id"), Identity(r.Context()))
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CashEntryResponse{Transaction: toCashTransactionDTO(tx), Balance: toCashBalanceDTO(bal)})
}

func (h *Handler) RecordExpense(w http.ResponseWriter, r *http.Request) {
	var entry cashbook.Entry
	if !decode(w, r, &entry) {
		return
	}
	tx, bal, err := h.Cash.RecordExpense(r.Context(), Identity(r.Context()), entry)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CashEntryResponse{Transaction: toCashTransactionDTO(tx), Balance: toCashBalanceDTO(bal)})
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

// SubmitWithdrawal files a request on behalf of the caller.
func (h *Handler) SubmitWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req SubmitWithdrawalRequest
	if !decode(w, r, &req) {
		return
	}
	wr, err := h.Withdrawals.Submit(r.Context(), withdrawal.SubmitInput{
		RequestedBy:    Identity(r.Context()),
		Amount:         req.Amount,
		Reason:         req.Reason,
		PaymentChannel: finance.PaymentChannel(strings.ToUpper(req.PaymentChannel)),
		PhoneNumber:    req.PhoneNumber,
		AccountName:    req.AccountName,
		BankName:       req.BankName,
		AccountNumber:  req.AccountNumber,
	})
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.withdrawalDTO(wr))
}

// ListWithdrawals lists requests, optionally filtered by ?status=.
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	status := finance.WithdrawalStatus(r.URL.Query().Get("status"))
	switch status {
	case "", finance.WithdrawalPending, finance.WithdrawalPendingFinance,
		finance.WithdrawalApproved, finance.WithdrawalRejected:
	default:
		h.writeFailure(w, finance.Invalid("status", "unknown status"))
		return
	}
	list, err := h.Withdrawals.List(r.Context(), status)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	dtos := make([]WithdrawalDTO, 0, len(list))
	for _, wr := range list {
		dtos = append(dtos, h.withdrawalDTO(wr))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	wr, err := h.Withdrawals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.withdrawalDTO(wr))
}

// ApproveWithdrawal records the caller's approval at whatever stage the
// request is in.
func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	t, err := h.Withdrawals.Approve(r.Context(), chi.URLParam(r, "id"), Identity(r.Context()))
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionDTO(t, h.Withdrawals.RequiredApprovals(t.Request)))
}

func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.Withdrawals.Reject(r.Context(), chi.URLParam(r, "id"), Identity(r.Context()), req.Reason)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionDTO(t, h.Withdrawals.RequiredApprovals(t.Request)))
}

func (h *Handler) withdrawalDTO(wr finance.WithdrawalRequest) WithdrawalDTO {
	return toWithdrawalDTO(wr, h.Withdrawals.RequiredApprovals(wr))
}

// =============================================================================
// WALLETS
// =============================================================================

// CreditWallet adds funds to another identity's wallet. Nobody credits their own.
func (h *Handler) CreditWallet(w http.ResponseWriter, r *http.Request) {
	identity := strings.ToLower(chi.URLParam(r, "identity"))
	caller := Identity(r.Context())
	if identity == caller {
		h.writeFailure(w, &finance.AuthorizationError{Identity: caller, Reason: "cannot credit own wallet"})
		return
	}

	var req WalletCreditRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Reference) == "" {
		h.writeFailure(w, finance.Invalid("reference", "required"))
		return
	}
	entry, err := h.Wallet.Credit(r.Context(), identity, req.Amount, req.Reference, caller)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.logger.Info("wallet credited",
		zap.String("identity", identity),
		zap.String("amount", entry.Amount.String()),
		zap.String("by", caller),
	)
	writeJSON(w, http.StatusCreated, toWalletEntryDTO(entry))
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	identity := strings.ToLower(chi.URLParam(r, "identity"))
	entries, err := h.Wallet.Entries(r.Context(), identity)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	dto := WalletDTO{Identity: identity, Entries: []WalletEntryDTO{}}
	for _, e := range entries {
		dto.Balance = dto.Balance.Add(e.Amount)
		dto.Entries = append(dto.Entries, toWalletEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// RunReconciliation runs the consistency checks once.
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.Check(r.Context())
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeFailure maps err onto the error taxonomy.
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	status, message := classify(err)
	switch {
	case status >= http.StatusInternalServerError:
		h.logger.Error(message, zap.Error(err))
	case status == http.StatusForbidden:
		h.logger.Info(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, finance.ErrPartialFailure):
		return http.StatusInternalServerError, "partial failure, manual reconciliation required"
	case errors.Is(err, finance.ErrValidation):
		return http.StatusBadRequest, "validation failed"
	case errors.Is(err, finance.ErrInsufficientWallet):
		return http.StatusForbidden, "insufficient wallet balance"
	case errors.Is(err, finance.ErrAuthorizationDenied):
		return http.StatusForbidden, "authorization denied"
	case errors.Is(err, finance.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, finance.ErrAlreadyProcessed):
		return http.StatusConflict, "already processed"
	case errors.Is(err, finance.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "duplicate request"
	case errors.Is(err, finance.ErrConcurrentModification):
		return http.StatusConflict, "concurrent modification, retry"
	case errors.Is(err, finance.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "backend unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// decode reads a JSON body into dst, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}
