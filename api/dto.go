/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain rows carry db
  tags only; these types are the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Cash:        CashBalanceDTO, CashTransactionDTO
  Lots:        PaymentRecordDTO, SettlementRequest
  Advances:    AdvanceDTO, AdvanceRequest, AdvanceSummaryDTO
  Withdrawals: WithdrawalDTO, ApprovalSlotDTO, TransitionDTO, RejectRequest
  Wallets:     WalletDTO, WalletEntryDTO, WalletCreditRequest
  Reconcile:   ReportDTO, FindingDTO
  Scenarios:   ScenarioDTO, LoadScenarioRequest

Money is a decimal string ("300000"); request bodies accept numbers or
strings for the same fields.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/coffeeops/finance-engine/finance"
	"github.com/coffeeops/finance-engine/settlement"
	"github.com/coffeeops/finance-engine/withdrawal"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CASH
// =============================================================================

type CashBalanceDTO struct {
	CurrentBalance decimal.Decimal `json:"current_balance"`
	LastUpdated    string          `json:"last_updated"`
	UpdatedBy      string          `json:"updated_by"`
	Version        int64           `json:"version"`
}

type CashTransactionDTO struct {
	ID              string           `json:"id"`
	TransactionType string           `json:"transaction_type"`
	Amount          decimal.Decimal  `json:"amount"`
	BalanceAfter    *decimal.Decimal `json:"balance_after"`
	Reference       string           `json:"reference"`
	Notes           string           `json:"notes,omitempty"`
	CreatedBy       string           `json:"created_by"`
	Status          string           `json:"status"`
	ConfirmedBy     string           `json:"confirmed_by,omitempty"`
	ConfirmedAt     *string          `json:"confirmed_at,omitempty"`
	CreatedAt       string           `json:"created_at"`
}

// CashEntryResponse is returned by deposit confirmation and expenses.
type CashEntryResponse struct {
	Transaction CashTransactionDTO `json:"transaction"`
	Balance     CashBalanceDTO     `json:"balance"`
}

// =============================================================================
// LOTS AND SETTLEMENT
// =============================================================================

type PaymentRecordDTO struct {
	ID             string           `json:"id"`
	BatchNumber    string           `json:"batch_number"`
	SupplierID     string           `json:"supplier_id"`
	SupplierName   string           `json:"supplier_name,omitempty"`
	Kilograms      decimal.Decimal  `json:"kilograms"`
	FinalPrice     *decimal.Decimal `json:"final_price"`
	SuggestedPrice *decimal.Decimal `json:"suggested_price"`
	Status         string           `json:"status"`
	AmountPaid     decimal.Decimal  `json:"amount_paid"`
	Balance        decimal.Decimal  `json:"balance"`
	PaidBy         string           `json:"paid_by,omitempty"`
	PaidAt         *string          `json:"paid_at,omitempty"`
	CreatedAt      string           `json:"created_at"`
}

// SettlementRequest names stored lots by id, or carries lots inline.
// LotIDs wins when both are set.
type SettlementRequest struct {
	LotIDs []string         `json:"lot_ids"`
	Lots   []settlement.Lot `json:"lots"`
}

// SettlementResponse is settlement.Result with ledger rows in API form.
type SettlementResponse struct {
	Succeeded     []settlement.LotResult `json:"succeeded"`
	Skipped       []settlement.LotResult `json:"skipped"`
	NewBalance    decimal.Decimal        `json:"new_balance"`
	WillOverdraft bool                   `json:"will_overdraft"`
	Transactions  []CashTransactionDTO   `json:"transactions"`
}

// =============================================================================
// ADVANCES
// =============================================================================

type AdvanceRequest struct {
	SupplierID  string          `json:"supplier_id"`
	Amount      decimal.Decimal `json:"amount"`
	PayFromCash bool            `json:"pay_from_cash"`
}

type AdvanceDTO struct {
	ID          string          `json:"id"`
	SupplierID  string          `json:"supplier_id"`
	Amount      decimal.Decimal `json:"amount"`
	Outstanding decimal.Decimal `json:"outstanding"`
	IsClosed    bool            `json:"is_closed"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   string          `json:"created_at"`
	ClosedAt    *string         `json:"closed_at,omitempty"`
}

type AdvanceSummaryDTO struct {
	SupplierID       string          `json:"supplier_id"`
	TotalOutstanding decimal.Decimal `json:"total_outstanding"`
	Advances         []AdvanceDTO    `json:"advances"`
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

type ApprovalSlotDTO struct {
	Slot     int     `json:"slot"`
	Approved bool    `json:"approved"`
	By       string  `json:"by,omitempty"`
	At       *string `json:"at,omitempty"`
}

type WithdrawalDTO struct {
	ID                     string            `json:"id"`
	Amount                 decimal.Decimal   `json:"amount"`
	Status                 string            `json:"status"`
	RequestedBy            string            `json:"requested_by"`
	Reason                 string            `json:"reason,omitempty"`
	PaymentChannel         string            `json:"payment_channel"`
	PhoneNumber            string            `json:"phone_number,omitempty"`
	AccountName            string            `json:"account_name,omitempty"`
	BankName               string            `json:"bank_name,omitempty"`
	AccountNumber          string            `json:"account_number,omitempty"`
	RequiresThreeApprovals bool              `json:"requires_three_approvals"`
	RequiredApprovals      int               `json:"required_approvals"`
	Approvals              []ApprovalSlotDTO `json:"approvals"`
	AdminApproved          bool              `json:"admin_approved"`
	FinanceApprovedBy      string            `json:"finance_approved_by,omitempty"`
	FinanceApprovedAt      *string           `json:"finance_approved_at,omitempty"`
	RejectedBy             string            `json:"rejected_by,omitempty"`
	RejectionReason        string            `json:"rejection_reason,omitempty"`
	CreatedAt              string            `json:"created_at"`
	UpdatedAt              string            `json:"updated_at"`
}

// SubmitWithdrawalRequest is withdrawal.SubmitInput without the requester,
// which comes from the authenticated identity.
type SubmitWithdrawalRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	PaymentChannel string          `json:"payment_channel"`
	PhoneNumber    string          `json:"phone_number"`
	AccountName    string          `json:"account_name"`
	BankName       string          `json:"bank_name"`
	AccountNumber  string          `json:"account_number"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type TransitionDTO struct {
	Request   WithdrawalDTO `json:"request"`
	Stage     string        `json:"stage"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Slot      int           `json:"slot,omitempty"`
	Remaining int           `json:"remaining"`
	CashSlip  string        `json:"cash_slip,omitempty"`
}

// =============================================================================
// WALLETS
// =============================================================================

type WalletCreditRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

type WalletEntryDTO struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Type      string          `json:"type"`
	Reference string          `json:"reference,omitempty"`
	CreatedBy string          `json:"created_by"`
	CreatedAt string          `json:"created_at"`
}

type WalletDTO struct {
	Identity string           `json:"identity"`
	Balance  decimal.Decimal  `json:"balance"`
	Entries  []WalletEntryDTO `json:"entries"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type FindingDTO struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
}

type ReportDTO struct {
	CheckedAt string         `json:"checked_at"`
	Balance   CashBalanceDTO `json:"balance"`
	Clean     bool           `json:"clean"`
	Findings  []FindingDTO   `json:"findings"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func nullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func toCashBalanceDTO(b finance.CashBalance) CashBalanceDTO {
	return CashBalanceDTO{
		CurrentBalance: b.CurrentBalance,
		LastUpdated:    formatTime(b.LastUpdated),
		UpdatedBy:      b.UpdatedBy,
		Version:        b.Version,
	}
}

func toCashTransactionDTO(tx finance.CashTransaction) CashTransactionDTO {
	return CashTransactionDTO{
		ID:              tx.ID,
		TransactionType: string(tx.TransactionType),
		Amount:          tx.Amount,
		BalanceAfter:    nullDecimal(tx.BalanceAfter),
		Reference:       tx.Reference,
		Notes:           tx.Notes,
		CreatedBy:       tx.CreatedBy,
		Status:          string(tx.Status),
		ConfirmedBy:     tx.ConfirmedBy,
		ConfirmedAt:     formatTimePtr(tx.ConfirmedAt),
		CreatedAt:       formatTime(tx.CreatedAt),
	}
}

func toCashTransactionDTOs(txs []finance.CashTransaction) []CashTransactionDTO {
	out := make([]CashTransactionDTO, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toCashTransactionDTO(tx))
	}
	return out
}

func toPaymentRecordDTO(p finance.PaymentRecord) PaymentRecordDTO {
	return PaymentRecordDTO{
		ID:             p.ID,
		BatchNumber:    p.BatchNumber,
		SupplierID:     p.SupplierID,
		SupplierName:   p.SupplierName,
		Kilograms:      p.Kilograms,
		FinalPrice:     nullDecimal(p.FinalPrice),
		SuggestedPrice: nullDecimal(p.SuggestedPrice),
		Status:         string(p.Status),
		AmountPaid:     p.AmountPaid,
		Balance:        p.Balance,
		PaidBy:         p.PaidBy,
		PaidAt:         formatTimePtr(p.PaidAt),
		CreatedAt:      formatTime(p.CreatedAt),
	}
}

func toSettlementResponse(res settlement.Result) SettlementResponse {
	return SettlementResponse{
		Succeeded:     nonNil(res.Succeeded),
		Skipped:       nonNil(res.Skipped),
		NewBalance:    res.NewBalance,
		WillOverdraft: res.WillOverdraft,
		Transactions:  toCashTransactionDTOs(res.Transactions),
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func toAdvanceDTO(a finance.SupplierAdvance) AdvanceDTO {
	return AdvanceDTO{
		ID:          a.ID,
		SupplierID:  a.SupplierID,
		Amount:      a.AmountUGX,
		Outstanding: a.OutstandingUGX,
		IsClosed:    a.IsClosed,
		CreatedBy:   a.CreatedBy,
		CreatedAt:   formatTime(a.CreatedAt),
		ClosedAt:    formatTimePtr(a.ClosedAt),
	}
}

func toWithdrawalDTO(w finance.WithdrawalRequest, required int) WithdrawalDTO {
	dto := WithdrawalDTO{
		ID:                     w.ID,
		Amount:                 w.Amount,
		Status:                 string(w.Status),
		RequestedBy:            w.RequestedBy,
		Reason:                 w.Reason,
		PaymentChannel:         string(w.PaymentChannel),
		PhoneNumber:            w.PhoneNumber,
		AccountName:            w.AccountName,
		BankName:               w.BankName,
		AccountNumber:          w.AccountNumber,
		RequiresThreeApprovals: w.RequiresThreeApprovals,
		RequiredApprovals:      required,
		AdminApproved:          w.AdminApproved,
		FinanceApprovedBy:      w.FinanceApprovedBy,
		FinanceApprovedAt:      formatTimePtr(w.FinanceApprovedAt),
		RejectedBy:             w.RejectedBy,
		RejectionReason:        w.RejectionReason,
		CreatedAt:              formatTime(w.CreatedAt),
		UpdatedAt:              formatTime(w.UpdatedAt),
	}
	slots := w.Slots()
	for _, s := range slots[:required] {
		dto.Approvals = append(dto.Approvals, ApprovalSlotDTO{
			Slot:     s.Number,
			Approved: s.Approved,
			By:       s.By,
			At:       formatTimePtr(s.At),
		})
	}
	return dto
}

func toTransitionDTO(t withdrawal.Transition, required int) TransitionDTO {
	return TransitionDTO{
		Request:   toWithdrawalDTO(t.Request, required),
		Stage:     string(t.Stage),
		From:      string(t.From),
		To:        string(t.To),
		Slot:      t.Slot,
		Remaining: t.Remaining,
		CashSlip:  t.CashSlip,
	}
}

func toWalletEntryDTO(e finance.WalletEntry) WalletEntryDTO {
	return WalletEntryDTO{
		ID:        e.ID,
		Amount:    e.Amount,
		Type:      string(e.Type),
		Reference: e.Reference,
		CreatedBy: e.CreatedBy,
		CreatedAt: formatTime(e.CreatedAt),
	}
}

func toReportDTO(r finance.Report) ReportDTO {
	dto := ReportDTO{
		CheckedAt: formatTime(r.CheckedAt),
		Balance:   toCashBalanceDTO(r.Balance),
		Clean:     r.Clean(),
		Findings:  []FindingDTO{},
	}
	for _, f := range r.Findings {
		dto.Findings = append(dto.Findings, FindingDTO{Kind: string(f.Kind), Subject: f.Subject, Detail: f.Detail})
	}
	return dto
}
