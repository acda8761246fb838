/*
Package finance provides the core money-movement model of the coffee finance engine.

PURPOSE:
  This package holds the domain types shared by the settlement engine, the
  withdrawal approval state machine and the cash book. It knows nothing about
  HTTP or SQL: persistence is reached through the LedgerStore interface
  (store.go) and every component receives an explicit Config (config.go).

KEY CONCEPTS IN THIS FILE (types.go):
  - CashBalance:     The company cash singleton, guarded by a version number
  - CashTransaction: Append-only cash log entry with a balance_after snapshot
  - PaymentRecord:   One coffee lot awaiting payment (Pending -> Paid, once)
  - SupplierPayment: Audit row of a disbursement, unique per batch reference
  - SupplierAdvance: Cash pre-paid to a supplier, recovered at settlement
  - WithdrawalRequest: Employee withdrawal tracked through approval tiers
  - WalletEntry:     Append-only per-user wallet movement

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, rounded to Config.CurrencyPlaces
  2. Log and singleton agree: balance_after is written in the same store call
     that moves the singleton (see PostCashTransactions)
  3. Guarded transitions: every state change carries a predicate on the state
     it expects to find

SEE ALSO:
  - store.go:  Persistence interface
  - ledger.go: Version-guarded cash posting
  - wallet.go: Wallet ledger
*/
package finance

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Round rounds an amount to the configured number of currency places.
func Round(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}

// MaxZero returns d, or zero when d is negative.
func MaxZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// CASH BALANCE - Company cash singleton
// =============================================================================

// CashBalance is the single running cash balance of the company.
// Every write is predicated on Version; a mismatch means someone else wrote first.
type CashBalance struct {
	CurrentBalance decimal.Decimal `db:"current_balance"`
	LastUpdated    time.Time       `db:"last_updated"`
	UpdatedBy      string          `db:"updated_by"`
	Version        int64           `db:"version"`
}

// =============================================================================
// CASH TRANSACTION - Append-only cash log
// =============================================================================

type TransactionType string

const (
	TxDeposit         TransactionType = "DEPOSIT"
	TxPayment         TransactionType = "PAYMENT"
	TxExpense         TransactionType = "EXPENSE"
	TxAdvanceRecovery TransactionType = "ADVANCE_RECOVERY" // lot covered by an advance, no cash effect
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxDeposit, TxPayment, TxExpense, TxAdvanceRecovery:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusConfirmed TransactionStatus = "confirmed"
)

// CashTransaction is one entry of the cash log.
// Amount is signed (payments and expenses are negative). BalanceAfter is set
// once the row has been applied to the singleton; pending deposits have none.
type CashTransaction struct {
	ID              string              `db:"id"`
	TransactionType TransactionType     `db:"transaction_type"`
	Amount          decimal.Decimal     `db:"amount"`
	BalanceAfter    decimal.NullDecimal `db:"balance_after"`
	Reference       string              `db:"reference"`
	Notes           string              `db:"notes"`
	CreatedBy       string              `db:"created_by"`
	Status          TransactionStatus   `db:"status"`
	ConfirmedBy     string              `db:"confirmed_by"`
	ConfirmedAt     *time.Time          `db:"confirmed_at"`
	CreatedAt       time.Time           `db:"created_at"`

	// BalanceVersion is the singleton version the row's posting produced;
	// 0 while pending. Orders the log by effect, not by insertion.
	BalanceVersion int64 `db:"balance_version"`
}

// =============================================================================
// PAYMENT RECORD - One coffee lot awaiting settlement
// =============================================================================

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "Pending"
	PaymentPaid    PaymentStatus = "Paid"
)

// PaymentRecord is the settlement obligation of a graded lot.
// It is created Pending and moves to Paid exactly once.
type PaymentRecord struct {
	ID             string              `db:"id"`
	BatchNumber    string              `db:"batch_number"`
	SupplierID     string              `db:"supplier_id"`
	SupplierName   string              `db:"supplier_name"`
	Kilograms      decimal.Decimal     `db:"kilograms"`
	FinalPrice     decimal.NullDecimal `db:"final_price"`
	SuggestedPrice decimal.NullDecimal `db:"suggested_price"`
	Status         PaymentStatus       `db:"status"`
	AmountPaid     decimal.Decimal     `db:"amount_paid"`
	Balance        decimal.Decimal     `db:"balance"`
	PaidBy         string              `db:"paid_by"`
	PaidAt         *time.Time          `db:"paid_at"`
	CreatedAt      time.Time           `db:"created_at"`
}

// UnitPrice returns final_price, falling back to suggested_price, then zero.
func (p PaymentRecord) UnitPrice() decimal.Decimal {
	if p.FinalPrice.Valid {
		return p.FinalPrice.Decimal
	}
	if p.SuggestedPrice.Valid {
		return p.SuggestedPrice.Decimal
	}
	return decimal.Zero
}

// =============================================================================
// SUPPLIER PAYMENT - Disbursement audit row
// =============================================================================

// SupplierPayment records a disbursement to a supplier. At most one row with
// IsDuplicate=false may exist per Reference (the lot's batch number).
type SupplierPayment struct {
	ID               string          `db:"id"`
	Reference        string          `db:"reference"`
	SupplierID       string          `db:"supplier_id"`
	PaymentRecordID  string          `db:"payment_record_id"`
	GrossAmount      decimal.Decimal `db:"gross_amount"`
	AdvanceRecovered decimal.Decimal `db:"advance_recovered"`
	AmountPaid       decimal.Decimal `db:"amount_paid"`
	Method           string          `db:"method"`
	ProcessedBy      string          `db:"processed_by"`
	IsDuplicate      bool            `db:"is_duplicate"`
	CreatedAt        time.Time       `db:"created_at"`
}

// =============================================================================
// SUPPLIER ADVANCE
// =============================================================================

type SupplierAdvance struct {
	ID             string          `db:"id"`
	SupplierID     string          `db:"supplier_id"`
	AmountUGX      decimal.Decimal `db:"amount_ugx"`
	OutstandingUGX decimal.Decimal `db:"outstanding_ugx"`
	IsClosed       bool            `db:"is_closed"`
	CreatedBy      string          `db:"created_by"`
	CreatedAt      time.Time       `db:"created_at"`
	ClosedAt       *time.Time      `db:"closed_at"`
}

// TotalOutstanding sums outstanding_ugx over open advances.
func TotalOutstanding(advances []SupplierAdvance) decimal.Decimal {
	total := decimal.Zero
	for _, a := range advances {
		if !a.IsClosed {
			total = total.Add(a.OutstandingUGX)
		}
	}
	return total
}

// =============================================================================
// WITHDRAWAL REQUEST - Tiered approval workflow
// =============================================================================

type WithdrawalStatus string

const (
	WithdrawalPending        WithdrawalStatus = "pending"
	WithdrawalPendingFinance WithdrawalStatus = "pending_finance"
	WithdrawalApproved       WithdrawalStatus = "approved"
	WithdrawalRejected       WithdrawalStatus = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalApproved || s == WithdrawalRejected
}

type PaymentChannel string

const (
	ChannelCash        PaymentChannel = "CASH"
	ChannelMobileMoney PaymentChannel = "MOBILE_MONEY"
	ChannelBank        PaymentChannel = "BANK"
)

// MaxApprovalSlots is the number of fixed admin approval slots on a request.
const MaxApprovalSlots = 3

type WithdrawalRequest struct {
	ID             string           `db:"id"`
	Amount         decimal.Decimal  `db:"amount"`
	Status         WithdrawalStatus `db:"status"`
	RequestedBy    string           `db:"requested_by"`
	Reason         string           `db:"reason"`
	PaymentChannel PaymentChannel   `db:"payment_channel"`
	PhoneNumber    string           `db:"phone_number"`
	AccountName    string           `db:"account_name"`
	BankName       string           `db:"bank_name"`
	AccountNumber  string           `db:"account_number"`

	RequiresThreeApprovals bool `db:"requires_three_approvals"`

	AdminApproved1   bool       `db:"admin_approved_1"`
	AdminApproved1By string     `db:"admin_approved_1_by"`
	AdminApproved1At *time.Time `db:"admin_approved_1_at"`
	AdminApproved2   bool       `db:"admin_approved_2"`
	AdminApproved2By string     `db:"admin_approved_2_by"`
	AdminApproved2At *time.Time `db:"admin_approved_2_at"`
	AdminApproved3   bool       `db:"admin_approved_3"`
	AdminApproved3By string     `db:"admin_approved_3_by"`
	AdminApproved3At *time.Time `db:"admin_approved_3_at"`

	// Set when the last required admin slot is filled.
	AdminApproved   bool       `db:"admin_approved"`
	AdminApprovedBy string     `db:"admin_approved_by"`
	AdminApprovedAt *time.Time `db:"admin_approved_at"`

	ApprovedBy        string     `db:"approved_by"`
	ApprovedAt        *time.Time `db:"approved_at"`
	FinanceApprovedBy string     `db:"finance_approved_by"`
	FinanceApprovedAt *time.Time `db:"finance_approved_at"`

	RejectedBy      string     `db:"rejected_by"`
	RejectedAt      *time.Time `db:"rejected_at"`
	RejectionReason string     `db:"rejection_reason"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// ApprovalSlot is one of the fixed admin approval slots (1..3).
type ApprovalSlot struct {
	Number   int
	Approved bool
	By       string
	At       *time.Time
}

// Slots returns the three admin approval slots in order.
func (w WithdrawalRequest) Slots() [MaxApprovalSlots]ApprovalSlot {
	return [MaxApprovalSlots]ApprovalSlot{
		{Number: 1, Approved: w.AdminApproved1, By: w.AdminApproved1By, At: w.AdminApproved1At},
		{Number: 2, Approved: w.AdminApproved2, By: w.AdminApproved2By, At: w.AdminApproved2At},
		{Number: 3, Approved: w.AdminApproved3, By: w.AdminApproved3By, At: w.AdminApproved3At},
	}
}

// SetSlot fills slot n (1-based) in memory.
func (w *WithdrawalRequest) SetSlot(n int, by string, at time.Time) {
	switch n {
	case 1:
		w.AdminApproved1, w.AdminApproved1By, w.AdminApproved1At = true, by, &at
	case 2:
		w.AdminApproved2, w.AdminApproved2By, w.AdminApproved2At = true, by, &at
	case 3:
		w.AdminApproved3, w.AdminApproved3By, w.AdminApproved3At = true, by, &at
	}
}

// ApprovalCount returns how many admin slots are filled.
func (w WithdrawalRequest) ApprovalCount() int {
	n := 0
	for _, s := range w.Slots() {
		if s.Approved {
			n++
		}
	}
	return n
}

// HasApproved reports whether identity already fills an admin slot.
func (w WithdrawalRequest) HasApproved(identity string) bool {
	for _, s := range w.Slots() {
		if s.Approved && s.By == identity {
			return true
		}
	}
	return false
}

// =============================================================================
// WALLET ENTRY - Per-user wallet ledger (append-only)
// =============================================================================

type WalletEntryType string

const (
	WalletCredit     WalletEntryType = "credit"
	WalletWithdrawal WalletEntryType = "withdrawal"
	WalletReversal   WalletEntryType = "reversal"
)

type WalletEntry struct {
	ID             string          `db:"id"`
	Identity       string          `db:"identity"`
	Amount         decimal.Decimal `db:"amount"`
	Type           WalletEntryType `db:"entry_type"`
	Reference      string          `db:"reference"`
	IdempotencyKey string          `db:"idempotency_key"`
	CreatedBy      string          `db:"created_by"`
	CreatedAt      time.Time       `db:"created_at"`
}
