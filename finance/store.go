/*
store.go - Persistence interface for the ledger store

PURPOSE:
  Defines the row-level operations the settlement engine, the withdrawal
  state machine and the cash book need from the durable store. Nothing above
  this interface caches authoritative state: every operation re-reads.

GUARDED WRITES:
  Every mutation carries the predicate of the state it expects:
  - PostCashTransactions:     WHERE version = :expected
  - MarkPaymentRecordPaid:    WHERE status = 'Pending'
  - InsertSupplierPayment:    unique (reference) WHERE is_duplicate = false
  - FillApprovalSlot:         WHERE admin_approved_k = false AND status = 'pending'
  - ApproveWithdrawalFinance: WHERE status = 'pending_finance'
  A predicate mismatch returns ErrConcurrentModification (or ErrAlreadyProcessed
  for the payment guards) and writes nothing.

LOG/SINGLETON AGREEMENT:
  PostCashTransactions writes the singleton and inserts the log rows in one
  store call, so balance_after can never diverge from the singleton.

IMPLEMENTATIONS:
  - finance/store/memory.go: In-memory for tests and dev
  - store/sqldb:             SQLite and PostgreSQL

SEE ALSO:
  - ledger.go: CashLedger, the retrying poster built on PostCashTransactions
*/
package finance

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER STORE
// =============================================================================

type LedgerStore interface {
	CashStore
	PaymentStore
	AdvanceStore
	WithdrawalStore
	WalletStore
}

// CashStore holds the cash singleton and its log.
type CashStore interface {
	// GetCashBalance reads the singleton.
	GetCashBalance(ctx context.Context) (CashBalance, error)

	// PostCashTransactions applies txs in order to the singleton, provided its
	// version still equals expectedVersion. Each tx must carry BalanceAfter.
	// The singleton ends at the last BalanceAfter and its version is bumped.
	PostCashTransactions(ctx context.Context, txs []CashTransaction, expectedVersion int64, updatedBy string) (CashBalance, error)

	// InsertCashTransaction stores a pending row with no balance effect.
	InsertCashTransaction(ctx context.Context, tx CashTransaction) error

	// ConfirmCashTransaction confirms a pending row and applies it to the
	// singleton, guarded by expectedVersion and status = 'pending'.
	ConfirmCashTransaction(ctx context.Context, id, confirmedBy string, at time.Time, balanceAfter decimal.Decimal, expectedVersion int64) (CashBalance, error)

	GetCashTransaction(ctx context.Context, id string) (CashTransaction, error)

	// ListCashTransactions returns the newest rows first.
	ListCashTransactions(ctx context.Context, limit int) ([]CashTransaction, error)

	// LatestCashPosting returns the confirmed row that last moved the
	// singleton (highest BalanceVersion, then newest). ErrNotFound when none.
	LatestCashPosting(ctx context.Context) (CashTransaction, error)

	// CashTransactionsByReference returns confirmed rows for a reference.
	CashTransactionsByReference(ctx context.Context, reference string) ([]CashTransaction, error)
}

// PaymentStore holds coffee-lot payment records and disbursement audit rows.
type PaymentStore interface {
	CreatePaymentRecord(ctx context.Context, p PaymentRecord) error
	GetPaymentRecord(ctx context.Context, id string) (PaymentRecord, error)
	ListPaymentRecords(ctx context.Context, status PaymentStatus) ([]PaymentRecord, error)

	// MarkPaymentRecordPaid moves a Pending record to Paid.
	// Returns ErrAlreadyProcessed when the record is no longer Pending.
	MarkPaymentRecordPaid(ctx context.Context, id string, amountPaid decimal.Decimal, paidBy string, at time.Time) error

	// FindSupplierPayment returns the non-duplicate payment for reference,
	// or ErrNotFound.
	FindSupplierPayment(ctx context.Context, reference string) (SupplierPayment, error)

	// InsertSupplierPayment returns ErrAlreadyProcessed if a non-duplicate row
	// for the same reference exists.
	InsertSupplierPayment(ctx context.Context, p SupplierPayment) error
}

// AdvanceStore holds supplier advances.
type AdvanceStore interface {
	CreateAdvance(ctx context.Context, a SupplierAdvance) error

	// OutstandingAdvances returns open advances, oldest first.
	OutstandingAdvances(ctx context.Context, supplierID string) ([]SupplierAdvance, error)

	// CloseAdvances sets every open advance of the supplier to outstanding 0
	// and closed. Returns the outstanding total it closed.
	CloseAdvances(ctx context.Context, supplierID string, at time.Time) (decimal.Decimal, error)

	// ListAdvances returns every advance, open or closed.
	ListAdvances(ctx context.Context) ([]SupplierAdvance, error)
}

// WithdrawalStore holds withdrawal requests.
type WithdrawalStore interface {
	CreateWithdrawal(ctx context.Context, w WithdrawalRequest) error
	GetWithdrawal(ctx context.Context, id string) (WithdrawalRequest, error)

	// ListWithdrawals filters by status; empty status lists all.
	ListWithdrawals(ctx context.Context, status WithdrawalStatus) ([]WithdrawalRequest, error)

	// FillApprovalSlot records identity in slot (1..3), guarded by the slot
	// still being empty and the request still pending. When final is true the
	// request also moves to pending_finance with admin_approved set.
	FillApprovalSlot(ctx context.Context, id string, slot int, identity string, at time.Time, final bool) error

	// ApproveWithdrawalFinance moves pending_finance to approved.
	ApproveWithdrawalFinance(ctx context.Context, id, identity string, at time.Time) error

	// RejectWithdrawal moves a pending or pending_finance request to rejected.
	RejectWithdrawal(ctx context.Context, id, identity, reason string, at time.Time) error
}

// WalletStore holds the append-only wallet ledger.
type WalletStore interface {
	AppendWalletEntry(ctx context.Context, e WalletEntry) error
	WalletEntries(ctx context.Context, identity string) ([]WalletEntry, error)
	WalletEntryExists(ctx context.Context, idempotencyKey string) (bool, error)
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic multi-step sequences
// =============================================================================

// TxStore wraps LedgerStore with transaction support.
// If fn returns an error everything fn wrote is rolled back.
type TxStore interface {
	LedgerStore
	WithTx(ctx context.Context, fn func(LedgerStore) error) error
}
