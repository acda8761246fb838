// Package store provides in-memory LedgerStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coffeeops/finance-engine/finance"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a LedgerStore without transaction support: each call is atomic on
// its own, a multi-step sequence is not.
type Memory struct {
	mu     *sync.RWMutex
	st     *state
	faults *faults
	view   bool // true inside WithTx: the caller already holds mu
}

type state struct {
	balance          finance.CashBalance
	cashTxs          []finance.CashTransaction
	payments         map[string]finance.PaymentRecord
	supplierPayments []finance.SupplierPayment
	advances         []finance.SupplierAdvance
	withdrawals      map[string]finance.WithdrawalRequest
	wallet           []finance.WalletEntry
	walletKeys       map[string]bool
}

// faults has its own lock: fault runs under read locks too.
type faults struct {
	mu   sync.Mutex
	next map[string]error
}

func NewMemory() *Memory {
	return &Memory{
		mu: &sync.RWMutex{},
		st: &state{
			balance:     finance.CashBalance{Version: 1, LastUpdated: time.Now().UTC(), UpdatedBy: "system"},
			payments:    make(map[string]finance.PaymentRecord),
			withdrawals: make(map[string]finance.WithdrawalRequest),
			walletKeys:  make(map[string]bool),
		},
		faults: &faults{next: make(map[string]error)},
	}
}

// FailNext makes the next call of op (method name) return err without effect.
func (m *Memory) FailNext(op string, err error) {
	m.faults.mu.Lock()
	defer m.faults.mu.Unlock()
	m.faults.next[op] = err
}

// Reset clears all data. The cash version keeps increasing.
func (m *Memory) Reset(_ context.Context) error {
	defer m.write()()
	version := m.st.balance.Version + 1
	*m.st = state{
		balance:     finance.CashBalance{Version: version, LastUpdated: time.Now().UTC(), UpdatedBy: "system"},
		payments:    make(map[string]finance.PaymentRecord),
		withdrawals: make(map[string]finance.WithdrawalRequest),
		walletKeys:  make(map[string]bool),
	}
	return nil
}

func (m *Memory) fault(op string) error {
	m.faults.mu.Lock()
	defer m.faults.mu.Unlock()
	if err, ok := m.faults.next[op]; ok {
		delete(m.faults.next, op)
		return err
	}
	return nil
}

func (m *Memory) write() func() {
	if m.view {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *Memory) read() func() {
	if m.view {
		return func() {}
	}
	m.mu.RLock()
	return m.mu.RUnlock
}

// =============================================================================
// CASH
// =============================================================================

func (m *Memory) GetCashBalance(_ context.Context) (finance.CashBalance, error) {
	defer m.read()()
	return m.st.balance, nil
}

func (m *Memory) PostCashTransactions(_ context.Context, txs []finance.CashTransaction, expectedVersion int64, updatedBy string) (finance.CashBalance, error) {
	defer m.write()()
	if err := m.fault("PostCashTransactions"); err != nil {
		return finance.CashBalance{}, err
	}
	if m.st.balance.Version != expectedVersion {
		return finance.CashBalance{}, finance.ErrConcurrentModification
	}

	running := m.st.balance.CurrentBalance
	for _, tx := range txs {
		running = running.Add(tx.Amount)
		if !tx.BalanceAfter.Valid || !tx.BalanceAfter.Decimal.Equal(running) {
			return finance.CashBalance{}, finance.Invalid("balance_after",
				fmt.Sprintf("transaction %s does not chain from the current balance", tx.ID))
		}
	}

	for _, tx := range txs {
		tx.BalanceVersion = expectedVersion + 1
		m.st.cashTxs = append(m.st.cashTxs, tx)
	}
	m.st.balance = finance.CashBalance{
		CurrentBalance: running,
		LastUpdated:    time.Now().UTC(),
		UpdatedBy:      updatedBy,
		Version:        expectedVersion + 1,
	}
	return m.st.balance, nil
}

func (m *Memory) InsertCashTransaction(_ context.Context, tx finance.CashTransaction) error {
	defer m.write()()
	if err := m.fault("InsertCashTransaction"); err != nil {
		return err
	}
	if tx.Status != finance.TxStatusPending {
		return finance.Invalid("status", "only pending rows can be inserted without posting")
	}
	m.st.cashTxs = append(m.st.cashTxs, tx)
	return nil
}

func (m *Memory) ConfirmCashTransaction(_ context.Context, id, confirmedBy string, at time.Time, balanceAfter decimal.Decimal, expectedVersion int64) (finance.CashBalance, error) {
	defer m.write()()
	if err := m.fault("ConfirmCashTransaction"); err != nil {
		return finance.CashBalance{}, err
	}

	idx := -1
	for i, tx := range m.st.cashTxs {
		if tx.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return finance.CashBalance{}, finance.ErrNotFound
	}
	tx := m.st.cashTxs[idx]
	if tx.Status != finance.TxStatusPending {
		return finance.CashBalance{}, &finance.AlreadyProcessedError{Kind: "already confirmed", Key: id}
	}
	if m.st.balance.Version != expectedVersion {
		return finance.CashBalance{}, finance.ErrConcurrentModification
	}
	if !m.st.balance.CurrentBalance.Add(tx.Amount).Equal(balanceAfter) {
		return finance.CashBalance{}, finance.Invalid("balance_after", "does not chain from the current balance")
	}

	tx.Status = finance.TxStatusConfirmed
	tx.ConfirmedBy = confirmedBy
	tx.ConfirmedAt = &at
	tx.BalanceAfter = decimal.NullDecimal{Decimal: balanceAfter, Valid: true}
	tx.BalanceVersion = expectedVersion + 1
	m.st.cashTxs[idx] = tx

	m.st.balance = finance.CashBalance{
		CurrentBalance: balanceAfter,
		LastUpdated:    at,
		UpdatedBy:      confirmedBy,
		Version:        expectedVersion + 1,
	}
	return m.st.balance, nil
}

func (m *Memory) GetCashTransaction(_ context.Context, id string) (finance.CashTransaction, error) {
	defer m.read()()
	for _, tx := range m.st.cashTxs {
		if tx.ID == id {
			return tx, nil
		}
	}
	return finance.CashTransaction{}, finance.ErrNotFound
}

func (m *Memory) ListCashTransactions(_ context.Context, limit int) ([]finance.CashTransaction, error) {
	defer m.read()()
	var result []finance.CashTransaction
	for i := len(m.st.cashTxs) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, m.st.cashTxs[i])
	}
	return result, nil
}

func (m *Memory) LatestCashPosting(_ context.Context) (finance.CashTransaction, error) {
	defer m.read()()
	found := -1
	for i, tx := range m.st.cashTxs {
		if tx.Status != finance.TxStatusConfirmed {
			continue
		}
		if found < 0 || tx.BalanceVersion >= m.st.cashTxs[found].BalanceVersion {
			found = i
		}
	}
	if found < 0 {
		return finance.CashTransaction{}, finance.ErrNotFound
	}
	return m.st.cashTxs[found], nil
}

func (m *Memory) CashTransactionsByReference(_ context.Context, reference string) ([]finance.CashTransaction, error) {
	defer m.read()()
	var result []finance.CashTransaction
	for _, tx := range m.st.cashTxs {
		if tx.Reference == reference && tx.Status == finance.TxStatusConfirmed {
			result = append(result, tx)
		}
	}
	return result, nil
}

// =============================================================================
// PAYMENT RECORDS
// =============================================================================

func (m *Memory) CreatePaymentRecord(_ context.Context, p finance.PaymentRecord) error {
	defer m.write()()
	if _, ok := m.st.payments[p.ID]; ok {
		return &finance.AlreadyProcessedError{Kind: "already exists", Key: p.ID}
	}
	if p.Status == "" {
		p.Status = finance.PaymentPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.st.payments[p.ID] = p
	return nil
}

func (m *Memory) GetPaymentRecord(_ context.Context, id string) (finance.PaymentRecord, error) {
	defer m.read()()
	if err := m.fault("GetPaymentRecord"); err != nil {
		return finance.PaymentRecord{}, err
	}
	p, ok := m.st.payments[id]
	if !ok {
		return finance.PaymentRecord{}, finance.ErrNotFound
	}
	return p, nil
}

func (m *Memory) ListPaymentRecords(_ context.Context, status finance.PaymentStatus) ([]finance.PaymentRecord, error) {
	defer m.read()()
	var result []finance.PaymentRecord
	for _, p := range m.st.payments {
		if status == "" || p.Status == status {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) MarkPaymentRecordPaid(_ context.Context, id string, amountPaid decimal.Decimal, paidBy string, at time.Time) error {
	defer m.write()()
	if err := m.fault("MarkPaymentRecordPaid"); err != nil {
		return err
	}
	p, ok := m.st.payments[id]
	if !ok {
		return finance.ErrNotFound
	}
	if p.Status != finance.PaymentPending {
		return &finance.AlreadyProcessedError{Kind: "already paid", Key: id}
	}
	p.Status = finance.PaymentPaid
	p.AmountPaid = amountPaid
	p.Balance = decimal.Zero
	p.PaidBy = paidBy
	p.PaidAt = &at
	m.st.payments[id] = p
	return nil
}

func (m *Memory) FindSupplierPayment(_ context.Context, reference string) (finance.SupplierPayment, error) {
	defer m.read()()
	for _, sp := range m.st.supplierPayments {
		if sp.Reference == reference && !sp.IsDuplicate {
			return sp, nil
		}
	}
	return finance.SupplierPayment{}, finance.ErrNotFound
}

func (m *Memory) InsertSupplierPayment(_ context.Context, p finance.SupplierPayment) error {
	defer m.write()()
	if err := m.fault("InsertSupplierPayment"); err != nil {
		return err
	}
	if !p.IsDuplicate {
		for _, sp := range m.st.supplierPayments {
			if sp.Reference == p.Reference && !sp.IsDuplicate {
				return &finance.AlreadyProcessedError{Kind: "already exists", Key: p.Reference}
			}
		}
	}
	m.st.supplierPayments = append(m.st.supplierPayments, p)
	return nil
}

// SupplierPayments returns every disbursement row (test helper).
func (m *Memory) SupplierPayments() []finance.SupplierPayment {
	defer m.read()()
	return append([]finance.SupplierPayment(nil), m.st.supplierPayments...)
}

// =============================================================================
// ADVANCES
// =============================================================================

func (m *Memory) CreateAdvance(_ context.Context, a finance.SupplierAdvance) error {
	defer m.write()()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.st.advances = append(m.st.advances, a)
	return nil
}

func (m *Memory) OutstandingAdvances(_ context.Context, supplierID string) ([]finance.SupplierAdvance, error) {
	defer m.read()()
	if err := m.fault("OutstandingAdvances"); err != nil {
		return nil, err
	}
	var result []finance.SupplierAdvance
	for _, a := range m.st.advances {
		if a.SupplierID == supplierID && !a.IsClosed {
			result = append(result, a)
		}
	}
	return result, nil
}

func (m *Memory) CloseAdvances(_ context.Context, supplierID string, at time.Time) (decimal.Decimal, error) {
	defer m.write()()
	if err := m.fault("CloseAdvances"); err != nil {
		return decimal.Zero, err
	}

	closed := decimal.Zero
	for i := range m.st.advances {
		a := &m.st.advances[i]
		if a.SupplierID != supplierID || a.IsClosed {
			continue
		}
		closed = closed.Add(a.OutstandingUGX)
		a.OutstandingUGX = decimal.Zero
		a.IsClosed = true
		closedAt := at
		a.ClosedAt = &closedAt
	}
	return closed, nil
}

func (m *Memory) ListAdvances(_ context.Context) ([]finance.SupplierAdvance, error) {
	defer m.read()()
	return append([]finance.SupplierAdvance(nil), m.st.advances...), nil
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

func (m *Memory) CreateWithdrawal(_ context.Context, w finance.WithdrawalRequest) error {
	defer m.write()()
	if err := m.fault("CreateWithdrawal"); err != nil {
		return err
	}
	if _, ok := m.st.withdrawals[w.ID]; ok {
		return &finance.AlreadyProcessedError{Kind: "already exists", Key: w.ID}
	}
	m.st.withdrawals[w.ID] = w
	return nil
}

func (m *Memory) GetWithdrawal(_ context.Context, id string) (finance.WithdrawalRequest, error) {
	defer m.read()()
	w, ok := m.st.withdrawals[id]
	if !ok {
		return finance.WithdrawalRequest{}, finance.ErrNotFound
	}
	return w, nil
}

func (m *Memory) ListWithdrawals(_ context.Context, status finance.WithdrawalStatus) ([]finance.WithdrawalRequest, error) {
	defer m.read()()
	var result []finance.WithdrawalRequest
	for _, w := range m.st.withdrawals {
		if status == "" || w.Status == status {
			result = append(result, w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *Memory) FillApprovalSlot(_ context.Context, id string, slot int, identity string, at time.Time, final bool) error {
	defer m.write()()
	if err := m.fault("FillApprovalSlot"); err != nil {
		return err
	}
	w, ok := m.st.withdrawals[id]
	if !ok {
		return finance.ErrNotFound
	}
	if slot < 1 || slot > finance.MaxApprovalSlots {
		return finance.Invalid("slot", "out of range")
	}
	if w.Status != finance.WithdrawalPending || w.Slots()[slot-1].Approved {
		return finance.ErrConcurrentModification
	}

	w.SetSlot(slot, identity, at)
	if final {
		w.AdminApproved = true
		w.AdminApprovedBy = identity
		w.AdminApprovedAt = &at
		w.Status = finance.WithdrawalPendingFinance
	}
	w.UpdatedAt = at
	m.st.withdrawals[id] = w
	return nil
}

func (m *Memory) ApproveWithdrawalFinance(_ context.Context, id, identity string, at time.Time) error {
	defer m.write()()
	if err := m.fault("ApproveWithdrawalFinance"); err != nil {
		return err
	}
	w, ok := m.st.withdrawals[id]
	if !ok {
		return finance.ErrNotFound
	}
	if w.Status != finance.WithdrawalPendingFinance {
		return finance.ErrConcurrentModification
	}
	w.Status = finance.WithdrawalApproved
	w.ApprovedBy, w.ApprovedAt = identity, &at
	w.FinanceApprovedBy, w.FinanceApprovedAt = identity, &at
	w.UpdatedAt = at
	m.st.withdrawals[id] = w
	return nil
}

func (m *Memory) RejectWithdrawal(_ context.Context, id, identity, reason string, at time.Time) error {
	defer m.write()()
	w, ok := m.st.withdrawals[id]
	if !ok {
		return finance.ErrNotFound
	}
	if w.Status.Terminal() {
		return finance.ErrConcurrentModification
	}
	w.Status = finance.WithdrawalRejected
	w.RejectedBy, w.RejectedAt = identity, &at
	w.RejectionReason = reason
	w.UpdatedAt = at
	m.st.withdrawals[id] = w
	return nil
}

// =============================================================================
// WALLET
// =============================================================================

func (m *Memory) AppendWalletEntry(_ context.Context, e finance.WalletEntry) error {
	defer m.write()()
	if err := m.fault("AppendWalletEntry"); err != nil {
		return err
	}
	if e.IdempotencyKey != "" {
		if m.st.walletKeys[e.IdempotencyKey] {
			return finance.ErrDuplicateIdempotencyKey
		}
		m.st.walletKeys[e.IdempotencyKey] = true
	}
	m.st.wallet = append(m.st.wallet, e)
	return nil
}

func (m *Memory) WalletEntries(_ context.Context, identity string) ([]finance.WalletEntry, error) {
	defer m.read()()
	var result []finance.WalletEntry
	for _, e := range m.st.wallet {
		if e.Identity == identity {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *Memory) WalletEntryExists(_ context.Context, idempotencyKey string) (bool, error) {
	defer m.read()()
	return m.st.walletKeys[idempotencyKey], nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn with exclusive access, simulated with a snapshot and a
// rollback on error.
func (tm *TxMemory) WithTx(_ context.Context, fn func(finance.LedgerStore) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.st.clone()
	view := &Memory{mu: tm.mu, st: tm.st, faults: tm.faults, view: true}

	if err := fn(view); err != nil {
		*tm.st = *snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := &state{
		balance:          s.balance,
		cashTxs:          append([]finance.CashTransaction(nil), s.cashTxs...),
		payments:         make(map[string]finance.PaymentRecord, len(s.payments)),
		supplierPayments: append([]finance.SupplierPayment(nil), s.supplierPayments...),
		advances:         append([]finance.SupplierAdvance(nil), s.advances...),
		withdrawals:      make(map[string]finance.WithdrawalRequest, len(s.withdrawals)),
		wallet:           append([]finance.WalletEntry(nil), s.wallet...),
		walletKeys:       make(map[string]bool, len(s.walletKeys)),
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.withdrawals {
		c.withdrawals[k] = v
	}
	for k, v := range s.walletKeys {
		c.walletKeys[k] = v
	}
	return c
}

var (
	_ finance.LedgerStore = (*Memory)(nil)
	_ finance.TxStore     = (*TxMemory)(nil)
)
