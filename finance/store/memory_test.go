package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coffeeops/finance-engine/finance"
	"github.com/coffeeops/finance-engine/finance/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ugx(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func deposit(t *testing.T, s finance.CashStore, amount int64) finance.CashBalance {
	t.Helper()
	ctx := context.Background()
	cur, err := s.GetCashBalance(ctx)
	require.NoError(t, err)
	rows := []finance.CashTransaction{
		finance.NewCashTransaction(finance.TxDeposit, ugx(amount), "seed", "test", time.Now()),
	}
	finance.ApplyRunning(cur.CurrentBalance, rows)
	bal, err := s.PostCashTransactions(ctx, rows, cur.Version, "test")
	require.NoError(t, err)
	return bal
}

func TestTxMemory_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A store with 1,000,000 cash and a pending lot
	// WHEN: A transaction pays the lot, posts the cash row, then fails
	// THEN: Neither the lot nor the cash balance changed

	ctx := context.Background()
	tm := store.NewTxMemory()
	deposit(t, tm, 1000000)
	require.NoError(t, tm.CreatePaymentRecord(ctx, finance.PaymentRecord{ID: "pr-1", BatchNumber: "B-1"}))

	boom := errors.New("boom")
	err := tm.WithTx(ctx, func(s finance.LedgerStore) error {
		require.NoError(t, s.MarkPaymentRecordPaid(ctx, "pr-1", ugx(500000), "f", time.Now()))
		cur, err := s.GetCashBalance(ctx)
		require.NoError(t, err)
		rows := []finance.CashTransaction{
			finance.NewCashTransaction(finance.TxPayment, ugx(-500000), "B-1", "f", time.Now()),
		}
		finance.ApplyRunning(cur.CurrentBalance, rows)
		_, err = s.PostCashTransactions(ctx, rows, cur.Version, "f")
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	p, err := tm.GetPaymentRecord(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, finance.PaymentPending, p.Status)

	bal, err := tm.GetCashBalance(ctx)
	require.NoError(t, err)
	assert.True(t, ugx(1000000).Equal(bal.CurrentBalance))
	assert.Equal(t, int64(2), bal.Version)
}

func TestMemory_PostCashTransactions_StaleVersion(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	deposit(t, m, 100)

	rows := []finance.CashTransaction{
		finance.NewCashTransaction(finance.TxExpense, ugx(-50), "E", "x", time.Now()),
	}
	finance.ApplyRunning(ugx(100), rows)
	_, err := m.PostCashTransactions(ctx, rows, 1, "x")
	assert.ErrorIs(t, err, finance.ErrConcurrentModification)
}

func TestMemory_MarkPaymentRecordPaid_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.CreatePaymentRecord(ctx, finance.PaymentRecord{ID: "pr-1", BatchNumber: "B-1"}))

	require.NoError(t, m.MarkPaymentRecordPaid(ctx, "pr-1", ugx(10), "a", time.Now()))
	err := m.MarkPaymentRecordPaid(ctx, "pr-1", ugx(10), "b", time.Now())

	var ap *finance.AlreadyProcessedError
	require.ErrorAs(t, err, &ap)
	assert.Equal(t, "already paid", ap.Kind)
}

func TestMemory_InsertSupplierPayment_UniquePerReference(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	require.NoError(t, m.InsertSupplierPayment(ctx, finance.SupplierPayment{ID: "sp-1", Reference: "B-1"}))
	assert.ErrorIs(t, m.InsertSupplierPayment(ctx, finance.SupplierPayment{ID: "sp-2", Reference: "B-1"}), finance.ErrAlreadyProcessed)

	// flagged duplicates are kept for audit
	require.NoError(t, m.InsertSupplierPayment(ctx, finance.SupplierPayment{ID: "sp-3", Reference: "B-1", IsDuplicate: true}))
	assert.Len(t, m.SupplierPayments(), 2)
}

func TestMemory_CloseAdvances_ClosesAllOpen(t *testing.T) {
	// GIVEN: Two open advances of 100000 and 150000
	// WHEN: Closing the supplier's advances
	// THEN: Both are closed at zero and 250000 is reported

	ctx := context.Background()
	m := store.NewMemory()
	t0 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.CreateAdvance(ctx, finance.SupplierAdvance{ID: "a1", SupplierID: "s", AmountUGX: ugx(100000), OutstandingUGX: ugx(100000), CreatedAt: t0}))
	require.NoError(t, m.CreateAdvance(ctx, finance.SupplierAdvance{ID: "a2", SupplierID: "s", AmountUGX: ugx(150000), OutstandingUGX: ugx(150000), CreatedAt: t0.Add(time.Hour)}))

	closed, err := m.CloseAdvances(ctx, "s", t0.Add(48*time.Hour))
	require.NoError(t, err)
	assert.True(t, ugx(250000).Equal(closed))

	open, err := m.OutstandingAdvances(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := m.ListAdvances(ctx)
	require.NoError(t, err)
	for _, a := range all {
		assert.True(t, a.IsClosed)
		assert.True(t, a.OutstandingUGX.IsZero())
		require.NotNil(t, a.ClosedAt)
	}
}

func TestMemory_FillApprovalSlot_Guarded(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.CreateWithdrawal(ctx, finance.WithdrawalRequest{
		ID: "w-1", Amount: ugx(150000), Status: finance.WithdrawalPending, RequiresThreeApprovals: true,
	}))

	now := time.Now()
	require.NoError(t, m.FillApprovalSlot(ctx, "w-1", 1, "a@x", now, false))
	assert.ErrorIs(t, m.FillApprovalSlot(ctx, "w-1", 1, "b@x", now, false), finance.ErrConcurrentModification)
	require.NoError(t, m.FillApprovalSlot(ctx, "w-1", 2, "b@x", now, false))
	require.NoError(t, m.FillApprovalSlot(ctx, "w-1", 3, "c@x", now, true))

	w, err := m.GetWithdrawal(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, finance.WithdrawalPendingFinance, w.Status)
	assert.True(t, w.AdminApproved)
	assert.Equal(t, 3, w.ApprovalCount())

	require.NoError(t, m.ApproveWithdrawalFinance(ctx, "w-1", "fin@x", now))
	assert.ErrorIs(t, m.ApproveWithdrawalFinance(ctx, "w-1", "fin@x", now), finance.ErrConcurrentModification)
	assert.ErrorIs(t, m.RejectWithdrawal(ctx, "w-1", "fin@x", "late", now), finance.ErrConcurrentModification)
}

func TestMemory_FailNext_IsOneShot(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	m.FailNext("CreateWithdrawal", finance.ErrBackendUnavailable)

	assert.ErrorIs(t, m.CreateWithdrawal(ctx, finance.WithdrawalRequest{ID: "w"}), finance.ErrBackendUnavailable)
	assert.NoError(t, m.CreateWithdrawal(ctx, finance.WithdrawalRequest{ID: "w"}))
}

func TestMemory_FailNext_OneShotUnderConcurrentReads(t *testing.T) {
	// GIVEN: A fault armed on a read path
	// WHEN: Many goroutines read at once
	// THEN: Exactly one of them sees the fault

	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.CreatePaymentRecord(ctx, finance.PaymentRecord{ID: "L1", Status: finance.PaymentPending}))
	m.FailNext("GetPaymentRecord", finance.ErrBackendUnavailable)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.GetPaymentRecord(ctx, "L1"); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, failed)
}
