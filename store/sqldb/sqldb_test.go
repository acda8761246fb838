package sqldb_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coffeeops/finance-engine/finance"
	"github.com/coffeeops/finance-engine/store/sqldb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqldb.Store {
	t.Helper()
	store, err := sqldb.New(sqldb.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func ugx(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func postRows(t *testing.T, s finance.CashStore, amounts ...int64) finance.CashBalance {
	t.Helper()
	ctx := context.Background()
	cur, err := s.GetCashBalance(ctx)
	require.NoError(t, err)

	rows := make([]finance.CashTransaction, len(amounts))
	for i, a := range amounts {
		txType := finance.TxDeposit
		if a < 0 {
			txType = finance.TxPayment
		}
		rows[i] = finance.NewCashTransaction(txType, ugx(a), "REF", "finance@example.com", time.Now().UTC())
	}
	finance.ApplyRunning(cur.CurrentBalance, rows)

	bal, err := s.PostCashTransactions(ctx, rows, cur.Version, "finance@example.com")
	require.NoError(t, err)
	return bal
}

// =============================================================================
// CASH
// =============================================================================

func TestStore_CashBalance_SeededAtZero(t *testing.T) {
	store := newTestStore(t)

	bal, err := store.GetCashBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, bal.CurrentBalance.IsZero())
	assert.Equal(t, int64(1), bal.Version)
}

func TestStore_PostCashTransactions_BatchKeepsLogAndSingletonInStep(t *testing.T) {
	// GIVEN: 1,000,000 deposited
	// WHEN: Two lot payments are posted in one batch
	// THEN: The singleton ends at -100000 and the newest row agrees with it

	store := newTestStore(t)
	ctx := context.Background()

	postRows(t, store, 1000000)
	bal := postRows(t, store, -600000, -500000)

	assert.True(t, ugx(-100000).Equal(bal.CurrentBalance), "got %s", bal.CurrentBalance)
	assert.Equal(t, int64(3), bal.Version)

	stored, err := store.GetCashBalance(ctx)
	require.NoError(t, err)
	assert.True(t, ugx(-100000).Equal(stored.CurrentBalance))

	rows, err := store.ListCashTransactions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.True(t, ugx(-500000).Equal(rows[0].Amount), "newest first")
	assert.True(t, ugx(-100000).Equal(rows[0].BalanceAfter.Decimal))
	assert.True(t, ugx(400000).Equal(rows[1].BalanceAfter.Decimal))
}

func TestStore_PostCashTransactions_StaleVersionWritesNothing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	postRows(t, store, 1000)

	rows := []finance.CashTransaction{
		finance.NewCashTransaction(finance.TxExpense, ugx(-10), "E", "x", time.Now().UTC()),
	}
	finance.ApplyRunning(ugx(1000), rows)
	_, err := store.PostCashTransactions(ctx, rows, 1, "x")
	assert.ErrorIs(t, err, finance.ErrConcurrentModification)

	all, err := store.ListCashTransactions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_ConfirmCashTransaction(t *testing.T) {
	// GIVEN: A pending deposit of 250000
	// WHEN: It is confirmed
	// THEN: The singleton moves and the row carries balance_after; a second confirm is refused

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertCashTransaction(ctx, finance.CashTransaction{
		ID:              "dep-1",
		TransactionType: finance.TxDeposit,
		Amount:          ugx(250000),
		Reference:       "BANK-77",
		CreatedBy:       "clerk@example.com",
		Status:          finance.TxStatusPending,
		CreatedAt:       time.Now().UTC(),
	}))

	bal, err := store.ConfirmCashTransaction(ctx, "dep-1", "finance@example.com", time.Now().UTC(), ugx(250000), 1)
	require.NoError(t, err)
	assert.True(t, ugx(250000).Equal(bal.CurrentBalance))

	tx, err := store.GetCashTransaction(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, finance.TxStatusConfirmed, tx.Status)
	assert.Equal(t, "finance@example.com", tx.ConfirmedBy)
	require.NotNil(t, tx.ConfirmedAt)
	assert.True(t, ugx(250000).Equal(tx.BalanceAfter.Decimal))

	_, err = store.ConfirmCashTransaction(ctx, "dep-1", "finance@example.com", time.Now().UTC(), ugx(500000), 2)
	assert.ErrorIs(t, err, finance.ErrAlreadyProcessed)

	_, err = store.GetCashTransaction(ctx, "missing")
	assert.ErrorIs(t, err, finance.ErrNotFound)
}

// =============================================================================
// PAYMENTS AND ADVANCES
// =============================================================================

func TestStore_LatestCashPosting_FollowsConfirmationOrder(t *testing.T) {
	// GIVEN: A deposit recorded, an expense posted, then the deposit confirmed
	// WHEN: Asking for the latest posting
	// THEN: The deposit is returned, its balance_after matching the singleton

	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.LatestCashPosting(ctx)
	assert.ErrorIs(t, err, finance.ErrNotFound)

	require.NoError(t, store.InsertCashTransaction(ctx, finance.CashTransaction{
		ID:              "dep-1",
		TransactionType: finance.TxDeposit,
		Amount:          ugx(1000),
		CreatedBy:       "clerk@example.com",
		Status:          finance.TxStatusPending,
		CreatedAt:       time.Now().UTC(),
	}))

	exp := finance.NewCashTransaction(finance.TxExpense, ugx(-300), "EXP-1", "clerk@example.com", time.Now().UTC())
	exp.BalanceAfter = decimal.NewNullDecimal(ugx(-300))
	bal, err := store.PostCashTransactions(ctx, []finance.CashTransaction{exp}, 1, "clerk@example.com")
	require.NoError(t, err)

	bal, err = store.ConfirmCashTransaction(ctx, "dep-1", "finance@example.com", time.Now().UTC(), ugx(700), bal.Version)
	require.NoError(t, err)

	latest, err := store.LatestCashPosting(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dep-1", latest.ID)
	assert.Equal(t, bal.Version, latest.BalanceVersion)
	assert.True(t, bal.CurrentBalance.Equal(latest.BalanceAfter.Decimal))
}

func TestStore_PaymentRecord_PaidOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePaymentRecord(ctx, finance.PaymentRecord{
		ID:          "pr-1",
		BatchNumber: "B-001",
		SupplierID:  "sup-1",
		Kilograms:   ugx(100),
		FinalPrice:  decimal.NewNullDecimal(ugx(5000)),
		Balance:     ugx(500000),
	}))

	p, err := store.GetPaymentRecord(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, finance.PaymentPending, p.Status)
	assert.True(t, ugx(5000).Equal(p.UnitPrice()))
	assert.False(t, p.SuggestedPrice.Valid)

	require.NoError(t, store.MarkPaymentRecordPaid(ctx, "pr-1", ugx(500000), "finance@example.com", time.Now().UTC()))
	err = store.MarkPaymentRecordPaid(ctx, "pr-1", ugx(500000), "finance@example.com", time.Now().UTC())
	assert.ErrorIs(t, err, finance.ErrAlreadyProcessed)
	assert.ErrorIs(t, store.MarkPaymentRecordPaid(ctx, "nope", ugx(1), "x", time.Now()), finance.ErrNotFound)

	paid, err := store.ListPaymentRecords(ctx, finance.PaymentPaid)
	require.NoError(t, err)
	require.Len(t, paid, 1)
	assert.True(t, paid[0].Balance.IsZero())
	assert.Equal(t, "finance@example.com", paid[0].PaidBy)
}

func TestStore_SupplierPayment_UniqueLiveRowPerReference(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sp := finance.SupplierPayment{
		ID: "sp-1", Reference: "B-001", SupplierID: "sup-1", PaymentRecordID: "pr-1",
		GrossAmount: ugx(500000), AdvanceRecovered: ugx(200000), AmountPaid: ugx(300000),
		Method: "CASH", ProcessedBy: "finance@example.com", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.InsertSupplierPayment(ctx, sp))

	sp.ID = "sp-2"
	assert.ErrorIs(t, store.InsertSupplierPayment(ctx, sp), finance.ErrAlreadyProcessed)

	sp.ID, sp.IsDuplicate = "sp-3", true
	assert.NoError(t, store.InsertSupplierPayment(ctx, sp))

	found, err := store.FindSupplierPayment(ctx, "B-001")
	require.NoError(t, err)
	assert.Equal(t, "sp-1", found.ID)
	assert.True(t, ugx(200000).Equal(found.AdvanceRecovered))

	_, err = store.FindSupplierPayment(ctx, "B-404")
	assert.ErrorIs(t, err, finance.ErrNotFound)
}

func TestStore_CloseAdvances_ClosesEveryOpenAdvance(t *testing.T) {
	// GIVEN: Two open advances of 300000 and 50000 for one supplier, one for another
	// WHEN: Closing the first supplier's advances
	// THEN: Both are zeroed and closed, 350000 is reported, the other supplier is untouched

	store := newTestStore(t)
	ctx := context.Background()
	for _, a := range []finance.SupplierAdvance{
		{ID: "adv-1", SupplierID: "sup-1", AmountUGX: ugx(300000), OutstandingUGX: ugx(300000)},
		{ID: "adv-2", SupplierID: "sup-1", AmountUGX: ugx(50000), OutstandingUGX: ugx(50000)},
		{ID: "adv-3", SupplierID: "sup-2", AmountUGX: ugx(70000), OutstandingUGX: ugx(70000)},
	} {
		a.CreatedBy = "finance@example.com"
		require.NoError(t, store.CreateAdvance(ctx, a))
	}

	closed, err := store.CloseAdvances(ctx, "sup-1", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ugx(350000).Equal(closed))

	open, err := store.OutstandingAdvances(ctx, "sup-1")
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := store.ListAdvances(ctx)
	require.NoError(t, err)
	for _, a := range all {
		if a.SupplierID != "sup-1" {
			continue
		}
		assert.True(t, a.IsClosed)
		assert.True(t, a.OutstandingUGX.IsZero())
		assert.NotNil(t, a.ClosedAt)
	}

	other, err := store.OutstandingAdvances(ctx, "sup-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.True(t, ugx(70000).Equal(other[0].OutstandingUGX))

	closed, err = store.CloseAdvances(ctx, "sup-1", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, closed.IsZero())
}

// =============================================================================
// WITHDRAWALS AND WALLET
// =============================================================================

func TestStore_Withdrawal_SlotsAndFinance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.CreateWithdrawal(ctx, finance.WithdrawalRequest{
		ID: "w-1", Amount: ugx(150000), Status: finance.WithdrawalPending,
		RequestedBy: "alice@example.com", PaymentChannel: finance.ChannelMobileMoney,
		PhoneNumber: "+256772123456", RequiresThreeApprovals: true,
		CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, store.FillApprovalSlot(ctx, "w-1", 1, "bob@example.com", now, false))
	assert.ErrorIs(t, store.FillApprovalSlot(ctx, "w-1", 1, "carol@example.com", now, false), finance.ErrConcurrentModification)
	require.NoError(t, store.FillApprovalSlot(ctx, "w-1", 2, "carol@example.com", now, false))

	// finance cannot act before the admin stage is complete
	assert.ErrorIs(t, store.ApproveWithdrawalFinance(ctx, "w-1", "fin@example.com", now), finance.ErrConcurrentModification)

	require.NoError(t, store.FillApprovalSlot(ctx, "w-1", 3, "dave@example.com", now, true))

	w, err := store.GetWithdrawal(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, finance.WithdrawalPendingFinance, w.Status)
	assert.Equal(t, 3, w.ApprovalCount())
	assert.True(t, w.HasApproved("carol@example.com"))
	assert.Equal(t, "dave@example.com", w.AdminApprovedBy)

	require.NoError(t, store.ApproveWithdrawalFinance(ctx, "w-1", "fin@example.com", now))
	assert.ErrorIs(t, store.RejectWithdrawal(ctx, "w-1", "fin@example.com", "late", now), finance.ErrConcurrentModification)

	approved, err := store.ListWithdrawals(ctx, finance.WithdrawalApproved)
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, "fin@example.com", approved[0].FinanceApprovedBy)

	assert.ErrorIs(t, store.FillApprovalSlot(ctx, "nope", 1, "x", now, false), finance.ErrNotFound)
}

func TestStore_Wallet_IdempotencyKeyUnique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.AppendWalletEntry(ctx, finance.WalletEntry{
		ID: "e-1", Identity: "alice@example.com", Amount: ugx(100000), Type: finance.WalletCredit, CreatedAt: now,
	}))
	require.NoError(t, store.AppendWalletEntry(ctx, finance.WalletEntry{
		ID: "e-2", Identity: "alice@example.com", Amount: ugx(-40000), Type: finance.WalletWithdrawal,
		IdempotencyKey: "withdrawal:w-1", CreatedAt: now,
	}))
	err := store.AppendWalletEntry(ctx, finance.WalletEntry{
		ID: "e-3", Identity: "alice@example.com", Amount: ugx(-40000), Type: finance.WalletWithdrawal,
		IdempotencyKey: "withdrawal:w-1", CreatedAt: now,
	})
	assert.ErrorIs(t, err, finance.ErrDuplicateIdempotencyKey)

	exists, err := store.WalletEntryExists(ctx, "withdrawal:w-1")
	require.NoError(t, err)
	assert.True(t, exists)

	entries, err := store.WalletEntries(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, "", entries[0].IdempotencyKey)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestStore_WithTx_RollsBackEverything(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	postRows(t, store, 1000000)
	require.NoError(t, store.CreatePaymentRecord(ctx, finance.PaymentRecord{ID: "pr-1", BatchNumber: "B-1", Kilograms: ugx(1)}))

	boom := errors.New("dispatcher down")
	err := store.WithTx(ctx, func(s finance.LedgerStore) error {
		if err := s.MarkPaymentRecordPaid(ctx, "pr-1", ugx(1000), "f", time.Now()); err != nil {
			return err
		}
		postRows(t, s, -1000)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	p, err := store.GetPaymentRecord(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, finance.PaymentPending, p.Status)

	bal, err := store.GetCashBalance(ctx)
	require.NoError(t, err)
	assert.True(t, ugx(1000000).Equal(bal.CurrentBalance))
}

func TestStore_Reset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	postRows(t, store, 5000)

	require.NoError(t, store.Reset(ctx))

	bal, err := store.GetCashBalance(ctx)
	require.NoError(t, err)
	assert.True(t, bal.CurrentBalance.IsZero())
	rows, err := store.ListCashTransactions(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
