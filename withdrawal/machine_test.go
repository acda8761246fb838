package withdrawal_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coffeeops/finance-engine/finance"
	"github.com/coffeeops/finance-engine/finance/store"
	"github.com/coffeeops/finance-engine/lock"
	"github.com/coffeeops/finance-engine/notify"
	"github.com/coffeeops/finance-engine/withdrawal"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	employee = "employee@example.com"
	adminA   = "admin.a@example.com"
	adminB   = "admin.b@example.com"
	adminC   = "admin.c@example.com"
	treasury = "finance@example.com"
)

func ugx(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (r *recordingDispatcher) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingDispatcher) byTemplate(name string) []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Message
	for _, m := range r.sent {
		if m.Template == name {
			out = append(out, m)
		}
	}
	return out
}

func newTestMachine(t *testing.T, s finance.LedgerStore) (*withdrawal.Machine, *recordingDispatcher) {
	t.Helper()
	d := &recordingDispatcher{}
	return withdrawal.NewMachine(s, finance.DefaultConfig(), lock.NewLocalLocker(time.Second), d, nil), d
}

func submitCash(t *testing.T, m *withdrawal.Machine, amount int64) finance.WithdrawalRequest {
	t.Helper()
	w, err := m.Submit(context.Background(), withdrawal.SubmitInput{
		RequestedBy:    employee,
		Amount:         ugx(amount),
		Reason:         "school fees",
		PaymentChannel: finance.ChannelCash,
	})
	require.NoError(t, err)
	return w
}

func fund(t *testing.T, s finance.WalletStore, identity string, amount int64) {
	t.Helper()
	_, err := finance.NewWallet(s).Credit(context.Background(), identity, ugx(amount), "salary", treasury)
	require.NoError(t, err)
}

func approve(t *testing.T, m *withdrawal.Machine, id, identity string) withdrawal.Transition {
	t.Helper()
	tr, err := m.Approve(context.Background(), id, identity)
	require.NoError(t, err)
	return tr
}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmit_ApprovalTierFromAmount(t *testing.T) {
	// GIVEN: Requests of 100000 and 100001
	// WHEN: Submitting both
	// THEN: The threshold is exclusive: 1 approval at 100000, 3 above

	m, _ := newTestMachine(t, store.NewTxMemory())

	atThreshold := submitCash(t, m, 100000)
	above := submitCash(t, m, 100001)

	assert.Equal(t, finance.WithdrawalPending, atThreshold.Status)
	assert.False(t, atThreshold.RequiresThreeApprovals)
	assert.Equal(t, 1, m.RequiredApprovals(atThreshold))

	assert.True(t, above.RequiresThreeApprovals)
	assert.Equal(t, 3, m.RequiredApprovals(above))
}

func TestSubmit_Validation(t *testing.T) {
	s := store.NewTxMemory()
	m, _ := newTestMachine(t, s)
	ctx := context.Background()

	cases := map[string]withdrawal.SubmitInput{
		"zero amount":      {RequestedBy: employee, Amount: decimal.Zero, PaymentChannel: finance.ChannelCash},
		"negative amount":  {RequestedBy: employee, Amount: ugx(-10), PaymentChannel: finance.ChannelCash},
		"no requester":     {Amount: ugx(10), PaymentChannel: finance.ChannelCash},
		"unknown channel":  {RequestedBy: employee, Amount: ugx(10), PaymentChannel: "CHEQUE"},
		"mobile no phone":  {RequestedBy: employee, Amount: ugx(10), PaymentChannel: finance.ChannelMobileMoney, AccountName: "Jane"},
		"mobile bad phone": {RequestedBy: employee, Amount: ugx(10), PaymentChannel: finance.ChannelMobileMoney, AccountName: "Jane", PhoneNumber: "123"},
		"bank no account":  {RequestedBy: employee, Amount: ugx(10), PaymentChannel: finance.ChannelBank, AccountName: "Jane", BankName: "Stanbic"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := m.Submit(ctx, in)
			assert.ErrorIs(t, err, finance.ErrValidation)
		})
	}

	all, err := m.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSubmit_MobileMoneyNormalizesPhone(t *testing.T) {
	m, _ := newTestMachine(t, store.NewTxMemory())

	w, err := m.Submit(context.Background(), withdrawal.SubmitInput{
		RequestedBy:    employee,
		Amount:         ugx(50000),
		PaymentChannel: finance.ChannelMobileMoney,
		PhoneNumber:    "0772 123456",
		AccountName:    "Jane Nakato",
		BankName:       "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, "+256772123456", w.PhoneNumber)
	assert.Equal(t, "Jane Nakato", w.AccountName)
	assert.Empty(t, w.BankName)
}

// =============================================================================
// ADMIN STAGE
// =============================================================================

func TestApprove_OneApprovalAtThreshold(t *testing.T) {
	// GIVEN: A 100000 request
	// WHEN: One admin approves
	// THEN: It moves to pending_finance with admin_approved set

	s := store.NewTxMemory()
	m, _ := newTestMachine(t, s)
	w := submitCash(t, m, 100000)

	tr := approve(t, m, w.ID, adminA)

	assert.Equal(t, withdrawal.StageAdmin, tr.Stage)
	assert.Equal(t, 1, tr.Slot)
	assert.Equal(t, 0, tr.Remaining)
	assert.Equal(t, finance.WithdrawalPendingFinance, tr.To)

	stored, err := m.Get(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, finance.WithdrawalPendingFinance, stored.Status)
	assert.True(t, stored.AdminApproved)
	assert.Equal(t, adminA, stored.AdminApprovedBy)
	assert.Equal(t, adminA, stored.AdminApproved1By)
	assert.False(t, stored.AdminApproved2)
}

func TestApprove_ThreeDistinctApprovers(t *testing.T) {
	// GIVEN: A 150000 request needing 3 approvals
	// WHEN: A approves, A approves again, B approves, C approves
	// THEN: A's second attempt is denied; C's approval moves it to pending_finance

	s := store.NewTxMemory()
	m, _ := newTestMachine(t, s)
	ctx := context.Background()
	w := submitCash(t, m, 150000)

	tr := approve(t, m, w.ID, adminA)
	assert.Equal(t, 1, tr.Slot)
	assert.Equal(t, 2, tr.Remaining)
	assert.Equal(t, finance.WithdrawalPending, tr.To)

	_, err := m.Approve(ctx, w.ID, adminA)
	assert.ErrorIs(t, err, finance.ErrAuthorizationDenied)

	tr = approve(t, m, w.ID, adminB)
	assert.Equal(t, 2, tr.Slot)
	assert.Equal(t, finance.WithdrawalPending, tr.To)

	tr = approve(t, m, w.ID, adminC)
	assert.Equal(t, 3, tr.Slot)
	assert.Equal(t, finance.WithdrawalPendingFinance, tr.To)

	stored, err := m.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, finance.WithdrawalPendingFinance, stored.Status)
	assert.Equal(t, []string{adminA, adminB, adminC},
		[]string{stored.AdminApproved1By, stored.AdminApproved2By, stored.AdminApproved3By})
	assert.Equal(t, adminC, stored.AdminApprovedBy)
}

func TestApprove_RequesterCannotApproveOwnRequest(t *testing.T) {
	for _, amount := range []int64{1, 100000, 100001, 5000000} {
		s := store.NewTxMemory()
		m, _ := newTestMachine(t, s)
		w := submitCash(t, m, amount)

		assert.False(t, m.CanApprove(w, employee))
		_, err := m.Approve(context.Background(), w.ID, employee)

		var authErr *finance.AuthorizationError
		require.ErrorAs(t, err, &authErr, "amount %d", amount)
		assert.Equal(t, employee, authErr.Identity)

		stored, err := m.Get(context.Background(), w.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, stored.ApprovalCount())
	}
}

func TestCanApprove_And_NextSlot(t *testing.T) {
	m, _ := newTestMachine(t, store.NewMemory())
	w := finance.WithdrawalRequest{
		ID: "w1", Amount: ugx(150000), Status: finance.WithdrawalPending,
		RequestedBy: employee, RequiresThreeApprovals: true,
	}
	assert.Equal(t, 1, m.NextSlot(w))
	assert.True(t, m.CanApprove(w, adminA))

	w.SetSlot(1, adminA, time.Now())
	assert.Equal(t, 2, m.NextSlot(w))
	assert.False(t, m.CanApprove(w, adminA))
	assert.True(t, m.CanApprove(w, adminB))

	w.SetSlot(2, adminB, time.Now())
	w.SetSlot(3, adminC, time.Now())
	assert.Equal(t, 0, m.NextSlot(w))

	w.RequiresThreeApprovals = false
	w.Status = finance.WithdrawalApproved
	assert.False(t, m.CanApprove(w, "someone.else@example.com"))
}

func TestApprove_ConcurrentAdminsFillDistinctSlots(t *testing.T) {
	// GIVEN: A request needing 3 approvals and a non-transactional store
	// WHEN: Three admins approve at the same time
	// THEN: Every approval lands in its own slot; none is overwritten

	s := store.NewMemory()
	m, _ := newTestMachine(t, s)
	w := submitCash(t, m, 300000)

	var wg sync.WaitGroup
	for _, admin := range []string{adminA, adminB, adminC} {
		wg.Add(1)
		go func(admin string) {
			defer wg.Done()
			_, err := m.Approve(context.Background(), w.ID, admin)
			assert.NoError(t, err)
		}(admin)
	}
	wg.Wait()

	stored, err := m.Get(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.ApprovalCount())
	assert.Equal(t, finance.WithdrawalPendingFinance, stored.Status)
	assert.ElementsMatch(t, []string{adminA, adminB, adminC},
		[]string{stored.AdminApproved1By, stored.AdminApproved2By, stored.AdminApproved3By})
}

func TestApprove_SameAdminRacingCountsOnce(t *testing.T) {
	s := store.NewMemory()
	m, _ := newTestMachine(t, s)
	w := submitCash(t, m, 300000)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Approve(context.Background(), w.ID, adminA)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, finance.ErrAuthorizationDenied) || finance.IsRetryable(err), "%v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	stored, err := m.Get(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ApprovalCount())
}

// =============================================================================
// FINANCE STAGE
// =============================================================================

func TestApprove_FinanceBlockedByWallet(t *testing.T) {
	// GIVEN: A 100000 request past the admin stage, wallet holds 99999
	// WHEN: Finance approves
	// THEN: InsufficientWallet, status unchanged, no debit

	s := store.NewTxMemory()
	m, d := newTestMachine(t, s)
	ctx := context.Background()
	fund(t, s, employee, 99999)
	w := submitCash(t, m, 100000)
	approve(t, m, w.ID, adminA)

	_, err := m.Approve(ctx, w.ID, treasury)

	var short *finance.InsufficientWalletError
	require.ErrorAs(t, err, &short)
	assert.True(t, ugx(99999).Equal(short.Available))
	assert.ErrorIs(t, err, finance.ErrAuthorizationDenied)

	stored, err := m.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, finance.WithdrawalPendingFinance, stored.Status)

	balance, err := finance.NewWallet(s).Balance(ctx, employee)
	require.NoError(t, err)
	assert.True(t, ugx(99999).Equal(balance))
	assert.Empty(t, d.byTemplate(notify.TemplateWithdrawalApproved))
}

func TestApprove_FinanceApprovesCash(t *testing.T) {
	// GIVEN: A 100000 CASH request past the admin stage, wallet holds 250000
	// WHEN: Finance approves
	// THEN: Approved, wallet debited once, cash slip returned, requester notified

	s := store.NewTxMemory()
	m, d := newTestMachine(t, s)
	ctx := context.Background()
	fund(t, s, employee, 250000)
	w := submitCash(t, m, 100000)
	approve(t, m, w.ID, adminA)

	tr := approve(t, m, w.ID, treasury)

	assert.Equal(t, withdrawal.StageFinance, tr.Stage)
	assert.Equal(t, finance.WithdrawalPendingFinance, tr.From)
	assert.Equal(t, finance.WithdrawalApproved, tr.To)
	assert.Contains(t, tr.CashSlip, "CASH PAYMENT SLIP")
	assert.Contains(t, tr.CashSlip, "UGX 100000")
	assert.Contains(t, tr.CashSlip, treasury)

	stored, err := m.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, finance.WithdrawalApproved, stored.Status)
	assert.Equal(t, treasury, stored.FinanceApprovedBy)
	assert.Equal(t, treasury, stored.ApprovedBy)

	wallet := finance.NewWallet(s)
	balance, err := wallet.Balance(ctx, employee)
	require.NoError(t, err)
	assert.True(t, ugx(150000).Equal(balance))

	exists, err := s.WalletEntryExists(ctx, withdrawal.DebitKey(w.ID))
	require.NoError(t, err)
	assert.True(t, exists)

	approved := d.byTemplate(notify.TemplateWithdrawalApproved)
	require.Len(t, approved, 1)
	assert.Equal(t, employee, approved[0].Recipient)

	_, err = m.Approve(ctx, w.ID, treasury)
	assert.ErrorIs(t, err, finance.ErrAlreadyProcessed)
}

func TestApprove_FinanceNotifiesMobileMoney(t *testing.T) {
	s := store.NewTxMemory()
	m, d := newTestMachine(t, s)
	ctx := context.Background()
	fund(t, s, employee, 80000)
	w, err := m.Submit(ctx, withdrawal.SubmitInput{
		RequestedBy:    employee,
		Amount:         ugx(80000),
		PaymentChannel: finance.ChannelMobileMoney,
		PhoneNumber:    "+256772123456",
		AccountName:    "Jane Nakato",
	})
	require.NoError(t, err)
	approve(t, m, w.ID, adminA)

	tr := approve(t, m, w.ID, treasury)
	assert.Empty(t, tr.CashSlip)

	payouts := d.byTemplate(notify.TemplateMobileMoneyPayout)
	require.Len(t, payouts, 1)
	assert.Equal(t, notify.ChannelMobileMoney, payouts[0].Channel)
	assert.Equal(t, "+256772123456", payouts[0].Recipient)
	assert.Contains(t, payouts[0].Body, "UGX 80000")
}

func TestApprove_RequesterCannotFinanceApprove(t *testing.T) {
	s := store.NewTxMemory()
	m, _ := newTestMachine(t, s)
	fund(t, s, employee, 1000000)
	w := submitCash(t, m, 1000)
	approve(t, m, w.ID, adminA)

	_, err := m.Approve(context.Background(), w.ID, employee)
	assert.ErrorIs(t, err, finance.ErrAuthorizationDenied)
	assert.NotErrorIs(t, err, finance.ErrInsufficientWallet)
}

func TestCanFinanceApprove(t *testing.T) {
	m, _ := newTestMachine(t, store.NewMemory())
	w := finance.WithdrawalRequest{
		ID: "w1", Amount: ugx(5000), Status: finance.WithdrawalPendingFinance,
		RequestedBy: employee, AdminApproved: true,
	}

	assert.True(t, m.CanFinanceApprove(w, treasury, ugx(5000)))
	assert.False(t, m.CanFinanceApprove(w, treasury, ugx(4999)))
	assert.False(t, m.CanFinanceApprove(w, employee, ugx(5000)))

	w.AdminApproved = false
	assert.False(t, m.CanFinanceApprove(w, treasury, ugx(5000)))
}

func TestApprove_WalletDebitFailure(t *testing.T) {
	t.Run("transactional store rolls the approval back", func(t *testing.T) {
		s := store.NewTxMemory()
		m, _ := newTestMachine(t, s)
		fund(t, s, employee, 10000)
		w := submitCash(t, m, 5000)
		approve(t, m, w.ID, adminA)
		s.FailNext("AppendWalletEntry", finance.Unavailable("wallet", errors.New("disk full")))

		_, err := m.Approve(context.Background(), w.ID, treasury)
		assert.ErrorIs(t, err, finance.ErrBackendUnavailable)
		assert.NotErrorIs(t, err, finance.ErrPartialFailure)

		stored, err := m.Get(context.Background(), w.ID)
		require.NoError(t, err)
		assert.Equal(t, finance.WithdrawalPendingFinance, stored.Status)
	})

	t.Run("sequential store reports partial failure", func(t *testing.T) {
		s := store.NewMemory()
		m, _ := newTestMachine(t, s)
		fund(t, s, employee, 10000)
		w := submitCash(t, m, 5000)
		approve(t, m, w.ID, adminA)
		s.FailNext("AppendWalletEntry", finance.Unavailable("wallet", errors.New("disk full")))

		_, err := m.Approve(context.Background(), w.ID, treasury)

		var pf *finance.PartialFailureError
		require.ErrorAs(t, err, &pf)
		assert.Equal(t, []string{w.ID}, pf.Committed)

		stored, err := m.Get(context.Background(), w.ID)
		require.NoError(t, err)
		assert.Equal(t, finance.WithdrawalApproved, stored.Status)
	})
}

func TestApprove_ConcurrentFinanceApprovalsDebitOnce(t *testing.T) {
	s := store.NewMemory()
	m, _ := newTestMachine(t, s)
	ctx := context.Background()
	fund(t, s, employee, 500000)
	w := submitCash(t, m, 100000)
	approve(t, m, w.ID, adminA)

	var wg sync.WaitGroup
	for _, who := range []string{treasury, adminB, adminC} {
		wg.Add(1)
		go func(who string) {
			defer wg.Done()
			_, _ = m.Approve(ctx, w.ID, who)
		}(who)
	}
	wg.Wait()

	balance, err := finance.NewWallet(s).Balance(ctx, employee)
	require.NoError(t, err)
	assert.True(t, ugx(400000).Equal(balance))
}

// =============================================================================
// REJECT
// =============================================================================

func TestReject_RequiresReason(t *testing.T) {
	s := store.NewTxMemory()
	m, _ := newTestMachine(t, s)
	w := submitCash(t, m, 1000)

	for _, reason := range []string{"", "   "} {
		_, err := m.Reject(context.Background(), w.ID, adminA, reason)
		assert.ErrorIs(t, err, finance.ErrValidation)
	}

	stored, err := m.Get(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, finance.WithdrawalPending, stored.Status)
}

func TestReject_RequesterCannotReject(t *testing.T) {
	m, _ := newTestMachine(t, store.NewTxMemory())
	w := submitCash(t, m, 1000)

	_, err := m.Reject(context.Background(), w.ID, employee, "changed my mind")
	assert.ErrorIs(t, err, finance.ErrAuthorizationDenied)
}

func TestReject_FromEitherStage(t *testing.T) {
	// GIVEN: One request pending, one pending_finance
	// WHEN: Rejecting both with a reason
	// THEN: Both are rejected, the reason is stored, the requester is told,
	//       and no further transition is possible

	s := store.NewTxMemory()
	m, d := newTestMachine(t, s)
	ctx := context.Background()
	fund(t, s, employee, 10000)

	pending := submitCash(t, m, 1000)
	atFinance := submitCash(t, m, 2000)
	approve(t, m, atFinance.ID, adminA)

	for _, w := range []finance.WithdrawalRequest{pending, atFinance} {
		tr, err := m.Reject(ctx, w.ID, adminB, "missing receipt")
		require.NoError(t, err)
		assert.Equal(t, finance.WithdrawalRejected, tr.To)

		stored, err := m.Get(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, finance.WithdrawalRejected, stored.Status)
		assert.Equal(t, "missing receipt", stored.RejectionReason)
		assert.Equal(t, adminB, stored.RejectedBy)

		_, err = m.Approve(ctx, w.ID, adminC)
		assert.ErrorIs(t, err, finance.ErrAlreadyProcessed)
		_, err = m.Reject(ctx, w.ID, adminC, "again")
		assert.ErrorIs(t, err, finance.ErrAlreadyProcessed)
	}

	balance, err := finance.NewWallet(s).Balance(ctx, employee)
	require.NoError(t, err)
	assert.True(t, ugx(10000).Equal(balance), "rejection has no wallet effect")

	rejected := d.byTemplate(notify.TemplateWithdrawalRejected)
	require.Len(t, rejected, 2)
	assert.Contains(t, rejected[0].Body, "missing receipt")
}

func TestReject_ApprovedRequestIsFinal(t *testing.T) {
	s := store.NewTxMemory()
	m, _ := newTestMachine(t, s)
	fund(t, s, employee, 10000)
	w := submitCash(t, m, 1000)
	approve(t, m, w.ID, adminA)
	approve(t, m, w.ID, treasury)

	_, err := m.Reject(context.Background(), w.ID, adminB, "too late")
	assert.ErrorIs(t, err, finance.ErrAlreadyProcessed)
}
