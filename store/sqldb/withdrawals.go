package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/coffeeops/finance-engine/finance"
)

// =============================================================================
// WITHDRAWAL STORE (finance.WithdrawalStore interface)
// =============================================================================

const withdrawalColumns = `id, amount, status, requested_by, reason, payment_channel,
	phone_number, account_name, bank_name, account_number, requires_three_approvals,
	admin_approved_1, admin_approved_1_by, admin_approved_1_at,
	admin_approved_2, admin_approved_2_by, admin_approved_2_at,
	admin_approved_3, admin_approved_3_by, admin_approved_3_at,
	admin_approved, admin_approved_by, admin_approved_at,
	approved_by, approved_at, finance_approved_by, finance_approved_at,
	rejected_by, rejected_at, rejection_reason, created_at, updated_at`

const insertWithdrawal = `
	INSERT INTO withdrawal_requests (` + withdrawalColumns + `)
	VALUES (:id, :amount, :status, :requested_by, :reason, :payment_channel,
	 :phone_number, :account_name, :bank_name, :account_number, :requires_three_approvals,
	 :admin_approved_1, :admin_approved_1_by, :admin_approved_1_at,
	 :admin_approved_2, :admin_approved_2_by, :admin_approved_2_at,
	 :admin_approved_3, :admin_approved_3_by, :admin_approved_3_at,
	 :admin_approved, :admin_approved_by, :admin_approved_at,
	 :approved_by, :approved_at, :finance_approved_by, :finance_approved_at,
	 :rejected_by, :rejected_at, :rejection_reason, :created_at, :updated_at)`

func (q *queries) CreateWithdrawal(ctx context.Context, w finance.WithdrawalRequest) error {
	if err := q.namedExec(ctx, insertWithdrawal, w); err != nil {
		if isUniqueViolation(err) {
			return &finance.AlreadyProcessedError{Kind: "already exists", Key: w.ID}
		}
		return finance.Unavailable("create withdrawal", err)
	}
	return nil
}

func (q *queries) GetWithdrawal(ctx context.Context, id string) (finance.WithdrawalRequest, error) {
	var w finance.WithdrawalRequest
	if err := q.get(ctx, &w, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = ?`, id); err != nil {
		return finance.WithdrawalRequest{}, classify("get withdrawal", err)
	}
	return w, nil
}

func (q *queries) ListWithdrawals(ctx context.Context, status finance.WithdrawalStatus) ([]finance.WithdrawalRequest, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`

	var ws []finance.WithdrawalRequest
	if err := q.selectAll(ctx, &ws, query, args...); err != nil {
		return nil, classify("list withdrawals", err)
	}
	return ws, nil
}

// FillApprovalSlot sets admin_approved_<slot> only while the slot is empty
// and the request is still pending.
func (q *queries) FillApprovalSlot(ctx context.Context, id string, slot int, identity string, at time.Time, final bool) error {
	if slot < 1 || slot > finance.MaxApprovalSlots {
		return finance.Invalid("slot", "out of range")
	}
	col := fmt.Sprintf("admin_approved_%d", slot)

	set := col + ` = ?, ` + col + `_by = ?, ` + col + `_at = ?, updated_at = ?`
	args := []any{true, identity, at, at}
	if final {
		set += `, admin_approved = ?, admin_approved_by = ?, admin_approved_at = ?, status = ?`
		args = append(args, true, identity, at, finance.WithdrawalPendingFinance)
	}
	args = append(args, id, finance.WithdrawalPending, false)

	n, err := q.exec(ctx, `UPDATE withdrawal_requests SET `+set+`
		WHERE id = ? AND status = ? AND `+col+` = ?`, args...)
	if err != nil {
		return finance.Unavailable("fill approval slot", err)
	}
	return q.guarded(ctx, n, id)
}

func (q *queries) ApproveWithdrawalFinance(ctx context.Context, id, identity string, at time.Time) error {
	n, err := q.exec(ctx, `
		UPDATE withdrawal_requests
		SET status = ?, approved_by = ?, approved_at = ?, finance_approved_by = ?, finance_approved_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		finance.WithdrawalApproved, identity, at, identity, at, at, id, finance.WithdrawalPendingFinance)
	if err != nil {
		return finance.Unavailable("approve withdrawal", err)
	}
	return q.guarded(ctx, n, id)
}

func (q *queries) RejectWithdrawal(ctx context.Context, id, identity, reason string, at time.Time) error {
	n, err := q.exec(ctx, `
		UPDATE withdrawal_requests
		SET status = ?, rejected_by = ?, rejected_at = ?, rejection_reason = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		finance.WithdrawalRejected, identity, at, reason, at, id,
		finance.WithdrawalPending, finance.WithdrawalPendingFinance)
	if err != nil {
		return finance.Unavailable("reject withdrawal", err)
	}
	return q.guarded(ctx, n, id)
}

// guarded turns a zero-row conditional update into ErrNotFound or
// ErrConcurrentModification.
func (q *queries) guarded(ctx context.Context, n int64, id string) error {
	if n > 0 {
		return nil
	}
	ok, err := q.exists(ctx, "withdrawal_requests", id)
	if err != nil {
		return finance.Unavailable("withdrawal exists", err)
	}
	if !ok {
		return finance.ErrNotFound
	}
	return finance.ErrConcurrentModification
}

// =============================================================================
// WALLET STORE (finance.WalletStore interface)
// =============================================================================

func (q *queries) AppendWalletEntry(ctx context.Context, e finance.WalletEntry) error {
	_, err := q.exec(ctx, `
		INSERT INTO wallet_entries (id, identity, amount, entry_type, reference, idempotency_key, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Identity, e.Amount, e.Type, e.Reference, nullString(e.IdempotencyKey), e.CreatedBy, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return finance.ErrDuplicateIdempotencyKey
		}
		return finance.Unavailable("append wallet entry", err)
	}
	return nil
}

func (q *queries) WalletEntries(ctx context.Context, identity string) ([]finance.WalletEntry, error) {
	var entries []finance.WalletEntry
	err := q.selectAll(ctx, &entries, `
		SELECT id, identity, amount, entry_type, reference, COALESCE(idempotency_key, '') AS idempotency_key,
		 created_by, created_at
		FROM wallet_entries WHERE identity = ?
		ORDER BY created_at, id`, identity)
	if err != nil {
		return nil, classify("wallet entries", err)
	}
	return entries, nil
}

func (q *queries) WalletEntryExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var n int
	if err := q.get(ctx, &n, `SELECT COUNT(*) FROM wallet_entries WHERE idempotency_key = ?`, idempotencyKey); err != nil {
		return false, classify("wallet entry exists", err)
	}
	return n > 0, nil
}
