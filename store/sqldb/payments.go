package sqldb

import (
	"context"
	"time"

	"github.com/coffeeops/finance-engine/finance"
	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYMENT STORE (finance.PaymentStore interface)
// =============================================================================

const paymentColumns = `id, batch_number, supplier_id, supplier_name, kilograms, final_price,
	suggested_price, status, amount_paid, balance, paid_by, paid_at, created_at`

const supplierPaymentColumns = `id, reference, supplier_id, payment_record_id, gross_amount,
	advance_recovered, amount_paid, method, processed_by, is_duplicate, created_at`

func (q *queries) CreatePaymentRecord(ctx context.Context, p finance.PaymentRecord) error {
	if p.Status == "" {
		p.Status = finance.PaymentPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	err := q.namedExec(ctx, `
		INSERT INTO payment_records (`+paymentColumns+`)
		VALUES (:id, :batch_number, :supplier_id, :supplier_name, :kilograms, :final_price,
		 :suggested_price, :status, :amount_paid, :balance, :paid_by, :paid_at, :created_at)`, p)
	if err != nil {
		if isUniqueViolation(err) {
			return &finance.AlreadyProcessedError{Kind: "already exists", Key: p.ID}
		}
		return finance.Unavailable("create payment record", err)
	}
	return nil
}

func (q *queries) GetPaymentRecord(ctx context.Context, id string) (finance.PaymentRecord, error) {
	var p finance.PaymentRecord
	if err := q.get(ctx, &p, `SELECT `+paymentColumns+` FROM payment_records WHERE id = ?`, id); err != nil {
		return finance.PaymentRecord{}, classify("get payment record", err)
	}
	return p, nil
}

func (q *queries) ListPaymentRecords(ctx context.Context, status finance.PaymentStatus) ([]finance.PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_records`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`

	var records []finance.PaymentRecord
	if err := q.selectAll(ctx, &records, query, args...); err != nil {
		return nil, classify("list payment records", err)
	}
	return records, nil
}

func (q *queries) MarkPaymentRecordPaid(ctx context.Context, id string, amountPaid decimal.Decimal, paidBy string, at time.Time) error {
	n, err := q.exec(ctx, `
		UPDATE payment_records
		SET status = ?, amount_paid = ?, balance = ?, paid_by = ?, paid_at = ?
		WHERE id = ? AND status = ?`,
		finance.PaymentPaid, amountPaid, decimal.Zero, paidBy, at, id, finance.PaymentPending)
	if err != nil {
		return finance.Unavailable("mark payment record paid", err)
	}
	if n > 0 {
		return nil
	}

	ok, err := q.exists(ctx, "payment_records", id)
	if err != nil {
		return finance.Unavailable("mark payment record paid", err)
	}
	if !ok {
		return finance.ErrNotFound
	}
	return &finance.AlreadyProcessedError{Kind: "already paid", Key: id}
}

func (q *queries) FindSupplierPayment(ctx context.Context, reference string) (finance.SupplierPayment, error) {
	var sp finance.SupplierPayment
	err := q.get(ctx, &sp, `
		SELECT `+supplierPaymentColumns+` FROM supplier_payments
		WHERE reference = ? AND NOT is_duplicate`, reference)
	if err != nil {
		return finance.SupplierPayment{}, classify("find supplier payment", err)
	}
	return sp, nil
}

func (q *queries) InsertSupplierPayment(ctx context.Context, p finance.SupplierPayment) error {
	err := q.namedExec(ctx, `
		INSERT INTO supplier_payments (`+supplierPaymentColumns+`)
		VALUES (:id, :reference, :supplier_id, :payment_record_id, :gross_amount,
		 :advance_recovered, :amount_paid, :method, :processed_by, :is_duplicate, :created_at)`, p)
	if err != nil {
		if isUniqueViolation(err) {
			return &finance.AlreadyProcessedError{Kind: "already exists", Key: p.Reference}
		}
		return finance.Unavailable("insert supplier payment", err)
	}
	return nil
}

// =============================================================================
// ADVANCE STORE (finance.AdvanceStore interface)
// =============================================================================

const advanceColumns = `id, supplier_id, amount_ugx, outstanding_ugx, is_closed, created_by, created_at, closed_at`

func (q *queries) CreateAdvance(ctx context.Context, a finance.SupplierAdvance) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	err := q.namedExec(ctx, `
		INSERT INTO supplier_advances (`+advanceColumns+`)
		VALUES (:id, :supplier_id, :amount_ugx, :outstanding_ugx, :is_closed, :created_by, :created_at, :closed_at)`, a)
	if err != nil {
		return finance.Unavailable("create advance", err)
	}
	return nil
}

func (q *queries) OutstandingAdvances(ctx context.Context, supplierID string) ([]finance.SupplierAdvance, error) {
	var advances []finance.SupplierAdvance
	err := q.selectAll(ctx, &advances, `
		SELECT `+advanceColumns+` FROM supplier_advances
		WHERE supplier_id = ? AND NOT is_closed
		ORDER BY created_at, id`, supplierID)
	if err != nil {
		return nil, classify("outstanding advances", err)
	}
	return advances, nil
}

// CloseAdvances zeroes and closes the supplier's open advances. Each update
// is guarded by the outstanding value it read.
func (q *queries) CloseAdvances(ctx context.Context, supplierID string, at time.Time) (decimal.Decimal, error) {
	closed := decimal.Zero
	err := q.atomic(ctx, func(q *queries) error {
		open, err := q.OutstandingAdvances(ctx, supplierID)
		if err != nil {
			return err
		}
		for _, a := range open {
			n, err := q.exec(ctx, `
				UPDATE supplier_advances
				SET outstanding_ugx = 0, is_closed = ?, closed_at = ?
				WHERE id = ? AND outstanding_ugx = ? AND NOT is_closed`,
				true, at, a.ID, a.OutstandingUGX)
			if err != nil {
				return finance.Unavailable("close advance", err)
			}
			if n == 0 {
				return finance.ErrConcurrentModification
			}
			closed = closed.Add(a.OutstandingUGX)
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return closed, nil
}

func (q *queries) ListAdvances(ctx context.Context) ([]finance.SupplierAdvance, error) {
	var advances []finance.SupplierAdvance
	if err := q.selectAll(ctx, &advances, `SELECT `+advanceColumns+` FROM supplier_advances ORDER BY created_at, id`); err != nil {
		return nil, classify("list advances", err)
	}
	return advances, nil
}
