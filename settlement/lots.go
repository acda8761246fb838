package settlement

import (
	"context"
	"fmt"

	"github.com/coffeeops/finance-engine/finance"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newID() string { return uuid.NewString() }

// =============================================================================
// VALIDATION - before any store call
// =============================================================================

func (e *Engine) validate(operator string, lots []Lot) error {
	var errs finance.ValidationErrors
	if operator == "" {
		errs = append(errs, &finance.ValidationError{Field: "operator", Message: "required"})
	}
	if err := e.validateLots(lots); err != nil {
		if list, ok := err.(finance.ValidationErrors); ok {
			errs = append(errs, list...)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (e *Engine) validateLots(lots []Lot) error {
	var errs finance.ValidationErrors
	if len(lots) == 0 || len(lots) > e.cfg.MaxBatchSize {
		errs = append(errs, &finance.ValidationError{
			Field:   "lots",
			Message: fmt.Sprintf("must contain between 1 and %d lots", e.cfg.MaxBatchSize),
		})
	}

	seen := make(map[string]bool, len(lots))
	for i, lot := range lots {
		field := fmt.Sprintf("lots[%d]", i)
		switch {
		case lot.ID == "":
			errs = append(errs, &finance.ValidationError{Field: field + ".id", Message: "required"})
		case seen[lot.ID]:
			errs = append(errs, &finance.ValidationError{Field: field + ".id", Message: "duplicate lot " + lot.ID})
		}
		seen[lot.ID] = true

		if lot.BatchNumber == "" {
			errs = append(errs, &finance.ValidationError{Field: field + ".batch_number", Message: "required"})
		}
		if lot.SupplierID == "" {
			errs = append(errs, &finance.ValidationError{Field: field + ".supplier_id", Message: "required"})
		}
		if !lot.Kilograms.IsPositive() {
			errs = append(errs, &finance.ValidationError{Field: field + ".kilograms", Message: "must be positive"})
		}
		if !lot.UnitPrice().IsPositive() {
			errs = append(errs, &finance.ValidationError{Field: field + ".price", Message: "final or suggested price must be positive"})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// LOTS
// =============================================================================

// LoadLots builds lots from stored payment records, in the order given.
func (e *Engine) LoadLots(ctx context.Context, ids []string) ([]Lot, error) {
	lots := make([]Lot, 0, len(ids))
	for _, id := range ids {
		rec, err := e.store.GetPaymentRecord(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lot %s: %w", id, err)
		}
		lots = append(lots, LotFromRecord(rec))
	}
	return lots, nil
}

// RegisterLot stores a graded lot as a Pending payment record.
func (e *Engine) RegisterLot(ctx context.Context, lot Lot) (finance.PaymentRecord, error) {
	if lot.ID == "" {
		lot.ID = newID()
	}
	if err := e.validateLots([]Lot{lot}); err != nil {
		return finance.PaymentRecord{}, err
	}

	rec := finance.PaymentRecord{
		ID:             lot.ID,
		BatchNumber:    lot.BatchNumber,
		SupplierID:     lot.SupplierID,
		SupplierName:   lot.SupplierName,
		Kilograms:      lot.Kilograms,
		FinalPrice:     lot.FinalPrice,
		SuggestedPrice: lot.SuggestedPrice,
		Status:         finance.PaymentPending,
		AmountPaid:     decimal.Zero,
		Balance:        lot.TotalAmount(e.cfg.CurrencyPlaces),
		CreatedAt:      e.Now(),
	}
	if err := e.store.CreatePaymentRecord(ctx, rec); err != nil {
		return finance.PaymentRecord{}, err
	}
	return rec, nil
}

// PendingLots lists payment records still awaiting settlement.
func (e *Engine) PendingLots(ctx context.Context) ([]finance.PaymentRecord, error) {
	return e.store.ListPaymentRecords(ctx, finance.PaymentPending)
}

// =============================================================================
// ADVANCES
// =============================================================================

// AdvanceInput describes an advance given to a supplier.
type AdvanceInput struct {
	SupplierID string
	Amount     decimal.Decimal
	By         string

	// PayFromCash also debits company cash by Amount.
	PayFromCash bool
}

// RecordAdvance stores an advance, recovered from the supplier's next settlements.
func (e *Engine) RecordAdvance(ctx context.Context, in AdvanceInput) (finance.SupplierAdvance, error) {
	var errs finance.ValidationErrors
	if in.SupplierID == "" {
		errs = append(errs, &finance.ValidationError{Field: "supplier_id", Message: "required"})
	}
	if in.By == "" {
		errs = append(errs, &finance.ValidationError{Field: "by", Message: "required"})
	}
	if !in.Amount.IsPositive() {
		errs = append(errs, &finance.ValidationError{Field: "amount", Message: "must be positive"})
	}
	if len(errs) > 0 {
		return finance.SupplierAdvance{}, errs
	}

	now := e.Now()
	amount := finance.Round(in.Amount, e.cfg.CurrencyPlaces)
	adv := finance.SupplierAdvance{
		ID:             newID(),
		SupplierID:     in.SupplierID,
		AmountUGX:      amount,
		OutstandingUGX: amount,
		CreatedBy:      in.By,
		CreatedAt:      now,
	}

	if !in.PayFromCash {
		if err := e.store.CreateAdvance(ctx, adv); err != nil {
			return finance.SupplierAdvance{}, err
		}
		return adv, nil
	}

	release, err := e.obtain(ctx)
	if err != nil {
		return finance.SupplierAdvance{}, err
	}
	defer release()

	err = e.within(ctx, func(s finance.LedgerStore, _ bool) error {
		if err := s.CreateAdvance(ctx, adv); err != nil {
			return err
		}
		_, _, err := e.ledger.On(s).Post(ctx, in.By, func(cur finance.CashBalance) ([]finance.CashTransaction, error) {
			row := finance.NewCashTransaction(finance.TxPayment, amount.Neg(), "ADVANCE-"+adv.ID, in.By, now)
			row.Notes = "advance to supplier " + in.SupplierID
			rows := []finance.CashTransaction{row}
			finance.ApplyRunning(cur.CurrentBalance, rows)
			return rows, nil
		})
		return err
	})
	if err != nil {
		return finance.SupplierAdvance{}, err
	}

	e.logger.Info("advance paid from cash",
		zap.String("supplier_id", in.SupplierID),
		zap.String("amount", amount.String()),
	)
	return adv, nil
}

// Advances returns a supplier's open advances and their total.
func (e *Engine) Advances(ctx context.Context, supplierID string) ([]finance.SupplierAdvance, decimal.Decimal, error) {
	open, err := e.store.OutstandingAdvances(ctx, supplierID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return open, finance.TotalOutstanding(open), nil
}
