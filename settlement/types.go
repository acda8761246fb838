/*
Package settlement pays coffee lots against company cash and supplier advances.

PURPOSE:
  A lot is a graded batch of coffee awaiting payment. Settling it marks its
  payment record Paid, records the disbursement, recovers any outstanding
  advance of the supplier and debits cash by what is left to pay.

COMPUTATION (per lot):
  totalAmount   = kilograms x (final_price, else suggested_price, else 0)
  advanceAmount = the supplier's whole outstanding advance
  finalAmount   = max(0, totalAmount - advanceAmount)

  Settling the lot closes every open advance of the supplier, even when the
  advance exceeds the lot. Within one batch the first lot of a supplier takes
  the advance; later lots of that supplier see 0.

KEY CONCEPTS:
  - Quote:   read-only preview, flags WillOverdraft before confirmation
  - Execute: guarded settlement of 1..MaxBatchSize lots

SEE ALSO:
  - engine.go:          execution protocol
  - finance/ledger.go:  version-guarded cash posting
*/
package settlement

import (
	"github.com/coffeeops/finance-engine/finance"
	"github.com/shopspring/decimal"
)

// Lot is one coffee lot to settle. ID is the payment record id.
type Lot struct {
	ID             string              `json:"id"`
	BatchNumber    string              `json:"batch_number"`
	SupplierID     string              `json:"supplier_id"`
	SupplierName   string              `json:"supplier_name,omitempty"`
	Kilograms      decimal.Decimal     `json:"kilograms"`
	FinalPrice     decimal.NullDecimal `json:"final_price"`
	SuggestedPrice decimal.NullDecimal `json:"suggested_price"`
}

// LotFromRecord builds a Lot from a stored payment record.
func LotFromRecord(p finance.PaymentRecord) Lot {
	return Lot{
		ID:             p.ID,
		BatchNumber:    p.BatchNumber,
		SupplierID:     p.SupplierID,
		SupplierName:   p.SupplierName,
		Kilograms:      p.Kilograms,
		FinalPrice:     p.FinalPrice,
		SuggestedPrice: p.SuggestedPrice,
	}
}

// UnitPrice returns final_price, falling back to suggested_price, then zero.
func (l Lot) UnitPrice() decimal.Decimal {
	if l.FinalPrice.Valid {
		return l.FinalPrice.Decimal
	}
	if l.SuggestedPrice.Valid {
		return l.SuggestedPrice.Decimal
	}
	return decimal.Zero
}

// TotalAmount is kilograms x unit price, rounded to places.
func (l Lot) TotalAmount(places int32) decimal.Decimal {
	return finance.Round(l.Kilograms.Mul(l.UnitPrice()), places)
}

// LotQuote is the computed settlement of one lot.
type LotQuote struct {
	Lot           Lot             `json:"lot"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	AdvanceAmount decimal.Decimal `json:"advance_amount"`
	FinalAmount   decimal.Decimal `json:"final_amount"`
}

// Quote previews a settlement.
type Quote struct {
	Lots             []LotQuote      `json:"lots"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	TotalAdvance     decimal.Decimal `json:"total_advance"`
	TotalFinal       decimal.Decimal `json:"total_final"`
	CurrentBalance   decimal.Decimal `json:"current_balance"`
	ProjectedBalance decimal.Decimal `json:"projected_balance"`
	WillOverdraft    bool            `json:"will_overdraft"`
}

// LotResult reports what happened to one lot.
type LotResult struct {
	LotID            string          `json:"lot_id"`
	BatchNumber      string          `json:"batch_number"`
	SupplierID       string          `json:"supplier_id"`
	SupplierName     string          `json:"supplier_name,omitempty"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	AdvanceRecovered decimal.Decimal `json:"advance_recovered"`
	AmountPaid       decimal.Decimal `json:"amount_paid"`
	Reason           string          `json:"reason,omitempty"`  // why it was skipped
	Warning          string          `json:"warning,omitempty"` // e.g. advance not closed

	// Err is the guard error behind a skip.
	Err error `json:"-"`
}

// Result is the outcome of Execute.
type Result struct {
	Succeeded     []LotResult               `json:"succeeded"`
	Skipped       []LotResult               `json:"skipped"`
	NewBalance    decimal.Decimal           `json:"new_balance"`
	WillOverdraft bool                      `json:"will_overdraft"`
	Transactions  []finance.CashTransaction `json:"transactions"`
}

// advancePool tracks each supplier's outstanding advance not yet taken by a
// lot of the batch.
type advancePool map[string]decimal.Decimal

// apply takes the supplier's whole remaining advance.
func (p advancePool) apply(supplierID string) decimal.Decimal {
	applied := finance.MaxZero(p[supplierID])
	p[supplierID] = decimal.Zero
	return applied
}

// refund gives back an amount taken by apply for a lot that was not settled.
func (p advancePool) refund(supplierID string, amount decimal.Decimal) {
	p[supplierID] = p[supplierID].Add(amount)
}

func (p advancePool) clone() advancePool {
	c := make(advancePool, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}
