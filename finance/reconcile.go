/*
reconcile.go - Consistency checks over the ledger store

PURPOSE:
  Settlement without a wrapping database transaction can stop half way: a lot
  marked Paid whose cash row was never written. Nothing repairs that
  automatically; Reconciler finds it so an operator can.

CHECKS:
  1. balance_mismatch: singleton differs from the balance_after of the row that
     last moved it (ordered by posting, not by insertion)
  2. paid_without_ledger: Paid record with no PAYMENT/ADVANCE_RECOVERY row for its batch
  3. paid_without_disbursement: Paid record with no supplier payment for its batch
  4. empty_open_advance: open advance with nothing outstanding
*/
package finance

import (
	"context"
	"fmt"
	"time"
)

type FindingKind string

const (
	FindingBalanceMismatch         FindingKind = "balance_mismatch"
	FindingPaidWithoutLedger       FindingKind = "paid_without_ledger"
	FindingPaidWithoutDisbursement FindingKind = "paid_without_disbursement"
	FindingEmptyOpenAdvance        FindingKind = "empty_open_advance"
)

// Finding is one inconsistency needing manual reconciliation.
type Finding struct {
	Kind    FindingKind
	Subject string
	Detail  string
}

// Report is the result of one reconciliation pass.
type Report struct {
	CheckedAt time.Time
	Balance   CashBalance
	Findings  []Finding
}

// Clean reports whether no inconsistency was found.
func (r Report) Clean() bool { return len(r.Findings) == 0 }

// Reconciler runs the checks.
type Reconciler struct {
	Store LedgerStore
}

// Check runs every check once.
func (rc *Reconciler) Check(ctx context.Context) (Report, error) {
	report := Report{CheckedAt: time.Now().UTC()}

	balance, err := rc.Store.GetCashBalance(ctx)
	if err != nil {
		return report, err
	}
	report.Balance = balance

	latest, err := rc.Store.LatestCashPosting(ctx)
	switch {
	case err == nil:
		if !latest.BalanceAfter.Valid || !latest.BalanceAfter.Decimal.Equal(balance.CurrentBalance) {
			report.Findings = append(report.Findings, Finding{
				Kind:    FindingBalanceMismatch,
				Subject: latest.ID,
				Detail: fmt.Sprintf("singleton %s, latest balance_after %s",
					balance.CurrentBalance, latest.BalanceAfter.Decimal),
			})
		}
	case !IsNotFound(err):
		return report, err
	}

	paid, err := rc.Store.ListPaymentRecords(ctx, PaymentPaid)
	if err != nil {
		return report, err
	}
	for _, p := range paid {
		rows, err := rc.Store.CashTransactionsByReference(ctx, p.BatchNumber)
		if err != nil {
			return report, err
		}
		if !hasSettlementRow(rows) {
			report.Findings = append(report.Findings, Finding{
				Kind:    FindingPaidWithoutLedger,
				Subject: p.ID,
				Detail:  fmt.Sprintf("batch %s is Paid but has no cash row", p.BatchNumber),
			})
		}

		if _, err := rc.Store.FindSupplierPayment(ctx, p.BatchNumber); err != nil {
			if !IsNotFound(err) {
				return report, err
			}
			report.Findings = append(report.Findings, Finding{
				Kind:    FindingPaidWithoutDisbursement,
				Subject: p.ID,
				Detail:  fmt.Sprintf("batch %s is Paid but has no supplier payment", p.BatchNumber),
			})
		}
	}

	advances, err := rc.Store.ListAdvances(ctx)
	if err != nil {
		return report, err
	}
	for _, a := range advances {
		if !a.IsClosed && !a.OutstandingUGX.IsPositive() {
			report.Findings = append(report.Findings, Finding{
				Kind:    FindingEmptyOpenAdvance,
				Subject: a.ID,
				Detail:  fmt.Sprintf("advance for %s is open with %s outstanding", a.SupplierID, a.OutstandingUGX),
			})
		}
	}

	return report, nil
}

func hasSettlementRow(rows []CashTransaction) bool {
	for _, r := range rows {
		if r.TransactionType == TxPayment || r.TransactionType == TxAdvanceRecovery {
			return true
		}
	}
	return false
}
