/*
engine.go - Settlement execution

EXECUTION PROTOCOL (per lot, in lot order):
  1. Re-read the payment record; skip with "already paid" unless Pending
  2. Look up the supplier payment for the batch; skip with "already exists" if found
  3. Mark the record Paid, predicated on status = 'Pending'
  4. Insert the supplier payment audit row
  5. Close the supplier's open advances (best-effort: failure is logged, not fatal)
  6. Queue a PAYMENT row (or a zero ADVANCE_RECOVERY row when fully covered)

  After the loop every queued row is posted in one version-guarded write
  (finance.CashLedger), re-reading the singleton on conflict. A bulk run
  therefore debits cash once, and the Nth lot's balance_after already
  includes the (N-1)th lot's debit.

  A run in which every lot was skipped returns the guard errors
  (AlreadyProcessedError, joined for a batch). A batch with at least one
  settled lot succeeds and lists the others under Skipped.

ATOMICITY:
  - TxStore: the whole run is one database transaction. Any unexpected
    error rolls everything back and is returned as is.
  - Plain LedgerStore: steps are separate calls. An unexpected error stops the
    batch, the lots completed so far are still posted to cash, and a
    PartialFailureError lists every lot left marked Paid.

CONCURRENCY:
  The run holds the "cash_balance" lease from the Locker, so two settlements
  do not interleave. The version predicate on the singleton still catches
  any writer that does not take the lease.
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coffeeops/finance-engine/finance"
	"github.com/coffeeops/finance-engine/lock"
	"github.com/coffeeops/finance-engine/notify"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Engine quotes and executes settlements.
type Engine struct {
	store    finance.LedgerStore
	cfg      finance.Config
	ledger   finance.CashLedger
	locker   lock.Locker
	notifier notify.Dispatcher
	logger   *zap.Logger

	// Now is the clock; replaced in tests.
	Now func() time.Time
}

// NewEngine builds an engine. locker and notifier may be nil.
func NewEngine(store finance.LedgerStore, cfg finance.Config, locker lock.Locker, notifier notify.Dispatcher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		cfg:      cfg,
		ledger:   finance.NewCashLedger(store, cfg, logger),
		locker:   locker,
		notifier: notifier,
		logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// QUOTE
// =============================================================================

// Quote previews the settlement of lots without writing anything.
func (e *Engine) Quote(ctx context.Context, lots []Lot) (Quote, error) {
	if err := e.validateLots(lots); err != nil {
		return Quote{}, err
	}
	balance, pool, err := e.snapshot(ctx, e.store, lots)
	if err != nil {
		return Quote{}, err
	}
	return e.price(balance, pool, lots), nil
}

// snapshot reads the cash balance and every involved supplier's outstanding advances.
func (e *Engine) snapshot(ctx context.Context, s finance.LedgerStore, lots []Lot) (finance.CashBalance, advancePool, error) {
	balance, err := s.GetCashBalance(ctx)
	if err != nil {
		return finance.CashBalance{}, nil, err
	}

	pool := advancePool{}
	for _, lot := range lots {
		if _, seen := pool[lot.SupplierID]; seen {
			continue
		}
		advances, err := s.OutstandingAdvances(ctx, lot.SupplierID)
		if err != nil {
			return finance.CashBalance{}, nil, err
		}
		pool[lot.SupplierID] = finance.TotalOutstanding(advances)
	}
	return balance, pool, nil
}

// price computes per-lot amounts. It consumes pool.
func (e *Engine) price(balance finance.CashBalance, pool advancePool, lots []Lot) Quote {
	q := Quote{
		CurrentBalance: balance.CurrentBalance,
		TotalAmount:    decimal.Zero,
		TotalAdvance:   decimal.Zero,
		TotalFinal:     decimal.Zero,
	}
	for _, lot := range lots {
		total := lot.TotalAmount(e.cfg.CurrencyPlaces)
		advance := pool.apply(lot.SupplierID)
		final := finance.MaxZero(total.Sub(advance))

		q.Lots = append(q.Lots, LotQuote{Lot: lot, TotalAmount: total, AdvanceAmount: advance, FinalAmount: final})
		q.TotalAmount = q.TotalAmount.Add(total)
		q.TotalAdvance = q.TotalAdvance.Add(advance)
		q.TotalFinal = q.TotalFinal.Add(final)
	}
	q.ProjectedBalance = balance.CurrentBalance.Sub(q.TotalFinal)
	q.WillOverdraft = q.ProjectedBalance.IsNegative()
	return q
}

// =============================================================================
// EXECUTE
// =============================================================================

// Execute settles lots on behalf of operator.
func (e *Engine) Execute(ctx context.Context, operator string, lots []Lot) (Result, error) {
	if err := e.validate(operator, lots); err != nil {
		return Result{}, err
	}

	release, err := e.obtain(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()

	var res Result
	atomic := false
	err = e.within(ctx, func(s finance.LedgerStore, inTx bool) error {
		var runErr error
		atomic = inTx
		res, runErr = e.run(ctx, s, operator, lots, inTx)
		return runErr
	})
	switch {
	case err != nil && guarded(err):
		e.logger.Info("settlement refused",
			zap.String("operator", operator),
			zap.Int("skipped", len(res.Skipped)),
			zap.Error(err),
		)
		return res, err
	case err != nil:
		e.logger.Error("settlement failed",
			zap.String("operator", operator),
			zap.Int("lots", len(lots)),
			zap.Bool("atomic", atomic),
			zap.Error(err),
		)
		if atomic {
			return Result{}, err
		}
	default:
		e.logger.Info("settlement executed",
			zap.String("operator", operator),
			zap.Int("settled", len(res.Succeeded)),
			zap.Int("skipped", len(res.Skipped)),
			zap.String("new_balance", res.NewBalance.String()),
			zap.Bool("overdraft", res.WillOverdraft),
		)
	}

	e.notifySettled(ctx, res)
	return res, err
}

// skipped marks a lot that failed a double-payment guard.
type skipped struct {
	reason string
	err    error
}

func (s *skipped) Error() string { return s.reason }
func (s *skipped) Unwrap() error { return s.err }

func (e *Engine) run(ctx context.Context, s finance.LedgerStore, operator string, lots []Lot, atomic bool) (Result, error) {
	balance, pool, err := e.snapshot(ctx, s, lots)
	if err != nil {
		return Result{}, err
	}
	q := e.price(balance, pool.clone(), lots)
	if q.WillOverdraft && !e.cfg.AllowOverdraft {
		return Result{}, finance.Invalid("lots",
			fmt.Sprintf("settlement would take cash to %s %s", q.ProjectedBalance, e.cfg.Currency))
	}

	now := e.Now()
	var (
		res       Result
		queued    []finance.CashTransaction
		committed []string
		failure   *finance.PartialFailureError
	)

	for _, lot := range lots {
		lr, row, paid, err := e.settleLot(ctx, s, operator, lot, pool, now)
		if err != nil {
			var sk *skipped
			if errors.As(err, &sk) {
				lr.Reason, lr.Err = sk.reason, sk.err
				res.Skipped = append(res.Skipped, lr)
				e.logger.Info("lot skipped", zap.String("lot_id", lot.ID), zap.String("reason", sk.reason))
				continue
			}
			if atomic {
				return Result{}, err
			}
			if paid {
				committed = append(committed, lot.ID)
			}
			failure = &finance.PartialFailureError{Step: "settle lot " + lot.ID, Cause: err}
			break
		}
		res.Succeeded = append(res.Succeeded, lr)
		queued = append(queued, row)
		committed = append(committed, lot.ID)
	}

	newBalance, posted, err := e.ledger.On(s).Post(ctx, operator, func(cur finance.CashBalance) ([]finance.CashTransaction, error) {
		rows := append([]finance.CashTransaction(nil), queued...)
		finance.ApplyRunning(cur.CurrentBalance, rows)
		return rows, nil
	})
	if err != nil {
		if atomic || len(committed) == 0 {
			return Result{}, err
		}
		return res, &finance.PartialFailureError{Step: "post cash transactions", Committed: committed, Cause: err}
	}

	res.NewBalance = newBalance.CurrentBalance
	res.WillOverdraft = newBalance.CurrentBalance.IsNegative()
	res.Transactions = posted

	if failure != nil {
		if len(committed) == 0 {
			return res, failure.Cause
		}
		failure.Committed = committed
		return res, failure
	}
	if len(res.Succeeded) == 0 && len(res.Skipped) > 0 {
		return res, skippedError(res.Skipped)
	}
	return res, nil
}

// guarded reports whether err only says lots failed a double-payment guard.
func guarded(err error) bool {
	if errors.Is(err, finance.ErrPartialFailure) {
		return false
	}
	return errors.Is(err, finance.ErrAlreadyProcessed) || finance.IsNotFound(err)
}

// skippedError reports a run in which every lot failed a guard.
func skippedError(lots []LotResult) error {
	if len(lots) == 1 {
		return lots[0].Err
	}
	errs := make([]error, 0, len(lots))
	for _, lr := range lots {
		errs = append(errs, lr.Err)
	}
	return errors.Join(errs...)
}

// settleLot runs steps 1-5 for one lot and returns the cash row to queue.
// paid reports whether the record was marked Paid before an error.
func (e *Engine) settleLot(ctx context.Context, s finance.LedgerStore, operator string, lot Lot, pool advancePool, now time.Time) (LotResult, finance.CashTransaction, bool, error) {
	lr := LotResult{
		LotID:        lot.ID,
		BatchNumber:  lot.BatchNumber,
		SupplierID:   lot.SupplierID,
		SupplierName: lot.SupplierName,
	}

	// 1. payment record still Pending
	rec, err := s.GetPaymentRecord(ctx, lot.ID)
	if err != nil {
		if finance.IsNotFound(err) {
			return lr, finance.CashTransaction{}, false, &skipped{reason: "not found", err: err}
		}
		return lr, finance.CashTransaction{}, false, err
	}
	if rec.Status != finance.PaymentPending {
		return lr, finance.CashTransaction{}, false,
			&skipped{reason: "already paid", err: &finance.AlreadyProcessedError{Kind: "already paid", Key: lot.ID}}
	}

	// 2. no disbursement for the batch yet
	if _, err := s.FindSupplierPayment(ctx, lot.BatchNumber); err == nil {
		return lr, finance.CashTransaction{}, false,
			&skipped{reason: "already exists", err: &finance.AlreadyProcessedError{Kind: "already exists", Key: lot.BatchNumber}}
	} else if !finance.IsNotFound(err) {
		return lr, finance.CashTransaction{}, false, err
	}

	total := lot.TotalAmount(e.cfg.CurrencyPlaces)
	advance := pool.apply(lot.SupplierID)
	final := finance.MaxZero(total.Sub(advance))
	lr.TotalAmount, lr.AdvanceRecovered, lr.AmountPaid = total, advance, final

	// 3. Pending -> Paid
	if err := s.MarkPaymentRecordPaid(ctx, lot.ID, final, operator, now); err != nil {
		pool.refund(lot.SupplierID, advance)
		if errors.Is(err, finance.ErrAlreadyProcessed) {
			return lr, finance.CashTransaction{}, false, &skipped{reason: "already paid", err: err}
		}
		return lr, finance.CashTransaction{}, false, err
	}

	// 4. audit row
	err = s.InsertSupplierPayment(ctx, finance.SupplierPayment{
		ID:               newID(),
		Reference:        lot.BatchNumber,
		SupplierID:       lot.SupplierID,
		PaymentRecordID:  lot.ID,
		GrossAmount:      total,
		AdvanceRecovered: advance,
		AmountPaid:       final,
		Method:           "CASH",
		ProcessedBy:      operator,
		CreatedAt:        now,
	})
	if err != nil {
		return lr, finance.CashTransaction{}, true, err
	}

	// 5. advance closure, best-effort
	if advance.IsPositive() {
		closed, err := s.CloseAdvances(ctx, lot.SupplierID, now)
		switch {
		case err != nil:
			lr.Warning = "advance not closed"
			e.logger.Warn("advance closure failed",
				zap.String("lot_id", lot.ID),
				zap.String("supplier_id", lot.SupplierID),
				zap.String("amount", advance.String()),
				zap.Error(err),
			)
		case !closed.Equal(advance):
			lr.Warning = "advance changed since quote"
			e.logger.Warn("closed advance differs from applied",
				zap.String("lot_id", lot.ID),
				zap.String("applied", advance.String()),
				zap.String("closed", closed.String()),
			)
		}
	}

	// 6. cash row
	var row finance.CashTransaction
	if final.IsPositive() {
		row = finance.NewCashTransaction(finance.TxPayment, final.Neg(), lot.BatchNumber, operator, now)
	} else {
		row = finance.NewCashTransaction(finance.TxAdvanceRecovery, decimal.Zero, lot.BatchNumber, operator, now)
	}
	row.Notes = fmt.Sprintf("lot %s: total %s, advance %s", lot.ID, total, advance)
	return lr, row, true, nil
}

func (e *Engine) notifySettled(ctx context.Context, res Result) {
	for _, lr := range res.Succeeded {
		name := lr.SupplierName
		if name == "" {
			name = lr.SupplierID
		}
		data := map[string]any{
			"SupplierName": name,
			"Currency":     e.cfg.Currency,
			"AmountPaid":   lr.AmountPaid.String(),
			"BatchNumber":  lr.BatchNumber,
		}
		if lr.AdvanceRecovered.IsPositive() {
			data["AdvanceRecovered"] = lr.AdvanceRecovered.String()
		}
		notify.Send(ctx, e.notifier, e.logger, notify.Message{
			Channel:   notify.ChannelSMS,
			Recipient: lr.SupplierID,
			Template:  notify.TemplatePaymentProcessed,
			Data:      data,
		})
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// obtain takes the cash lease; the returned func releases it.
func (e *Engine) obtain(ctx context.Context) (func(), error) {
	if e.locker == nil {
		return func() {}, nil
	}
	lease, err := e.locker.Obtain(ctx, lock.CashBalance)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("cash lease release failed", zap.Error(err))
		}
	}, nil
}

// within runs fn in one transaction when the store supports it.
func (e *Engine) within(ctx context.Context, fn func(s finance.LedgerStore, inTx bool) error) error {
	if txs, ok := e.store.(finance.TxStore); ok {
		return txs.WithTx(ctx, func(s finance.LedgerStore) error {
			return fn(s, true)
		})
	}
	return fn(e.store, false)
}
