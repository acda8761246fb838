/*
Package cashbook records company cash movements outside settlement.

OPERATIONS:
  - RecordDeposit:  logs a pending DEPOSIT; no balance effect yet
  - ConfirmDeposit: a second person confirms it and the amount is applied
  - RecordExpense:  posts a confirmed EXPENSE (negative) immediately
  - Balance, History

Deposits follow a four-eyes rule: whoever recorded a deposit cannot confirm
it. Every balance change goes through the version-guarded singleton write and
holds the same cash lease as settlement.
*/
package cashbook

import (
	"context"
	"time"

	"github.com/coffeeops/finance-engine/finance"
	"github.com/coffeeops/finance-engine/lock"
	"github.com/coffeeops/finance-engine/validation"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Entry is a deposit or expense to record.
type Entry struct {
	Amount    decimal.Decimal `json:"amount" validate:"gt=0"`
	Reference string          `json:"reference" validate:"required,max=120"`
	Notes     string          `json:"notes" validate:"max=500"`
}

// Book is the cash book over a ledger store.
type Book struct {
	store    finance.LedgerStore
	cfg      finance.Config
	ledger   finance.CashLedger
	locker   lock.Locker
	validate *validation.Validator
	logger   *zap.Logger

	Now func() time.Time
}

// New builds a Book. locker may be nil.
func New(store finance.LedgerStore, cfg finance.Config, locker lock.Locker, logger *zap.Logger) *Book {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Book{
		store:    store,
		cfg:      cfg,
		ledger:   finance.NewCashLedger(store, cfg, logger),
		locker:   locker,
		validate: validation.New(cfg.PhoneRegion),
		logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (b *Book) check(by string, e Entry) error {
	if by == "" {
		return finance.Invalid("by", "required")
	}
	return b.validate.Struct(e)
}

// =============================================================================
// DEPOSITS
// =============================================================================

// RecordDeposit logs a pending deposit awaiting confirmation.
func (b *Book) RecordDeposit(ctx context.Context, by string, e Entry) (finance.CashTransaction, error) {
	if err := b.check(by, e); err != nil {
		return finance.CashTransaction{}, err
	}

	now := b.Now()
	tx := finance.CashTransaction{
		ID:              uuid.NewString(),
		TransactionType: finance.TxDeposit,
		Amount:          finance.Round(e.Amount, b.cfg.CurrencyPlaces),
		Reference:       e.Reference,
		Notes:           e.Notes,
		CreatedBy:       by,
		Status:          finance.TxStatusPending,
		CreatedAt:       now,
	}
	if err := b.store.InsertCashTransaction(ctx, tx); err != nil {
		return finance.CashTransaction{}, err
	}

	b.logger.Info("deposit recorded",
		zap.String("transaction_id", tx.ID),
		zap.String("amount", tx.Amount.String()),
		zap.String("by", by),
	)
	return tx, nil
}

// ConfirmDeposit applies a pending deposit to the balance. The confirmer must
// differ from whoever recorded it.
func (b *Book) ConfirmDeposit(ctx context.Context, id, by string) (finance.CashTransaction, finance.CashBalance, error) {
	if id == "" || by == "" {
		return finance.CashTransaction{}, finance.CashBalance{}, finance.Invalid("id", "id and confirmer are required")
	}

	tx, err := b.store.GetCashTransaction(ctx, id)
	if err != nil {
		return finance.CashTransaction{}, finance.CashBalance{}, err
	}
	if tx.TransactionType != finance.TxDeposit {
		return finance.CashTransaction{}, finance.CashBalance{}, finance.Invalid("id", "not a deposit")
	}
	if tx.Status != finance.TxStatusPending {
		return finance.CashTransaction{}, finance.CashBalance{}, &finance.AlreadyProcessedError{Kind: "already confirmed", Key: id}
	}
	if tx.CreatedBy == by {
		return finance.CashTransaction{}, finance.CashBalance{}, &finance.AuthorizationError{Identity: by, Reason: "cannot confirm own deposit"}
	}

	release, err := b.obtain(ctx)
	if err != nil {
		return finance.CashTransaction{}, finance.CashBalance{}, err
	}
	defer release()

	now := b.Now()
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxConflictRetries+1; attempt++ {
		current, err := b.store.GetCashBalance(ctx)
		if err != nil {
			return finance.CashTransaction{}, finance.CashBalance{}, err
		}

		after := current.CurrentBalance.Add(tx.Amount)
		balance, err := b.store.ConfirmCashTransaction(ctx, id, by, now, after, current.Version)
		if err == nil {
			tx.Status = finance.TxStatusConfirmed
			tx.ConfirmedBy, tx.ConfirmedAt = by, &now
			tx.BalanceAfter = decimal.NewNullDecimal(after)

			b.logger.Info("deposit confirmed",
				zap.String("transaction_id", id),
				zap.String("confirmed_by", by),
				zap.String("balance", after.String()),
			)
			return tx, balance, nil
		}
		if !finance.IsRetryable(err) {
			return finance.CashTransaction{}, finance.CashBalance{}, err
		}

		lastErr = err
		b.logger.Warn("cash balance changed during deposit confirmation, retrying",
			zap.String("transaction_id", id),
			zap.Int("attempt", attempt),
		)
	}
	return finance.CashTransaction{}, finance.CashBalance{}, lastErr
}

// =============================================================================
// EXPENSES
// =============================================================================

// RecordExpense debits cash immediately. Overdraft follows Config.AllowOverdraft.
func (b *Book) RecordExpense(ctx context.Context, by string, e Entry) (finance.CashTransaction, finance.CashBalance, error) {
	if err := b.check(by, e); err != nil {
		return finance.CashTransaction{}, finance.CashBalance{}, err
	}

	release, err := b.obtain(ctx)
	if err != nil {
		return finance.CashTransaction{}, finance.CashBalance{}, err
	}
	defer release()

	amount := finance.Round(e.Amount, b.cfg.CurrencyPlaces)
	now := b.Now()
	balance, rows, err := b.ledger.Post(ctx, by, func(cur finance.CashBalance) ([]finance.CashTransaction, error) {
		if !b.cfg.AllowOverdraft && cur.CurrentBalance.LessThan(amount) {
			return nil, finance.Invalid("amount", "expense exceeds the cash balance")
		}
		row := finance.NewCashTransaction(finance.TxExpense, amount.Neg(), e.Reference, by, now)
		row.Notes = e.Notes
		rows := []finance.CashTransaction{row}
		finance.ApplyRunning(cur.CurrentBalance, rows)
		return rows, nil
	})
	if err != nil {
		return finance.CashTransaction{}, finance.CashBalance{}, err
	}

	b.logger.Info("expense recorded",
		zap.String("transaction_id", rows[0].ID),
		zap.String("amount", amount.String()),
		zap.String("balance", balance.CurrentBalance.String()),
	)
	if balance.CurrentBalance.IsNegative() {
		b.logger.Warn("cash balance negative", zap.String("balance", balance.CurrentBalance.String()))
	}
	return rows[0], balance, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Balance returns the cash singleton.
func (b *Book) Balance(ctx context.Context) (finance.CashBalance, error) {
	return b.store.GetCashBalance(ctx)
}

// History returns up to limit cash rows, newest first. Zero means all.
func (b *Book) History(ctx context.Context, limit int) ([]finance.CashTransaction, error) {
	if limit < 0 {
		return nil, finance.Invalid("limit", "must not be negative")
	}
	return b.store.ListCashTransactions(ctx, limit)
}

func (b *Book) obtain(ctx context.Context) (func(), error) {
	if b.locker == nil {
		return func() {}, nil
	}
	lease, err := b.locker.Obtain(ctx, lock.CashBalance)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			b.logger.Warn("cash lease release failed", zap.Error(err))
		}
	}, nil
}
