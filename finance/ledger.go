/*
ledger.go - Version-guarded cash posting

PURPOSE:
  Every component that moves company cash goes through CashLedger. It does the
  read-modify-write of the singleton the only safe way the store allows:

    1. Read CashBalance (value + version)
    2. Let the caller build its rows against that value (balance_after set)
    3. PostCashTransactions(rows, expectedVersion)
    4. On ErrConcurrentModification, start again from 1

  Because step 3 writes the singleton and the log rows together, the log and
  the singleton cannot diverge, and a stale read can never be written back.

EXAMPLE:
  bal, rows, err := ledger.Post(ctx, "finance@example.com", func(cur CashBalance) ([]CashTransaction, error) {
      rows := []CashTransaction{{TransactionType: TxExpense, Amount: decimal.NewFromInt(-5000)}}
      ApplyRunning(cur.CurrentBalance, rows)
      return rows, nil
  })

SEE ALSO:
  - store.go:            PostCashTransactions contract
  - settlement/engine.go: bulk posting of lot payments
*/
package finance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BuildFunc builds the rows to post against the current singleton.
// Each returned row must carry BalanceAfter.
type BuildFunc func(current CashBalance) ([]CashTransaction, error)

// CashLedger posts cash rows with optimistic concurrency and retry.
type CashLedger struct {
	Store  CashStore
	Config Config
	Logger *zap.Logger
}

func NewCashLedger(store CashStore, cfg Config, logger *zap.Logger) CashLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return CashLedger{Store: store, Config: cfg, Logger: logger}
}

// On returns a copy of the ledger bound to another store (e.g. a transaction).
func (l CashLedger) On(store CashStore) CashLedger {
	l.Store = store
	return l
}

// Post reads the singleton, builds rows and writes them guarded by version.
// It returns the new balance and the rows as posted.
func (l CashLedger) Post(ctx context.Context, by string, build BuildFunc) (CashBalance, []CashTransaction, error) {
	attempts := l.Config.MaxConflictRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		current, err := l.Store.GetCashBalance(ctx)
		if err != nil {
			return CashBalance{}, nil, err
		}

		txs, err := build(current)
		if err != nil {
			return CashBalance{}, nil, err
		}
		if len(txs) == 0 {
			return current, nil, nil
		}

		balance, err := l.Store.PostCashTransactions(ctx, txs, current.Version, by)
		if err == nil {
			return balance, txs, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return CashBalance{}, nil, err
		}

		lastErr = err
		l.Logger.Warn("cash balance changed during posting, retrying",
			zap.Int("attempt", attempt),
			zap.Int64("expected_version", current.Version),
		)
	}

	return CashBalance{}, nil, lastErr
}

// ApplyRunning sets BalanceAfter on each row by applying amounts in order,
// starting from start. Returns the final balance.
func ApplyRunning(start decimal.Decimal, txs []CashTransaction) decimal.Decimal {
	running := start
	for i := range txs {
		running = running.Add(txs[i].Amount)
		txs[i].BalanceAfter = decimal.NullDecimal{Decimal: running, Valid: true}
	}
	return running
}

// NewCashTransaction returns a confirmed row with a fresh id.
func NewCashTransaction(txType TransactionType, amount decimal.Decimal, reference, by string, at time.Time) CashTransaction {
	return CashTransaction{
		ID:              uuid.NewString(),
		TransactionType: txType,
		Amount:          amount,
		Reference:       reference,
		CreatedBy:       by,
		Status:          TxStatusConfirmed,
		ConfirmedBy:     by,
		ConfirmedAt:     &at,
		CreatedAt:       at,
	}
}
