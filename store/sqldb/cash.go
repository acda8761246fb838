package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/coffeeops/finance-engine/finance"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CASH STORE (finance.CashStore interface)
// =============================================================================

const cashTxColumns = `id, transaction_type, amount, balance_after, reference, notes,
	created_by, status, confirmed_by, confirmed_at, created_at, balance_version`

const insertCashTx = `
	INSERT INTO cash_transactions
	(id, transaction_type, amount, balance_after, reference, notes,
	 created_by, status, confirmed_by, confirmed_at, created_at, balance_version)
	VALUES (:id, :transaction_type, :amount, :balance_after, :reference, :notes,
	 :created_by, :status, :confirmed_by, :confirmed_at, :created_at, :balance_version)`

func (q *queries) GetCashBalance(ctx context.Context) (finance.CashBalance, error) {
	var b finance.CashBalance
	err := q.get(ctx, &b, `SELECT current_balance, last_updated, updated_by, version FROM cash_balance WHERE id = 1`)
	if err != nil {
		return finance.CashBalance{}, classify("get cash balance", err)
	}
	return b, nil
}

// PostCashTransactions writes the rows and moves the singleton in one
// transaction. The singleton update is predicated on the expected version.
func (q *queries) PostCashTransactions(ctx context.Context, txs []finance.CashTransaction, expectedVersion int64, updatedBy string) (finance.CashBalance, error) {
	var result finance.CashBalance
	err := q.atomic(ctx, func(q *queries) error {
		current, err := q.GetCashBalance(ctx)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return finance.ErrConcurrentModification
		}

		running := current.CurrentBalance
		for _, tx := range txs {
			running = running.Add(tx.Amount)
			if !tx.BalanceAfter.Valid || !tx.BalanceAfter.Decimal.Equal(running) {
				return finance.Invalid("balance_after",
					fmt.Sprintf("transaction %s does not chain from the current balance", tx.ID))
			}
		}

		now := time.Now().UTC()
		n, err := q.exec(ctx, `
			UPDATE cash_balance
			SET current_balance = ?, last_updated = ?, updated_by = ?, version = version + 1
			WHERE id = 1 AND version = ?`,
			running, now, updatedBy, expectedVersion)
		if err != nil {
			return finance.Unavailable("update cash balance", err)
		}
		if n == 0 {
			return finance.ErrConcurrentModification
		}

		if len(txs) > 0 {
			rows := make([]finance.CashTransaction, len(txs))
			for i, tx := range txs {
				tx.BalanceVersion = expectedVersion + 1
				rows[i] = tx
			}
			if err := q.namedExec(ctx, insertCashTx, rows); err != nil {
				return finance.Unavailable("insert cash transactions", err)
			}
		}

		result = finance.CashBalance{
			CurrentBalance: running,
			LastUpdated:    now,
			UpdatedBy:      updatedBy,
			Version:        expectedVersion + 1,
		}
		return nil
	})
	return result, err
}

func (q *queries) InsertCashTransaction(ctx context.Context, tx finance.CashTransaction) error {
	if tx.Status != finance.TxStatusPending {
		return finance.Invalid("status", "only pending rows can be inserted without posting")
	}
	if err := q.namedExec(ctx, insertCashTx, tx); err != nil {
		return finance.Unavailable("insert cash transaction", err)
	}
	return nil
}

func (q *queries) ConfirmCashTransaction(ctx context.Context, id, confirmedBy string, at time.Time, balanceAfter decimal.Decimal, expectedVersion int64) (finance.CashBalance, error) {
	var result finance.CashBalance
	err := q.atomic(ctx, func(q *queries) error {
		tx, err := q.GetCashTransaction(ctx, id)
		if err != nil {
			return err
		}
		if tx.Status != finance.TxStatusPending {
			return &finance.AlreadyProcessedError{Kind: "already confirmed", Key: id}
		}

		current, err := q.GetCashBalance(ctx)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return finance.ErrConcurrentModification
		}
		if !current.CurrentBalance.Add(tx.Amount).Equal(balanceAfter) {
			return finance.Invalid("balance_after", "does not chain from the current balance")
		}

		n, err := q.exec(ctx, `
			UPDATE cash_transactions
			SET status = ?, confirmed_by = ?, confirmed_at = ?, balance_after = ?, balance_version = ?
			WHERE id = ? AND status = ?`,
			finance.TxStatusConfirmed, confirmedBy, at, balanceAfter, expectedVersion+1, id, finance.TxStatusPending)
		if err != nil {
			return finance.Unavailable("confirm cash transaction", err)
		}
		if n == 0 {
			return &finance.AlreadyProcessedError{Kind: "already confirmed", Key: id}
		}

		n, err = q.exec(ctx, `
			UPDATE cash_balance
			SET current_balance = ?, last_updated = ?, updated_by = ?, version = version + 1
			WHERE id = 1 AND version = ?`,
			balanceAfter, at, confirmedBy, expectedVersion)
		if err != nil {
			return finance.Unavailable("update cash balance", err)
		}
		if n == 0 {
			return finance.ErrConcurrentModification
		}

		result = finance.CashBalance{
			CurrentBalance: balanceAfter,
			LastUpdated:    at,
			UpdatedBy:      confirmedBy,
			Version:        expectedVersion + 1,
		}
		return nil
	})
	return result, err
}

func (q *queries) GetCashTransaction(ctx context.Context, id string) (finance.CashTransaction, error) {
	var tx finance.CashTransaction
	if err := q.get(ctx, &tx, `SELECT `+cashTxColumns+` FROM cash_transactions WHERE id = ?`, id); err != nil {
		return finance.CashTransaction{}, classify("get cash transaction", err)
	}
	return tx, nil
}

func (q *queries) ListCashTransactions(ctx context.Context, limit int) ([]finance.CashTransaction, error) {
	query := `SELECT ` + cashTxColumns + ` FROM cash_transactions ORDER BY seq DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var txs []finance.CashTransaction
	if err := q.selectAll(ctx, &txs, query, args...); err != nil {
		return nil, classify("list cash transactions", err)
	}
	return txs, nil
}

func (q *queries) LatestCashPosting(ctx context.Context) (finance.CashTransaction, error) {
	var tx finance.CashTransaction
	err := q.get(ctx, &tx, `
		SELECT `+cashTxColumns+` FROM cash_transactions
		WHERE status = ?
		ORDER BY balance_version DESC, seq DESC
		LIMIT 1`, finance.TxStatusConfirmed)
	if err != nil {
		return finance.CashTransaction{}, classify("latest cash posting", err)
	}
	return tx, nil
}

func (q *queries) CashTransactionsByReference(ctx context.Context, reference string) ([]finance.CashTransaction, error) {
	var txs []finance.CashTransaction
	err := q.selectAll(ctx, &txs, `
		SELECT `+cashTxColumns+` FROM cash_transactions
		WHERE reference = ? AND status = ?
		ORDER BY seq`, reference, finance.TxStatusConfirmed)
	if err != nil {
		return nil, classify("cash transactions by reference", err)
	}
	return txs, nil
}
