package sqldb_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/coffeeops/finance-engine/finance"
	"github.com/coffeeops/finance-engine/store/sqldb"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Guard paths that SQLite's single connection never exercises, checked
// against the PostgreSQL placeholder style.

func newMockStore(t *testing.T) (*sqldb.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqldb.NewWithDB(sqlx.NewDb(db, sqldb.DriverPostgres)), mock
}

func balanceRows(balance string, version int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"current_balance", "last_updated", "updated_by", "version"}).
		AddRow(balance, time.Now(), "system", version)
}

func TestPostgres_PostCashTransactions_LostRaceOnUpdate(t *testing.T) {
	// GIVEN: The singleton read matches the expected version
	// WHEN: Another writer bumps the version before our UPDATE lands
	// THEN: The UPDATE affects no row, nothing is inserted, the transaction rolls back

	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT current_balance, last_updated, updated_by, version FROM cash_balance`).
		WillReturnRows(balanceRows("1000000", 4))
	mock.ExpectExec(`UPDATE cash_balance .* WHERE id = 1 AND version = \$4`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	rows := []finance.CashTransaction{
		finance.NewCashTransaction(finance.TxPayment, ugx(-600000), "B-1", "f", time.Now()),
	}
	finance.ApplyRunning(ugx(1000000), rows)
	_, err := store.PostCashTransactions(ctx, rows, 4, "f")

	assert.ErrorIs(t, err, finance.ErrConcurrentModification)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PostCashTransactions_StaleReadSkipsUpdate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT current_balance`).WillReturnRows(balanceRows("1000000", 9))
	mock.ExpectRollback()

	_, err := store.PostCashTransactions(context.Background(), nil, 8, "f")

	assert.ErrorIs(t, err, finance.ErrConcurrentModification)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PostCashTransactions_Commits(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT current_balance`).WillReturnRows(balanceRows("1000000", 2))
	mock.ExpectExec(`UPDATE cash_balance`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO cash_transactions`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	rows := []finance.CashTransaction{
		finance.NewCashTransaction(finance.TxPayment, ugx(-600000), "B-1", "f", time.Now()),
		finance.NewCashTransaction(finance.TxPayment, ugx(-500000), "B-2", "f", time.Now()),
	}
	finance.ApplyRunning(ugx(1000000), rows)
	bal, err := store.PostCashTransactions(context.Background(), rows, 2, "f")

	require.NoError(t, err)
	assert.True(t, ugx(-100000).Equal(bal.CurrentBalance))
	assert.Equal(t, int64(3), bal.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FillApprovalSlot_SlotTaken(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE withdrawal_requests SET admin_approved_2 = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM withdrawal_requests WHERE id = \$1`).
		WithArgs("w-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := store.FillApprovalSlot(context.Background(), "w-1", 2, "bob@example.com", time.Now(), false)

	assert.ErrorIs(t, err, finance.ErrConcurrentModification)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertSupplierPayment_UniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO supplier_payments`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_supplier_payments_reference"})

	err := store.InsertSupplierPayment(context.Background(), finance.SupplierPayment{ID: "sp-2", Reference: "B-1"})

	var ap *finance.AlreadyProcessedError
	require.ErrorAs(t, err, &ap)
	assert.Equal(t, "B-1", ap.Key)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_BackendFailure_IsUnavailable(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT current_balance`).WillReturnError(assert.AnError)

	_, err := store.GetCashBalance(context.Background())

	assert.ErrorIs(t, err, finance.ErrBackendUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FailedStatementInTxRollsBackToSavepoint(t *testing.T) {
	// GIVEN: An open transaction
	// WHEN: Closing advances fails on the UPDATE
	// THEN: Only the savepoint is rolled back, and the transaction keeps
	//       serving statements and commits

	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`SAVEPOINT sqldb_atomic`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM supplier_advances`).
		WithArgs("S1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "supplier_id", "amount_ugx", "outstanding_ugx", "is_closed", "created_by", "created_at", "closed_at"}).
			AddRow("adv-1", "S1", "200000", "200000", false, "f", time.Now(), nil))
	mock.ExpectExec(`UPDATE supplier_advances`).WillReturnError(assert.AnError)
	mock.ExpectExec(`ROLLBACK TO SAVEPOINT sqldb_atomic`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT current_balance`).WillReturnRows(balanceRows("1000000", 3))
	mock.ExpectCommit()

	err := store.WithTx(ctx, func(s finance.LedgerStore) error {
		_, err := s.CloseAdvances(ctx, "S1", time.Now())
		assert.ErrorIs(t, err, finance.ErrBackendUnavailable)

		bal, err := s.GetCashBalance(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), bal.Version)
		return nil
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SavepointReleasedOnSuccess(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`SAVEPOINT sqldb_atomic`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM supplier_advances`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "supplier_id", "amount_ugx", "outstanding_ugx", "is_closed", "created_by", "created_at", "closed_at"}).
			AddRow("adv-1", "S1", "200000", "200000", false, "f", time.Now(), nil))
	mock.ExpectExec(`UPDATE supplier_advances`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`RELEASE SAVEPOINT sqldb_atomic`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := store.WithTx(ctx, func(s finance.LedgerStore) error {
		closed, err := s.CloseAdvances(ctx, "S1", time.Now())
		require.NoError(t, err)
		assert.True(t, ugx(200000).Equal(closed))
		return nil
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
