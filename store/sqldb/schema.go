package sqldb

import (
	"context"
	"strings"
)

// Column types differ per driver; money stays TEXT on SQLite so no value
// passes through a float.
var dialectTypes = map[string]*strings.Replacer{
	DriverSQLite: strings.NewReplacer(
		"{{money}}", "TEXT",
		"{{ts}}", "TIMESTAMP",
		"{{seq}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
	),
	DriverPostgres: strings.NewReplacer(
		"{{money}}", "NUMERIC(18,2)",
		"{{ts}}", "TIMESTAMPTZ",
		"{{seq}}", "BIGSERIAL PRIMARY KEY",
	),
}

const schema = `
	-- Cash singleton
	CREATE TABLE IF NOT EXISTS cash_balance (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		current_balance {{money}} NOT NULL,
		last_updated {{ts}} NOT NULL,
		updated_by TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL DEFAULT 1
	);

	-- Cash log (balance_after is NULL until confirmed)
	CREATE TABLE IF NOT EXISTS cash_transactions (
		seq {{seq}},
		id TEXT NOT NULL UNIQUE,
		transaction_type TEXT NOT NULL,
		amount {{money}} NOT NULL,
		balance_after {{money}},
		reference TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		status TEXT NOT NULL,
		confirmed_by TEXT NOT NULL DEFAULT '',
		confirmed_at {{ts}},
		created_at {{ts}} NOT NULL,
		balance_version BIGINT NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_cash_transactions_reference
		ON cash_transactions(reference);

	-- Coffee lots
	CREATE TABLE IF NOT EXISTS payment_records (
		id TEXT PRIMARY KEY,
		batch_number TEXT NOT NULL,
		supplier_id TEXT NOT NULL,
		supplier_name TEXT NOT NULL DEFAULT '',
		kilograms {{money}} NOT NULL,
		final_price {{money}},
		suggested_price {{money}},
		status TEXT NOT NULL,
		amount_paid {{money}} NOT NULL,
		balance {{money}} NOT NULL,
		paid_by TEXT NOT NULL DEFAULT '',
		paid_at {{ts}},
		created_at {{ts}} NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payment_records_status
		ON payment_records(status);

	-- Disbursements: one live row per batch reference
	CREATE TABLE IF NOT EXISTS supplier_payments (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL,
		supplier_id TEXT NOT NULL,
		payment_record_id TEXT NOT NULL,
		gross_amount {{money}} NOT NULL,
		advance_recovered {{money}} NOT NULL,
		amount_paid {{money}} NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		processed_by TEXT NOT NULL,
		is_duplicate BOOLEAN NOT NULL DEFAULT FALSE,
		created_at {{ts}} NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_supplier_payments_reference
		ON supplier_payments(reference) WHERE NOT is_duplicate;

	-- Advances
	CREATE TABLE IF NOT EXISTS supplier_advances (
		id TEXT PRIMARY KEY,
		supplier_id TEXT NOT NULL,
		amount_ugx {{money}} NOT NULL,
		outstanding_ugx {{money}} NOT NULL,
		is_closed BOOLEAN NOT NULL DEFAULT FALSE,
		created_by TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL,
		closed_at {{ts}}
	);

	CREATE INDEX IF NOT EXISTS idx_supplier_advances_open
		ON supplier_advances(supplier_id, created_at) WHERE NOT is_closed;

	-- Withdrawals
	CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id TEXT PRIMARY KEY,
		amount {{money}} NOT NULL,
		status TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		payment_channel TEXT NOT NULL,
		phone_number TEXT NOT NULL DEFAULT '',
		account_name TEXT NOT NULL DEFAULT '',
		bank_name TEXT NOT NULL DEFAULT '',
		account_number TEXT NOT NULL DEFAULT '',
		requires_three_approvals BOOLEAN NOT NULL DEFAULT FALSE,
		admin_approved_1 BOOLEAN NOT NULL DEFAULT FALSE,
		admin_approved_1_by TEXT NOT NULL DEFAULT '',
		admin_approved_1_at {{ts}},
		admin_approved_2 BOOLEAN NOT NULL DEFAULT FALSE,
		admin_approved_2_by TEXT NOT NULL DEFAULT '',
		admin_approved_2_at {{ts}},
		admin_approved_3 BOOLEAN NOT NULL DEFAULT FALSE,
		admin_approved_3_by TEXT NOT NULL DEFAULT '',
		admin_approved_3_at {{ts}},
		admin_approved BOOLEAN NOT NULL DEFAULT FALSE,
		admin_approved_by TEXT NOT NULL DEFAULT '',
		admin_approved_at {{ts}},
		approved_by TEXT NOT NULL DEFAULT '',
		approved_at {{ts}},
		finance_approved_by TEXT NOT NULL DEFAULT '',
		finance_approved_at {{ts}},
		rejected_by TEXT NOT NULL DEFAULT '',
		rejected_at {{ts}},
		rejection_reason TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawal_requests_status
		ON withdrawal_requests(status);

	-- Wallet ledger (append-only)
	CREATE TABLE IF NOT EXISTS wallet_entries (
		id TEXT PRIMARY KEY,
		identity TEXT NOT NULL,
		amount {{money}} NOT NULL,
		entry_type TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT UNIQUE,
		created_by TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wallet_entries_identity
		ON wallet_entries(identity, created_at);
`

// migrate creates the schema and seeds the cash singleton.
func (s *Store) migrate(ctx context.Context) error {
	ddl := dialectTypes[s.db.DriverName()].Replace(schema)
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	_, err := s.exec(ctx, `
		INSERT INTO cash_balance (id, current_balance, last_updated, updated_by, version)
		VALUES (1, ?, CURRENT_TIMESTAMP, 'system', 1)
		ON CONFLICT (id) DO NOTHING`, "0")
	return err
}
