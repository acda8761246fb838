/*
wallet.go - Per-user wallet ledger

PURPOSE:
  Employees withdraw from a personal wallet, separate from company cash. The
  wallet is an append-only ledger: the balance is always the sum of entries,
  there is no balance column that can drift.

INVARIANTS:
  - Append-only: no update, no delete
  - Idempotent: an entry whose idempotency key exists is rejected with
    ErrDuplicateIdempotencyKey (a withdrawal is debited at most once)

CORRECTIONS:
  Made with a WalletReversal entry of opposite sign.
*/
package finance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet is the wallet ledger over a WalletStore.
type Wallet struct {
	Store WalletStore
}

func NewWallet(store WalletStore) *Wallet {
	return &Wallet{Store: store}
}

// Append adds an entry. Fails if its idempotency key exists.
func (w *Wallet) Append(ctx context.Context, e WalletEntry) error {
	if e.IdempotencyKey != "" {
		exists, err := w.Store.WalletEntryExists(ctx, e.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return w.Store.AppendWalletEntry(ctx, e)
}

// Credit adds funds to identity's wallet.
func (w *Wallet) Credit(ctx context.Context, identity string, amount decimal.Decimal, reference, by string) (WalletEntry, error) {
	if !amount.IsPositive() {
		return WalletEntry{}, Invalid("amount", "must be positive")
	}
	e := WalletEntry{
		ID:        uuid.NewString(),
		Identity:  identity,
		Amount:    amount,
		Type:      WalletCredit,
		Reference: reference,
		CreatedBy: by,
		CreatedAt: time.Now().UTC(),
	}
	return e, w.Append(ctx, e)
}

// Balance sums every entry for identity.
func (w *Wallet) Balance(ctx context.Context, identity string) (decimal.Decimal, error) {
	entries, err := w.Store.WalletEntries(ctx, identity)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total, nil
}

// Entries returns identity's wallet history, oldest first.
func (w *Wallet) Entries(ctx context.Context, identity string) ([]WalletEntry, error) {
	return w.Store.WalletEntries(ctx, identity)
}
