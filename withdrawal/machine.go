/*
Package withdrawal implements the employee withdrawal approval workflow.

STATES:

	pending ──(last required admin slot)──> pending_finance ──(finance)──> approved
	   │                                          │
	   └────────────────(reject + reason)─────────┴──────────────────────> rejected

APPROVAL TIERS:
  requires_three_approvals = amount > Config.ThreeApprovalThreshold
  - false: 1 admin approval (slot 1)
  - true:  3 admin approvals from 3 distinct identities (slots 1, 2, 3)

RULES:
  - Nobody approves or rejects their own request
  - An identity fills at most one slot of a request
  - Slots are filled in order; each write is guarded by the slot being empty,
    so two admins racing for the same slot cannot overwrite each other
  - Finance approval is a hard stop when the requester's wallet does not
    cover the amount
  - Rejection needs a reason and has no ledger or wallet effect

SEE ALSO:
  - submit.go:   request validation
  - disburse.go: channel-specific side effects after finance approval
*/
package withdrawal

import (
	"context"
	"errors"
	"time"

	"github.com/coffeeops/finance-engine/finance"
	"github.com/coffeeops/finance-engine/lock"
	"github.com/coffeeops/finance-engine/notify"
	"github.com/coffeeops/finance-engine/validation"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Stage names the approval stage a transition happened in.
type Stage string

const (
	StageAdmin   Stage = "admin"
	StageFinance Stage = "finance"
	StageReject  Stage = "reject"
)

// Transition is the result of Approve or Reject.
type Transition struct {
	Request finance.WithdrawalRequest `json:"request"`
	Stage   Stage                     `json:"stage"`
	From    finance.WithdrawalStatus  `json:"from"`
	To      finance.WithdrawalStatus  `json:"to"`

	// Slot filled by an admin approval.
	Slot int `json:"slot,omitempty"`

	// Admin approvals still needed after this one.
	Remaining int `json:"remaining"`

	// CashSlip is the printable slip for CASH withdrawals.
	CashSlip string `json:"cash_slip,omitempty"`
}

// Machine drives withdrawal requests through their states.
type Machine struct {
	store    finance.LedgerStore
	cfg      finance.Config
	locker   lock.Locker
	notifier notify.Dispatcher
	validate *validation.Validator
	logger   *zap.Logger

	Now func() time.Time
}

// NewMachine builds a Machine. locker and notifier may be nil.
func NewMachine(store finance.LedgerStore, cfg finance.Config, locker lock.Locker, notifier notify.Dispatcher, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		store:    store,
		cfg:      cfg,
		locker:   locker,
		notifier: notifier,
		validate: validation.New(cfg.PhoneRegion),
		logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a request by id.
func (m *Machine) Get(ctx context.Context, id string) (finance.WithdrawalRequest, error) {
	return m.store.GetWithdrawal(ctx, id)
}

// List returns requests in status, or all when status is empty.
func (m *Machine) List(ctx context.Context, status finance.WithdrawalStatus) ([]finance.WithdrawalRequest, error) {
	return m.store.ListWithdrawals(ctx, status)
}

// =============================================================================
// PREDICATES
// =============================================================================

// RequiredApprovals returns how many admin slots w must fill.
func (m *Machine) RequiredApprovals(w finance.WithdrawalRequest) int {
	return m.cfg.RequiredApprovals(w)
}

// NextSlot returns the first empty required slot (1-based), or 0 when all
// required slots are filled.
func (m *Machine) NextSlot(w finance.WithdrawalRequest) int {
	slots := w.Slots()
	for i := 0; i < m.RequiredApprovals(w); i++ {
		if !slots[i].Approved {
			return i + 1
		}
	}
	return 0
}

// CanApprove reports whether identity may fill the next admin slot of w.
func (m *Machine) CanApprove(w finance.WithdrawalRequest, identity string) bool {
	return m.adminEligibility(w, identity) == nil
}

// CanFinanceApprove reports whether identity may give the finance approval,
// given the requester's wallet balance.
func (m *Machine) CanFinanceApprove(w finance.WithdrawalRequest, identity string, wallet decimal.Decimal) bool {
	return m.financeEligibility(w, identity, wallet) == nil
}

func (m *Machine) adminEligibility(w finance.WithdrawalRequest, identity string) error {
	switch {
	case w.Status != finance.WithdrawalPending:
		return stateError(w)
	case identity == w.RequestedBy:
		return &finance.AuthorizationError{Identity: identity, Reason: "cannot approve own withdrawal"}
	case w.HasApproved(identity):
		return &finance.AuthorizationError{Identity: identity, Reason: "already approved this withdrawal"}
	case m.NextSlot(w) == 0:
		return finance.ErrConcurrentModification
	}
	return nil
}

func (m *Machine) financeEligibility(w finance.WithdrawalRequest, identity string, wallet decimal.Decimal) error {
	switch {
	case w.Status != finance.WithdrawalPendingFinance:
		return stateError(w)
	case !w.AdminApproved:
		return &finance.AuthorizationError{Identity: identity, Reason: "admin approval incomplete"}
	case identity == w.RequestedBy:
		return &finance.AuthorizationError{Identity: identity, Reason: "cannot approve own withdrawal"}
	case wallet.LessThan(w.Amount):
		return &finance.InsufficientWalletError{Identity: w.RequestedBy, Available: wallet, Requested: w.Amount}
	}
	return nil
}

// stateError explains why w cannot move from its current status.
func stateError(w finance.WithdrawalRequest) error {
	if w.Status.Terminal() {
		return &finance.AlreadyProcessedError{Kind: "already " + string(w.Status), Key: w.ID}
	}
	return finance.ErrConcurrentModification
}

// =============================================================================
// APPROVE
// =============================================================================

// Approve gives identity's approval to the request's current stage: an admin
// slot while pending, the finance approval while pending_finance.
func (m *Machine) Approve(ctx context.Context, id, identity string) (Transition, error) {
	if id == "" {
		return Transition{}, finance.Invalid("id", "required")
	}
	if identity == "" {
		return Transition{}, finance.Invalid("identity", "required")
	}

	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxConflictRetries; attempt++ {
		w, err := m.store.GetWithdrawal(ctx, id)
		if err != nil {
			return Transition{}, err
		}

		var t Transition
		switch w.Status {
		case finance.WithdrawalPending:
			t, err = m.approveAdmin(ctx, w, identity)
		case finance.WithdrawalPendingFinance:
			t, err = m.approveFinance(ctx, w, identity)
		default:
			err = stateError(w)
		}
		if err == nil || !finance.IsRetryable(err) {
			return t, err
		}

		// Someone else moved the request first; re-read and re-check.
		lastErr = err
		m.logger.Debug("withdrawal changed during approval, retrying",
			zap.String("withdrawal_id", id),
			zap.Int("attempt", attempt+1),
		)
	}
	return Transition{}, lastErr
}

func (m *Machine) approveAdmin(ctx context.Context, w finance.WithdrawalRequest, identity string) (Transition, error) {
	if err := m.adminEligibility(w, identity); err != nil {
		m.logDenied(w, identity, StageAdmin, err)
		return Transition{}, err
	}

	now := m.Now()
	slot := m.NextSlot(w)
	required := m.RequiredApprovals(w)
	final := slot == required

	if err := m.store.FillApprovalSlot(ctx, w.ID, slot, identity, now, final); err != nil {
		return Transition{}, err
	}

	from := w.Status
	w.SetSlot(slot, identity, now)
	w.UpdatedAt = now
	if final {
		w.AdminApproved, w.AdminApprovedBy, w.AdminApprovedAt = true, identity, &now
		w.Status = finance.WithdrawalPendingFinance
	}

	m.logger.Info("withdrawal admin approval",
		zap.String("withdrawal_id", w.ID),
		zap.String("approver", identity),
		zap.Int("slot", slot),
		zap.Int("required", required),
		zap.String("status", string(w.Status)),
	)

	return Transition{
		Request:   w,
		Stage:     StageAdmin,
		From:      from,
		To:        w.Status,
		Slot:      slot,
		Remaining: required - slot,
	}, nil
}

func (m *Machine) approveFinance(ctx context.Context, w finance.WithdrawalRequest, identity string) (Transition, error) {
	// One finance approval per wallet at a time, so two withdrawals of the
	// same requester cannot both pass the balance check.
	release, err := m.obtain(ctx, "wallet:"+w.RequestedBy)
	if err != nil {
		return Transition{}, err
	}
	defer release()

	now := m.Now()
	err = m.within(ctx, func(s finance.LedgerStore, atomic bool) error {
		wallet := finance.NewWallet(s)
		balance, err := wallet.Balance(ctx, w.RequestedBy)
		if err != nil {
			return err
		}
		if err := m.financeEligibility(w, identity, balance); err != nil {
			m.logDenied(w, identity, StageFinance, err)
			return err
		}

		if err := s.ApproveWithdrawalFinance(ctx, w.ID, identity, now); err != nil {
			return err
		}

		err = wallet.Append(ctx, finance.WalletEntry{
			Identity:       w.RequestedBy,
			Amount:         w.Amount.Neg(),
			Type:           finance.WalletWithdrawal,
			Reference:      w.ID,
			IdempotencyKey: DebitKey(w.ID),
			CreatedBy:      identity,
			CreatedAt:      now,
		})
		switch {
		case errors.Is(err, finance.ErrDuplicateIdempotencyKey):
			m.logger.Warn("withdrawal already debited", zap.String("withdrawal_id", w.ID))
		case err != nil && !atomic:
			return &finance.PartialFailureError{Step: "wallet debit", Committed: []string{w.ID}, Cause: err}
		case err != nil:
			return err
		}
		return nil
	})
	if err != nil {
		return Transition{}, err
	}

	from := w.Status
	w.Status = finance.WithdrawalApproved
	w.ApprovedBy, w.ApprovedAt = identity, &now
	w.FinanceApprovedBy, w.FinanceApprovedAt = identity, &now
	w.UpdatedAt = now

	m.logger.Info("withdrawal approved",
		zap.String("withdrawal_id", w.ID),
		zap.String("approver", identity),
		zap.String("amount", w.Amount.String()),
		zap.String("channel", string(w.PaymentChannel)),
	)

	return Transition{
		Request:  w,
		Stage:    StageFinance,
		From:     from,
		To:       w.Status,
		CashSlip: m.disburse(ctx, w),
	}, nil
}

// DebitKey is the wallet idempotency key of a withdrawal's debit.
func DebitKey(withdrawalID string) string {
	return "withdrawal:" + withdrawalID
}

// =============================================================================
// REJECT
// =============================================================================

// Reject moves a pending or pending_finance request to rejected.
func (m *Machine) Reject(ctx context.Context, id, identity, reason string) (Transition, error) {
	var errs finance.ValidationErrors
	if id == "" {
		errs = append(errs, &finance.ValidationError{Field: "id", Message: "required"})
	}
	if identity == "" {
		errs = append(errs, &finance.ValidationError{Field: "identity", Message: "required"})
	}
	if isBlank(reason) {
		errs = append(errs, &finance.ValidationError{Field: "reason", Message: "required"})
	}
	if len(errs) > 0 {
		return Transition{}, errs
	}

	w, err := m.store.GetWithdrawal(ctx, id)
	if err != nil {
		return Transition{}, err
	}
	if w.Status.Terminal() {
		return Transition{}, stateError(w)
	}
	if identity == w.RequestedBy {
		err := &finance.AuthorizationError{Identity: identity, Reason: "cannot reject own withdrawal"}
		m.logDenied(w, identity, StageReject, err)
		return Transition{}, err
	}

	now := m.Now()
	if err := m.store.RejectWithdrawal(ctx, id, identity, reason, now); err != nil {
		if errors.Is(err, finance.ErrConcurrentModification) {
			// Approved or rejected by someone else in the meantime.
			if cur, gerr := m.store.GetWithdrawal(ctx, id); gerr == nil && cur.Status.Terminal() {
				return Transition{}, stateError(cur)
			}
		}
		return Transition{}, err
	}

	from := w.Status
	w.Status = finance.WithdrawalRejected
	w.RejectedBy, w.RejectedAt, w.RejectionReason = identity, &now, reason
	w.UpdatedAt = now

	m.logger.Info("withdrawal rejected",
		zap.String("withdrawal_id", w.ID),
		zap.String("rejected_by", identity),
		zap.String("from", string(from)),
	)

	notify.Send(ctx, m.notifier, m.logger, notify.Message{
		Channel:   notify.ChannelEmail,
		Recipient: w.RequestedBy,
		Template:  notify.TemplateWithdrawalRejected,
		Data:      m.templateData(w),
	})

	return Transition{Request: w, Stage: StageReject, From: from, To: w.Status}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (m *Machine) logDenied(w finance.WithdrawalRequest, identity string, stage Stage, err error) {
	m.logger.Warn("withdrawal transition denied",
		zap.String("withdrawal_id", w.ID),
		zap.String("identity", identity),
		zap.String("stage", string(stage)),
		zap.Error(err),
	)
}

func (m *Machine) obtain(ctx context.Context, key string) (func(), error) {
	if m.locker == nil {
		return func() {}, nil
	}
	lease, err := m.locker.Obtain(ctx, key)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("wallet lease release failed", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func (m *Machine) within(ctx context.Context, fn func(s finance.LedgerStore, atomic bool) error) error {
	if txs, ok := m.store.(finance.TxStore); ok {
		return txs.WithTx(ctx, func(s finance.LedgerStore) error {
			return fn(s, true)
		})
	}
	return fn(m.store, false)
}
