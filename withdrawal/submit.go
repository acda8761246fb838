package withdrawal

import (
	"context"
	"strings"

	"github.com/coffeeops/finance-engine/finance"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SubmitInput is a new withdrawal request.
type SubmitInput struct {
	RequestedBy    string                 `json:"requested_by" validate:"required,max=254"`
	Amount         decimal.Decimal        `json:"amount" validate:"gt=0"`
	Reason         string                 `json:"reason" validate:"max=500"`
	PaymentChannel finance.PaymentChannel `json:"payment_channel" validate:"required,oneof=CASH MOBILE_MONEY BANK"`

	PhoneNumber   string `json:"phone_number" validate:"required_if=PaymentChannel MOBILE_MONEY,omitempty,phone"`
	AccountName   string `json:"account_name" validate:"required_unless=PaymentChannel CASH,max=120"`
	BankName      string `json:"bank_name" validate:"required_if=PaymentChannel BANK,max=120"`
	AccountNumber string `json:"account_number" validate:"required_if=PaymentChannel BANK,max=34"`
}

// Submit validates in and stores a pending request. The approval tier is
// fixed here from the amount.
func (m *Machine) Submit(ctx context.Context, in SubmitInput) (finance.WithdrawalRequest, error) {
	in.RequestedBy = strings.TrimSpace(in.RequestedBy)
	if err := m.validate.Struct(in); err != nil {
		return finance.WithdrawalRequest{}, err
	}

	amount := finance.Round(in.Amount, m.cfg.CurrencyPlaces)
	if !amount.IsPositive() {
		return finance.WithdrawalRequest{}, finance.Invalid("amount", "must be positive")
	}

	phone := ""
	if in.PaymentChannel == finance.ChannelMobileMoney {
		var err error
		if phone, err = m.validate.NormalizePhone(in.PhoneNumber); err != nil {
			return finance.WithdrawalRequest{}, err
		}
	}

	now := m.Now()
	w := finance.WithdrawalRequest{
		ID:                     uuid.NewString(),
		Amount:                 amount,
		Status:                 finance.WithdrawalPending,
		RequestedBy:            in.RequestedBy,
		Reason:                 strings.TrimSpace(in.Reason),
		PaymentChannel:         in.PaymentChannel,
		PhoneNumber:            phone,
		RequiresThreeApprovals: m.cfg.RequiresThreeApprovals(amount),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if in.PaymentChannel != finance.ChannelCash {
		w.AccountName = strings.TrimSpace(in.AccountName)
	}
	if in.PaymentChannel == finance.ChannelBank {
		w.BankName = strings.TrimSpace(in.BankName)
		w.AccountNumber = strings.TrimSpace(in.AccountNumber)
	}

	if err := m.store.CreateWithdrawal(ctx, w); err != nil {
		return finance.WithdrawalRequest{}, err
	}

	m.logger.Info("withdrawal submitted",
		zap.String("withdrawal_id", w.ID),
		zap.String("requested_by", w.RequestedBy),
		zap.String("amount", w.Amount.String()),
		zap.String("channel", string(w.PaymentChannel)),
		zap.Int("required_approvals", m.RequiredApprovals(w)),
	)
	return w, nil
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
