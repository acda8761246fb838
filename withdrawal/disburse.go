package withdrawal

import (
	"context"

	"github.com/coffeeops/finance-engine/finance"
	"github.com/coffeeops/finance-engine/notify"
	"go.uber.org/zap"
)

// disburse runs the side effect of an approved withdrawal and returns the
// cash slip for CASH requests. Nothing here touches the ledger; failures are
// logged.
func (m *Machine) disburse(ctx context.Context, w finance.WithdrawalRequest) string {
	data := m.templateData(w)

	notify.Send(ctx, m.notifier, m.logger, notify.Message{
		Channel:   notify.ChannelEmail,
		Recipient: w.RequestedBy,
		Template:  notify.TemplateWithdrawalApproved,
		Data:      data,
	})

	switch w.PaymentChannel {
	case finance.ChannelCash:
		slip, err := notify.Render(notify.TemplateCashSlip, data)
		if err != nil {
			m.logger.Warn("cash slip not rendered", zap.String("withdrawal_id", w.ID), zap.Error(err))
			return ""
		}
		return slip
	case finance.ChannelMobileMoney:
		notify.Send(ctx, m.notifier, m.logger, notify.Message{
			Channel:   notify.ChannelMobileMoney,
			Recipient: w.PhoneNumber,
			Template:  notify.TemplateMobileMoneyPayout,
			Data:      data,
		})
	case finance.ChannelBank:
		notify.Send(ctx, m.notifier, m.logger, notify.Message{
			Channel:   notify.ChannelBank,
			Recipient: w.AccountNumber,
			Template:  notify.TemplateBankTransfer,
			Data:      data,
		})
	}
	return ""
}

func (m *Machine) templateData(w finance.WithdrawalRequest) map[string]any {
	date := w.UpdatedAt
	if w.ApprovedAt != nil {
		date = *w.ApprovedAt
	}
	return map[string]any{
		"ID":            w.ID,
		"RequestedBy":   w.RequestedBy,
		"Currency":      m.cfg.Currency,
		"Amount":        w.Amount.StringFixed(m.cfg.CurrencyPlaces),
		"Reason":        firstNonEmpty(w.RejectionReason, w.Reason),
		"ApprovedBy":    w.ApprovedBy,
		"Date":          date.Format("2006-01-02 15:04"),
		"PhoneNumber":   w.PhoneNumber,
		"AccountName":   w.AccountName,
		"BankName":      w.BankName,
		"AccountNumber": w.AccountNumber,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
