package notify

import (
	"fmt"
	"strings"
	"text/template"
)

// Template names.
const (
	TemplatePaymentProcessed   = "payment_processed"
	TemplateWithdrawalApproved = "withdrawal_approved"
	TemplateWithdrawalRejected = "withdrawal_rejected"
	TemplateMobileMoneyPayout  = "mobile_money_payout"
	TemplateBankTransfer       = "bank_transfer"
	TemplateCashSlip           = "cash_slip"
)

var templates = template.Must(template.New("notify").Parse(`
{{define "payment_processed"}}Dear {{.SupplierName}}, payment of {{.Currency}} {{.AmountPaid}} for batch {{.BatchNumber}} has been processed.{{if .AdvanceRecovered}} Advance recovered: {{.Currency}} {{.AdvanceRecovered}}.{{end}}{{end}}

{{define "withdrawal_approved"}}Your withdrawal of {{.Currency}} {{.Amount}} ({{.ID}}) has been approved.{{end}}

{{define "withdrawal_rejected"}}Your withdrawal of {{.Currency}} {{.Amount}} ({{.ID}}) was rejected: {{.Reason}}{{end}}

{{define "mobile_money_payout"}}{{.Currency}} {{.Amount}} will be sent to mobile money {{.PhoneNumber}} for withdrawal {{.ID}}.{{end}}

{{define "bank_transfer"}}{{.Currency}} {{.Amount}} will be transferred to {{.AccountName}}, {{.BankName}} account {{.AccountNumber}} for withdrawal {{.ID}}.{{end}}

{{define "cash_slip"}}CASH PAYMENT SLIP
Withdrawal:  {{.ID}}
Payee:       {{.RequestedBy}}
Amount:      {{.Currency}} {{.Amount}}
Reason:      {{.Reason}}
Approved by: {{.ApprovedBy}}
Date:        {{.Date}}

Received by: ______________________{{end}}
`))

// Render executes the named template with data.
func Render(name string, data map[string]any) (string, error) {
	if templates.Lookup(name) == nil {
		return "", fmt.Errorf("unknown notification template %q", name)
	}
	var sb strings.Builder
	if err := templates.ExecuteTemplate(&sb, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return sb.String(), nil
}
