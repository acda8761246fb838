package validation_test

import (
	"errors"
	"testing"

	"github.com/coffeeops/finance-engine/finance"
	"github.com/coffeeops/finance-engine/validation"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payout struct {
	Amount  decimal.Decimal `json:"amount" validate:"gt=0"`
	Channel string          `json:"channel" validate:"required,oneof=CASH MOBILE_MONEY"`
	Phone   string          `json:"phone" validate:"required_if=Channel MOBILE_MONEY,omitempty,phone"`
}

func TestStruct_Valid(t *testing.T) {
	v := validation.New("UG")

	err := v.Struct(payout{Amount: decimal.NewFromInt(5000), Channel: "MOBILE_MONEY", Phone: "0772123456"})
	assert.NoError(t, err)

	err = v.Struct(payout{Amount: decimal.NewFromInt(5000), Channel: "CASH"})
	assert.NoError(t, err)
}

func TestStruct_FieldErrorsUseJSONNames(t *testing.T) {
	// GIVEN: A zero amount, an unknown channel
	// WHEN: Validating
	// THEN: One error per field, named by json tag, all unwrapping to ErrValidation

	v := validation.New("UG")

	err := v.Struct(payout{Amount: decimal.Zero, Channel: "CHEQUE"})
	require.Error(t, err)
	assert.ErrorIs(t, err, finance.ErrValidation)

	var list finance.ValidationErrors
	require.True(t, errors.As(err, &list))
	fields := map[string]string{}
	for _, fe := range list {
		fields[fe.Field] = fe.Message
	}
	assert.Equal(t, "must be positive", fields["amount"])
	assert.Contains(t, fields["channel"], "must be one of")
}

func TestStruct_PhoneRequiredForMobileMoney(t *testing.T) {
	v := validation.New("UG")

	err := v.Struct(payout{Amount: decimal.NewFromInt(1), Channel: "MOBILE_MONEY"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phone: required")

	err = v.Struct(payout{Amount: decimal.NewFromInt(1), Channel: "MOBILE_MONEY", Phone: "12"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phone: not a valid phone number")
}

func TestNormalizePhone(t *testing.T) {
	v := validation.New("UG")

	got, err := v.NormalizePhone("0772 123456")
	require.NoError(t, err)
	assert.Equal(t, "+256772123456", got)

	_, err = v.NormalizePhone("not a number")
	assert.ErrorIs(t, err, finance.ErrValidation)
}
