/*
Package validation checks request structs with go-playground/validator.

Field names in errors come from json tags. Besides the built-in tags it knows:

  - phone: a number valid for the configured region (libphonenumber)
  - decimal.Decimal fields compare as numbers, so gt=0 works on amounts

Failures are returned as finance.ValidationErrors so callers classify them
with errors.Is(err, finance.ErrValidation).
*/
package validation

import (
	"errors"
	"reflect"
	"strings"

	"github.com/coffeeops/finance-engine/finance"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"
)

// Validator wraps a configured validator.Validate.
type Validator struct {
	v      *validator.Validate
	region string
}

// New builds a validator resolving local phone numbers in region (e.g. "UG").
func New(region string) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	// Registration only fails for empty tags or nil funcs.
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return ValidPhone(fl.Field().String(), region)
	})

	return &Validator{v: v, region: region}
}

// Struct validates s and converts failures to finance.ValidationErrors.
func (val *Validator) Struct(s any) error {
	err := val.v.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return finance.Invalid("", err.Error())
	}
	out := make(finance.ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, &finance.ValidationError{Field: fe.Field(), Message: message(fe)})
	}
	return out
}

// NormalizePhone returns number in E.164 form.
func (val *Validator) NormalizePhone(number string) (string, error) {
	p, err := libphonenumber.Parse(number, val.region)
	if err != nil {
		return "", finance.Invalid("phone_number", err.Error())
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", finance.Invalid("phone_number", "not a valid phone number")
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}

// ValidPhone reports whether number parses and is valid for region.
func ValidPhone(number, region string) bool {
	p, err := libphonenumber.Parse(number, region)
	if err != nil {
		return false
	}
	return libphonenumber.IsValidNumber(p)
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return "required"
	case "email":
		return "invalid email format"
	case "phone":
		return "not a valid phone number"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gt":
		if fe.Param() == "0" {
			return "must be positive"
		}
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "max":
		if fe.Kind() == reflect.String {
			return "must be at most " + fe.Param() + " characters"
		}
		return "must be at most " + fe.Param()
	case "min":
		if fe.Kind() == reflect.String {
			return "must be at least " + fe.Param() + " characters"
		}
		return "must be at least " + fe.Param()
	default:
		return "invalid value"
	}
}
