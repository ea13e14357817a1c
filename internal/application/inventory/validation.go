package inventory

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// requestValidator returns the shared validator. Decimal fields are compared
// as their string form so the quantity tags can check sign and scale.
func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())

		// Use JSON tag names for field names in errors
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		v.RegisterCustomTypeFunc(func(field reflect.Value) any {
			if d, ok := field.Interface().(decimal.Decimal); ok {
				return d.String()
			}
			return nil
		}, decimal.Decimal{})

		_ = v.RegisterValidation("qty_positive", quantityRule(inventory.ValidatePositiveQuantity))
		_ = v.RegisterValidation("qty_nonneg", quantityRule(inventory.ValidateNonNegativeQuantity))
		_ = v.RegisterValidation("qty_nonpos", quantityRule(func(field string, q decimal.Decimal) error {
			if q.IsPositive() {
				return inventory.NewValidationError(field, "must be zero or negative")
			}
			return nil
		}))
		validate = v
	})
	return validate
}

func quantityRule(check func(field string, q decimal.Decimal) error) validator.Func {
	return func(fl validator.FieldLevel) bool {
		q, err := inventory.ParseQuantity(fl.FieldName(), fl.Field().String())
		if err != nil {
			return false
		}
		return check(fl.FieldName(), q) == nil
	}
}

// validateRequest runs struct validation and converts the first failure
// into an inventory.ValidationError.
func validateRequest(req any) error {
	err := requestValidator().Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return inventory.NewValidationError(fe.Field(), validationMessage(fe))
	}
	return inventory.NewValidationError("request", err.Error())
}

// validationMessage returns a human-readable validation message
func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + e.Param()
	case "gte":
		return "must be greater than or equal to " + e.Param()
	case "max":
		return "must be at most " + e.Param() + " characters"
	case "qty_positive":
		return "must be a positive quantity with at most 4 decimal places"
	case "qty_nonneg":
		return "must be a non-negative quantity with at most 4 decimal places"
	case "qty_nonpos":
		return "must be zero or a negative quantity with at most 4 decimal places"
	default:
		return "is invalid"
	}
}
