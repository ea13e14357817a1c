package inventory

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// QuantityScale is the fixed number of fractional digits carried by every
// stock quantity.
const QuantityScale int32 = 4

// DefaultNegativeLimit is the process-wide floor used when no per-product
// override is configured.
var DefaultNegativeLimit = decimal.New(-5, 0)

// ValidatePositiveQuantity checks that q is strictly positive and fits the
// quantity scale.
func ValidatePositiveQuantity(field string, q decimal.Decimal) error {
	if !q.IsPositive() {
		return NewValidationError(field, "must be positive")
	}
	return validateScale(field, q)
}

// ValidateNonNegativeQuantity checks that q is zero or positive and fits the
// quantity scale.
func ValidateNonNegativeQuantity(field string, q decimal.Decimal) error {
	if q.IsNegative() {
		return NewValidationError(field, "cannot be negative")
	}
	return validateScale(field, q)
}

func validateScale(field string, q decimal.Decimal) error {
	if !q.Equal(q.Truncate(QuantityScale)) {
		return NewValidationError(field, fmt.Sprintf("at most %d fractional digits allowed", QuantityScale))
	}
	return nil
}

// ParseQuantity parses a decimal string and validates its scale.
func ParseQuantity(field, s string) (decimal.Decimal, error) {
	q, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, NewValidationError(field, "not a decimal number")
	}
	if err := validateScale(field, q); err != nil {
		return decimal.Zero, err
	}
	return q, nil
}
