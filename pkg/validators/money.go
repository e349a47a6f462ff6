package validators

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// parseMoney runs the checks shared by both amount validators: the value
// must be present and parse as a decimal with at most two places. The
// returned result is nil when those checks pass.
func parseMoney(fieldName, value, example string) (decimal.Decimal, *ValidationResult) {
	name := ToUserFriendlyName(fieldName)
	if len(value) == 0 {
		return decimal.Zero, required(fieldName,
			fmt.Sprintf("Please provide a %s as a decimal amount, e.g., '%s'.", name, example))
	}
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, rejected(fieldName, value,
			fmt.Sprintf("%s is not a valid amount", name),
			fmt.Sprintf("Please provide a %s as a decimal amount, e.g., '%s'.", name, example))
	}
	if amount.Exponent() < -2 {
		return decimal.Zero, rejected(fieldName, value,
			fmt.Sprintf("%s must have at most two decimal places", name),
			fmt.Sprintf("Please round the %s to whole cents, e.g., '%s'.", name, example))
	}
	return amount, nil
}

// ValidateAmount validates a monetary amount expressed as a decimal string
// ("3.00", "0.25"). Amounts are non-negative with at most two decimal
// places. On success the metadata carries the amount in minor units under
// "minor_units".
func ValidateAmount(fieldName string, value string) *ValidationResult {
	amount, failure := parseMoney(fieldName, value, "3.00")
	if failure != nil {
		return failure
	}
	if amount.IsNegative() {
		name := ToUserFriendlyName(fieldName)
		return rejected(fieldName, value,
			fmt.Sprintf("%s must not be negative", name),
			fmt.Sprintf("Please provide a non-negative %s.", name))
	}
	return passed(fieldName, value, WithMetadata("minor_units", amount.Shift(2).IntPart()))
}

// ValidateSignedAmount validates a signed monetary delta ("5.00", "-2.50")
// with at most two decimal places. Zero is rejected: a delta of nothing is
// a caller mistake, not an adjustment. On success the metadata carries the
// delta in minor units under "minor_units".
func ValidateSignedAmount(fieldName string, value string) *ValidationResult {
	amount, failure := parseMoney(fieldName, value, "-2.50")
	if failure != nil {
		return failure
	}
	if amount.IsZero() {
		name := ToUserFriendlyName(fieldName)
		return rejected(fieldName, value,
			fmt.Sprintf("%s must not be zero", name),
			fmt.Sprintf("Please provide a non-zero %s.", name))
	}
	return passed(fieldName, value, WithMetadata("minor_units", amount.Shift(2).IntPart()))
}
