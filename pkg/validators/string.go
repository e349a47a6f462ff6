package validators

import (
	"fmt"
	"regexp"
	"strings"
)

// ToUserFriendlyName converts a snake_case field name into display form:
// "retail_price" becomes "Retail price".
func ToUserFriendlyName(fieldName string) string {
	if fieldName == "" {
		return fieldName
	}
	parts := strings.Split(fieldName, "_")
	for i, part := range parts {
		if len(part) > 0 {
			parts[i] = strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
		}
	}
	return strings.Join(parts, " ")
}

// passed, required and rejected build the three result shapes every
// validator in this package produces.

func passed(fieldName, value string, extra ...ValidationOption) *ValidationResult {
	options := append([]ValidationOption{
		WithValue(value),
		WithValidationCode(ValidationCodeSuccess),
	}, extra...)
	return NewValidationResult(true, fieldName, options...)
}

func required(fieldName, action string) *ValidationResult {
	return NewValidationResult(false, fieldName,
		WithMessage(fmt.Sprintf("%s is required.", ToUserFriendlyName(fieldName))),
		WithSuggestedAction(action),
		WithValidationCode(ValidationCodeRequired))
}

func rejected(fieldName, value, message, action string) *ValidationResult {
	return NewValidationResult(false, fieldName,
		WithValue(value),
		WithMessage(message),
		WithSuggestedAction(action),
		WithValidationCode(ValidationCodeInvalid))
}

// ValidateStringEmpty rejects empty values.
func ValidateStringEmpty(value string, fieldName string) *ValidationResult {
	if len(value) == 0 {
		return required(fieldName, fmt.Sprintf("Please provide a valid %s.", ToUserFriendlyName(fieldName)))
	}
	return passed(fieldName, value)
}

// ValidateStringLength checks an inclusive length range.
func ValidateStringLength(value string, fieldName string, minLength, maxLength int) *ValidationResult {
	name := ToUserFriendlyName(fieldName)
	switch {
	case len(value) < minLength:
		return rejected(fieldName, value,
			fmt.Sprintf("%s must be at least %d characters long.", name, minLength),
			fmt.Sprintf("Please provide a %s with at least %d characters.", name, minLength))
	case len(value) > maxLength:
		return rejected(fieldName, value,
			fmt.Sprintf("%s must be no more than %d characters long.", name, maxLength),
			fmt.Sprintf("Please provide a %s with no more than %d characters.", name, maxLength))
	}
	return passed(fieldName, value)
}

// ValidateStringPattern checks value against a regular expression. A pattern
// that fails to compile counts as a mismatch rather than panicking, so
// callers can pass user-supplied patterns.
func ValidateStringPattern(value string, fieldName string, pattern string, patternName string) *ValidationResult {
	name := ToUserFriendlyName(fieldName)
	if len(value) == 0 {
		return required(fieldName, fmt.Sprintf("Please provide a valid %s.", name))
	}
	re, err := regexp.Compile(pattern)
	if err != nil || !re.MatchString(value) {
		return rejected(fieldName, value,
			fmt.Sprintf("Invalid %s format.", name),
			fmt.Sprintf("Please provide a valid %s that matches the %s pattern.", name, patternName))
	}
	return passed(fieldName, value)
}
