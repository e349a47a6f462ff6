package validators

import (
	"fmt"

	"github.com/asaskevich/govalidator"
)

const isbnExample = "Please provide a valid ISBN-10 or ISBN-13, e.g., '978-0-306-40615-7'."

// ValidateISBN accepts both ISBN-10 and ISBN-13, with or without separator
// dashes. The check digit is verified.
func ValidateISBN(fieldName string, value string) *ValidationResult {
	if len(value) == 0 {
		return required(fieldName, isbnExample)
	}
	if !govalidator.IsISBN10(value) && !govalidator.IsISBN13(value) {
		return rejected(fieldName, value,
			fmt.Sprintf("Please enter a valid %s", ToUserFriendlyName(fieldName)),
			isbnExample)
	}
	return passed(fieldName, value)
}
