package validators

import (
	"fmt"

	"github.com/asaskevich/govalidator"
)

// ValidateUUID validates an aggregate identifier. Any UUID version passes.
func ValidateUUID(fieldName string, value string) *ValidationResult {
	name := ToUserFriendlyName(fieldName)
	if len(value) == 0 {
		return required(fieldName, fmt.Sprintf("Please provide a valid %s.", name))
	}
	if !govalidator.IsUUID(value) {
		return rejected(fieldName, value,
			fmt.Sprintf("Please enter a valid %s", name),
			fmt.Sprintf("Please provide a valid UUID for %s.", name))
	}
	return passed(fieldName, value)
}
