package validators

import (
	"fmt"

	"github.com/plaenen/libris/pkg/eventsourcing"
)

// ValidationCode classifies the outcome of a single field check.
type ValidationCode string

const (
	ValidationCodeUnspecified ValidationCode = "unspecified"
	ValidationCodeSuccess     ValidationCode = "success"
	ValidationCodeRequired    ValidationCode = "required"
	ValidationCodeInvalid     ValidationCode = "invalid"
)

// ValidationResult is the outcome of checking one field: whether it passed,
// what was checked, and what the caller should do about a failure.
type ValidationResult struct {
	IsValid         bool                   `json:"is_valid"`
	FieldName       string                 `json:"field_name"`
	Value           string                 `json:"value"`
	Message         string                 `json:"message"`
	SuggestedAction string                 `json:"suggested_action"`
	ValidationCode  ValidationCode         `json:"validation_code"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// ValidationOption customizes a ValidationResult at construction time.
type ValidationOption func(*ValidationResult)

// WithValue records the value that was checked, for display.
func WithValue(value string) ValidationOption {
	return func(vr *ValidationResult) { vr.Value = value }
}

// WithMessage sets the human-readable outcome message.
func WithMessage(message string) ValidationOption {
	return func(vr *ValidationResult) { vr.Message = message }
}

// WithSuggestedAction tells the caller how to fix a failure.
func WithSuggestedAction(action string) ValidationOption {
	return func(vr *ValidationResult) { vr.SuggestedAction = action }
}

// WithValidationCode classifies the result.
func WithValidationCode(code ValidationCode) ValidationOption {
	return func(vr *ValidationResult) { vr.ValidationCode = code }
}

// WithMetadata attaches a derived value to the result, such as the
// minor-units integer a money validator parsed out of its input.
func WithMetadata(key string, value interface{}) ValidationOption {
	return func(vr *ValidationResult) {
		if vr.Metadata == nil {
			vr.Metadata = make(map[string]interface{})
		}
		vr.Metadata[key] = value
	}
}

// NewValidationResult builds a result for fieldName and applies the options.
func NewValidationResult(isValid bool, fieldName string, options ...ValidationOption) *ValidationResult {
	vr := &ValidationResult{
		IsValid:        isValid,
		FieldName:      fieldName,
		ValidationCode: ValidationCodeUnspecified,
	}
	for _, option := range options {
		option(vr)
	}
	return vr
}

// GetMetadata looks up a metadata value attached by the validator.
func (vr *ValidationResult) GetMetadata(key string) (interface{}, bool) {
	value, ok := vr.Metadata[key]
	return value, ok
}

// ToAppError converts a failed result into the wire error shape. Valid
// results convert to nil.
func (vr *ValidationResult) ToAppError() *eventsourcing.AppError {
	if vr.IsValid {
		return nil
	}
	details := make(map[string]string, len(vr.Metadata)+2)
	for key, value := range vr.Metadata {
		details[key] = fmt.Sprintf("%v", value)
	}
	details["field_name"] = vr.FieldName
	details["value"] = vr.Value
	return &eventsourcing.AppError{
		Kind:     "ValidationError",
		Code:     string(vr.ValidationCode),
		Message:  vr.Message,
		Solution: vr.SuggestedAction,
		Details:  details,
	}
}

// FieldValidations collects every result recorded for one field.
type FieldValidations struct {
	FieldName   string              `json:"field_name"`
	Validations []*ValidationResult `json:"validations"`
}

// HasErrors reports whether any result for this field failed.
func (f *FieldValidations) HasErrors() bool {
	for _, validation := range f.Validations {
		if !validation.IsValid {
			return true
		}
	}
	return false
}

// FieldValidationResults groups results by field, in the order the fields
// were first validated.
type FieldValidationResults []*FieldValidations

// HasErrors reports whether any field failed.
func (f FieldValidationResults) HasErrors() bool {
	for _, fieldValidation := range f {
		if fieldValidation.HasErrors() {
			return true
		}
	}
	return false
}

// ToError collapses the collection into a single validation error, nil when
// every result passed. The first failing result supplies the message so the
// caller sees a concrete field to fix.
func (f FieldValidationResults) ToError() error {
	for _, fieldValidation := range f {
		for _, validation := range fieldValidation.Validations {
			if !validation.IsValid {
				return eventsourcing.NewValidationError(
					"VALIDATION_FAILED",
					fmt.Sprintf("%s: %s", validation.FieldName, validation.Message),
				)
			}
		}
	}
	return nil
}

// ValidationBuilder accumulates results across fields. Fields keep the
// order they were first added, so ToError reports the same field on every
// run of the same command.
type ValidationBuilder struct {
	order   []string
	results map[string][]*ValidationResult
}

// NewValidationBuilder starts an empty builder.
func NewValidationBuilder() *ValidationBuilder {
	return &ValidationBuilder{results: make(map[string][]*ValidationResult)}
}

// Add records a result, applying any extra options first.
func (b *ValidationBuilder) Add(result *ValidationResult, options ...ValidationOption) *ValidationBuilder {
	for _, option := range options {
		option(result)
	}
	if _, seen := b.results[result.FieldName]; !seen {
		b.order = append(b.order, result.FieldName)
	}
	b.results[result.FieldName] = append(b.results[result.FieldName], result)
	return b
}

// Build returns every recorded result grouped by field.
func (b *ValidationBuilder) Build() FieldValidationResults {
	grouped := make(FieldValidationResults, 0, len(b.order))
	for _, fieldName := range b.order {
		grouped = append(grouped, &FieldValidations{
			FieldName:   fieldName,
			Validations: b.results[fieldName],
		})
	}
	return grouped
}

// BuildErrors returns only the fields that failed.
func (b *ValidationBuilder) BuildErrors() FieldValidationResults {
	grouped := make(FieldValidationResults, 0, len(b.order))
	for _, fieldName := range b.order {
		var failed []*ValidationResult
		for _, result := range b.results[fieldName] {
			if !result.IsValid {
				failed = append(failed, result)
			}
		}
		if len(failed) > 0 {
			grouped = append(grouped, &FieldValidations{FieldName: fieldName, Validations: failed})
		}
	}
	return grouped
}
