package middleware

import (
	"context"

	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/validators"
)

// Validator validates a command body before it reaches its handler.
type Validator interface {
	Validate(cmd any) error
}

// ValidationMiddleware rejects commands the validator refuses.
func ValidationMiddleware(validator Validator) eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *domain.CommandEnvelope) (*eventsourcing.CommandAck, error) {
			if err := validator.Validate(cmd.Command); err != nil {
				return nil, err
			}
			return next.Handle(ctx, cmd)
		})
	}
}

// MetadataValidationMiddleware validates the command envelope itself.
func MetadataValidationMiddleware() eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *domain.CommandEnvelope) (*eventsourcing.CommandAck, error) {
			if cmd.Metadata.CommandID == "" {
				return nil, eventsourcing.NewValidationError("EMPTY_COMMAND_ID", "command_id is required")
			}
			if cmd.Metadata.CorrelationID == "" {
				return nil, eventsourcing.NewValidationError("EMPTY_CORRELATION_ID", "correlation_id is required")
			}
			return next.Handle(ctx, cmd)
		})
	}
}

// SelfValidator runs validation methods declared on the command body
// itself. Commands can expose either a plain error-returning Validate or a
// field-result ValidateFields; bodies with neither pass through.
type SelfValidator struct{}

func (v SelfValidator) Validate(cmd any) error {
	if fieldValidator, ok := cmd.(interface {
		ValidateFields() validators.FieldValidationResults
	}); ok {
		if err := fieldValidator.ValidateFields().ToError(); err != nil {
			return err
		}
		return nil
	}

	if validator, ok := cmd.(interface{ Validate() error }); ok {
		return validator.Validate()
	}

	return nil
}
