package eventsourcing

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CommandAck is the minimal acknowledgement a command handler returns.
// Commands never return the full aggregate; reads go through projections.
type CommandAck struct {
	AggregateID string `json:"aggregateId"`
	Version     int64  `json:"version"`
}

// AppError is the typed error object surfaced to callers.
type AppError struct {
	// Kind is the taxonomy name (e.g., "Conflict", "NotFound").
	Kind string `json:"kind"`

	// Code is a stable machine-readable code (e.g., "BOOK_ALREADY_EXISTS").
	Code string `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Solution optionally suggests how to resolve the error.
	Solution string `json:"solution,omitempty"`

	// Details carries additional context.
	Details map[string]string `json:"details,omitempty"`
}

// Retryable reports whether the error is a transient concurrency fault the
// caller may retry verbatim.
func (e *AppError) Retryable() bool {
	return e.Kind == "ConcurrencyConflict" || e.Kind == "DuplicateEvent"
}

// AppErrorFrom converts an internal error into its wire shape.
func AppErrorFrom(err error) *AppError {
	if err == nil {
		return nil
	}

	appErr := &AppError{
		Kind:    KindName(err),
		Message: err.Error(),
	}

	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		appErr.Code = domainErr.Code
		appErr.Message = domainErr.Message
	} else {
		appErr.Code = "INTERNAL"
	}

	if appErr.Kind == "Internal" {
		// Internal faults surface generically; the full error is logged
		// at the point of failure.
		appErr.Message = "internal error"
	}
	return appErr
}

// Response is the wire envelope for request/reply operations.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *AppError       `json:"error,omitempty"`
}

// NewSuccessResponse creates a successful Response wrapping data.
func NewSuccessResponse(data any) (*Response, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response data: %w", err)
	}
	return &Response{Success: true, Data: raw}, nil
}

// NewErrorResponse creates an error Response from an AppError.
func NewErrorResponse(appErr *AppError) *Response {
	return &Response{Success: false, Error: appErr}
}

// NewSimpleErrorResponse creates an error Response with just code and message.
func NewSimpleErrorResponse(code, message string) *Response {
	return NewErrorResponse(&AppError{Kind: "Internal", Code: code, Message: message})
}

// UnpackData decodes the response data into target.
func (r *Response) UnpackData(target any) error {
	if !r.Success {
		return fmt.Errorf("cannot unpack data from failed response: %s", r.Error.Message)
	}
	if len(r.Data) == 0 {
		return fmt.Errorf("response has no data")
	}
	return json.Unmarshal(r.Data, target)
}

// AsError converts a failed Response to a Go error, nil when successful.
func (r *Response) AsError() error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return fmt.Errorf("operation failed")
	}
	return &ResponseError{AppError: r.Error}
}

// ResponseError wraps an AppError as a Go error.
type ResponseError struct {
	AppError *AppError
}

func (e *ResponseError) Error() string {
	if e.AppError.Solution != "" {
		return fmt.Sprintf("%s (code: %s). Solution: %s",
			e.AppError.Message, e.AppError.Code, e.AppError.Solution)
	}
	return fmt.Sprintf("%s (code: %s)", e.AppError.Message, e.AppError.Code)
}

// Code returns the stable error code.
func (e *ResponseError) Code() string {
	return e.AppError.Code
}

// Kind returns the taxonomy name carried over the wire.
func (e *ResponseError) Kind() string {
	return e.AppError.Kind
}
