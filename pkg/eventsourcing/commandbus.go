package eventsourcing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/plaenen/libris/pkg/domain"
)

// CommandHandler executes a single command type against the write model and
// returns the minimal acknowledgement for the touched aggregate.
type CommandHandler interface {
	Handle(ctx context.Context, cmd *domain.CommandEnvelope) (*CommandAck, error)
}

// CommandHandlerFunc adapts a function to the CommandHandler interface.
type CommandHandlerFunc func(ctx context.Context, cmd *domain.CommandEnvelope) (*CommandAck, error)

// Handle calls f(ctx, cmd).
func (f CommandHandlerFunc) Handle(ctx context.Context, cmd *domain.CommandEnvelope) (*CommandAck, error) {
	return f(ctx, cmd)
}

// CommandMiddleware wraps a handler with cross-cutting behavior such as
// logging, metrics, or retry on concurrency conflicts.
type CommandMiddleware func(next CommandHandler) CommandHandler

// CommandBus routes command envelopes to their registered handlers.
type CommandBus interface {
	Register(commandType string, handler CommandHandler)
	Use(middleware CommandMiddleware)
	Send(ctx context.Context, cmd *domain.CommandEnvelope) (*CommandAck, error)
}

// DefaultCommandBus is an in-memory CommandBus keyed by command type.
type DefaultCommandBus struct {
	handlers   map[string]CommandHandler
	middleware []CommandMiddleware
	mu         sync.RWMutex
}

// NewCommandBus creates an empty command bus.
func NewCommandBus() *DefaultCommandBus {
	return &DefaultCommandBus{
		handlers: make(map[string]CommandHandler),
	}
}

// Register registers a handler for a command type. Registering the same type
// twice is a programming error and panics.
func (b *DefaultCommandBus) Register(commandType string, handler CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[commandType]; exists {
		panic(fmt.Sprintf("handler already registered for command type: %s", commandType))
	}

	b.handlers[commandType] = handler
}

// Use adds middleware to the dispatch pipeline. Middleware runs in
// registration order, first added outermost.
func (b *DefaultCommandBus) Use(middleware CommandMiddleware) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.middleware = append(b.middleware, middleware)
}

// Send dispatches a command envelope to its handler through the middleware
// chain and returns the handler's acknowledgement.
func (b *DefaultCommandBus) Send(ctx context.Context, cmd *domain.CommandEnvelope) (*CommandAck, error) {
	if cmd == nil {
		return nil, NewValidationError("EMPTY_COMMAND", "command envelope is nil")
	}
	if cmd.CommandType == "" {
		return nil, NewValidationError("EMPTY_COMMAND_TYPE", "command envelope has no command type")
	}

	b.mu.RLock()
	handler, exists := b.handlers[cmd.CommandType]
	middleware := b.middleware
	b.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, cmd.CommandType)
	}

	// Build the chain in reverse so the first registered middleware is
	// outermost.
	final := handler
	for i := len(middleware) - 1; i >= 0; i-- {
		final = middleware[i](final)
	}

	return final.Handle(ctx, cmd)
}

// Typed adapts a typed command callback to a CommandHandler. In-process
// senders put the typed struct on the envelope directly; remote edges carry
// raw JSON, which is decoded here. Anything else is rejected rather than
// guessed at.
func Typed[T any](fn func(ctx context.Context, cmd *T, meta domain.CommandMetadata) (*CommandAck, error)) CommandHandler {
	return CommandHandlerFunc(func(ctx context.Context, envelope *domain.CommandEnvelope) (*CommandAck, error) {
		switch body := envelope.Command.(type) {
		case *T:
			return fn(ctx, body, envelope.Metadata)
		case json.RawMessage:
			cmd := new(T)
			if err := json.Unmarshal(body, cmd); err != nil {
				return nil, NewValidationError("MALFORMED_COMMAND", fmt.Sprintf("decode %s: %v", envelope.CommandType, err))
			}
			return fn(ctx, cmd, envelope.Metadata)
		case []byte:
			cmd := new(T)
			if err := json.Unmarshal(body, cmd); err != nil {
				return nil, NewValidationError("MALFORMED_COMMAND", fmt.Sprintf("decode %s: %v", envelope.CommandType, err))
			}
			return fn(ctx, cmd, envelope.Metadata)
		default:
			return nil, NewValidationError("COMMAND_TYPE_MISMATCH",
				fmt.Sprintf("command %s carries unexpected body type %T", envelope.CommandType, envelope.Command))
		}
	})
}

// RegisteredCommandTypes returns the command types with a handler attached.
func (b *DefaultCommandBus) RegisteredCommandTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		types = append(types, t)
	}
	return types
}
