package domain

import (
	"time"

	"github.com/plaenen/libris/pkg/idgen"
)

// CommandMetadata contains contextual information about a command.
type CommandMetadata struct {
	// CommandID is the unique identifier for this command (for idempotency).
	CommandID string

	// CorrelationID is used to trace related commands and events.
	CorrelationID string

	// Timestamp is when the command was created.
	Timestamp time.Time
}

// CommandEnvelope wraps a command with its metadata.
type CommandEnvelope struct {
	// CommandType is the symbolic name of the command (e.g., "CreateBook").
	CommandType string

	// Command is the typed command body.
	Command any

	// Metadata carries identifiers shared with produced events.
	Metadata CommandMetadata
}

// NewCommandEnvelope builds an envelope with generated command and
// correlation identifiers.
func NewCommandEnvelope(commandType string, command any) *CommandEnvelope {
	id := idgen.MustGenerateSortableID()
	return &CommandEnvelope{
		CommandType: commandType,
		Command:     command,
		Metadata: CommandMetadata{
			CommandID:     id,
			CorrelationID: id,
			Timestamp:     Now(),
		},
	}
}
