package commands

import (
	"context"
	"errors"
	"sort"

	"github.com/lilith-daemons/internal/radio"
	"github.com/lilith-daemons/internal/update"
	"github.com/lilith-daemons/internal/whisper"
)

// CommandHandler defines the interface for command handlers
type CommandHandler interface {
	// Handle processes a command and returns the response
	Handle(ctx context.Context, params []string) (interface{}, error)

	// GetName returns the command name
	GetName() string

	// GetDescription returns a human-readable description
	GetDescription() string

	// IsReadOnly returns true if the command only reads data
	IsReadOnly() bool

	// RequiresBlackout returns true if the command takes the radio offline
	RequiresBlackout() bool
}

// CommandRegistry manages available commands
type CommandRegistry struct {
	handlers map[string]CommandHandler
}

// NewCommandRegistry creates a new command registry
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		handlers: make(map[string]CommandHandler),
	}
}

// Register adds a command handler to the registry
func (r *CommandRegistry) Register(handler CommandHandler) {
	r.handlers[handler.GetName()] = handler
}

// Remove drops a command handler
func (r *CommandRegistry) Remove(name string) {
	delete(r.handlers, name)
}

// Get returns a command handler by name
func (r *CommandRegistry) Get(name string) (CommandHandler, bool) {
	handler, exists := r.handlers[name]
	return handler, exists
}

// List returns all registered command names, sorted
func (r *CommandRegistry) List() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CommandError represents a command-specific error
type CommandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *CommandError) Error() string {
	return e.Message
}

// Common error codes
const (
	ErrInvalidRange  = "INVALID_RANGE"
	ErrBusy          = "BUSY"
	ErrUnavailable   = "UNAVAILABLE"
	ErrInternal      = "INTERNAL"
	ErrNotSupported  = "NOT_SUPPORTED"
	ErrInvalidParams = "INVALID_PARAMS"
	ErrUnauthorized  = "UNAUTHORIZED"
)

// domainErrors are the sentinels whose text is passed through as the
// command error code.
var domainErrors = []error{
	update.ErrIO,
	update.ErrNetworkUnavailable,
	update.ErrVerification,
	update.ErrUnknownKind,
	whisper.ErrCapacityExceeded,
	whisper.ErrProtocol,
	whisper.ErrNoActiveSession,
	whisper.ErrUnknownDevice,
	whisper.ErrDeviceExists,
	whisper.ErrHandshakeIncomplete,
	whisper.ErrReplay,
	whisper.ErrPayloadTooLarge,
	radio.ErrBusy,
	radio.ErrUnavailable,
	radio.ErrNotScanning,
	radio.ErrUnknownPeer,
}

// AsCommandError converts err to a *CommandError. Known sentinel errors
// keep their code; anything else becomes INTERNAL.
func AsCommandError(err error) *CommandError {
	if err == nil {
		return nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr
	}
	for _, sentinel := range domainErrors {
		if errors.Is(err, sentinel) {
			return &CommandError{Code: sentinel.Error(), Message: sentinel.Error(), Details: err.Error()}
		}
	}
	return &CommandError{Code: ErrInternal, Message: ErrInternal, Details: err.Error()}
}

func invalidParams(message string) *CommandError {
	return &CommandError{Code: ErrInvalidParams, Message: message}
}
