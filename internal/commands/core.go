package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/lilith-daemons/internal/supervisor"
	"github.com/lilith-daemons/internal/whisper"
)

// Resetter is a radio that can be taken offline for a fixed period.
type Resetter interface {
	Reset(d time.Duration)
}

// Target is what the command handlers act on.
type Target struct {
	Supervisor *supervisor.Supervisor
	// Radio backs radio_reset; nil leaves the command unregistered.
	Radio Resetter
	// ResetBlackout is the default radio_reset offline period.
	ResetBlackout time.Duration
}

// StatusCommandHandler returns the supervisor snapshot
type StatusCommandHandler struct {
	target Target
}

// NewStatusCommandHandler creates a new status command handler
func NewStatusCommandHandler(target Target) *StatusCommandHandler {
	return &StatusCommandHandler{target: target}
}

// Handle processes status commands
func (h *StatusCommandHandler) Handle(ctx context.Context, params []string) (interface{}, error) {
	if len(params) > 0 {
		return nil, invalidParams("status does not accept parameters")
	}
	return h.target.Supervisor.Snapshot(), nil
}

func (h *StatusCommandHandler) GetName() string        { return "status" }
func (h *StatusCommandHandler) GetDescription() string { return "Snapshot of both workers' counters" }
func (h *StatusCommandHandler) IsReadOnly() bool       { return true }
func (h *StatusCommandHandler) RequiresBlackout() bool { return false }

// DevicesCommandHandler lists discovered whisper devices, or returns
// one device when an address is given
type DevicesCommandHandler struct {
	target Target
}

// NewDevicesCommandHandler creates a new devices command handler
func NewDevicesCommandHandler(target Target) *DevicesCommandHandler {
	return &DevicesCommandHandler{target: target}
}

// Handle processes devices commands
func (h *DevicesCommandHandler) Handle(ctx context.Context, params []string) (interface{}, error) {
	engine := h.target.Supervisor.Engine()
	switch len(params) {
	case 0:
		return engine.Devices(), nil
	case 1:
		d, ok := engine.Device(params[0])
		if !ok {
			return nil, AsCommandError(fmt.Errorf("%w: %s", whisper.ErrUnknownDevice, params[0]))
		}
		return d, nil
	default:
		return nil, invalidParams("devices accepts at most one address")
	}
}

func (h *DevicesCommandHandler) GetName() string        { return "devices" }
func (h *DevicesCommandHandler) GetDescription() string { return "List whisper devices" }
func (h *DevicesCommandHandler) IsReadOnly() bool       { return true }
func (h *DevicesCommandHandler) RequiresBlackout() bool { return false }

// SessionsCommandHandler lists open whisper sessions
type SessionsCommandHandler struct {
	target Target
}

// NewSessionsCommandHandler creates a new sessions command handler
func NewSessionsCommandHandler(target Target) *SessionsCommandHandler {
	return &SessionsCommandHandler{target: target}
}

// Handle processes sessions commands
func (h *SessionsCommandHandler) Handle(ctx context.Context, params []string) (interface{}, error) {
	if len(params) > 0 {
		return nil, invalidParams("sessions does not accept parameters")
	}
	return h.target.Supervisor.Engine().Sessions(), nil
}

func (h *SessionsCommandHandler) GetName() string        { return "sessions" }
func (h *SessionsCommandHandler) GetDescription() string { return "List open whisper sessions" }
func (h *SessionsCommandHandler) IsReadOnly() bool       { return true }
func (h *SessionsCommandHandler) RequiresBlackout() bool { return false }

// StagedCommandHandler lists files tracked in the staging directory
type StagedCommandHandler struct {
	target Target
}

// NewStagedCommandHandler creates a new staged command handler
func NewStagedCommandHandler(target Target) *StagedCommandHandler {
	return &StagedCommandHandler{target: target}
}

// Handle processes staged commands
func (h *StagedCommandHandler) Handle(ctx context.Context, params []string) (interface{}, error) {
	if len(params) > 0 {
		return nil, invalidParams("staged does not accept parameters")
	}
	return h.target.Supervisor.Updates().Staged(), nil
}

func (h *StagedCommandHandler) GetName() string        { return "staged" }
func (h *StagedCommandHandler) GetDescription() string { return "List staged update files" }
func (h *StagedCommandHandler) IsReadOnly() bool       { return true }
func (h *StagedCommandHandler) RequiresBlackout() bool { return false }

// RegisterCoreCommands registers the read-only introspection commands
func RegisterCoreCommands(registry *CommandRegistry, target Target) {
	registry.Register(NewStatusCommandHandler(target))
	registry.Register(NewDevicesCommandHandler(target))
	registry.Register(NewSessionsCommandHandler(target))
	registry.Register(NewStagedCommandHandler(target))
}
