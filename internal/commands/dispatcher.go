package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/lilith-daemons/internal/logging"
)

// JSON-RPC 2.0 error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeCommandFailed is used for domain failures such as NO_ACTIVE_SESSION.
	CodeCommandFailed = -32000
)

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  []string    `json:"params,omitempty"`
	ID      interface{} `json:"id"`
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string       `json:"jsonrpc"`
	Result  interface{}  `json:"result,omitempty"`
	Error   *ErrorObject `json:"error,omitempty"`
	ID      interface{}  `json:"id"`
}

// ErrorObject is the JSON-RPC error member. Message carries the command
// error code (e.g. NO_ACTIVE_SESSION) so clients can switch on it.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// CommandInfo provides information about a command
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ReadOnly    bool   `json:"read_only"`
	Blackout    bool   `json:"requires_blackout"`
}

type contextKey string

// CommandNameKey holds the method name in the handler context.
const CommandNameKey contextKey = "commandName"

// Dispatcher routes JSON-RPC requests to the handlers of one registry.
// The HTTP and maintenance servers each own a dispatcher.
type Dispatcher struct {
	registry     *CommandRegistry
	log          *logging.Logger
	serverHeader string
}

// NewDispatcher creates a dispatcher over registry and registers the
// "commands" listing method on it.
func NewDispatcher(registry *CommandRegistry, log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.Discard("LilithSupervisor")
	}
	d := &Dispatcher{registry: registry, log: log}
	registry.Register(NewCustomCommandHandler("commands", "List available commands", true, false,
		func(ctx context.Context, params []string) (interface{}, error) {
			return d.GetAvailableCommands(), nil
		}))
	return d
}

// SetServerHeader sets the Server header written by HandleRequest.
func (d *Dispatcher) SetServerHeader(v string) {
	d.serverHeader = v
}

// HandleRequest handles HTTP POST requests to the JSON-RPC endpoint
func (d *Dispatcher) HandleRequest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if d.serverHeader != "" {
		w.Header().Set("Server", d.serverHeader)
	}

	if r.Method != http.MethodPost {
		d.writeErrorResponse(w, CodeInvalidRequest, "Invalid Request", nil)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		d.writeErrorResponse(w, CodeParseError, "Parse error", nil)
		return
	}

	response := d.Process(r.Context(), &req)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		d.log.Warnf("Failed to encode response: %v", err)
	}
}

// Process runs one request through the registry.
func (d *Dispatcher) Process(ctx context.Context, req *Request) *Response {
	start := time.Now()

	if req.JSONRPC != "2.0" {
		return ErrorResponse(req.ID, CodeInvalidRequest, "Invalid Request", "")
	}

	handler, exists := d.registry.Get(req.Method)
	if !exists {
		return ErrorResponse(req.ID, CodeMethodNotFound, "Method not found", "")
	}

	ctx = context.WithValue(ctx, CommandNameKey, req.Method)
	result, err := handler.Handle(ctx, req.Params)
	d.log.Debugf("JSON-RPC request processed: method=%s, duration=%v", req.Method, time.Since(start))
	if err != nil {
		cmdErr := AsCommandError(err)
		code := CodeCommandFailed
		switch cmdErr.Code {
		case ErrInvalidParams, ErrInvalidRange:
			code = CodeInvalidParams
		case ErrInternal:
			code = CodeInternalError
		}
		if !handler.IsReadOnly() {
			d.log.Warnf("Command %s failed: %s", req.Method, cmdErr.Code)
		}
		return ErrorResponse(req.ID, code, cmdErr.Code, cmdErr.Details)
	}

	if !handler.IsReadOnly() {
		d.log.Infof("Command %s executed", req.Method)
	}
	return &Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}
}

// ErrorResponse builds an error envelope.
func ErrorResponse(id interface{}, code int, message, data string) *Response {
	return &Response{
		JSONRPC: "2.0",
		Error:   &ErrorObject{Code: code, Message: message, Data: data},
		ID:      id,
	}
}

func (d *Dispatcher) writeErrorResponse(w http.ResponseWriter, code int, message string, id interface{}) {
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(ErrorResponse(id, code, message, ""))
}

// GetAvailableCommands returns the registered commands sorted by name
func (d *Dispatcher) GetAvailableCommands() []CommandInfo {
	names := d.registry.List()
	commands := make([]CommandInfo, 0, len(names))
	for _, name := range names {
		handler, _ := d.registry.Get(name)
		commands = append(commands, CommandInfo{
			Name:        handler.GetName(),
			Description: handler.GetDescription(),
			ReadOnly:    handler.IsReadOnly(),
			Blackout:    handler.RequiresBlackout(),
		})
	}
	return commands
}

// AddCustomCommand allows adding custom commands at runtime
func (d *Dispatcher) AddCustomCommand(handler CommandHandler) {
	d.registry.Register(handler)
}

// RemoveCommand allows removing commands at runtime
func (d *Dispatcher) RemoveCommand(commandName string) {
	d.registry.Remove(commandName)
}

// CustomCommandHandler adapts a function to CommandHandler
type CustomCommandHandler struct {
	name        string
	description string
	readOnly    bool
	blackout    bool
	handlerFunc func(ctx context.Context, params []string) (interface{}, error)
}

// NewCustomCommandHandler creates a custom command handler
func NewCustomCommandHandler(name, description string, readOnly, blackout bool, handlerFunc func(ctx context.Context, params []string) (interface{}, error)) *CustomCommandHandler {
	return &CustomCommandHandler{
		name:        name,
		description: description,
		readOnly:    readOnly,
		blackout:    blackout,
		handlerFunc: handlerFunc,
	}
}

func (h *CustomCommandHandler) Handle(ctx context.Context, params []string) (interface{}, error) {
	return h.handlerFunc(ctx, params)
}

func (h *CustomCommandHandler) GetName() string {
	return h.name
}

func (h *CustomCommandHandler) GetDescription() string {
	return h.description
}

func (h *CustomCommandHandler) IsReadOnly() bool {
	return h.readOnly
}

func (h *CustomCommandHandler) RequiresBlackout() bool {
	return h.blackout
}
