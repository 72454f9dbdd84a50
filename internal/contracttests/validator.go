package contracttests

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// JSONRPCEnvelope validates JSON-RPC 2.0 envelope structure
type JSONRPCEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// ValidateEnvelope validates JSON-RPC 2.0 envelope compliance
func ValidateEnvelope(data []byte) error {
	var envelope JSONRPCEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if envelope.JSONRPC != "2.0" {
		return fmt.Errorf("jsonrpc must be '2.0', got '%s'", envelope.JSONRPC)
	}

	// id may be null only on parse errors, which carry an error member
	hasResult := len(envelope.Result) > 0
	hasError := len(envelope.Error) > 0
	if envelope.ID == nil && !hasError {
		return fmt.Errorf("id field is required")
	}

	if hasResult && hasError {
		return fmt.Errorf("both result and error cannot be present")
	}
	if !hasResult && !hasError {
		return fmt.Errorf("either result or error must be present")
	}

	return nil
}

// ValidateErrorResponse validates JSON-RPC error structure
func ValidateErrorResponse(errorData json.RawMessage) error {
	var errorObj map[string]interface{}
	if err := json.Unmarshal(errorData, &errorObj); err != nil {
		return fmt.Errorf("error must be an object: %w", err)
	}

	code, hasCode := errorObj["code"]
	if !hasCode {
		return fmt.Errorf("error object must have 'code' field")
	}
	message, hasMessage := errorObj["message"]
	if !hasMessage {
		return fmt.Errorf("error object must have 'message' field")
	}

	if _, ok := code.(float64); !ok {
		return fmt.Errorf("error code must be numeric")
	}
	if _, ok := message.(string); !ok {
		return fmt.Errorf("error message must be string")
	}
	if data, ok := errorObj["data"]; ok {
		if _, ok := data.(string); !ok {
			return fmt.Errorf("error data must be string")
		}
	}

	return nil
}

// ValidateArrayObjectResult validates that a result is an array of objects
func ValidateArrayObjectResult(result json.RawMessage) error {
	var arr []map[string]interface{}
	if err := json.Unmarshal(result, &arr); err != nil {
		return fmt.Errorf("result must be array of objects: %w", err)
	}
	if arr == nil {
		return fmt.Errorf("result must be an array, got null")
	}
	return nil
}

var (
	addressPattern   = regexp.MustCompile(`^[0-9A-F]{2}(:[0-9A-F]{2}){5}$`)
	sessionIDPattern = regexp.MustCompile(`^ws-\d{6,}$`)
)

// ValidateSnapshot checks the status result has every documented field
// with the right JSON type.
func ValidateSnapshot(result json.RawMessage) error {
	var snap map[string]interface{}
	if err := json.Unmarshal(result, &snap); err != nil {
		return fmt.Errorf("status result must be an object: %w", err)
	}

	fields := map[string]string{
		"takenAt":       "string",
		"running":       "bool",
		"update":        "object",
		"rebootPending": "bool",
		"stagedCount":   "number",
		"deviceCount":   "number",
		"sessionCount":  "number",
		"whisper":       "object",
	}
	for name, kind := range fields {
		v, ok := snap[name]
		if !ok {
			return fmt.Errorf("status result missing %q", name)
		}
		if err := checkKind(name, v, kind); err != nil {
			return err
		}
	}

	update := snap["update"].(map[string]interface{})
	for _, name := range []string{"totalFound", "totalInstalled"} {
		if err := checkKind("update."+name, update[name], "number"); err != nil {
			return err
		}
	}
	whisper := snap["whisper"].(map[string]interface{})
	for _, name := range []string{"totalHandshakes", "successfulExchanges"} {
		if err := checkKind("whisper."+name, whisper[name], "number"); err != nil {
			return err
		}
	}
	return nil
}

// ValidateDevice checks one device object. Session keys must never
// appear on the wire.
func ValidateDevice(device map[string]interface{}) error {
	addr, ok := device["address"].(string)
	if !ok || !addressPattern.MatchString(addr) {
		return fmt.Errorf("device address must be AA:BB:CC:DD:EE:FF form, got %v", device["address"])
	}
	if _, ok := device["state"].(string); !ok {
		return fmt.Errorf("device state must be a string")
	}
	if _, ok := device["handshakeCompleted"].(bool); !ok {
		return fmt.Errorf("device handshakeCompleted must be a bool")
	}
	for _, secret := range []string{"sessionKey", "SessionKey"} {
		if _, ok := device[secret]; ok {
			return fmt.Errorf("device exposes %s", secret)
		}
	}
	return nil
}

// ValidateSession checks one session object.
func ValidateSession(session map[string]interface{}) error {
	id, ok := session["id"].(string)
	if !ok || !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("session id must look like ws-000001, got %v", session["id"])
	}
	if addr, ok := session["peerAddress"].(string); !ok || !addressPattern.MatchString(addr) {
		return fmt.Errorf("session peerAddress invalid: %v", session["peerAddress"])
	}
	if _, ok := session["sessionKey"]; ok {
		return fmt.Errorf("session exposes sessionKey")
	}
	return nil
}

func checkKind(name string, v interface{}, kind string) error {
	ok := false
	switch kind {
	case "string":
		_, ok = v.(string)
	case "bool":
		_, ok = v.(bool)
	case "number":
		_, ok = v.(float64)
	case "object":
		_, ok = v.(map[string]interface{})
	}
	if !ok {
		return fmt.Errorf("%s must be a %s, got %T", name, kind, v)
	}
	return nil
}

// CompareEnvelopes compares two JSON-RPC envelopes for structural equality
func CompareEnvelopes(expected, actual []byte) error {
	if err := ValidateEnvelope(expected); err != nil {
		return fmt.Errorf("expected envelope invalid: %w", err)
	}
	if err := ValidateEnvelope(actual); err != nil {
		return fmt.Errorf("actual envelope invalid: %w", err)
	}

	var expEnv, actEnv JSONRPCEnvelope
	if err := json.Unmarshal(expected, &expEnv); err != nil {
		return fmt.Errorf("failed to unmarshal expected: %w", err)
	}
	if err := json.Unmarshal(actual, &actEnv); err != nil {
		return fmt.Errorf("failed to unmarshal actual: %w", err)
	}

	if expEnv.JSONRPC != actEnv.JSONRPC {
		return fmt.Errorf("jsonrpc version mismatch: expected '%s', got '%s'", expEnv.JSONRPC, actEnv.JSONRPC)
	}

	// allow different types with the same printed value
	if fmt.Sprintf("%v", expEnv.ID) != fmt.Sprintf("%v", actEnv.ID) {
		return fmt.Errorf("id mismatch: expected '%v', got '%v'", expEnv.ID, actEnv.ID)
	}

	if len(expEnv.Result) > 0 && len(actEnv.Result) == 0 {
		return fmt.Errorf("expected result but got none")
	}
	if len(expEnv.Error) > 0 {
		if len(actEnv.Error) == 0 {
			return fmt.Errorf("expected error but got none")
		}
		var expErr, actErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		json.Unmarshal(expEnv.Error, &expErr)
		json.Unmarshal(actEnv.Error, &actErr)
		if expErr != actErr {
			return fmt.Errorf("error mismatch: expected %+v, got %+v", expErr, actErr)
		}
	}

	return nil
}
