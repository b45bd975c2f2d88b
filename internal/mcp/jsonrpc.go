// Package mcp defines the MCP server configuration model and the JSON-RPC
// message shapes exchanged with servers over their attach sockets.
package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ServerConfig describes how to launch an MCP server inside its container.
type ServerConfig struct {
	Image   string            `json:"image,omitempty"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Message is a loosely-typed JSON-RPC message. The ID is kept raw because
// MCP clients use both string and numeric ids and responses must echo the
// original form byte-for-byte.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// CodeInternalError is the JSON-RPC internal error code, used for timeouts
// and connection failures surfaced as error responses.
const CodeInternalError = -32603

// IsNotification reports whether the message is a notification: it carries
// no id and its method names one (MCP notifications live under the
// "notifications/" prefix).
func (m *Message) IsNotification() bool {
	return len(m.ID) == 0 && strings.HasPrefix(m.Method, "notifications/")
}

// CorrelationKey normalizes a raw JSON-RPC id into a map key. String and
// numeric ids that encode the same value always produce the same key.
func CorrelationKey(id json.RawMessage) string {
	var v any
	if err := json.Unmarshal(id, &v); err != nil {
		return string(id)
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// Trim the ".0" float64 decoding appends to integral ids.
		return strings.TrimSuffix(fmt.Sprintf("%v", t), ".0")
	default:
		return string(id)
	}
}

// ErrorResponse builds a serialized JSON-RPC error response for the given id.
func ErrorResponse(id json.RawMessage, code int, message string) json.RawMessage {
	resp := Message{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
	data, _ := json.Marshal(resp)
	return data
}
