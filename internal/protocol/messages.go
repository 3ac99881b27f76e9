// Package protocol implements the client-facing JSON-RPC dispatcher. One
// Handler serves one client connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is reported by initialize.
const ProtocolVersion = 1

// JSON-RPC error codes.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeGeneric        = -32000
)

// Request is an inbound frame. Frames without an id are notifications and
// get no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *Request) hasID() bool {
	return len(r.ID) > 0 && string(r.ID) != "null"
}

// Response answers a request that carried an id.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is an outbound server message.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func invalidParams(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// Sender writes one JSON value to the connection as a single NDJSON line.
// Implementations must be safe for concurrent use.
type Sender interface {
	Send(v any) error
}

// Session update kinds carried in session/update notifications.
const (
	UpdateMessageStart = "agent_message_start"
	UpdateMessageChunk = "agent_message_chunk"
	UpdateAgentEvent   = "agent_event"
	UpdateError        = "error"
	UpdateMessageEnd   = "agent_message_end"
)

// SessionUpdate is the params object of a session/update notification.
type SessionUpdate struct {
	SessionID string      `json:"sessionId"`
	Update    UpdateFrame `json:"update"`
}

// UpdateFrame is one streamed item of a prompt.
type UpdateFrame struct {
	SessionUpdate string `json:"sessionUpdate"`
	Content       any    `json:"content,omitempty"`
}

// TextContent is the content of a message chunk.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ErrorContent is the content of an error update.
type ErrorContent struct {
	Message string `json:"message"`
}

type newSessionParams struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Cwd      string `json:"cwd"`
}

type sessionParams struct {
	SessionID string `json:"sessionId"`
}

type promptParams struct {
	SessionID string          `json:"sessionId"`
	Prompt    json.RawMessage `json:"prompt"`
	Message   string          `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type askUserResponseParams struct {
	Answer string `json:"answer"`
}

type spawnParams struct {
	Shell string `json:"shell"`
	Cwd   string `json:"cwd"`
	Cols  int    `json:"cols"`
	Rows  int    `json:"rows"`
}

type connectTmuxParams struct {
	Session string `json:"session"`
	Cols    int    `json:"cols"`
	Rows    int    `json:"rows"`
}

type terminalParams struct {
	ID   string `json:"id"`
	Data string `json:"data"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}
