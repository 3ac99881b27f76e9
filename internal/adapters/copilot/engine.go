// Package copilot adapts a hosted model API, driven in-process through a
// vendor SDK, to the provider contract. The bridge runs the tool loop itself
// and exposes a path-confined filesystem and an ask_user tool to the model.
package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrReasoningUnsupported reports that the model rejected the reasoning
// effort parameter. Callers retry once without it.
var ErrReasoningUnsupported = errors.New("model does not support reasoning effort")

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

// Message is one entry of the engine-neutral conversation history.
type Message struct {
	Role      Role
	Text      string
	ToolCalls []ToolCall
	Result    *ToolResult
}

// ToolSpec describes a tool offered to the model. Parameters holds the JSON
// schema properties of the tool's single object argument.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
	Required    []string
}

// Turn is one request to the engine.
type Turn struct {
	Model           string
	ReasoningEffort string
	System          string
	Messages        []Message
	Tools           []ToolSpec
}

// EngineEventType tags an EngineEvent.
type EngineEventType int

const (
	EngineText EngineEventType = iota
	EngineReasoning
	EngineToolCall
	EngineDone
	EngineError
)

// EngineEvent is one streamed item of a turn. EngineDone or EngineError is
// always the last event before the channel closes.
type EngineEvent struct {
	Type     EngineEventType
	Text     string
	ToolCall *ToolCall
	Err      error
}

// Engine abstracts the vendor SDK.
type Engine interface {
	Name() string
	// Models lists the model ids the API key can use.
	Models(ctx context.Context) ([]ModelInfo, error)
	// Validate checks locally whether model accepts the reasoning effort.
	Validate(model, effort string) error
	// Stream starts a turn. The returned channel is closed after the final
	// event; cancelling ctx aborts the request.
	Stream(ctx context.Context, t Turn) (<-chan EngineEvent, error)
}

// ModelInfo is a model as reported by the engine.
type ModelInfo struct {
	ID   string
	Name string
}

var reasoningEfforts = map[string]bool{"low": true, "medium": true, "high": true}

// validEffort reports whether effort is empty or a known level.
func validEffort(effort string) bool {
	return effort == "" || reasoningEfforts[strings.ToLower(effort)]
}

// emit delivers ev unless ctx is done.
func emit(ctx context.Context, ch chan<- EngineEvent, ev EngineEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func rawInput(s string) json.RawMessage {
	if strings.TrimSpace(s) == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}
