package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/workspace/agent-bridge/internal/fstools"
	"github.com/workspace/agent-bridge/internal/provider"
)

const (
	ToolReadFile      = "read_file"
	ToolWriteFile     = "write_file"
	ToolListDirectory = "list_directory"
	ToolAskUser       = "ask_user"
)

// errNoConnection is returned by ask_user when no client can answer.
var errNoConnection = errors.New("no client connection is bound to this session")

func toolSpecs() []ToolSpec {
	return []ToolSpec{
		{
			Name:        ToolReadFile,
			Description: "Read a text file inside the session working directory. Optional line (1-based) and limit select a window of lines.",
			Parameters: map[string]any{
				"path":  map[string]any{"type": "string", "description": "File path, relative to the working directory"},
				"line":  map[string]any{"type": "integer", "description": "First line to return"},
				"limit": map[string]any{"type": "integer", "description": "Maximum number of lines"},
			},
			Required: []string{"path"},
		},
		{
			Name:        ToolWriteFile,
			Description: "Create or overwrite a file inside the session working directory.",
			Parameters: map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			Required: []string{"path", "content"},
		},
		{
			Name:        ToolListDirectory,
			Description: "List the entries of a directory inside the session working directory.",
			Parameters: map[string]any{
				"path": map[string]any{"type": "string", "description": "Directory path; empty for the working directory"},
			},
		},
		{
			Name:        ToolAskUser,
			Description: "Ask the user a question and wait for the answer.",
			Parameters: map[string]any{
				"question": map[string]any{"type": "string"},
				"options": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			},
			Required: []string{"question"},
		},
	}
}

type toolArgs struct {
	Path     string   `json:"path"`
	Line     *int     `json:"line"`
	Limit    *int     `json:"limit"`
	Content  string   `json:"content"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// runTool executes one tool call and reports it on the stream. The returned
// result is fed back to the model; failures become error results rather
// than aborting the turn.
func (a *Adapter) runTool(ctx context.Context, s *session, call ToolCall, stream *provider.Stream) ToolResult {
	var args toolArgs
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return a.toolFailure(stream, call, fmt.Errorf("invalid arguments: %w", err))
	}

	switch call.Name {
	case ToolReadFile:
		content, err := s.root.ReadFile(args.Path, args.Line, args.Limit)
		if err != nil {
			return a.toolFailure(stream, call, err)
		}
		stream.Event(provider.NewEvent(provider.EventFileRead, call.Name, map[string]any{"path": args.Path}, content))
		return ToolResult{CallID: call.ID, Content: content}

	case ToolWriteFile:
		if err := s.root.WriteFile(args.Path, args.Content); err != nil {
			return a.toolFailure(stream, call, err)
		}
		stream.Event(provider.NewEvent(provider.EventFileEdit, call.Name, map[string]any{
			"path":  args.Path,
			"bytes": len(args.Content),
		}, ""))
		return ToolResult{CallID: call.ID, Content: fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path)}

	case ToolListDirectory:
		stream.Event(provider.NewEvent(provider.EventToolCall, call.Name, json.RawMessage(call.Input), ""))
		entries, err := s.root.List(args.Path)
		if err != nil {
			return a.toolFailure(stream, call, err)
		}
		listing := formatEntries(entries)
		stream.Event(provider.NewEvent(provider.EventToolResult, call.Name, nil, listing))
		return ToolResult{CallID: call.ID, Content: listing}

	case ToolAskUser:
		stream.Event(provider.NewEvent(provider.EventToolCall, call.Name, json.RawMessage(call.Input), ""))
		answer, err := a.askUser(ctx, s, args.Question, args.Options)
		if err != nil {
			return a.toolFailure(stream, call, err)
		}
		stream.Event(provider.NewEvent(provider.EventToolResult, call.Name, nil, answer))
		return ToolResult{CallID: call.ID, Content: answer}
	}

	return a.toolFailure(stream, call, fmt.Errorf("unknown tool %q", call.Name))
}

func (a *Adapter) toolFailure(stream *provider.Stream, call ToolCall, err error) ToolResult {
	a.logger.Debug("Tool call failed", "tool", call.Name, "error", err)
	stream.Event(provider.NewEvent(provider.EventToolResult, call.Name, map[string]any{"error": err.Error()}, ""))
	return ToolResult{CallID: call.ID, Content: "error: " + err.Error(), IsError: true}
}

func formatEntries(entries []fstools.Entry) string {
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&b, "%s/\n", e.Name)
			continue
		}
		fmt.Fprintf(&b, "%s\t%d\n", e.Name, e.Size)
	}
	return b.String()
}

// askUser sends the question to the session's connection and blocks until
// it is answered, the prompt is cancelled, or the connection goes away. An
// unbound connection answers with the empty string.
func (a *Adapter) askUser(ctx context.Context, s *session, question string, options []string) (string, error) {
	a.mu.Lock()
	conn := a.conns[s.ConnID]
	if conn == nil {
		a.mu.Unlock()
		return "", errNoConnection
	}
	if conn.waiter != nil {
		a.mu.Unlock()
		return "", errors.New("another question is already waiting for an answer")
	}
	waiter := make(chan string, 1)
	conn.waiter = waiter
	client := conn.client
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if conn.waiter == waiter {
			conn.waiter = nil
		}
		a.mu.Unlock()
	}()

	params := map[string]any{"sessionId": s.ID, "question": question}
	if len(options) > 0 {
		params["options"] = options
	}
	if err := client.Notify("tool/ask_user", params); err != nil {
		return "", fmt.Errorf("deliver question: %w", err)
	}

	select {
	case answer := <-waiter:
		return answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// BindConnection registers the client that answers ask_user for sessions
// created on connID.
func (a *Adapter) BindConnection(connID string, client provider.ToolClient) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if conn, ok := a.conns[connID]; ok {
		conn.client = client
		return
	}
	a.conns[connID] = &connection{client: client}
}

// UnbindConnection drops the connection's tool state. A pending question is
// released with an empty answer.
func (a *Adapter) UnbindConnection(connID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	conn, ok := a.conns[connID]
	if !ok {
		return
	}
	delete(a.conns, connID)
	if conn.waiter != nil {
		conn.waiter <- ""
		conn.waiter = nil
	}
}

func (a *Adapter) ResolveAskUser(connID, answer string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	conn, ok := a.conns[connID]
	if !ok || conn.waiter == nil {
		return false
	}
	conn.waiter <- answer
	conn.waiter = nil
	return true
}
