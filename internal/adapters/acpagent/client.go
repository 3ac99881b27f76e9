package acpagent

import (
	"context"
	"fmt"
	"strings"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/workspace/agent-bridge/internal/provider"
)

// client implements the acp-go-sdk Client interface on behalf of the
// adapter's sessions.
type client struct {
	adapter *Adapter
}

// SessionUpdate is not reached in practice: splitStdout takes updates off
// the wire before the connection dispatches them.
func (c *client) SessionUpdate(context.Context, acpsdk.SessionNotification) error {
	return nil
}

// RequestPermission approves by selecting the first offered option.
func (c *client) RequestPermission(_ context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	c.adapter.logger.Info("Permission request", "optionsCount", len(params.Options))
	if len(params.Options) > 0 {
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[0].OptionId),
		}, nil
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
	}, nil
}

func (c *client) ReadTextFile(_ context.Context, params acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	root, err := c.adapter.rootFor(params.SessionId)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, err
	}
	content, err := root.ReadFile(params.Path, params.Line, params.Limit)
	if err != nil {
		c.adapter.logger.Warn("ReadTextFile error", "path", params.Path, "error", err)
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("failed to read file %q: %w", params.Path, err)
	}
	return acpsdk.ReadTextFileResponse{Content: content}, nil
}

func (c *client) WriteTextFile(_ context.Context, params acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	root, err := c.adapter.rootFor(params.SessionId)
	if err != nil {
		return acpsdk.WriteTextFileResponse{}, err
	}
	if err := root.WriteFile(params.Path, params.Content); err != nil {
		c.adapter.logger.Warn("WriteTextFile error", "path", params.Path, "error", err)
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("failed to write file %q: %w", params.Path, err)
	}
	return acpsdk.WriteTextFileResponse{}, nil
}

func (c *client) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal not supported")
}

func (c *client) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand not supported")
}

func (c *client) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput not supported")
}

func (c *client) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal not supported")
}

func (c *client) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit not supported")
}

// translate maps one session/update onto the neutral stream callbacks.
// User message echoes and plan updates have no neutral counterpart.
func (a *Adapter) translate(s *session, stream *provider.Stream, u acpsdk.SessionUpdate) {
	switch {
	case u.AgentMessageChunk != nil:
		stream.Chunk(blockText(u.AgentMessageChunk.Content))

	case u.AgentThoughtChunk != nil:
		if text := blockText(u.AgentThoughtChunk.Content); text != "" {
			stream.Event(provider.NewEvent(provider.EventReasoning, "thought", nil, text))
		}

	case u.ToolCall != nil:
		tc := u.ToolCall
		id := string(tc.ToolCallId)
		kind := string(tc.Kind)
		a.mu.Lock()
		if s.toolKinds != nil {
			s.toolKinds[id] = kind
		}
		a.mu.Unlock()

		data := map[string]any{"toolCallId": id, "title": tc.Title, "kind": kind}
		if paths := locationPaths(tc.Locations, tc.Content); len(paths) > 0 {
			data["paths"] = paths
		}
		stream.Event(provider.NewEvent(toolCallKind(kind), tc.Title, data, toolContentText(tc.Content)))

	case u.ToolCallUpdate != nil:
		tu := u.ToolCallUpdate
		if tu.Status == nil {
			return
		}
		status := string(*tu.Status)
		if status != "completed" && status != "failed" {
			return
		}
		id := string(tu.ToolCallId)
		a.mu.Lock()
		kind := s.toolKinds[id]
		a.mu.Unlock()
		if tu.Kind != nil {
			kind = string(*tu.Kind)
		}

		data := map[string]any{"toolCallId": id, "status": status}
		eventKind := provider.EventToolResult
		if kind == "execute" {
			eventKind = provider.EventTerminalOutput
		}
		stream.Event(provider.NewEvent(eventKind, kind, data, toolContentText(tu.Content)))
	}
}

func toolCallKind(kind string) provider.EventKind {
	switch kind {
	case "execute":
		return provider.EventTerminalCommand
	case "edit", "delete", "move":
		return provider.EventFileEdit
	case "read":
		return provider.EventFileRead
	}
	return provider.EventToolCall
}

func blockText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}

func toolContentText(contents []acpsdk.ToolCallContent) string {
	var parts []string
	for _, c := range contents {
		if c.Content != nil {
			if text := blockText(c.Content.Content); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func locationPaths(locs []acpsdk.ToolCallLocation, contents []acpsdk.ToolCallContent) []string {
	var paths []string
	seen := make(map[string]bool)
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, l := range locs {
		add(l.Path)
	}
	for _, c := range contents {
		if c.Diff != nil {
			add(c.Diff.Path)
		}
	}
	return paths
}
