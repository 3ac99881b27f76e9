package codex

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/workspace/agent-bridge/internal/provider"
	"github.com/workspace/agent-bridge/internal/rpc"
)

// handleNotification routes a backend notification to the active turn of
// the thread it names. Notifications for unknown threads or idle sessions
// are dropped.
func (a *Adapter) handleNotification(n rpc.Notification) {
	p := gjson.ParseBytes(n.Params)
	threadID := firstString(p, "threadId", "thread_id", "conversationId", "thread.id")
	if threadID == "" {
		a.logger.Debug("Notification without thread", "method", n.Method)
		return
	}
	t := a.activeTurn(threadID)
	if t == nil {
		return
	}

	method := n.Method
	switch {
	case method == "turn/completed":
		turnID := firstString(p, "turn.id", "turnId")
		out := turnOutcome{
			status:  firstString(p, "turn.status", "status"),
			message: firstString(p, "turn.error.message", "error.message", "turn.error"),
		}
		a.completeTurn(t, turnID, out)

	case method == "error":
		if !p.Get("willRetry").Bool() {
			t.stream.Error(backendError(firstString(p, "error.message", "message")))
		}

	case strings.HasPrefix(method, "item/reasoning/") && isDelta(method):
		t.stream.Event(provider.NewEvent(provider.EventReasoning, "reasoning", nil, p.Get("delta").String()))

	case strings.HasPrefix(method, "item/commandExecution/") && isDelta(method):
		t.stream.Event(provider.NewEvent(provider.EventTerminalOutput, "shell",
			map[string]any{"itemId": p.Get("itemId").String(), "partial": true}, p.Get("delta").String()))

	case isDelta(method) && p.Get("delta").Exists() && !strings.Contains(method, "fileChange"):
		a.markDelta(t, p.Get("itemId").String())
		t.stream.Chunk(p.Get("delta").String())

	case method == "item/started" || method == "item/completed":
		a.translateItem(t, method == "item/completed", p.Get("item"))
	}
}

func isDelta(method string) bool {
	return strings.HasSuffix(method, "delta") || strings.HasSuffix(method, "Delta")
}

func (a *Adapter) translateItem(t *turn, completed bool, item gjson.Result) {
	switch itemType := item.Get("type").String(); itemType {
	case "commandExecution", "command_call", "shell", "local_shell_call":
		command := commandText(item.Get("command"))
		if !completed {
			t.stream.Event(provider.NewEvent(provider.EventTerminalCommand, "shell", map[string]any{
				"id":      item.Get("id").String(),
				"command": command,
				"cwd":     item.Get("cwd").String(),
			}, ""))
			return
		}
		data := map[string]any{
			"id":      item.Get("id").String(),
			"command": command,
			"status":  item.Get("status").String(),
		}
		if code := item.Get("exitCode"); code.Exists() {
			data["exitCode"] = code.Int()
		} else if code := item.Get("exit_code"); code.Exists() {
			data["exitCode"] = code.Int()
		}
		if stderr := item.Get("stderr").String(); stderr != "" {
			data["stderr"] = stderr
		}
		output := firstString(item, "aggregatedOutput", "aggregated_output", "output", "stdout")
		t.stream.Event(provider.NewEvent(provider.EventTerminalOutput, "shell", data, output))

	case "fileChange", "file_change", "file_edit":
		if !completed {
			return
		}
		var paths []string
		for _, c := range item.Get("changes").Array() {
			if path := firstString(c, "path", "file"); path != "" {
				paths = append(paths, path)
			}
		}
		if path := item.Get("path").String(); path != "" {
			paths = append(paths, path)
		}
		t.stream.Event(provider.NewEvent(provider.EventFileEdit, "apply_patch", map[string]any{
			"id":      item.Get("id").String(),
			"paths":   paths,
			"status":  item.Get("status").String(),
			"changes": compact(item.Get("changes")),
		}, ""))

	case "reasoning":
		if !completed {
			return
		}
		var parts []string
		for _, s := range item.Get("summary").Array() {
			if text := firstString(s, "text"); text != "" {
				parts = append(parts, text)
			} else if s.Type == gjson.String {
				parts = append(parts, s.String())
			}
		}
		if text := item.Get("text").String(); text != "" && len(parts) == 0 {
			parts = append(parts, text)
		}
		if len(parts) > 0 {
			t.stream.Event(provider.NewEvent(provider.EventReasoning, "reasoning", nil, strings.Join(parts, "\n")))
		}

	case "mcpToolCall", "mcp_tool_call":
		name := item.Get("tool").String()
		if server := item.Get("server").String(); server != "" {
			name = server + "." + name
		}
		if !completed {
			t.stream.Event(provider.NewEvent(provider.EventToolCall, name, compact(item.Get("arguments")), ""))
			return
		}
		data := map[string]any{"status": item.Get("status").String()}
		if errMsg := firstString(item, "error.message", "error"); errMsg != "" {
			data["error"] = errMsg
		}
		t.stream.Event(provider.NewEvent(provider.EventToolResult, name, data, item.Get("result").Raw))

	case "agentMessage", "agent_message":
		// Deltas normally carry the text; fall back to the final item only
		// when that item streamed none.
		if completed && !a.sawDelta(t, item.Get("id").String()) {
			t.stream.Chunk(item.Get("text").String())
		}
	}
}

func commandText(r gjson.Result) string {
	if !r.IsArray() {
		return r.String()
	}
	var parts []string
	for _, p := range r.Array() {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, " ")
}

type backendError string

func (e backendError) Error() string {
	if e == "" {
		return "backend reported an error"
	}
	return string(e)
}
