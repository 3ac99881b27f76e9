package protocol

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/workspace/agent-bridge/internal/terminal"
)

var errNoTerminals = errors.New("terminals are not available")

func (h *Handler) terminalManager() (*terminal.Manager, error) {
	if h.opts.Terminals == nil {
		return nil, errNoTerminals
	}
	return h.opts.Terminals, nil
}

// subscribe makes sure the connection receives terminal events. It runs
// before a terminal starts so no early output is missed.
func (h *Handler) subscribe(m *terminal.Manager) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed && h.unsubscribe == nil {
		h.unsubscribe = m.Subscribe(h.onTerminalEvent)
	}
}

func (h *Handler) own(id string) {
	h.mu.Lock()
	if !h.closed {
		h.terminals[id] = struct{}{}
	}
	h.mu.Unlock()
}

// onTerminalEvent forwards events of terminals wired to this connection. A
// terminal leaves the wiring on exit, or when another connection claims it.
func (h *Handler) onTerminalEvent(ev terminal.Event) {
	mine := ev.Owner == h.id
	h.mu.Lock()
	if !mine || ev.Kind == terminal.EventExit {
		delete(h.terminals, ev.ID)
	}
	closed := h.closed
	h.mu.Unlock()
	if !mine || closed {
		return
	}

	var err error
	switch ev.Kind {
	case terminal.EventData:
		err = h.out.Send(Notification{JSONRPC: "2.0", Method: "terminal/data", Params: map[string]any{
			"id":   ev.ID,
			"data": string(ev.Data),
		}})
	case terminal.EventExit:
		err = h.out.Send(Notification{JSONRPC: "2.0", Method: "terminal/exit", Params: map[string]any{
			"id":   ev.ID,
			"code": ev.Code,
		}})
	}
	if err != nil {
		h.logger.Debug("Dropping terminal event", "terminalID", ev.ID, "error", err)
	}
}

func (h *Handler) terminalSpawn(raw json.RawMessage) (any, error) {
	m, err := h.terminalManager()
	if err != nil {
		return nil, err
	}
	var p spawnParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	h.subscribe(m)
	info, err := m.Spawn(terminal.SpawnOptions{
		Shell: p.Shell,
		Cwd:   p.Cwd,
		Cols:  p.Cols,
		Rows:  p.Rows,
		Owner: h.id,
	})
	if err != nil {
		return nil, err
	}
	h.own(info.ID)
	return info, nil
}

func (h *Handler) terminalList(ctx context.Context) (any, error) {
	m, err := h.terminalManager()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"terminals":    m.ListActive(),
		"tmuxSessions": m.ListTmuxSessions(ctx),
	}, nil
}

func (h *Handler) terminalConnectTmux(raw json.RawMessage) (any, error) {
	m, err := h.terminalManager()
	if err != nil {
		return nil, err
	}
	var p connectTmuxParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Session == "" {
		return nil, invalidParams("session is required")
	}
	h.subscribe(m)
	info, err := m.ConnectTmux(p.Session, p.Cols, p.Rows, h.id)
	if err != nil {
		return nil, err
	}
	h.own(info.ID)
	return info, nil
}

// terminalAttach moves an existing terminal's wiring to this connection and
// replays its scrollback.
func (h *Handler) terminalAttach(raw json.RawMessage) (any, error) {
	m, err := h.terminalManager()
	if err != nil {
		return nil, err
	}
	var p terminalParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, invalidParams("id is required")
	}
	h.subscribe(m)
	if !m.Claim(p.ID, h.id) {
		return map[string]any{"success": false}, nil
	}
	h.own(p.ID)
	info, err := m.Info(p.ID)
	if err != nil {
		return map[string]any{"success": false}, nil
	}
	scrollback, _ := m.Scrollback(p.ID)
	return map[string]any{
		"success":    true,
		"terminal":   info,
		"scrollback": string(scrollback),
	}, nil
}

func (h *Handler) terminalInput(raw json.RawMessage) (any, error) {
	m, err := h.terminalManager()
	if err != nil {
		return nil, err
	}
	var p terminalParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return map[string]any{"success": m.Write(p.ID, []byte(p.Data))}, nil
}

func (h *Handler) terminalResize(raw json.RawMessage) (any, error) {
	m, err := h.terminalManager()
	if err != nil {
		return nil, err
	}
	var p terminalParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return map[string]any{"success": m.Resize(p.ID, p.Cols, p.Rows)}, nil
}

func (h *Handler) terminalClose(raw json.RawMessage) (any, error) {
	m, err := h.terminalManager()
	if err != nil {
		return nil, err
	}
	var p terminalParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return map[string]any{"success": m.Close(p.ID)}, nil
}
