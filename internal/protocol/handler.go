package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/agent-bridge/internal/provider"
	"github.com/workspace/agent-bridge/internal/terminal"
)

// Options configure a Handler.
type Options struct {
	Registry     *provider.Registry
	Terminals    *terminal.Manager
	AgentName    string
	AgentVersion string
	DefaultCwd   string
	Logger       *slog.Logger
}

// Handler dispatches one connection's requests. It holds only the active
// session default and the connection's terminal wiring; sessions themselves
// live in the adapters.
type Handler struct {
	id     string
	out    Sender
	opts   Options
	logger *slog.Logger

	mu            sync.Mutex
	activeSession string
	observers     map[*observer]struct{}
	terminals     map[string]struct{}
	unsubscribe   func()
	closed        bool

	prompts  sync.WaitGroup
	inflight sync.WaitGroup
}

// NewHandler creates the handler for a connection writing through out.
func NewHandler(out Sender, opts Options) *Handler {
	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		id:        id,
		out:       out,
		opts:      opts,
		logger:    logger.With("component", "protocol", "connectionID", id),
		observers: make(map[*observer]struct{}),
		terminals: make(map[string]struct{}),
	}
}

// ID returns the connection id used for tool binding and terminal ownership.
func (h *Handler) ID() string { return h.id }

// ActiveSession returns the connection's default session id.
func (h *Handler) ActiveSession() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeSession
}

// Notify sends a server notification. It makes the Handler usable as the
// provider.ToolClient of its connection.
func (h *Handler) Notify(method string, params any) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return errors.New("connection closed")
	}
	return h.out.Send(Notification{JSONRPC: "2.0", Method: method, Params: params})
}

// HandleLine processes one inbound NDJSON line. Malformed frames are logged
// and dropped.
func (h *Handler) HandleLine(ctx context.Context, line []byte) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return
	}
	var req Request
	if err := json.Unmarshal([]byte(trimmed), &req); err != nil {
		h.logger.Warn("Dropping malformed frame", "error", err)
		return
	}
	if req.Method == "" {
		h.logger.Warn("Dropping frame without method")
		return
	}
	h.Handle(ctx, &req)
}

// offLoop lists methods that may wait on a backend. They run on their own
// goroutine so a slow one never holds up session/cancel on the same
// connection.
var offLoop = map[string]bool{
	"models/list":     true,
	"session/new":     true,
	"session/cancel":  true,
	"session/destroy": true,
	"terminal/list":   true,
}

// Handle dispatches one request and writes its response when the request
// carries an id. Methods that wait on a backend return before they finish.
func (h *Handler) Handle(ctx context.Context, req *Request) {
	if !offLoop[req.Method] {
		h.handle(ctx, req)
		return
	}
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		h.handle(ctx, req)
	}()
}

// started is returned by methods whose work must begin only after their
// response is on the wire.
type started struct {
	result any
	run    func()
}

func (h *Handler) handle(ctx context.Context, req *Request) {
	result, err := h.dispatch(ctx, req)
	var run func()
	if s, ok := result.(started); ok {
		result, run = s.result, s.run
	}
	if run != nil {
		defer run()
	}
	if !req.hasID() {
		if err != nil {
			h.logger.Warn("Notification failed", "method", req.Method, "error", err)
		}
		return
	}

	resp := Response{JSONRPC: "2.0", ID: req.ID}
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &Error{Code: CodeGeneric, Message: err.Error()}
		}
		resp.Error = rpcErr
	} else {
		if result == nil {
			result = struct{}{}
		}
		resp.Result = result
	}
	if sendErr := h.out.Send(resp); sendErr != nil {
		h.logger.Warn("Failed to send response", "method", req.Method, "error", sendErr)
	}
}

func (h *Handler) dispatch(ctx context.Context, req *Request) (any, error) {
	switch req.Method {
	case "initialize":
		return h.initialize(), nil
	case "ping":
		return map[string]any{"pong": true, "timestamp": time.Now().UnixMilli()}, nil
	case "models/list":
		return map[string]any{"models": nonNil(h.opts.Registry.ListModels(ctx))}, nil
	case "session/new":
		return h.newSession(ctx, req.Params)
	case "session/list":
		return h.listSessions(), nil
	case "session/prompt":
		return h.prompt(ctx, req.Params)
	case "session/cancel":
		return h.cancel(ctx, req.Params)
	case "session/destroy":
		return h.destroy(ctx, req.Params)
	case "session/set_mode", "session/set_model":
		return map[string]any{"success": true}, nil
	case "tool/ask_user_response":
		return h.askUserResponse(req.Params)
	case "terminal/spawn":
		return h.terminalSpawn(req.Params)
	case "terminal/list":
		return h.terminalList(ctx)
	case "terminal/connect_tmux":
		return h.terminalConnectTmux(req.Params)
	case "terminal/attach":
		return h.terminalAttach(req.Params)
	case "terminal/input":
		return h.terminalInput(req.Params)
	case "terminal/resize":
		return h.terminalResize(req.Params)
	case "terminal/close":
		return h.terminalClose(req.Params)
	}
	return nil, &Error{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (h *Handler) initialize() map[string]any {
	infos := h.opts.Registry.Infos()
	var models []provider.Model
	askUser := false
	for _, info := range infos {
		for _, m := range info.Models {
			m.Provider = info.ID
			models = append(models, m)
		}
		askUser = askUser || info.Capabilities.AskUser
	}
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"agentInfo": map[string]any{
			"name":    h.opts.AgentName,
			"version": h.opts.AgentVersion,
		},
		"models":    nonNil(models),
		"providers": nonNil(infos),
		"capabilities": map[string]any{
			"streaming": true,
			"terminals": h.opts.Terminals != nil,
			"tmux":      h.opts.Terminals != nil,
			"askUser":   askUser,
		},
	}
}

// resolveAdapter picks the adapter for a new session: explicit provider,
// then the model-name heuristic, then the first ready adapter.
func (h *Handler) resolveAdapter(p newSessionParams) (provider.Adapter, error) {
	reg := h.opts.Registry
	if p.Provider != "" {
		a, ok := reg.Adapter(p.Provider)
		if !ok {
			return nil, invalidParams("unknown provider %q", p.Provider)
		}
		if !reg.Ready(p.Provider) {
			msg := fmt.Sprintf("provider %q is not available", p.Provider)
			if err := reg.InitError(p.Provider); err != nil {
				msg += ": " + err.Error()
			}
			return nil, &Error{Code: CodeInvalidParams, Message: msg}
		}
		return a, nil
	}
	if a, ok := reg.ResolveForModel(p.Model); ok {
		return a, nil
	}
	if a, ok := reg.First(); ok {
		return a, nil
	}
	return nil, invalidParams("no provider is available")
}

func (h *Handler) newSession(ctx context.Context, raw json.RawMessage) (any, error) {
	var p newSessionParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	a, err := h.resolveAdapter(p)
	if err != nil {
		return nil, err
	}
	if binder, ok := a.(provider.ConnectionBinder); ok {
		binder.BindConnection(h.id, h)
	}

	cwd := p.Cwd
	if cwd == "" {
		cwd = h.opts.DefaultCwd
	}
	s, err := h.opts.Registry.CreateSession(ctx, a, provider.SessionOptions{
		Model:        p.Model,
		Cwd:          cwd,
		ConnectionID: h.id,
	})
	if err != nil {
		if errors.Is(err, provider.ErrNotReady) {
			return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
		}
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		if binder, ok := a.(provider.ConnectionBinder); ok {
			binder.UnbindConnection(h.id)
		}
		return nil, errors.New("connection closed")
	}
	h.activeSession = s.ID
	h.mu.Unlock()
	h.logger.Info("Session created", "sessionID", s.ID, "provider", s.ProviderID, "model", s.Model)
	return s, nil
}

func (h *Handler) listSessions() map[string]any {
	return map[string]any{
		"sessions":        nonNil(h.opts.Registry.Sessions()),
		"activeSessionId": h.ActiveSession(),
	}
}

// sessionFor resolves an explicit session id or the active default.
func (h *Handler) sessionFor(id string) (string, provider.Adapter, error) {
	if id == "" {
		id = h.ActiveSession()
	}
	if id == "" {
		return "", nil, invalidParams("sessionId is required: no active session")
	}
	a, ok := h.opts.Registry.ResolveSession(id)
	if !ok {
		return "", nil, invalidParams("%v: %s", provider.ErrUnknownSession, id)
	}
	return id, a, nil
}

// promptText accepts a plain string or an array of content blocks.
func promptText(p promptParams) (string, error) {
	if len(p.Prompt) > 0 && string(p.Prompt) != "null" {
		var text string
		if err := json.Unmarshal(p.Prompt, &text); err == nil {
			return text, nil
		}
		var blocks []contentBlock
		if err := json.Unmarshal(p.Prompt, &blocks); err != nil {
			return "", invalidParams("prompt must be a string or an array of content blocks")
		}
		var parts []string
		for _, b := range blocks {
			if (b.Type == "" || b.Type == "text") && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n"), nil
	}
	return p.Message, nil
}

// prompt acknowledges immediately and streams the turn as session/update
// notifications from a separate goroutine started after the ack is sent.
func (h *Handler) prompt(ctx context.Context, raw json.RawMessage) (any, error) {
	var p promptParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	text, err := promptText(p)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, invalidParams("prompt is empty")
	}
	sessionID, a, err := h.sessionFor(p.SessionID)
	if err != nil {
		return nil, err
	}

	obs := &observer{h: h, sessionID: sessionID}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.New("connection closed")
	}
	h.activeSession = sessionID
	h.observers[obs] = struct{}{}
	h.prompts.Add(1)
	h.mu.Unlock()

	// The turn outlives the request that started it, and its first update
	// must follow the acknowledgement.
	turn := func() {
		go func() {
			defer h.prompts.Done()
			defer func() {
				h.mu.Lock()
				delete(h.observers, obs)
				h.mu.Unlock()
			}()
			if err := a.Prompt(context.WithoutCancel(ctx), sessionID, text, obs); err != nil {
				h.logger.Warn("Prompt rejected", "sessionID", sessionID, "error", err)
			}
		}()
	}
	return started{result: map[string]any{"status": "streaming", "sessionId": sessionID}, run: turn}, nil
}

func (h *Handler) cancel(ctx context.Context, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	sessionID, a, err := h.sessionFor(p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"cancelled": a.Cancel(ctx, sessionID)}, nil
}

func (h *Handler) destroy(ctx context.Context, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	sessionID, _, err := h.sessionFor(p.SessionID)
	if err != nil {
		return nil, err
	}
	destroyed := h.opts.Registry.DestroySession(ctx, sessionID)
	h.mu.Lock()
	if h.activeSession == sessionID {
		h.activeSession = ""
	}
	h.mu.Unlock()
	return map[string]any{"destroyed": destroyed}, nil
}

// askUserResponse answers this connection's pending ask_user question on
// whichever tool-binding adapter is waiting.
func (h *Handler) askUserResponse(raw json.RawMessage) (any, error) {
	var p askUserResponseParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	for _, a := range h.opts.Registry.Adapters() {
		binder, ok := a.(provider.ConnectionBinder)
		if !ok {
			continue
		}
		if binder.ResolveAskUser(h.id, p.Answer) {
			return map[string]any{"resolved": true}, nil
		}
	}
	return map[string]any{"resolved": false}, nil
}

// Close detaches the connection: tool state is unbound, in-flight prompt
// observers stop forwarding, and terminals are released without being
// killed.
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.activeSession = ""
	for obs := range h.observers {
		obs.detach()
	}
	terms := make([]string, 0, len(h.terminals))
	for id := range h.terminals {
		terms = append(terms, id)
	}
	h.terminals = make(map[string]struct{})
	unsubscribe := h.unsubscribe
	h.unsubscribe = nil
	h.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if h.opts.Terminals != nil {
		for _, id := range terms {
			h.opts.Terminals.Release(id, h.id)
		}
	}
	for _, a := range h.opts.Registry.Adapters() {
		if binder, ok := a.(provider.ConnectionBinder); ok {
			binder.UnbindConnection(h.id)
		}
	}
	h.logger.Info("Connection handler closed", "terminals", len(terms))
}

// Wait blocks until every prompt and every off-loop request started by this
// handler has returned.
func (h *Handler) Wait() {
	h.inflight.Wait()
	h.prompts.Wait()
}
