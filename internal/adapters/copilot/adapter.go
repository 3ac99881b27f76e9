package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/workspace/agent-bridge/internal/fstools"
	"github.com/workspace/agent-bridge/internal/provider"
)

// DefaultMaxToolRounds bounds the model/tool round trips of one prompt.
const DefaultMaxToolRounds = 16

const defaultSystemPrompt = "You are a coding agent working in the user's workspace. " +
	"Use the filesystem tools to inspect and change files, and ask_user when a decision needs the user."

// Options configures an Adapter.
type Options struct {
	ID     string
	Name   string
	Engine Engine

	DefaultModel string
	// Models is the fallback catalog when the engine cannot list models.
	Models       []string
	HiddenModels []string
	ShowHidden   bool

	ReasoningEffort string
	DefaultCwd      string
	SystemPrompt    string
	MaxToolRounds   int

	Logger *slog.Logger
}

type connection struct {
	client provider.ToolClient
	waiter chan string
}

type session struct {
	provider.Session
	ConnID  string
	effort  string
	root    *fstools.Root
	history []Message
	cancel  context.CancelFunc
}

// Adapter runs prompts against an Engine with a bridge-side tool loop.
type Adapter struct {
	opts   Options
	ids    *provider.SessionIDs
	logger *slog.Logger

	mu       sync.Mutex
	info     provider.Info
	ready    bool
	sessions map[string]*session
	conns    map[string]*connection
}

func New(opts Options) *Adapter {
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = DefaultMaxToolRounds
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		opts:     opts,
		ids:      provider.NewSessionIDs(opts.ID),
		logger:   logger.With("provider", opts.ID),
		sessions: make(map[string]*session),
		conns:    make(map[string]*connection),
	}
}

func (a *Adapter) ID() string          { return a.opts.ID }
func (a *Adapter) Kind() provider.Kind { return provider.KindSDK }

func (a *Adapter) Info() provider.Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// Initialize loads the model catalog. A failed listing falls back to the
// configured models; only a missing engine is fatal.
func (a *Adapter) Initialize(ctx context.Context) (provider.Info, error) {
	if a.opts.Engine == nil {
		return provider.Info{}, fmt.Errorf("%s: no engine configured", a.opts.ID)
	}
	models, err := a.ListModels(ctx)
	if err != nil {
		return provider.Info{}, err
	}
	info := provider.Info{
		ID:     a.opts.ID,
		Name:   a.opts.Name,
		Kind:   provider.KindSDK,
		Models: models,
		Capabilities: provider.Capabilities{
			Streaming: true,
			Cancel:    true,
			Tools:     true,
			AskUser:   true,
			Reasoning: a.opts.ReasoningEffort != "",
		},
	}
	a.mu.Lock()
	a.info = info
	a.ready = true
	a.mu.Unlock()
	return info, nil
}

func (a *Adapter) ListModels(ctx context.Context) ([]provider.Model, error) {
	listed, err := a.opts.Engine.Models(ctx)
	if err != nil || len(listed) == 0 {
		if err != nil {
			a.logger.Warn("Model listing failed, using configured models", "error", err)
		}
		listed = nil
		for _, id := range a.opts.Models {
			listed = append(listed, ModelInfo{ID: id, Name: id})
		}
	}
	var out []provider.Model
	for _, m := range listed {
		hidden := a.isHidden(m.ID)
		if hidden && !a.opts.ShowHidden {
			continue
		}
		out = append(out, provider.Model{ID: m.ID, Name: m.Name, Provider: a.opts.ID, Hidden: hidden})
	}
	return out, nil
}

func (a *Adapter) isHidden(id string) bool {
	for _, h := range a.opts.HiddenModels {
		if strings.EqualFold(h, id) {
			return true
		}
	}
	return false
}

// CreateSession resolves the model and working directory. A reasoning effort
// the model rejects is dropped for the session and creation is retried
// without it.
func (a *Adapter) CreateSession(ctx context.Context, opts provider.SessionOptions) (provider.Session, error) {
	a.mu.Lock()
	ready := a.ready
	a.mu.Unlock()
	if !ready {
		return provider.Session{}, fmt.Errorf("%w: %s", provider.ErrNotReady, a.opts.ID)
	}

	model := opts.Model
	if model == "" {
		model = a.opts.DefaultModel
	}
	cwd := opts.Cwd
	if cwd == "" {
		cwd = a.opts.DefaultCwd
	}
	root, err := fstools.NewRoot(cwd)
	if err != nil {
		return provider.Session{}, fmt.Errorf("session cwd: %w", err)
	}

	effort := a.opts.ReasoningEffort
	if err := a.opts.Engine.Validate(model, effort); err != nil {
		if !errors.Is(err, ErrReasoningUnsupported) {
			return provider.Session{}, err
		}
		a.logger.Info("Reasoning effort not supported, retrying without it", "model", model, "effort", effort)
		effort = ""
		if err := a.opts.Engine.Validate(model, effort); err != nil {
			return provider.Session{}, err
		}
	}

	s := &session{
		Session: provider.Session{
			ID:         a.ids.Next(),
			ProviderID: a.opts.ID,
			Model:      model,
			Cwd:        root.Dir(),
			CreatedAt:  time.Now(),
		},
		ConnID: opts.ConnectionID,
		effort: effort,
		root:   root,
	}
	a.mu.Lock()
	a.sessions[s.ID] = s
	a.mu.Unlock()

	a.logger.Info("Session created", "sessionID", s.ID, "model", model, "reasoningEffort", effort)
	return s.Session, nil
}

func (a *Adapter) Sessions() []provider.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]provider.Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s.Session)
	}
	return out
}

// Prompt streams one user turn, running tool calls until the model answers
// without requesting any or the round limit is reached.
func (a *Adapter) Prompt(ctx context.Context, sessionID, text string, obs provider.StreamObserver) error {
	stream := provider.NewStream(obs)
	defer stream.End()

	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	if !ok {
		a.mu.Unlock()
		stream.Error(fmt.Errorf("%w: %s", provider.ErrUnknownSession, sessionID))
		return provider.ErrUnknownSession
	}
	if s.cancel != nil {
		a.mu.Unlock()
		stream.Error(provider.ErrTurnActive)
		return provider.ErrTurnActive
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	msgs := append(append([]Message(nil), s.history...), Message{Role: RoleUser, Text: text})
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		s.cancel = nil
		s.history = msgs
		a.mu.Unlock()
	}()

	stream.Start()

	for round := 0; round < a.opts.MaxToolRounds; round++ {
		reply, err := a.runRound(ctx, s, msgs, stream)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				a.logger.Info("Prompt cancelled", "sessionID", sessionID)
			} else {
				stream.Error(err)
			}
			return nil
		}
		msgs = append(msgs, reply)
		if len(reply.ToolCalls) == 0 {
			return nil
		}
		for _, call := range reply.ToolCalls {
			result := a.runTool(ctx, s, call, stream)
			msgs = append(msgs, Message{Role: RoleTool, Result: &result})
		}
	}
	stream.Error(fmt.Errorf("stopped after %d tool rounds", a.opts.MaxToolRounds))
	return nil
}

// runRound streams one engine request and returns the assistant message it
// produced. A reasoning-effort rejection before any output is retried once
// without the effort, which then stays off for the session.
func (a *Adapter) runRound(ctx context.Context, s *session, msgs []Message, stream *provider.Stream) (Message, error) {
	a.mu.Lock()
	effort := s.effort
	a.mu.Unlock()

	retried := false
	for {
		reply, emitted, err := a.streamOnce(ctx, s.Model, effort, msgs, stream)
		if err == nil {
			return reply, nil
		}
		if retried || emitted || effort == "" || !errors.Is(err, ErrReasoningUnsupported) {
			return reply, err
		}
		a.logger.Info("Model rejected reasoning effort, retrying without it", "sessionID", s.ID, "effort", effort)
		retried = true
		effort = ""
		a.mu.Lock()
		s.effort = ""
		a.mu.Unlock()
	}
}

func (a *Adapter) streamOnce(ctx context.Context, model, effort string, msgs []Message, stream *provider.Stream) (Message, bool, error) {
	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := a.opts.Engine.Stream(roundCtx, Turn{
		Model:           model,
		ReasoningEffort: effort,
		System:          a.opts.SystemPrompt,
		Messages:        msgs,
		Tools:           toolSpecs(),
	})
	if err != nil {
		return Message{}, false, err
	}

	reply := Message{Role: RoleAssistant}
	var text strings.Builder
	emitted := false
	for {
		select {
		case <-ctx.Done():
			return reply, emitted, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				reply.Text = text.String()
				return reply, emitted, nil
			}
			switch ev.Type {
			case EngineText:
				emitted = true
				text.WriteString(ev.Text)
				stream.Chunk(ev.Text)
			case EngineReasoning:
				emitted = true
				stream.Event(provider.NewEvent(provider.EventReasoning, "reasoning", nil, ev.Text))
			case EngineToolCall:
				emitted = true
				reply.ToolCalls = append(reply.ToolCalls, *ev.ToolCall)
			case EngineError:
				if ctx.Err() != nil {
					return reply, emitted, ctx.Err()
				}
				return reply, emitted, ev.Err
			case EngineDone:
				reply.Text = text.String()
				return reply, emitted, nil
			}
		}
	}
}

// Cancel aborts the in-flight prompt of the session.
func (a *Adapter) Cancel(_ context.Context, sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok || s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

func (a *Adapter) DestroySession(_ context.Context, sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		return false
	}
	if s.cancel != nil {
		s.cancel()
	}
	delete(a.sessions, sessionID)
	return true
}

// Shutdown cancels every prompt and releases waiting questions.
func (a *Adapter) Shutdown(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, s := range a.sessions {
		if s.cancel != nil {
			s.cancel()
		}
		delete(a.sessions, id)
	}
	for id, conn := range a.conns {
		if conn.waiter != nil {
			conn.waiter <- ""
		}
		delete(a.conns, id)
	}
	a.ready = false
	return nil
}
