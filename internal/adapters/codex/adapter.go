// Package codex adapts an agent CLI running in app-server mode (NDJSON
// JSON-RPC over stdio, threads and turns) to the provider contract.
package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/workspace/agent-bridge/internal/process"
	"github.com/workspace/agent-bridge/internal/provider"
	"github.com/workspace/agent-bridge/internal/rpc"
)

// DefaultTurnTimeout bounds how long a prompt waits for turn/completed.
const DefaultTurnTimeout = 5 * time.Minute

// Options configures an Adapter.
type Options struct {
	ID      string
	Name    string
	Command process.Command

	DefaultModel string
	// Models is the fallback catalog when model/list is unavailable.
	Models       []string
	HiddenModels []string
	ShowHidden   bool

	ApprovalPolicy string
	Sandbox        string
	DefaultCwd     string

	ClientName     string
	ClientVersion  string
	RequestTimeout time.Duration
	TurnTimeout    time.Duration
	StopGrace      time.Duration

	Logger *slog.Logger
}

type turnOutcome struct {
	status  string
	message string
}

type turn struct {
	id     string
	stream *provider.Stream
	done   chan turnOutcome
	// early holds completions that arrived before turn/start returned.
	early map[string]turnOutcome
	// streamed holds agent message item ids that produced deltas. Deltas
	// without an item id are recorded under "".
	streamed map[string]bool
}

func (t *turn) finish(out turnOutcome) {
	select {
	case t.done <- out:
	default:
	}
}

type session struct {
	provider.Session
	threadID string
	turn     *turn
}

// Adapter drives one app-server child process.
type Adapter struct {
	opts   Options
	ids    *provider.SessionIDs
	logger *slog.Logger

	mu       sync.Mutex
	client   *rpc.Client
	unsub    func()
	info     provider.Info
	ready    bool
	sessions map[string]*session
	threads  map[string]string
}

// New creates an adapter; the backend is not started until Initialize.
func New(opts Options) *Adapter {
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
	}
	if opts.ApprovalPolicy == "" {
		opts.ApprovalPolicy = "never"
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
		threads:  make(map[string]string),
	}
}

func (a *Adapter) ID() string          { return a.opts.ID }
func (a *Adapter) Kind() provider.Kind { return provider.KindAppServer }

// Info returns the info cached by the last successful Initialize.
func (a *Adapter) Info() provider.Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// Initialize spawns the backend, performs the handshake and loads the model
// catalog. Calling it again after the backend died starts a new process.
func (a *Adapter) Initialize(ctx context.Context) (provider.Info, error) {
	a.mu.Lock()
	if a.ready && a.client != nil && a.client.Initialized() {
		info := a.info
		a.mu.Unlock()
		return info, nil
	}
	a.mu.Unlock()

	mgr := process.NewManager(a.opts.Command, a.opts.StopGrace)
	client := rpc.New(mgr, rpc.Options{
		ClientName:     a.opts.ClientName,
		ClientVersion:  a.opts.ClientVersion,
		RequestTimeout: a.opts.RequestTimeout,
		Logger:         a.logger,
	})
	unsub := client.OnNotification(a.handleNotification)
	if err := client.Start(ctx); err != nil {
		unsub()
		return provider.Info{}, fmt.Errorf("%s: %w", a.opts.ID, err)
	}

	models, err := a.fetchModels(ctx, client)
	if err != nil {
		a.logger.Warn("model/list failed, using configured models", "error", err)
		models = a.configuredModels()
	}

	info := provider.Info{
		ID:      a.opts.ID,
		Name:    a.opts.Name,
		Kind:    provider.KindAppServer,
		Version: a.opts.ClientVersion,
		Models:  models,
		Capabilities: provider.Capabilities{
			Streaming: true,
			Cancel:    true,
			Tools:     true,
			Reasoning: true,
		},
	}

	a.mu.Lock()
	a.client = client
	a.unsub = unsub
	a.info = info
	a.ready = true
	a.mu.Unlock()

	go a.watchExit(client)
	return info, nil
}

// watchExit marks the adapter unavailable when its backend dies. Prompts in
// flight observe the exit themselves.
func (a *Adapter) watchExit(client *rpc.Client) {
	<-client.Exited()
	a.mu.Lock()
	if a.client == client {
		a.ready = false
	}
	a.mu.Unlock()
	a.logger.Warn("Backend exited; provider unavailable until restarted")
}

func (a *Adapter) liveClient() (*rpc.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ready || a.client == nil || !a.client.Initialized() {
		return nil, fmt.Errorf("%w: %s", provider.ErrNotReady, a.opts.ID)
	}
	return a.client, nil
}

// ListModels queries model/list live, falling back to the cached catalog
// when the backend is down.
func (a *Adapter) ListModels(ctx context.Context) ([]provider.Model, error) {
	client, err := a.liveClient()
	if err != nil {
		return a.Info().Models, nil
	}
	return a.fetchModels(ctx, client)
}

func (a *Adapter) fetchModels(ctx context.Context, client *rpc.Client) ([]provider.Model, error) {
	raw, err := client.Request(ctx, "model/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	data := gjson.GetBytes(raw, "data")
	if !data.IsArray() {
		data = gjson.GetBytes(raw, "models")
	}

	var models []provider.Model
	for _, m := range data.Array() {
		id := firstString(m, "id", "model")
		if id == "" {
			continue
		}
		hidden := m.Get("hidden").Bool() || a.isHidden(id)
		if hidden && !a.opts.ShowHidden {
			continue
		}
		name := firstString(m, "displayName", "display_name", "name")
		if name == "" {
			name = id
		}
		models = append(models, provider.Model{ID: id, Name: name, Provider: a.opts.ID, Hidden: hidden})
	}
	if len(models) == 0 {
		return a.configuredModels(), nil
	}
	return models, nil
}

func (a *Adapter) configuredModels() []provider.Model {
	var out []provider.Model
	for _, id := range a.opts.Models {
		hidden := a.isHidden(id)
		if hidden && !a.opts.ShowHidden {
			continue
		}
		out = append(out, provider.Model{ID: id, Name: id, Provider: a.opts.ID, Hidden: hidden})
	}
	return out
}

func (a *Adapter) isHidden(id string) bool {
	for _, h := range a.opts.HiddenModels {
		if h == id {
			return true
		}
	}
	return false
}

// CreateSession starts a backend thread and maps it to a new session id.
func (a *Adapter) CreateSession(ctx context.Context, opts provider.SessionOptions) (provider.Session, error) {
	client, err := a.liveClient()
	if err != nil {
		return provider.Session{}, err
	}
	model := opts.Model
	if model == "" {
		model = a.opts.DefaultModel
	}
	cwd := opts.Cwd
	if cwd == "" {
		cwd = a.opts.DefaultCwd
	}

	params := map[string]any{
		"model":          model,
		"cwd":            cwd,
		"approvalPolicy": a.opts.ApprovalPolicy,
	}
	if a.opts.Sandbox != "" {
		params["sandbox"] = a.opts.Sandbox
	}
	raw, err := client.Request(ctx, "thread/start", params)
	if err != nil {
		return provider.Session{}, fmt.Errorf("thread/start: %w", err)
	}
	threadID := firstString(gjson.ParseBytes(raw), "thread.id", "threadId", "id")
	if threadID == "" {
		return provider.Session{}, fmt.Errorf("thread/start: response carried no thread id")
	}

	s := &session{
		Session: provider.Session{
			ID:         a.ids.Next(),
			ProviderID: a.opts.ID,
			Model:      model,
			Cwd:        cwd,
			CreatedAt:  time.Now(),
		},
		threadID: threadID,
	}

	a.mu.Lock()
	a.sessions[s.ID] = s
	a.threads[threadID] = s.ID
	a.mu.Unlock()

	a.logger.Info("Session created", "sessionID", s.ID, "threadID", threadID, "model", model)
	return s.Session, nil
}

// Sessions lists live sessions.
func (a *Adapter) Sessions() []provider.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]provider.Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s.Session)
	}
	return out
}

// Prompt runs one turn. A turn that never completes is reported through
// obs.OnError after TurnTimeout and Prompt still returns normally, so the
// stream always reaches OnMessageEnd.
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
	if s.turn != nil {
		a.mu.Unlock()
		stream.Error(provider.ErrTurnActive)
		return provider.ErrTurnActive
	}
	t := &turn{stream: stream, done: make(chan turnOutcome, 1), early: make(map[string]turnOutcome)}
	s.turn = t
	threadID := s.threadID
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if s.turn == t {
			s.turn = nil
		}
		a.mu.Unlock()
	}()

	stream.Start()

	client, err := a.liveClient()
	if err != nil {
		stream.Error(err)
		return nil
	}

	raw, err := client.Request(ctx, "turn/start", map[string]any{
		"threadId": threadID,
		"input":    []map[string]string{{"type": "text", "text": text}},
	})
	if err != nil {
		stream.Error(fmt.Errorf("turn/start: %w", err))
		return nil
	}
	turnID := firstString(gjson.ParseBytes(raw), "turn.id", "turnId", "id")

	a.mu.Lock()
	t.id = turnID
	if out, ok := t.early[turnID]; ok {
		t.finish(out)
	}
	t.early = nil
	a.mu.Unlock()

	timer := time.NewTimer(a.opts.TurnTimeout)
	defer timer.Stop()

	select {
	case out := <-t.done:
		switch out.status {
		case "failed":
			msg := out.message
			if msg == "" {
				msg = "turn failed"
			}
			stream.Error(errors.New(msg))
		case "destroyed":
			stream.Error(errors.New("session destroyed during turn"))
		}
	case <-timer.C:
		a.logger.Warn("Turn timed out", "sessionID", sessionID, "turnID", turnID, "timeout", a.opts.TurnTimeout)
		stream.Error(fmt.Errorf("turn timed out after %s", a.opts.TurnTimeout))
		interruptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		a.Cancel(interruptCtx, sessionID)
		cancel()
	case <-client.Exited():
		stream.Error(fmt.Errorf("%s backend exited during turn", a.opts.ID))
	case <-ctx.Done():
		stream.Error(ctx.Err())
	}
	return nil
}

// Cancel interrupts the active turn. It reports false without contacting the
// backend when no turn is active, and false when the interrupt fails.
func (a *Adapter) Cancel(ctx context.Context, sessionID string) bool {
	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	if !ok || s.turn == nil || s.turn.id == "" {
		a.mu.Unlock()
		return false
	}
	threadID, turnID := s.threadID, s.turn.id
	a.mu.Unlock()

	client, err := a.liveClient()
	if err != nil {
		return false
	}
	if _, err := client.Request(ctx, "turn/interrupt", map[string]string{
		"threadId": threadID,
		"turnId":   turnID,
	}); err != nil {
		a.logger.Warn("turn/interrupt failed", "sessionID", sessionID, "error", err)
		return false
	}
	return true
}

// DestroySession forgets the session and its thread. An active turn is
// released with an error.
func (a *Adapter) DestroySession(ctx context.Context, sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		return false
	}
	delete(a.sessions, sessionID)
	delete(a.threads, s.threadID)
	if s.turn != nil {
		s.turn.finish(turnOutcome{status: "destroyed"})
	}
	return true
}

// Shutdown stops the backend. Pending requests are rejected first.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	client, unsub := a.client, a.unsub
	a.client, a.unsub = nil, nil
	a.ready = false
	for id, s := range a.sessions {
		if s.turn != nil {
			s.turn.finish(turnOutcome{status: "destroyed"})
		}
		delete(a.sessions, id)
	}
	a.threads = make(map[string]string)
	a.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if client == nil {
		return nil
	}
	return client.Stop(ctx)
}

// activeTurn returns the live turn for a thread, or nil when the thread is
// unknown or idle.
func (a *Adapter) activeTurn(threadID string) *turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	sid, ok := a.threads[threadID]
	if !ok {
		return nil
	}
	s, ok := a.sessions[sid]
	if !ok {
		return nil
	}
	return s.turn
}

func (a *Adapter) completeTurn(t *turn, turnID string, out turnOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case t.id == "" && t.early != nil:
		t.early[turnID] = out
	case t.id == turnID:
		t.finish(out)
	default:
		a.logger.Debug("Ignoring completion for another turn", "turnID", turnID, "active", t.id)
	}
}

func (a *Adapter) markDelta(t *turn, itemID string) {
	a.mu.Lock()
	if t.streamed == nil {
		t.streamed = make(map[string]bool)
	}
	t.streamed[itemID] = true
	a.mu.Unlock()
}

func (a *Adapter) sawDelta(t *turn, itemID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return t.streamed[itemID] || t.streamed[""]
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// compact returns raw JSON for structured values and plain text otherwise.
func compact(r gjson.Result) any {
	if !r.Exists() {
		return nil
	}
	if r.IsObject() || r.IsArray() {
		return json.RawMessage(r.Raw)
	}
	return r.Value()
}
