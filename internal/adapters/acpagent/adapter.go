// Package acpagent adapts an Agent Client Protocol agent binary to the
// provider contract. The agent runs as a child process and is driven
// through acp-go-sdk's client-side connection over its stdio pipes.
package acpagent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/workspace/agent-bridge/internal/fstools"
	"github.com/workspace/agent-bridge/internal/process"
	"github.com/workspace/agent-bridge/internal/provider"
)

const (
	DefaultInitTimeout = 30 * time.Second
	DefaultTurnTimeout = 5 * time.Minute
)

var errBackendExited = errors.New("agent process exited")

// Options configures an Adapter.
type Options struct {
	ID      string
	Name    string
	Command process.Command

	DefaultModel string
	Models       []string
	DefaultCwd   string

	InitTimeout time.Duration
	TurnTimeout time.Duration
	StopGrace   time.Duration

	Logger *slog.Logger
}

type session struct {
	provider.Session
	acpID acpsdk.SessionId
	root  *fstools.Root

	// Per-prompt state, guarded by Adapter.mu.
	stream    *provider.Stream
	cancelled bool
	toolKinds map[string]string
}

// Adapter owns one agent process and its sessions.
type Adapter struct {
	opts   Options
	ids    *provider.SessionIDs
	logger *slog.Logger

	mu       sync.Mutex
	proc     *process.Process
	conn     *acpsdk.ClientSideConnection
	exited   chan struct{}
	updates  *updateQueue
	ready    bool
	info     provider.Info
	sessions map[string]*session
	byACP    map[acpsdk.SessionId]*session
}

func New(opts Options) *Adapter {
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
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
		byACP:    make(map[acpsdk.SessionId]*session),
	}
}

func (a *Adapter) ID() string          { return a.opts.ID }
func (a *Adapter) Kind() provider.Kind { return provider.KindACP }

func (a *Adapter) Info() provider.Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// Initialize starts the agent and performs the ACP handshake, advertising
// text file read and write support.
func (a *Adapter) Initialize(ctx context.Context) (provider.Info, error) {
	a.mu.Lock()
	if a.ready {
		info := a.info
		a.mu.Unlock()
		return info, nil
	}
	a.mu.Unlock()

	proc, err := process.Start(a.opts.Command, a.opts.StopGrace)
	if err != nil {
		return provider.Info{}, fmt.Errorf("failed to start agent process: %w", err)
	}
	exited := make(chan struct{})
	updates := newUpdateQueue(exited)
	conn := acpsdk.NewClientSideConnection(&client{adapter: a}, proc.Stdin(), a.splitStdout(proc.Stdout(), updates))
	go a.consumeUpdates(updates)
	go a.monitorStderr(proc)
	go a.monitorExit(proc, exited)

	initCtx, cancel := context.WithTimeout(ctx, a.opts.InitTimeout)
	defer cancel()
	initResp, err := conn.Initialize(initCtx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if stopErr := proc.Stop(stopCtx); stopErr != nil {
			a.logger.Warn("Failed to stop agent after handshake failure", "error", stopErr)
		}
		return provider.Info{}, fmt.Errorf("ACP initialize failed: %w", err)
	}
	a.logger.Info("ACP: Initialize succeeded", "loadSession", initResp.AgentCapabilities.LoadSession)

	var models []provider.Model
	for _, id := range a.opts.Models {
		models = append(models, provider.Model{ID: id, Name: id, Provider: a.opts.ID})
	}
	info := provider.Info{
		ID:     a.opts.ID,
		Name:   a.opts.Name,
		Kind:   provider.KindACP,
		Models: models,
		Capabilities: provider.Capabilities{
			Streaming: true,
			Cancel:    true,
			Tools:     true,
			Reasoning: true,
		},
	}

	a.mu.Lock()
	a.proc, a.conn, a.exited, a.updates = proc, conn, exited, updates
	a.info = info
	a.ready = true
	a.mu.Unlock()
	return info, nil
}

func (a *Adapter) monitorStderr(proc *process.Process) {
	scanner := bufio.NewScanner(proc.Stderr())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		a.logger.Debug("Agent stderr", "line", scanner.Text())
	}
}

// monitorExit marks the adapter unavailable once the agent dies. Prompts in
// flight observe exited and end with an error.
func (a *Adapter) monitorExit(proc *process.Process, exited chan struct{}) {
	<-proc.Done()
	code, signal := proc.ExitStatus()
	a.logger.Warn("Agent process exited", "exitCode", code, "signal", signal)

	a.mu.Lock()
	if a.proc == proc {
		a.ready = false
	}
	a.mu.Unlock()
	close(exited)
	proc.Release()
}

func (a *Adapter) live() (*acpsdk.ClientSideConnection, *updateQueue, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ready || a.conn == nil {
		return nil, nil, fmt.Errorf("%w: %s", provider.ErrNotReady, a.opts.ID)
	}
	return a.conn, a.updates, nil
}

// ListModels returns the configured catalog; ACP has no model listing.
func (a *Adapter) ListModels(context.Context) ([]provider.Model, error) {
	return a.Info().Models, nil
}

// CreateSession opens an ACP session in the requested working directory.
func (a *Adapter) CreateSession(ctx context.Context, opts provider.SessionOptions) (provider.Session, error) {
	conn, _, err := a.live()
	if err != nil {
		return provider.Session{}, err
	}
	cwd := opts.Cwd
	if cwd == "" {
		cwd = a.opts.DefaultCwd
	}
	root, err := fstools.NewRoot(cwd)
	if err != nil {
		return provider.Session{}, fmt.Errorf("session cwd: %w", err)
	}
	resp, err := conn.NewSession(ctx, acpsdk.NewSessionRequest{
		Cwd:        root.Dir(),
		McpServers: []acpsdk.McpServer{},
	})
	if err != nil {
		return provider.Session{}, fmt.Errorf("ACP new session failed: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = a.opts.DefaultModel
	}
	s := &session{
		Session: provider.Session{
			ID:         a.ids.Next(),
			ProviderID: a.opts.ID,
			Model:      model,
			Cwd:        root.Dir(),
			CreatedAt:  time.Now(),
		},
		acpID: resp.SessionId,
		root:  root,
	}
	a.mu.Lock()
	a.sessions[s.ID] = s
	a.byACP[s.acpID] = s
	a.mu.Unlock()

	a.logger.Info("ACP: NewSession succeeded", "sessionID", s.ID, "acpSessionID", string(s.acpID))
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

// Prompt blocks on the ACP prompt request while session/update
// notifications stream through the update queue.
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
	if s.stream != nil {
		a.mu.Unlock()
		stream.Error(provider.ErrTurnActive)
		return provider.ErrTurnActive
	}
	s.stream = stream
	s.cancelled = false
	s.toolKinds = make(map[string]string)
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if s.stream == stream {
			s.stream = nil
		}
		a.mu.Unlock()
	}()

	stream.Start()

	conn, updates, err := a.live()
	if err != nil {
		stream.Error(err)
		return nil
	}
	exited := updates.exited

	promptCtx, cancel := context.WithTimeout(ctx, a.opts.TurnTimeout)
	defer cancel()
	go func() {
		select {
		case <-exited:
			cancel()
		case <-promptCtx.Done():
		}
	}()

	resp, err := conn.Prompt(promptCtx, acpsdk.PromptRequest{
		SessionId: s.acpID,
		Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(text)},
	})
	// Updates written before the prompt response reach the stream first.
	updates.drain()
	if err != nil {
		select {
		case <-exited:
			stream.Error(fmt.Errorf("%s: %w", a.opts.ID, errBackendExited))
		default:
			if errors.Is(promptCtx.Err(), context.DeadlineExceeded) {
				stream.Error(fmt.Errorf("prompt timed out after %s", a.opts.TurnTimeout))
			} else {
				stream.Error(fmt.Errorf("prompt failed: %w", err))
			}
		}
		return nil
	}
	a.logger.Info("ACP: Prompt completed", "sessionID", sessionID, "stopReason", string(resp.StopReason))
	if string(resp.StopReason) == "refusal" {
		stream.Error(errors.New("agent refused the prompt"))
	}
	return nil
}

// Cancel sends session/cancel; the agent ends the prompt with a cancelled
// stop reason.
func (a *Adapter) Cancel(ctx context.Context, sessionID string) bool {
	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	if !ok || s.stream == nil {
		a.mu.Unlock()
		return false
	}
	s.cancelled = true
	acpID := s.acpID
	a.mu.Unlock()

	conn, _, err := a.live()
	if err != nil {
		return false
	}
	if err := conn.Cancel(ctx, acpsdk.CancelNotification{SessionId: acpID}); err != nil {
		a.logger.Warn("ACP: session/cancel failed", "sessionID", sessionID, "error", err)
		return false
	}
	return true
}

// DestroySession forgets the session. ACP has no session close, so any
// running prompt is cancelled first.
func (a *Adapter) DestroySession(ctx context.Context, sessionID string) bool {
	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	if !ok {
		a.mu.Unlock()
		return false
	}
	active := s.stream != nil
	a.mu.Unlock()

	if active {
		a.Cancel(ctx, sessionID)
	}

	a.mu.Lock()
	delete(a.sessions, sessionID)
	delete(a.byACP, s.acpID)
	a.mu.Unlock()
	return true
}

// Shutdown stops the agent process.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	proc := a.proc
	a.proc, a.conn = nil, nil
	a.ready = false
	a.sessions = make(map[string]*session)
	a.byACP = make(map[acpsdk.SessionId]*session)
	a.mu.Unlock()

	if proc == nil {
		return nil
	}
	return proc.Stop(ctx)
}

// lookup returns the session and the active stream for an ACP session id.
func (a *Adapter) lookup(id acpsdk.SessionId) (*session, *provider.Stream) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.byACP[id]
	if !ok {
		return nil, nil
	}
	return s, s.stream
}

// rootFor returns the filesystem root for an ACP session, falling back to
// the default working directory.
func (a *Adapter) rootFor(id acpsdk.SessionId) (*fstools.Root, error) {
	if s, _ := a.lookup(id); s != nil {
		return s.root, nil
	}
	return fstools.NewRoot(a.opts.DefaultCwd)
}
