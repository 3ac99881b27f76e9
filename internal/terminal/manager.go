// Package terminal manages interactive PTY sessions, including sessions
// attached to existing tmux sessions.
package terminal

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned for ids that name no live terminal.
var ErrNotFound = errors.New("terminal not found")

// EventKind distinguishes terminal events.
type EventKind string

const (
	EventData EventKind = "data"
	EventExit EventKind = "exit"
)

// Event is PTY output or process exit for one terminal. Code is only set
// for EventExit. Owner is the connection the terminal is wired to when the
// event was produced.
type Event struct {
	Kind  EventKind
	ID    string
	Owner string
	Data  []byte
	Code  int
}

// Config holds defaults for new terminals.
type Config struct {
	Shell            string
	Cwd              string
	Rows             int
	Cols             int
	ScrollbackBytes  int
	TmuxPath         string
	TmuxQueryTimeout time.Duration
	Logger           *slog.Logger
}

// SpawnOptions override the defaults for one terminal.
type SpawnOptions struct {
	Shell string
	Cwd   string
	Cols  int
	Rows  int
	// Owner wires the terminal to a connection from its first byte.
	Owner string
}

// Manager owns all live terminals and fans their events out to subscribers.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	terminals map[string]*terminal
	ptySeq    int
	tmuxSeq   int

	subsMu  sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

// NewManager creates a terminal manager.
func NewManager(cfg Config) *Manager {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/bash"
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 24
	}
	if cfg.Cols <= 0 {
		cfg.Cols = 80
	}
	if cfg.TmuxPath == "" {
		cfg.TmuxPath = "tmux"
	}
	if cfg.TmuxQueryTimeout <= 0 {
		cfg.TmuxQueryTimeout = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger.With("component", "terminal"),
		terminals: make(map[string]*terminal),
		subs:      make(map[int]func(Event)),
	}
}

// Spawn starts a shell on a new PTY.
func (m *Manager) Spawn(opts SpawnOptions) (Info, error) {
	shell := opts.Shell
	if shell == "" {
		shell = m.cfg.Shell
	}
	cwd := opts.Cwd
	if cwd == "" {
		cwd = m.cfg.Cwd
	}

	m.mu.Lock()
	m.ptySeq++
	id := fmt.Sprintf("pty-%d", m.ptySeq)
	m.mu.Unlock()

	return m.start(startConfig{
		id:    id,
		path:  shell,
		cwd:   cwd,
		owner: opts.Owner,
	}, opts.Cols, opts.Rows)
}

// ConnectTmux attaches a new PTY to the named tmux session.
func (m *Manager) ConnectTmux(name string, cols, rows int, owner string) (Info, error) {
	if name == "" {
		return Info{}, errors.New("tmux session name is required")
	}
	path, err := exec.LookPath(m.cfg.TmuxPath)
	if err != nil {
		return Info{}, fmt.Errorf("tmux is not available: %w", err)
	}

	m.mu.Lock()
	m.tmuxSeq++
	id := fmt.Sprintf("tmux-%d", m.tmuxSeq)
	m.mu.Unlock()

	return m.start(startConfig{
		id:          id,
		path:        path,
		args:        []string{"attach-session", "-t", name},
		cwd:         m.cfg.Cwd,
		tmuxSession: name,
		owner:       owner,
	}, cols, rows)
}

func (m *Manager) start(cfg startConfig, cols, rows int) (Info, error) {
	if cols <= 0 {
		cols = m.cfg.Cols
	}
	if rows <= 0 {
		rows = m.cfg.Rows
	}
	if !validSize(cols, rows) {
		return Info{}, fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	cfg.cols, cfg.rows = cols, rows
	cfg.scrollback = m.cfg.ScrollbackBytes

	t, err := startTerminal(cfg)
	if err != nil {
		return Info{}, fmt.Errorf("failed to start terminal: %w", err)
	}

	m.mu.Lock()
	m.terminals[t.id] = t
	m.mu.Unlock()

	m.logger.Info("Terminal started", "terminalID", t.id, "path", cfg.path, "cols", cols, "rows", rows)

	go t.run(
		func(data []byte) {
			m.publish(Event{Kind: EventData, ID: t.id, Owner: t.ownerID(), Data: data})
		},
		func(code int) {
			m.mu.Lock()
			if m.terminals[t.id] == t {
				delete(m.terminals, t.id)
			}
			m.mu.Unlock()
			m.logger.Info("Terminal exited", "terminalID", t.id, "exitCode", code)
			m.publish(Event{Kind: EventExit, ID: t.id, Owner: t.ownerID(), Code: code})
		},
	)
	return t.info(), nil
}

func (m *Manager) get(id string) *terminal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.terminals[id]
}

// Write sends input to a terminal.
func (m *Manager) Write(id string, data []byte) bool {
	t := m.get(id)
	if t == nil {
		return false
	}
	if err := t.write(data); err != nil {
		m.logger.Warn("Terminal write failed", "terminalID", id, "error", err)
		return false
	}
	return true
}

// Resize changes a terminal's window size.
func (m *Manager) Resize(id string, cols, rows int) bool {
	t := m.get(id)
	if t == nil || !validSize(cols, rows) {
		return false
	}
	if err := t.resize(cols, rows); err != nil {
		m.logger.Warn("Terminal resize failed", "terminalID", id, "error", err)
		return false
	}
	return true
}

// Close kills a terminal. Its exit event still fires.
func (m *Manager) Close(id string) bool {
	t := m.get(id)
	if t == nil {
		return false
	}
	t.close()
	return true
}

// Claim wires a terminal to owner, detaching it from any previous owner.
func (m *Manager) Claim(id, owner string) bool {
	t := m.get(id)
	if t == nil {
		return false
	}
	t.setOwner(owner)
	return true
}

// Release detaches a terminal from owner without closing it. It is a no-op
// when another connection has claimed the terminal since.
func (m *Manager) Release(id, owner string) {
	t := m.get(id)
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.owner == owner {
		t.owner = ""
	}
	t.mu.Unlock()
}

// Owner returns the connection a terminal is wired to, or "".
func (m *Manager) Owner(id string) string {
	t := m.get(id)
	if t == nil {
		return ""
	}
	return t.ownerID()
}

// Info returns one terminal's description.
func (m *Manager) Info(id string) (Info, error) {
	t := m.get(id)
	if t == nil {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.info(), nil
}

// ListActive returns the live terminals, oldest first.
func (m *Manager) ListActive() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.terminals))
	for _, t := range m.terminals {
		out = append(out, t.info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of live terminals.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.terminals)
}

// Scrollback returns the buffered recent output of a terminal.
func (m *Manager) Scrollback(id string) ([]byte, error) {
	t := m.get(id)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.scrollback.Bytes(), nil
}

// ListTmuxSessions returns the names of the host's tmux sessions. Any
// failure, including tmux being absent or slow, yields an empty list.
func (m *Manager) ListTmuxSessions(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.TmuxQueryTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.cfg.TmuxPath, "list-sessions", "-F", "#{session_name}")
	cmd.WaitDelay = time.Second
	out, err := cmd.Output()
	if err != nil {
		m.logger.Debug("tmux list-sessions failed", "error", err)
		return []string{}
	}

	names := []string{}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Subscribe registers fn for every terminal event. fn runs on the PTY
// reader goroutine and must not block.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.subsMu.Lock()
	m.nextSub++
	key := m.nextSub
	m.subs[key] = fn
	m.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, key)
			m.subsMu.Unlock()
		})
	}
}

func (m *Manager) publish(ev Event) {
	m.subsMu.RLock()
	fns := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subsMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// CloseAll kills every terminal and waits briefly for their exits.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	terms := make([]*terminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		terms = append(terms, t)
	}
	m.mu.Unlock()

	for _, t := range terms {
		t.close()
	}
	for _, t := range terms {
		select {
		case <-t.done:
		case <-time.After(2 * time.Second):
			m.logger.Warn("Terminal did not exit after close", "terminalID", t.id)
		}
	}
}
