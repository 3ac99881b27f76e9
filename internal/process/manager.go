package process

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// drainTimeout bounds how long exit reporting waits for stdout EOF after the
// child is reaped. A grandchild holding the pipe open would otherwise stall it.
const drainTimeout = 2 * time.Second

// Observer receives events from a Manager. Calls for one Manager are made from
// a single goroutine in order; OnExit is always last and fires exactly once.
type Observer interface {
	OnMessage(msg json.RawMessage)
	OnLog(line string)
	OnError(err error)
	OnExit(code int, signal string)
}

// ErrAlreadyStarted is returned by Start on a Manager that was already used.
var ErrAlreadyStarted = errors.New("process manager already started")

// Manager frames a child's stdio as NDJSON: one JSON object per line in each
// direction.
type Manager struct {
	command Command
	grace   time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	observer Observer
	proc     *Process
	running  bool
	started  bool

	writeMu sync.Mutex
}

// NewManager creates a Manager for command. Stop escalates to SIGKILL after
// grace (DefaultStopGrace when zero).
func NewManager(command Command, grace time.Duration) *Manager {
	name := command.Name
	if name == "" {
		name = command.Path
	}
	return &Manager{
		command: command,
		grace:   grace,
		logger:  slog.Default().With("component", "process", "backend", name),
	}
}

// SetObserver installs the event sink. It must be called before Start.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = o
}

// Start spawns the child and begins reading its output. A Manager can be
// started once.
func (m *Manager) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	proc, err := Start(m.command, m.grace)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.proc = proc
	m.running = true
	m.mu.Unlock()

	events := make(chan func(), 64)
	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go m.readStdout(proc.Stdout(), events, stdoutDone)
	go m.readStderr(proc.Stderr(), events, stderrDone)
	go m.superviseExit(proc, events, stdoutDone, stderrDone)
	go dispatch(events)
	return nil
}

// dispatch serializes observer calls so ordering holds across the readers.
func dispatch(events <-chan func()) {
	for fn := range events {
		fn()
	}
}

func (m *Manager) readStdout(r io.Reader, events chan<- func(), done chan<- struct{}) {
	defer close(done)
	obs := m.currentObserver()
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if trimmed[0] == '{' && json.Valid(trimmed) {
				msg := json.RawMessage(append([]byte(nil), trimmed...))
				events <- func() { obs.OnMessage(msg) }
			} else {
				m.logger.Warn("Dropping malformed stdout line", "line", truncate(string(trimmed), 200))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedErr(err) {
				readErr := fmt.Errorf("read stdout: %w", err)
				events <- func() { obs.OnError(readErr) }
			}
			return
		}
	}
}

func (m *Manager) readStderr(r io.Reader, events chan<- func(), done chan<- struct{}) {
	defer close(done)
	obs := m.currentObserver()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		events <- func() { obs.OnLog(line) }
	}
}

func (m *Manager) superviseExit(proc *Process, events chan func(), stdoutDone, stderrDone <-chan struct{}) {
	obs := m.currentObserver()
	<-proc.Done()

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	for _, ch := range []<-chan struct{}{stdoutDone, stderrDone} {
		select {
		case <-ch:
		case <-timer.C:
			m.logger.Warn("Output still open after exit, closing pipes")
			proc.Release()
			<-ch
		}
	}
	proc.Release()

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	code, signal := proc.ExitStatus()
	events <- func() { obs.OnExit(code, signal) }
	close(events)
}

func (m *Manager) currentObserver() Observer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.observer == nil {
		return nopObserver{}
	}
	return m.observer
}

// Send writes v as one JSON line to the child's stdin. It reports false when
// the child is not running or the write fails; the caller must treat that as
// a delivery failure.
func (m *Manager) Send(v any) bool {
	m.mu.Lock()
	proc, running := m.proc, m.running
	m.mu.Unlock()
	if !running || proc == nil {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("Failed to encode outbound message", "error", err)
		return false
	}
	data = append(data, '\n')

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if _, err := proc.Stdin().Write(data); err != nil {
		m.logger.Warn("Failed to write to backend stdin", "error", err)
		return false
	}
	return true
}

// Stop terminates the child (SIGTERM, then SIGKILL after the grace period)
// and returns once it has exited. Stopping a manager that never started is a
// no-op.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	proc := m.proc
	m.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Stop(ctx)
}

// Running reports whether the child is alive.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Pid returns the child's pid, or 0 before Start.
func (m *Manager) Pid() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc == nil {
		return 0
	}
	return m.proc.Pid()
}

type nopObserver struct{}

func (nopObserver) OnMessage(json.RawMessage) {}
func (nopObserver) OnLog(string)              {}
func (nopObserver) OnError(error)             {}
func (nopObserver) OnExit(int, string)        {}

func isClosedErr(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
