package provider

import (
	"sync"
	"time"
)

// EventKind is the closed set of agent sub-activities surfaced mid-stream.
type EventKind string

const (
	EventTerminalCommand EventKind = "terminal_command"
	EventTerminalOutput  EventKind = "terminal_output"
	EventFileEdit        EventKind = "file_edit"
	EventFileRead        EventKind = "file_read"
	EventToolCall        EventKind = "tool_call"
	EventToolResult      EventKind = "tool_result"
	EventReasoning       EventKind = "reasoning"
)

// Valid reports whether k is one of the known kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventTerminalCommand, EventTerminalOutput, EventFileEdit, EventFileRead,
		EventToolCall, EventToolResult, EventReasoning:
		return true
	}
	return false
}

// AgentEvent is a normalized description of backend activity. Timestamp is
// unix milliseconds.
type AgentEvent struct {
	Kind      EventKind `json:"kind"`
	Name      string    `json:"name,omitempty"`
	Data      any       `json:"data,omitempty"`
	Output    string    `json:"output,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(kind EventKind, name string, data any, output string) AgentEvent {
	return AgentEvent{
		Kind:      kind,
		Name:      name,
		Data:      data,
		Output:    output,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Stream wraps a StreamObserver for one prompt and enforces its bracket:
// the start notification is sent once before anything else, and nothing is
// delivered after End.
type Stream struct {
	obs StreamObserver

	mu      sync.Mutex
	started bool
	ended   bool
}

// NewStream returns a Stream delivering to obs.
func NewStream(obs StreamObserver) *Stream {
	return &Stream{obs: obs}
}

// Start emits OnMessageStart if it has not been emitted yet.
func (s *Stream) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *Stream) startLocked() {
	if s.started || s.ended {
		return
	}
	s.started = true
	s.obs.OnMessageStart()
}

// Chunk forwards assistant text. Empty chunks are skipped.
func (s *Stream) Chunk(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.startLocked()
	s.obs.OnMessageChunk(text)
}

// Event forwards an agent event.
func (s *Stream) Event(ev AgentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.startLocked()
	s.obs.OnAgentEvent(ev)
}

// Error forwards a failure. The stream stays open until End.
func (s *Stream) Error(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.startLocked()
	s.obs.OnError(err)
}

// End closes the stream, emitting the start first if needed. Later calls are
// no-ops.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.startLocked()
	s.ended = true
	s.obs.OnMessageEnd()
}

// Ended reports whether End has been called.
func (s *Stream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}
