// Package provider defines the provider-neutral session contract that every
// agent backend adapter implements, plus the registry that routes sessions
// to adapters.
package provider

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownSession  = errors.New("unknown session")
	ErrPrefixCollision = errors.New("provider id prefix collision")
	ErrNotReady        = errors.New("provider not initialized")
	ErrTurnActive      = errors.New("a turn is already active for this session")
)

// Kind is the backend family an adapter belongs to.
type Kind string

const (
	KindSDK       Kind = "sdk"
	KindAppServer Kind = "app-server"
	KindACP       Kind = "acp"
)

// Model is one selectable model of a provider.
type Model struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Hidden   bool   `json:"hidden,omitempty"`
}

// Capabilities advertises optional adapter features to clients.
type Capabilities struct {
	Streaming bool `json:"streaming"`
	Cancel    bool `json:"cancel"`
	Tools     bool `json:"tools"`
	AskUser   bool `json:"askUser"`
	Reasoning bool `json:"reasoning"`
}

// Info is computed once by Initialize and cached.
type Info struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Kind         Kind         `json:"kind"`
	Version      string       `json:"version,omitempty"`
	Models       []Model      `json:"models"`
	Capabilities Capabilities `json:"capabilities"`
}

// Session is one conversation owned by an adapter.
type Session struct {
	ID         string    `json:"sessionId"`
	ProviderID string    `json:"provider"`
	Model      string    `json:"model"`
	Cwd        string    `json:"cwd"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SessionOptions are the caller's choices for a new session.
type SessionOptions struct {
	Model string
	Cwd   string
	// ConnectionID identifies the client connection that owns interactive
	// tools for this session.
	ConnectionID string
}

// StreamObserver receives one prompt's output. Adapters call OnMessageStart
// first and OnMessageEnd last for every prompt, failures included.
type StreamObserver interface {
	OnMessageStart()
	OnMessageChunk(text string)
	OnAgentEvent(ev AgentEvent)
	OnError(err error)
	OnMessageEnd()
}

// Adapter translates the neutral contract into one backend's native API.
// Backend-specific errors never escape Prompt; they reach the observer.
type Adapter interface {
	ID() string
	Kind() Kind
	Initialize(ctx context.Context) (Info, error)
	Info() Info
	ListModels(ctx context.Context) ([]Model, error)
	CreateSession(ctx context.Context, opts SessionOptions) (Session, error)
	Sessions() []Session
	// Prompt blocks until the turn ends. Errors are reported through obs; the
	// returned error is reserved for caller mistakes such as an unknown session.
	Prompt(ctx context.Context, sessionID, text string, obs StreamObserver) error
	Cancel(ctx context.Context, sessionID string) bool
	DestroySession(ctx context.Context, sessionID string) bool
	Shutdown(ctx context.Context) error
}

// ToolClient delivers tool notifications to one client connection.
type ToolClient interface {
	Notify(method string, params any) error
}

// ConnectionBinder is implemented by adapters whose tools need a live client
// connection, such as the ask_user tool.
type ConnectionBinder interface {
	BindConnection(connID string, client ToolClient)
	UnbindConnection(connID string)
	// ResolveAskUser answers the connection's outstanding question. It
	// reports false when nothing was waiting.
	ResolveAskUser(connID, answer string) bool
}
