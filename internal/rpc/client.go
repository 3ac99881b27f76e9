// Package rpc correlates requests and responses with an agent backend that
// speaks JSON-RPC shaped NDJSON without the "jsonrpc" envelope field.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/workspace/agent-bridge/internal/process"
)

// DefaultRequestTimeout bounds how long a request waits for its response.
const DefaultRequestTimeout = 60 * time.Second

// CodeMethodNotFound is returned to backends that call methods on the bridge.
const CodeMethodNotFound = -32601

var (
	ErrProcessExited  = errors.New("backend process exited")
	ErrTimeout        = errors.New("request timed out")
	ErrStopped        = errors.New("rpc client stopped")
	ErrNotInitialized = errors.New("rpc client not initialized")
	ErrSendFailed     = errors.New("failed to send request")
)

// ResponseError is an error response returned by the backend.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Notification is a method call from the backend that expects no reply.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Transport is the NDJSON channel the client runs over. *process.Manager
// satisfies it.
type Transport interface {
	SetObserver(process.Observer)
	Start(ctx context.Context) error
	Send(v any) bool
	Stop(ctx context.Context) error
}

// Options configures a Client.
type Options struct {
	ClientName     string
	ClientVersion  string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type result struct {
	raw json.RawMessage
	err error
}

type pendingCall struct {
	method string
	ch     chan result
	timer  *time.Timer
}

type subscription struct {
	id     uint64
	method string
	fn     func(Notification)
}

// Client issues requests over a Transport and demultiplexes what comes back.
type Client struct {
	transport Transport
	opts      Options
	logger    *slog.Logger

	nextID atomic.Int64

	mu          sync.Mutex
	pending     map[int64]*pendingCall
	initialized bool
	stopped     bool
	subs        []subscription
	subSeq      uint64

	exited   chan struct{}
	exitOnce sync.Once
}

// New creates a client over t and registers itself as t's observer.
func New(t Transport, opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ClientName == "" {
		opts.ClientName = "agent-bridge"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		transport: t,
		opts:      opts,
		logger:    logger.With("component", "rpc"),
		pending:   make(map[int64]*pendingCall),
		exited:    make(chan struct{}),
	}
	t.SetObserver(c)
	return c
}

// Start launches the transport and performs the initialize handshake. The
// client rejects requests until the handshake completes.
func (c *Client) Start(ctx context.Context) error {
	if err := c.transport.Start(ctx); err != nil {
		return fmt.Errorf("start backend: %w", err)
	}

	params := map[string]any{
		"clientInfo": map[string]string{
			"name":    c.opts.ClientName,
			"version": c.opts.ClientVersion,
		},
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		return c.abortHandshake(err)
	}
	if !c.Notify("initialized", nil) {
		return c.abortHandshake(ErrSendFailed)
	}

	c.mu.Lock()
	c.initialized = !c.stopped
	c.mu.Unlock()
	c.logger.Info("Backend handshake complete")
	return nil
}

// abortHandshake stops the backend so a failed Start leaves no child behind.
func (c *Client) abortHandshake(err error) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if stopErr := c.transport.Stop(stopCtx); stopErr != nil {
		c.logger.Warn("Failed to stop backend after handshake failure", "error", stopErr)
	}
	return fmt.Errorf("initialize handshake: %w", err)
}

// Request sends method with params and waits for the matching response.
// Exactly one outcome is delivered: the result, a *ResponseError, ErrTimeout,
// ErrProcessExited, ErrStopped, ErrSendFailed or ctx's error.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	ready := c.initialized
	c.mu.Unlock()
	if !ready {
		return nil, ErrNotInitialized
	}
	return c.call(ctx, method, params)
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	call := &pendingCall{method: method, ch: make(chan result, 1)}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	select {
	case <-c.exited:
		c.mu.Unlock()
		return nil, ErrProcessExited
	default:
	}
	c.pending[id] = call
	timeout := c.opts.RequestTimeout
	call.timer = time.AfterFunc(timeout, func() {
		c.settle(id, result{err: fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)})
	})
	c.mu.Unlock()

	msg := struct {
		Method string `json:"method"`
		ID     int64  `json:"id"`
		Params any    `json:"params,omitempty"`
	}{Method: method, ID: id, Params: params}
	if !c.transport.Send(msg) {
		c.settle(id, result{err: fmt.Errorf("%w: %s", ErrSendFailed, method)})
	}

	select {
	case res := <-call.ch:
		return res.raw, res.err
	case <-ctx.Done():
		c.settle(id, result{err: ctx.Err()})
		res := <-call.ch
		return res.raw, res.err
	}
}

// settle delivers res to request id if it is still pending. Removal under
// the lock makes the first outcome win.
func (c *Client) settle(id int64, res result) bool {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if call.timer != nil {
		call.timer.Stop()
	}
	call.ch <- res
	return true
}

func (c *Client) rejectAll(err error) {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.settle(id, result{err: err})
	}
}

// Notify sends a fire-and-forget notification. It reports whether the write
// succeeded.
func (c *Client) Notify(method string, params any) bool {
	msg := struct {
		Method string `json:"method"`
		Params any    `json:"params,omitempty"`
	}{Method: method, Params: params}
	return c.transport.Send(msg)
}

// OnNotification subscribes fn to every notification. The returned function
// removes the subscription.
func (c *Client) OnNotification(fn func(Notification)) (cancel func()) {
	return c.subscribe("", fn)
}

// OnMethod subscribes fn to notifications for one method.
func (c *Client) OnMethod(method string, fn func(Notification)) (cancel func()) {
	return c.subscribe(method, fn)
}

func (c *Client) subscribe(method string, fn func(Notification)) func() {
	c.mu.Lock()
	c.subSeq++
	id := c.subSeq
	c.subs = append(c.subs, subscription{id: id, method: method, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// Exited is closed when the backend process exits.
func (c *Client) Exited() <-chan struct{} { return c.exited }

// Initialized reports whether the handshake completed and the backend is
// still alive.
func (c *Client) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// PendingCount returns the number of requests awaiting a response.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stop rejects every pending request with ErrStopped, then stops the
// backend.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	c.initialized = false
	c.mu.Unlock()

	c.rejectAll(ErrStopped)
	return c.transport.Stop(ctx)
}

type inbound struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *ResponseError  `json:"error"`
}

// OnMessage implements process.Observer. Payloads are classified by shape:
// an id with result or error is a response, a method without id is a
// notification and a method with an id is a request from the backend.
func (c *Client) OnMessage(raw json.RawMessage) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Warn("Dropping undecodable backend message", "error", err)
		return
	}
	hasID := len(msg.ID) > 0 && string(msg.ID) != "null"

	switch {
	case msg.Method == "" && hasID:
		var id int64
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			c.logger.Warn("Response with non-numeric id", "id", string(msg.ID))
			return
		}
		res := result{raw: msg.Result}
		if msg.Error != nil {
			res = result{err: msg.Error}
		} else if res.raw == nil {
			res.raw = json.RawMessage("null")
		}
		if !c.settle(id, res) {
			c.logger.Debug("Response for unknown request", "id", id)
		}
	case msg.Method != "" && !hasID:
		c.dispatch(Notification{Method: msg.Method, Params: msg.Params})
	case msg.Method != "" && hasID:
		c.logger.Debug("Rejecting backend request", "method", msg.Method)
		reply := struct {
			ID    json.RawMessage `json:"id"`
			Error ResponseError   `json:"error"`
		}{ID: msg.ID, Error: ResponseError{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method}}
		c.transport.Send(reply)
	default:
		c.logger.Warn("Dropping backend message without id or method")
	}
}

func (c *Client) dispatch(n Notification) {
	c.mu.Lock()
	subs := make([]subscription, 0, len(c.subs))
	for _, s := range c.subs {
		if s.method == "" || s.method == n.Method {
			subs = append(subs, s)
		}
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(n)
	}
}

// OnLog implements process.Observer.
func (c *Client) OnLog(line string) {
	c.logger.Debug("Backend stderr", "line", line)
}

// OnError implements process.Observer.
func (c *Client) OnError(err error) {
	c.logger.Warn("Backend transport error", "error", err)
}

// OnExit implements process.Observer. Every pending request is rejected at
// once and the client becomes unusable.
func (c *Client) OnExit(code int, signal string) {
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()

	c.exitOnce.Do(func() { close(c.exited) })
	c.rejectAll(fmt.Errorf("%w (code=%d signal=%s)", ErrProcessExited, code, signal))
	c.logger.Info("Backend exited", "code", code, "signal", signal)
}
