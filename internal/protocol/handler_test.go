package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/workspace/agent-bridge/internal/logging"
	"github.com/workspace/agent-bridge/internal/provider"
	"github.com/workspace/agent-bridge/internal/terminal"
)

// capture is a Sender that keeps every outbound message decoded as a map.
type capture struct {
	mu   sync.Mutex
	msgs []map[string]any
}

func (c *capture) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return nil
}

func (c *capture) snapshot() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.msgs...)
}

// response returns the response to request id, waiting briefly for it.
func (c *capture) response(t *testing.T, id int) map[string]any {
	t.Helper()
	var found map[string]any
	waitFor(t, "response", func() bool {
		for _, m := range c.snapshot() {
			if rid, ok := m["id"].(float64); ok && int(rid) == id {
				found = m
				return true
			}
		}
		return false
	})
	return found
}

// updates returns the sessionUpdate kinds streamed for sessionID.
func (c *capture) updates(sessionID string) []string {
	var out []string
	for _, m := range c.snapshot() {
		if m["method"] != "session/update" {
			continue
		}
		params := m["params"].(map[string]any)
		if params["sessionId"] != sessionID {
			continue
		}
		out = append(out, params["update"].(map[string]any)["sessionUpdate"].(string))
	}
	return out
}

func (c *capture) notifications(method string) []map[string]any {
	var out []map[string]any
	for _, m := range c.snapshot() {
		if m["method"] == method {
			out = append(out, m["params"].(map[string]any))
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type fakeAdapter struct {
	id      string
	kind    provider.Kind
	models  []provider.Model
	initErr error
	ids     *provider.SessionIDs
	// release, when set, holds every prompt open until closed.
	release chan struct{}
	// createGate, when set, holds CreateSession until closed.
	createGate chan struct{}

	mu       sync.Mutex
	info     provider.Info
	sessions map[string]provider.Session
	prompts  []string
	cancels  int
}

func newFakeAdapter(id string, kind provider.Kind, models ...string) *fakeAdapter {
	f := &fakeAdapter{id: id, kind: kind, ids: provider.NewSessionIDs(id), sessions: map[string]provider.Session{}}
	for _, m := range models {
		f.models = append(f.models, provider.Model{ID: m, Name: m})
	}
	return f
}

func (f *fakeAdapter) ID() string                     { return f.id }
func (f *fakeAdapter) Kind() provider.Kind            { return f.kind }
func (f *fakeAdapter) Shutdown(context.Context) error { return nil }

func (f *fakeAdapter) Initialize(context.Context) (provider.Info, error) {
	if f.initErr != nil {
		return provider.Info{}, f.initErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info = provider.Info{ID: f.id, Name: f.id, Kind: f.kind, Models: f.models}
	return f.info, nil
}

func (f *fakeAdapter) Info() provider.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

func (f *fakeAdapter) ListModels(context.Context) ([]provider.Model, error) { return f.models, nil }

func (f *fakeAdapter) CreateSession(_ context.Context, opts provider.SessionOptions) (provider.Session, error) {
	if opts.Cwd == "/fail" {
		return provider.Session{}, errors.New("thread/start failed")
	}
	f.mu.Lock()
	gate := f.createGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s := provider.Session{ID: f.ids.Next(), ProviderID: f.id, Model: opts.Model, Cwd: opts.Cwd, CreatedAt: time.Now()}
	f.mu.Lock()
	f.sessions[s.ID] = s
	f.mu.Unlock()
	return s, nil
}

func (f *fakeAdapter) Sessions() []provider.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]provider.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

func (f *fakeAdapter) Prompt(_ context.Context, sessionID, text string, obs provider.StreamObserver) error {
	f.mu.Lock()
	f.prompts = append(f.prompts, text)
	f.mu.Unlock()

	obs.OnMessageStart()
	obs.OnMessageChunk("echo:" + text)
	obs.OnAgentEvent(provider.NewEvent(provider.EventToolCall, "read_file", nil, ""))
	if f.release != nil {
		<-f.release
		obs.OnMessageChunk("late")
	}
	if text == "fail" {
		obs.OnError(errors.New("backend exploded"))
	}
	obs.OnMessageEnd()
	return nil
}

func (f *fakeAdapter) Cancel(context.Context, string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return f.release != nil
}

func (f *fakeAdapter) DestroySession(_ context.Context, sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return false
	}
	delete(f.sessions, sessionID)
	return true
}

// binderAdapter adds the interactive tool capability.
type binderAdapter struct {
	*fakeAdapter
	bound    map[string]provider.ToolClient
	answers  map[string]string
	pending  map[string]bool
	unbounds []string
}

func newBinderAdapter(id string, models ...string) *binderAdapter {
	return &binderAdapter{
		fakeAdapter: newFakeAdapter(id, provider.KindSDK, models...),
		bound:       map[string]provider.ToolClient{},
		answers:     map[string]string{},
		pending:     map[string]bool{},
	}
}

func (b *binderAdapter) BindConnection(connID string, client provider.ToolClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bound[connID] = client
}

func (b *binderAdapter) UnbindConnection(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bound, connID)
	b.unbounds = append(b.unbounds, connID)
}

func (b *binderAdapter) ResolveAskUser(connID, answer string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.pending[connID] {
		return false
	}
	b.pending[connID] = false
	b.answers[connID] = answer
	return true
}

type fixture struct {
	h      *Handler
	out    *capture
	reg    *provider.Registry
	sdk    *binderAdapter
	codex  *fakeAdapter
	nextID int
}

func newFixture(t *testing.T, terms *terminal.Manager) *fixture {
	t.Helper()
	sdk := newBinderAdapter("copilot", "gpt-4.1", "claude-sonnet-4")
	codex := newFakeAdapter("codex", provider.KindAppServer, "gpt-5-codex", "o3-mini")
	broken := newFakeAdapter("acp", provider.KindACP)
	broken.initErr = errors.New("binary not found")

	reg := provider.NewRegistry(logging.Discard())
	for _, a := range []provider.Adapter{sdk, codex, broken} {
		if err := reg.Register(a); err != nil {
			t.Fatal(err)
		}
	}
	reg.InitializeAll(context.Background())

	out := &capture{}
	h := NewHandler(out, Options{
		Registry:     reg,
		Terminals:    terms,
		AgentName:    "agent-bridge",
		AgentVersion: "test",
		DefaultCwd:   "/work",
		Logger:       logging.Discard(),
	})
	t.Cleanup(func() {
		h.Close()
		h.Wait()
	})
	return &fixture{h: h, out: out, reg: reg, sdk: sdk, codex: codex}
}

// call sends a request and returns its response.
func (f *fixture) call(t *testing.T, method string, params any) map[string]any {
	t.Helper()
	f.nextID++
	frame := map[string]any{"jsonrpc": "2.0", "id": f.nextID, "method": method}
	if params != nil {
		frame["params"] = params
	}
	line, _ := json.Marshal(frame)
	f.h.HandleLine(context.Background(), line)
	return f.out.response(t, f.nextID)
}

func result(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	if resp["error"] != nil {
		t.Fatalf("unexpected error response: %v", resp["error"])
	}
	return resp["result"].(map[string]any)
}

func errorCode(t *testing.T, resp map[string]any) int {
	t.Helper()
	e, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error response, got %v", resp)
	}
	return int(e["code"].(float64))
}

func TestInitialize_AggregatesReadyProviders(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	res := result(t, f.call(t, "initialize", map[string]any{"protocolVersion": 1}))

	if res["protocolVersion"].(float64) != ProtocolVersion {
		t.Fatalf("protocolVersion = %v", res["protocolVersion"])
	}
	if res["agentInfo"].(map[string]any)["name"] != "agent-bridge" {
		t.Fatalf("agentInfo = %v", res["agentInfo"])
	}
	var tagged []string
	for _, m := range res["models"].([]any) {
		mm := m.(map[string]any)
		tagged = append(tagged, mm["provider"].(string)+"/"+mm["id"].(string))
	}
	want := "copilot/gpt-4.1,copilot/claude-sonnet-4,codex/gpt-5-codex,codex/o3-mini"
	if got := strings.Join(tagged, ","); got != want {
		t.Fatalf("models = %s", got)
	}
	if providers := res["providers"].([]any); len(providers) != 2 {
		t.Fatalf("providers = %v", providers)
	}
	if caps := res["capabilities"].(map[string]any); caps["terminals"] != false {
		t.Fatalf("capabilities = %v", caps)
	}

	models := result(t, f.call(t, "models/list", nil))["models"].([]any)
	if len(models) != 4 {
		t.Fatalf("models/list = %v", models)
	}
}

func TestSessionNew_Routing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		params   map[string]any
		provider string
		code     int
	}{
		{"sdk model heuristic", map[string]any{"model": "gpt-4.1"}, "copilot", 0},
		{"claude model", map[string]any{"model": "claude-sonnet-4"}, "copilot", 0},
		{"reasoning model", map[string]any{"model": "o3-mini"}, "codex", 0},
		{"codex model", map[string]any{"model": "gpt-5-codex"}, "codex", 0},
		{"explicit provider wins", map[string]any{"provider": "codex", "model": "gpt-4.1"}, "codex", 0},
		{"unknown model falls back to first", map[string]any{"model": "llama-3"}, "copilot", 0},
		{"no params", nil, "copilot", 0},
		{"unknown provider", map[string]any{"provider": "nope"}, "", CodeInvalidParams},
		{"provider failed to initialize", map[string]any{"provider": "acp"}, "", CodeInvalidParams},
		{"backend failure", map[string]any{"provider": "codex", "cwd": "/fail"}, "", CodeGeneric},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil)
			resp := f.call(t, "session/new", tc.params)
			if tc.code != 0 {
				if code := errorCode(t, resp); code != tc.code {
					t.Fatalf("code = %d, want %d (%v)", code, tc.code, resp["error"])
				}
				return
			}
			res := result(t, resp)
			if res["provider"] != tc.provider || !strings.HasPrefix(res["sessionId"].(string), tc.provider+"-") {
				t.Fatalf("session = %v", res)
			}
			if f.h.ActiveSession() != res["sessionId"] {
				t.Fatal("new session should become active")
			}
		})
	}
}

func TestSessionNew_DefaultCwdAndBinding(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	res := result(t, f.call(t, "session/new", map[string]any{"model": "gpt-4.1"}))
	if res["cwd"] != "/work" {
		t.Fatalf("cwd = %v", res["cwd"])
	}
	f.sdk.mu.Lock()
	bound := f.sdk.bound[f.h.ID()]
	f.sdk.mu.Unlock()
	if bound != f.h {
		t.Fatal("binder adapter should be bound to the connection")
	}

	if err := bound.Notify("tool/ask_user", map[string]any{"question": "ok?"}); err != nil {
		t.Fatal(err)
	}
	if n := f.out.notifications("tool/ask_user"); len(n) != 1 || n[0]["question"] != "ok?" {
		t.Fatalf("ask_user notifications = %v", n)
	}
}

func TestPrompt_StreamsUpdates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	sid := result(t, f.call(t, "session/new", map[string]any{"model": "gpt-4.1"}))["sessionId"].(string)

	ack := result(t, f.call(t, "session/prompt", map[string]any{"prompt": "hello"}))
	if ack["status"] != "streaming" || ack["sessionId"] != sid {
		t.Fatalf("ack = %v", ack)
	}
	f.h.Wait()

	want := "agent_message_start,agent_message_chunk,agent_event,agent_message_end"
	if got := strings.Join(f.out.updates(sid), ","); got != want {
		t.Fatalf("updates = %s", got)
	}
	for _, m := range f.out.notifications("session/update") {
		update := m["update"].(map[string]any)
		switch update["sessionUpdate"] {
		case UpdateMessageChunk:
			if c := update["content"].(map[string]any); c["type"] != "text" || c["text"] != "echo:hello" {
				t.Fatalf("chunk content = %v", c)
			}
		case UpdateAgentEvent:
			if c := update["content"].(map[string]any); c["kind"] != "tool_call" || c["name"] != "read_file" {
				t.Fatalf("event content = %v", c)
			}
		}
	}
}

func TestPrompt_Forms(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	sid := result(t, f.call(t, "session/new", map[string]any{"model": "o3-mini"}))["sessionId"].(string)

	result(t, f.call(t, "session/prompt", map[string]any{
		"sessionId": sid,
		"prompt":    []map[string]any{{"type": "text", "text": "a"}, {"type": "image", "text": "x"}, {"type": "text", "text": "b"}},
	}))
	f.h.Wait()
	result(t, f.call(t, "session/prompt", map[string]any{"sessionId": sid, "message": "legacy"}))
	f.h.Wait()
	result(t, f.call(t, "session/prompt", map[string]any{"prompt": "fail"}))
	f.h.Wait()

	f.codex.mu.Lock()
	prompts := strings.Join(f.codex.prompts, "|")
	f.codex.mu.Unlock()
	if prompts != "a\nb|legacy|fail" {
		t.Fatalf("prompts = %q", prompts)
	}
	updates := strings.Join(f.out.updates(sid), ",")
	if !strings.HasSuffix(updates, "agent_event,error,agent_message_end") {
		t.Fatalf("updates = %s", updates)
	}

	for _, params := range []map[string]any{
		{"sessionId": sid, "prompt": "  "},
		{"sessionId": sid, "prompt": 42},
		{"sessionId": "codex-99-1", "prompt": "hi"},
	} {
		if code := errorCode(t, f.call(t, "session/prompt", params)); code != CodeInvalidParams {
			t.Fatalf("params %v: code %d", params, code)
		}
	}
}

func TestPrompt_NoActiveSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	resp := f.call(t, "session/prompt", map[string]any{"prompt": "hi"})
	if code := errorCode(t, resp); code != CodeInvalidParams {
		t.Fatalf("code = %d", code)
	}
}

func TestSessionListCancelDestroy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	s1 := result(t, f.call(t, "session/new", map[string]any{"model": "gpt-4.1"}))["sessionId"].(string)
	s2 := result(t, f.call(t, "session/new", map[string]any{"model": "o3-mini"}))["sessionId"].(string)

	list := result(t, f.call(t, "session/list", nil))
	if len(list["sessions"].([]any)) != 2 || list["activeSessionId"] != s2 {
		t.Fatalf("session/list = %v", list)
	}

	if res := result(t, f.call(t, "session/cancel", map[string]any{"sessionId": s1})); res["cancelled"] != false {
		t.Fatalf("cancel = %v", res)
	}

	if res := result(t, f.call(t, "session/destroy", map[string]any{"sessionId": s1})); res["destroyed"] != true {
		t.Fatalf("destroy = %v", res)
	}
	if code := errorCode(t, f.call(t, "session/destroy", map[string]any{"sessionId": s1})); code != CodeInvalidParams {
		t.Fatalf("second destroy code = %d", code)
	}
	if _, ok := f.reg.ResolveSession(s2); !ok {
		t.Fatal("destroying s1 must leave s2 routable")
	}

	// Destroying the active session without an id clears the default.
	if res := result(t, f.call(t, "session/destroy", nil)); res["destroyed"] != true {
		t.Fatalf("destroy active = %v", res)
	}
	if f.h.ActiveSession() != "" {
		t.Fatal("active session should be cleared")
	}
	if res := result(t, f.call(t, "session/set_mode", map[string]any{"mode": "code"})); res["success"] != true {
		t.Fatalf("set_mode = %v", res)
	}
}

func TestDispatchErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	if code := errorCode(t, f.call(t, "bogus/method", nil)); code != CodeMethodNotFound {
		t.Fatalf("code = %d", code)
	}
	if code := errorCode(t, f.call(t, "session/new", "not an object")); code != CodeInvalidParams {
		t.Fatalf("code = %d", code)
	}

	before := len(f.out.snapshot())
	f.h.HandleLine(context.Background(), []byte("{not json"))
	f.h.HandleLine(context.Background(), []byte(`{"id":5}`))
	f.h.HandleLine(context.Background(), []byte("   "))
	f.h.HandleLine(context.Background(), []byte(`{"method":"bogus/notification"}`))
	f.h.HandleLine(context.Background(), []byte(`{"method":"ping","id":null}`))
	if after := len(f.out.snapshot()); after != before {
		t.Fatalf("frames without a usable id must not be answered, got %d new messages", after-before)
	}

	if res := result(t, f.call(t, "ping", nil)); res["pong"] != true {
		t.Fatalf("ping = %v", res)
	}
}

func TestAskUserResponseAndClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	result(t, f.call(t, "session/new", map[string]any{"model": "gpt-4.1"}))

	if res := result(t, f.call(t, "tool/ask_user_response", map[string]any{"answer": "yes"})); res["resolved"] != false {
		t.Fatalf("nothing pending: %v", res)
	}
	f.sdk.mu.Lock()
	f.sdk.pending[f.h.ID()] = true
	f.sdk.mu.Unlock()
	if res := result(t, f.call(t, "tool/ask_user_response", map[string]any{"answer": "yes"})); res["resolved"] != true {
		t.Fatalf("pending: %v", res)
	}
	f.sdk.mu.Lock()
	answer := f.sdk.answers[f.h.ID()]
	f.sdk.mu.Unlock()
	if answer != "yes" {
		t.Fatalf("answer = %q", answer)
	}

	f.h.Close()
	f.h.Close()
	f.sdk.mu.Lock()
	unbounds := f.sdk.unbounds
	_, stillBound := f.sdk.bound[f.h.ID()]
	f.sdk.mu.Unlock()
	if len(unbounds) != 1 || stillBound {
		t.Fatalf("unbounds = %v, stillBound = %v", unbounds, stillBound)
	}
	if f.h.ActiveSession() != "" {
		t.Fatal("Close should clear the active session")
	}
	if err := f.h.Notify("tool/ask_user", nil); err == nil {
		t.Fatal("Notify after Close should fail")
	}
}

func TestClose_DropsLateStreamEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.codex.release = make(chan struct{})
	sid := result(t, f.call(t, "session/new", map[string]any{"model": "o3-mini"}))["sessionId"].(string)
	result(t, f.call(t, "session/prompt", map[string]any{"prompt": "hi"}))
	waitFor(t, "stream to start", func() bool { return len(f.out.updates(sid)) == 3 })

	if res := result(t, f.call(t, "session/cancel", nil)); res["cancelled"] != true {
		t.Fatalf("cancel = %v", res)
	}

	f.h.Close()
	close(f.codex.release)
	f.h.Wait()
	if got := strings.Join(f.out.updates(sid), ","); got != "agent_message_start,agent_message_chunk,agent_event" {
		t.Fatalf("updates after close = %s", got)
	}
}

func TestTerminals(t *testing.T) {
	t.Parallel()

	terms := terminal.NewManager(terminal.Config{Shell: "/bin/sh", Cwd: t.TempDir(), Logger: logging.Discard()})
	t.Cleanup(terms.CloseAll)
	f := newFixture(t, terms)

	info := result(t, f.call(t, "terminal/spawn", map[string]any{"cols": 100, "rows": 30}))
	id := info["id"].(string)
	if id != "pty-1" || info["source"] != "pty" || info["cols"].(float64) != 100 {
		t.Fatalf("spawn = %v", info)
	}

	if res := result(t, f.call(t, "terminal/input", map[string]any{"id": id, "data": "echo term-$((1+1))\n"})); res["success"] != true {
		t.Fatalf("input = %v", res)
	}
	output := func(out *capture) string {
		var sb strings.Builder
		for _, n := range out.notifications("terminal/data") {
			if n["id"] == id {
				sb.WriteString(n["data"].(string))
			}
		}
		return sb.String()
	}
	waitFor(t, "terminal output", func() bool { return strings.Contains(output(f.out), "term-2") })

	if res := result(t, f.call(t, "terminal/resize", map[string]any{"id": id, "cols": 90, "rows": 20})); res["success"] != true {
		t.Fatalf("resize = %v", res)
	}
	list := result(t, f.call(t, "terminal/list", nil))
	if terminals := list["terminals"].([]any); len(terminals) != 1 {
		t.Fatalf("list = %v", list)
	}
	if _, ok := list["tmuxSessions"].([]any); !ok {
		t.Fatalf("tmuxSessions must be an array: %v", list)
	}

	// A second connection takes the terminal over; the first stops receiving.
	other := &capture{}
	h2 := NewHandler(other, Options{Registry: f.reg, Terminals: terms, Logger: logging.Discard()})
	defer h2.Close()
	line, _ := json.Marshal(map[string]any{"id": 1, "method": "terminal/attach", "params": map[string]any{"id": id}})
	h2.HandleLine(context.Background(), line)
	attach := result(t, other.response(t, 1))
	if attach["success"] != true || !strings.Contains(attach["scrollback"].(string), "term-2") {
		t.Fatalf("attach = %v", attach)
	}

	before := output(f.out)
	line, _ = json.Marshal(map[string]any{"id": 2, "method": "terminal/input", "params": map[string]any{"id": id, "data": "echo moved-$((2+2))\n"}})
	h2.HandleLine(context.Background(), line)
	waitFor(t, "output on new owner", func() bool { return strings.Contains(output(other), "moved-4") })
	if output(f.out) != before {
		t.Fatal("previous owner must not receive output after attach")
	}

	line, _ = json.Marshal(map[string]any{"id": 3, "method": "terminal/close", "params": map[string]any{"id": id}})
	h2.HandleLine(context.Background(), line)
	if res := result(t, other.response(t, 3)); res["success"] != true {
		t.Fatalf("close = %v", res)
	}
	waitFor(t, "terminal/exit", func() bool { return len(other.notifications("terminal/exit")) == 1 })
	if len(f.out.notifications("terminal/exit")) != 0 {
		t.Fatal("exit must only reach the owner")
	}
	if res := result(t, f.call(t, "terminal/input", map[string]any{"id": id, "data": "x"})); res["success"] != false {
		t.Fatalf("input after close = %v", res)
	}

	if code := errorCode(t, f.call(t, "terminal/connect_tmux", map[string]any{})); code != CodeInvalidParams {
		t.Fatalf("connect_tmux without session: %d", code)
	}
	if res := result(t, f.call(t, "terminal/attach", map[string]any{"id": "pty-99"})); res["success"] != false {
		t.Fatalf("attach unknown = %v", res)
	}
}

func TestTerminals_Unavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	if code := errorCode(t, f.call(t, "terminal/spawn", nil)); code != CodeGeneric {
		t.Fatalf("code = %d", code)
	}
}

func TestClose_ReleasesTerminalsWithoutKilling(t *testing.T) {
	t.Parallel()

	terms := terminal.NewManager(terminal.Config{Shell: "/bin/sh", Logger: logging.Discard()})
	t.Cleanup(terms.CloseAll)
	f := newFixture(t, terms)

	id := result(t, f.call(t, "terminal/spawn", nil))["id"].(string)
	f.h.Close()
	if terms.Count() != 1 || terms.Owner(id) != "" {
		t.Fatalf("count = %d owner = %q", terms.Count(), terms.Owner(id))
	}
}

func TestPrompt_AckPrecedesUpdates(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		f := newFixture(t, nil)
		sid := result(t, f.call(t, "session/new", map[string]any{"provider": "copilot"}))["sessionId"].(string)
		mark := len(f.out.snapshot())

		f.call(t, "session/prompt", map[string]any{"sessionId": sid, "prompt": "hi"})
		waitFor(t, "turn end", func() bool {
			u := f.out.updates(sid)
			return len(u) > 0 && u[len(u)-1] == UpdateMessageEnd
		})

		first := f.out.snapshot()[mark]
		if id, ok := first["id"].(float64); !ok || int(id) != f.nextID {
			t.Fatalf("round %d: first frame after prompt = %v, want the ack", i, first)
		}
	}
}

func TestSlowSessionNewDoesNotDelayCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	sid := result(t, f.call(t, "session/new", map[string]any{"provider": "codex"}))["sessionId"].(string)

	gate := make(chan struct{})
	f.codex.mu.Lock()
	f.codex.createGate = gate
	f.codex.mu.Unlock()

	f.nextID++
	blocked := f.nextID
	line, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": blocked, "method": "session/new",
		"params": map[string]any{"provider": "codex"}})
	f.h.HandleLine(context.Background(), line)

	res := result(t, f.call(t, "session/cancel", map[string]any{"sessionId": sid}))
	if _, ok := res["cancelled"]; !ok {
		t.Fatalf("cancel result = %v", res)
	}
	for _, m := range f.out.snapshot() {
		if id, ok := m["id"].(float64); ok && int(id) == blocked {
			t.Fatal("session/new answered before its backend returned")
		}
	}

	close(gate)
	if s := result(t, f.out.response(t, blocked)); s["provider"] != "codex" {
		t.Fatalf("session/new = %v", s)
	}
}
