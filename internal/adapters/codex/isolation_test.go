package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/workspace/agent-bridge/internal/logging"
	"github.com/workspace/agent-bridge/internal/protocol"
	"github.com/workspace/agent-bridge/internal/provider"
)

// frames is a protocol.Sender that keeps every outbound frame in order.
type frames struct {
	mu  sync.Mutex
	out []map[string]any
}

func (f *frames) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.out = append(f.out, m)
	f.mu.Unlock()
	return nil
}

func (f *frames) response(t *testing.T, id int) map[string]any {
	t.Helper()
	var found map[string]any
	waitUntil(t, fmt.Sprintf("response %d", id), func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, m := range f.out {
			if rid, ok := m["id"].(float64); ok && int(rid) == id {
				found = m
				return true
			}
		}
		return false
	})
	if found["error"] != nil {
		t.Fatalf("response %d: %v", id, found["error"])
	}
	return found["result"].(map[string]any)
}

// updates returns the update kinds streamed for sessionID.
func (f *frames) updates(sessionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []string
	for _, m := range f.out {
		if m["method"] != "session/update" {
			continue
		}
		params := m["params"].(map[string]any)
		if params["sessionId"] == sessionID {
			kinds = append(kinds, params["update"].(map[string]any)["sessionUpdate"].(string))
		}
	}
	return kinds
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ticker streams a chunk every few milliseconds until release is closed.
type ticker struct {
	ids     *provider.SessionIDs
	release chan struct{}
}

func (k *ticker) ID() string                                           { return "ticker" }
func (k *ticker) Kind() provider.Kind                                  { return provider.KindSDK }
func (k *ticker) Info() provider.Info                                  { return provider.Info{ID: "ticker", Kind: provider.KindSDK} }
func (k *ticker) ListModels(context.Context) ([]provider.Model, error) { return nil, nil }
func (k *ticker) Sessions() []provider.Session                         { return nil }
func (k *ticker) Cancel(context.Context, string) bool                  { return false }
func (k *ticker) DestroySession(context.Context, string) bool          { return true }
func (k *ticker) Shutdown(context.Context) error                       { return nil }

func (k *ticker) Initialize(context.Context) (provider.Info, error) { return k.Info(), nil }

func (k *ticker) CreateSession(_ context.Context, opts provider.SessionOptions) (provider.Session, error) {
	return provider.Session{ID: k.ids.Next(), ProviderID: "ticker", Cwd: opts.Cwd, CreatedAt: time.Now()}, nil
}

func (k *ticker) Prompt(_ context.Context, _, _ string, obs provider.StreamObserver) error {
	obs.OnMessageStart()
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-k.release:
			obs.OnMessageEnd()
			return nil
		case <-t.C:
			obs.OnMessageChunk("tick")
		}
	}
}

func count(kinds []string, kind string) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func TestAdapter_CrashLeavesOtherSessionsStreaming(t *testing.T) {
	t.Parallel()

	backend := newTestAdapter(t, nil)
	other := &ticker{ids: provider.NewSessionIDs("ticker"), release: make(chan struct{})}

	reg := provider.NewRegistry(logging.Discard())
	for _, a := range []provider.Adapter{other, backend} {
		if err := reg.Register(a); err != nil {
			t.Fatal(err)
		}
	}
	if errs := reg.InitializeAll(context.Background()); len(errs) != 0 {
		t.Fatalf("InitializeAll: %v", errs)
	}

	out := &frames{}
	h := protocol.NewHandler(out, protocol.Options{Registry: reg, DefaultCwd: t.TempDir(), Logger: logging.Discard()})
	t.Cleanup(func() {
		h.Close()
		h.Wait()
	})

	next := 0
	call := func(method string, params map[string]any) map[string]any {
		next++
		line, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": next, "method": method, "params": params})
		h.HandleLine(context.Background(), line)
		return out.response(t, next)
	}

	streaming := call("session/new", map[string]any{"provider": "ticker"})["sessionId"].(string)
	call("session/prompt", map[string]any{"sessionId": streaming, "prompt": "go"})

	doomed := call("session/new", map[string]any{"provider": "codex"})["sessionId"].(string)
	call("session/prompt", map[string]any{"sessionId": doomed, "prompt": "crash"})

	waitUntil(t, "crashed turn to end", func() bool {
		return count(out.updates(doomed), protocol.UpdateMessageEnd) == 1
	})
	if count(out.updates(doomed), protocol.UpdateError) != 1 {
		t.Fatalf("crashed session updates = %v", out.updates(doomed))
	}

	before := count(out.updates(streaming), protocol.UpdateMessageChunk)
	waitUntil(t, "other session to keep streaming", func() bool {
		return count(out.updates(streaming), protocol.UpdateMessageChunk) > before+3
	})
	if res := call("ping", nil); res["pong"] != true {
		t.Fatalf("ping after crash = %v", res)
	}

	close(other.release)
	waitUntil(t, "other session to end", func() bool {
		return count(out.updates(streaming), protocol.UpdateMessageEnd) == 1
	})
	if kinds := out.updates(streaming); count(kinds, protocol.UpdateError) != 0 {
		t.Fatalf("streaming session saw an error: %v", kinds)
	}
}
