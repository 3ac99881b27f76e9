package terminal

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/workspace/agent-bridge/internal/logging"
)

type eventLog struct {
	mu     sync.Mutex
	data   map[string]*bytes.Buffer
	exits  map[string]int
	exited chan string
}

func newEventLog() *eventLog {
	return &eventLog{
		data:   make(map[string]*bytes.Buffer),
		exits:  make(map[string]int),
		exited: make(chan string, 16),
	}
}

func (l *eventLog) handle(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch ev.Kind {
	case EventData:
		if l.data[ev.ID] == nil {
			l.data[ev.ID] = &bytes.Buffer{}
		}
		l.data[ev.ID].Write(ev.Data)
	case EventExit:
		l.exits[ev.ID] = ev.Code
		l.exited <- ev.ID
	}
}

func (l *eventLog) output(id string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b := l.data[id]; b != nil {
		return b.String()
	}
	return ""
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(Config{
		Shell:           "/bin/sh",
		Cwd:             t.TempDir(),
		ScrollbackBytes: 4096,
		Logger:          logging.Discard(),
	})
	t.Cleanup(m.CloseAll)
	return m
}

func TestSpawn_EchoAndScrollback(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	events := newEventLog()
	defer m.Subscribe(events.handle)()

	info, err := m.Spawn(SpawnOptions{Cols: 100, Rows: 30})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if info.ID != "pty-1" || info.Source != SourcePTY || info.Cols != 100 || info.Rows != 30 {
		t.Fatalf("info = %+v", info)
	}

	if !m.Write(info.ID, []byte("echo bridge-$((40+2))\n")) {
		t.Fatal("Write returned false")
	}
	waitFor(t, "echo output", func() bool { return strings.Contains(events.output(info.ID), "bridge-42") })

	sb, err := m.Scrollback(info.ID)
	if err != nil || !bytes.Contains(sb, []byte("bridge-42")) {
		t.Fatalf("Scrollback = %q, %v", sb, err)
	}
}

func TestSpawn_ExitEvent(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	events := newEventLog()
	defer m.Subscribe(events.handle)()

	info, err := m.Spawn(SpawnOptions{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	m.Write(info.ID, []byte("exit 7\n"))

	select {
	case id := <-events.exited:
		if id != info.ID {
			t.Fatalf("exit for %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no exit event")
	}
	events.mu.Lock()
	code := events.exits[info.ID]
	events.mu.Unlock()
	if code != 7 {
		t.Fatalf("exit code = %d", code)
	}
	if m.Write(info.ID, []byte("x")) || m.Count() != 0 {
		t.Fatal("exited terminal should be gone")
	}
	if _, err := m.Scrollback(info.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Scrollback after exit = %v", err)
	}
}

func TestCloseAndResize(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	events := newEventLog()
	defer m.Subscribe(events.handle)()

	a, _ := m.Spawn(SpawnOptions{})
	b, _ := m.Spawn(SpawnOptions{})
	if a.ID != "pty-1" || b.ID != "pty-2" {
		t.Fatalf("ids = %s, %s", a.ID, b.ID)
	}
	if list := m.ListActive(); len(list) != 2 || list[0].ID != "pty-1" {
		t.Fatalf("ListActive = %+v", list)
	}

	if !m.Resize(a.ID, 120, 40) {
		t.Fatal("Resize returned false")
	}
	if info, _ := m.Info(a.ID); info.Cols != 120 || info.Rows != 40 {
		t.Fatalf("after resize = %+v", info)
	}
	if m.Resize(a.ID, 0, 10) || m.Resize("pty-99", 10, 10) {
		t.Fatal("invalid resize should fail")
	}
	if m.Resize(a.ID, 65536, 40) || m.Resize(a.ID, 120, 70000) {
		t.Fatal("resize beyond 65535 should fail")
	}
	if info, _ := m.Info(a.ID); info.Cols != 120 || info.Rows != 40 {
		t.Fatalf("rejected resize changed size: %+v", info)
	}

	if !m.Close(a.ID) {
		t.Fatal("Close returned false")
	}
	waitFor(t, "exit of closed terminal", func() bool { return m.Count() == 1 })
	if m.Close("pty-99") {
		t.Fatal("Close of unknown id should be false")
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	events := newEventLog()
	unsubscribe := m.Subscribe(events.handle)
	unsubscribe()
	unsubscribe()

	info, _ := m.Spawn(SpawnOptions{})
	m.Write(info.ID, []byte("echo quiet\n"))
	time.Sleep(200 * time.Millisecond)
	if out := events.output(info.ID); out != "" {
		t.Fatalf("unsubscribed handler got %q", out)
	}
}

func TestCloseAll(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	for i := 0; i < 3; i++ {
		if _, err := m.Spawn(SpawnOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	m.CloseAll()
	waitFor(t, "all terminals gone", func() bool { return m.Count() == 0 })
}

func TestSpawn_BadShell(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	if _, err := m.Spawn(SpawnOptions{Shell: "/nonexistent/shell"}); err == nil {
		t.Fatal("expected error")
	}
}

// fakeTmux writes a script standing in for the tmux binary.
func fakeTmux(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tmux")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestListTmuxSessions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want []string
	}{
		{"sessions", `printf 'main\nwork\n\n'`, []string{"main", "work"}},
		{"no server", `echo "no server running" >&2; exit 1`, []string{}},
		{"too slow", `exec sleep 5`, []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(Config{
				TmuxPath:         fakeTmux(t, tc.body),
				TmuxQueryTimeout: 300 * time.Millisecond,
				Logger:           logging.Discard(),
			})
			got := m.ListTmuxSessions(context.Background())
			if got == nil || strings.Join(got, ",") != strings.Join(tc.want, ",") {
				t.Fatalf("ListTmuxSessions = %#v, want %#v", got, tc.want)
			}
		})
	}

	m := NewManager(Config{TmuxPath: "/nonexistent/tmux", Logger: logging.Discard()})
	if got := m.ListTmuxSessions(context.Background()); got == nil || len(got) != 0 {
		t.Fatalf("missing tmux = %#v", got)
	}
}

func TestConnectTmux(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{
		TmuxPath: fakeTmux(t, `echo "attached to $3"; sleep 5`),
		Logger:   logging.Discard(),
	})
	t.Cleanup(m.CloseAll)
	events := newEventLog()
	defer m.Subscribe(events.handle)()

	info, err := m.ConnectTmux("main", 0, 0, "conn-1")
	if err != nil {
		t.Fatalf("ConnectTmux: %v", err)
	}
	if info.ID != "tmux-1" || info.Source != SourceTmux || info.TmuxSession != "main" || info.Cols != 80 {
		t.Fatalf("info = %+v", info)
	}
	if m.Owner(info.ID) != "conn-1" {
		t.Fatalf("owner = %q", m.Owner(info.ID))
	}
	waitFor(t, "attach output", func() bool { return strings.Contains(events.output(info.ID), "attached to main") })

	if _, err := m.ConnectTmux("", 80, 24, ""); err == nil {
		t.Fatal("empty session name should fail")
	}
	missing := NewManager(Config{TmuxPath: "/nonexistent/tmux", Logger: logging.Discard()})
	if _, err := missing.ConnectTmux("main", 80, 24, ""); err == nil {
		t.Fatal("missing tmux should fail")
	}
}

func TestOwnership(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	var mu sync.Mutex
	owners := map[string]bool{}
	defer m.Subscribe(func(ev Event) {
		if ev.Kind == EventData {
			mu.Lock()
			owners[ev.Owner] = true
			mu.Unlock()
		}
	})()

	info, err := m.Spawn(SpawnOptions{Owner: "conn-a"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Owner(info.ID) != "conn-a" {
		t.Fatalf("owner = %q", m.Owner(info.ID))
	}

	if !m.Claim(info.ID, "conn-b") || m.Claim("pty-99", "conn-b") {
		t.Fatal("Claim result mismatch")
	}
	m.Release(info.ID, "conn-a")
	if m.Owner(info.ID) != "conn-b" {
		t.Fatal("stale owner must not release a reclaimed terminal")
	}
	m.Write(info.ID, []byte("echo owned\n"))
	waitFor(t, "output tagged with new owner", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return owners["conn-b"]
	})

	m.Release(info.ID, "conn-b")
	if m.Owner(info.ID) != "" || m.Count() != 1 {
		t.Fatal("Release must detach without closing")
	}
}

func TestSpawn_RejectsOversizedWindow(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	if _, err := m.Spawn(SpawnOptions{Cols: 70000, Rows: 24}); err == nil {
		t.Fatal("Spawn with 70000 columns should fail")
	}
	if m.Count() != 0 {
		t.Fatalf("Count = %d", m.Count())
	}
}

func TestSpawn_DataEventsAreWholeRunes(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	var mu sync.Mutex
	var all bytes.Buffer
	var broken [][]byte
	defer m.Subscribe(func(ev Event) {
		if ev.Kind != EventData {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		all.Write(ev.Data)
		if !utf8.Valid(ev.Data) {
			broken = append(broken, ev.Data)
		}
	})()

	info, err := m.Spawn(SpawnOptions{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	// The pause splits the two bytes of é across reads.
	m.Write(info.ID, []byte("printf 'caf\\303'; sleep 0.3; printf '\\251-done\\n'\n"))
	waitFor(t, "split rune output", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(all.String(), "caf\u00e9-done")
	})

	mu.Lock()
	defer mu.Unlock()
	if len(broken) > 0 {
		t.Fatalf("data events split a rune: %q", broken)
	}
}

func TestRuneBoundary(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"ascii", "abc", 3},
		{"complete two-byte", "caf\u00e9", 5},
		{"split two-byte", "caf\xc3", 3},
		{"split three-byte", "a\xe2\x82", 1},
		{"split four-byte", "\xf0\x9f\x98", 0},
		{"complete four-byte", "\U0001F600", 4},
		{"invalid byte", "a\xff", 2},
		{"lone continuation", "a\x80", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := runeBoundary([]byte(tt.in)); got != tt.want {
				t.Fatalf("runeBoundary(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
