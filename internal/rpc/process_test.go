package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/workspace/agent-bridge/internal/process"
)

const helperEnv = "RPC_TEST_BACKEND"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		runBackend()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runBackend answers initialize and echo, and never answers hang.
func runBackend() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var msg struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if json.Unmarshal(scanner.Bytes(), &msg) != nil || msg.ID == nil {
			continue
		}
		switch msg.Method {
		case "initialize":
			fmt.Printf(`{"id":%d,"result":{"userAgent":"fake"}}`+"\n", *msg.ID)
		case "echo":
			fmt.Printf(`{"id":%d,"result":%s}`+"\n", *msg.ID, msg.Params)
		}
	}
}

func startProcessClient(t *testing.T) (*Client, *process.Manager) {
	t.Helper()
	mgr := process.NewManager(process.Command{
		Name: "rpc-test-backend",
		Path: os.Args[0],
		Args: []string{"-test.run=^$"},
		Env:  []string{helperEnv + "=1"},
	}, time.Second)
	c := New(mgr, Options{ClientName: "test", RequestTimeout: 5 * time.Second})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c, mgr
}

func TestClient_OverRealProcess(t *testing.T) {
	t.Parallel()

	c, _ := startProcessClient(t)
	raw, err := c.Request(context.Background(), "echo", map[string]int{"n": 7})
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if string(raw) != `{"n":7}` {
		t.Fatalf("echo result = %s", raw)
	}
}

func TestClient_KilledBackendRejectsOutstanding(t *testing.T) {
	t.Parallel()

	c, mgr := startProcessClient(t)

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := c.Request(context.Background(), "hang", nil)
			results <- err
		}()
	}
	deadline := time.Now().Add(3 * time.Second)
	for c.PendingCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d requests pending", c.PendingCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := syscall.Kill(mgr.Pid(), syscall.SIGKILL); err != nil {
		t.Fatalf("kill: %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			if !errors.Is(err, ErrProcessExited) {
				t.Fatalf("err = %v, want ErrProcessExited", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("outstanding request not rejected after kill")
		}
	}
	if c.Initialized() {
		t.Fatal("client should be uninitialized after backend death")
	}
}
