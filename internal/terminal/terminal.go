package terminal

import (
	"errors"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
)

// maxDimension is the largest column or row count a PTY accepts.
const maxDimension = math.MaxUint16

// Source tells where a terminal came from.
type Source string

const (
	SourcePTY  Source = "pty"
	SourceTmux Source = "tmux"
)

// Info describes a live terminal.
type Info struct {
	ID          string    `json:"id"`
	Source      Source    `json:"source"`
	Shell       string    `json:"shell,omitempty"`
	Cwd         string    `json:"cwd,omitempty"`
	TmuxSession string    `json:"tmuxSession,omitempty"`
	Cols        int       `json:"cols"`
	Rows        int       `json:"rows"`
	CreatedAt   time.Time `json:"createdAt"`
}

// sourceOf derives the source from the id prefix.
func sourceOf(id string) Source {
	if strings.HasPrefix(id, string(SourceTmux)+"-") {
		return SourceTmux
	}
	return SourcePTY
}

// terminal is one process attached to a PTY.
type terminal struct {
	id          string
	shell       string
	cwd         string
	tmuxSession string
	createdAt   time.Time

	cmd        *exec.Cmd
	ptmx       *os.File
	scrollback *Scrollback

	mu    sync.Mutex
	cols  int
	rows  int
	owner string

	done      chan struct{}
	closeOnce sync.Once
}

type startConfig struct {
	id          string
	path        string
	args        []string
	cwd         string
	tmuxSession string
	owner       string
	cols, rows  int
	scrollback  int
}

func startTerminal(cfg startConfig) (*terminal, error) {
	cmd := exec.Command(cfg.path, cfg.args...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	if cfg.cwd != "" {
		cmd.Dir = cfg.cwd
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(cfg.rows),
		Cols: uint16(cfg.cols),
	})
	if err != nil {
		return nil, err
	}

	return &terminal{
		id:          cfg.id,
		shell:       cfg.path,
		cwd:         cfg.cwd,
		tmuxSession: cfg.tmuxSession,
		createdAt:   time.Now(),
		cmd:         cmd,
		ptmx:        ptmx,
		scrollback:  NewScrollback(cfg.scrollback),
		cols:        cfg.cols,
		rows:        cfg.rows,
		owner:       cfg.owner,
		done:        make(chan struct{}),
	}, nil
}

// run pumps PTY output to onData until the PTY closes, then reaps the
// process and reports its exit code. It blocks; call it in a goroutine.
func (t *terminal) run(onData func([]byte), onExit func(code int)) {
	buf := make([]byte, 32*1024)
	var partial []byte
	emit := func(data []byte) {
		_, _ = t.scrollback.Write(data)
		onData(data)
	}
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			data := append(partial, buf[:n]...)
			cut := runeBoundary(data)
			partial = append([]byte(nil), data[cut:]...)
			if cut > 0 {
				emit(data[:cut])
			}
		}
		if err != nil {
			break
		}
	}
	if len(partial) > 0 {
		emit(partial)
	}

	code := 0
	if err := t.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	_ = t.ptmx.Close()
	close(t.done)
	onExit(code)
}

// runeBoundary returns the length of the longest prefix of b that does not
// end inside a multi-byte UTF-8 sequence. Invalid bytes count as complete.
func runeBoundary(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

// validSize reports whether a window size fits the PTY's 16-bit fields.
func validSize(cols, rows int) bool {
	return cols > 0 && rows > 0 && cols <= maxDimension && rows <= maxDimension
}

func (t *terminal) write(p []byte) error {
	_, err := t.ptmx.Write(p)
	return err
}

func (t *terminal) resize(cols, rows int) error {
	t.mu.Lock()
	t.cols = cols
	t.rows = rows
	t.mu.Unlock()

	return pty.Setsize(t.ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

// close kills the process. The run loop observes the closed PTY and
// reports the exit.
func (t *terminal) close() {
	t.closeOnce.Do(func() {
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		_ = t.ptmx.Close()
	})
}

func (t *terminal) ownerID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner
}

func (t *terminal) setOwner(owner string) {
	t.mu.Lock()
	t.owner = owner
	t.mu.Unlock()
}

func (t *terminal) info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		ID:          t.id,
		Source:      sourceOf(t.id),
		Shell:       t.shell,
		Cwd:         t.cwd,
		TmuxSession: t.tmuxSession,
		Cols:        t.cols,
		Rows:        t.rows,
		CreatedAt:   t.createdAt,
	}
}
