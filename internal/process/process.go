// Package process runs agent backends as child processes and frames their
// stdio as newline-delimited JSON.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 5 * time.Second

// Command describes the binary to spawn.
type Command struct {
	// Name labels the process in logs. Defaults to Path.
	Name string
	Path string
	Args []string
	// Env entries (KEY=value) appended to the bridge's own environment.
	Env []string
	Dir string
}

// Process is a spawned child with its stdio pipes attached.
type Process struct {
	name      string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *os.File
	stderr    *os.File
	startTime time.Time
	grace     time.Duration

	done       chan struct{}
	exitCode   int
	exitSignal string

	stopOnce sync.Once
	stopErr  error
}

// Start spawns the command. stdout and stderr are plain OS pipes owned by the
// Process so reads see EOF when the child exits and Wait never races readers.
func Start(c Command, grace time.Duration) (*Process, error) {
	if c.Path == "" {
		return nil, errors.New("process: empty command path")
	}
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	name := c.Name
	if name == "" {
		name = c.Path
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	p := &Process{
		name:      name,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdoutR,
		stderr:    stderrR,
		startTime: time.Now(),
		grace:     grace,
		done:      make(chan struct{}),
	}
	go p.wait()

	slog.Info("Backend process started", "name", name, "pid", cmd.Process.Pid)
	return p, nil
}

func (p *Process) wait() {
	_ = p.cmd.Wait()
	if state := p.cmd.ProcessState; state != nil {
		p.exitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			p.exitSignal = ws.Signal().String()
		}
	}
	slog.Info("Backend process exited", "name", p.name, "code", p.exitCode,
		"signal", p.exitSignal, "uptime", time.Since(p.startTime).Round(time.Millisecond))
	close(p.done)
}

// Name returns the process label.
func (p *Process) Name() string { return p.name }

// Pid returns the OS process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Stdin returns the writer to the child's stdin.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Stdout returns the reader from the child's stdout.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr returns the reader from the child's stderr.
func (p *Process) Stderr() io.Reader { return p.stderr }

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitStatus reports the exit code and terminating signal name. Only
// meaningful after Done is closed; code is -1 when killed by a signal.
func (p *Process) ExitStatus() (code int, signal string) {
	<-p.done
	return p.exitCode, p.exitSignal
}

// Stop asks the child to terminate with SIGTERM, escalates to SIGKILL after
// the grace period or when ctx ends, and returns once exit is confirmed.
// Subsequent calls return the first call's result.
func (p *Process) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(ctx)
	})
	if p.stopErr != nil {
		return p.stopErr
	}
	<-p.done
	return nil
}

func (p *Process) stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	slog.Info("Stopping backend process", "name", p.name, "pid", p.Pid())
	_ = p.stdin.Close()
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Warn("SIGTERM failed, killing", "name", p.name, "error", err)
		return p.kill()
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		slog.Warn("Backend process ignored SIGTERM, killing", "name", p.name, "grace", p.grace)
	case <-ctx.Done():
	}
	return p.kill()
}

func (p *Process) kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", p.name, err)
	}
	<-p.done
	return nil
}

// Release closes the parent's read ends. Call it once stdout and stderr
// consumers are finished.
func (p *Process) Release() {
	_ = p.stdout.Close()
	_ = p.stderr.Close()
}
