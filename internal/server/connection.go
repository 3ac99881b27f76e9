package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// maxLineBytes caps one inbound NDJSON frame.
	maxLineBytes = 1 << 20
	writeTimeout = 10 * time.Second
	// outboxSize bounds frames queued for a client that reads slower than
	// the bridge produces.
	outboxSize = 4096
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("client is not reading: outbound queue full")
)

// connection is one client transport. A single writer goroutine drains the
// outbox, so concurrent prompt streams never interleave inside a line and a
// stalled client never blocks a sender.
type connection struct {
	transport string
	remote    string

	write  func([]byte) error
	closer func() error

	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(transport, remote string, write func([]byte) error, closer func() error) *connection {
	return &connection{
		transport: transport,
		remote:    remote,
		write:     write,
		closer:    closer,
		outbox:    make(chan []byte, outboxSize),
		done:      make(chan struct{}),
	}
}

// Send queues v as one NDJSON line. It never waits on the client: a full
// outbox closes the connection.
func (c *connection) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.outbox <- b:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.close()
		return errSlowConsumer
	}
}

// writeLoop writes queued frames until the connection closes or a write
// fails.
func (c *connection) writeLoop(logger *slog.Logger) {
	for {
		select {
		case b := <-c.outbox:
			if err := c.write(b); err != nil {
				logger.Debug("Connection write failed", "error", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.closer()
	})
}

// serve runs a protocol handler over c until read returns, then detaches it.
// read calls handle once per inbound line.
func (s *Server) serve(c *connection, read func(handle func([]byte)) error) {
	if !s.track(c) {
		c.close()
		return
	}
	defer s.untrack(c)

	logger := s.logger.With("transport", c.transport, "remote", c.remote)
	go c.writeLoop(logger)
	h := s.newHandler(c)
	logger.Info("Client connected", "connectionID", h.ID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := read(func(line []byte) {
		h.HandleLine(ctx, line)
	})
	if err != nil {
		logger.Debug("Connection read ended", "error", err)
	}

	h.Close()
	c.close()
	logger.Info("Client disconnected", "connectionID", h.ID())
}

// readLines splits r into newline-delimited frames. A frame longer than limit
// is dropped with a warning and reading continues with the next line.
func readLines(r io.Reader, limit int, logger *slog.Logger, handle func([]byte)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	oversized := false
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 && !oversized {
			if len(line)+len(chunk) > limit+1 {
				oversized = true
				line = line[:0]
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err == nil {
			if oversized {
				logger.Warn("Dropping oversized frame", "limitBytes", limit)
			} else {
				handle(bytes.TrimRight(line, "\r\n"))
			}
			line = line[:0]
			oversized = false
			continue
		}
		if len(line) > 0 && !oversized {
			handle(line)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
}
