package terminal

import "sync"

// DefaultScrollbackBytes bounds the output kept per terminal for replay.
const DefaultScrollbackBytes = 256 * 1024

// Scrollback keeps the most recent output of a terminal in a fixed-size
// circular buffer. It is safe for concurrent use.
type Scrollback struct {
	mu   sync.Mutex
	buf  []byte
	next int  // position of the next write
	full bool // the buffer has wrapped at least once
}

// NewScrollback returns a buffer holding at most size bytes.
func NewScrollback(size int) *Scrollback {
	if size <= 0 {
		size = DefaultScrollbackBytes
	}
	return &Scrollback{buf: make([]byte, size)}
}

// Write stores p, discarding the oldest bytes once the buffer is full.
func (s *Scrollback) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	size := len(s.buf)
	if n >= size {
		copy(s.buf, p[n-size:])
		s.next = 0
		s.full = true
		return n, nil
	}

	copied := copy(s.buf[s.next:], p)
	if copied < n {
		copy(s.buf, p[copied:])
		s.full = true
	}
	s.next += n
	if s.next >= size {
		s.next -= size
		s.full = true
	}
	return n, nil
}

// Bytes returns a copy of the buffered output, oldest first.
func (s *Scrollback) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.full {
		if s.next == 0 {
			return nil
		}
		return append([]byte(nil), s.buf[:s.next]...)
	}
	out := make([]byte, 0, len(s.buf))
	out = append(out, s.buf[s.next:]...)
	return append(out, s.buf[:s.next]...)
}

// Len returns the number of buffered bytes.
func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return len(s.buf)
	}
	return s.next
}

// Reset drops all buffered output.
func (s *Scrollback) Reset() {
	s.mu.Lock()
	s.next = 0
	s.full = false
	s.mu.Unlock()
}
