package acpagent

import (
	"bufio"
	"encoding/json"
	"io"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/tidwall/gjson"
)

// updateQueueSize bounds updates read ahead of the translator. A full queue
// stops reading the agent's stdout.
const updateQueueSize = 1024

type queuedUpdate struct {
	n     acpsdk.SessionNotification
	flush chan struct{}
}

// updateQueue carries session/update notifications to a single consumer in
// the order the agent wrote them. acp-go-sdk handles each inbound message on
// its own goroutine, so updates are taken off the wire before the
// connection sees them.
type updateQueue struct {
	ch     chan queuedUpdate
	exited <-chan struct{}
}

func newUpdateQueue(exited <-chan struct{}) *updateQueue {
	return &updateQueue{ch: make(chan queuedUpdate, updateQueueSize), exited: exited}
}

func (q *updateQueue) push(n acpsdk.SessionNotification) {
	select {
	case q.ch <- queuedUpdate{n: n}:
	case <-q.exited:
	}
}

// drain returns once every update queued before the call was translated.
func (q *updateQueue) drain() {
	done := make(chan struct{})
	select {
	case q.ch <- queuedUpdate{flush: done}:
	case <-q.exited:
		return
	}
	select {
	case <-done:
	case <-q.exited:
	}
}

// splitStdout reads the agent's stdout line by line. session/update
// notifications go to q; every other line is forwarded to the returned
// reader for the SDK connection.
func (a *Adapter) splitStdout(r io.Reader, q *updateQueue) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		br := bufio.NewReaderSize(r, 64*1024)
		forward := true
		for {
			line, err := br.ReadBytes('\n')
			if len(line) > 0 {
				if n, ok := decodeUpdate(line); ok {
					q.push(n)
				} else if forward {
					if _, werr := pw.Write(line); werr != nil {
						// Keep draining so the agent never blocks on a full pipe.
						forward = false
					}
				}
			}
			if err != nil {
				if err == io.EOF {
					err = nil
				}
				pw.CloseWithError(err)
				return
			}
		}
	}()
	return pr
}

func decodeUpdate(line []byte) (acpsdk.SessionNotification, bool) {
	var n acpsdk.SessionNotification
	if gjson.GetBytes(line, "method").String() != acpsdk.ClientMethodSessionUpdate || gjson.GetBytes(line, "id").Exists() {
		return n, false
	}
	if err := json.Unmarshal([]byte(gjson.GetBytes(line, "params").Raw), &n); err != nil {
		return n, false
	}
	return n, true
}

// consumeUpdates translates queued updates until the agent exits, then
// flushes whatever is still queued.
func (a *Adapter) consumeUpdates(q *updateQueue) {
	for {
		select {
		case u := <-q.ch:
			a.deliver(u)
		case <-q.exited:
			for {
				select {
				case u := <-q.ch:
					a.deliver(u)
				default:
					return
				}
			}
		}
	}
}

func (a *Adapter) deliver(u queuedUpdate) {
	if u.flush != nil {
		close(u.flush)
		return
	}
	if s, stream := a.lookup(u.n.SessionId); s != nil && stream != nil {
		a.translate(s, stream, u.n.Update)
	}
}
