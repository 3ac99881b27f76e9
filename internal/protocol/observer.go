package protocol

import (
	"sync/atomic"

	"github.com/workspace/agent-bridge/internal/provider"
)

// observer forwards one prompt's stream as session/update notifications.
// Once detached it drops everything.
type observer struct {
	h         *Handler
	sessionID string
	detached  atomic.Bool
}

func (o *observer) detach() { o.detached.Store(true) }

func (o *observer) send(kind string, content any) {
	if o.detached.Load() {
		return
	}
	err := o.h.out.Send(Notification{
		JSONRPC: "2.0",
		Method:  "session/update",
		Params: SessionUpdate{
			SessionID: o.sessionID,
			Update:    UpdateFrame{SessionUpdate: kind, Content: content},
		},
	})
	if err != nil {
		o.h.logger.Debug("Dropping session update", "sessionID", o.sessionID, "kind", kind, "error", err)
	}
}

func (o *observer) OnMessageStart() { o.send(UpdateMessageStart, nil) }

func (o *observer) OnMessageChunk(text string) {
	o.send(UpdateMessageChunk, TextContent{Type: "text", Text: text})
}

func (o *observer) OnAgentEvent(ev provider.AgentEvent) { o.send(UpdateAgentEvent, ev) }

func (o *observer) OnError(err error) {
	o.send(UpdateError, ErrorContent{Message: err.Error()})
}

func (o *observer) OnMessageEnd() { o.send(UpdateMessageEnd, nil) }
