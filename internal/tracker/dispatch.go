package tracker

import (
	"context"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

// HandlerFunc handles one message on the session's reader goroutine. A
// returned error ends the session.
type HandlerFunc func(ctx context.Context, s *Session, msg *protocol.Message) error

// Dispatcher routes messages by type. Types without a handler are logged
// and skipped.
type Dispatcher struct {
	handlers map[protocol.MessageType]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[protocol.MessageType]HandlerFunc)}
}

func (d *Dispatcher) Handle(t protocol.MessageType, h HandlerFunc) {
	d.handlers[t] = h
}

func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, msg *protocol.Message) error {
	h, ok := d.handlers[msg.Type]
	if !ok {
		s.log.Warnf("Unhandled message type %q", msg.Type)
		return nil
	}
	return h(ctx, s, msg)
}
