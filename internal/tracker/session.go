package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/rudransh-shrivastava/peer-relay/internal/transport"
)

// Session is the server side of one client connection. A single reader
// goroutine runs Run; any goroutine may send.
type Session struct {
	id      string
	conn    *transport.Conn
	log     logrus.FieldLogger
	pending *pendingTable
	running atomic.Bool
	done    chan struct{}
}

func newSession(conn *transport.Conn, log logrus.FieldLogger) *Session {
	id := uuid.NewString()
	s := &Session{
		id:      id,
		conn:    conn,
		log:     log.WithField("peer", id),
		pending: newPendingTable(),
		done:    make(chan struct{}),
	}
	s.running.Store(true)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr() }

// Done is closed once Run has returned and the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run reads and dispatches frames until the client disconnects, a frame
// is malformed, Stop is called, or a handler reports a fatal error. On
// return the connection is closed and every pending slot has failed.
func (s *Session) Run(ctx context.Context, d *Dispatcher) error {
	defer s.teardown()

	for s.running.Load() {
		msg, err := s.conn.Receive()
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidMessage) {
				s.log.Warnf("Dropping malformed message: %v", err)
				continue
			}
			if errors.Is(err, io.EOF) || !s.running.Load() {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		if err := d.Dispatch(ctx, s, msg); err != nil {
			return err
		}
	}
	return nil
}

// Stop makes Run return by closing the connection under it.
func (s *Session) Stop() {
	s.running.Store(false)
	_ = s.conn.Close()
}

func (s *Session) SendMessage(msg *protocol.Message) error {
	return s.conn.Send(msg)
}

func (s *Session) SendChunk(h protocol.ChunkHeader, data []byte) error {
	return s.conn.SendChunk(h, data)
}

func (s *Session) SendError(code protocol.ErrorCode, message, fileID string) error {
	return s.conn.SendError(code, message, fileID)
}

// SendChunkRequest registers the pending slot before the request is
// written, so a fast reply cannot arrive ahead of its slot.
func (s *Session) SendChunkRequest(req protocol.RequestFile) (*Future, error) {
	future, err := s.pending.register(req.RequestID)
	if err != nil {
		return nil, err
	}

	if err := s.conn.SendPayload(protocol.MsgRequestFile, req); err != nil {
		s.pending.abandon(req.RequestID)
		return nil, fmt.Errorf("sending chunk request to %s: %w", s.id, err)
	}
	return future, nil
}

// deliver hands an incoming chunk to the slot that requested it.
func (s *Session) deliver(requestID string, chunk Chunk) bool {
	return s.pending.complete(requestID, chunk)
}

func (s *Session) readBody(n int) ([]byte, error) {
	return s.conn.ReadBody(n)
}

func (s *Session) teardown() {
	s.running.Store(false)
	_ = s.conn.Close()
	s.pending.failAll(ErrSessionClosed)
	close(s.done)
}

var _ Peer = (*Session)(nil)
