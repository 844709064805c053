package tracker

import (
	"context"
	"fmt"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

func (s *Server) registerHandlers() {
	s.dispatcher.Handle(protocol.MsgRegister, s.handleRegister)
	s.dispatcher.Handle(protocol.MsgAddFile, s.handleAddFile)
	s.dispatcher.Handle(protocol.MsgRequestFile, s.handleRequestFile)
	s.dispatcher.Handle(protocol.MsgSendChunk, s.handleSendChunk)
	s.dispatcher.Handle(protocol.MsgError, s.handleError)
}

func (s *Server) handleRegister(ctx context.Context, sess *Session, msg *protocol.Message) error {
	var reg protocol.Register
	if err := msg.Decode(&reg); err != nil {
		sess.log.Warnf("Bad REGISTER: %v", err)
		_ = sess.SendError(protocol.ErrBadRequest, err.Error(), "")
		return nil
	}

	files := make([]protocol.FileDescriptor, 0, len(reg.Files))
	for _, f := range reg.Files {
		if err := f.Validate(); err != nil {
			sess.log.Warnf("Skipping registered file: %v", err)
			continue
		}
		files = append(files, f)
	}

	if err := s.index.RegisterPeer(ctx, sess.ID(), files); err != nil {
		return err
	}
	sess.log.Infof("Peer registered with %d file(s)", len(files))

	if err := s.sendFileList(ctx, sess); err != nil {
		sess.log.Warnf("Failed to send file list: %v", err)
	}
	s.broadcaster.Broadcast()
	return nil
}

func (s *Server) handleAddFile(ctx context.Context, sess *Session, msg *protocol.Message) error {
	var add protocol.AddFile
	if err := msg.Decode(&add); err != nil {
		sess.log.Warnf("Bad ADD_FILE: %v", err)
		_ = sess.SendError(protocol.ErrBadRequest, err.Error(), "")
		return nil
	}

	file := add.Descriptor()
	if err := file.Validate(); err != nil {
		sess.log.Warnf("Rejecting ADD_FILE: %v", err)
		_ = sess.SendError(protocol.ErrBadRequest, err.Error(), add.FileID)
		return nil
	}

	if err := s.index.AddFileForPeer(ctx, sess.ID(), file); err != nil {
		return err
	}
	sess.log.Infof("Peer added %s (%s, %d part(s))", file.Filename, file.FileID, file.PartsCount)

	s.broadcaster.Broadcast()
	return nil
}

// handleRequestFile hands the transfer to its own goroutine so the
// requester's reader keeps running.
func (s *Server) handleRequestFile(_ context.Context, sess *Session, msg *protocol.Message) error {
	var req protocol.RequestFile
	if err := msg.Decode(&req); err != nil {
		sess.log.Warnf("Bad REQUEST_FILE: %v", err)
		_ = sess.SendError(protocol.ErrBadRequest, err.Error(), "")
		return nil
	}
	if err := req.Validate(); err != nil {
		sess.log.Warnf("Bad REQUEST_FILE: %v", err)
		_ = sess.SendError(protocol.ErrBadRequest, err.Error(), req.FileID)
		return nil
	}

	s.transfers.Add(1)
	go func() {
		defer s.transfers.Done()
		_ = s.relay.Transfer(s.ctx, sess, req)
	}()
	return nil
}

// handleSendChunk always consumes the body so the stream stays aligned,
// even when nobody is waiting for the chunk.
func (s *Server) handleSendChunk(_ context.Context, sess *Session, msg *protocol.Message) error {
	var h protocol.ChunkHeader
	if err := msg.Decode(&h); err != nil {
		return fmt.Errorf("unreadable chunk header: %w", err)
	}

	data, err := sess.readBody(h.Length)
	if err != nil {
		return fmt.Errorf("reading chunk body: %w", err)
	}

	chunk := Chunk{FileID: h.FileID, PartIndex: h.PartIndex, Data: data}
	if !sess.deliver(h.RequestID, chunk) {
		sess.log.Warnf("Discarding chunk %s for unknown request %q",
			protocol.PartKey(h.FileID, h.PartIndex), h.RequestID)
	}
	return nil
}

func (s *Server) handleError(_ context.Context, sess *Session, msg *protocol.Message) error {
	var e protocol.Error
	if err := msg.Decode(&e); err != nil {
		sess.log.Warnf("Bad ERROR: %v", err)
		return nil
	}
	sess.log.Warnf("Peer reported error: %s", e.Error())
	return nil
}

func (s *Server) sendFileList(ctx context.Context, p Peer) error {
	files, err := s.index.GetAvailableFiles(ctx, s.registry.IDs())
	if err != nil {
		return err
	}
	msg, err := protocol.NewMessage(protocol.MsgFileList, protocol.FileList{Files: files})
	if err != nil {
		return err
	}
	return p.SendMessage(msg)
}
