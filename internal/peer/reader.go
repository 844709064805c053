package peer

import (
	"errors"
	"fmt"
	"io"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/rudransh-shrivastava/peer-relay/internal/transport"
)

// readLoop handles frames from conn until it fails. A failure on the
// current connection is reported as a lost connection; one caused by
// Disconnect is not.
func (c *Client) readLoop(conn *transport.Conn, done chan struct{}) {
	defer close(done)

	for {
		msg, err := conn.Receive()
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidMessage) {
				c.logger.Warnf("Dropping malformed message: %v", err)
				continue
			}
			c.lost(conn, err)
			return
		}

		if err := c.handle(conn, msg); err != nil {
			c.lost(conn, err)
			return
		}
	}
}

func (c *Client) lost(conn *transport.Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn, c.done = nil, nil
		c.files = make(map[string]protocol.FileDescriptor)
	}
	c.mu.Unlock()

	_ = conn.Close()
	if !current {
		return
	}

	if errors.Is(err, io.EOF) {
		err = errors.New("server closed the connection")
	}
	c.logger.Errorf("Lost connection to server: %v", err)
	c.emit(func(l Listener) { l.OnError("Connection lost", fmt.Sprintf("Lost connection to server: %v", err)) })
	c.downloads.FailActive(ErrNotConnected)
}

// handle returns an error only when the stream can no longer be read.
func (c *Client) handle(conn *transport.Conn, msg *protocol.Message) error {
	switch msg.Type {
	case protocol.MsgFileList:
		c.handleFileList(conn, msg)
	case protocol.MsgSendChunk:
		return c.handleSendChunk(conn, msg)
	case protocol.MsgRequestFile:
		c.handleRequestFile(conn, msg)
	case protocol.MsgError:
		c.handleError(msg)
	default:
		c.logger.Warnf("Unknown message type: %s", msg.Type)
	}
	return nil
}

func (c *Client) handleFileList(conn *transport.Conn, msg *protocol.Message) {
	var list protocol.FileList
	if err := msg.Decode(&list); err != nil {
		c.logger.Warnf("Bad FILE_LIST: %v", err)
		return
	}

	files := make(map[string]protocol.FileDescriptor, len(list.Files))
	for _, f := range list.Files {
		files[f.FileID] = f
	}
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.files = files
	c.mu.Unlock()

	c.logger.Debugf("File list updated: %d file(s)", len(list.Files))
	c.emit(func(l Listener) { l.OnFileList(list.Files) })
}

func (c *Client) handleSendChunk(conn *transport.Conn, msg *protocol.Message) error {
	var h protocol.ChunkHeader
	if err := msg.Decode(&h); err != nil {
		return fmt.Errorf("unreadable chunk header: %w", err)
	}
	data, err := conn.ReadBody(h.Length)
	if err != nil {
		return fmt.Errorf("reading chunk body: %w", err)
	}

	c.downloads.AcceptChunk(h.FileID, h.PartIndex, data)
	return nil
}

// handleRequestFile serves parts of a local file back through the
// server. An empty partsNeeded means every part.
func (c *Client) handleRequestFile(conn *transport.Conn, msg *protocol.Message) {
	var req protocol.RequestFile
	if err := msg.Decode(&req); err != nil {
		c.logger.Warnf("Bad REQUEST_FILE: %v", err)
		_ = conn.SendError(protocol.ErrBadRequest, err.Error(), "")
		return
	}
	if req.PartsNeeded == nil {
		_ = conn.SendError(protocol.ErrBadRequest, "partsNeeded is required", req.FileID)
		return
	}

	parts := req.PartsNeeded
	if len(parts) == 0 {
		if desc, ok := c.downloads.Local(req.FileID); ok {
			parts = protocol.AllParts(desc.PartsCount)
		}
	}

	for _, idx := range parts {
		data, err := c.downloads.ServeLocal(req.FileID, idx)
		if err != nil {
			c.logger.Warnf("Cannot serve %s: %v", protocol.PartKey(req.FileID, idx), err)
			text := fmt.Sprintf("Chunk not found: %s:%d", req.FileID, idx)
			if sendErr := conn.SendError(protocol.ErrNotFound, text, req.FileID); sendErr != nil {
				return
			}
			continue
		}

		h := protocol.ChunkHeader{FileID: req.FileID, PartIndex: idx, RequestID: req.RequestID}
		if err := conn.SendChunk(h, data); err != nil {
			c.logger.Warnf("Failed to send %s: %v", protocol.PartKey(req.FileID, idx), err)
			return
		}
		c.logger.Debugf("Served %s (%d bytes)", protocol.PartKey(req.FileID, idx), len(data))
	}
}

func (c *Client) handleError(msg *protocol.Message) {
	var e protocol.Error
	if err := msg.Decode(&e); err != nil {
		c.logger.Warnf("Bad ERROR: %v", err)
		return
	}

	c.logger.Warnf("Server error: %s", e.Error())
	c.emit(func(l Listener) { l.OnError(fmt.Sprintf("Server error [%d]", e.Code), e.Message) })
	if e.FileID != "" {
		c.downloads.Fail(e.FileID, &e)
	}
}
