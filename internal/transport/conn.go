package transport

import (
	"bufio"
	"errors"
	"net"
	"sync"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

var ErrClosed = errors.New("transport closed")

// Conn is one framed connection. Writes are serialized so a chunk header
// and its body always reach the wire back to back. Reads are not locked
// and belong to a single reader goroutine.
type Conn struct {
	codec  *protocol.Codec
	conn   net.Conn
	reader *bufio.Reader

	mu     sync.Mutex
	writer *bufio.Writer

	closeOnce sync.Once
	closeErr  error
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{
		codec:  protocol.NewCodec(),
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 64*1024),
		writer: bufio.NewWriterSize(conn, 64*1024),
	}
}

func (c *Conn) Send(msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.codec.Encode(c.writer, msg); err != nil {
		return err
	}
	return c.writer.Flush()
}

// SendPayload wraps payload in a message of type t and sends it.
func (c *Conn) SendPayload(t protocol.MessageType, payload any) error {
	msg, err := protocol.NewMessage(t, payload)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// SendChunk writes the header frame and body under one lock.
func (c *Conn) SendChunk(h protocol.ChunkHeader, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.codec.EncodeChunk(c.writer, h, data); err != nil {
		return err
	}
	return c.writer.Flush()
}

// SendError is shorthand for an ERROR message.
func (c *Conn) SendError(code protocol.ErrorCode, message, fileID string) error {
	return c.SendPayload(protocol.MsgError, protocol.Error{Code: code, Message: message, FileID: fileID})
}

// Receive reads the next frame. It returns io.EOF on a clean close.
func (c *Conn) Receive() (*protocol.Message, error) {
	return c.codec.Decode(c.reader)
}

// ReadBody reads the raw bytes following a SEND_CHUNK header.
func (c *Conn) ReadBody(n int) ([]byte, error) {
	return c.codec.ReadBody(c.reader, n)
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
