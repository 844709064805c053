package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	ErrFrameLength = errors.New("invalid frame length")
	ErrChunkLength = errors.New("invalid chunk length")
)

// Codec reads and writes length-prefixed JSON frames: a big-endian uint32
// length followed by that many bytes of JSON.
type Codec struct {
	maxFrame int
}

func NewCodec() *Codec {
	return &Codec{maxFrame: MaxFrameLength}
}

func (c *Codec) Encode(w io.Writer, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Type, err)
	}
	return c.writeFrame(w, data)
}

// Decode returns io.EOF only when the stream ends cleanly on a frame
// boundary. A stream that ends inside a frame yields io.ErrUnexpectedEOF.
func (c *Codec) Decode(r io.Reader) (*Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 || int(length) > c.maxFrame {
		return nil, fmt.Errorf("%w: %d", ErrFrameLength, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &msg, nil
}

// EncodeChunk writes a SEND_CHUNK header frame followed by data. The
// header's Length is set from data.
func (c *Codec) EncodeChunk(w io.Writer, h ChunkHeader, data []byte) error {
	if len(data) > PartSize {
		return fmt.Errorf("%w: %d", ErrChunkLength, len(data))
	}
	h.Length = len(data)

	msg, err := NewMessage(MsgSendChunk, h)
	if err != nil {
		return err
	}
	if err := c.Encode(w, msg); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadBody reads the n raw bytes that follow a SEND_CHUNK header.
func (c *Codec) ReadBody(r io.Reader, n int) ([]byte, error) {
	if n < 0 || n > PartSize {
		return nil, fmt.Errorf("%w: %d", ErrChunkLength, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}

func (c *Codec) EncodeToBytes(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) DecodeFromBytes(data []byte) (*Message, error) {
	return c.Decode(bytes.NewReader(data))
}

func (c *Codec) writeFrame(w io.Writer, data []byte) error {
	if len(data) == 0 || len(data) > c.maxFrame {
		return fmt.Errorf("%w: %d", ErrFrameLength, len(data))
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	_, err := w.Write(frame)
	return err
}
