package transport

import (
	"context"
	"errors"
	"net"
	"time"
)

const dialTimeout = 10 * time.Second

// Transport accepts framed TCP connections.
type Transport struct {
	listener net.Listener
}

func NewTransport(addr string) (*Transport, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Transport{listener: listener}, nil
}

// Accept blocks until a connection arrives or the transport is closed.
func (t *Transport) Accept(ctx context.Context) (*Conn, error) {
	conn, err := t.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return NewConn(conn), nil
}

func (t *Transport) Close() error {
	return t.listener.Close()
}

func (t *Transport) LocalAddr() net.Addr {
	return t.listener.Addr()
}

// Dial opens a framed connection to addr.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(conn), nil
}
