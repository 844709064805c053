package tracker

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/peer-relay/internal/logger"
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/rudransh-shrivastava/peer-relay/internal/transport"
)

const waitFor = 3 * time.Second

func testConfig() Config {
	return Config{
		Addr:            "127.0.0.1:0",
		Logger:          logger.Discard(),
		PickTimeout:     500 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
		ResponseTimeout: 300 * time.Millisecond,
		DrainTimeout:    time.Second,
		ShutdownGrace:   time.Second,
	}
}

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	srv, err := NewServer(cfg, newTestIndex(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown()
	})
	return srv
}

type frame struct {
	msg    *protocol.Message
	header protocol.ChunkHeader
	body   []byte
}

// testClient speaks the wire protocol directly. It answers REQUEST_FILE
// for anything in serves and queues every other frame on frames.
type testClient struct {
	t      *testing.T
	conn   *transport.Conn
	frames chan frame
	serves map[string][]byte
	done   chan struct{}
}

func dialClient(t *testing.T, srv *Server, serves map[string][]byte) *testClient {
	t.Helper()
	conn, err := transport.Dial(context.Background(), srv.Addr())
	require.NoError(t, err)

	c := &testClient{
		t:      t,
		conn:   conn,
		frames: make(chan frame, 256),
		serves: serves,
		done:   make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(func() { _ = c.conn.Close() })
	return c
}

func (c *testClient) readLoop() {
	defer close(c.done)
	for {
		msg, err := c.conn.Receive()
		if err != nil {
			return
		}

		f := frame{msg: msg}
		switch msg.Type {
		case protocol.MsgSendChunk:
			if err := msg.Decode(&f.header); err != nil {
				return
			}
			if f.body, err = c.conn.ReadBody(f.header.Length); err != nil {
				return
			}
		case protocol.MsgRequestFile:
			var req protocol.RequestFile
			if err := msg.Decode(&req); err == nil && c.answer(req) {
				continue
			}
		}
		c.frames <- f
	}
}

func (c *testClient) answer(req protocol.RequestFile) bool {
	content, ok := c.serves[req.FileID]
	if !ok {
		return false
	}
	for _, idx := range req.PartsNeeded {
		h := protocol.ChunkHeader{FileID: req.FileID, PartIndex: idx, RequestID: req.RequestID}
		if err := c.conn.SendChunk(h, partOf(content, idx)); err != nil {
			return true
		}
	}
	return true
}

func (c *testClient) send(t protocol.MessageType, payload any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SendPayload(t, payload))
}

func (c *testClient) register(files ...protocol.FileDescriptor) protocol.FileList {
	c.t.Helper()
	if files == nil {
		files = []protocol.FileDescriptor{}
	}
	c.send(protocol.MsgRegister, protocol.Register{Files: files})
	return c.fileList()
}

// expect returns the next frame of type typ, skipping anything else.
func (c *testClient) expect(typ protocol.MessageType) frame {
	c.t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case f := <-c.frames:
			if f.msg.Type == typ {
				return f
			}
		case <-timeout:
			c.t.Fatalf("no %s within %s", typ, waitFor)
			return frame{}
		}
	}
}

func (c *testClient) fileList() protocol.FileList {
	c.t.Helper()
	var list protocol.FileList
	require.NoError(c.t, c.expect(protocol.MsgFileList).msg.Decode(&list))
	return list
}

// settle discards frames until none has arrived for quiet.
func (c *testClient) settle(quiet time.Duration) {
	for {
		select {
		case <-c.frames:
		case <-time.After(quiet):
			return
		}
	}
}

func fileIDs(list protocol.FileList) []string {
	ids := make([]string, len(list.Files))
	for i, f := range list.Files {
		ids[i] = f.FileID
	}
	sort.Strings(ids)
	return ids
}

func (c *testClient) errorFrame() protocol.Error {
	c.t.Helper()
	var e protocol.Error
	require.NoError(c.t, c.expect(protocol.MsgError).msg.Decode(&e))
	return e
}

func (c *testClient) chunks(n int) []frame {
	c.t.Helper()
	out := make([]frame, 0, n)
	for len(out) < n {
		out = append(out, c.expect(protocol.MsgSendChunk))
	}
	return out
}

func TestServerAddr(t *testing.T) {
	srv := startServer(t, testConfig())
	assert.NotEmpty(t, srv.Addr())
	assert.Empty(t, srv.MonitorAddr())
}

func TestServerRegisterRepliesWithFileList(t *testing.T) {
	srv := startServer(t, testConfig())
	content := testContent(1000)

	a := dialClient(t, srv, map[string][]byte{"f1": content})
	list := a.register(describe("f1", "a.bin", content))

	require.Len(t, list.Files, 1)
	assert.Equal(t, "f1", list.Files[0].FileID)
	assert.Equal(t, "a.bin", list.Files[0].Filename)
	assert.Equal(t, []int{0}, list.Files[0].Parts)
}

func TestServerRelaysWholeFile(t *testing.T) {
	srv := startServer(t, testConfig())
	content := testContent(600_000)

	a := dialClient(t, srv, map[string][]byte{"f1": content})
	a.register(describe("f1", "a.bin", content))

	b := dialClient(t, srv, nil)
	list := b.register()
	require.Len(t, list.Files, 1)
	assert.Equal(t, 3, list.Files[0].PartsCount)

	b.send(protocol.MsgRequestFile, protocol.RequestFile{FileID: "f1", PartsNeeded: []int{}, RequestID: "r1"})

	got := make([]byte, 0, len(content))
	for i, f := range b.chunks(3) {
		assert.Equal(t, i, f.header.PartIndex)
		assert.Equal(t, "r1", f.header.RequestID)
		assert.Equal(t, protocol.Digest(partOf(content, i)), protocol.Digest(f.body))
		got = append(got, f.body...)
	}
	assert.Equal(t, content, got)
}

func TestServerRelaysSelectedParts(t *testing.T) {
	srv := startServer(t, testConfig())
	content := testContent(3 * protocol.PartSize)

	a := dialClient(t, srv, map[string][]byte{"f1": content})
	a.register(describe("f1", "a.bin", content))

	b := dialClient(t, srv, nil)
	b.register()
	b.send(protocol.MsgRequestFile, protocol.RequestFile{FileID: "f1", PartsNeeded: []int{2, 0}})

	chunks := b.chunks(2)
	assert.Equal(t, 2, chunks[0].header.PartIndex)
	assert.Equal(t, 0, chunks[1].header.PartIndex)
	assert.Equal(t, partOf(content, 2), chunks[0].body)
}

func TestServerAddFileBroadcasts(t *testing.T) {
	srv := startServer(t, testConfig())
	content := testContent(10)

	a := dialClient(t, srv, map[string][]byte{"f1": content})
	a.register()
	b := dialClient(t, srv, nil)
	b.register()

	a.send(protocol.MsgAddFile, protocol.NewAddFile(describe("f1", "a.bin", content)))

	require.Eventually(t, func() bool {
		select {
		case f := <-b.frames:
			var list protocol.FileList
			return f.msg.Type == protocol.MsgFileList && f.msg.Decode(&list) == nil && len(list.Files) == 1
		default:
			return false
		}
	}, waitFor, 5*time.Millisecond)
}

func TestServerBackToBackAddFilesBroadcastTwice(t *testing.T) {
	srv := startServer(t, testConfig())

	watcher := dialClient(t, srv, nil)
	watcher.register()
	a := dialClient(t, srv, nil)
	a.register()
	b := dialClient(t, srv, nil)
	b.register()
	require.Eventually(t, func() bool { return srv.Registry().Len() == 3 }, waitFor, 5*time.Millisecond)
	watcher.settle(200 * time.Millisecond)

	a.send(protocol.MsgAddFile, protocol.NewAddFile(describe("fa", "a.bin", testContent(10))))
	b.send(protocol.MsgAddFile, protocol.NewAddFile(describe("fb", "b.bin", testContent(20))))

	first := fileIDs(watcher.fileList())
	second := fileIDs(watcher.fileList())

	assert.NotEmpty(t, first)
	assert.Subset(t, second, first)
	assert.Equal(t, []string{"fa", "fb"}, second)

	select {
	case f := <-watcher.frames:
		assert.NotEqual(t, protocol.MsgFileList, f.msg.Type, "unexpected third file list")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServerDropsSessionOnBadFrameLength(t *testing.T) {
	for _, length := range []uint32{0, protocol.MaxFrameLength + 1} {
		srv := startServer(t, testConfig())

		conn, err := net.Dial("tcp", srv.Addr())
		require.NoError(t, err)
		require.Eventually(t, func() bool { return srv.Registry().Len() == 1 }, waitFor, 5*time.Millisecond)

		var header [4]byte
		binary.BigEndian.PutUint32(header[:], length)
		_, err = conn.Write(header[:])
		require.NoError(t, err)

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
		_, err = conn.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF, "length %d", length)
		assert.Eventually(t, func() bool { return srv.Registry().Len() == 0 }, waitFor, 5*time.Millisecond, "length %d", length)
		_ = conn.Close()
	}
}

func TestServerRejectsMalformedAddFile(t *testing.T) {
	srv := startServer(t, testConfig())
	a := dialClient(t, srv, nil)
	a.register()

	a.send(protocol.MsgAddFile, protocol.AddFile{FileID: "f1", Size: 10, PartsCount: 5, Filename: "bad"})

	e := a.errorFrame()
	assert.Equal(t, protocol.ErrBadRequest, e.Code)
	assert.Equal(t, "f1", e.FileID)
}

func TestServerUnknownFile(t *testing.T) {
	srv := startServer(t, testConfig())
	b := dialClient(t, srv, nil)
	b.register()

	b.send(protocol.MsgRequestFile, protocol.RequestFile{FileID: "nope", PartsNeeded: []int{}})

	e := b.errorFrame()
	assert.Equal(t, protocol.ErrNotFound, e.Code)
	assert.Equal(t, "nope", e.FileID)
}

func TestServerMissingFileIDIsBadRequest(t *testing.T) {
	srv := startServer(t, testConfig())
	b := dialClient(t, srv, nil)
	b.register()

	b.send(protocol.MsgRequestFile, protocol.RequestFile{PartsNeeded: []int{0}})
	assert.Equal(t, protocol.ErrBadRequest, b.errorFrame().Code)
}

func TestServerSilentHolderFailsTransfer(t *testing.T) {
	srv := startServer(t, testConfig())
	content := testContent(10)

	// Registers the file but never answers for it.
	a := dialClient(t, srv, nil)
	a.register(describe("f1", "a.bin", content))

	b := dialClient(t, srv, nil)
	b.register()
	b.send(protocol.MsgRequestFile, protocol.RequestFile{FileID: "f1", PartsNeeded: []int{}})

	e := b.errorFrame()
	assert.Equal(t, protocol.ErrNotFound, e.Code)
	assert.Equal(t, "f1", e.FileID)

	// The holder's lease was returned.
	require.Eventually(t, func() bool {
		for _, id := range srv.Registry().IDs() {
			if srv.Registry().IsBusy(id) {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond)
}

func TestServerHolderDisconnectHidesFile(t *testing.T) {
	srv := startServer(t, testConfig())
	content := testContent(10)

	a := dialClient(t, srv, map[string][]byte{"f1": content})
	a.register(describe("f1", "a.bin", content))

	b := dialClient(t, srv, nil)
	require.Len(t, b.register().Files, 1)

	require.NoError(t, a.conn.Close())

	require.Eventually(t, func() bool {
		select {
		case f := <-b.frames:
			var list protocol.FileList
			return f.msg.Type == protocol.MsgFileList && f.msg.Decode(&list) == nil && len(list.Files) == 0
		default:
			return false
		}
	}, waitFor, 5*time.Millisecond)

	b.send(protocol.MsgRequestFile, protocol.RequestFile{FileID: "f1", PartsNeeded: []int{}})
	assert.Equal(t, "f1", b.errorFrame().FileID)
}

func TestServerDiscardsUnrequestedChunk(t *testing.T) {
	srv := startServer(t, testConfig())
	b := dialClient(t, srv, nil)
	b.register()

	h := protocol.ChunkHeader{FileID: "x", PartIndex: 0, RequestID: "stray"}
	require.NoError(t, b.conn.SendChunk(h, []byte("stray body bytes")))

	// The stream is still aligned: the next request is understood.
	b.send(protocol.MsgRequestFile, protocol.RequestFile{FileID: "nope", PartsNeeded: []int{}})
	assert.Equal(t, "nope", b.errorFrame().FileID)
}

func TestServerRejectsBadRegister(t *testing.T) {
	srv := startServer(t, testConfig())
	b := dialClient(t, srv, nil)

	bad := &protocol.Message{Type: protocol.MsgRegister, Payload: []byte(`"not an object"`)}
	require.NoError(t, b.conn.Send(bad))
	assert.Equal(t, protocol.ErrBadRequest, b.errorFrame().Code)

	assert.Empty(t, b.register().Files)
}

func TestServerShutdownDisconnectsClients(t *testing.T) {
	srv, err := NewServer(testConfig(), newTestIndex(t))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(context.Background()) }()

	c := dialClient(t, srv, nil)
	c.register()

	require.NoError(t, srv.Shutdown())

	select {
	case <-c.done:
	case <-time.After(waitFor):
		t.Fatal("client still connected after shutdown")
	}
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Start did not return")
	}
}
