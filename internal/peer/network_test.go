package peer_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/peer-relay/internal/db"
	"github.com/rudransh-shrivastava/peer-relay/internal/logger"
	"github.com/rudransh-shrivastava/peer-relay/internal/peer"
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/rudransh-shrivastava/peer-relay/internal/store"
	"github.com/rudransh-shrivastava/peer-relay/internal/tracker"
	"github.com/rudransh-shrivastava/peer-relay/internal/transport"
)

const waitFor = 5 * time.Second

// Network is a tracker on a loopback port plus the clients attached to it.
type Network struct {
	t       *testing.T
	tracker *tracker.Server
	cancel  context.CancelFunc
}

func NewNetwork(t *testing.T) *Network {
	t.Helper()

	gdb, err := db.Open(filepath.Join(t.TempDir(), "server.db"), true, db.DefaultPoolConfig(), nil)
	if err != nil {
		t.Fatalf("Failed to open index: %v", err)
	}

	srv, err := tracker.NewServer(tracker.Config{
		Addr:            "127.0.0.1:0",
		Logger:          logger.Discard(),
		PickTimeout:     2 * time.Second,
		ResponseTimeout: 2 * time.Second,
		DrainTimeout:    time.Second,
		ShutdownGrace:   time.Second,
	}, store.NewIndexStore(gdb))
	if err != nil {
		t.Fatalf("Failed to create tracker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = srv.Start(ctx)
	}()

	n := &Network{t: t, tracker: srv, cancel: cancel}
	t.Cleanup(func() {
		n.Close()
		_ = db.Close(gdb)
	})
	return n
}

func (n *Network) Close() {
	n.cancel()
	_ = n.tracker.Shutdown()
}

// NewClient creates a client with its own download directory. It is not
// connected yet.
func (n *Network) NewClient() (*peer.Client, *Events) {
	n.t.Helper()

	client, err := peer.NewClient(peer.Config{
		ServerAddr:  n.tracker.Addr(),
		DownloadDir: n.t.TempDir(),
		Logger:      logger.Discard(),
	})
	if err != nil {
		n.t.Fatalf("Failed to create client: %v", err)
	}
	events := &Events{}
	client.Subscribe(events)
	n.t.Cleanup(func() { _ = client.Close() })
	return client, events
}

// ConnectedClient is NewClient followed by Connect.
func (n *Network) ConnectedClient() (*peer.Client, *Events) {
	n.t.Helper()
	client, events := n.NewClient()
	if err := client.Connect(context.Background()); err != nil {
		n.t.Fatalf("Connect failed: %v", err)
	}
	return client, events
}

// Events records what a client reports.
type Events struct {
	peer.NopListener

	mu        sync.Mutex
	completed []string
	failed    []string
	retries   int
	errors    []string
	lists     int
}

func (e *Events) OnComplete(fileID, _ string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = append(e.completed, fileID)
}

func (e *Events) OnFailed(fileID, _ string, _ error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, fileID)
}

func (e *Events) OnRetry(string, string, int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retries++
}

func (e *Events) OnError(title, _ string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = append(e.errors, title)
}

func (e *Events) OnFileList([]protocol.FileDescriptor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lists++
}

func (e *Events) Retries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retries
}

func (e *Events) Failed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.failed...)
}

func (e *Events) Errors() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.errors...)
}

func testContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*13 + i/777)
	}
	return b
}

func writeSource(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func waitForListing(t *testing.T, c *peer.Client, fileID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, f := range c.Files() {
			if f.FileID == fileID {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond, "file %s never listed", fileID)
}

func waitForFile(t *testing.T, c *peer.Client, fileID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Downloads().HasFile(fileID)
	}, waitFor, 10*time.Millisecond, "file %s never completed", fileID)
}

func readDownloaded(t *testing.T, c *peer.Client, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(c.Downloads().Dir(), name))
	require.NoError(t, err)
	return data
}

// RawHolder registers one file over a bare connection and answers part
// requests through answer, which may return false to drop the
// connection instead.
type RawHolder struct {
	conn  *transport.Conn
	ready chan struct{}
}

func NewRawHolder(t *testing.T, n *Network, desc protocol.FileDescriptor, answer func(idx, attempt int) ([]byte, bool)) *RawHolder {
	t.Helper()

	conn, err := transport.Dial(context.Background(), n.tracker.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	h := &RawHolder{conn: conn, ready: make(chan struct{})}
	go h.run(answer)

	require.NoError(t, conn.SendPayload(protocol.MsgRegister, protocol.Register{Files: []protocol.FileDescriptor{desc}}))
	select {
	case <-h.ready:
	case <-time.After(waitFor):
		t.Fatal("holder never received its file list")
	}
	return h
}

func (h *RawHolder) run(answer func(idx, attempt int) ([]byte, bool)) {
	attempts := map[int]int{}
	var once sync.Once

	for {
		msg, err := h.conn.Receive()
		if err != nil {
			return
		}

		switch msg.Type {
		case protocol.MsgFileList:
			once.Do(func() { close(h.ready) })
		case protocol.MsgRequestFile:
			var req protocol.RequestFile
			if err := msg.Decode(&req); err != nil {
				return
			}
			for _, idx := range req.PartsNeeded {
				attempts[idx]++
				data, ok := answer(idx, attempts[idx])
				if !ok {
					_ = h.conn.Close()
					return
				}
				hdr := protocol.ChunkHeader{FileID: req.FileID, PartIndex: idx, RequestID: req.RequestID}
				if err := h.conn.SendChunk(hdr, data); err != nil {
					return
				}
			}
		}
	}
}

func describe(t *testing.T, fileID, name string, content []byte) protocol.FileDescriptor {
	t.Helper()
	size := int64(len(content))
	digests, err := protocol.PartDigests(bytes.NewReader(content), size)
	require.NoError(t, err)
	count := protocol.PartsCount(size)
	return protocol.FileDescriptor{
		FileID:      fileID,
		Filename:    name,
		Size:        size,
		PartsCount:  count,
		Parts:       protocol.AllParts(count),
		PartDigests: digests,
	}
}

func partOf(content []byte, i int) []byte {
	off := protocol.PartOffset(i)
	return content[off : off+int64(protocol.PartLength(int64(len(content)), i))]
}

func corrupt(data []byte) []byte {
	out := append([]byte(nil), data...)
	out[0] ^= 0x80
	return out
}
