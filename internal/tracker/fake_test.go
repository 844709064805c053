package tracker

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rudransh-shrivastava/peer-relay/internal/db"
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/rudransh-shrivastava/peer-relay/internal/store"
)

type sentChunk struct {
	header protocol.ChunkHeader
	data   []byte
}

// fakePeer records what the server sends it. Chunk requests are answered
// by onRequest, if set.
type fakePeer struct {
	id      string
	pending *pendingTable
	stopped atomic.Bool

	onRequest func(p *fakePeer, req protocol.RequestFile)
	sendErr   error

	mu       sync.Mutex
	chunks   []sentChunk
	errors   []protocol.Error
	messages []*protocol.Message
	requests []protocol.RequestFile
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id, pending: newPendingTable()}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) SendMessage(msg *protocol.Message) error {
	if p.sendErr != nil {
		return p.sendErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakePeer) SendChunk(h protocol.ChunkHeader, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h.Length = len(data)
	p.chunks = append(p.chunks, sentChunk{header: h, data: data})
	return nil
}

func (p *fakePeer) SendError(code protocol.ErrorCode, message, fileID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors = append(p.errors, protocol.Error{Code: code, Message: message, FileID: fileID})
	return nil
}

func (p *fakePeer) SendChunkRequest(req protocol.RequestFile) (*Future, error) {
	f, err := p.pending.register(req.RequestID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.onRequest != nil {
		go p.onRequest(p, req)
	}
	return f, nil
}

func (p *fakePeer) Stop() {
	p.stopped.Store(true)
	p.pending.failAll(ErrSessionClosed)
}

func (p *fakePeer) reply(req protocol.RequestFile, data []byte) {
	p.pending.complete(req.RequestID, Chunk{FileID: req.FileID, PartIndex: req.PartsNeeded[0], Data: data})
}

func (p *fakePeer) sentChunks() []sentChunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentChunk(nil), p.chunks...)
}

func (p *fakePeer) sentErrors() []protocol.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Error(nil), p.errors...)
}

func (p *fakePeer) sentMessages() []*protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*protocol.Message(nil), p.messages...)
}

func newTestIndex(t *testing.T) *store.IndexStore {
	t.Helper()
	gdb, err := db.Open(filepath.Join(t.TempDir(), "server.db"), true, db.DefaultPoolConfig(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })
	return store.NewIndexStore(gdb)
}

// publish stores content under fileID for each holder and returns the
// descriptor.
func publish(t *testing.T, index *store.IndexStore, fileID, name string, content []byte, holders ...string) protocol.FileDescriptor {
	t.Helper()
	d := describe(fileID, name, content)
	for _, h := range holders {
		if err := index.AddFileForPeer(context.Background(), h, d); err != nil {
			t.Fatalf("AddFileForPeer failed: %v", err)
		}
	}
	return d
}

func describe(fileID, name string, content []byte) protocol.FileDescriptor {
	size := int64(len(content))
	count := protocol.PartsCount(size)
	digests := make(map[int]string, count)
	for i := 0; i < count; i++ {
		digests[i] = protocol.Digest(partOf(content, i))
	}
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

func testContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/1024)
	}
	return b
}
