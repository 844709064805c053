package tracker

import (
	"context"
	"fmt"
	"sync"
)

// Chunk is a part body received from a holder.
type Chunk struct {
	FileID    string
	PartIndex int
	Data      []byte
}

type chunkResult struct {
	chunk Chunk
	err   error
}

// Future is a one-shot slot for a single relayed chunk.
type Future struct {
	id      string
	ch      chan chunkResult
	pending *pendingTable
}

// Wait blocks until the chunk arrives, the session fails the slot, or ctx
// ends. On ctx expiry the slot is abandoned so a late chunk is discarded.
func (f *Future) Wait(ctx context.Context) (Chunk, error) {
	select {
	case res := <-f.ch:
		return res.chunk, res.err
	case <-ctx.Done():
		f.pending.abandon(f.id)
		// The slot may have been completed concurrently.
		select {
		case res := <-f.ch:
			return res.chunk, res.err
		default:
		}
		return Chunk{}, fmt.Errorf("%w: request %s", ErrRelayTimeout, f.id)
	}
}

// pendingTable maps requestId to its slot. Each slot is completed at
// most once.
type pendingTable struct {
	mu     sync.Mutex
	slots  map[string]chan chunkResult
	closed bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{slots: make(map[string]chan chunkResult)}
}

func (p *pendingTable) register(id string) (*Future, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrSessionClosed
	}
	if _, exists := p.slots[id]; exists {
		return nil, fmt.Errorf("duplicate request id %s", id)
	}

	ch := make(chan chunkResult, 1)
	p.slots[id] = ch
	return &Future{id: id, ch: ch, pending: p}, nil
}

// complete delivers chunk to the slot for id. It reports false when no
// such slot exists.
func (p *pendingTable) complete(id string, chunk Chunk) bool {
	p.mu.Lock()
	ch, ok := p.slots[id]
	delete(p.slots, id)
	p.mu.Unlock()

	if ok {
		ch <- chunkResult{chunk: chunk}
	}
	return ok
}

func (p *pendingTable) abandon(id string) {
	p.mu.Lock()
	delete(p.slots, id)
	p.mu.Unlock()
}

// failAll fails every outstanding slot and refuses new ones.
func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	slots := p.slots
	p.slots = make(map[string]chan chunkResult)
	p.closed = true
	p.mu.Unlock()

	for _, ch := range slots {
		ch <- chunkResult{err: err}
	}
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
