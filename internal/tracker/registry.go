package tracker

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrFileNotFound  = errors.New("file not found")
	ErrNoFreePeer    = errors.New("no free peer")
	ErrRelayTimeout  = errors.New("relay timed out")
	ErrSessionClosed = errors.New("session closed")
)

// Registry tracks live peers and which of them are leased to a relay.
// A peer is busy while at most one relay transfer is using it.
type Registry struct {
	mu   sync.Mutex
	live map[string]Peer
	busy map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		live: make(map[string]Peer),
		busy: make(map[string]struct{}),
	}
}

func (r *Registry) Add(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[p.ID()] = p
}

// Remove drops id from the live map and releases any lease it held.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
	delete(r.busy, id)
}

func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.live[id]
	return p, ok
}

// Live filters ids down to those currently connected, keeping order.
func (r *Registry) Live(ids []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := r.live[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// ChooseFree leases the first candidate that is live and not busy. The
// check and the lease happen under one lock, so two callers never lease
// the same peer.
func (r *Registry) ChooseFree(candidates []string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range candidates {
		p, ok := r.live[id]
		if !ok {
			continue
		}
		if _, leased := r.busy[id]; leased {
			continue
		}
		r.busy[id] = struct{}{}
		return p, true
	}
	return nil, false
}

// Release is idempotent.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.busy, id)
}

func (r *Registry) IsBusy(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.busy[id]
	return ok
}

// Peers returns a snapshot of live peers ordered by id.
func (r *Registry) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Peer, 0, len(r.live))
	for _, p := range r.live {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) IDs() []string {
	peers := r.Peers()
	ids := make([]string, len(peers))
	for i, p := range peers {
		ids[i] = p.ID()
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// ShutdownAll stops every peer and clears both maps.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	peers := make([]Peer, 0, len(r.live))
	for _, p := range r.live {
		peers = append(peers, p)
	}
	r.live = make(map[string]Peer)
	r.busy = make(map[string]struct{})
	r.mu.Unlock()

	for _, p := range peers {
		p.Stop()
	}
}
