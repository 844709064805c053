package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

// Observer receives every FILE_LIST the broadcaster sends, after the
// peers have been served.
type Observer interface {
	Observe(msg *protocol.Message)
}

// Broadcaster sends the current file list to every live peer. Requests
// are queued and handled by a single worker in enqueue order, so the
// last request made is the last list sent.
type Broadcaster struct {
	index    Index
	registry *Registry
	log      logrus.FieldLogger

	mu        sync.Mutex
	queue     int
	closed    bool
	wake      chan struct{}
	observers []Observer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewBroadcaster(index Index, registry *Registry, log logrus.FieldLogger) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broadcaster{
		index:    index,
		registry: registry,
		log:      log,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

// AddObserver registers o for every later broadcast.
func (b *Broadcaster) AddObserver(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Broadcast enqueues one send of the file list and returns immediately.
func (b *Broadcaster) Broadcast() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue++
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Shutdown stops accepting requests and waits up to timeout for the
// queue to drain. Whatever is left after that is dropped.
func (b *Broadcaster) Shutdown(timeout time.Duration) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}

	select {
	case <-b.done:
	case <-time.After(timeout):
		b.log.Warn("Broadcast queue did not drain in time")
	}
	b.cancel()
}

func (b *Broadcaster) run() {
	defer close(b.done)

	for {
		b.mu.Lock()
		if b.queue == 0 {
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-b.wake:
			case <-b.ctx.Done():
				return
			}
			continue
		}
		b.queue--
		b.mu.Unlock()

		if b.ctx.Err() != nil {
			return
		}
		b.send(b.ctx)
	}
}

func (b *Broadcaster) send(ctx context.Context) {
	peers := b.registry.Peers()
	ids := make([]string, len(peers))
	for i, p := range peers {
		ids[i] = p.ID()
	}

	files, err := b.index.GetAvailableFiles(ctx, ids)
	if err != nil {
		b.log.Errorf("Failed to load file list for broadcast: %v", err)
		return
	}

	msg, err := protocol.NewMessage(protocol.MsgFileList, protocol.FileList{Files: files})
	if err != nil {
		b.log.Errorf("Failed to encode file list: %v", err)
		return
	}

	for _, p := range peers {
		if err := p.SendMessage(msg); err != nil {
			b.log.WithField("peer", p.ID()).Warnf("Failed to send file list: %v", err)
		}
	}
	b.log.Debugf("Broadcast %d file(s) to %d peer(s)", len(files), len(peers))

	b.mu.Lock()
	observers := append([]Observer(nil), b.observers...)
	b.mu.Unlock()
	for _, o := range observers {
		o.Observe(msg)
	}
}
