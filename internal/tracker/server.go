package tracker

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/rudransh-shrivastava/peer-relay/internal/store"
	"github.com/rudransh-shrivastava/peer-relay/internal/transport"
)

// Index is the persistent file index the server reads and writes.
type Index interface {
	RegisterPeer(ctx context.Context, peerID string, files []protocol.FileDescriptor) error
	AddFileForPeer(ctx context.Context, peerID string, file protocol.FileDescriptor) error
	GetFiles(ctx context.Context) ([]protocol.FileDescriptor, error)
	GetAvailableFiles(ctx context.Context, live []string) ([]protocol.FileDescriptor, error)
	GetFile(ctx context.Context, fileID string) (*protocol.FileDescriptor, error)
	GetFilePartWithPeers(ctx context.Context, fileID string, partIndex int) (*store.FilePart, error)
}

var _ Index = (*store.IndexStore)(nil)

type Server struct {
	config      Config
	logger      logrus.FieldLogger
	transport   *transport.Transport
	index       Index
	registry    *Registry
	dispatcher  *Dispatcher
	relay       *Relay
	broadcaster *Broadcaster
	monitor     *Monitor

	ctx          context.Context
	cancel       context.CancelFunc
	sessions     sync.WaitGroup
	transfers    sync.WaitGroup
	shutdownOnce sync.Once
}

// NewServer binds the listener and, when configured, the monitor.
func NewServer(cfg Config, index Index) (*Server, error) {
	cfg.setDefaults()

	tr, err := transport.NewTransport(cfg.Addr)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:      cfg,
		logger:      cfg.Logger,
		transport:   tr,
		index:       index,
		registry:    registry,
		dispatcher:  NewDispatcher(),
		relay:       NewRelay(index, registry, cfg),
		broadcaster: NewBroadcaster(index, registry, cfg.Logger),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.registerHandlers()

	if cfg.MonitorAddr != "" {
		mon, err := NewMonitor(cfg.MonitorAddr, index, registry, cfg.Logger)
		if err != nil {
			_ = tr.Close()
			cancel()
			return nil, err
		}
		s.monitor = mon
		s.broadcaster.AddObserver(mon)
	}

	return s, nil
}

func (s *Server) Addr() string {
	return s.transport.LocalAddr().String()
}

// MonitorAddr is empty when the monitor is disabled.
func (s *Server) MonitorAddr() string {
	if s.monitor == nil {
		return ""
	}
	return s.monitor.Addr()
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// Start accepts connections until ctx ends or Shutdown closes the
// listener.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Infof("Tracker server started on %s", s.Addr())
	if s.monitor != nil {
		s.monitor.Serve()
		s.logger.Infof("Monitor listening on %s", s.monitor.Addr())
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = s.transport.Close()
		case <-s.ctx.Done():
		}
	}()

	for {
		conn, err := s.transport.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			s.logger.Errorf("Failed to accept connection: %v", err)
			continue
		}

		if s.ctx.Err() != nil {
			_ = conn.Close()
			return nil
		}
		s.sessions.Add(1)
		go s.handlePeer(conn)
	}
}

// Shutdown closes the listener, drains queued broadcasts, stops every
// session and waits briefly for them to exit.
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down tracker server")

		err = s.transport.Close()
		s.broadcaster.Shutdown(s.config.DrainTimeout)
		s.registry.ShutdownAll()
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.sessions.Wait()
			s.transfers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.config.ShutdownGrace):
			s.logger.Warn("Sessions still running after shutdown grace period")
		}

		if s.monitor != nil {
			_ = s.monitor.Close()
		}
	})
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Server) handlePeer(conn *transport.Conn) {
	defer s.sessions.Done()

	sess := newSession(conn, s.logger)
	s.registry.Add(sess)
	sess.log.Infof("Peer connected from %s", conn.RemoteAddr())

	if err := sess.Run(s.ctx, s.dispatcher); err != nil {
		sess.log.Errorf("Session ended: %v", err)
	}

	s.registry.Remove(sess.ID())
	sess.log.Info("Peer disconnected")
	s.broadcaster.Broadcast()
}
