package peer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-relay/internal/db"
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/rudransh-shrivastava/peer-relay/internal/store"
	"github.com/rudransh-shrivastava/peer-relay/internal/transport"
)

var (
	ErrNotConnected     = errors.New("not connected to server")
	ErrAlreadyConnected = errors.New("already connected")
)

// Client is one peer: a connection to the tracker, the downloads running
// over it and the local files it serves.
type Client struct {
	config    Config
	logger    logrus.FieldLogger
	catalog   *store.CatalogStore
	downloads *Downloads

	mu        sync.Mutex
	conn      *transport.Conn
	done      chan struct{}
	files     map[string]protocol.FileDescriptor
	listeners []Listener
}

// NewClient opens the catalogue in the download directory and loads the
// files already held there.
func NewClient(cfg Config) (*Client, error) {
	cfg.setDefaults()

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating download directory: %w", err)
	}
	gdb, err := db.OpenCatalog(filepath.Join(cfg.DownloadDir, catalogFile), nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:  cfg,
		logger:  cfg.Logger,
		catalog: store.NewCatalogStore(gdb),
		files:   make(map[string]protocol.FileDescriptor),
	}

	c.downloads, err = NewDownloads(context.Background(), cfg.DownloadDir, c.catalog, c, cfg.Logger)
	if err != nil {
		_ = c.catalog.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) Downloads() *Downloads { return c.downloads }

func (c *Client) ServerAddr() string { return c.config.ServerAddr }

// Subscribe adds l to the listeners notified of every client event.
func (c *Client) Subscribe(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the server, starts the reader and registers every local
// file.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	c.logger.Infof("Connecting to server %s", c.config.ServerAddr)
	conn, err := transport.Dial(dialCtx, c.config.ServerAddr)
	if err != nil {
		c.emit(func(l Listener) {
			l.OnError("Connection failed", fmt.Sprintf("Could not connect to %s: %v", c.config.ServerAddr, err))
		})
		return err
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrAlreadyConnected
	}
	done := make(chan struct{})
	c.conn = conn
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, done)

	files := c.downloads.LocalFiles()
	if err := conn.SendPayload(protocol.MsgRegister, protocol.Register{Files: files}); err != nil {
		_ = c.Disconnect()
		c.emit(func(l Listener) { l.OnError("Connection failed", fmt.Sprintf("Could not register with %s: %v", c.config.ServerAddr, err)) })
		return fmt.Errorf("registering: %w", err)
	}

	c.logger.Infof("Connected to %s, registered %d file(s)", c.config.ServerAddr, len(files))
	c.emit(func(l Listener) { l.OnInfo("Connected", "Connected to "+c.config.ServerAddr) })
	return nil
}

// Disconnect closes the connection and waits briefly for the reader.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.conn, c.done = nil, nil
	c.files = make(map[string]protocol.FileDescriptor)
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	err := conn.Close()

	select {
	case <-done:
	case <-time.After(c.config.StopTimeout):
		c.logger.Warn("Reader did not stop in time")
	}
	c.logger.Info("Disconnected from server")
	c.downloads.FailActive(ErrNotConnected)
	return err
}

// Close disconnects if needed and closes the catalogue.
func (c *Client) Close() error {
	if err := c.Disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Debugf("Disconnect on close: %v", err)
	}
	return c.catalog.Close()
}

// AddLocalFile publishes the file at path, announcing it when connected.
func (c *Client) AddLocalFile(ctx context.Context, path string) (protocol.FileDescriptor, error) {
	desc, err := c.downloads.AddLocal(ctx, path)
	if err != nil {
		c.emit(func(l Listener) { l.OnError("Add file failed", fmt.Sprintf("Could not add %s: %v", path, err)) })
		return desc, err
	}

	if conn := c.current(); conn != nil {
		if err := conn.SendPayload(protocol.MsgAddFile, protocol.NewAddFile(desc)); err != nil {
			err = fmt.Errorf("announcing %s: %w", desc.Filename, err)
			c.emit(func(l Listener) { l.OnError("Add file failed", err.Error()) })
			return desc, err
		}
	}

	c.emit(func(l Listener) { l.OnInfo("File added", fmt.Sprintf("File %s added for sharing", desc.Filename)) })
	return desc, nil
}

// Download starts fetching fileID, which must be in the latest listing.
func (c *Client) Download(fileID string) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	if c.downloads.HasFile(fileID) {
		return ErrAlreadyDownloaded
	}

	c.mu.Lock()
	desc, ok := c.files[fileID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}

	started, err := c.downloads.Start(desc)
	if err != nil {
		return err
	}
	if !started {
		return nil
	}

	needed := c.downloads.NeededParts(fileID)
	if len(needed) == 0 {
		return nil
	}
	return c.request(conn, fileID, needed)
}

// RequestPart asks the server for one part again.
func (c *Client) RequestPart(fileID string, index int) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	return c.request(conn, fileID, []int{index})
}

func (c *Client) request(conn *transport.Conn, fileID string, parts []int) error {
	req := protocol.RequestFile{FileID: fileID, PartsNeeded: parts, RequestID: uuid.NewString()}
	c.logger.Debugf("Requesting %d part(s) of %s (%s)", len(parts), fileID, req.RequestID)
	return conn.SendPayload(protocol.MsgRequestFile, req)
}

// Files is the latest listing from the server, by name.
func (c *Client) Files() []protocol.FileDescriptor {
	c.mu.Lock()
	out := make([]protocol.FileDescriptor, 0, len(c.files))
	for _, f := range c.files {
		out = append(out, f)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Filename != out[j].Filename {
			return out[i].Filename < out[j].Filename
		}
		return out[i].FileID < out[j].FileID
	})
	return out
}

func (c *Client) current() *transport.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) emit(fn func(Listener)) {
	c.mu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		fn(l)
	}
}

// OnProgress and the rest implement Events for the download engine.
func (c *Client) OnProgress(fileID, name string, have, total int) {
	c.emit(func(l Listener) { l.OnProgress(fileID, name, have, total) })
}

// OnComplete also announces the new copy, making this peer a holder.
func (c *Client) OnComplete(fileID, name string) {
	if desc, ok := c.downloads.Local(fileID); ok {
		if conn := c.current(); conn != nil {
			if err := conn.SendPayload(protocol.MsgAddFile, protocol.NewAddFile(desc)); err != nil {
				c.logger.Warnf("Failed to announce %s: %v", name, err)
			}
		}
	}
	c.emit(func(l Listener) { l.OnComplete(fileID, name) })
}

func (c *Client) OnRetry(fileID, name string, part, attempt int) {
	c.logger.Infof("Retrying part %d of %s (attempt %d)", part, name, attempt)
	c.emit(func(l Listener) { l.OnRetry(fileID, name, part, attempt) })

	if err := c.RequestPart(fileID, part); err != nil {
		c.emit(func(l Listener) {
			l.OnError("Retry failed", fmt.Sprintf("Could not request part %d of %s: %v", part, name, err))
		})
	}
}

func (c *Client) OnFailed(fileID, name string, err error) {
	c.emit(func(l Listener) { l.OnFailed(fileID, name, err) })
}

var _ Events = (*Client)(nil)
