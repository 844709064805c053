package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

const (
	watcherBuffer     = 16
	watchWriteTimeout = 5 * time.Second
)

// Monitor is a read-only HTTP view of the tracker. /ws streams every
// broadcast FILE_LIST to websocket watchers.
type Monitor struct {
	index    Index
	registry *Registry
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
	listener net.Listener
	server   *http.Server

	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

type watcher struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (w *watcher) close() {
	w.once.Do(func() {
		close(w.send)
		_ = w.conn.Close()
	})
}

type peerStatus struct {
	ID   string `json:"id"`
	Busy bool   `json:"busy"`
}

func NewMonitor(addr string, index Index, registry *Registry, log logrus.FieldLogger) (*Monitor, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		index:    index,
		registry: registry,
		log:      log.WithField("component", "monitor"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		listener: listener,
		watchers: make(map[*watcher]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/files", m.handleFiles)
	mux.HandleFunc("/peers", m.handlePeers)
	mux.HandleFunc("/ws", m.handleWatch)
	m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	return m, nil
}

func (m *Monitor) Addr() string {
	return m.listener.Addr().String()
}

func (m *Monitor) Serve() {
	go func() {
		if err := m.server.Serve(m.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Errorf("Monitor stopped: %v", err)
		}
	}()
}

// Observe forwards msg to every watcher. A watcher whose buffer is full
// is dropped rather than allowed to stall the broadcast worker.
func (m *Monitor) Observe(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		m.log.Errorf("Failed to encode broadcast: %v", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for w := range m.watchers {
		select {
		case w.send <- data:
		default:
			m.log.Warn("Dropping slow watcher")
			delete(m.watchers, w)
			w.close()
		}
	}
}

func (m *Monitor) Close() error {
	m.mu.Lock()
	for w := range m.watchers {
		w.close()
	}
	m.watchers = make(map[*watcher]struct{})
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return m.server.Shutdown(ctx)
}

func (m *Monitor) handleFiles(w http.ResponseWriter, r *http.Request) {
	files, err := m.index.GetFiles(r.Context())
	if err != nil {
		m.log.Errorf("Failed to list files: %v", err)
		http.Error(w, "failed to list files", http.StatusInternalServerError)
		return
	}
	writeJSON(w, files)
}

func (m *Monitor) handlePeers(w http.ResponseWriter, r *http.Request) {
	ids := m.registry.IDs()
	peers := make([]peerStatus, len(ids))
	for i, id := range ids {
		peers[i] = peerStatus{ID: id, Busy: m.registry.IsBusy(id)}
	}
	writeJSON(w, peers)
}

func (m *Monitor) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warnf("Websocket upgrade failed: %v", err)
		return
	}
	m.log.Infof("Watcher connected from %s", r.RemoteAddr)

	wt := &watcher{conn: conn, send: make(chan []byte, watcherBuffer)}
	m.mu.Lock()
	m.watchers[wt] = struct{}{}
	m.mu.Unlock()

	go m.writeLoop(wt)

	// Watchers never send anything useful; reading only detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	m.mu.Lock()
	delete(m.watchers, wt)
	m.mu.Unlock()
	wt.close()
	m.log.Infof("Watcher %s disconnected", r.RemoteAddr)
}

func (m *Monitor) writeLoop(wt *watcher) {
	for data := range wt.send {
		_ = wt.conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		if err := wt.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			m.log.Debugf("Watcher write failed: %v", err)
			_ = wt.conn.Close()
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
