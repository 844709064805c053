package peer

import (
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-relay/internal/logger"
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

const (
	DefaultDownloadDir = "downloads"

	catalogFile           = ".catalog.db"
	defaultConnectTimeout = 10 * time.Second
	defaultStopTimeout    = 2 * time.Second
)

type Config struct {
	ServerAddr  string
	DownloadDir string
	Logger      logrus.FieldLogger

	// ConnectTimeout bounds the dial to the server.
	ConnectTimeout time.Duration
	// StopTimeout is how long Disconnect waits for the reader to exit.
	StopTimeout time.Duration
}

// DefaultServerAddr is the tracker on this host at the default port.
func DefaultServerAddr() string {
	return net.JoinHostPort("localhost", strconv.Itoa(protocol.DefaultPort))
}

func (c *Config) setDefaults() {
	if c.ServerAddr == "" {
		c.ServerAddr = DefaultServerAddr()
	}
	if c.DownloadDir == "" {
		c.DownloadDir = DefaultDownloadDir
	}
	if c.Logger == nil {
		c.Logger = logger.NewLogger()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
}
