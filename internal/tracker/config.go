package tracker

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-relay/internal/logger"
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

const (
	DefaultDBPath       = "server.db"
	DefaultClearOnStart = true

	defaultPickTimeout     = 10 * time.Second
	defaultPollInterval    = 10 * time.Millisecond
	defaultResponseTimeout = 15 * time.Second
	defaultDrainTimeout    = 5 * time.Second
	defaultShutdownGrace   = time.Second
)

type Config struct {
	Addr         string
	DBPath       string
	ClearOnStart bool
	Port         int
	MonitorAddr  string
	Logger       logrus.FieldLogger

	// PickTimeout bounds the wait for a free holder of one part.
	PickTimeout time.Duration
	// PollInterval is how often a busy holder set is re-checked.
	PollInterval time.Duration
	// ResponseTimeout bounds the wait for a holder's SEND_CHUNK.
	ResponseTimeout time.Duration
	// DrainTimeout bounds how long queued broadcasts may run at shutdown.
	DrainTimeout time.Duration
	// ShutdownGrace is how long Shutdown waits for sessions to exit.
	ShutdownGrace time.Duration
}

// LoadConfig resolves [dbPath] [clearOnStart] [port] from args, then
// DB_PATH, DB_CLEAR_ON_START and SERVER_PORT, then the defaults. Values
// that do not parse fall through to the next source.
func LoadConfig(args []string, getenv func(string) string) Config {
	cfg := Config{
		DBPath:       DefaultDBPath,
		ClearOnStart: DefaultClearOnStart,
		Port:         protocol.DefaultPort,
		MonitorAddr:  strings.TrimSpace(getenv("MONITOR_ADDR")),
	}

	if paths := candidates(args, 0, getenv, "DB_PATH"); len(paths) > 0 {
		cfg.DBPath = paths[0]
	}
	for _, v := range candidates(args, 1, getenv, "DB_CLEAR_ON_START") {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ClearOnStart = b
			break
		}
	}
	for _, v := range candidates(args, 2, getenv, "SERVER_PORT") {
		if p, err := strconv.Atoi(v); err == nil && p >= 0 && p <= 65535 {
			cfg.Port = p
			break
		}
	}

	cfg.Addr = net.JoinHostPort("", strconv.Itoa(cfg.Port))
	return cfg
}

// candidates returns the non-empty positional arg and env value, in
// that order.
func candidates(args []string, i int, getenv func(string) string, key string) []string {
	var out []string
	if i < len(args) {
		if v := strings.TrimSpace(args[i]); v != "" {
			out = append(out, v)
		}
	}
	if v := strings.TrimSpace(getenv(key)); v != "" {
		out = append(out, v)
	}
	return out
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logger.NewLogger()
	}
	if c.Addr == "" {
		c.Addr = net.JoinHostPort("", strconv.Itoa(c.Port))
	}
	if c.PickTimeout <= 0 {
		c.PickTimeout = defaultPickTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = defaultResponseTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
}
