package db

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// PoolConfig sizes the connection pool and the sqlite pragmas applied to
// every pooled connection.
type PoolConfig struct {
	MaxOpenConns      int
	MinIdleConns      int
	ConnectionTimeout time.Duration
	JournalMode       string
	BusyTimeout       time.Duration
	ForeignKeys       bool
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:      10,
		MinIdleConns:      2,
		ConnectionTimeout: 30 * time.Second,
		JournalMode:       "WAL",
		BusyTimeout:       5 * time.Second,
		ForeignKeys:       true,
	}
}

// PoolConfigFromEnv overlays DB_* variables on the defaults. Values that
// do not parse are ignored.
func PoolConfigFromEnv(getenv func(string) string) PoolConfig {
	cfg := DefaultPoolConfig()

	if n, ok := envInt(getenv, "DB_MAX_POOL_SIZE"); ok && n > 0 {
		cfg.MaxOpenConns = n
	}
	if n, ok := envInt(getenv, "DB_MIN_IDLE"); ok && n >= 0 {
		cfg.MinIdleConns = n
	}
	if n, ok := envInt(getenv, "DB_CONNECTION_TIMEOUT"); ok && n > 0 {
		cfg.ConnectionTimeout = time.Duration(n) * time.Millisecond
	}
	if mode := strings.TrimSpace(getenv("DB_JOURNAL_MODE")); mode != "" {
		cfg.JournalMode = strings.ToUpper(mode)
	}
	if n, ok := envInt(getenv, "DB_BUSY_TIMEOUT"); ok && n >= 0 {
		cfg.BusyTimeout = time.Duration(n) * time.Millisecond
	}
	if v := strings.TrimSpace(getenv("DB_FOREIGN_KEYS")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ForeignKeys = b
		}
	}

	if cfg.MinIdleConns > cfg.MaxOpenConns {
		cfg.MinIdleConns = cfg.MaxOpenConns
	}
	return cfg
}

// DSN appends the pragmas as glebarez/sqlite _pragma parameters.
func (c PoolConfig) DSN(path string) string {
	q := url.Values{}
	fk := 0
	if c.ForeignKeys {
		fk = 1
	}
	q.Add("_pragma", fmt.Sprintf("foreign_keys(%d)", fk))
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout.Milliseconds()))
	if c.JournalMode != "" {
		q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", c.JournalMode))
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

func envInt(getenv func(string) string, key string) (int, bool) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
