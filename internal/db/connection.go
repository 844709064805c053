package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

//go:embed migration.sql
var schema string

// Open opens the tracker index at path. With clearOnStart the database
// file and its WAL side files are removed first.
func Open(path string, clearOnStart bool, pool PoolConfig, log logrus.FieldLogger) (*gorm.DB, error) {
	if clearOnStart {
		if err := Remove(path); err != nil {
			return nil, fmt.Errorf("clearing database: %w", err)
		}
	}

	db, err := connect(path, pool, log)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), pool.ConnectionTimeout)
	defer cancel()

	for _, stmt := range statements(schema) {
		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
			_ = Close(db)
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return db, nil
}

// statements splits the migration script. Prepared statement mode only
// runs the first statement of a multi-statement string.
func statements(script string) []string {
	var out []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// OpenCatalog opens the client catalogue and migrates it from the models.
func OpenCatalog(path string, log logrus.FieldLogger) (*gorm.DB, error) {
	pool := DefaultPoolConfig()
	pool.MaxOpenConns = 1
	pool.MinIdleConns = 1

	db, err := connect(path, pool, log)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&LocalFile{}); err != nil {
		_ = Close(db)
		return nil, fmt.Errorf("migrating catalogue: %w", err)
	}
	return db, nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Remove deletes a database file and its -wal and -shm companions.
// In-memory paths are left alone.
func Remove(path string) error {
	if path == "" || strings.HasPrefix(path, ":memory:") || strings.Contains(path, "mode=memory") {
		return nil
	}
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func connect(path string, pool PoolConfig, log logrus.FieldLogger) (*gorm.DB, error) {
	gormLog := gormlogger.Discard
	if log != nil {
		gormLog = gormlogger.New(log, gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}

	db, err := gorm.Open(sqlite.Open(pool.DSN(path)), &gorm.Config{
		PrepareStmt: true,
		Logger:      gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(pool.MinIdleConns)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), pool.ConnectionTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return db, nil
}
