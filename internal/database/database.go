// Package database opens the SQLite database and runs migrations.
package database

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite" // Pure Go SQLite driver (uses modernc.org/sqlite)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/archestra-ai/sandboxd/internal/model"
)

// DB wraps the GORM DB connection.
type DB struct {
	*gorm.DB
}

// New opens (or creates) the SQLite database at path. ":memory:" opens an
// in-memory database, used by tests.
func New(path string) (*DB, error) {
	// Only log slow queries (>1 second)
	slowLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	if path != ":memory:" && !strings.HasPrefix(path, ":memory:") {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: slowLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode allows concurrent readers while a writer is active,
	// preventing connection starvation with multiple goroutines.
	db.Exec("PRAGMA journal_mode=WAL")
	// busy_timeout makes SQLite wait (up to 5s) when the DB is locked
	// instead of immediately returning SQLITE_BUSY.
	db.Exec("PRAGMA busy_timeout = 5000")
	db.Exec("PRAGMA foreign_keys = ON")

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	// With WAL mode, SQLite supports concurrent readers alongside a single
	// writer. Allow multiple connections so read-heavy polling goroutines
	// don't block behind writes.
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(4)

	return &DB{DB: db}, nil
}

// Migrate runs database migrations using GORM's AutoMigrate.
func (db *DB) Migrate() error {
	return db.AutoMigrate(model.AllModels()...)
}

// Close closes the database connection.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
