// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains database bootstrapping helpers: a
// pure-Go SQLite path for local development and tests, and a Postgres path
// for the durable production schema (messages, receipts, conversations,
// conversation_members).
package repo

import (
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tbourn/chat-transport/internal/domain"
)

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs. This
// is the pure-Go path used for local development and the package's own
// tests; it carries no CGO dependency.
func OpenSQLite(path string) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// PRAGMAs
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	tunePool(db, 10, 10)
	return db, nil
}

// OpenPostgres opens a Postgres connection using dsn (e.g.
// "host=... user=... password=... dbname=... port=5432 sslmode=disable")
// and tunes the connection pool for the durable store's write/read volume.
func OpenPostgres(dsn string, maxOpen, maxIdle int) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	tunePool(db, maxOpen, maxIdle)
	return db, nil
}

func tunePool(db *gorm.DB, maxOpen, maxIdle int) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxIdle)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
}

// AutoMigrate creates or updates the schema for every durable domain model:
// conversations, conversation members, messages, attachments, and
// receipts.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Conversation{},
		&domain.ConversationMember{},
		&domain.Message{},
		&domain.Attachment{},
		&domain.Receipt{},
	)
}
