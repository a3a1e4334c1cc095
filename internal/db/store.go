package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database with thread-safe write access.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens or creates the SQLite database at the given path and runs
// schema migration.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	// SQLite doesn't support concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Warn().Err(err).Msg("failed to enable WAL mode")
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		log.Warn().Err(err).Msg("failed to enable foreign keys")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("database opened")
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema when missing.
func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			uid        INTEGER PRIMARY KEY,
			nickname   TEXT NOT NULL UNIQUE,
			email      TEXT NOT NULL DEFAULT '',
			password   TEXT NOT NULL,
			admin      INTEGER NOT NULL DEFAULT 0,
			paid       INTEGER NOT NULL DEFAULT 0,
			plus       INTEGER NOT NULL DEFAULT 0,
			color      TEXT NOT NULL DEFAULT '',
			presence   INTEGER NOT NULL DEFAULT 0,
			last_login TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS buddies (
			owner_uid INTEGER NOT NULL REFERENCES users(uid),
			buddy_uid INTEGER NOT NULL REFERENCES users(uid),
			PRIMARY KEY (owner_uid, buddy_uid)
		)`,
		`CREATE TABLE IF NOT EXISTS blocked (
			owner_uid   INTEGER NOT NULL REFERENCES users(uid),
			blocked_uid INTEGER NOT NULL REFERENCES users(uid),
			PRIMARY KEY (owner_uid, blocked_uid)
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id        INTEGER PRIMARY KEY,
			name      TEXT NOT NULL,
			category  TEXT NOT NULL DEFAULT '',
			rating    TEXT NOT NULL DEFAULT 'G',
			voice     INTEGER NOT NULL DEFAULT 0,
			auto_mic  INTEGER NOT NULL DEFAULT 0,
			locked    INTEGER NOT NULL DEFAULT 0,
			password  TEXT NOT NULL DEFAULT '',
			owner_uid INTEGER NOT NULL DEFAULT 0,
			topic     TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS offline_messages (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_uid   INTEGER NOT NULL,
			receiver_uid INTEGER NOT NULL,
			sent_at      TIMESTAMP NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			content      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_offline_receiver
			ON offline_messages(receiver_uid, status)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// exec serializes writes behind the store mutex.
func (s *Store) exec(query string, args ...interface{}) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Exec(query, args...)
}

// Transaction executes fn within a database transaction.
func (s *Store) Transaction(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
