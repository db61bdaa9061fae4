// Package store persists gateway users, login sessions and action tokens.
package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrUserExists      = errors.New("user already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrActionNotFound  = errors.New("action token not found")
	ErrActionExpired   = errors.New("action token expired")
)

// Store provides access to the persisted gateway state.
type Store struct {
	log zerolog.Logger
	db  *sql.DB
	key *Key
	now func() time.Time
}

// New creates a Store on an opened database. key seals backend passwords.
func New(log zerolog.Logger, db *sql.DB, key *Key) *Store {
	return &Store{
		log: log.With().Str("component", "store").Logger(),
		db:  db,
		key: key,
		now: time.Now,
	}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens a SQLite database and runs migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer avoids SQLITE_BUSY between concurrent requests and
	// keeps the per-connection pragmas below in effect.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// runMigrations creates or updates the schema.
func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		name          TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		totp_secret   TEXT,
		ssh_password  TEXT NOT NULL,
		created_at    DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		csrf_token TEXT NOT NULL,
		user_name  TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_name) REFERENCES users(name) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

	-- Delegated commands: whoever holds the token may run command on the
	-- connection of user_name.
	CREATE TABLE IF NOT EXISTS actions (
		token          TEXT PRIMARY KEY,
		user_name      TEXT NOT NULL,
		command        TEXT NOT NULL,
		extra_data     TEXT,
		created_at     DATETIME NOT NULL,
		expires_at     DATETIME,
		uses_remaining INTEGER,
		FOREIGN KEY (user_name) REFERENCES users(name) ON DELETE CASCADE
	);
	`

	_, err := db.Exec(schema)
	return err
}

func generateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
