// This file implements an SQLite-backed store for conversation attributes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore stores conversation attributes, the delivery log and the note outbox.
type SQLiteStore struct {
	sqlRepos
}

var _ AttributeStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY between the webhook handlers and the outbox sender.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dsn", dsn)

	return &SQLiteStore{sqlRepos{db: db, dialect: dialectSQLite, name: "SQLiteStore"}}, nil
}

// GetAttributes returns the attribute map of a conversation, empty if none is stored.
func (s *SQLiteStore) GetAttributes(ctx context.Context, conversationID string) (models.Attributes, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT attributes FROM conversation_attributes WHERE conversation_id = ?`, conversationID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("SQLiteStore GetAttributes not found", "conversationID", conversationID)
		return models.Attributes{}, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetAttributes failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to read attributes for %s: %w", conversationID, err)
	}
	return decodeAttributes(raw)
}

// SetAttributes replaces the attribute map of a conversation.
func (s *SQLiteStore) SetAttributes(ctx context.Context, conversationID string, attrs models.Attributes) error {
	raw, err := encodeAttributes(attrs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_attributes (conversation_id, attributes, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET attributes = excluded.attributes, updated_at = excluded.updated_at`,
		conversationID, raw, time.Now(),
	)
	if err != nil {
		slog.Error("SQLiteStore SetAttributes failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to write attributes for %s: %w", conversationID, err)
	}
	slog.Debug("SQLiteStore SetAttributes succeeded", "conversationID", conversationID, "keys", len(attrs))
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

func encodeAttributes(attrs models.Attributes) (string, error) {
	if attrs == nil {
		attrs = models.Attributes{}
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("failed to encode attributes: %w", err)
	}
	return string(b), nil
}

func decodeAttributes(raw string) (models.Attributes, error) {
	attrs := models.Attributes{}
	if raw == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	return attrs, nil
}
