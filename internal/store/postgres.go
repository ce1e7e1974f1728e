// This file implements a PostgreSQL-backed store for conversation attributes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore stores conversation attributes, the delivery log and the note outbox.
type PostgresStore struct {
	sqlRepos
}

var _ AttributeStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{sqlRepos{db: db, dialect: dialectPostgres, name: "PostgresStore"}}, nil
}

// GetAttributes returns the attribute map of a conversation, empty if none is stored.
func (s *PostgresStore) GetAttributes(ctx context.Context, conversationID string) (models.Attributes, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT attributes::text FROM conversation_attributes WHERE conversation_id = $1`, conversationID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("PostgresStore GetAttributes not found", "conversationID", conversationID)
		return models.Attributes{}, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetAttributes failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to read attributes for %s: %w", conversationID, err)
	}
	return decodeAttributes(raw)
}

// SetAttributes replaces the attribute map of a conversation.
func (s *PostgresStore) SetAttributes(ctx context.Context, conversationID string, attrs models.Attributes) error {
	raw, err := encodeAttributes(attrs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_attributes (conversation_id, attributes, updated_at) VALUES ($1, $2::jsonb, $3)
		 ON CONFLICT (conversation_id) DO UPDATE SET attributes = EXCLUDED.attributes, updated_at = EXCLUDED.updated_at`,
		conversationID, raw, time.Now(),
	)
	if err != nil {
		slog.Error("PostgresStore SetAttributes failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to write attributes for %s: %w", conversationID, err)
	}
	slog.Debug("PostgresStore SetAttributes succeeded", "conversationID", conversationID, "keys", len(attrs))
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
