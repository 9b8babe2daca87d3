// Package postgres stores plugin state documents in a PostgreSQL database.
//
// Documents live in the kutana_documents table with their data as jsonb.
// Version checks happen in the write statements themselves, so concurrent
// writers race on the database rather than on the client.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ekonda/kutana/internal/storage"
)

// Config holds the configuration for connecting to the PostgreSQL database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type dbPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Storage is a PostgreSQL backed document store.
type Storage struct {
	dbpool dbPool
}

type options struct {
	newPool func(ctx context.Context, dsn string) (dbPool, error)
}

// Options represents an optional function to override Storage default values.
type Options func(*options)

// New creates a document store with a PostgreSQL connection pool using the
// provided configuration.
// Note: The connection is validated with a ping, but it is not maintained.
func New(ctx context.Context, cfg Config, args ...Options) (*Storage, error) {
	opts := options{
		newPool: func(ctx context.Context, dsn string) (dbPool, error) {
			return pgxpool.New(ctx, dsn)
		},
	}

	for _, opt := range args {
		opt(&opts)
	}

	dbpool, err := opts.newPool(ctx, cfg.URI("postgres"))
	if err != nil {
		return nil, fmt.Errorf("unable to create database connection pool: %w", err)
	}

	slog.Debug("Testing database connection", "host", cfg.Host, "port", cfg.Port)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %v", err)
	}

	slog.Info("Successfully pinged PostgreSQL database", "host", cfg.Host, "port", cfg.Port)
	return &Storage{dbpool: dbpool}, nil
}

// Get returns the document stored under key.
func (s *Storage) Get(ctx context.Context, key string) (storage.Document, error) {
	if s.dbpool == nil {
		return storage.Document{}, fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var doc storage.Document
	err := s.dbpool.QueryRow(ctx,
		`SELECT version, data FROM kutana_documents WHERE key = $1`, key,
	).Scan(&doc.Version, &doc.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Document{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Document{}, fmt.Errorf("failed to get document: %v", err)
	}
	return doc, nil
}

// Put stores doc under key if doc.Version matches the stored version.
// The version check and the write are a single statement, so concurrent
// writers cannot both succeed with the same version.
func (s *Storage) Put(ctx context.Context, key string, doc storage.Document) (storage.Document, error) {
	if s.dbpool == nil {
		return storage.Document{}, fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var tag pgconn.CommandTag
	var err error
	if doc.Version == 0 {
		tag, err = s.dbpool.Exec(ctx,
			`INSERT INTO kutana_documents (key, version, data)
			 VALUES ($1, 1, $2)
			 ON CONFLICT (key) DO NOTHING`,
			key, doc.Data)
	} else {
		tag, err = s.dbpool.Exec(ctx,
			`UPDATE kutana_documents
			 SET version = version + 1, data = $3
			 WHERE key = $1 AND version = $2`,
			key, doc.Version, doc.Data)
	}
	if err != nil {
		return storage.Document{}, fmt.Errorf("failed to put document: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.Document{}, storage.ErrVersionMismatch
	}

	doc.Version++
	return doc, nil
}

// Delete removes the document stored under key. Missing keys are not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if s.dbpool == nil {
		return fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := s.dbpool.Exec(ctx, `DELETE FROM kutana_documents WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete document: %v", err)
	}
	return nil
}

// Close closes the database connection.
//
// If the connection is already closed, it does nothing.
// If the connection does not close within 10 seconds, it returns an error.
func (s *Storage) Close() error {
	if s.dbpool == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.dbpool.Close()
	}()

	select {
	case <-done:
		s.dbpool = nil
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout while closing database, connection may still be open")
	}
}

// URI is a helper method that returns a connection URI for PostgreSQL.
// It does not check the validity of the configuration values.
//
// Security warning: the returned string may include credentials.
func (c Config) URI(scheme string) string {
	host := c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}

	user := url.User(c.User)
	if c.Password != "" {
		user = url.UserPassword(c.User, c.Password)
	}

	u := &url.URL{
		Scheme: scheme,
		User:   user,
		Host:   host,
		Path:   c.DBName,
	}

	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
