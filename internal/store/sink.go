package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver
)

// SnapshotSink stores one JSON blob per bucket
type SnapshotSink interface {
	Save(ctx context.Context, bucket string, payload []byte) error
	Load(ctx context.Context, bucket string) ([]byte, bool, error)
}

// MemorySink keeps buckets in memory
type MemorySink struct {
	mu      sync.Mutex
	buckets map[string][]byte
	saves   int
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{buckets: make(map[string][]byte)}
}

func (m *MemorySink) Save(_ context.Context, bucket string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[bucket] = append([]byte(nil), payload...)
	m.saves++
	return nil
}

func (m *MemorySink) Load(_ context.Context, bucket string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.buckets[bucket]
	return append([]byte(nil), data...), ok, nil
}

// Saves returns how many times Save was called
func (m *MemorySink) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// sqlSink is a state(bucket, payload) table reached through database/sql
type sqlSink struct {
	db     *sql.DB
	upsert string
	query  string
}

func (s *sqlSink) Save(ctx context.Context, bucket string, payload []byte) error {
	if _, err := s.db.ExecContext(ctx, s.upsert, bucket, payload); err != nil {
		return fmt.Errorf("upsert %s: %w", bucket, err)
	}
	return nil
}

func (s *sqlSink) Load(ctx context.Context, bucket string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, s.query, bucket).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select %s: %w", bucket, err)
	}
	return payload, true, nil
}

// DB exposes the underlying pool
func (s *sqlSink) DB() *sql.DB { return s.db }

// Close closes the pool
func (s *sqlSink) Close() error { return s.db.Close() }

// SQLiteSink persists buckets to a SQLite file
type SQLiteSink struct {
	sqlSink
	path string
}

// NewSQLiteSink opens (creating if needed) the database at path
func NewSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	if path == "" {
		path = "pairdb-store.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	return &SQLiteSink{
		sqlSink: sqlSink{
			db:     db,
			upsert: `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`,
			query:  `SELECT payload FROM state WHERE bucket = ?`,
		},
		path: path,
	}, nil
}

// Path returns the database file path
func (s *SQLiteSink) Path() string { return s.path }

const defaultPostgresDSN = "postgres://localhost/pairdb?sslmode=disable"

// PostgresSink persists buckets to a JSONB table in Postgres
type PostgresSink struct {
	sqlSink
}

// NewPostgresSink connects with dsn (falls back to a localhost default)
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	if dsn == "" {
		dsn = defaultPostgresDSN
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure state table: %w", err)
	}
	return &PostgresSink{
		sqlSink: sqlSink{
			db:     db,
			upsert: `INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`,
			query:  `SELECT payload FROM state WHERE bucket = $1`,
		},
	}, nil
}
