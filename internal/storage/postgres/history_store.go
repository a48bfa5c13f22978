// Package postgres provides a Postgres-backed invocation history.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/product-search-gateway/internal/search"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// HistoryStoreConfig controls the Postgres connection pool used for history rows.
type HistoryStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// HistoryStore writes one row per invocation into Postgres.
type HistoryStore struct {
	pool  pool
	table string
}

// NewHistoryStore creates a Postgres-backed HistoryStore using the provided config.
func NewHistoryStore(ctx context.Context, cfg HistoryStoreConfig) (*HistoryStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("history.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewHistoryStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewHistoryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewHistoryStoreWithPool(p pool, table string) (*HistoryStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "search_invocations"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &HistoryStore{pool: p, table: table}, nil
}

// EnsureSchema creates the history table when it does not exist.
func (s *HistoryStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	request_id   TEXT PRIMARY KEY,
	query        TEXT NOT NULL,
	received_at  TIMESTAMPTZ NOT NULL,
	result       TEXT NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	exit_code    INTEGER,
	duration_ms  BIGINT NOT NULL,
	item_count   INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL DEFAULT '',
	blob_uri     TEXT NOT NULL DEFAULT ''
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create history table: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *HistoryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordInvocation upserts rec keyed by request id.
func (s *HistoryStore) RecordInvocation(ctx context.Context, rec search.InvocationRecord) error {
	if rec.RequestID == "" {
		return errors.New("request id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	request_id,
	query,
	received_at,
	result,
	detail,
	exit_code,
	duration_ms,
	item_count,
	content_hash,
	blob_uri
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (request_id) DO UPDATE SET
	result = EXCLUDED.result,
	detail = EXCLUDED.detail,
	exit_code = EXCLUDED.exit_code,
	duration_ms = EXCLUDED.duration_ms,
	item_count = EXCLUDED.item_count,
	content_hash = EXCLUDED.content_hash,
	blob_uri = EXCLUDED.blob_uri`, s.table)

	args := []any{
		rec.RequestID,
		rec.Query,
		rec.ReceivedAt,
		rec.Result,
		rec.Detail,
		rec.ExitCode,
		rec.Duration.Milliseconds(),
		rec.Count,
		rec.ContentHash,
		rec.BlobURI,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// GetInvocation loads the record for requestID or returns search.ErrNotFound.
func (s *HistoryStore) GetInvocation(ctx context.Context, requestID string) (search.InvocationRecord, error) {
	query := fmt.Sprintf(`
SELECT request_id, query, received_at, result, detail, exit_code, duration_ms, item_count, content_hash, blob_uri
FROM %s WHERE request_id = $1`, s.table)

	var (
		rec        search.InvocationRecord
		durationMS int64
	)
	err := s.pool.QueryRow(ctx, query, requestID).Scan(
		&rec.RequestID,
		&rec.Query,
		&rec.ReceivedAt,
		&rec.Result,
		&rec.Detail,
		&rec.ExitCode,
		&durationMS,
		&rec.Count,
		&rec.ContentHash,
		&rec.BlobURI,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return search.InvocationRecord{}, fmt.Errorf("get invocation %s: %w", requestID, search.ErrNotFound)
	}
	if err != nil {
		return search.InvocationRecord{}, fmt.Errorf("select invocation: %w", err)
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return rec, nil
}
