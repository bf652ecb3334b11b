// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

// Package database manages the embedded DuckDB analytical store: connection
// lifecycle, the raw events schema, dynamic scanning of materialized fact
// rows, and the JSONL row-export writer used when table creation is not
// permitted on the target namespace.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"strings"
	"time"

	// Registers the "duckdb" driver.
	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/cohortforge/cohortforge/internal/config"
	"github.com/cohortforge/cohortforge/internal/logging"
)

// Store wraps the shared DuckDB connection. It is the one lockable shared
// resource of a run; the executor bounds its concurrent use.
type Store struct {
	conn    *sql.DB
	timeout time.Duration
}

// Open connects to the DuckDB database at cfg.Path (in-memory when empty)
// and configures the connection pool.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	conn, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	conn.SetMaxOpenConns(runtime.NumCPU())
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &Store{conn: conn, timeout: timeout}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Conn exposes the raw connection for callers that manage their own
// statements (the executor).
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// ensureContext attaches the store's query timeout when the caller's
// context has no deadline of its own.
func (s *Store) ensureContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Exec runs a statement without result rows.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()
	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// QueryAndScan executes a query and invokes scanner for each row.
func (s *Store) QueryAndScan(ctx context.Context, query string, args []any, scanner func(*sql.Rows) error) error {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	rows, err := s.conn.QueryContext(ctx, query, args...)
	logSlowQuery(query, time.Since(start), 30*time.Second)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer closeQuietly(rows)

	for rows.Next() {
		if err := scanner(rows); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate rows: %w", err)
	}
	return nil
}

// CountRows returns the row count of a table.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	var n int64
	row := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// EnsureSchema creates the namespace if it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context, schema string) error {
	return s.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema)
}

// IsPermissionError reports whether an execution failure looks like a
// write-permission problem rather than a transient fault. Such failures
// trigger the row-export fallback instead of a retry.
func IsPermissionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission") ||
		strings.Contains(msg, "access denied") ||
		strings.Contains(msg, "read-only") ||
		strings.Contains(msg, "read only")
}

// IsTransientError reports whether an execution failure is worth retrying:
// connection loss, interrupted IO, or a transaction conflict.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "bad connection") ||
		strings.Contains(msg, "i/o error") ||
		strings.Contains(msg, "transaction conflict") ||
		strings.Contains(msg, "conflict on update")
}

// closeQuietly closes a resource and explicitly ignores any error.
// For cleanup in paths where Close() errors are not actionable.
func closeQuietly(rows *sql.Rows) {
	if rows != nil {
		_ = rows.Close()
	}
}

// logSlowQuery warns when a statement exceeded the given threshold.
func logSlowQuery(query string, took, threshold time.Duration) {
	if took > threshold {
		logging.Warn().
			Dur("took", took).
			Str("fragment", query[:min(len(query), 80)]).
			Msg("slow store query")
	}
}
