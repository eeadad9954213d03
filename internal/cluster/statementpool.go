package cluster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // sqlite driver
)

// ErrNotFound is returned by statement helpers when a query matches no rows.
var ErrNotFound = errors.New("cluster: no matching row")

// StatementPool wraps a single shared *sql.DB connection and the prepared
// statements built against it, mirroring magma's datatier pool_pull /
// sql_ping / pool_release contract: callers pull a statement handle, use it,
// and release it back rather than holding a connection open across
// unrelated operations.
type StatementPool struct {
	db *sql.DB

	mu    sync.RWMutex
	stmts map[string]*sql.Stmt
}

// NewStatementPool opens dsn (a sqlite DSN) through modernc.org/sqlite and
// applies the pragmas a single-writer cluster coordinator needs: one shared
// connection so database/sql serializes callers instead of racing for the
// underlying write lock, WAL so readers are never blocked by a writer, and a
// busy timeout so a momentarily-contended write retries instead of failing.
func NewStatementPool(dsn string) (*StatementPool, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cluster: opening statement pool: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("cluster: setting pragma %q: %w", pragma, err)
		}
	}

	return &StatementPool{db: db, stmts: make(map[string]*sql.Stmt)}, nil
}

// Ping verifies the pool's connection is still usable, the Go equivalent of
// sql_ping — callers run it before trusting a long-idle pool.
func (p *StatementPool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Pull returns the prepared statement for query, preparing and caching it on
// first use. Repeated calls with the same query string reuse the cached
// handle instead of re-preparing it, the Go analogue of pool_pull returning
// an already-prepared statement from the pool.
func (p *StatementPool) Pull(ctx context.Context, query string) (*sql.Stmt, error) {
	p.mu.RLock()
	stmt, ok := p.stmts[query]
	p.mu.RUnlock()
	if ok {
		return stmt, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if stmt, ok := p.stmts[query]; ok {
		return stmt, nil
	}

	stmt, err := p.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("cluster: preparing statement: %w", err)
	}
	p.stmts[query] = stmt
	return stmt, nil
}

// Release discards the cached statement for query, forcing the next Pull to
// re-prepare it. Used after a schema change invalidates a cached plan;
// ordinary callers never need it since Pull already reuses statements.
func (p *StatementPool) Release(query string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	stmt, ok := p.stmts[query]
	if !ok {
		return nil
	}
	delete(p.stmts, query)
	return stmt.Close()
}

// Rebuild closes every cached statement and clears the pool, used after a
// connection-level error (e.g. the database file was replaced underneath
// the process) to force every subsequent Pull to re-prepare from scratch.
func (p *StatementPool) Rebuild() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for query, stmt := range p.stmts {
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.stmts, query)
	}
	return firstErr
}

// Close releases every prepared statement and closes the underlying
// connection.
func (p *StatementPool) Close() error {
	p.Rebuild()
	return p.db.Close()
}

// DB returns the underlying connection for callers that need ad hoc queries
// outside the prepared-statement cache (migrations, schema setup).
func (p *StatementPool) DB() *sql.DB {
	return p.db
}
