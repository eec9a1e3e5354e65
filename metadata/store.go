// Package metadata implements the storage engine's metadata store: an
// embedded relational database holding the series and series_blocks
// tables described by the storage engine's data model. It owns schema
// creation, connection pragmas, and a prepared-statement cache; the
// query logic that turns those tables into the transaction layer's
// public operations lives one level up, in package txn.
package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	// registers the "sqlite" driver used below, a pure-Go SQLite engine
	// so the module stays cgo-free end to end.
	_ "modernc.org/sqlite"
)

// Store is the process-wide metadata database handle. Unlike blockfile.File
// it is not locked internally: concurrency is serialized through SQLite's
// own WAL-mode single-writer/multi-reader transaction discipline (spec §5),
// and each transaction in package txn owns its own *sql.Tx.
type Store struct {
	db *sql.DB

	stmtMu sync.Mutex
	stmts  map[string]*sql.Stmt
}

// Open opens the metadata database at path, creating and initializing its
// schema if the file doesn't already exist.
func Open(ctx context.Context, path string) (*Store, error) {
	_, statErr := os.Stat(path)
	creating := os.IsNotExist(statErr)

	// case_sensitive_like is a per-connection setting; passing it in the DSN
	// applies it to every connection the pool opens, not just the first.
	db, err := sql.Open("sqlite", path+"?_pragma=case_sensitive_like(1)")
	if err != nil {
		return nil, fmt.Errorf("metadata: open %s: %w", path, err)
	}
	// Any number of readers may run concurrently with the single writer
	// (spec §5); capping the pool at one connection would serialize
	// reads behind an open write transaction instead. WAL mode itself
	// already enforces single-writer/multi-reader semantics, so the
	// pool is left uncapped.

	s := &Store{db: db, stmts: make(map[string]*sql.Stmt)}

	if creating {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("metadata: enable WAL: %w", err)
		}
		if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
			db.Close()
			return nil, fmt.Errorf("metadata: create schema: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, "PRAGMA case_sensitive_like=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("metadata: set case_sensitive_like: %w", err)
	}

	return s, nil
}

// Close releases the underlying database handle and any cached prepared
// statements.
func (s *Store) Close() error {
	s.stmtMu.Lock()
	for _, stmt := range s.stmts {
		stmt.Close()
	}
	s.stmtMu.Unlock()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("metadata: close: %w", err)
	}
	return nil
}

// BeginTx starts a new database transaction. Read and write transactions
// are begun the same way; the transaction layer enforces the read/write
// discipline at the API level.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("metadata: begin transaction: %w", err)
	}
	return tx, nil
}

// Prepared returns a cached *sql.Stmt for query, preparing it against the
// underlying *sql.DB on first use. Callers bind it to their transaction
// with tx.StmtContext.
func (s *Store) Prepared(ctx context.Context, query string) (*sql.Stmt, error) {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()

	if stmt, ok := s.stmts[query]; ok {
		return stmt, nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("metadata: prepare: %w", err)
	}
	s.stmts[query] = stmt
	return stmt, nil
}

// LastGeneration returns the highest generation recorded against any
// series, or 0 if the store holds no series yet. Called once at facade
// startup to recover the last committed generation (spec §4.5).
func (s *Store) LastGeneration(ctx context.Context) (uint64, error) {
	var g sql.NullInt64
	row := s.db.QueryRowContext(ctx,
		"select generation from series order by generation desc limit 1")
	if err := row.Scan(&g); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("metadata: last generation: %w", err)
	}
	if !g.Valid {
		return 0, nil
	}
	return uint64(g.Int64), nil
}

// NextOffset returns max(offset+capacity) over every committed block, the
// first byte not yet reserved by any block. Called once at facade startup
// to recover the allocation cursor (spec §4.5, invariant I4); it only ever
// sees committed rows, so an aborted transaction's reservation is excluded
// and implicitly reclaimed.
func (s *Store) NextOffset(ctx context.Context) (uint64, error) {
	var v sql.NullInt64
	row := s.db.QueryRowContext(ctx,
		"select max(offset+capacity) from series_blocks")
	if err := row.Scan(&v); err != nil {
		return 0, fmt.Errorf("metadata: next offset: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return uint64(v.Int64), nil
}
