// Package txn implements the storage engine's transaction layer: the
// public API a caller drives to create series, look series up, insert
// rows, and run range reads, coordinating the metadata store and the
// block file and enforcing the read-only/writable discipline (spec §4.4).
package txn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/flashseries/tsdb/blockfile"
	"github.com/flashseries/tsdb/metadata"
	"github.com/flashseries/tsdb/rowformat"
	"github.com/flashseries/tsdb/skiplist"
	"go.uber.org/zap"
)

// Transaction wraps one metadata database transaction plus (for writers)
// exclusive ownership of write intent against the shared block file. It is
// obtained from the database facade (package tsdb) and must be finished
// with exactly one of Commit or Close.
type Transaction struct {
	ctx    context.Context
	store  *metadata.Store
	blocks *blockfile.File
	log    *zap.Logger

	tx         *sql.Tx
	writing    bool
	generation uint64
	alloc      Allocator
	// onCommit publishes the new generation to the database facade; only
	// set for write transactions.
	onCommit func(ctx context.Context, generation uint64) error

	mu        sync.Mutex
	finished  bool
	formatsMu sync.Mutex
	formats   *skiplist.List[uint64, *rowformat.Format]
}

// BeginRead opens a read-only transaction. Its metadata snapshot is fixed
// at the moment it begins: a series created by a writer that commits
// afterward is invisible to it (spec §5).
func BeginRead(ctx context.Context, store *metadata.Store, blocks *blockfile.File, log *zap.Logger) (*Transaction, error) {
	tx, err := store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	// SQLite starts a deferred transaction's read snapshot at its first
	// query, so run one now to pin the snapshot at begin time.
	var maxID sql.NullInt64
	if err := tx.QueryRowContext(ctx, "select max(series_id) from series").Scan(&maxID); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("txn: begin read snapshot: %w", err)
	}
	return &Transaction{
		ctx: ctx, store: store, blocks: blocks, log: log,
		tx: tx, writing: false,
		formats: skiplist.New[uint64, *rowformat.Format](),
	}, nil
}

// BeginWrite opens a write transaction stamped with generation. onCommit
// is invoked once by Commit, after the block file is flushed and before
// the metadata transaction commits, so the facade can publish the new
// generation.
func BeginWrite(
	ctx context.Context,
	store *metadata.Store,
	blocks *blockfile.File,
	generation uint64,
	onCommit func(ctx context.Context, generation uint64) error,
	log *zap.Logger,
) (*Transaction, error) {
	tx, err := store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &Transaction{
		ctx: ctx, store: store, blocks: blocks, log: log,
		tx: tx, writing: true, generation: generation, onCommit: onCommit,
		formats: skiplist.New[uint64, *rowformat.Format](),
	}, nil
}

// Commit durably commits the transaction. On the write path this flushes
// the block file, notifies the facade of the new generation, then commits
// the metadata transaction — in that order, so a crash between the block
// flush and the metadata commit leaves the new blocks unreferenced
// garbage rather than half-visible (spec §4.4, §9).
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return fmt.Errorf("txn: commit on a finished transaction")
	}
	t.finished = true

	if t.writing {
		if err := t.blocks.Commit(); err != nil {
			_ = t.tx.Rollback()
			return err
		}
		if t.onCommit != nil {
			if err := t.onCommit(t.ctx, t.generation); err != nil {
				_ = t.tx.Rollback()
				return err
			}
		}
	}

	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("txn: commit: %w", err)
	}
	if t.log != nil {
		t.log.Debug("transaction committed", zap.Bool("writing", t.writing), zap.Uint64("generation", t.generation))
	}
	return nil
}

// Close rolls back the transaction if it hasn't already been finished.
// Safe to defer unconditionally right after Begin{Read,Write}; any
// reserved-but-uncommitted block file ranges become unreachable garbage,
// reclaimed on the next process restart (spec §9).
func (t *Transaction) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return nil
	}
	t.finished = true
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("txn: rollback: %w", err)
	}
	return nil
}

func (t *Transaction) requireWritable(op string) error {
	if !t.writing {
		return fmt.Errorf("%s: %w", op, ErrNotWritable)
	}
	return nil
}

func (t *Transaction) stmt(query string) (*sql.Stmt, error) {
	base, err := t.store.Prepared(t.ctx, query)
	if err != nil {
		return nil, err
	}
	return t.tx.StmtContext(t.ctx, base), nil
}

// CreateSeries creates a series named name with the given row format, or
// returns the existing series' id if name already exists with an
// identical format string. If name exists with a different format, it
// returns ErrFormatMismatch (spec's create_series returning None).
func (t *Transaction) CreateSeries(name, format string) (uint64, error) {
	if err := t.requireWritable("CreateSeries"); err != nil {
		return 0, err
	}

	stmt, err := t.stmt("select series_id, format from series where name=?")
	if err != nil {
		return 0, err
	}
	var id int64
	var storedFormat string
	err = stmt.QueryRowContext(t.ctx, name).Scan(&id, &storedFormat)
	switch {
	case err == nil:
		if storedFormat != format {
			return 0, fmt.Errorf("CreateSeries %q: %w", name, ErrFormatMismatch)
		}
		return uint64(id), nil
	case err != sql.ErrNoRows:
		return 0, fmt.Errorf("txn: lookup series %q: %w", name, err)
	}

	if _, err := rowformat.Parse(format); err != nil {
		return 0, err
	}

	insert, err := t.stmt("insert into series (name, generation, format) values (?, ?, ?)")
	if err != nil {
		return 0, err
	}
	res, err := insert.ExecContext(t.ctx, name, int64(t.generation), format)
	if err != nil {
		return 0, fmt.Errorf("txn: insert series %q: %w", name, err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("txn: series id: %w", err)
	}

	if t.log != nil {
		t.log.Info("series created", zap.String("name", name), zap.String("format", format), zap.Int64("series_id", newID))
	}
	return uint64(newID), nil
}

// SeriesID looks series name up by exact match, returning ErrNotFound if
// it doesn't exist.
func (t *Transaction) SeriesID(name string) (uint64, error) {
	stmt, err := t.stmt("select series_id from series where name=?")
	if err != nil {
		return 0, err
	}
	var id int64
	err = stmt.QueryRowContext(t.ctx, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("SeriesID %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("txn: lookup series %q: %w", name, err)
	}
	return uint64(id), nil
}

// SeriesFormatString returns the format string a series was created with.
func (t *Transaction) SeriesFormatString(name string) (string, error) {
	stmt, err := t.stmt("select format from series where name=?")
	if err != nil {
		return "", err
	}
	var format string
	err = stmt.QueryRowContext(t.ctx, name).Scan(&format)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("SeriesFormatString %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("txn: lookup format %q: %w", name, err)
	}
	return format, nil
}

// SeriesLike invokes callback once per (name, seriesID) pair whose name
// matches the SQL LIKE pattern like, in arbitrary order (case-sensitive:
// the metadata store runs with PRAGMA case_sensitive_like=ON).
func (t *Transaction) SeriesLike(like string, callback func(name string, seriesID uint64)) error {
	stmt, err := t.stmt("select name, series_id from series where name like ?")
	if err != nil {
		return err
	}
	rows, err := stmt.QueryContext(t.ctx, like)
	if err != nil {
		return fmt.Errorf("txn: series_like %q: %w", like, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var id int64
		if err := rows.Scan(&name, &id); err != nil {
			return fmt.Errorf("txn: scan series_like row: %w", err)
		}
		callback(name, uint64(id))
	}
	return rows.Err()
}

// seriesFormat returns the parsed Format for series_id, caching the
// parse within this transaction (a series' format never changes once
// created, so caching across the whole transaction is always correct).
func (t *Transaction) seriesFormat(seriesID uint64) (*rowformat.Format, error) {
	t.formatsMu.Lock()
	if f, ok := t.formats.Get(seriesID); ok {
		t.formatsMu.Unlock()
		return f, nil
	}
	t.formatsMu.Unlock()

	stmt, err := t.stmt("select format from series where series_id=?")
	if err != nil {
		return nil, err
	}
	var raw string
	if err := stmt.QueryRowContext(t.ctx, int64(seriesID)).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("series_id %d: %w", seriesID, ErrNotFound)
		}
		return nil, fmt.Errorf("txn: lookup format for series %d: %w", seriesID, err)
	}
	f, err := rowformat.Parse(raw)
	if err != nil {
		return nil, err
	}

	t.formatsMu.Lock()
	t.formats.Put(seriesID, f)
	t.formatsMu.Unlock()
	return f, nil
}
