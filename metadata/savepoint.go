package metadata

import (
	"context"
	"database/sql"
	"fmt"
)

// Savepoint is a nested, rollback-capable scope within a metadata
// transaction, used by the transaction layer to bound the effect of a
// single multi-block insert (spec §4.4.1) without aborting the whole
// transaction on an OrderError partway through.
type Savepoint struct {
	ctx  context.Context
	tx   *sql.Tx
	name string
	done bool
}

// NewSavepoint opens a savepoint named name within tx.
func NewSavepoint(ctx context.Context, tx *sql.Tx, name string) (*Savepoint, error) {
	if _, err := tx.ExecContext(ctx, "savepoint "+name); err != nil {
		return nil, fmt.Errorf("metadata: open savepoint %s: %w", name, err)
	}
	return &Savepoint{ctx: ctx, tx: tx, name: name}, nil
}

// Release commits the savepoint's effects into the enclosing transaction.
func (s *Savepoint) Release() error {
	if s.done {
		return nil
	}
	s.done = true
	if _, err := s.tx.ExecContext(s.ctx, "release savepoint "+s.name); err != nil {
		return fmt.Errorf("metadata: release savepoint %s: %w", s.name, err)
	}
	return nil
}

// Rollback undoes everything done since the savepoint was opened, leaving
// the enclosing transaction otherwise intact. Safe to call after Release
// (a no-op then) so it can be deferred unconditionally.
func (s *Savepoint) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	if _, err := s.tx.ExecContext(s.ctx, "rollback to savepoint "+s.name); err != nil {
		return fmt.Errorf("metadata: rollback savepoint %s: %w", s.name, err)
	}
	return nil
}
