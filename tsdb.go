// Package tsdb is the storage engine's root facade: the process-wide
// singleton a program opens once and shares, mirroring how the teacher's
// long-lived types are constructed once and passed around. It owns the
// block file and metadata store handles, the committed generation counter,
// and the block-file allocation cursor, and hands out txn.Transaction
// values that do the actual work.
package tsdb

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"

	"github.com/flashseries/tsdb/blockfile"
	"github.com/flashseries/tsdb/metadata"
	"github.com/flashseries/tsdb/txn"
)

// knownSeriesCapacity sizes the bloom filter of series names the facade has
// already resolved at least once, at a 1% false-positive rate. A false
// positive only ever costs an extra read-transaction round trip; a false
// negative is impossible for a bloom filter, so it can never hide a
// series that actually exists (I5 is never at risk).
const knownSeriesCapacity = 100_000

// DB is the opened storage engine. Safe for concurrent use: BeginRead may
// be called from any number of goroutines; at most one BeginWrite-derived
// transaction should be in flight at a time (spec's single-writer model),
// though DB itself does not enforce that beyond serializing the metadata
// store's own write transactions.
type DB struct {
	store  *metadata.Store
	blocks *blockfile.File
	log    *zap.Logger
	config Config

	genMu          sync.Mutex
	generation     uint64
	nextGeneration uint64

	allocMu    sync.Mutex
	nextOffset uint64

	knownMu     sync.Mutex
	knownSeries *bloom.BloomFilter
}

// Option configures a DB at Open time.
type Option func(*DB)

// WithLogger attaches a *zap.Logger the facade and every transaction it
// opens will log through. A nil logger (the default) disables logging.
func WithLogger(log *zap.Logger) Option {
	return func(db *DB) { db.log = log }
}

// WithConfig supplies tuning overrides loaded via LoadConfig, or built by
// hand.
func WithConfig(c Config) Option {
	return func(db *DB) { db.config = c }
}

// Open opens (creating if necessary) the storage engine rooted at dir,
// recovering the committed generation and allocation cursor from the
// metadata store (spec §4.5).
func Open(ctx context.Context, dir string, opts ...Option) (*DB, error) {
	db := &DB{config: Config{}.withDefaults()}
	for _, opt := range opts {
		opt(db)
	}
	db.config = db.config.withDefaults()

	store, err := metadata.Open(ctx, filepath.Join(dir, db.config.MetadataFile))
	if err != nil {
		return nil, err
	}

	var blockOpts []blockfile.Option
	if db.config.DirtyPageSize > 0 {
		blockOpts = append(blockOpts, blockfile.WithDirtyPageSize(db.config.DirtyPageSize))
	}
	blocks, err := blockfile.Open(filepath.Join(dir, db.config.DataFile), blockOpts...)
	if err != nil {
		store.Close()
		return nil, err
	}

	gen, err := store.LastGeneration(ctx)
	if err != nil {
		store.Close()
		blocks.Close()
		return nil, err
	}
	offset, err := store.NextOffset(ctx)
	if err != nil {
		store.Close()
		blocks.Close()
		return nil, err
	}

	if fileSize, err := blocks.Size(); err != nil {
		store.Close()
		blocks.Close()
		return nil, err
	} else if uint64(fileSize) < offset {
		store.Close()
		blocks.Close()
		return nil, fmt.Errorf(
			"tsdb: data file %s is %d bytes, shorter than metadata's recorded next_offset %d",
			db.config.DataFile, fileSize, offset)
	}

	db.store = store
	db.blocks = blocks
	db.generation = gen
	db.nextGeneration = gen
	db.nextOffset = offset
	db.knownSeries = bloom.NewWithEstimates(knownSeriesCapacity, 0.01)

	if db.log != nil {
		db.log.Info("storage engine opened",
			zap.String("dir", dir),
			zap.Uint64("generation", gen),
			zap.Uint64("next_offset", offset))
	}
	return db, nil
}

// Close releases the block file and metadata store handles. It does not
// flush anything: callers must Commit every transaction they intend to
// keep before calling Close.
func (db *DB) Close() error {
	blockErr := db.blocks.Close()
	storeErr := db.store.Close()
	if blockErr != nil {
		return blockErr
	}
	return storeErr
}

// BeginRead opens a read-only transaction against the current snapshot.
func (db *DB) BeginRead(ctx context.Context) (*txn.Transaction, error) {
	return txn.BeginRead(ctx, db.store, db.blocks, db.log)
}

// BeginWrite opens a write transaction stamped with the next generation.
// The generation is reserved eagerly from a dedicated counter, under the
// same lock committing uses to publish completed generations, so two
// write transactions that overlap in time never receive the same
// generation number. If the caller never commits, that generation is
// simply skipped (generations need only be monotonic, not contiguous).
func (db *DB) BeginWrite(ctx context.Context) (*txn.Transaction, error) {
	db.genMu.Lock()
	db.nextGeneration++
	gen := db.nextGeneration
	db.genMu.Unlock()

	tx, err := txn.BeginWrite(ctx, db.store, db.blocks, gen, db.committing, db.log)
	if err != nil {
		return nil, err
	}
	tx.SetAllocator(db)
	return tx, nil
}

// Reserve implements txn.Allocator: it advances the shared next_offset
// cursor by capacity bytes and returns the start of the reserved range
// (invariant I4). Guarded by its own lock, independent of the metadata
// store's transaction machinery, since next_offset is facade-owned state
// recovered once at startup rather than a row in any table.
func (db *DB) Reserve(capacity uint64) uint64 {
	db.allocMu.Lock()
	defer db.allocMu.Unlock()
	offset := db.nextOffset
	db.nextOffset += capacity
	return offset
}

// committing is the write transaction's onCommit hook: it publishes the
// new generation once the block file and metadata transaction have both
// durably committed.
func (db *DB) committing(ctx context.Context, generation uint64) error {
	db.genMu.Lock()
	defer db.genMu.Unlock()
	if generation > db.generation {
		db.generation = generation
	}
	if db.log != nil {
		db.log.Debug("generation committed", zap.Uint64("generation", generation))
	}
	return nil
}

// Generation returns the highest generation this DB has observed commit,
// for downstream consumers such as backup tooling (spec §4.5).
func (db *DB) Generation() uint64 {
	db.genMu.Lock()
	defer db.genMu.Unlock()
	return db.generation
}

// CreateSeries is a convenience wrapper around a write transaction's
// CreateSeries: it opens its own transaction, commits on success, and
// consults (then updates) an in-memory bloom filter of already-seen series
// names so the common "series already exists" call avoids opening a write
// transaction at all. A bloom miss always falls through to the full write
// path; a false positive only costs one extra read-only lookup, so it can
// never hide a genuinely new series (I5 is unaffected).
func (db *DB) CreateSeries(ctx context.Context, name, format string) (uint64, error) {
	key := []byte(name)

	db.knownMu.Lock()
	maybeKnown := db.knownSeries.Test(key)
	db.knownMu.Unlock()

	if maybeKnown {
		if id, err := db.trySeriesLookup(ctx, name, format); err == nil {
			return id, nil
		}
		// false positive, or the name exists with a different format —
		// either way fall through to the authoritative write path, which
		// will itself return ErrFormatMismatch if that's the case.
	}

	tx, err := db.BeginWrite(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Close()

	id, err := tx.CreateSeries(name, format)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	db.knownMu.Lock()
	db.knownSeries.Add(key)
	db.knownMu.Unlock()

	return id, nil
}

func (db *DB) trySeriesLookup(ctx context.Context, name, format string) (uint64, error) {
	tx, err := db.BeginRead(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Close()

	storedFormat, err := tx.SeriesFormatString(name)
	if err != nil {
		return 0, err
	}
	if storedFormat != format {
		return 0, fmt.Errorf("tsdb: series %q: %w", name, txn.ErrFormatMismatch)
	}
	return tx.SeriesID(name)
}
