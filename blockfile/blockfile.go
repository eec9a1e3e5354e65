// Package blockfile implements the storage engine's single flat data file:
// a raw byte canvas with no self-describing structure of its own. Callers
// (the metadata store, via the transaction layer) own all knowledge of how
// the file is partitioned into blocks; blockfile only guarantees that
// reads and writes at a given offset are serialized correctly against each
// other and that Commit durably flushes everything written since the last
// one.
package blockfile

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// defaultDirtyPageSize is the granularity the File uses to track which
// regions of the file have pending writes since the last Commit, so an
// idle Commit (nothing written) can skip the fsync entirely.
const defaultDirtyPageSize = 4096

// File is the process-wide block file handle. It is safe for concurrent
// use: reads take the shared lock, writes and Commit take the exclusive
// lock, matching the engine's "range reads run concurrently with each
// other, serialized against the single writer" concurrency model (spec
// §5).
type File struct {
	mu           sync.RWMutex
	f            *os.File
	dirtyPages   *bitset.BitSet
	dirtyPageLen uint64
	anyDirty     bool
}

// Option configures a File at Open time.
type Option func(*File)

// WithDirtyPageSize overrides the granularity used to track unflushed
// writes. Must be a positive power of two; defaults to 4096.
func WithDirtyPageSize(n uint64) Option {
	return func(f *File) {
		if n > 0 {
			f.dirtyPageLen = n
		}
	}
}

// Open opens (creating if necessary) the data file at path.
func Open(path string, opts ...Option) (*File, error) {
	osf, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockfile: open %s: %w", path, err)
	}

	bf := &File{
		f:            osf,
		dirtyPages:   bitset.New(0),
		dirtyPageLen: defaultDirtyPageSize,
	}
	for _, opt := range opts {
		opt(bf)
	}

	return bf, nil
}

// Size returns the current size of the underlying file. Because the unused
// tail of a block is never written, the file may be shorter than the end
// of the last reserved block.
func (f *File) Size() (int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stat, err := f.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("blockfile: stat: %w", err)
	}
	return stat.Size(), nil
}

// Read fills buf from offset. Fails if the read would run past EOF.
func (f *File) Read(offset int64, buf []byte) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	n, err := f.f.ReadAt(buf, offset)
	if err != nil {
		if err == io.EOF && n == len(buf) {
			// ReadAt can return io.EOF alongside a full read when the
			// read ends exactly at EOF; that's not a failure for us.
			return nil
		}
		return fmt.Errorf("blockfile: read at %d: %w", offset, err)
	}
	return nil
}

// Write writes bytes at offset. The caller guarantees this range was
// already reserved by a prior metadata allocation (blockfile has no
// notion of blocks or reservations of its own).
func (f *File) Write(offset int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("blockfile: write at %d: %w", offset, err)
	}

	f.markDirty(offset, int64(len(data)))
	return nil
}

func (f *File) markDirty(offset, n int64) {
	if n <= 0 {
		return
	}
	first := uint64(offset) / f.dirtyPageLen
	last := uint64(offset+n-1) / f.dirtyPageLen
	for p := first; p <= last; p++ {
		f.dirtyPages.Set(uint(p))
	}
	f.anyDirty = true
}

// Commit flushes and fsyncs all writes made since the previous Commit. If
// nothing was written, it's a no-op: a read-only transaction's Commit (a
// rollback in metadata terms) never touches the disk.
func (f *File) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.anyDirty {
		return nil
	}

	if err := f.f.Sync(); err != nil {
		return fmt.Errorf("blockfile: fsync: %w", err)
	}

	f.dirtyPages.ClearAll()
	f.anyDirty = false
	return nil
}

// Close releases the underlying file descriptor. Any unflushed writes are
// discarded from the caller's perspective (the bytes may or may not have
// reached disk, but no Commit published them, so they are garbage on
// restart per spec §4.4.1/§9).
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.f.Close(); err != nil {
		return fmt.Errorf("blockfile: close: %w", err)
	}
	return nil
}
