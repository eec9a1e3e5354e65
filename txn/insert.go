package txn

import (
	"database/sql"
	"fmt"

	"github.com/flashseries/tsdb/metadata"
	"go.uber.org/zap"
)

// Allocator hands out space in the shared block file. The database
// facade implements it, guarding the single allocation cursor (next_offset,
// spec invariant I4) with its own lock so that only one write transaction
// advances it at a time (spec §5's single-writer assumption; spec §9 warns
// against relaxing this without reconsidering next_offset ownership).
type Allocator interface {
	// Reserve advances the allocation cursor by capacity bytes and
	// returns the start offset of the reserved range.
	Reserve(capacity uint64) uint64
}

// SetAllocator attaches the block-file space allocator a write
// transaction needs for InsertIntoSeries. The database facade calls this
// right after BeginWrite; kept out of BeginWrite's signature so read
// transactions (which never allocate) don't need a dummy implementation.
func (t *Transaction) SetAllocator(a Allocator) { t.alloc = a }

// Generator is a pull-based row producer: it appends exactly one encoded
// row to out and returns its timestamp, or returns ok=false to signal
// end of stream. Used by InsertIntoSeries to fill buffers.
type Generator func(out *[]byte) (ts uint64, ok bool)

func roundUp(x, r uint64) uint64   { return ((x + r - 1) / r) * r }
func roundDown(x, r uint64) uint64 { return (x / r) * r }

// InsertIntoSeries appends rows produced by gen to seriesID, packing them
// into as few blocks as possible (spec §4.4.1): it tops off the series'
// tail block before allocating a new one, and a new block's capacity is
// rounded up to the format's preferred block size (or the produced
// buffer's size, if that's larger). Returns ErrOrder if a produced
// timestamp is not strictly greater than the series' last stored
// timestamp or a timestamp produced earlier in this same call.
func (t *Transaction) InsertIntoSeries(seriesID uint64, gen Generator) error {
	if err := t.requireWritable("InsertIntoSeries"); err != nil {
		return err
	}
	if t.alloc == nil {
		return fmt.Errorf("txn: InsertIntoSeries: no allocator attached")
	}

	sp, err := metadata.NewSavepoint(t.ctx, t.tx, fmt.Sprintf("insert_%d", seriesID))
	if err != nil {
		return err
	}
	defer sp.Rollback()

	format, err := t.seriesFormat(seriesID)
	if err != nil {
		return err
	}
	rowSize := uint64(format.RowSize())
	preferred := roundUp(uint64(format.PreferredBlockSize()), rowSize)

	lastBlock, err := t.lastBlockForSeries(seriesID)
	if err != nil {
		return err
	}

	var lastTSSeen *uint64
	if lastBlock != nil {
		v := lastBlock.LastTimestamp
		lastTSSeen = &v
	}

	for {
		var target uint64
		extend := lastBlock != nil && lastBlock.Free() >= rowSize
		if extend {
			target = roundDown(lastBlock.Free(), rowSize)
		} else {
			target = preferred
		}

		buffer := make([]byte, 0, target)
		var firstTS *uint64
		lastTS := lastTSSeen
		done := false

		for uint64(len(buffer)) < target {
			ts, ok := gen(&buffer)
			if !ok {
				done = true
				break
			}
			if lastTS != nil && ts <= *lastTS {
				return fmt.Errorf("InsertIntoSeries series %d: %w (%d <= %d)",
					seriesID, ErrOrder, ts, *lastTS)
			}
			if firstTS == nil {
				v := ts
				firstTS = &v
			}
			v := ts
			lastTS = &v
		}

		if len(buffer) == 0 {
			break
		}

		if extend {
			newSize := lastBlock.Size + uint64(len(buffer))
			if err := t.resizeExistingBlock(seriesID, lastBlock.FirstTimestamp, *lastTS, newSize); err != nil {
				return err
			}
			if err := t.blocks.Write(int64(lastBlock.Offset+lastBlock.Size), buffer); err != nil {
				return err
			}
			lastBlock.Size = newSize
			lastBlock.LastTimestamp = *lastTS
			lastBlock.Generation = t.generation
		} else {
			capacity := target
			if uint64(len(buffer)) > capacity {
				capacity = uint64(len(buffer))
			}
			offset := t.alloc.Reserve(capacity)
			block := metadata.Block{
				SeriesID:       seriesID,
				Generation:     t.generation,
				FirstTimestamp: *firstTS,
				LastTimestamp:  *lastTS,
				Offset:         offset,
				Capacity:       capacity,
				Size:           uint64(len(buffer)),
			}
			if err := t.createNewBlock(block); err != nil {
				return err
			}
			if err := t.blocks.Write(int64(offset), buffer); err != nil {
				return err
			}
			lastBlock = &block
		}

		lastTSSeen = lastTS
		if done {
			break
		}
	}

	return sp.Release()
}

func (t *Transaction) lastBlockForSeries(seriesID uint64) (*metadata.Block, error) {
	stmt, err := t.stmt(`
		select first_timestamp, last_timestamp, offset, capacity, size, generation
		from series_blocks
		where series_id=?
		order by first_timestamp desc
		limit 1
	`)
	if err != nil {
		return nil, err
	}

	var firstTS, lastTS, gen int64
	var offset, capacity, size int64
	row := stmt.QueryRowContext(t.ctx, int64(seriesID))
	err = row.Scan(&firstTS, &lastTS, &offset, &capacity, &size, &gen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("txn: last block for series %d: %w", seriesID, err)
	}

	return &metadata.Block{
		SeriesID:       seriesID,
		Generation:     uint64(gen),
		FirstTimestamp: metadata.FromSQLite(firstTS),
		LastTimestamp:  metadata.FromSQLite(lastTS),
		Offset:         uint64(offset),
		Capacity:       uint64(capacity),
		Size:           uint64(size),
	}, nil
}

func (t *Transaction) createNewBlock(b metadata.Block) error {
	stmt, err := t.stmt(`
		insert into series_blocks (
			series_id, generation, first_timestamp, last_timestamp,
			offset, capacity, size
		) values (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(t.ctx,
		int64(b.SeriesID), int64(b.Generation),
		metadata.ToSQLite(b.FirstTimestamp), metadata.ToSQLite(b.LastTimestamp),
		int64(b.Offset), int64(b.Capacity), int64(b.Size))
	if err != nil {
		return fmt.Errorf("txn: create block for series %d: %w", b.SeriesID, err)
	}
	if t.log != nil {
		t.log.Debug("block allocated",
			zap.Uint64("series_id", b.SeriesID),
			zap.Uint64("offset", b.Offset),
			zap.Uint64("capacity", b.Capacity))
	}
	return nil
}

func (t *Transaction) resizeExistingBlock(seriesID, firstTS, newLastTS, newSize uint64) error {
	stmt, err := t.stmt(`
		update series_blocks
		set size=?, last_timestamp=?, generation=?
		where series_id=? and first_timestamp=?
	`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(t.ctx,
		int64(newSize), metadata.ToSQLite(newLastTS), int64(t.generation),
		int64(seriesID), metadata.ToSQLite(firstTS))
	if err != nil {
		return fmt.Errorf("txn: resize block for series %d: %w", seriesID, err)
	}
	return nil
}
