package txn

import (
	"encoding/binary"
	"fmt"

	"github.com/flashseries/tsdb/metadata"
	"github.com/flashseries/tsdb/rowformat"
)

// Output receives one decoded row: its timestamp, the series' format (so
// the caller can decode payload without a second lookup), and the row's
// field bytes (the 8-byte timestamp prefix already stripped).
type Output func(ts uint64, format *rowformat.Format, payload []byte)

// ReadSeries calls output once per row of seriesID whose timestamp falls
// in [firstTS, lastTS] (spec §4.4.2). Rows are visited in block, then
// on-disk, order, which is timestamp order (invariant I1/I2). Scanning
// stops the instant a row's timestamp exceeds lastTS, even mid-block.
func (t *Transaction) ReadSeries(seriesID uint64, firstTS, lastTS uint64, output Output) error {
	if firstTS > lastTS {
		return nil
	}

	format, err := t.seriesFormat(seriesID)
	if err != nil {
		return err
	}

	blocks, err := t.blocksForRange(seriesID, firstTS, lastTS)
	if err != nil {
		return err
	}

	rowSize := format.RowSize()
	var buf []byte
	for _, b := range blocks {
		if cap(buf) < int(b.Size) {
			buf = make([]byte, b.Size)
		} else {
			buf = buf[:b.Size]
		}
		if err := t.blocks.Read(int64(b.Offset), buf); err != nil {
			return err
		}

		for off := 0; off+rowSize <= len(buf); off += rowSize {
			row := buf[off : off+rowSize]
			ts := binary.BigEndian.Uint64(row[:rowformat.TimestampSize])
			if ts < firstTS {
				continue
			}
			if ts > lastTS {
				return nil
			}
			output(ts, format, row[rowformat.TimestampSize:])
		}
	}
	return nil
}

// blocksForRange returns every block of seriesID overlapping
// [firstTS, lastTS], ordered by first_timestamp ascending (so output
// order matches timestamp order, invariant I1).
func (t *Transaction) blocksForRange(seriesID, firstTS, lastTS uint64) ([]metadata.Block, error) {
	stmt, err := t.stmt(`
		select first_timestamp, last_timestamp, offset, capacity, size, generation
		from series_blocks
		where series_id = ? and last_timestamp >= ? and first_timestamp <= ?
		order by first_timestamp asc
	`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(t.ctx, int64(seriesID),
		metadata.ToSQLite(firstTS), metadata.ToSQLite(lastTS))
	if err != nil {
		return nil, fmt.Errorf("txn: blocks for range: %w", err)
	}
	defer rows.Close()

	var blocks []metadata.Block
	for rows.Next() {
		var first, last, gen, offset, capacity, size int64
		if err := rows.Scan(&first, &last, &offset, &capacity, &size, &gen); err != nil {
			return nil, fmt.Errorf("txn: scan block row: %w", err)
		}
		blocks = append(blocks, metadata.Block{
			SeriesID:       seriesID,
			Generation:     uint64(gen),
			FirstTimestamp: metadata.FromSQLite(first),
			LastTimestamp:  metadata.FromSQLite(last),
			Offset:         uint64(offset),
			Capacity:       uint64(capacity),
			Size:           uint64(size),
		})
	}
	return blocks, rows.Err()
}
