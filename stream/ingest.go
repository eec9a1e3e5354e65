package stream

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/flashseries/tsdb/rowformat"
	"github.com/flashseries/tsdb/txn"
)

// Options configures Ingest/Export timestamp parsing and rendering.
// TimestampLayout is a time.Parse/time.Format layout string (e.g.
// "2006-01-02T15:04:05"); empty means epoch nanoseconds, matching the
// protocol's "None means nanos" convention.
type Options struct {
	TimestampLayout string
}

func (o Options) parseTimestamp(text string) (uint64, error) {
	if o.TimestampLayout == "" {
		v, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("stream: parse timestamp %q: %w", text, err)
		}
		return v, nil
	}
	t, err := time.Parse(o.TimestampLayout, text)
	if err != nil {
		return 0, fmt.Errorf("stream: parse timestamp %q: %w", text, err)
	}
	return uint64(t.UnixNano()), nil
}

func (o Options) formatTimestamp(ts uint64) string {
	if o.TimestampLayout == "" {
		return strconv.FormatUint(ts, 10)
	}
	return time.Unix(0, int64(ts)).UTC().Format(o.TimestampLayout)
}

// seriesBuffer accumulates one key's encoded rows in line order, so Ingest
// can hand each key a single InsertIntoSeries call instead of one per line
// (InsertIntoSeries's block-packing only makes sense over a batch).
type seriesBuffer struct {
	id     uint64
	format *rowformat.Format
	rows   []byte
}

// Ingest reads "key timestamp value [value ...]" lines from input, all
// against a single shared format, and inserts them into tx. Series are
// created on first sight (so a stream may introduce new keys); a key whose
// existing format disagrees with format surfaces txn.ErrFormatMismatch.
func Ingest(tx *txn.Transaction, format string, input io.Reader, opts Options) error {
	rf, err := rowformat.Parse(format)
	if err != nil {
		return err
	}

	buffers := make(map[string]*seriesBuffer)
	order := []string{}

	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}

		key, tail, ok := splitOne(line)
		if !ok {
			continue
		}
		tsText, tail, ok := splitOne(tail)
		if !ok {
			return fmt.Errorf("stream: line %q: missing timestamp", line)
		}
		ts, err := opts.parseTimestamp(tsText)
		if err != nil {
			return err
		}

		buf, exists := buffers[key]
		if !exists {
			id, err := tx.CreateSeries(key, format)
			if err != nil {
				return fmt.Errorf("stream: key %q: %w", key, err)
			}
			buf = &seriesBuffer{id: id, format: rf}
			buffers[key] = buf
			order = append(order, key)
		}

		if err := buf.format.Encode(ts, tail, &buf.rows); err != nil {
			return fmt.Errorf("stream: key %q: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream: read: %w", err)
	}

	for _, key := range order {
		if err := flushBuffer(tx, buffers[key]); err != nil {
			return fmt.Errorf("stream: key %q: %w", key, err)
		}
	}
	return nil
}

// IngestWithFormat is Ingest's self-describing variant: each line carries
// its own format string between the timestamp and the values, so a single
// stream may mix series of different shapes.
func IngestWithFormat(tx *txn.Transaction, input io.Reader, opts Options) error {
	buffers := make(map[string]*seriesBuffer)
	order := []string{}

	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}

		key, tail, ok := splitOne(line)
		if !ok {
			continue
		}
		tsText, tail, ok := splitOne(tail)
		if !ok {
			return fmt.Errorf("stream: line %q: missing timestamp", line)
		}
		ts, err := opts.parseTimestamp(tsText)
		if err != nil {
			return err
		}
		format, tail, ok := splitOne(tail)
		if !ok {
			return fmt.Errorf("stream: line %q: missing format", line)
		}

		buf, exists := buffers[key]
		if !exists {
			rf, err := rowformat.Parse(format)
			if err != nil {
				return fmt.Errorf("stream: key %q: %w", key, err)
			}
			id, err := tx.CreateSeries(key, format)
			if err != nil {
				return fmt.Errorf("stream: key %q: %w", key, err)
			}
			buf = &seriesBuffer{id: id, format: rf}
			buffers[key] = buf
			order = append(order, key)
		}

		if err := buf.format.Encode(ts, tail, &buf.rows); err != nil {
			return fmt.Errorf("stream: key %q: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream: read: %w", err)
	}

	for _, key := range order {
		if err := flushBuffer(tx, buffers[key]); err != nil {
			return fmt.Errorf("stream: key %q: %w", key, err)
		}
	}
	return nil
}

func flushBuffer(tx *txn.Transaction, buf *seriesBuffer) error {
	rowSize := buf.format.RowSize()
	pos := 0
	gen := func(out *[]byte) (uint64, bool) {
		if pos+rowSize > len(buf.rows) {
			return 0, false
		}
		row := buf.rows[pos : pos+rowSize]
		pos += rowSize
		ts := rowformat.DecodeTimestamp(row)
		*out = append(*out, row...)
		return ts, true
	}
	return tx.InsertIntoSeries(buf.id, gen)
}
