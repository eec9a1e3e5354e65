package txn

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/flashseries/tsdb/blockfile"
	"github.com/flashseries/tsdb/metadata"
	"github.com/flashseries/tsdb/rowformat"
	"github.com/stretchr/testify/require"
)

// testAllocator is a minimal, mutex-guarded stand-in for the database
// facade's Allocator, used so txn can be tested without depending on the
// facade package (which itself depends on txn).
type testAllocator struct {
	mu   sync.Mutex
	next uint64
}

func (a *testAllocator) Reserve(capacity uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	off := a.next
	a.next += capacity
	return off
}

type harness struct {
	ctx    context.Context
	store  *metadata.Store
	blocks *blockfile.File
	alloc  *testAllocator
	gen    uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := metadata.Open(ctx, filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bf, err := blockfile.Open(filepath.Join(dir, "data.block"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bf.Close() })

	return &harness{ctx: ctx, store: store, blocks: bf, alloc: &testAllocator{}, gen: 1}
}

func (h *harness) beginWrite(t *testing.T) *Transaction {
	t.Helper()
	h.gen++
	tx, err := BeginWrite(h.ctx, h.store, h.blocks, h.gen, nil, nil)
	require.NoError(t, err)
	tx.SetAllocator(h.alloc)
	return tx
}

func (h *harness) beginRead(t *testing.T) *Transaction {
	t.Helper()
	tx, err := BeginRead(h.ctx, h.store, h.blocks, nil)
	require.NoError(t, err)
	return tx
}

// genFromRows builds a Generator over a fixed list of (ts, text) rows
// against format, mimicking a textual ingestion client.
func genFromRows(t *testing.T, format *rowformat.Format, rows [][2]interface{}) Generator {
	t.Helper()
	i := 0
	return func(out *[]byte) (uint64, bool) {
		if i >= len(rows) {
			return 0, false
		}
		ts := rows[i][0].(uint64)
		text := rows[i][1].(string)
		require.NoError(t, format.Encode(ts, text, out))
		i++
		return ts, true
	}
}

func TestCreateSeriesIdempotent(t *testing.T) {
	h := newHarness(t)
	tx := h.beginWrite(t)
	defer tx.Close()

	id1, err := tx.CreateSeries("a", "f64")
	require.NoError(t, err)
	id2, err := tx.CreateSeries("a", "f64")
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestCreateSeriesFormatMismatch(t *testing.T) {
	h := newHarness(t)
	tx := h.beginWrite(t)
	defer tx.Close()

	_, err := tx.CreateSeries("c", "f64")
	require.NoError(t, err)

	_, err = tx.CreateSeries("c", "u32")
	require.ErrorIs(t, err, ErrFormatMismatch)

	format, err := tx.SeriesFormatString("c")
	require.NoError(t, err)
	require.Equal(t, "f64", format)
}

func TestInsertAndReadRoundTrip(t *testing.T) {
	h := newHarness(t)

	tx := h.beginWrite(t)
	id, err := tx.CreateSeries("a", "f64")
	require.NoError(t, err)

	format, err := rowformat.Parse("f64")
	require.NoError(t, err)

	gen := genFromRows(t, format, [][2]interface{}{
		{uint64(10), "1"}, {uint64(20), "2"}, {uint64(30), "3"},
	})
	require.NoError(t, tx.InsertIntoSeries(id, gen))
	require.NoError(t, tx.Commit())

	readTx := h.beginRead(t)
	defer readTx.Close()

	var got []uint64
	err = readTx.ReadSeries(id, 0, 100, func(ts uint64, f *rowformat.Format, payload []byte) {
		got = append(got, ts)
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{10, 20, 30}, got)
}

func TestInsertRejectsOutOfOrder(t *testing.T) {
	h := newHarness(t)

	tx := h.beginWrite(t)
	id, err := tx.CreateSeries("a", "f64")
	require.NoError(t, err)

	format, err := rowformat.Parse("f64")
	require.NoError(t, err)
	gen := genFromRows(t, format, [][2]interface{}{{uint64(10), "1"}, {uint64(30), "3"}})
	require.NoError(t, tx.InsertIntoSeries(id, gen))
	require.NoError(t, tx.Commit())

	tx2 := h.beginWrite(t)
	defer tx2.Close()
	gen2 := genFromRows(t, format, [][2]interface{}{{uint64(20), "9"}})
	err = tx2.InsertIntoSeries(id, gen2)
	require.ErrorIs(t, err, ErrOrder)

	// the transaction was never committed, so a rollback (via Close)
	// leaves the series unchanged.
	require.NoError(t, tx2.Close())

	readTx := h.beginRead(t)
	defer readTx.Close()
	var got []uint64
	require.NoError(t, readTx.ReadSeries(id, 0, 100, func(ts uint64, f *rowformat.Format, payload []byte) {
		got = append(got, ts)
	}))
	require.Equal(t, []uint64{10, 30}, got)
}

func TestReadEmptyRangeWhenFirstAfterLast(t *testing.T) {
	h := newHarness(t)
	tx := h.beginWrite(t)
	id, err := tx.CreateSeries("a", "f64")
	require.NoError(t, err)
	format, err := rowformat.Parse("f64")
	require.NoError(t, err)
	gen := genFromRows(t, format, [][2]interface{}{{uint64(10), "1"}})
	require.NoError(t, tx.InsertIntoSeries(id, gen))
	require.NoError(t, tx.Commit())

	readTx := h.beginRead(t)
	defer readTx.Close()
	called := false
	require.NoError(t, readTx.ReadSeries(id, 100, 0, func(ts uint64, f *rowformat.Format, payload []byte) {
		called = true
	}))
	require.False(t, called)
}

func TestEmptyInsertIsNoOp(t *testing.T) {
	h := newHarness(t)
	tx := h.beginWrite(t)
	id, err := tx.CreateSeries("a", "f64")
	require.NoError(t, err)

	gen := func(out *[]byte) (uint64, bool) { return 0, false }
	require.NoError(t, tx.InsertIntoSeries(id, gen))
	require.NoError(t, tx.Commit())

	readTx := h.beginRead(t)
	defer readTx.Close()
	called := false
	require.NoError(t, readTx.ReadSeries(id, 0, 100, func(ts uint64, f *rowformat.Format, payload []byte) {
		called = true
	}))
	require.False(t, called)
}

func TestBlockPackingAllocatesSecondBlockWhenFull(t *testing.T) {
	h := newHarness(t)
	tx := h.beginWrite(t)
	id, err := tx.CreateSeries("b", "u32")
	require.NoError(t, err)

	format, err := rowformat.Parse("u32")
	require.NoError(t, err)
	// row size = 8 (ts) + 4 (u32) = 12 bytes; the 4096-byte preferred block
	// size rounds up to 4104 bytes = 342 rows, so the second insert fills
	// the first block with 42 rows and allocates a second for the last 58.
	rows := make([][2]interface{}, 300)
	for i := range rows {
		rows[i] = [2]interface{}{uint64(i + 1), "7"}
	}
	gen := genFromRows(t, format, rows)
	require.NoError(t, tx.InsertIntoSeries(id, gen))
	require.NoError(t, tx.Commit())

	tx2 := h.beginWrite(t)
	rows2 := make([][2]interface{}, 100)
	for i := range rows2 {
		rows2[i] = [2]interface{}{uint64(301 + i), "9"}
	}
	gen2 := genFromRows(t, format, rows2)
	require.NoError(t, tx2.InsertIntoSeries(id, gen2))
	require.NoError(t, tx2.Commit())

	readTx := h.beginRead(t)
	defer readTx.Close()
	var got []uint64
	require.NoError(t, readTx.ReadSeries(id, 0, 1000, func(ts uint64, f *rowformat.Format, payload []byte) {
		got = append(got, ts)
	}))
	require.Len(t, got, 400)
	for i, ts := range got {
		require.Equal(t, uint64(i+1), ts)
	}

	blocks, err := readTx.blocksForRange(id, 0, 1000)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
}

func TestReadOnlyTransactionCannotWrite(t *testing.T) {
	h := newHarness(t)
	tx := h.beginRead(t)
	defer tx.Close()

	_, err := tx.CreateSeries("a", "f64")
	require.ErrorIs(t, err, ErrNotWritable)
}
