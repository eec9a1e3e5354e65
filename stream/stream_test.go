package stream

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flashseries/tsdb/blockfile"
	"github.com/flashseries/tsdb/metadata"
	"github.com/flashseries/tsdb/txn"
)

func newWriteTx(t *testing.T) *txn.Transaction {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := metadata.Open(ctx, filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bf, err := blockfile.Open(filepath.Join(dir, "data.block"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bf.Close() })

	tx, err := txn.BeginWrite(ctx, store, bf, 1, nil, nil)
	require.NoError(t, err)
	tx.SetAllocator(&sequentialAllocator{})
	t.Cleanup(func() { _ = tx.Close() })
	return tx
}

type sequentialAllocator struct{ next uint64 }

func (a *sequentialAllocator) Reserve(capacity uint64) uint64 {
	off := a.next
	a.next += capacity
	return off
}

func TestSplitOne(t *testing.T) {
	field, tail, ok := splitOne(`cpu\ load 123 4.5`)
	require.True(t, ok)
	require.Equal(t, "cpu load", field)
	require.Equal(t, "123 4.5", tail)

	_, _, ok = splitOne("   ")
	require.False(t, ok)
}

func TestEscapeRoundTrip(t *testing.T) {
	escaped := escape("has space")
	field, _, ok := splitOne(escaped)
	require.True(t, ok)
	require.Equal(t, "has space", field)
}

func TestIngestAndExport(t *testing.T) {
	tx := newWriteTx(t)

	input := "cpu 10 1.5\ncpu 20 2.5\nmem 15 9\n"
	err := Ingest(tx, "f64", strings.NewReader(input), Options{})
	require.NoError(t, err)

	id, err := tx.SeriesID("cpu")
	require.NoError(t, err)

	var out strings.Builder
	require.NoError(t, Export(tx, id, "cpu", 0, 100, &out, Options{}))
	require.Equal(t, "cpu\t10\t1.5\ncpu\t20\t2.5\n", out.String())
}

func TestIngestWithFormatMixesSeries(t *testing.T) {
	tx := newWriteTx(t)

	input := "cpu 10 f64 1.5\nerrors 5 u32 7\n"
	err := IngestWithFormat(tx, strings.NewReader(input), Options{})
	require.NoError(t, err)

	cpuID, err := tx.SeriesID("cpu")
	require.NoError(t, err)
	errID, err := tx.SeriesID("errors")
	require.NoError(t, err)

	var out strings.Builder
	require.NoError(t, Export(tx, cpuID, "cpu", 0, 100, &out, Options{}))
	require.Equal(t, "cpu\t10\t1.5\n", out.String())

	out.Reset()
	require.NoError(t, Export(tx, errID, "errors", 0, 100, &out, Options{}))
	require.Equal(t, "errors\t5\t7\n", out.String())
}

func TestIngestRejectsHeterogeneousFormat(t *testing.T) {
	tx := newWriteTx(t)

	require.NoError(t, Ingest(tx, "f64", strings.NewReader("cpu 10 1.5\n"), Options{}))
	err := Ingest(tx, "u32", strings.NewReader("cpu 20 7\n"), Options{})
	require.ErrorIs(t, err, txn.ErrFormatMismatch)
}
