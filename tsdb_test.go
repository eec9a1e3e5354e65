package tsdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flashseries/tsdb/rowformat"
)

func TestOpenRecoversEmptyState(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	require.Equal(t, uint64(0), db.Generation())
}

func TestCreateSeriesConvenienceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	id1, err := db.CreateSeries(ctx, "cpu.load", "f64")
	require.NoError(t, err)
	id2, err := db.CreateSeries(ctx, "cpu.load", "f64")
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	_, err = db.CreateSeries(ctx, "cpu.load", "u32")
	require.Error(t, err)
}

func TestWriteCommitAdvancesGeneration(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	before := db.Generation()

	tx, err := db.BeginWrite(ctx)
	require.NoError(t, err)
	_, err = tx.CreateSeries("a", "u8")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.Greater(t, db.Generation(), before)
}

func TestReopenRecoversGenerationAndOffset(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := Open(ctx, dir)
	require.NoError(t, err)

	tx, err := db.BeginWrite(ctx)
	require.NoError(t, err)
	id, err := tx.CreateSeries("a", "u32")
	require.NoError(t, err)

	format, err := rowformat.Parse("u32")
	require.NoError(t, err)
	rows := []uint64{1, 2, 3}
	i := 0
	gen := func(out *[]byte) (uint64, bool) {
		if i >= len(rows) {
			return 0, false
		}
		ts := rows[i]
		i++
		require.NoError(t, format.Encode(ts, "7", out))
		return ts, true
	}
	require.NoError(t, tx.InsertIntoSeries(id, gen))
	require.NoError(t, tx.Commit())
	require.NoError(t, db.Close())

	reopened, err := Open(ctx, dir)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, db.Generation(), reopened.Generation())
	require.Equal(t, db.nextOffset, reopened.nextOffset)

	readTx, err := reopened.BeginRead(ctx)
	require.NoError(t, err)
	defer readTx.Close()

	var got []uint64
	err = readTx.ReadSeries(id, 0, 100, func(ts uint64, f *rowformat.Format, payload []byte) {
		got = append(got, ts)
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, got)
}
