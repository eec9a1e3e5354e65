package metadata

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToSQLiteBoundaries(t *testing.T) {
	require.Equal(t, int64(math.MaxInt64), ToSQLite(math.MaxUint64))
	require.Equal(t, int64(math.MinInt64)+500, ToSQLite(500))
	require.Equal(t, int64(math.MinInt64), ToSQLite(0))
}

func TestFromSQLiteBoundaries(t *testing.T) {
	require.Equal(t, uint64(0), FromSQLite(math.MinInt64))
	require.Equal(t, uint64(math.MaxInt64), FromSQLite(0)-1)
}

func TestSQLiteRoundTrip(t *testing.T) {
	samples := []int64{
		math.MinInt64, math.MinInt64 + 100, 0, 100, math.MaxInt64 - 1000,
	}
	for _, s := range samples {
		require.Equal(t, s, ToSQLite(FromSQLite(s)))
	}

	tsSamples := []uint64{0, 1, math.MaxUint64, math.MaxUint64 - 1, 1 << 63}
	for _, ts := range tsSamples {
		require.Equal(t, ts, FromSQLite(ToSQLite(ts)))
	}
}
