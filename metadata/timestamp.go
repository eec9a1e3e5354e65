package metadata

import "math"

// ToSQLite maps an unsigned 64-bit timestamp onto SQLite's signed 64-bit
// integer column via the order-preserving bijection x -> x + MinInt64, so
// that SQLite's native numeric sort matches unsigned timestamp order. The
// addition is expected to wrap (e.g. MaxUint64 maps to MaxInt64); Go's
// signed integer arithmetic wraps deterministically on overflow, matching
// the original implementation's wrapping_add.
func ToSQLite(ts uint64) int64 {
	return int64(ts) + math.MinInt64
}

// FromSQLite reverses ToSQLite.
func FromSQLite(v int64) uint64 {
	return uint64(v - math.MinInt64)
}
