package txn

import "errors"

// ErrOrder is returned when a produced row's timestamp is not strictly
// greater than the series' current last timestamp, or than a preceding
// timestamp produced earlier in the same InsertIntoSeries call.
var ErrOrder = errors.New("txn: timestamps must be strictly increasing")

// ErrFormatMismatch is returned by CreateSeries when name already exists
// with a format different from the one requested.
var ErrFormatMismatch = errors.New("txn: series exists with a different format")

// ErrNotFound is returned when a lookup by name finds no series.
var ErrNotFound = errors.New("txn: series not found")

// ErrNotWritable is returned (not panicked — callers that want the
// original "programmer error" panic semantics can do so themselves) when
// a write-only operation is attempted on a read transaction.
var ErrNotWritable = errors.New("txn: write attempted on a read-only transaction")
