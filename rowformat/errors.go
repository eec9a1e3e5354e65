package rowformat

import "errors"

// ErrFormat is returned when a format string fails to parse, or when a
// textual field fails to encode against the format it's paired with.
var ErrFormat = errors.New("rowformat: malformed format")

// FormatError wraps ErrFormat with the offending detail. Callers that only
// care about the error kind should use errors.Is(err, ErrFormat).
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string { return "rowformat: " + e.Reason }

func (e *FormatError) Unwrap() error { return ErrFormat }

func newFormatError(reason string) error {
	return &FormatError{Reason: reason}
}
