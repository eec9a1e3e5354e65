// Package rowformat parses the fixed row layout for a series and provides
// the codec between its on-disk bytes and the textual form used by
// ingestion/export clients (see stream). It performs no I/O and holds no
// global state: a Format is a pure function of the string it was parsed
// from.
package rowformat

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// TimestampSize is the width, in bytes, of the big-endian timestamp prefix
// every row begins with.
const TimestampSize = 8

// defaultPreferredBlockSize is the allocation unit new blocks round up to
// when a format doesn't need a larger one to hold a single row.
const defaultPreferredBlockSize = 4096

// fieldKind identifies one column's on-disk width and text codec.
type fieldKind int

const (
	kindU8 fieldKind = iota
	kindU16
	kindU32
	kindU64
	kindI8
	kindI16
	kindI32
	kindI64
	kindF32
	kindF64
	kindString
)

type field struct {
	kind fieldKind
	// width is the on-disk byte width of this field. For kindString it is
	// the fixed capacity declared in the format string (e.g. "s16" -> 16).
	width int
}

// Format is a parsed row format: a fixed sequence of typed fields,
// preceded on disk by an 8-byte big-endian timestamp. Two Formats compare
// equal (via Format.String) iff they were parsed from byte-identical
// format strings, matching the value-like equality the storage engine
// relies on (a series' format is immutable once created).
type Format struct {
	raw    string
	fields []field
}

// Parse parses a format string such as "u32,f64,s16" into a Format.
// Recognized field kinds: u8, u16, u32, u64, i8, i16, i32, i64, f32, f64,
// and sN for a fixed-width N-byte text field. Fields are comma-separated
// with no surrounding whitespace requirement.
func Parse(format string) (*Format, error) {
	if strings.TrimSpace(format) == "" {
		return nil, newFormatError("empty format string")
	}

	parts := strings.Split(format, ",")
	fields := make([]field, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		f, err := parseField(p)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}

	return &Format{raw: format, fields: fields}, nil
}

func parseField(tok string) (field, error) {
	switch tok {
	case "u8":
		return field{kind: kindU8, width: 1}, nil
	case "u16":
		return field{kind: kindU16, width: 2}, nil
	case "u32":
		return field{kind: kindU32, width: 4}, nil
	case "u64":
		return field{kind: kindU64, width: 8}, nil
	case "i8":
		return field{kind: kindI8, width: 1}, nil
	case "i16":
		return field{kind: kindI16, width: 2}, nil
	case "i32":
		return field{kind: kindI32, width: 4}, nil
	case "i64":
		return field{kind: kindI64, width: 8}, nil
	case "f32":
		return field{kind: kindF32, width: 4}, nil
	case "f64":
		return field{kind: kindF64, width: 8}, nil
	}

	if strings.HasPrefix(tok, "s") {
		n, err := strconv.Atoi(tok[1:])
		if err != nil || n <= 0 {
			return field{}, newFormatError(fmt.Sprintf("bad string field %q", tok))
		}
		return field{kind: kindString, width: n}, nil
	}

	return field{}, newFormatError(fmt.Sprintf("unknown field type %q", tok))
}

// String returns the format string this Format was parsed from. Format
// equality (value-like: equal iff byte sequences are equal) is just
// string equality on this value.
func (f *Format) String() string { return f.raw }

// RowSize returns the total on-disk byte size of one row, including the
// 8-byte timestamp prefix. Constant for the lifetime of the Format.
func (f *Format) RowSize() int {
	size := TimestampSize
	for _, fl := range f.fields {
		size += fl.width
	}
	return size
}

// PreferredBlockSize returns the allocation unit new blocks use, rounded
// up to hold at least one row.
func (f *Format) PreferredBlockSize() int {
	rs := f.RowSize()
	if defaultPreferredBlockSize < rs {
		return rs
	}
	return defaultPreferredBlockSize
}

// Encode appends one row — an 8-byte big-endian timestamp followed by the
// encoded fields — to out. text holds one whitespace-separated value per
// field, in field order. Returns a FormatError if text has the wrong
// number of fields or a field fails to parse.
func (f *Format) Encode(ts uint64, text string, out *[]byte) error {
	values := strings.Fields(text)
	if len(values) != len(f.fields) {
		return newFormatError(fmt.Sprintf(
			"expected %d fields, got %d", len(f.fields), len(values)))
	}

	var tsBuf [TimestampSize]byte
	binary.BigEndian.PutUint64(tsBuf[:], ts)
	*out = append(*out, tsBuf[:]...)

	for i, fl := range f.fields {
		if err := encodeField(fl, values[i], out); err != nil {
			return err
		}
	}
	return nil
}

func encodeField(fl field, text string, out *[]byte) error {
	switch fl.kind {
	case kindU8, kindU16, kindU32, kindU64:
		v, err := strconv.ParseUint(text, 10, fl.width*8)
		if err != nil {
			return newFormatError(fmt.Sprintf("bad uint field %q: %v", text, err))
		}
		appendUint(out, v, fl.width)
	case kindI8, kindI16, kindI32, kindI64:
		v, err := strconv.ParseInt(text, 10, fl.width*8)
		if err != nil {
			return newFormatError(fmt.Sprintf("bad int field %q: %v", text, err))
		}
		appendUint(out, uint64(v), fl.width)
	case kindF32:
		v, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return newFormatError(fmt.Sprintf("bad f32 field %q: %v", text, err))
		}
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], math.Float32bits(float32(v)))
		*out = append(*out, buf[:]...)
	case kindF64:
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return newFormatError(fmt.Sprintf("bad f64 field %q: %v", text, err))
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
		*out = append(*out, buf[:]...)
	case kindString:
		if len(text) > fl.width {
			return newFormatError(fmt.Sprintf(
				"string field %q exceeds width %d", text, fl.width))
		}
		buf := make([]byte, fl.width)
		copy(buf, text)
		*out = append(*out, buf...)
	default:
		return newFormatError("unreachable field kind")
	}
	return nil
}

func appendUint(out *[]byte, v uint64, width int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	*out = append(*out, buf[8-width:]...)
}

// Decode writes a whitespace-separated textual rendering of row (the
// field bytes only — the 8-byte timestamp prefix must already have been
// stripped by the caller, which owns timestamp formatting) to out. Fields
// are separated by a single space.
func (f *Format) Decode(row []byte, out io.Writer) error {
	if len(row) != f.RowSize()-TimestampSize {
		return newFormatError(fmt.Sprintf(
			"row is %d bytes, expected %d", len(row), f.RowSize()-TimestampSize))
	}

	off := 0
	for i, fl := range f.fields {
		if i > 0 {
			if _, err := io.WriteString(out, " "); err != nil {
				return err
			}
		}
		if err := decodeField(fl, row[off:off+fl.width], out); err != nil {
			return err
		}
		off += fl.width
	}
	return nil
}

func decodeField(fl field, b []byte, out io.Writer) error {
	switch fl.kind {
	case kindU8, kindU16, kindU32, kindU64:
		v := readUint(b)
		_, err := io.WriteString(out, strconv.FormatUint(v, 10))
		return err
	case kindI8, kindI16, kindI32, kindI64:
		v := int64(signExtend(readUint(b), fl.width))
		_, err := io.WriteString(out, strconv.FormatInt(v, 10))
		return err
	case kindF32:
		bits := binary.BigEndian.Uint32(b)
		v := math.Float32frombits(bits)
		_, err := io.WriteString(out, strconv.FormatFloat(float64(v), 'g', -1, 32))
		return err
	case kindF64:
		bits := binary.BigEndian.Uint64(b)
		v := math.Float64frombits(bits)
		_, err := io.WriteString(out, strconv.FormatFloat(v, 'g', -1, 64))
		return err
	case kindString:
		trimmed := strings.TrimRight(string(b), "\x00")
		_, err := io.WriteString(out, trimmed)
		return err
	default:
		return newFormatError("unreachable field kind")
	}
}

// DecodeTimestamp reads the 8-byte big-endian timestamp prefix from a full
// encoded row (including that prefix), for callers that hold raw encoded
// bytes without having tracked the timestamp separately.
func DecodeTimestamp(row []byte) uint64 {
	return binary.BigEndian.Uint64(row[:TimestampSize])
}

func readUint(b []byte) uint64 {
	var buf [8]byte
	copy(buf[8-len(b):], b)
	return binary.BigEndian.Uint64(buf[:])
}

func signExtend(v uint64, width int) int64 {
	bits := uint(width * 8)
	shift := 64 - bits
	return int64(v<<shift) >> shift
}
