// Package stream implements the textual ingestion/export protocol used by
// external collaborators of the storage engine (spec §6): whitespace-
// delimited lines of the form "key timestamp value [value ...]", with
// backslash-escaping so keys and values may contain spaces.
package stream

import "strings"

// escape backslash-escapes spaces, tabs, and backslashes in s so it can be
// written as one whitespace-delimited field.
func escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ' ', '\t', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// splitOne splits s on the first run of unescaped whitespace, returning the
// unescaped first field and the remaining tail (with leading whitespace
// trimmed). ok is false if s holds no field at all (empty or all
// whitespace).
func splitOne(s string) (field, tail string, ok bool) {
	start := 0
	for start < len(s) && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	if start >= len(s) {
		return "", "", false
	}

	var b strings.Builder
	i := start
	for i < len(s) {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			b.WriteByte(s[i+1])
			i += 2
			continue
		}
		if c == ' ' || c == '\t' {
			break
		}
		b.WriteByte(c)
		i++
	}
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	return b.String(), s[i:], true
}
