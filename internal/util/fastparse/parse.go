// Package fastparse wraps strconv's numeric parse/format functions under
// short names, used on the hot path for decoding price/quantity/timestamp
// fields out of exchange WebSocket payloads.
package fastparse

import (
	"strconv"
)

// ParseFloat parses a base-10 float64 string such as "12345.67".
func ParseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

// ParseInt parses a base-10 int64 string.
func ParseInt(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// ParseUint parses a base-10 uint64 string, used for sequence numbers and
// exchange-reported timestamps.
func ParseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

// MustParseFloat parses s, returning 0 on failure. For call sites where the
// field's format is already known-good and a parse error isn't actionable.
func MustParseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// MustParseInt parses s, returning 0 on failure.
func MustParseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// FormatFloat formats f with prec decimal digits (-1 for the shortest exact
// representation).
func FormatFloat(f float64, prec int) string {
	return strconv.FormatFloat(f, 'f', prec, 64)
}

// FormatInt formats i in base 10.
func FormatInt(i int64) string {
	return strconv.FormatInt(i, 10)
}
