// Package timeutil provides monotonic-clock-backed timestamp helpers used
// for stamping and comparing event times across the module.
package timeutil

import (
	"time"
)

var (
	// baseTime anchors a monotonic clock reading at package init.
	baseTime = time.Now()
	// baseUnixNs is the Unix-nanosecond timestamp corresponding to baseTime.
	baseUnixNs = baseTime.UnixNano()
)

// NowNano returns the current Unix-nanosecond timestamp, computed as
// baseUnixNs + time.Since(baseTime) so that the result tracks the monotonic
// clock rather than jumping when the wall clock is adjusted (NTP, manual
// changes).
func NowNano() int64 {
	return baseUnixNs + time.Since(baseTime).Nanoseconds()
}

// NowMs returns the current Unix-millisecond timestamp, for comparison
// against exchange-reported timestamps (which are millisecond-scale).
func NowMs() int64 {
	return NowNano() / 1_000_000
}

// NowMicro returns the current Unix-microsecond timestamp.
func NowMicro() int64 {
	return NowNano() / 1_000
}

// NanoToMs converts a nanosecond timestamp to milliseconds.
func NanoToMs(ns int64) int64 {
	return ns / 1_000_000
}

// MsToNano converts a millisecond timestamp to nanoseconds.
func MsToNano(ms int64) int64 {
	return ms * 1_000_000
}

// NanoToTime converts a nanosecond timestamp to a time.Time.
func NanoToTime(ns int64) time.Time {
	return time.Unix(0, ns)
}

// MsToTime converts a millisecond timestamp to a time.Time.
func MsToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// DurationMs returns the millisecond difference between two nanosecond
// timestamps, as a float to preserve sub-millisecond precision.
func DurationMs(startNs, endNs int64) float64 {
	return float64(endNs-startNs) / 1_000_000.0
}

// SinceNano returns the elapsed duration since a nanosecond timestamp.
func SinceNano(startNs int64) time.Duration {
	return time.Duration(NowNano() - startNs)
}

// SinceMs returns the elapsed milliseconds since a millisecond timestamp.
func SinceMs(startMs int64) int64 {
	return NowMs() - startMs
}
