package driver

import "strings"

// knownQuotes lists quote currencies recognized when splitting a
// concatenated wire symbol like "BTCUSDT" back into "BTC_USDT". The first
// entry that is a suffix wins, so quotes ending in another entry ("BUSD"
// and "FDUSD" end in "USD") are listed before it.
var knownQuotes = []string{"USDT", "USDC", "BUSD", "FDUSD", "BTC", "ETH", "USD", "BNB", "TRY", "EUR"}

// CanonicalFromConcat converts a concatenated wire symbol ("BTCUSDT") to the
// canonical underscore form ("BTC_USDT"), per spec §4.2. Returns the input
// unchanged (passthrough) if no known quote currency matches the suffix.
func CanonicalFromConcat(wire string) string {
	upper := strings.ToUpper(wire)
	for _, q := range knownQuotes {
		if len(upper) > len(q) && strings.HasSuffix(upper, q) {
			base := upper[:len(upper)-len(q)]
			return base + "_" + q
		}
	}
	return upper
}

// CanonicalFromDash converts a dash-separated wire symbol ("BTC-USDT" or
// "BTC-USDT-SWAP") to canonical underscore form, dropping a trailing
// "-SWAP"/"-SPOT" market-type suffix if present.
func CanonicalFromDash(wire string) string {
	upper := strings.ToUpper(wire)
	upper = strings.TrimSuffix(upper, "-SWAP")
	upper = strings.TrimSuffix(upper, "-SPOT")
	return strings.ReplaceAll(upper, "-", "_")
}

// CanonicalFromDot converts a dot-separated wire symbol ("BTC.USDT") to
// canonical underscore form.
func CanonicalFromDot(wire string) string {
	return strings.ReplaceAll(strings.ToUpper(wire), ".", "_")
}

// WireConcat converts a canonical symbol ("BTC_USDT") to concatenated wire
// form ("BTCUSDT").
func WireConcat(canon string) string {
	return strings.ReplaceAll(canon, "_", "")
}

// WireDash converts a canonical symbol ("BTC_USDT") to dash-separated wire
// form ("BTC-USDT").
func WireDash(canon string) string {
	return strings.ReplaceAll(canon, "_", "-")
}
