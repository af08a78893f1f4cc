// Package model defines the canonical types shared by every exchange driver,
// the connection supervisor, and the router: exchange tags, channels,
// subscriptions, the connection state machine, and the envelope delivered to
// callers.
package model

import "fmt"

// MarketSegment distinguishes the market a given ExchangeId's WebSocket
// endpoint serves. Recovered from original_source's exchange_type.rs, where
// each exchange/market pairing carries its own base URL and limits.
type MarketSegment string

const (
	SegmentSpot         MarketSegment = "spot"
	SegmentLinearSwap   MarketSegment = "linear"
	SegmentInverseSwap  MarketSegment = "inverse"
	SegmentOption       MarketSegment = "option"
)

// ExchangeId is a stable tag identifying a venue and market segment.
type ExchangeId string

const (
	BinanceSpot   ExchangeId = "binance-spot"
	BinanceLinear ExchangeId = "binance-linear"
	MexcSpot      ExchangeId = "mexc-spot"
	MexcSwap      ExchangeId = "mexc-swap"
	BingxSpot     ExchangeId = "bingx-spot"
	BingxSwap     ExchangeId = "bingx-swap"
	BybitLinear   ExchangeId = "bybit-linear"
	BybitSpot     ExchangeId = "bybit-spot"
	BybitInverse  ExchangeId = "bybit-inverse"
	BitgetSpot    ExchangeId = "bitget-spot"
	BitgetSwap    ExchangeId = "bitget-swap"
	OkxSpot       ExchangeId = "okx-spot"
)

// exchangeMeta holds the static capability bits per ExchangeId.
var exchangeMeta = map[ExchangeId]struct {
	segment   MarketSegment
	supportsWS bool
}{
	BinanceSpot:   {SegmentSpot, true},
	BinanceLinear: {SegmentLinearSwap, true},
	MexcSpot:      {SegmentSpot, true},
	MexcSwap:      {SegmentLinearSwap, true},
	BingxSpot:     {SegmentSpot, true},
	BingxSwap:     {SegmentLinearSwap, true},
	BybitLinear:   {SegmentLinearSwap, true},
	BybitSpot:     {SegmentSpot, true},
	BybitInverse:  {SegmentInverseSwap, true},
	BitgetSpot:    {SegmentSpot, true},
	BitgetSwap:    {SegmentLinearSwap, true},
	OkxSpot:       {SegmentSpot, true},
}

// String returns the stable short form of the exchange tag.
func (e ExchangeId) String() string { return string(e) }

// SupportsWebSocket reports whether this exchange tag has a WebSocket
// driver at all (distinct from whether a specific channel is supported —
// see driver.ExchangeWsDriver.SupportsChannel).
func (e ExchangeId) SupportsWebSocket() bool {
	meta, ok := exchangeMeta[e]
	return ok && meta.supportsWS
}

// Segment returns the market segment this exchange tag serves.
func (e ExchangeId) Segment() MarketSegment {
	return exchangeMeta[e].segment
}

// Known reports whether e is a recognized exchange tag.
func (e ExchangeId) Known() bool {
	_, ok := exchangeMeta[e]
	return ok
}

// Channel enumerates the canonical data channels. Orderbook, Trades, Ticker
// and Kline are public; AccountBalance, Orders and PrivateDeals are private
// and require a listen-key or authenticated session.
type Channel string

const (
	Orderbook      Channel = "orderbook"
	Trades         Channel = "trades"
	Ticker         Channel = "ticker"
	Kline          Channel = "kline"
	AccountBalance Channel = "account_balance"
	Orders         Channel = "orders"
	PrivateDeals   Channel = "private_deals"
)

// IsPrivate reports whether this channel requires authentication.
func (c Channel) IsPrivate() bool {
	switch c {
	case AccountBalance, Orders, PrivateDeals:
		return true
	default:
		return false
	}
}

// Symbol is a canonical uppercase, underscore-separated trading pair, e.g.
// "BTC_USDT". The literal "ACCOUNT" is used for account-wide channels.
type Symbol string

// AccountSymbol is the sentinel symbol for channels that carry account-wide
// data rather than per-pair data.
const AccountSymbol Symbol = "ACCOUNT"

// Subscription is a caller-intended (channel, symbol) pair. For Kline it also
// carries an interval (e.g. "1m"); other channels leave Interval empty.
type Subscription struct {
	Channel  Channel
	Symbol   Symbol
	Interval string
}

func (s Subscription) String() string {
	if s.Interval != "" {
		return fmt.Sprintf("%s:%s@%s", s.Channel, s.Symbol, s.Interval)
	}
	return fmt.Sprintf("%s:%s", s.Channel, s.Symbol)
}

// ConnectionState is the supervisor's connection state machine position.
type ConnectionState struct {
	Phase  ConnectionPhase
	Reason string // populated only when Phase == Failed
}

// ConnectionPhase is the enumerated half of ConnectionState.
type ConnectionPhase int

const (
	Disconnected ConnectionPhase = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (p ConnectionPhase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s ConnectionState) String() string {
	if s.Phase == Failed && s.Reason != "" {
		return fmt.Sprintf("failed(%s)", s.Reason)
	}
	return s.Phase.String()
}

// FailedState constructs a Failed ConnectionState with the given reason.
func FailedState(reason string) ConnectionState {
	return ConnectionState{Phase: Failed, Reason: reason}
}

// Envelope is the uniform message delivered to the caller, independent of
// exchange wire format.
type Envelope struct {
	Exchange    ExchangeId
	Channel     Channel
	Symbol      Symbol
	Payload     any // opaque decoded JSON value (map[string]any, []any, json.Number, ...)
	TimestampMs uint64
}

// ListenKey is a short-lived REST-issued token authenticating a private
// WebSocket stream.
type ListenKey struct {
	Value    string
	IssuedAt int64 // unix millis
	TTLHint  int64 // milliseconds
}

// ConnectionMetrics are monotonic, read-only counters per supervisor.
type ConnectionMetrics struct {
	TotalConnections      int64
	SuccessfulConnections int64
	FailedConnections     int64
	ReconnectionAttempts  int64
	PingFailures          int64
	LastError             string
	LastPingTsMs          int64
	StartTsMs             int64
}
