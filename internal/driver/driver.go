// Package driver defines the per-exchange capability interface the generic
// supervisor drives, replacing the tagged-union-of-per-exchange-clients
// pattern the original source used (spec §9's first redesign flag). Each
// exchange gets one small driver package implementing ExchangeWsDriver
// instead of a match arm in a central dispatcher.
package driver

import (
	"time"

	"marketfeed/internal/codec"
	"marketfeed/internal/model"
)

// SendKind distinguishes a text payload from a binary one for outbound
// commands (every wire protocol in this module sends text/JSON, but the
// type exists so a future binary-command driver does not need an interface
// change).
type SendKind int

const (
	SendText SendKind = iota
	SendBinary
)

// OutboundCommand is a single wire message the supervisor writes to the
// connection.
type OutboundCommand struct {
	Kind    SendKind
	Payload []byte
}

// ClassKind enumerates the four classifier outcomes from spec §4.2.
type ClassKind int

const (
	ClassService ClassKind = iota
	ClassHeartbeat
	ClassHeartbeatAck
	ClassData
)

// Classification is the classifier's verdict on one decoded payload. The
// classifier is total: anything it cannot positively categorize comes back
// as ClassService (dropped) rather than ever being misreported as ClassData.
type Classification struct {
	Kind ClassKind
	// Reply is set when Kind == ClassHeartbeat and the inbound ping
	// requires a specific reply (spec §4.2): the supervisor writes it to
	// the outbound queue and does not forward anything to the caller.
	Reply *OutboundCommand
	// Envelope is set when Kind == ClassData.
	Envelope *model.Envelope
}

func Service() Classification             { return Classification{Kind: ClassService} }
func HeartbeatAck() Classification         { return Classification{Kind: ClassHeartbeatAck} }
func Heartbeat(reply *OutboundCommand) Classification {
	return Classification{Kind: ClassHeartbeat, Reply: reply}
}
func Data(env model.Envelope) Classification {
	return Classification{Kind: ClassData, Envelope: &env}
}

// ExchangeWsDriver is the per-exchange capability surface. A Supervisor is
// generic over one driver instance (spec §9: "polymorphic capability
// interface" instead of a sum type).
type ExchangeWsDriver interface {
	// Exchange returns the exchange tag this driver implements.
	Exchange() model.ExchangeId

	// CodecProfile reports the framing contract used to pick the frame
	// codec decision path (spec §4.1).
	CodecProfile() codec.Profile

	// Endpoint returns the WebSocket URL to dial. listenKey is the empty
	// string unless private is true and the exchange gates private
	// streams through a listen-key query parameter.
	Endpoint(private bool, listenKey string) string

	// SupportsChannel reports whether this driver has a grounded classify/
	// translate path for ch. subscribe_* on an unsupported channel
	// returns CapabilityError synchronously (spec §7, §9 Open Questions).
	SupportsChannel(ch model.Channel) bool

	// RequiresListenKey reports whether ch needs a REST-issued listen-key
	// before it can be subscribed (spec §4.6).
	RequiresListenKey(ch model.Channel) bool

	// TranslateSubscribe builds one or more outbound subscribe commands
	// for the given batch of subscriptions, respecting this exchange's
	// frame-size and topic-count limits (spec §4.3).
	TranslateSubscribe(subs []model.Subscription) ([]OutboundCommand, error)

	// TranslateUnsubscribe is the unsubscribe counterpart.
	TranslateUnsubscribe(subs []model.Subscription) ([]OutboundCommand, error)

	// HeartbeatPayload returns the ping command this driver's heartbeat
	// task sends at HeartbeatInterval.
	HeartbeatPayload() OutboundCommand

	// HeartbeatInterval is this exchange's ping cadence (spec §4.4:
	// typically 20-30s, 180s for Binance unsolicited pong).
	HeartbeatInterval() time.Duration

	// Classify categorizes one decoded payload. sig carries the codec
	// signal from Decode (e.g. MEXC's BinaryPush) for drivers that need
	// it to route opaque binary pushes.
	Classify(payload string, sig codec.Signal) Classification
}

// ValidateInterval is implemented by drivers whose Kline channel has a
// fixed, closed set of interval strings (spec §4.3: unknown intervals are
// rejected before send, not silently coerced).
type IntervalValidator interface {
	ValidateInterval(interval string) error
}
