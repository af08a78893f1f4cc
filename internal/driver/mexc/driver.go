// Package mexc implements the MEXC spot WebSocket driver. MEXC is the
// venue with the most idiosyncratic classification rules in this module: a
// legacy mixed-format bug ships private deals with the real channel string
// stuffed into the `d.symbol` field of an ostensibly public push, and the
// newer user-data-stream format ships a different top-level shape again.
// Both are grounded on spec §4.2 scenarios 2 and 3 and on
// original_source/crypto-ws-client/src/clients/mexc/{mexc_spot.rs,protobuf.rs}.
package mexc

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"marketfeed/internal/codec"
	"marketfeed/internal/driver"
	"marketfeed/internal/model"
	"marketfeed/internal/util/fastparse"
)

const maxFrameBytes = 4096

var topicCap = map[model.ExchangeId]int{
	model.MexcSpot: 1024,
	model.MexcSwap: 400,
}

// validIntervals uses MEXC's own v3 kline interval vocabulary; the
// translator does not attempt to map "1m"-style input because the wire
// format is exchange-native here (spec §4.3: unknown intervals are
// rejected, not coerced).
var validIntervals = map[string]bool{
	"Min1": true, "Min5": true, "Min15": true, "Min30": true, "Min60": true,
	"Hour4": true, "Hour8": true, "Day1": true, "Week1": true, "Month1": true,
}

// knownQuoteCurrencies is used to recover a true symbol from the legacy
// bug's d.quantity field (spec §4.2: "recovered from d.quantity when it
// ends in a quote currency").
var knownQuoteCurrencies = []string{"USDT", "USDC", "BUSD", "BTC", "ETH", "USD"}

type Driver struct {
	ex model.ExchangeId
}

func New(ex model.ExchangeId) *Driver { return &Driver{ex: ex} }

func (d *Driver) Exchange() model.ExchangeId       { return d.ex }
func (d *Driver) CodecProfile() codec.Profile      { return codec.ProfileMexcMixed }
func (d *Driver) HeartbeatInterval() time.Duration { return 20 * time.Second }

func (d *Driver) Endpoint(private bool, listenKey string) string {
	base := "wss://wbs.mexc.com/ws"
	if private && listenKey != "" {
		return base + "?listenKey=" + listenKey
	}
	return base
}

func (d *Driver) SupportsChannel(ch model.Channel) bool {
	switch ch {
	case model.Orderbook, model.Trades, model.Ticker, model.Kline,
		model.PrivateDeals, model.Orders, model.AccountBalance:
		return true
	default:
		return false
	}
}

func (d *Driver) RequiresListenKey(ch model.Channel) bool {
	return ch.IsPrivate()
}

func (d *Driver) ValidateInterval(interval string) error {
	if !validIntervals[interval] {
		return fmt.Errorf("mexc: unknown kline interval %q", interval)
	}
	return nil
}

func topicFor(sub model.Subscription) (string, error) {
	wireSym := strings.ToUpper(driver.WireConcat(string(sub.Symbol)))
	switch sub.Channel {
	case model.Trades:
		return fmt.Sprintf("spot@public.deals.v3.api@%s", wireSym), nil
	case model.Orderbook:
		return fmt.Sprintf("spot@public.increase.depth.v3.api@%s", wireSym), nil
	case model.Ticker:
		return fmt.Sprintf("spot@public.bookTicker.v3.api@%s", wireSym), nil
	case model.Kline:
		if sub.Interval == "" || !validIntervals[sub.Interval] {
			return "", fmt.Errorf("mexc: unknown kline interval %q", sub.Interval)
		}
		return fmt.Sprintf("spot@public.kline.v3.api@%s@%s", wireSym, sub.Interval), nil
	case model.PrivateDeals:
		return "spot@private.deals.v3.api.pb", nil
	case model.Orders:
		return "spot@private.orders.v3.api.pb", nil
	case model.AccountBalance:
		return "spot@private.account.v3.api.pb", nil
	default:
		return "", fmt.Errorf("mexc: unsupported channel %s", sub.Channel)
	}
}

type wireRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
}

func (d *Driver) translate(method string, subs []model.Subscription) ([]driver.OutboundCommand, error) {
	cap := topicCap[d.ex]
	if cap == 0 {
		cap = 1024
	}

	var cmds []driver.OutboundCommand
	var batch []string
	seen := make(map[string]bool)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		req := wireRequest{Method: method, Params: batch}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("mexc: marshal %s request: %w", method, err)
		}
		cmds = append(cmds, driver.OutboundCommand{Kind: driver.SendText, Payload: data})
		batch = nil
		return nil
	}

	for _, sub := range subs {
		topic, err := topicFor(sub)
		if err != nil {
			return nil, err
		}
		if seen[topic] {
			continue
		}
		candidate := append(append([]string{}, batch...), topic)
		data, _ := json.Marshal(wireRequest{Method: method, Params: candidate})
		if len(candidate) > cap || len(data) > maxFrameBytes {
			if err := flush(); err != nil {
				return nil, err
			}
			batch = []string{topic}
		} else {
			batch = candidate
		}
		seen[topic] = true
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return cmds, nil
}

func (d *Driver) TranslateSubscribe(subs []model.Subscription) ([]driver.OutboundCommand, error) {
	return d.translate("SUBSCRIPTION", subs)
}

func (d *Driver) TranslateUnsubscribe(subs []model.Subscription) ([]driver.OutboundCommand, error) {
	return d.translate("UNSUBSCRIPTION", subs)
}

func (d *Driver) HeartbeatPayload() driver.OutboundCommand {
	return driver.OutboundCommand{Kind: driver.SendText, Payload: []byte(`{"method":"PING"}`)}
}

// rawMsg captures every shape MEXC's spot v3 push can take: the classic
// c/s/d/t envelope, the legacy mixed-format bug (real channel stuffed into
// d.symbol), the user-data-stream channel/symbol/sendTime shape, and the
// plain ack.
type rawMsg struct {
	C              string          `json:"c"`
	Channel        string          `json:"channel"`
	S              string          `json:"s"`
	Symbol         string          `json:"symbol"`
	D              json.RawMessage `json:"d"`
	T              json.Number     `json:"t"`
	SendTime       json.Number     `json:"sendTime"`
	ID             *int64          `json:"id"`
	Code           *int            `json:"code"`
	Msg            *string         `json:"msg"`
	Method         string          `json:"method"`
	PrivateDeals   json.RawMessage `json:"privateDeals"`
	PrivateAccount json.RawMessage `json:"privateAccount"`
	PrivateOrders  json.RawMessage `json:"privateOrders"`
}

type legacyDealsData struct {
	Price  string `json:"price"`
	Qty    string `json:"quantity"`
	Symbol string `json:"symbol"`
}

func (d *Driver) Classify(payload string, sig codec.Signal) driver.Classification {
	trimmed := strings.TrimSpace(payload)

	if sig.BinaryPush {
		return classifyBinaryPush(d.ex, sig)
	}

	if trimmed == `"Ping"` {
		reply := driver.OutboundCommand{Kind: driver.SendText, Payload: []byte(`"Pong"`)}
		return driver.Heartbeat(&reply)
	}
	if trimmed == `"Pong"` {
		return driver.HeartbeatAck()
	}

	var msg rawMsg
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return driver.Service()
	}

	if msg.Msg != nil {
		switch strings.ToUpper(*msg.Msg) {
		case "PING":
			reply := driver.OutboundCommand{Kind: driver.SendText, Payload: []byte(`{"method":"PONG"}`)}
			return driver.Heartbeat(&reply)
		case "PONG":
			return driver.HeartbeatAck()
		}
	}
	if strings.EqualFold(msg.Method, "PONG") {
		return driver.HeartbeatAck()
	}

	// Subscription/error ack: id+code+msg present, no c/d (spec §4.2).
	if msg.ID != nil && msg.Code != nil && msg.Msg != nil && len(msg.D) == 0 && msg.C == "" {
		return driver.Service()
	}

	if isPrivate(msg) {
		if env, ok := classifyPrivate(d.ex, msg); ok {
			return driver.Data(env)
		}
		return driver.Service()
	}

	if env, ok := classifyPublic(d.ex, msg); ok {
		return driver.Data(env)
	}

	return driver.Service()
}

// isPrivate implements spec §4.2's private predicate, checked before the
// public predicate so it always shadows it (prevents the MEXC bug where
// private fills leak through a public channel field).
func isPrivate(msg rawMsg) bool {
	if strings.Contains(msg.Channel, "private") || strings.Contains(msg.C, "private") {
		return true
	}
	if len(msg.PrivateDeals) > 2 || len(msg.PrivateAccount) > 2 || len(msg.PrivateOrders) > 2 {
		return true
	}
	if len(msg.D) > 0 {
		var d legacyDealsData
		if err := json.Unmarshal(msg.D, &d); err == nil && strings.Contains(d.Symbol, "private") {
			return true
		}
	}
	return false
}

func classifyPrivate(ex model.ExchangeId, msg rawMsg) (model.Envelope, bool) {
	// User-data-stream shape: top-level channel/symbol/sendTime.
	if msg.Channel != "" {
		ch, _, ok := parseChannelString(msg.Channel)
		if !ok {
			return model.Envelope{}, false
		}
		ts, _ := fastparse.ParseUint(string(msg.SendTime))
		return model.Envelope{
			Exchange:    ex,
			Channel:     ch,
			Symbol:      model.Symbol(msg.Symbol),
			Payload:     rawToAny(pickPrivateBody(msg)),
			TimestampMs: ts,
		}, true
	}

	// Legacy mixed-format bug: the real channel string and symbol are
	// stuffed into d.symbol/d.quantity even though c claims a public
	// channel (spec §4.2, scenario 2).
	if len(msg.D) > 0 {
		var d legacyDealsData
		if err := json.Unmarshal(msg.D, &d); err == nil && d.Symbol != "" {
			ch, _, ok := parseChannelString(d.Symbol)
			if !ok {
				return model.Envelope{}, false
			}
			sym := recoverLegacySymbol(d.Qty)
			ts, _ := fastparse.ParseUint(string(msg.T))
			return model.Envelope{
				Exchange:    ex,
				Channel:     ch,
				Symbol:      model.Symbol(sym),
				Payload:     rawToAny(msg.D),
				TimestampMs: ts,
			}, true
		}
	}

	return model.Envelope{}, false
}

func pickPrivateBody(msg rawMsg) json.RawMessage {
	switch {
	case len(msg.PrivateDeals) > 0:
		return msg.PrivateDeals
	case len(msg.PrivateAccount) > 0:
		return msg.PrivateAccount
	case len(msg.PrivateOrders) > 0:
		return msg.PrivateOrders
	default:
		return msg.D
	}
}

// recoverLegacySymbol implements spec §4.2's legacy-bug recovery: the true
// symbol lives in d.quantity when it ends in a known quote currency. This
// is the raw wire string, not re-canonicalized — the bug-recovery path only
// ever surfaces what the venue actually sent.
func recoverLegacySymbol(quantity string) string {
	upper := strings.ToUpper(quantity)
	for _, q := range knownQuoteCurrencies {
		if strings.HasSuffix(upper, q) {
			return upper
		}
	}
	return ""
}

func classifyPublic(ex model.ExchangeId, msg rawMsg) (model.Envelope, bool) {
	channelStr := msg.C
	if channelStr == "" {
		channelStr = msg.Channel
	}
	if channelStr == "" {
		return model.Envelope{}, false
	}
	ch, _, ok := parseChannelString(channelStr)
	if !ok {
		return model.Envelope{}, false
	}

	wireSym := msg.S
	if wireSym == "" {
		wireSym = msg.Symbol
	}
	if wireSym == "" {
		return model.Envelope{}, false
	}
	canon := driver.CanonicalFromConcat(wireSym)

	ts, _ := fastparse.ParseUint(string(msg.T))
	return model.Envelope{
		Exchange:    ex,
		Channel:     ch,
		Symbol:      model.Symbol(canon),
		Payload:     rawToAny(msg.D),
		TimestampMs: ts,
	}, true
}

// parseChannelString maps a MEXC wire channel string such as
// "spot@public.deals.v3.api" or "spot@private.deals.v3.api.pb" to a
// canonical Channel and its public/private visibility.
func parseChannelString(s string) (model.Channel, bool, bool) {
	at := strings.Index(s, "@")
	if at < 0 || at+1 >= len(s) {
		return "", false, false
	}
	rest := strings.Split(s[at+1:], ".")
	if len(rest) < 2 {
		return "", false, false
	}
	visibility := rest[0]
	name := rest[1]
	// MEXC's increase-depth channel has an extra "increase"/"limit"
	// segment before "depth".
	if name == "increase" || name == "limit" {
		if len(rest) > 2 {
			name = rest[2]
		}
	}

	private := visibility == "private"
	switch name {
	case "deals":
		if private {
			return model.PrivateDeals, true, true
		}
		return model.Trades, false, true
	case "depth":
		return model.Orderbook, private, true
	case "bookTicker", "miniTicker":
		return model.Ticker, private, true
	case "kline":
		return model.Kline, private, true
	case "account":
		return model.AccountBalance, true, true
	case "orders":
		return model.Orders, true, true
	default:
		return "", false, false
	}
}

func classifyBinaryPush(ex model.ExchangeId, sig codec.Signal) driver.Classification {
	if sig.ChannelHint == "" {
		return driver.Service()
	}
	ch, _, ok := parseChannelString(sig.ChannelHint)
	if !ok {
		return driver.Service()
	}
	// The body is opaque per spec §9; deliver a nil payload with the
	// routing metadata so the caller at least sees that a push arrived.
	return driver.Data(model.Envelope{
		Exchange: ex,
		Channel:  ch,
		Symbol:   model.AccountSymbol,
		Payload:  nil,
	})
}

func rawToAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
