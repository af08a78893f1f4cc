// Package bybit implements the Bybit v5 WebSocket driver:
// `{"op":"subscribe"|"unsubscribe","args":["<topic>.<SYM>", …]}` framing,
// category-scoped endpoints (spot/linear/inverse), and classification of
// orderbook/trade/ticker/kline pushes. Grounded on spec §6 and
// original_source's per-category Bybit client split (SPEC_FULL.md §10).
package bybit

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
const topicCap = 200 // args per subscribe frame, per Bybit v5 docs

var validIntervals = map[string]bool{
	"1": true, "3": true, "5": true, "15": true, "30": true, "60": true,
	"120": true, "240": true, "360": true, "720": true, "D": true, "W": true, "M": true,
}

type Driver struct {
	ex       model.ExchangeId
	category string
	baseURL  string
}

func New(ex model.ExchangeId) *Driver {
	d := &Driver{ex: ex}
	switch ex {
	case model.BybitSpot:
		d.category = "spot"
	case model.BybitInverse:
		d.category = "inverse"
	default:
		d.category = "linear"
	}
	d.baseURL = "wss://stream.bybit.com/v5/public/" + d.category
	return d
}

func (d *Driver) Exchange() model.ExchangeId       { return d.ex }
func (d *Driver) CodecProfile() codec.Profile      { return codec.ProfileRawJSON }
func (d *Driver) HeartbeatInterval() time.Duration { return 20 * time.Second }

func (d *Driver) Endpoint(private bool, _ string) string {
	if private {
		return "wss://stream.bybit.com/v5/private"
	}
	return d.baseURL
}

// SupportsChannel always reports false: per spec §9's Open Question
// resolution, the Bybit arm is a capability-only stub with no implemented
// data path (grounded in original_source/crypto-client/src/ws_client.rs's
// bare `Bybit` enum variant, never backed by a concrete client).
// subscribe_* always fails synchronously with CapabilityError; the
// translate/classify logic below documents the wire shape but is never
// reached through Supervisor.
func (d *Driver) SupportsChannel(ch model.Channel) bool {
	return false
}

func (d *Driver) RequiresListenKey(model.Channel) bool {
	// Bybit authenticates the private websocket with an API-key signed auth
	// frame sent after connect, not a REST-issued listen-key.
	return false
}

func (d *Driver) ValidateInterval(interval string) error {
	if !validIntervals[interval] {
		return fmt.Errorf("bybit: unknown kline interval %q", interval)
	}
	return nil
}

// topicFor builds the v5 topic string. Private channels (order, wallet) are
// category-scoped per SPEC_FULL.md §10's recovered feature: the unified
// account stream carries every category on one connection, but the
// subscribe arg itself stays category-qualified so the classifier can
// attribute pushes without re-deriving category from the symbol.
func (d *Driver) topicFor(sub model.Subscription) (string, error) {
	wireSym := driver.WireConcat(string(sub.Symbol))
	switch sub.Channel {
	case model.Orderbook:
		return "orderbook.50." + wireSym, nil
	case model.Trades:
		return "publicTrade." + wireSym, nil
	case model.Ticker:
		return "tickers." + wireSym, nil
	case model.Kline:
		if !validIntervals[sub.Interval] {
			return "", fmt.Errorf("bybit: unknown kline interval %q", sub.Interval)
		}
		return "kline." + sub.Interval + "." + wireSym, nil
	case model.AccountBalance:
		return "wallet." + d.category, nil
	case model.Orders:
		return "order." + d.category, nil
	default:
		return "", fmt.Errorf("bybit: unsupported channel %s", sub.Channel)
	}
}

type wireCommand struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

func (d *Driver) translate(op string, subs []model.Subscription) ([]driver.OutboundCommand, error) {
	var cmds []driver.OutboundCommand
	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		cmd := wireCommand{Op: op, Args: batch}
		data, err := json.Marshal(cmd)
		if err != nil {
			return fmt.Errorf("bybit: marshal %s request: %w", op, err)
		}
		cmds = append(cmds, driver.OutboundCommand{Kind: driver.SendText, Payload: data})
		batch = nil
		return nil
	}

	for _, sub := range subs {
		topic, err := d.topicFor(sub)
		if err != nil {
			return nil, err
		}
		candidate := append(append([]string{}, batch...), topic)
		data, _ := json.Marshal(wireCommand{Op: op, Args: candidate})
		if len(candidate) > topicCap || len(data) > maxFrameBytes {
			if err := flush(); err != nil {
				return nil, err
			}
			batch = []string{topic}
			continue
		}
		batch = candidate
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return cmds, nil
}

func (d *Driver) TranslateSubscribe(subs []model.Subscription) ([]driver.OutboundCommand, error) {
	return d.translate("subscribe", subs)
}

func (d *Driver) TranslateUnsubscribe(subs []model.Subscription) ([]driver.OutboundCommand, error) {
	return d.translate("unsubscribe", subs)
}

func (d *Driver) HeartbeatPayload() driver.OutboundCommand {
	data, _ := json.Marshal(wireCommand{Op: "ping"})
	return driver.OutboundCommand{Kind: driver.SendText, Payload: data}
}

type wireMessage struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Ts      json.Number     `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

func (d *Driver) Classify(payload string, _ codec.Signal) driver.Classification {
	var msg wireMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return driver.Service()
	}

	if msg.Op == "pong" || msg.RetMsg == "pong" {
		return driver.HeartbeatAck()
	}
	if msg.Op == "ping" {
		reply := driver.OutboundCommand{Kind: driver.SendText, Payload: []byte(`{"op":"pong"}`)}
		return driver.Heartbeat(&reply)
	}

	// Bybit service predicate: an `op` field present (subscribe/unsubscribe
	// acks, auth acks) and no `topic`.
	if msg.Op != "" && msg.Topic == "" {
		return driver.Service()
	}
	if msg.Topic == "" {
		return driver.Service()
	}

	ch, symPart, err := parseTopic(msg.Topic)
	if err != nil {
		return driver.Service()
	}

	var sym model.Symbol
	if ch == model.AccountBalance || ch == model.Orders {
		sym = model.AccountSymbol
	} else {
		sym = model.Symbol(driver.CanonicalFromConcat(symPart))
	}

	var payloadVal any
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &payloadVal); err != nil {
			return driver.Service()
		}
	}

	ts, _ := fastparse.ParseUint(string(msg.Ts))
	return driver.Data(model.Envelope{
		Exchange:    d.ex,
		Channel:     ch,
		Symbol:      sym,
		Payload:     payloadVal,
		TimestampMs: ts,
	})
}

func parseTopic(topic string) (model.Channel, string, error) {
	parts := strings.Split(topic, ".")
	switch parts[0] {
	case "orderbook":
		if len(parts) < 3 {
			return "", "", fmt.Errorf("bybit: malformed orderbook topic %q", topic)
		}
		return model.Orderbook, parts[2], nil
	case "publicTrade":
		if len(parts) < 2 {
			return "", "", fmt.Errorf("bybit: malformed trade topic %q", topic)
		}
		return model.Trades, parts[1], nil
	case "tickers":
		if len(parts) < 2 {
			return "", "", fmt.Errorf("bybit: malformed ticker topic %q", topic)
		}
		return model.Ticker, parts[1], nil
	case "kline":
		if len(parts) < 3 {
			return "", "", fmt.Errorf("bybit: malformed kline topic %q", topic)
		}
		return model.Kline, parts[2], nil
	case "wallet":
		return model.AccountBalance, "", nil
	case "order":
		return model.Orders, "", nil
	default:
		return "", "", fmt.Errorf("bybit: unrecognized topic %q", topic)
	}
}
