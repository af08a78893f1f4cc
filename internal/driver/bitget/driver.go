// Package bitget implements the Bitget WebSocket driver:
// `{"op":"subscribe","args":[{"instType":…,"channel":…,"instId":…}, …]}`
// framing with per-market instType tagging, text ping/pong heartbeats, and
// classification of orderbook/trade/ticker/kline pushes. Grounded on spec §6
// and original_source/crypto-rest-client/src/exchanges/bitget (recovered
// instType scoping, SPEC_FULL.md §10).
package bitget

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
const topicCap = 100

var validIntervals = map[string]bool{
	"1m": true, "5m": true, "15m": true, "30m": true, "1H": true,
	"4H": true, "12H": true, "1D": true, "1W": true,
}

type Driver struct {
	ex       model.ExchangeId
	instType string
	baseURL  string
}

func New(ex model.ExchangeId) *Driver {
	d := &Driver{ex: ex, baseURL: "wss://ws.bitget.com/v2/ws/public"}
	if ex == model.BitgetSwap {
		d.instType = "USDT-FUTURES"
	} else {
		d.instType = "SPOT"
	}
	return d
}

func (d *Driver) Exchange() model.ExchangeId       { return d.ex }
func (d *Driver) CodecProfile() codec.Profile      { return codec.ProfileGzip }
func (d *Driver) HeartbeatInterval() time.Duration { return 25 * time.Second }

func (d *Driver) Endpoint(private bool, _ string) string {
	if private {
		return "wss://ws.bitget.com/v2/ws/private"
	}
	return d.baseURL
}

func (d *Driver) SupportsChannel(ch model.Channel) bool {
	switch ch {
	case model.Orderbook, model.Trades, model.Ticker, model.Kline, model.AccountBalance, model.Orders:
		return true
	default:
		return false
	}
}

func (d *Driver) RequiresListenKey(model.Channel) bool {
	// Bitget's private channel uses a signed login frame sent over the
	// connection itself, not a REST-issued listen-key.
	return false
}

func (d *Driver) ValidateInterval(interval string) error {
	if !validIntervals[interval] {
		return fmt.Errorf("bitget: unknown kline interval %q", interval)
	}
	return nil
}

type wireArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

func (d *Driver) argFor(sub model.Subscription) (wireArg, error) {
	wireSym := driver.WireConcat(string(sub.Symbol))
	switch sub.Channel {
	case model.Orderbook:
		return wireArg{InstType: d.instType, Channel: "books15", InstID: wireSym}, nil
	case model.Trades:
		return wireArg{InstType: d.instType, Channel: "trade", InstID: wireSym}, nil
	case model.Ticker:
		return wireArg{InstType: d.instType, Channel: "ticker", InstID: wireSym}, nil
	case model.Kline:
		if !validIntervals[sub.Interval] {
			return wireArg{}, fmt.Errorf("bitget: unknown kline interval %q", sub.Interval)
		}
		return wireArg{InstType: d.instType, Channel: "candle" + sub.Interval, InstID: wireSym}, nil
	case model.AccountBalance:
		return wireArg{InstType: d.instType, Channel: "account", InstID: "default"}, nil
	case model.Orders:
		return wireArg{InstType: d.instType, Channel: "orders", InstID: "default"}, nil
	default:
		return wireArg{}, fmt.Errorf("bitget: unsupported channel %s", sub.Channel)
	}
}

type wireCommand struct {
	Op   string    `json:"op"`
	Args []wireArg `json:"args"`
}

func (d *Driver) translate(op string, subs []model.Subscription) ([]driver.OutboundCommand, error) {
	var cmds []driver.OutboundCommand
	var batch []wireArg
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		cmd := wireCommand{Op: op, Args: batch}
		data, err := json.Marshal(cmd)
		if err != nil {
			return fmt.Errorf("bitget: marshal %s request: %w", op, err)
		}
		cmds = append(cmds, driver.OutboundCommand{Kind: driver.SendText, Payload: data})
		batch = nil
		return nil
	}

	for _, sub := range subs {
		arg, err := d.argFor(sub)
		if err != nil {
			return nil, err
		}
		candidate := append(append([]wireArg{}, batch...), arg)
		data, _ := json.Marshal(wireCommand{Op: op, Args: candidate})
		if len(candidate) > topicCap || len(data) > maxFrameBytes {
			if err := flush(); err != nil {
				return nil, err
			}
			batch = []wireArg{arg}
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
	return driver.OutboundCommand{Kind: driver.SendText, Payload: []byte("ping")}
}

type wireMessage struct {
	Event  string          `json:"event"`
	Code   json.Number     `json:"code"`
	Arg    *wireArg        `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
	Ts     json.Number     `json:"ts"`
}

func (d *Driver) Classify(payload string, _ codec.Signal) driver.Classification {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "ping" {
		reply := driver.OutboundCommand{Kind: driver.SendText, Payload: []byte("pong")}
		return driver.Heartbeat(&reply)
	}
	if trimmed == "pong" {
		return driver.HeartbeatAck()
	}

	var msg wireMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return driver.Service()
	}

	// Bitget service predicate: an `event` field present (subscribe/error
	// acks), no `action`/`arg` data push shape.
	if msg.Event != "" {
		return driver.Service()
	}
	if msg.Arg == nil || msg.Action == "" {
		return driver.Service()
	}

	var ch model.Channel
	sym := model.Symbol(driver.CanonicalFromConcat(msg.Arg.InstID))
	switch {
	case msg.Arg.Channel == "trade":
		ch = model.Trades
	case strings.HasPrefix(msg.Arg.Channel, "books"):
		ch = model.Orderbook
	case msg.Arg.Channel == "ticker":
		ch = model.Ticker
	case strings.HasPrefix(msg.Arg.Channel, "candle"):
		ch = model.Kline
	case msg.Arg.Channel == "account":
		ch = model.AccountBalance
		sym = model.AccountSymbol
	case msg.Arg.Channel == "orders":
		ch = model.Orders
		sym = model.AccountSymbol
	default:
		return driver.Service()
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
