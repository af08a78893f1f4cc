// Package bingx implements the BingX WebSocket driver. Wire shape:
// `{"id":"<uuid>","dataType":"<SYM>@<topic>"}`, one command per dataType
// with a fresh uuid string as its id, and `"unsubscribe":true` added to
// remove a subscription.
package bingx

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"marketfeed/internal/codec"
	"marketfeed/internal/driver"
	"marketfeed/internal/model"
	"marketfeed/internal/util/fastparse"
)

const maxFrameBytes = 4096

var topicCap = map[model.ExchangeId]int{
	model.BingxSpot: 500,
	model.BingxSwap: 200,
}

var validIntervals = map[string]bool{
	"1m": true, "5m": true, "15m": true, "30m": true, "1h": true,
	"4h": true, "1d": true, "1w": true,
}

type Driver struct {
	ex      model.ExchangeId
	baseURL string
}

func New(ex model.ExchangeId) *Driver {
	base := "wss://open-api-ws.bingx.com/market"
	if ex == model.BingxSwap {
		base = "wss://open-api-swap.bingx.com/swap-market"
	}
	return &Driver{ex: ex, baseURL: base}
}

func (d *Driver) Exchange() model.ExchangeId       { return d.ex }
func (d *Driver) CodecProfile() codec.Profile      { return codec.ProfileRawJSON }
func (d *Driver) HeartbeatInterval() time.Duration { return 25 * time.Second }

func (d *Driver) Endpoint(private bool, listenKey string) string {
	if private && listenKey != "" {
		return d.baseURL + "?listenKey=" + listenKey
	}
	return d.baseURL
}

func (d *Driver) SupportsChannel(ch model.Channel) bool {
	switch ch {
	case model.Orderbook, model.Trades, model.Ticker, model.Kline:
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
		return fmt.Errorf("bingx: unknown kline interval %q", interval)
	}
	return nil
}

func dataTypeFor(sub model.Subscription) (string, error) {
	wireSym := driver.WireDash(string(sub.Symbol))
	switch sub.Channel {
	case model.Trades:
		return wireSym + "@trade", nil
	case model.Orderbook:
		return wireSym + "@depth20", nil
	case model.Ticker:
		return wireSym + "@ticker", nil
	case model.Kline:
		if !validIntervals[sub.Interval] {
			return "", fmt.Errorf("bingx: unknown kline interval %q", sub.Interval)
		}
		return wireSym + "@kline_" + sub.Interval, nil
	default:
		return "", fmt.Errorf("bingx: unsupported channel %s", sub.Channel)
	}
}

type wireCommand struct {
	ID          string `json:"id"`
	DataType    string `json:"dataType"`
	Unsubscribe bool   `json:"unsubscribe,omitempty"`
}

func (d *Driver) translate(unsubscribe bool, subs []model.Subscription) ([]driver.OutboundCommand, error) {
	var cmds []driver.OutboundCommand
	for _, sub := range subs {
		dt, err := dataTypeFor(sub)
		if err != nil {
			return nil, err
		}
		cmd := wireCommand{ID: uuid.New().String(), DataType: dt, Unsubscribe: unsubscribe}
		data, err := json.Marshal(cmd)
		if err != nil {
			return nil, fmt.Errorf("bingx: marshal command: %w", err)
		}
		if len(data) > maxFrameBytes {
			return nil, fmt.Errorf("bingx: command exceeds frame size limit")
		}
		cmds = append(cmds, driver.OutboundCommand{Kind: driver.SendText, Payload: data})
	}
	// BingX sends one dataType per frame, so frames are never combined; the
	// per-market topicCap is checked here, per call: a batch holding more
	// subscriptions than the cap is rejected.
	if cap := topicCap[d.ex]; cap > 0 && len(subs) > cap {
		return nil, fmt.Errorf("bingx: %d topics exceeds cap of %d", len(subs), cap)
	}
	return cmds, nil
}

func (d *Driver) TranslateSubscribe(subs []model.Subscription) ([]driver.OutboundCommand, error) {
	return d.translate(false, subs)
}

func (d *Driver) TranslateUnsubscribe(subs []model.Subscription) ([]driver.OutboundCommand, error) {
	return d.translate(true, subs)
}

func (d *Driver) HeartbeatPayload() driver.OutboundCommand {
	return driver.OutboundCommand{Kind: driver.SendText, Payload: []byte("Ping")}
}

type wireResponse struct {
	DataType string          `json:"dataType"`
	Data     json.RawMessage `json:"data"`
	Result   *bool           `json:"result"`
	Code     *int            `json:"code"`
	Ts       json.Number     `json:"ts"`
}

func (d *Driver) Classify(payload string, _ codec.Signal) driver.Classification {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "Ping" {
		reply := driver.OutboundCommand{Kind: driver.SendText, Payload: []byte("Pong")}
		return driver.Heartbeat(&reply)
	}
	if trimmed == "Pong" {
		return driver.HeartbeatAck()
	}

	var resp wireResponse
	if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
		return driver.Service()
	}

	// BingX service predicate (spec §4.2): a boolean `result` field present.
	if resp.Result != nil {
		return driver.Service()
	}
	if resp.DataType == "" {
		return driver.Service()
	}

	parts := strings.SplitN(resp.DataType, "@", 2)
	if len(parts) != 2 {
		return driver.Service()
	}
	canon := driver.CanonicalFromDash(parts[0])

	var ch model.Channel
	switch {
	case parts[1] == "trade":
		ch = model.Trades
	case strings.HasPrefix(parts[1], "depth"):
		ch = model.Orderbook
	case parts[1] == "ticker":
		ch = model.Ticker
	case strings.HasPrefix(parts[1], "kline"):
		ch = model.Kline
	default:
		return driver.Service()
	}

	var payloadVal any
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &payloadVal); err != nil {
			return driver.Service()
		}
	}

	ts, _ := fastparse.ParseUint(string(resp.Ts))
	return driver.Data(model.Envelope{
		Exchange:    d.ex,
		Channel:     ch,
		Symbol:      model.Symbol(canon),
		Payload:     payloadVal,
		TimestampMs: ts,
	})
}
