// Package binance implements the Binance WebSocket driver: combined-stream
// subscribe/unsubscribe framing, frame-size/topic-count batching, and
// classification of trade/depth/ticker/kline pushes. Wire shapes grounded on
// spec §6 and original_source/crypto-ws-client/src/clients/binance.rs (the
// dual combined-stream vs. single-raw-stream URL construction recovered in
// SPEC_FULL.md §10).
package binance

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

// maxFrameBytes and the per-market topic caps are spec §4.3's Binance
// batching limits.
const maxFrameBytes = 4096

var topicCap = map[model.ExchangeId]int{
	model.BinanceSpot:   1024,
	model.BinanceLinear: 200,
}

var validIntervals = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true, "1M": true,
}

type Driver struct {
	ex      model.ExchangeId
	baseURL string
}

// New builds the Binance driver for the given market segment tag
// (model.BinanceSpot or model.BinanceLinear).
func New(ex model.ExchangeId) *Driver {
	base := "wss://stream.binance.com:9443"
	if ex == model.BinanceLinear {
		base = "wss://fstream.binance.com"
	}
	return &Driver{ex: ex, baseURL: base}
}

func (d *Driver) Exchange() model.ExchangeId       { return d.ex }
func (d *Driver) CodecProfile() codec.Profile      { return codec.ProfileGzip }
func (d *Driver) HeartbeatInterval() time.Duration { return 180 * time.Second }

func (d *Driver) Endpoint(private bool, listenKey string) string {
	if private {
		return d.baseURL + "/ws/" + listenKey
	}
	return d.baseURL + "/stream"
}

// SupportsChannel always reports false: per spec §9's Open Question
// resolution, the Binance arm is a capability-only stub with no
// implemented data path (grounded in
// original_source/crypto-client/src/ws_client.rs's bare `Binance` enum
// variant, never backed by a concrete client). subscribe_* always fails
// synchronously with CapabilityError; the translate/classify logic below
// documents the wire shape but is never reached through Supervisor.
func (d *Driver) SupportsChannel(ch model.Channel) bool {
	return false
}

func (d *Driver) RequiresListenKey(ch model.Channel) bool {
	return ch == model.AccountBalance || ch == model.Orders
}

func (d *Driver) ValidateInterval(interval string) error {
	if !validIntervals[interval] {
		return fmt.Errorf("binance: unknown kline interval %q", interval)
	}
	return nil
}

func topicFor(sub model.Subscription) (string, error) {
	wireSym := strings.ToLower(driver.WireConcat(string(sub.Symbol)))
	switch sub.Channel {
	case model.Orderbook:
		return wireSym + "@depth20@100ms", nil
	case model.Trades:
		return wireSym + "@trade", nil
	case model.Ticker:
		return wireSym + "@ticker", nil
	case model.Kline:
		if sub.Interval == "" {
			return "", fmt.Errorf("binance: kline subscription missing interval")
		}
		if !validIntervals[sub.Interval] {
			return "", fmt.Errorf("binance: unknown kline interval %q", sub.Interval)
		}
		return wireSym + "@kline_" + sub.Interval, nil
	default:
		return "", fmt.Errorf("binance: unsupported channel %s", sub.Channel)
	}
}

type wireRequest struct {
	ID     int64    `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// commandIDSeed derives a small int64 id from a uuid so every batch gets a
// distinct, non-colliding correlation id without a shared counter (the
// supervisor may build commands from multiple goroutines' worth of replay
// state across reconnects).
func commandIDSeed() int64 {
	id := uuid.New()
	return int64(id[0])<<24 | int64(id[1])<<16 | int64(id[2])<<8 | int64(id[3])
}

func (d *Driver) translate(method string, subs []model.Subscription) ([]driver.OutboundCommand, error) {
	cap := topicCap[d.ex]
	if cap == 0 {
		cap = 1024
	}

	var cmds []driver.OutboundCommand
	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		req := wireRequest{ID: commandIDSeed(), Method: method, Params: batch}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("binance: marshal %s request: %w", method, err)
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
		candidate := append(append([]string{}, batch...), topic)
		if len(candidate) > cap || wireSize(method, candidate) > maxFrameBytes {
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

func wireSize(method string, topics []string) int {
	req := wireRequest{ID: 1, Method: method, Params: topics}
	data, err := json.Marshal(req)
	if err != nil {
		return 0
	}
	return len(data)
}

func (d *Driver) TranslateSubscribe(subs []model.Subscription) ([]driver.OutboundCommand, error) {
	return d.translate("SUBSCRIBE", subs)
}

func (d *Driver) TranslateUnsubscribe(subs []model.Subscription) ([]driver.OutboundCommand, error) {
	return d.translate("UNSUBSCRIBE", subs)
}

func (d *Driver) HeartbeatPayload() driver.OutboundCommand {
	return driver.OutboundCommand{Kind: driver.SendText, Payload: []byte("pong")}
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type ackResponse struct {
	ID     *int64 `json:"id"`
	Result any    `json:"result"`
}

func (d *Driver) Classify(payload string, _ codec.Signal) driver.Classification {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "pong" || trimmed == "\"pong\"" {
		return driver.HeartbeatAck()
	}

	var ack ackResponse
	if err := json.Unmarshal([]byte(trimmed), &ack); err == nil && ack.ID != nil {
		return driver.Service()
	}

	var env streamEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil || env.Stream == "" {
		return driver.Service()
	}

	parts := strings.SplitN(env.Stream, "@", 2)
	if len(parts) != 2 {
		return driver.Service()
	}
	canon := driver.CanonicalFromConcat(parts[0])

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
	if err := json.Unmarshal(env.Data, &payloadVal); err != nil {
		return driver.Service()
	}

	ts := extractEventTimeMs(env.Data)

	return driver.Data(model.Envelope{
		Exchange:    d.ex,
		Channel:     ch,
		Symbol:      model.Symbol(canon),
		Payload:     payloadVal,
		TimestampMs: ts,
	})
}

// extractEventTimeMs pulls Binance's "E" (event time, ms) field out of the
// raw data object if present, defaulting to 0 (the supervisor stamps arrival
// time separately; this is the exchange-reported time).
func extractEventTimeMs(raw json.RawMessage) uint64 {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return 0
	}
	e, ok := m["E"]
	if !ok {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(e, &n); err != nil {
		return 0
	}
	v, err := fastparse.ParseUint(string(n))
	if err != nil {
		return 0
	}
	return v
}
