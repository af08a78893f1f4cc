// Package okx implements the OKX WebSocket driver. Grounded directly on the
// teacher's internal/exchange/okx client: books5 is the only channel ever
// exercised there (raw-deflate frames, text ping/pong, 25s heartbeat), so
// this driver's translate and classify code handles books5 only and rejects
// every other channel. SupportsChannel reports no channel at all, so the
// Supervisor rejects every subscribe before that code is reached.
package okx

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"marketfeed/internal/codec"
	"marketfeed/internal/driver"
	"marketfeed/internal/model"
)

type Driver struct {
	ex model.ExchangeId
}

func New(ex model.ExchangeId) *Driver {
	return &Driver{ex: ex}
}

func (d *Driver) Exchange() model.ExchangeId       { return d.ex }
func (d *Driver) CodecProfile() codec.Profile      { return codec.ProfileRawDeflate }
func (d *Driver) HeartbeatInterval() time.Duration { return 25 * time.Second }

func (d *Driver) Endpoint(bool, string) string {
	return "wss://ws.okx.com:8443/ws/v5/public"
}

// SupportsChannel always reports false: per spec §9's Open Question
// resolution, the OKX arm is a capability-only stub with no implemented
// data path (grounded in original_source/crypto-client/src/ws_client.rs's
// bare `Okx` enum variant, never backed by a concrete client). subscribe_*
// always fails synchronously with CapabilityError; the translate/classify
// logic below documents the wire shape but is never reached through
// Supervisor.
func (d *Driver) SupportsChannel(ch model.Channel) bool {
	return false
}

func (d *Driver) RequiresListenKey(model.Channel) bool { return false }

type wireArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type wireCommand struct {
	Op   string    `json:"op"`
	Args []wireArg `json:"args"`
}

func (d *Driver) translate(op string, subs []model.Subscription) ([]driver.OutboundCommand, error) {
	args := make([]wireArg, 0, len(subs))
	for _, sub := range subs {
		if sub.Channel != model.Orderbook {
			return nil, model.CapabilityError(d.ex, sub.Channel)
		}
		args = append(args, wireArg{Channel: "books5", InstID: driver.WireDash(string(sub.Symbol))})
	}
	if len(args) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(wireCommand{Op: op, Args: args})
	if err != nil {
		return nil, fmt.Errorf("okx: marshal %s request: %w", op, err)
	}
	return []driver.OutboundCommand{{Kind: driver.SendText, Payload: data}}, nil
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

type books5Data struct {
	InstID string      `json:"instId"`
	Bids   [][]string  `json:"bids"`
	Asks   [][]string  `json:"asks"`
	Ts     json.Number `json:"ts"`
	SeqID  int64       `json:"seqId"`
}

type books5Message struct {
	Arg  wireArg      `json:"arg"`
	Data []books5Data `json:"data"`
}

type subscribeResponse struct {
	Event string `json:"event"`
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

	var ack subscribeResponse
	if err := json.Unmarshal([]byte(trimmed), &ack); err == nil && (ack.Event == "subscribe" || ack.Event == "error") {
		return driver.Service()
	}

	var msg books5Message
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return driver.Service()
	}
	if msg.Arg.Channel != "books5" || len(msg.Data) == 0 {
		return driver.Service()
	}

	first := msg.Data[0]
	var payloadVal any
	raw, err := json.Marshal(msg.Data)
	if err != nil {
		return driver.Service()
	}
	if err := json.Unmarshal(raw, &payloadVal); err != nil {
		return driver.Service()
	}

	var ts uint64
	if n, err := first.Ts.Int64(); err == nil && n > 0 {
		ts = uint64(n)
	}

	return driver.Data(model.Envelope{
		Exchange:    d.ex,
		Channel:     model.Orderbook,
		Symbol:      model.Symbol(driver.CanonicalFromDash(first.InstID)),
		Payload:     payloadVal,
		TimestampMs: ts,
	})
}
