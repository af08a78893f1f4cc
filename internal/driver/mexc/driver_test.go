package mexc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/internal/codec"
	"marketfeed/internal/driver"
	"marketfeed/internal/model"
)

func TestClassifyPublicTradeEnvelope(t *testing.T) {
	d := New(model.MexcSpot)
	payload := `{"c":"spot@public.deals.v3.api","s":"BTCUSDT","d":{"p":"50000"},"t":1700000000000}`
	got := d.Classify(payload, codec.Signal{})
	require.Equal(t, driver.ClassData, got.Kind)
	assert.Equal(t, model.Trades, got.Envelope.Channel)
	assert.Equal(t, model.Symbol("BTC_USDT"), got.Envelope.Symbol)
}

// TestClassifyLegacyMixedFormatPrivateFill is spec §8 scenario 2: a public
// `c` field must never win over the legacy-bug private channel stuffed into
// d.symbol.
func TestClassifyLegacyMixedFormatPrivateFill(t *testing.T) {
	d := New(model.MexcSpot)
	payload := `{"c":"spot@public.deals.v3.api","d":{"price":"","quantity":"CLOREUSDT","symbol":"spot@private.deals.v3.api.pb","takerOrderSide":0,"time":0},"t":0}`
	got := d.Classify(payload, codec.Signal{})
	require.Equal(t, driver.ClassData, got.Kind)
	assert.Equal(t, model.PrivateDeals, got.Envelope.Channel)
	assert.Equal(t, model.Symbol("CLOREUSDT"), got.Envelope.Symbol)
	assert.NotEqual(t, model.Trades, got.Envelope.Channel)
}

// TestClassifyUserDataStreamPrivateDeal is spec §8 scenario 3.
func TestClassifyUserDataStreamPrivateDeal(t *testing.T) {
	d := New(model.MexcSpot)
	payload := `{"channel":"spot@private.deals.v3.api.pb","symbol":"MXUSDT","sendTime":1736417034332,"privateDeals":{"price":"3.6962","quantity":"1","feeCurrency":"MX","time":1736417034280}}`
	got := d.Classify(payload, codec.Signal{})
	require.Equal(t, driver.ClassData, got.Kind)
	assert.Equal(t, model.PrivateDeals, got.Envelope.Channel)
	assert.Equal(t, model.Symbol("MXUSDT"), got.Envelope.Symbol)
	assert.Equal(t, uint64(1736417034332), got.Envelope.TimestampMs)
}

func TestClassifySubscriptionAckIsService(t *testing.T) {
	d := New(model.MexcSpot)
	got := d.Classify(`{"id":1,"code":0,"msg":"spot@public.deals.v3.api@BTCUSDT"}`, codec.Signal{})
	assert.Equal(t, driver.ClassService, got.Kind)
}

func TestClassifyPingRequiresPongReply(t *testing.T) {
	d := New(model.MexcSpot)
	got := d.Classify(`{"msg":"PING"}`, codec.Signal{})
	require.Equal(t, driver.ClassHeartbeat, got.Kind)
	require.NotNil(t, got.Reply)
	assert.JSONEq(t, `{"method":"PONG"}`, string(got.Reply.Payload))
}

func TestClassifyBinaryPushRoutesByChannelHint(t *testing.T) {
	d := New(model.MexcSpot)
	got := d.Classify("", codec.Signal{BinaryPush: true, ChannelHint: "spot@private.deals.v3.api.pb"})
	require.Equal(t, driver.ClassData, got.Kind)
	assert.Equal(t, model.PrivateDeals, got.Envelope.Channel)
}

func TestTranslateSubscribeRejectsUnknownInterval(t *testing.T) {
	d := New(model.MexcSpot)
	_, err := d.TranslateSubscribe([]model.Subscription{{Channel: model.Kline, Symbol: "BTC_USDT", Interval: "1m"}})
	assert.Error(t, err)
}

func TestTranslateSubscribeDedupesTopics(t *testing.T) {
	d := New(model.MexcSpot)
	subs := []model.Subscription{
		{Channel: model.Trades, Symbol: "BTC_USDT"},
		{Channel: model.Trades, Symbol: "BTC_USDT"},
	}
	cmds, err := d.TranslateSubscribe(subs)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
}
