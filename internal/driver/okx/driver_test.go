package okx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/internal/codec"
	"marketfeed/internal/driver"
	"marketfeed/internal/model"
)

func TestClassifyBooks5Push(t *testing.T) {
	d := New(model.OkxSpot)
	payload := `{"arg":{"channel":"books5","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","bids":[["50000","1"]],"asks":[["50010","1"]],"ts":"1700000000000","seqId":1}]}`
	got := d.Classify(payload, codec.Signal{})
	require.Equal(t, driver.ClassData, got.Kind)
	assert.Equal(t, model.Orderbook, got.Envelope.Channel)
	assert.Equal(t, model.Symbol("BTC_USDT"), got.Envelope.Symbol)
	assert.Equal(t, uint64(1700000000000), got.Envelope.TimestampMs)
}

func TestClassifySubscribeEventIsService(t *testing.T) {
	d := New(model.OkxSpot)
	got := d.Classify(`{"event":"subscribe","arg":{"channel":"books5","instId":"BTC-USDT"}}`, codec.Signal{})
	assert.Equal(t, driver.ClassService, got.Kind)
}

func TestClassifyPingRequiresPongReply(t *testing.T) {
	d := New(model.OkxSpot)
	got := d.Classify("ping", codec.Signal{})
	require.Equal(t, driver.ClassHeartbeat, got.Kind)
	require.NotNil(t, got.Reply)
	assert.Equal(t, "pong", string(got.Reply.Payload))
}

func TestClassifyPongIsHeartbeatAck(t *testing.T) {
	d := New(model.OkxSpot)
	got := d.Classify("pong", codec.Signal{})
	assert.Equal(t, driver.ClassHeartbeatAck, got.Kind)
}

func TestTranslateSubscribeRejectsUnsupportedChannel(t *testing.T) {
	d := New(model.OkxSpot)
	_, err := d.TranslateSubscribe([]model.Subscription{{Channel: model.Trades, Symbol: "BTC_USDT"}})
	require.Error(t, err)
	var modelErr *model.Error
	require.ErrorAs(t, err, &modelErr)
	assert.Equal(t, model.ErrCapability, modelErr.Kind)
}

func TestSupportsChannelIsAStubWithNoCapability(t *testing.T) {
	d := New(model.OkxSpot)
	assert.False(t, d.SupportsChannel(model.Orderbook))
	assert.False(t, d.SupportsChannel(model.Trades))
	assert.False(t, d.SupportsChannel(model.Ticker))
}
