package binance

import (
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/internal/codec"
	"marketfeed/internal/driver"
	"marketfeed/internal/model"
)

func TestClassifyTradeStreamProducesDataEnvelope(t *testing.T) {
	d := New(model.BinanceSpot)
	payload := `{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000000,"s":"BTCUSDT","p":"50000.0"}}`
	got := d.Classify(payload, codec.Signal{})
	require.Equal(t, driver.ClassData, got.Kind)
	assert.Equal(t, model.Trades, got.Envelope.Channel)
	assert.Equal(t, model.Symbol("BTC_USDT"), got.Envelope.Symbol)
	assert.Equal(t, uint64(1700000000000), got.Envelope.TimestampMs)
}

func TestClassifySubscribeAckIsService(t *testing.T) {
	d := New(model.BinanceSpot)
	got := d.Classify(`{"result":null,"id":5}`, codec.Signal{})
	assert.Equal(t, driver.ClassService, got.Kind)
}

func TestClassifyUnknownStreamIsService(t *testing.T) {
	d := New(model.BinanceSpot)
	got := d.Classify(`{"stream":"btcusdt@bookTicker","data":{}}`, codec.Signal{})
	assert.Equal(t, driver.ClassService, got.Kind)
}

func TestTranslateSubscribeBatchesBy1200Symbols(t *testing.T) {
	d := New(model.BinanceSpot)
	var subs []model.Subscription
	for i := 0; i < 1200; i++ {
		subs = append(subs, model.Subscription{Channel: model.Trades, Symbol: model.Symbol("SYM" + strconv.Itoa(i) + "_USDT")})
	}

	cmds, err := d.TranslateSubscribe(subs)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(cmds), 2)

	total := 0
	seen := make(map[string]bool)
	for _, c := range cmds {
		assert.LessOrEqual(t, len(c.Payload), maxFrameBytes)
		var req wireRequest
		require.NoError(t, json.Unmarshal(c.Payload, &req))
		for _, p := range req.Params {
			assert.False(t, seen[p], "duplicate topic %s", p)
			seen[p] = true
			total++
		}
	}
	assert.Equal(t, 1200, total)
}

func TestValidateIntervalRejectsUnknown(t *testing.T) {
	d := New(model.BinanceSpot)
	assert.NoError(t, d.ValidateInterval("1m"))
	assert.Error(t, d.ValidateInterval("7m"))
}
