package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"marketfeed/internal/model"
)

func TestAddThenRemoveLeavesEmptyLedger(t *testing.T) {
	l := New()
	sub := model.Subscription{Channel: model.Trades, Symbol: "BTC_USDT"}
	assert.True(t, l.Add(sub))
	assert.True(t, l.Remove(sub.Channel, sub.Symbol))
	assert.Equal(t, 0, l.Len())
}

func TestAddTwiceYieldsSingleEntry(t *testing.T) {
	l := New()
	sub := model.Subscription{Channel: model.Orderbook, Symbol: "ETH_USDT"}
	assert.True(t, l.Add(sub))
	assert.False(t, l.Add(sub))
	assert.Equal(t, 1, l.Len())
}

func TestSnapshotPreservesInsertionOrder(t *testing.T) {
	l := New()
	subs := []model.Subscription{
		{Channel: model.Trades, Symbol: "A"},
		{Channel: model.Trades, Symbol: "B"},
		{Channel: model.Trades, Symbol: "C"},
	}
	for _, s := range subs {
		l.Add(s)
	}
	assert.Equal(t, subs, l.Snapshot())
}

func TestRemoveOnlyMatchingChannelAndSymbol(t *testing.T) {
	l := New()
	l.Add(model.Subscription{Channel: model.Kline, Symbol: "BTC_USDT", Interval: "1m"})
	l.Add(model.Subscription{Channel: model.Trades, Symbol: "BTC_USDT"})

	assert.True(t, l.Remove(model.Kline, "BTC_USDT"))
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.Contains(model.Subscription{Channel: model.Trades, Symbol: "BTC_USDT"}))
}

func TestRemoveAbsentEntryReturnsFalse(t *testing.T) {
	l := New()
	assert.False(t, l.Remove(model.Trades, "BTC_USDT"))
}
