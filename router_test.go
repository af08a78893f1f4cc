package marketfeed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/internal/codec"
	"marketfeed/internal/driver"
	"marketfeed/internal/model"
	"marketfeed/internal/supervisor"
)

// fakeConn and fakeDriver mirror internal/supervisor's test doubles, kept
// separate since they exercise the Router's fan-in across package-exported
// interfaces rather than the supervisor's internals directly.

type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	readCh chan []byte
	closed bool
}

func newFakeConn() *fakeConn { return &fakeConn{readCh: make(chan []byte, 16)} }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.readCh
	if !ok {
		return 0, nil, errors.New("fakeConn: closed")
	}
	return 1, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == 8 {
		return nil
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.readCh)
	return nil
}

func (c *fakeConn) push(data string) { c.readCh <- []byte(data) }

type fakeDriver struct {
	ex model.ExchangeId
}

func (d *fakeDriver) Exchange() model.ExchangeId  { return d.ex }
func (d *fakeDriver) CodecProfile() codec.Profile { return codec.ProfileRawJSON }
func (d *fakeDriver) Endpoint(private bool, listenKey string) string {
	return "wss://fake/" + string(d.ex)
}
func (d *fakeDriver) SupportsChannel(ch model.Channel) bool { return ch == model.Trades }
func (d *fakeDriver) RequiresListenKey(model.Channel) bool  { return false }

func (d *fakeDriver) TranslateSubscribe(subs []model.Subscription) ([]driver.OutboundCommand, error) {
	cmds := make([]driver.OutboundCommand, 0, len(subs))
	for _, s := range subs {
		cmds = append(cmds, driver.OutboundCommand{Kind: driver.SendText, Payload: []byte("sub:" + string(s.Symbol))})
	}
	return cmds, nil
}

func (d *fakeDriver) TranslateUnsubscribe(subs []model.Subscription) ([]driver.OutboundCommand, error) {
	return nil, nil
}

func (d *fakeDriver) HeartbeatPayload() driver.OutboundCommand {
	return driver.OutboundCommand{Kind: driver.SendText, Payload: []byte("ping")}
}
func (d *fakeDriver) HeartbeatInterval() time.Duration { return time.Hour }

func (d *fakeDriver) Classify(payload string, _ codec.Signal) driver.Classification {
	if strings.HasPrefix(payload, "trade:") {
		rest := strings.TrimPrefix(payload, "trade:")
		return driver.Data(model.Envelope{Exchange: d.ex, Channel: model.Trades, Symbol: model.Symbol(rest)})
	}
	return driver.Service()
}

func dialOnceWith(conn *fakeConn) supervisor.DialFunc {
	return func(ctx context.Context, rawURL, proxyURL string) (supervisor.Conn, error) {
		return conn, nil
	}
}

// addTestVenue wires a fake driver/connection directly into r's venue map,
// bypassing AddExchange's real-driver registry lookup so tests never touch
// a network.
func addTestVenue(t *testing.T, r *Router, ex model.ExchangeId, conn *fakeConn) {
	t.Helper()
	drv := &fakeDriver{ex: ex}
	v := &venue{ex: ex, drv: drv}

	cfg := supervisor.NewConfig()
	cfg.Dial = dialOnceWith(conn)
	cfg.ReplayDelay = time.Millisecond
	v.public = supervisor.New(drv, cfg)

	r.mu.Lock()
	r.venues[ex] = v
	r.mu.Unlock()
}

// pollForMessage wraps Router's non-blocking NextMessage with a short retry
// loop for tests, mirroring the blocking wrapper a real caller builds on top
// of the non-blocking contract.
func pollForMessage(t *testing.T, ctx context.Context, r *Router) model.Envelope {
	t.Helper()
	for {
		if env, ok := r.NextMessage(); ok {
			return env
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timed out waiting for envelope: %v", ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestRouterFansInTradesAcrossExchanges(t *testing.T) {
	r := NewRouter(nil)
	connA := newFakeConn()
	connB := newFakeConn()
	addTestVenue(t, r, model.BinanceSpot, connA)
	addTestVenue(t, r, model.MexcSpot, connB)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, r.ConnectAll(ctx))

	require.Eventually(t, func() bool {
		stA, _ := r.GetConnectionState(model.BinanceSpot)
		stB, _ := r.GetConnectionState(model.MexcSpot)
		return stA.Phase == model.Connected && stB.Phase == model.Connected
	}, time.Second, time.Millisecond)

	connA.push("trade:BTC_USDT")
	connB.push("trade:BTC_USDT")

	seen := map[model.ExchangeId]bool{}
	for i := 0; i < 2; i++ {
		env := pollForMessage(t, ctx, r)
		assert.Equal(t, model.Trades, env.Channel)
		assert.Equal(t, model.Symbol("BTC_USDT"), env.Symbol)
		seen[env.Exchange] = true
	}
	assert.True(t, seen[model.BinanceSpot])
	assert.True(t, seen[model.MexcSpot])
}

func TestRouterFairnessUnderOneExchangeFirehose(t *testing.T) {
	r := NewRouter(nil)
	connA := newFakeConn()
	connB := newFakeConn()
	addTestVenue(t, r, model.BinanceSpot, connA)
	addTestVenue(t, r, model.MexcSpot, connB)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, r.ConnectAll(ctx))
	require.Eventually(t, func() bool {
		stA, _ := r.GetConnectionState(model.BinanceSpot)
		stB, _ := r.GetConnectionState(model.MexcSpot)
		return stA.Phase == model.Connected && stB.Phase == model.Connected
	}, time.Second, time.Millisecond)

	for i := 0; i < 10; i++ {
		connA.push("trade:BTC_USDT")
	}
	connB.push("trade:ETH_USDT")

	sawB := false
	for i := 0; i < 10 && !sawB; i++ {
		env := pollForMessage(t, ctx, r)
		if env.Exchange == model.MexcSpot {
			sawB = true
		}
	}
	assert.True(t, sawB, "mexc envelope should surface promptly despite binance's firehose")
}

func TestNextMessageReturnsPromptlyWhenEmpty(t *testing.T) {
	r := NewRouter(nil)
	addTestVenue(t, r, model.BinanceSpot, newFakeConn())

	start := time.Now()
	env, ok := r.NextMessage()
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.Equal(t, model.Envelope{}, env)
	assert.Less(t, elapsed, 5*time.Millisecond, "NextMessage must not block waiting for a message")
}

func TestRouterRemoveExchangeIsIdempotent(t *testing.T) {
	r := NewRouter(nil)
	addTestVenue(t, r, model.BinanceSpot, newFakeConn())
	require.NoError(t, r.RemoveExchange(model.BinanceSpot))
	require.NoError(t, r.RemoveExchange(model.BinanceSpot))
	require.NoError(t, r.RemoveExchange(model.OkxSpot))
}

func TestRouterSubscribeUnknownExchangeFails(t *testing.T) {
	r := NewRouter(nil)
	err := r.SubscribeTrades(model.OkxSpot, "BTC_USDT")
	require.Error(t, err)
}
