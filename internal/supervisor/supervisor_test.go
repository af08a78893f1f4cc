package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"

	"marketfeed/internal/backoff"
	"marketfeed/internal/config"
	"marketfeed/internal/listenkey"
	"marketfeed/internal/model"
)

// fakeListenKeyREST is a minimal listenkey.RESTCollaborator for exercising
// the supervisor's keep-alive wiring without a network.
type fakeListenKeyREST struct {
	keepAliveCalls int32
	keepAliveErr   error
}

func (f *fakeListenKeyREST) CreateListenKey(context.Context, model.ExchangeId, config.Credentials) (model.ListenKey, error) {
	return model.ListenKey{Value: "abc", TTLHint: 3}, nil
}

func (f *fakeListenKeyREST) KeepAliveListenKey(context.Context, model.ExchangeId, config.Credentials, string) error {
	atomic.AddInt32(&f.keepAliveCalls, 1)
	return f.keepAliveErr
}

func (f *fakeListenKeyREST) CloseListenKey(context.Context, model.ExchangeId, config.Credentials, string) error {
	return nil
}

func waitForState(t *testing.T, ch <-chan model.ConnectionState, want model.ConnectionPhase) model.ConnectionState {
	t.Helper()
	for {
		select {
		case st := <-ch:
			if st.Phase == want {
				return st
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for phase %s", want)
		}
	}
}

func newTestSupervisor(t *testing.T, drv *fakeDriver, dial DialFunc) (*Supervisor, chan model.ConnectionState) {
	t.Helper()
	states := make(chan model.ConnectionState, 32)
	cfg := NewConfig()
	cfg.Dial = dial
	cfg.ReplayDelay = time.Millisecond
	cfg.OnStateChange = func(st model.ConnectionState) {
		select {
		case states <- st:
		default:
		}
	}
	return New(drv, cfg), states
}

// Scenario 4: reconnect-and-replay. Subscribing before the connection is
// even up must still leave the ledger authoritative; on (re)connect the
// supervisor replays it as one command per symbol, in order, before any
// data is read.
func TestReconnectReplaysLedgerInOrder(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	drv := &fakeDriver{ex: model.BinanceSpot}
	sup, states := newTestSupervisor(t, drv, dialSequence(conn1, conn2))
	defer sup.Close(context.Background())

	require.NoError(t, sup.Subscribe([]model.Subscription{
		{Channel: model.Orderbook, Symbol: "A"},
		{Channel: model.Orderbook, Symbol: "B"},
		{Channel: model.Orderbook, Symbol: "C"},
	}))

	require.NoError(t, sup.Connect(context.Background()))
	waitForState(t, states, model.Connected)

	require.Eventually(t, func() bool { return len(conn1.Writes()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("sub:A"), []byte("sub:B"), []byte("sub:C")}, conn1.Writes())

	conn1.simulateFault(errors.New("peer closed"))
	waitForState(t, states, model.Reconnecting)
	waitForState(t, states, model.Connected)

	require.Eventually(t, func() bool { return len(conn2.Writes()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("sub:A"), []byte("sub:B"), []byte("sub:C")}, conn2.Writes())
}

// Scenario 5: heartbeat timeout. With no pongs ever arriving, the third
// unanswered ping must trip a reconnect and increment ping_failures.
func TestHeartbeatTimeoutTriggersReconnect(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	drv := &fakeDriver{ex: model.OkxSpot, heartbeatEvery: 5 * time.Millisecond}
	sup, states := newTestSupervisor(t, drv, dialSequence(conn1, conn2))
	defer sup.Close(context.Background())

	require.NoError(t, sup.Connect(context.Background()))
	waitForState(t, states, model.Connected)

	waitForState(t, states, model.Reconnecting)
	waitForState(t, states, model.Connected)

	m := sup.GetMetrics()
	assert.GreaterOrEqual(t, m.PingFailures, int64(1))

	writes := conn1.Writes()
	require.NotEmpty(t, writes)
	assert.Equal(t, []byte("ping"), writes[0])
}

func TestSubscribeBeforeConnectOnlyUpdatesLedger(t *testing.T) {
	conn1 := newFakeConn()
	drv := &fakeDriver{ex: model.BinanceSpot}
	sup, _ := newTestSupervisor(t, drv, dialSequence(conn1))
	defer sup.Close(context.Background())

	require.NoError(t, sup.Subscribe([]model.Subscription{{Channel: model.Trades, Symbol: "BTC_USDT"}}))
	assert.Empty(t, conn1.Writes())
	assert.Len(t, sup.Subscriptions(), 1)
}

func TestSubscribeUnsupportedChannelFailsSynchronously(t *testing.T) {
	drv := &fakeDriver{ex: model.BinanceSpot}
	sup, _ := newTestSupervisor(t, drv, dialSequence(newFakeConn()))
	defer sup.Close(context.Background())

	err := sup.Subscribe([]model.Subscription{{Channel: model.Kline, Symbol: "BTC_USDT", Interval: "1m"}})
	require.Error(t, err)
	var modelErr *model.Error
	require.ErrorAs(t, err, &modelErr)
	assert.Equal(t, model.ErrCapability, modelErr.Kind)
	assert.Empty(t, sup.Subscriptions())
}

func TestSubscribeDuplicateIsIdempotentInLedger(t *testing.T) {
	conn1 := newFakeConn()
	drv := &fakeDriver{ex: model.BinanceSpot}
	sup, states := newTestSupervisor(t, drv, dialSequence(conn1))
	defer sup.Close(context.Background())

	require.NoError(t, sup.Connect(context.Background()))
	waitForState(t, states, model.Connected)

	sub := model.Subscription{Channel: model.Trades, Symbol: "BTC_USDT"}
	require.NoError(t, sup.Subscribe([]model.Subscription{sub}))
	require.NoError(t, sup.Subscribe([]model.Subscription{sub}))

	assert.Len(t, sup.Subscriptions(), 1)
	assert.Len(t, conn1.Writes(), 1)
}

func TestCloseSendsCloseFrameAndStopsWorkers(t *testing.T) {
	conn1 := newFakeConn()
	drv := &fakeDriver{ex: model.BinanceSpot, heartbeatEvery: time.Hour}
	sup, states := newTestSupervisor(t, drv, dialSequence(conn1))

	require.NoError(t, sup.Connect(context.Background()))
	waitForState(t, states, model.Connected)

	require.NoError(t, sup.Close(context.Background()))
	assert.Equal(t, model.Disconnected, sup.GetState().Phase)
}

// Scenario 8: after exactly 5 consecutive failed connect attempts, the
// supervisor must transition to Failed, not on the 6th.
func TestConnectTransitionsToFailedAfterExactlyFiveAttempts(t *testing.T) {
	var attempts int32
	alwaysFail := func(ctx context.Context, rawURL, proxyURL string) (Conn, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("dial: connection refused")
	}

	drv := &fakeDriver{ex: model.BinanceSpot}
	states := make(chan model.ConnectionState, 32)
	cfg := NewConfig()
	cfg.Dial = alwaysFail
	cfg.Backoff = backoff.New(time.Millisecond, time.Millisecond, 0, 5)
	cfg.OnStateChange = func(st model.ConnectionState) {
		select {
		case states <- st:
		default:
		}
	}
	sup := New(drv, cfg)
	defer sup.Close(context.Background())

	err := sup.Connect(context.Background())
	require.Error(t, err)

	st := waitForState(t, states, model.Failed)
	assert.Equal(t, model.Failed, st.Phase)
	assert.Equal(t, int32(5), atomic.LoadInt32(&attempts))
}

// Scenario 9: a private supervisor with a configured ListenKey must start
// the background keep-alive refresher on connect, not leave it dead.
func TestConnectStartsListenKeyRefreshForPrivateSupervisor(t *testing.T) {
	conn := newFakeConn()
	drv := &fakeDriver{ex: model.BinanceSpot}
	rest := &fakeListenKeyREST{}
	lk := listenkey.New(model.BinanceSpot, config.Credentials{}, rest, zap.NewNop())

	cfg := NewConfig()
	cfg.Dial = dialSequence(conn)
	cfg.Private = true
	cfg.ListenKey = lk
	sup := New(drv, cfg)
	defer sup.Close(context.Background())

	require.NoError(t, sup.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&rest.keepAliveCalls) >= 2
	}, time.Second, time.Millisecond, "listen key refresh loop never ran")
}

// Scenario 10: three consecutive listen-key keep-alive failures (e.g. the
// exchange returns 401 after expiry) must force the supervisor into
// Reconnecting within those three cycles (spec §8).
func TestListenKeyRefreshFailureForcesReconnecting(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	drv := &fakeDriver{ex: model.BinanceSpot}
	rest := &fakeListenKeyREST{keepAliveErr: errors.New("401 unauthorized")}
	lk := listenkey.New(model.BinanceSpot, config.Credentials{}, rest, zap.NewNop())

	states := make(chan model.ConnectionState, 32)
	cfg := NewConfig()
	cfg.Dial = dialSequence(conn1, conn2)
	cfg.Private = true
	cfg.ListenKey = lk
	cfg.ReplayDelay = time.Millisecond
	cfg.OnStateChange = func(st model.ConnectionState) {
		select {
		case states <- st:
		default:
		}
	}
	sup := New(drv, cfg)
	defer sup.Close(context.Background())

	require.NoError(t, sup.Connect(context.Background()))

	st := waitForState(t, states, model.Reconnecting)
	assert.Equal(t, model.Reconnecting, st.Phase)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&rest.keepAliveCalls), int32(3))
}
