package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"marketfeed/internal/codec"
	"marketfeed/internal/driver"
	"marketfeed/internal/model"
)

type fakeReadResult struct {
	data []byte
	err  error
}

// fakeConn is an in-memory Conn. Writes are recorded; reads block on a
// channel the test controls, so a "peer close" is simulated by pushing an
// error result.
type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	readCh chan fakeReadResult
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{readCh: make(chan fakeReadResult, 8)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	m, ok := <-c.readCh
	if !ok {
		return 0, nil, errors.New("fakeConn: closed")
	}
	if m.err != nil {
		return 0, nil, m.err
	}
	return 1, m.data, nil // websocket.TextMessage == 1
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == 8 { // websocket.CloseMessage
		return nil
	}
	cp := append([]byte(nil), data...)
	c.writes = append(c.writes, cp)
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

func (c *fakeConn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// simulateFault pushes a read error so the next ReadMessage call observes a
// broken connection, without closing the channel outright.
func (c *fakeConn) simulateFault(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.readCh <- fakeReadResult{err: err}
}

// fakeDriver is a minimal ExchangeWsDriver: TranslateSubscribe emits one
// OutboundCommand per subscription (so replay ordering is directly
// observable), Classify recognizes "ping"/"pong" text heartbeats and a
// "data:<symbol>" marker payload.
type fakeDriver struct {
	ex              model.ExchangeId
	heartbeatEvery  time.Duration
	requireListenKey bool
}

func (d *fakeDriver) Exchange() model.ExchangeId  { return d.ex }
func (d *fakeDriver) CodecProfile() codec.Profile { return codec.ProfileRawJSON }
func (d *fakeDriver) Endpoint(private bool, listenKey string) string {
	if private {
		return "wss://fake/private/" + listenKey
	}
	return "wss://fake/public"
}
func (d *fakeDriver) SupportsChannel(ch model.Channel) bool {
	return ch == model.Orderbook || ch == model.Trades || ch == model.AccountBalance
}
func (d *fakeDriver) RequiresListenKey(ch model.Channel) bool {
	return d.requireListenKey && ch == model.AccountBalance
}

func (d *fakeDriver) TranslateSubscribe(subs []model.Subscription) ([]driver.OutboundCommand, error) {
	cmds := make([]driver.OutboundCommand, 0, len(subs))
	for _, s := range subs {
		cmds = append(cmds, driver.OutboundCommand{Kind: driver.SendText, Payload: []byte("sub:" + string(s.Symbol))})
	}
	return cmds, nil
}

func (d *fakeDriver) TranslateUnsubscribe(subs []model.Subscription) ([]driver.OutboundCommand, error) {
	cmds := make([]driver.OutboundCommand, 0, len(subs))
	for _, s := range subs {
		cmds = append(cmds, driver.OutboundCommand{Kind: driver.SendText, Payload: []byte("unsub:" + string(s.Symbol))})
	}
	return cmds, nil
}

func (d *fakeDriver) HeartbeatPayload() driver.OutboundCommand {
	return driver.OutboundCommand{Kind: driver.SendText, Payload: []byte("ping")}
}

func (d *fakeDriver) HeartbeatInterval() time.Duration {
	if d.heartbeatEvery > 0 {
		return d.heartbeatEvery
	}
	return time.Minute
}

func (d *fakeDriver) Classify(payload string, _ codec.Signal) driver.Classification {
	switch payload {
	case "ping":
		return driver.Heartbeat(&driver.OutboundCommand{Kind: driver.SendText, Payload: []byte("pong")})
	case "pong":
		return driver.HeartbeatAck()
	}
	if strings.HasPrefix(payload, "data:") {
		sym := strings.TrimPrefix(payload, "data:")
		return driver.Data(model.Envelope{Exchange: d.ex, Channel: model.Trades, Symbol: model.Symbol(sym)})
	}
	return driver.Service()
}

// dialSequence returns a DialFunc that hands out conns from a fixed
// sequence, one per call, erroring once the sequence is exhausted.
func dialSequence(conns ...*fakeConn) DialFunc {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, rawURL, proxyURL string) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(conns) {
			return nil, errors.New("dialSequence: exhausted")
		}
		c := conns[i]
		i++
		return c, nil
	}
}
