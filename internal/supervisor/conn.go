// Package supervisor implements the generic, driver-parameterized connection
// supervisor: one instance per (exchange, endpoint), owning the websocket
// connection, the subscription ledger, the heartbeat task, and the
// reconnect-with-backoff state machine (spec §4.4). Grounded on the
// dial/read-loop/heartbeat-loop/reconnect shape of the teacher's
// internal/exchange/okx.Client, generalized from one hardcoded venue to any
// driver.ExchangeWsDriver, and on fd1az-arbitrage-bot's internal/wsconn.Client
// for the state-machine and backoff-with-jitter reconnect discipline.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the minimal websocket surface the supervisor drives. *websocket.Conn
// satisfies it structurally, so production code needs no wrapper; tests
// supply a fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a websocket connection to rawURL, optionally through a
// per-connection proxy. Injected so tests never touch a real socket.
type DialFunc func(ctx context.Context, rawURL, proxyURL string) (Conn, error)

// connectTimeout is spec §5's fixed connect-attempt timeout.
const connectTimeout = 10 * time.Second

// DefaultDial dials with gorilla/websocket. proxyURL is honored per
// connection (spec §5's redesign note: proxy configuration must never be
// applied through a global environment variable).
func DefaultDial(ctx context.Context, rawURL, proxyURL string) (Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = connectTimeout

	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("supervisor: parse proxy url: %w", err)
		}
		dialer.Proxy = http.ProxyURL(u)
	}

	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("supervisor: dial: %w", err)
	}
	return conn, nil
}
