package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"marketfeed/internal/backoff"
	"marketfeed/internal/codec"
	"marketfeed/internal/driver"
	"marketfeed/internal/ledger"
	"marketfeed/internal/listenkey"
	"marketfeed/internal/model"
	"marketfeed/internal/util/timeutil"
)

// errClosed is returned internally when a connect-with-backoff loop is
// abandoned because the supervisor was closed mid-retry.
var errClosed = errors.New("supervisor: closed")

// errListenKeyExpired triggers a forced reconnect when the listen-key
// keep-alive has failed its full retry budget (spec §8).
var errListenKeyExpired = errors.New("supervisor: listen key refresh exhausted retry budget")

// Config configures one Supervisor. Use NewConfig for defaults and override
// only what the caller needs, in the style of the teacher's
// wsconn.DefaultConfig.
type Config struct {
	// Private selects the private (authenticated) endpoint variant via
	// driver.Endpoint(private, listenKey). A venue with both public and
	// private channels gets two Supervisor instances, one per endpoint,
	// per spec §4.4 ("one supervisor per (exchange, endpoint)").
	Private bool

	// ProxyURL is passed to Dial on every connection attempt; never read
	// from process environment (spec §5 redesign note).
	ProxyURL string

	// Dial opens the websocket connection. Defaults to DefaultDial.
	Dial DialFunc

	// ListenKey manages a private stream's REST-issued token. Required
	// when Private is true and any subscribed channel reports
	// RequiresListenKey; nil otherwise.
	ListenKey *listenkey.Lifecycle

	// Backoff drives reconnect delay. Defaults to backoff.Default().
	Backoff *backoff.Backoff

	// ReplayDelay is the inter-command pause during ledger replay (spec
	// §4.4: 100ms default, 300ms for Binance/MEXC).
	ReplayDelay time.Duration

	// OutputBufferSize bounds the envelope output channel. Once full,
	// the oldest buffered envelope is dropped in favor of the newest
	// (spec §5: "prefer drop-oldest per-supervisor").
	OutputBufferSize int

	// OnStateChange, if set, is invoked after every transition (also how
	// tests observe state without polling). Grounded on
	// wsconn.StateChangeHandler.
	OnStateChange func(model.ConnectionState)

	Logger *zap.Logger
}

// NewConfig returns Config defaults; callers mutate the result before
// passing it to New.
func NewConfig() Config {
	return Config{
		Dial:             DefaultDial,
		Backoff:          backoff.Default(),
		ReplayDelay:      100 * time.Millisecond,
		OutputBufferSize: 256,
		Logger:           zap.NewNop(),
	}
}

// Supervisor owns one websocket connection to one (exchange, endpoint) pair:
// the read loop, the heartbeat task, the reconnect-with-backoff cycle, and
// the subscription ledger used to replay state after a fault. It is driven
// by an ExchangeWsDriver value rather than hardcoding any one venue (spec §9's
// polymorphic-capability-interface redesign).
type Supervisor struct {
	ex     model.ExchangeId
	drv    driver.ExchangeWsDriver
	cfg    Config
	logger *zap.Logger

	breaker *gobreaker.CircuitBreaker[Conn]
	ledger  *ledger.Ledger

	runCtx context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	conn       Conn
	state      model.ConnectionState
	metrics    model.ConnectionMetrics
	unanswered int
	faultOnce  *sync.Once
	writeMu    sync.Mutex

	out chan model.Envelope

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Supervisor for drv. cfg.Logger/Dial/Backoff fall back to
// NewConfig's defaults if left zero.
func New(drv driver.ExchangeWsDriver, cfg Config) *Supervisor {
	if cfg.Dial == nil {
		cfg.Dial = DefaultDial
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.Default()
	}
	if cfg.ReplayDelay <= 0 {
		cfg.ReplayDelay = 100 * time.Millisecond
	}
	if cfg.OutputBufferSize <= 0 {
		cfg.OutputBufferSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ex := drv.Exchange()
	logger := cfg.Logger.Named("supervisor").With(zap.String("exchange", string(ex)))
	ctx, cancel := context.WithCancel(context.Background())

	return &Supervisor{
		ex:      ex,
		drv:     drv,
		cfg:     cfg,
		logger:  logger,
		breaker: newBreaker(string(ex), logger),
		ledger:  ledger.New(),
		runCtx:  ctx,
		cancel:  cancel,
		state:   model.ConnectionState{Phase: model.Disconnected},
		out:     make(chan model.Envelope, cfg.OutputBufferSize),
		stopCh:  make(chan struct{}),
	}
}

// Exchange returns the exchange tag this supervisor serves.
func (s *Supervisor) Exchange() model.ExchangeId { return s.ex }

// Output returns the channel of decoded envelopes. The router merges this
// with every other supervisor's Output in its fair-polling NextMessage.
func (s *Supervisor) Output() <-chan model.Envelope { return s.out }

// GetState returns the current connection state.
func (s *Supervisor) GetState() model.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GetMetrics returns a snapshot of this supervisor's connection counters.
func (s *Supervisor) GetMetrics() model.ConnectionMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// Subscriptions returns a stable-ordered snapshot of the ledger.
func (s *Supervisor) Subscriptions() []model.Subscription {
	return s.ledger.Snapshot()
}

func (s *Supervisor) setState(state model.ConnectionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(state)
	}
}

// Connect performs the initial dial, retrying with backoff up to the
// configured attempt cap before giving up (spec §4.4: Disconnected ->
// Connecting -> {Connected, Failed}).
func (s *Supervisor) Connect(ctx context.Context) error {
	return s.connectWithBackoff(ctx, model.Connecting)
}

// connectWithBackoff drives one full connect-or-reconnect cycle: dial,
// retry with backoff on failure until the cycle's attempt budget is
// exhausted (-> Failed), then on success replay the ledger and start the
// read/heartbeat loops.
func (s *Supervisor) connectWithBackoff(ctx context.Context, retryPhase model.ConnectionPhase) error {
	s.setState(model.ConnectionState{Phase: retryPhase})

	for {
		err := s.dialOnce(ctx)
		if err == nil {
			break
		}

		s.logger.Warn("connect attempt failed", zap.Error(err))
		if retryPhase == model.Reconnecting {
			s.mu.Lock()
			s.metrics.ReconnectionAttempts++
			s.mu.Unlock()
		}

		delay := s.cfg.Backoff.Next()
		if s.cfg.Backoff.Exhausted() {
			s.setState(model.FailedState(err.Error()))
			return err
		}

		select {
		case <-time.After(delay):
		case <-s.stopCh:
			return errClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.cfg.Backoff.Reset()
	if err := s.replayLedger(ctx); err != nil {
		s.logger.Warn("ledger replay failed", zap.Error(err))
	}
	s.startWorkers()
	return nil
}

// dialOnce performs exactly one dial attempt, updating connection metrics
// and state on success.
func (s *Supervisor) dialOnce(ctx context.Context) error {
	s.mu.Lock()
	s.metrics.TotalConnections++
	s.mu.Unlock()

	endpoint, err := s.resolveEndpoint(ctx)
	if err != nil {
		s.mu.Lock()
		s.metrics.FailedConnections++
		s.mu.Unlock()
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := s.breaker.Execute(func() (Conn, error) {
		return s.cfg.Dial(dialCtx, endpoint, s.cfg.ProxyURL)
	})
	if err != nil {
		s.mu.Lock()
		s.metrics.FailedConnections++
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.unanswered = 0
	s.faultOnce = &sync.Once{}
	s.metrics.SuccessfulConnections++
	s.mu.Unlock()

	s.setState(model.ConnectionState{Phase: model.Connected})
	return nil
}

// resolveEndpoint acquires a listen-key first if this is a private
// supervisor backed by one (spec §4.6), then asks the driver for the URL.
func (s *Supervisor) resolveEndpoint(ctx context.Context) (string, error) {
	listenKeyValue := ""
	if s.cfg.Private && s.cfg.ListenKey != nil {
		key, err := s.cfg.ListenKey.Acquire(ctx)
		if err != nil {
			return "", err
		}
		listenKeyValue = key.Value
	}
	return s.drv.Endpoint(s.cfg.Private, listenKeyValue), nil
}

// replayLedger re-sends every ledger entry as its own subscribe command,
// in ledger order, pausing ReplayDelay between commands (spec §4.4). A
// single entry's translate/write failure is logged and does not abort the
// cycle.
func (s *Supervisor) replayLedger(ctx context.Context) error {
	subs := s.ledger.Snapshot()
	for _, sub := range subs {
		cmds, err := s.drv.TranslateSubscribe([]model.Subscription{sub})
		if err != nil {
			s.logger.Warn("replay translate failed", zap.String("subscription", sub.String()), zap.Error(err))
			continue
		}
		for _, cmd := range cmds {
			if err := s.writeRaw(cmd); err != nil {
				s.logger.Warn("replay send failed", zap.String("subscription", sub.String()), zap.Error(err))
			}
		}

		select {
		case <-time.After(s.cfg.ReplayDelay):
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// startWorkers launches the read loop and heartbeat task for the current
// connection.
func (s *Supervisor) startWorkers() {
	if s.cfg.Private && s.cfg.ListenKey != nil {
		s.cfg.ListenKey.Start(s.runCtx, func() { s.triggerFault(errListenKeyExpired) })
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.heartbeatLoop()
}

// readLoop is the single reader for this supervisor's connection; it owns
// decode+classify and either routes an envelope, resets the heartbeat
// counter, replies to an inline ping, or drops a service frame.
func (s *Supervisor) readLoop() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.triggerFault(err)
			return
		}

		var kind codec.FrameKind
		switch msgType {
		case websocket.TextMessage:
			kind = codec.TextFrame
		case websocket.BinaryMessage:
			kind = codec.BinaryFrame
		default:
			continue
		}

		payload, sig, err := codec.Decode(s.ex, data, kind)
		if err != nil {
			s.logger.Debug("frame decode failed, dropping", zap.Error(err))
			continue
		}

		class := s.drv.Classify(payload, sig)
		switch class.Kind {
		case driver.ClassHeartbeatAck:
			s.mu.Lock()
			s.unanswered = 0
			s.mu.Unlock()
		case driver.ClassHeartbeat:
			s.mu.Lock()
			s.unanswered = 0
			s.mu.Unlock()
			if class.Reply != nil {
				if err := s.writeRaw(*class.Reply); err != nil {
					s.logger.Warn("heartbeat reply failed", zap.Error(err))
				}
			}
		case driver.ClassService:
			// dropped by design; not forwarded to the caller.
		case driver.ClassData:
			if class.Envelope != nil {
				s.pushEnvelope(*class.Envelope)
			}
		}
	}
}

// heartbeatLoop sends this driver's ping payload at HeartbeatInterval and
// counts unanswered pings; more than two trips a synthetic fault (spec
// §4.4/§5).
func (s *Supervisor) heartbeatLoop() {
	defer s.wg.Done()

	interval := s.drv.HeartbeatInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.mu.Lock()
	own := s.conn
	s.mu.Unlock()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			// A reconnect starts a new heartbeat loop; this one belongs to a
			// connection that is gone.
			s.mu.Lock()
			current := s.conn
			s.mu.Unlock()
			if current != own {
				return
			}
			if err := s.writeRaw(s.drv.HeartbeatPayload()); err != nil {
				s.triggerFault(err)
				return
			}

			s.mu.Lock()
			s.unanswered++
			count := s.unanswered
			s.metrics.LastPingTsMs = timeutil.NowMs()
			s.mu.Unlock()

			if count > 2 {
				s.mu.Lock()
				s.metrics.PingFailures++
				s.mu.Unlock()
				s.triggerFault(errors.New("heartbeat: liveness threshold exceeded"))
				return
			}
		}
	}
}

// triggerFault closes the current connection and starts a reconnect cycle,
// exactly once per connection generation (readLoop and heartbeatLoop can
// both observe the same broken connection; only the first wins).
func (s *Supervisor) triggerFault(cause error) {
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.mu.Lock()
	once := s.faultOnce
	s.mu.Unlock()
	if once == nil {
		return
	}

	once.Do(func() {
		s.logger.Warn("connection fault, reconnecting", zap.Error(cause))
		s.closeConn(websocket.CloseGoingAway, "reconnecting")
		go func() {
			if err := s.connectWithBackoff(s.runCtx, model.Reconnecting); err != nil {
				s.logger.Warn("reconnect cycle ended without success", zap.Error(err))
			}
		}()
	})
}

func (s *Supervisor) closeConn(code int, reason string) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	s.writeMu.Unlock()
	_ = conn.Close()
}

// writeRaw serializes writes onto the connection; gorilla's *websocket.Conn
// is not safe for concurrent writers, and heartbeat/command/replay traffic
// all share one connection.
func (s *Supervisor) writeRaw(cmd driver.OutboundCommand) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("supervisor: not connected")
	}

	wireType := websocket.TextMessage
	if cmd.Kind == driver.SendBinary {
		wireType = websocket.BinaryMessage
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(wireType, cmd.Payload)
}

// pushEnvelope delivers env to the output channel, dropping the oldest
// buffered envelope rather than blocking if the buffer is full (spec §5).
func (s *Supervisor) pushEnvelope(env model.Envelope) {
	select {
	case s.out <- env:
		return
	default:
	}
	select {
	case <-s.out:
	default:
	}
	select {
	case s.out <- env:
	default:
	}
}

// Subscribe adds subs to the ledger and, if currently connected, sends the
// subscribe commands immediately; otherwise they are delivered on the next
// successful (re)connect (spec §4.5, §4.7). Synchronous capability checks
// happen before any ledger mutation.
func (s *Supervisor) Subscribe(subs []model.Subscription) error {
	for _, sub := range subs {
		if !s.drv.SupportsChannel(sub.Channel) {
			return model.CapabilityError(s.ex, sub.Channel)
		}
		if sub.Channel.IsPrivate() && s.drv.RequiresListenKey(sub.Channel) && s.cfg.ListenKey == nil {
			return model.ConfigError("private channel requires a listen-key lifecycle that was not configured")
		}
	}

	var fresh []model.Subscription
	for _, sub := range subs {
		if s.ledger.Add(sub) {
			fresh = append(fresh, sub)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	if s.GetState().Phase != model.Connected {
		return nil
	}

	cmds, err := s.drv.TranslateSubscribe(fresh)
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		if err := s.writeRaw(cmd); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe removes subs from the ledger and, if connected, sends the
// unsubscribe commands.
func (s *Supervisor) Unsubscribe(subs []model.Subscription) error {
	var removed []model.Subscription
	for _, sub := range subs {
		if s.ledger.Remove(sub.Channel, sub.Symbol) {
			removed = append(removed, sub)
		}
	}
	if len(removed) == 0 || s.GetState().Phase != model.Connected {
		return nil
	}

	cmds, err := s.drv.TranslateUnsubscribe(removed)
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		if err := s.writeRaw(cmd); err != nil {
			return err
		}
	}
	return nil
}

// Close sends a graceful close frame, stops the heartbeat/read loops (with
// a 2s grace window before considering them abandoned), releases the
// listen-key if any, and transitions to Disconnected (spec §4.4/§5).
func (s *Supervisor) Close(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()
	})

	s.closeConn(websocket.CloseNormalClosure, "client closing")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}

	if s.cfg.ListenKey != nil {
		if err := s.cfg.ListenKey.Stop(ctx); err != nil {
			s.logger.Warn("listen key release failed", zap.Error(err))
		}
	}

	s.setState(model.ConnectionState{Phase: model.Disconnected})
	return nil
}
