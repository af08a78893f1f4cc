// Package marketfeed is a unified multi-exchange market-data WebSocket
// fan-in client. Callers add exchanges, subscribe to channels per exchange,
// and drain a single merged stream of envelopes via Router.NextMessage,
// without writing any per-venue connection-management code themselves.
package marketfeed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketfeed/internal/config"
	"marketfeed/internal/driver"
	"marketfeed/internal/listenkey"
	"marketfeed/internal/model"
	"marketfeed/internal/restclient"
	"marketfeed/internal/supervisor"
)

// Logger is the type callers pass to NewRouter. It is a direct alias of
// *zap.Logger rather than a narrower interface: every supervisor this
// Router creates already takes a *zap.Logger, and wrapping it would only
// add an indirection with nothing to abstract over.
type Logger = *zap.Logger

// Re-exported so callers never need to import marketfeed/internal/model
// directly (spec §4.7/§6).
type (
	ExchangeId        = model.ExchangeId
	Channel           = model.Channel
	Symbol            = model.Symbol
	Subscription      = model.Subscription
	Envelope          = model.Envelope
	ConnectionState   = model.ConnectionState
	ConnectionPhase   = model.ConnectionPhase
	ConnectionMetrics = model.ConnectionMetrics
	Credentials       = config.Credentials
)

const (
	Orderbook      = model.Orderbook
	Trades         = model.Trades
	Ticker         = model.Ticker
	Kline          = model.Kline
	AccountBalance = model.AccountBalance
	Orders         = model.Orders
	PrivateDeals   = model.PrivateDeals
)

const (
	BinanceSpot   = model.BinanceSpot
	BinanceLinear = model.BinanceLinear
	MexcSpot      = model.MexcSpot
	MexcSwap      = model.MexcSwap
	BingxSpot     = model.BingxSpot
	BingxSwap     = model.BingxSwap
	BybitSpot     = model.BybitSpot
	BybitLinear   = model.BybitLinear
	BybitInverse  = model.BybitInverse
	BitgetSpot    = model.BitgetSpot
	BitgetSwap    = model.BitgetSwap
	OkxSpot       = model.OkxSpot
)

// listenKeyCapable is the subset of ExchangeId values restclient.Client
// backs. Other exchanges get no listen-key lifecycle: a private subscribe
// there fails with CapabilityError where the driver reports no such channel
// (BingX, Bybit, OKX), while Bitget's private channels need no listen-key
// and are accepted on its private endpoint without any login frame.
var listenKeyCapable = map[model.ExchangeId]bool{
	model.BinanceSpot:   true,
	model.BinanceLinear: true,
	model.MexcSpot:      true,
	model.MexcSwap:      true,
}

// venue bundles the two supervisors (public, and lazily-created private) a
// Router keeps per added exchange (spec §4.4: "one supervisor per
// (exchange, endpoint)").
type venue struct {
	ex         model.ExchangeId
	creds      config.Credentials
	drv        driver.ExchangeWsDriver
	public     *supervisor.Supervisor
	restClient *restclient.Client

	mu      sync.Mutex
	private *supervisor.Supervisor
}

// Router owns one public (and, lazily, one private) Supervisor per added
// exchange and fans their decoded envelopes into a single stream.
type Router struct {
	logger *zap.Logger

	mu      sync.RWMutex
	venues  map[model.ExchangeId]*venue
	ctx     context.Context
	cancel  context.CancelFunc
	pollPos int
}

// NewRouter constructs an empty Router. logger may be nil, in which case
// every supervisor logs to a no-op sink.
func NewRouter(logger Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		logger: logger,
		venues: make(map[model.ExchangeId]*venue),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddExchange registers ex with creds, builds its driver and public
// supervisor, but does not dial (callers drive connection lifecycle via
// ConnectAll/Connect so failures surface explicitly rather than racing
// AddExchange's return).
func (r *Router) AddExchange(ex model.ExchangeId, creds config.Credentials) error {
	if !ex.Known() || !ex.SupportsWebSocket() {
		return model.UnsupportedExchangeError(ex)
	}

	drv, err := newDriver(ex)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.venues[ex]; exists {
		return model.ConfigError(fmt.Sprintf("exchange %s already added", ex))
	}

	v := &venue{ex: ex, creds: creds, drv: drv}
	if listenKeyCapable[ex] {
		v.restClient = restclient.New(10 * time.Second)
	}
	v.public = r.newSupervisor(drv, false, v)
	r.venues[ex] = v
	return nil
}

// RemoveExchange closes and forgets ex. Idempotent: removing an exchange
// that was never added, or was already removed, is not an error (spec
// §4.7).
func (r *Router) RemoveExchange(ex model.ExchangeId) error {
	r.mu.Lock()
	v, ok := r.venues[ex]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.venues, ex)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = v.public.Close(ctx)
	v.mu.Lock()
	priv := v.private
	v.mu.Unlock()
	if priv != nil {
		_ = priv.Close(ctx)
	}
	return nil
}

func (r *Router) newSupervisor(drv driver.ExchangeWsDriver, private bool, v *venue) *supervisor.Supervisor {
	cfg := supervisor.NewConfig()
	cfg.Private = private
	cfg.ProxyURL = v.creds.ProxyURL
	cfg.Backoff = newBackoff(v.ex)
	cfg.ReplayDelay = replayDelay(v.ex)
	cfg.Logger = r.logger
	if private && v.restClient != nil {
		cfg.ListenKey = listenkey.New(v.ex, v.creds, v.restClient, r.logger)
	}
	return supervisor.New(drv, cfg)
}

// privateSupervisor returns v's private supervisor, lazily creating (but
// not connecting) it on first use (spec §4.6: the listen-key is acquired
// only once a private channel is actually requested).
func (r *Router) privateSupervisor(v *venue) (*supervisor.Supervisor, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.private != nil {
		return v.private, false
	}
	v.private = r.newSupervisor(v.drv, true, v)
	return v.private, true
}

func (r *Router) venueFor(ex model.ExchangeId) (*venue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.venues[ex]
	if !ok {
		return nil, model.NotFoundError(ex)
	}
	return v, nil
}

// supervisorFor resolves which supervisor a subscription belongs to,
// creating the private one lazily and connecting it if the public
// supervisor is already connected (so a late private subscription doesn't
// sit idle until the next ConnectAll).
func (r *Router) supervisorFor(ex model.ExchangeId, ch model.Channel) (*supervisor.Supervisor, error) {
	v, err := r.venueFor(ex)
	if err != nil {
		return nil, err
	}
	if !ch.IsPrivate() {
		return v.public, nil
	}

	sup, created := r.privateSupervisor(v)
	if created && v.public.GetState().Phase == model.Connected {
		go func() {
			if err := sup.Connect(r.ctx); err != nil {
				r.logger.Sugar().Warnw("private supervisor connect failed", "exchange", ex, "error", err)
			}
		}()
	}
	return sup, nil
}

// subscribe is the shared implementation behind every typed Subscribe*
// convenience method.
func (r *Router) subscribe(ex model.ExchangeId, subs []model.Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	sup, err := r.supervisorFor(ex, subs[0].Channel)
	if err != nil {
		return err
	}
	return sup.Subscribe(subs)
}

func (r *Router) unsubscribe(ex model.ExchangeId, subs []model.Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	sup, err := r.supervisorFor(ex, subs[0].Channel)
	if err != nil {
		return err
	}
	return sup.Unsubscribe(subs)
}

// Subscribe requests an arbitrary batch of subscriptions on ex, splitting
// the batch across the public and private supervisors as needed. Intended
// for config-driven callers (spec §4.7); code that knows its channel ahead
// of time should prefer the typed SubscribeTrades/SubscribeOrderbook/...
// convenience methods.
func (r *Router) Subscribe(ex model.ExchangeId, subs []model.Subscription) error {
	var public, private []model.Subscription
	for _, sub := range subs {
		if sub.Channel.IsPrivate() {
			private = append(private, sub)
		} else {
			public = append(public, sub)
		}
	}
	if err := r.subscribe(ex, public); err != nil {
		return err
	}
	return r.subscribe(ex, private)
}

// SubscribeOrderbook requests an order book stream for symbol on ex.
func (r *Router) SubscribeOrderbook(ex model.ExchangeId, symbol model.Symbol) error {
	return r.subscribe(ex, []model.Subscription{{Channel: model.Orderbook, Symbol: symbol}})
}

// SubscribeTrades requests a trade stream for symbol on ex.
func (r *Router) SubscribeTrades(ex model.ExchangeId, symbol model.Symbol) error {
	return r.subscribe(ex, []model.Subscription{{Channel: model.Trades, Symbol: symbol}})
}

// SubscribeTicker requests a ticker stream for symbol on ex.
func (r *Router) SubscribeTicker(ex model.ExchangeId, symbol model.Symbol) error {
	return r.subscribe(ex, []model.Subscription{{Channel: model.Ticker, Symbol: symbol}})
}

// SubscribeKline requests a candlestick stream for symbol at interval on ex.
func (r *Router) SubscribeKline(ex model.ExchangeId, symbol model.Symbol, interval string) error {
	return r.subscribe(ex, []model.Subscription{{Channel: model.Kline, Symbol: symbol, Interval: interval}})
}

// SubscribeAccountBalance requests the account-wide balance stream on ex.
func (r *Router) SubscribeAccountBalance(ex model.ExchangeId) error {
	return r.subscribe(ex, []model.Subscription{{Channel: model.AccountBalance, Symbol: model.AccountSymbol}})
}

// SubscribeOrders requests the account-wide order-update stream on ex.
func (r *Router) SubscribeOrders(ex model.ExchangeId) error {
	return r.subscribe(ex, []model.Subscription{{Channel: model.Orders, Symbol: model.AccountSymbol}})
}

// SubscribePrivateDeals requests the account-wide private-fill stream on ex.
func (r *Router) SubscribePrivateDeals(ex model.ExchangeId) error {
	return r.subscribe(ex, []model.Subscription{{Channel: model.PrivateDeals, Symbol: model.AccountSymbol}})
}

// UnsubscribeOrderbook cancels a prior SubscribeOrderbook.
func (r *Router) UnsubscribeOrderbook(ex model.ExchangeId, symbol model.Symbol) error {
	return r.unsubscribe(ex, []model.Subscription{{Channel: model.Orderbook, Symbol: symbol}})
}

// UnsubscribeTrades cancels a prior SubscribeTrades.
func (r *Router) UnsubscribeTrades(ex model.ExchangeId, symbol model.Symbol) error {
	return r.unsubscribe(ex, []model.Subscription{{Channel: model.Trades, Symbol: symbol}})
}

// UnsubscribeTicker cancels a prior SubscribeTicker.
func (r *Router) UnsubscribeTicker(ex model.ExchangeId, symbol model.Symbol) error {
	return r.unsubscribe(ex, []model.Subscription{{Channel: model.Ticker, Symbol: symbol}})
}

// UnsubscribeKline cancels a prior SubscribeKline.
func (r *Router) UnsubscribeKline(ex model.ExchangeId, symbol model.Symbol, interval string) error {
	return r.unsubscribe(ex, []model.Subscription{{Channel: model.Kline, Symbol: symbol, Interval: interval}})
}

// ConnectAll dials every registered exchange's public supervisor
// concurrently, returning the first error encountered (spec §4.7). Venues
// that already connected before one fails are left connected; callers that
// want strict all-or-nothing semantics should call RemoveExchange on
// failure.
func (r *Router) ConnectAll(ctx context.Context) error {
	r.mu.RLock()
	venues := make([]*venue, 0, len(r.venues))
	for _, v := range r.venues {
		venues = append(venues, v)
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, v := range venues {
		v := v
		g.Go(func() error { return v.public.Connect(gctx) })
	}
	return g.Wait()
}

// DisconnectAll gracefully closes every supervisor (public and, if created,
// private) across every registered exchange, concurrently.
func (r *Router) DisconnectAll(ctx context.Context) error {
	r.mu.RLock()
	venues := make([]*venue, 0, len(r.venues))
	for _, v := range r.venues {
		venues = append(venues, v)
	}
	r.mu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	for _, v := range venues {
		v := v
		g.Go(func() error { return v.public.Close(ctx) })
		v.mu.Lock()
		priv := v.private
		v.mu.Unlock()
		if priv != nil {
			g.Go(func() error { return priv.Close(ctx) })
		}
	}
	err := g.Wait()
	r.cancel()
	return err
}

// GetConnectionState reports the public supervisor's state for ex (spec
// §4.7). Use GetPrivateConnectionState for the private side.
func (r *Router) GetConnectionState(ex model.ExchangeId) (model.ConnectionState, error) {
	v, err := r.venueFor(ex)
	if err != nil {
		return model.ConnectionState{}, err
	}
	return v.public.GetState(), nil
}

// GetPrivateConnectionState reports the private supervisor's state for ex,
// or Disconnected if no private channel has been subscribed yet.
func (r *Router) GetPrivateConnectionState(ex model.ExchangeId) (model.ConnectionState, error) {
	v, err := r.venueFor(ex)
	if err != nil {
		return model.ConnectionState{}, err
	}
	v.mu.Lock()
	priv := v.private
	v.mu.Unlock()
	if priv == nil {
		return model.ConnectionState{Phase: model.Disconnected}, nil
	}
	return priv.GetState(), nil
}

// GetMetrics reports the public supervisor's connection counters for ex.
func (r *Router) GetMetrics(ex model.ExchangeId) (model.ConnectionMetrics, error) {
	v, err := r.venueFor(ex)
	if err != nil {
		return model.ConnectionMetrics{}, err
	}
	return v.public.GetMetrics(), nil
}

// Exchanges returns every exchange currently registered with the router.
func (r *Router) Exchanges() []model.ExchangeId {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.ExchangeId, 0, len(r.venues))
	for ex := range r.venues {
		out = append(out, ex)
	}
	return out
}

// GetSubscriptions returns every exchange's current subscription ledger
// (public plus private, merged), keyed by exchange.
func (r *Router) GetSubscriptions() map[model.ExchangeId][]model.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[model.ExchangeId][]model.Subscription, len(r.venues))
	for ex, v := range r.venues {
		subs := append([]model.Subscription(nil), v.public.Subscriptions()...)
		v.mu.Lock()
		priv := v.private
		v.mu.Unlock()
		if priv != nil {
			subs = append(subs, priv.Subscriptions()...)
		}
		out[ex] = subs
	}
	return out
}

// outputs returns every live supervisor's output channel, in a stable
// iteration order derived from the exchange tag so NextMessage's
// round-robin starting point is deterministic between calls.
func (r *Router) outputs() []<-chan model.Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exs := make([]model.ExchangeId, 0, len(r.venues))
	for ex := range r.venues {
		exs = append(exs, ex)
	}
	sort.Slice(exs, func(i, j int) bool { return exs[i] < exs[j] })

	chans := make([]<-chan model.Envelope, 0, len(r.venues)*2)
	for _, ex := range exs {
		v := r.venues[ex]
		chans = append(chans, v.public.Output())
		v.mu.Lock()
		priv := v.private
		v.mu.Unlock()
		if priv != nil {
			chans = append(chans, priv.Output())
		}
	}
	return chans
}

// NextMessage performs one non-blocking sweep across every connected
// supervisor's output queue and returns the first envelope found, starting
// at a rotating offset each call so no single exchange's firehose can
// starve the others (spec §5's fairness requirement). It never fails: if no
// supervisor has a message ready right now, ok is false and the caller gets
// an immediate, not a blocked, answer. A caller that wants to block until a
// message arrives builds its own wait (timer or ticker) around repeated
// calls — this method stays non-blocking at the contract level.
func (r *Router) NextMessage() (model.Envelope, bool) {
	return r.pollOnce(r.outputs(), nil)
}

// NextPublicMessage is NextMessage filtered to non-private channels.
func (r *Router) NextPublicMessage() (model.Envelope, bool) {
	return r.pollOnce(r.outputs(), func(env model.Envelope) bool { return !env.Channel.IsPrivate() })
}

// NextPrivateMessage is NextMessage filtered to private channels.
func (r *Router) NextPrivateMessage() (model.Envelope, bool) {
	return r.pollOnce(r.outputs(), func(env model.Envelope) bool { return env.Channel.IsPrivate() })
}

// pollOnce performs one non-blocking sweep of chans starting at the
// rotating r.pollPos offset, so repeated calls rotate which exchange is
// checked first rather than always favoring index 0.
func (r *Router) pollOnce(chans []<-chan model.Envelope, accept func(model.Envelope) bool) (model.Envelope, bool) {
	n := len(chans)
	if n == 0 {
		return model.Envelope{}, false
	}

	r.mu.Lock()
	start := r.pollPos % n
	r.pollPos++
	r.mu.Unlock()

	for i := 0; i < n; i++ {
		ch := chans[(start+i)%n]
		select {
		case env, ok := <-ch:
			if !ok {
				continue
			}
			if accept == nil || accept(env) {
				return env, true
			}
		default:
		}
	}
	return model.Envelope{}, false
}
