// Package listenkey manages the create/refresh/close lifecycle of a
// REST-issued listen-key authenticating a private WebSocket stream (spec
// §4.6). Grounded on the teacher's background-ticker goroutine pattern
// (internal/exchange/okx.heartbeatLoop) generalized from a ping cadence to a
// refresh cadence.
package listenkey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketfeed/internal/config"
	"marketfeed/internal/model"
)

// RESTCollaborator is the minimal REST surface needed to manage a
// listen-key, kept separate from the WebSocket connection so the
// supervisor never needs direct HTTP access (spec §6's REST collaborator
// interface).
type RESTCollaborator interface {
	CreateListenKey(ctx context.Context, ex model.ExchangeId, creds config.Credentials) (model.ListenKey, error)
	KeepAliveListenKey(ctx context.Context, ex model.ExchangeId, creds config.Credentials, value string) error
	CloseListenKey(ctx context.Context, ex model.ExchangeId, creds config.Credentials, value string) error
}

// Lifecycle owns one exchange's listen-key: it is created lazily on the
// first Acquire call, refreshed at roughly two-thirds of its TTL, and
// destroyed on Stop.
//
// The onRefreshFailed callback passed to Start, if non-nil, is invoked once
// the refresh loop has failed maxRefreshFailures consecutive keep-alive
// calls in a row (e.g. the exchange starts returning 401 because the key
// expired) — the forced-reconnect hook spec §8 requires. The refresh loop
// keeps running after calling it, since a subsequent Acquire on the new
// connection will mint a fresh key and the failure counter resets.
type Lifecycle struct {
	ex     model.ExchangeId
	creds  config.Credentials
	rest   RESTCollaborator
	logger *zap.Logger

	onRefreshFailed func()

	mu        sync.Mutex
	current   model.ListenKey
	have      bool
	started   bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// maxRefreshFailures is the consecutive keep-alive failure budget before
// the onRefreshFailed callback passed to Start fires (spec §8: "forces Reconnecting within 3 retry
// cycles").
const maxRefreshFailures = 3

func New(ex model.ExchangeId, creds config.Credentials, rest RESTCollaborator, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		ex:     ex,
		creds:  creds,
		rest:   rest,
		logger: logger.Named("listenkey").With(zap.String("exchange", string(ex))),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Acquire returns the current listen-key, creating one via the REST
// collaborator if none has been issued yet.
func (l *Lifecycle) Acquire(ctx context.Context) (model.ListenKey, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.have {
		return l.current, nil
	}

	key, err := l.rest.CreateListenKey(ctx, l.ex, l.creds)
	if err != nil {
		return model.ListenKey{}, model.AuthError(l.ex, "create listen key", err)
	}
	l.current = key
	l.have = true
	return key, nil
}

// Start runs the background refresh loop until ctx is done or Stop is
// called. Must be called after a successful Acquire. Safe to call on every
// (re)connect: only the first call actually spawns the loop and records
// onRefreshFailed, since the listen-key's refresh cadence is independent of
// any one websocket connection's lifetime; later calls (and their
// callbacks) are no-ops.
func (l *Lifecycle) Start(ctx context.Context, onRefreshFailed func()) {
	l.startOnce.Do(func() {
		l.mu.Lock()
		l.started = true
		l.mu.Unlock()
		l.onRefreshFailed = onRefreshFailed
		go l.refreshLoop(ctx)
	})
}

func (l *Lifecycle) refreshLoop(ctx context.Context) {
	defer close(l.doneCh)

	l.mu.Lock()
	ttl := l.current.TTLHint
	l.mu.Unlock()
	if ttl <= 0 {
		ttl = 30 * 60 * 1000 // 30 minutes, a conservative default TTL
	}

	interval := time.Duration(ttl) * time.Millisecond * 2 / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.mu.Lock()
			value := l.current.Value
			l.mu.Unlock()

			if err := l.rest.KeepAliveListenKey(ctx, l.ex, l.creds, value); err != nil {
				failures++
				l.logger.Warn("listen key refresh failed",
					zap.Error(err), zap.Int("consecutive_failures", failures))
				if failures >= maxRefreshFailures {
					l.logger.Warn("listen key refresh exhausted retry budget, forcing reconnect")
					failures = 0
					// Drop the stale key so the reconnect's Acquire mints a fresh one.
					l.mu.Lock()
					l.have = false
					l.mu.Unlock()
					if l.onRefreshFailed != nil {
						l.onRefreshFailed()
					}
				}
				continue
			}
			failures = 0
			l.logger.Debug("listen key refreshed")
		}
	}
}

// Stop closes the listen-key via the REST collaborator and halts the
// refresh loop, waiting for it to exit first.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopCh) })

	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if started {
		select {
		case <-l.doneCh:
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
	}

	l.mu.Lock()
	have := l.have
	value := l.current.Value
	l.mu.Unlock()
	if !have {
		return nil
	}

	if err := l.rest.CloseListenKey(ctx, l.ex, l.creds, value); err != nil {
		return fmt.Errorf("close listen key: %w", err)
	}
	return nil
}
