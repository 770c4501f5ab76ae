// Package connection maintains the long-lived message socket. The socket is
// held open while the manager runs in foreground mode or while any
// keep-alive token is registered.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultReadTimeout = time.Minute
	defaultTokenMaxAge = 5 * time.Minute
	defaultMaxBackoff  = 30 * time.Second
	handshakeTimeout   = 10 * time.Second
)

// Handler receives every message read from the socket.
type Handler func(ctx context.Context, message []byte) error

// Config holds the connection settings.
type Config struct {
	URL string
	// ReadTimeout is the idle window after which the queue counts as drained.
	ReadTimeout time.Duration
	// AlwaysOn is the initial foreground mode.
	AlwaysOn bool
	// TokenMaxAge discards keep-alive tokens that were never removed.
	TokenMaxAge time.Duration
	// MaxBackoff caps the delay between failed connection attempts.
	MaxBackoff time.Duration
}

// Manager implements registration.ConnectionManager.
type Manager struct {
	cfg     Config
	dialer  *websocket.Dialer
	handler Handler
	clock   clock.Clock
	logger  *slog.Logger

	mu            sync.Mutex
	foreground    bool
	tokens        map[string]time.Time
	drainWaiters  map[chan struct{}]struct{}
	sessionCancel context.CancelFunc
	connected     bool

	changed    chan struct{}
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// NewManager creates a manager. handler may be nil.
func NewManager(cfg Config, handler Handler, clk clock.Clock, logger *slog.Logger) *Manager {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.TokenMaxAge <= 0 {
		cfg.TokenMaxAge = defaultTokenMaxAge
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if clk == nil {
		clk = clock.New()
	}
	if handler == nil {
		handler = func(context.Context, []byte) error { return nil }
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout

	return &Manager{
		cfg:          cfg,
		dialer:       &dialer,
		handler:      handler,
		clock:        clk,
		logger:       logger.With("component", "ConnectionManager"),
		foreground:   cfg.AlwaysOn,
		tokens:       make(map[string]time.Time),
		drainWaiters: make(map[chan struct{}]struct{}),
		changed:      make(chan struct{}, 1),
	}
}

// Start launches the connection loop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancelFunc = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
}

// Stop closes the socket and waits for the loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancelFunc, m.done
	m.cancelFunc, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("Connection manager stopped")
}

// RegisterKeepAliveToken keeps the socket open until the token is removed
// or ages out.
func (m *Manager) RegisterKeepAliveToken(key string) {
	m.mu.Lock()
	m.tokens[key] = m.clock.Now()
	m.mu.Unlock()
	m.signal()
}

// RemoveKeepAliveToken drops a token.
func (m *Manager) RemoveKeepAliveToken(key string) {
	m.mu.Lock()
	delete(m.tokens, key)
	m.mu.Unlock()
	m.signal()
}

// IsForeground reports whether the socket is held open unconditionally.
func (m *Manager) IsForeground() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.foreground
}

// Restart tears down the current socket and switches mode. The loop
// reconnects if the new mode needs a socket.
func (m *Manager) Restart(_ context.Context, foreground bool) error {
	m.mu.Lock()
	m.foreground = foreground
	cancel := m.sessionCancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.logger.Info("Connection restarted", "foreground", foreground)
	m.signal()
	return nil
}

// Connected reports whether a socket is currently open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Necessary reports whether the socket should be open now. Stale tokens are
// pruned as a side effect.
func (m *Manager) Necessary() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-m.cfg.TokenMaxAge)
	for key, at := range m.tokens {
		if at.Before(cutoff) {
			delete(m.tokens, key)
			m.logger.Debug("Removed stale keep-alive token", "token", key)
		}
	}
	return m.foreground || len(m.tokens) > 0
}

// Drain holds the socket open until the server queue has been read empty,
// or ctx ends.
func (m *Manager) Drain(ctx context.Context) error {
	key := "drain-" + uuid.NewString()
	waiter := make(chan struct{})

	m.mu.Lock()
	m.drainWaiters[waiter] = struct{}{}
	m.mu.Unlock()

	m.RegisterKeepAliveToken(key)
	defer m.RemoveKeepAliveToken(key)

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.drainWaiters, waiter)
		m.mu.Unlock()
		return fmt.Errorf("drain interrupted: %w", ctx.Err())
	}
}

func (m *Manager) signal() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

func (m *Manager) markDrained() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for waiter := range m.drainWaiters {
		close(waiter)
		delete(m.drainWaiters, waiter)
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = m.cfg.MaxBackoff
	attempts := 0

	for {
		if attempts > 1 {
			wait := bo.NextBackOff()
			m.logger.Warn("Too many failed connection attempts, backing off", "attempts", attempts, "backoff", wait)
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(wait):
			}
		}

		if !m.waitUntilNecessary(ctx) {
			return
		}

		err := m.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			attempts++
			m.logger.Warn("Connection lost", "err", err)
			continue
		}
		attempts = 0
		bo.Reset()
	}
}

func (m *Manager) waitUntilNecessary(ctx context.Context) bool {
	for !m.Necessary() {
		select {
		case <-ctx.Done():
			return false
		case <-m.changed:
		}
	}
	return true
}

// session runs one socket until it is no longer necessary, it fails, or a
// restart cancels it. A nil error means the socket was closed on purpose.
func (m *Manager) session(ctx context.Context) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	m.sessionCancel = cancel
	m.mu.Unlock()

	m.logger.Info("Making websocket connection", "url", m.cfg.URL)
	conn, _, err := m.dialer.DialContext(sessCtx, m.cfg.URL, nil)
	if err != nil {
		if errors.Is(sessCtx.Err(), context.Canceled) {
			return nil
		}
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	m.setConnected(true)
	defer m.setConnected(false)

	messages := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case messages <- data:
			case <-sessCtx.Done():
				return
			}
		}
	}()

	idle := m.clock.Timer(m.cfg.ReadTimeout)
	defer idle.Stop()

	for {
		if !m.Necessary() {
			m.logger.Info("Connection no longer necessary, closing")
			return nil
		}

		select {
		case <-sessCtx.Done():
			return nil
		case err := <-readErr:
			if sessCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		case data := <-messages:
			if err := m.handler(ctx, data); err != nil {
				m.logger.Error("Failed to handle message", "err", err)
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(m.cfg.ReadTimeout)
		case <-idle.C:
			m.logger.Debug("Read window elapsed without messages, queue drained")
			m.markDrained()
			idle.Reset(m.cfg.ReadTimeout)
		case <-m.changed:
		}
	}
}

func (m *Manager) setConnected(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = v
	if !v {
		m.sessionCancel = nil
	}
}
