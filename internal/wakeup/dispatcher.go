// Package wakeup decides how messages are retrieved when a push wake-up arrives.
package wakeup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tinywideclouds/go-pushlink-service/internal/telemetry"
	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

const (
	// KeepAliveToken is the connection lease held after a wake-up.
	KeepAliveToken = "pushlink.wakeup"
	// KeepAliveWindow is how long the lease is held.
	KeepAliveWindow = 20 * time.Second
	// WakeLockTimeout bounds an out-of-band fetch.
	WakeLockTimeout = 5 * time.Second
	// DefaultMinPrivilegedInterval rate-limits privileged fetch jobs.
	DefaultMinPrivilegedInterval = time.Minute

	wakeLockTag = "pushlink::wakeup"
)

// Wake-up retrieval paths, as recorded in metrics.
const (
	PathKeepAlive = "keepalive"
	PathEnqueued  = "enqueued"
	PathDirect    = "direct"
)

// Dependencies are the collaborators the dispatcher drives.
type Dependencies struct {
	Store      registration.StatusStore
	Connection registration.KeepAliveRegistrar
	Fetch      registration.FetchService
	Locks      registration.WakeLocker
	Clock      clock.Clock
	Metrics    *telemetry.Metrics
}

// Dispatcher implements registration.MessageHandler.
type Dispatcher struct {
	store       registration.StatusStore
	conn        registration.KeepAliveRegistrar
	fetch       registration.FetchService
	locks       registration.WakeLocker
	clock       clock.Clock
	metrics     *telemetry.Metrics
	minInterval time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	keepAlive *clock.Timer
	holdGen   uint64
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A non-positive minPrivilegedInterval
// uses DefaultMinPrivilegedInterval.
func NewDispatcher(deps Dependencies, minPrivilegedInterval time.Duration, logger *slog.Logger) *Dispatcher {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	if minPrivilegedInterval <= 0 {
		minPrivilegedInterval = DefaultMinPrivilegedInterval
	}
	return &Dispatcher{
		store:       deps.Store,
		conn:        deps.Connection,
		fetch:       deps.Fetch,
		locks:       deps.Locks,
		clock:       clk,
		metrics:     deps.Metrics,
		minInterval: minPrivilegedInterval,
		logger:      logger.With("component", "WakeupDispatcher"),
	}
}

// OnMessage handles a wake-up. The payload is opaque; only its arrival matters.
func (d *Dispatcher) OnMessage(ctx context.Context, payload []byte) error {
	s, err := d.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	if !s.PushActive() {
		d.logger.Debug("Push not active, ignoring wake-up")
		return nil
	}

	d.logger.Debug("Wake-up received", "strategy", s.FetchStrategy, "bytes", len(payload))
	switch s.FetchStrategy {
	case registration.FetchOutOfBand:
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.fetchOutOfBand(context.WithoutCancel(ctx))
		}()
	default:
		d.holdConnection(ctx)
	}
	return nil
}

// Wait blocks until every out-of-band fetch started so far has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels a pending keep-alive removal and releases the token.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	timer := d.keepAlive
	d.keepAlive = nil
	d.holdGen++

	if timer != nil && timer.Stop() {
		d.conn.RemoveKeepAliveToken(KeepAliveToken)
	}
}

// holdConnection keeps the long-lived connection open for the keep-alive
// window. A wake-up inside the window extends it. Only the timer of the
// latest wake-up may remove the token.
func (d *Dispatcher) holdConnection(ctx context.Context) {
	d.mu.Lock()
	d.holdGen++
	gen := d.holdGen
	d.conn.RegisterKeepAliveToken(KeepAliveToken)
	if d.keepAlive != nil {
		d.keepAlive.Stop()
	}
	d.keepAlive = d.clock.AfterFunc(KeepAliveWindow, func() {
		d.releaseHold(gen)
	})
	d.mu.Unlock()

	d.metrics.RecordWakeup(ctx, string(registration.FetchViaConnection), PathKeepAlive)
}

func (d *Dispatcher) releaseHold(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.holdGen {
		return
	}
	d.keepAlive = nil
	d.conn.RemoveKeepAliveToken(KeepAliveToken)
}

// fetchOutOfBand enqueues a fetch job and falls back to a direct fetch when
// the job is refused. The wake lock is released on every path.
func (d *Dispatcher) fetchOutOfBand(ctx context.Context) {
	lock := d.locks.Acquire(wakeLockTag, WakeLockTimeout)
	defer lock.Release()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Out-of-band fetch panicked", "err", fmt.Errorf("panic: %v", r))
		}
	}()

	privileged := d.privilegedAllowed(ctx)
	accepted, err := d.fetch.Enqueue(ctx, privileged)
	if err != nil {
		d.logger.Warn("Failed to enqueue fetch job", "privileged", privileged, "err", err)
	}

	if err == nil && accepted {
		if privileged {
			now := d.clock.Now()
			if werr := d.store.Write(ctx, registration.Delta{LastPrivilegedFetch: &now}); werr != nil {
				d.logger.Warn("Failed to record privileged fetch time", "err", werr)
			}
		}
		d.metrics.RecordWakeup(ctx, string(registration.FetchOutOfBand), PathEnqueued)
		return
	}

	d.logger.Info("Fetch job not accepted, falling back to direct fetch")
	if err := d.fetch.RetrieveMessages(ctx); err != nil {
		d.logger.Error("Direct fetch failed", "err", err)
	}
	d.metrics.RecordWakeup(ctx, string(registration.FetchOutOfBand), PathDirect)
}

func (d *Dispatcher) privilegedAllowed(ctx context.Context) bool {
	s, err := d.store.Read(ctx)
	if err != nil {
		return false
	}
	return d.clock.Now().Sub(s.LastPrivilegedFetch) >= d.minInterval
}
