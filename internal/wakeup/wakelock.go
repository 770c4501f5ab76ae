package wakeup

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

// Inhibitor blocks system sleep until the returned closer is closed.
type Inhibitor interface {
	Inhibit(why string) (io.Closer, error)
}

// LeaseLocker hands out wake locks that expire on their own. When an
// Inhibitor is configured each lease also holds off system sleep.
type LeaseLocker struct {
	clock     clock.Clock
	inhibitor Inhibitor
	logger    *slog.Logger
	held      atomic.Int64
}

// NewLeaseLocker creates a locker. inhibitor may be nil.
func NewLeaseLocker(clk clock.Clock, inhibitor Inhibitor, logger *slog.Logger) *LeaseLocker {
	if clk == nil {
		clk = clock.New()
	}
	return &LeaseLocker{
		clock:     clk,
		inhibitor: inhibitor,
		logger:    logger.With("component", "WakeLock"),
	}
}

// Acquire implements registration.WakeLocker.
func (l *LeaseLocker) Acquire(tag string, timeout time.Duration) registration.WakeLock {
	le := &lease{tag: tag, locker: l}

	if l.inhibitor != nil {
		closer, err := l.inhibitor.Inhibit(tag)
		if err != nil {
			l.logger.Warn("Sleep inhibitor unavailable", "tag", tag, "err", err)
		} else {
			le.inhibit = closer
		}
	}

	l.held.Add(1)
	le.mu.Lock()
	le.timer = l.clock.AfterFunc(timeout, func() {
		l.logger.Warn("Wake lock expired before release", "tag", tag)
		le.Release()
	})
	le.mu.Unlock()
	return le
}

// Held returns the number of leases not yet released or expired.
func (l *LeaseLocker) Held() int64 {
	return l.held.Load()
}

type lease struct {
	tag    string
	locker *LeaseLocker

	mu      sync.Mutex
	timer   *clock.Timer
	inhibit io.Closer
	once    sync.Once
}

// Release is idempotent.
func (le *lease) Release() {
	le.once.Do(func() {
		le.mu.Lock()
		if le.timer != nil {
			le.timer.Stop()
		}
		inhibit := le.inhibit
		le.mu.Unlock()

		if inhibit != nil {
			if err := inhibit.Close(); err != nil {
				le.locker.logger.Warn("Failed to release sleep inhibitor", "tag", le.tag, "err", err)
			}
		}
		le.locker.held.Add(-1)
	})
}
