// Package runner provides a single-worker executor that keeps at most one
// job waiting behind the one that is running.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-pushlink-service/internal/telemetry"
)

// Job is a unit of work. It receives the runner's context, which is
// cancelled on Stop.
type Job func(ctx context.Context)

// Runner executes submitted jobs one at a time on a dedicated goroutine.
// A job submitted while another waits replaces it; the replaced job never runs.
type Runner struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	pending Job
	wake    chan struct{}

	cancelFunc context.CancelFunc
	done       chan struct{}
}

// New creates a runner. Call Start before submitting work.
func New(logger *slog.Logger, metrics *telemetry.Metrics) *Runner {
	return &Runner{
		logger:  logger.With("component", "runner"),
		metrics: metrics,
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the worker goroutine.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancelFunc = cancel
	r.done = make(chan struct{})

	go r.loop(ctx, r.done)
	r.logger.Debug("Runner started")
}

// Stop cancels the worker and waits for the current job to return.
// A job still waiting is discarded.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancelFunc, r.done
	r.cancelFunc, r.done = nil, nil
	r.pending = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Debug("Runner stopped")
}

// Submit queues job without blocking. If a job is already waiting it is
// replaced and reported as coalesced.
func (r *Runner) Submit(job Job) {
	r.mu.Lock()
	coalesced := r.pending != nil
	r.pending = job
	r.mu.Unlock()

	if coalesced {
		r.metrics.RecordRunnerJob(context.Background(), telemetry.JobCoalesced)
		r.logger.Debug("Waiting job replaced")
	}

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}

		r.mu.Lock()
		job := r.pending
		r.pending = nil
		r.mu.Unlock()

		if job == nil {
			continue
		}
		r.run(ctx, job)
	}
}

func (r *Runner) run(ctx context.Context, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.RecordRunnerJob(ctx, telemetry.JobPanicked)
			r.logger.Error("Job panicked", "err", fmt.Errorf("panic: %v", rec))
		}
	}()
	job(ctx)
	r.metrics.RecordRunnerJob(ctx, telemetry.JobRun)
}
