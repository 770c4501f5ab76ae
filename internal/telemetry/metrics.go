// Package telemetry provides OpenTelemetry instruments for the pushlink service.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope used for all pushlink instruments.
const MeterName = "github.com/tinywideclouds/go-pushlink-service"

// Metrics holds the instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions   metric.Int64Counter
	registrations metric.Int64Counter
	wakeups       metric.Int64Counter
	runnerJobs    metric.Int64Counter
}

// NewMetrics creates the instruments from provider.
// If provider is nil, it returns nil (no-op metrics).
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(MeterName)

	transitions, err := meter.Int64Counter(
		"pushlink_status_transitions_total",
		metric.WithDescription("Registration status transitions, by resulting status"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	registrations, err := meter.Int64Counter(
		"pushlink_registration_attempts_total",
		metric.WithDescription("Completed relay registration attempts, by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	wakeups, err := meter.Int64Counter(
		"pushlink_wakeups_total",
		metric.WithDescription("Push wake-ups handled, by fetch strategy and retrieval path"),
		metric.WithUnit("{wakeup}"),
	)
	if err != nil {
		return nil, err
	}

	runnerJobs, err := meter.Int64Counter(
		"pushlink_runner_jobs_total",
		metric.WithDescription("Coalescing runner jobs, by result"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		transitions:   transitions,
		registrations: registrations,
		wakeups:       wakeups,
		runnerJobs:    runnerJobs,
	}, nil
}

// RecordTransition counts a move to status.
func (m *Metrics) RecordTransition(ctx context.Context, status string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordRegistration counts a finished registration attempt.
func (m *Metrics) RecordRegistration(ctx context.Context, outcome string) {
	if m == nil || m.registrations == nil {
		return
	}
	m.registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordWakeup counts a wake-up and the path used to retrieve messages.
func (m *Metrics) RecordWakeup(ctx context.Context, strategy, path string) {
	if m == nil || m.wakeups == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("strategy", strategy),
		attribute.String("path", path),
	}
	m.wakeups.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Runner job results.
const (
	JobRun       = "run"
	JobCoalesced = "coalesced"
	JobPanicked  = "panic"
)

// RecordRunnerJob counts a runner job by result.
func (m *Metrics) RecordRunnerJob(ctx context.Context, result string) {
	if m == nil || m.runnerJobs == nil {
		return
	}
	m.runnerJobs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
