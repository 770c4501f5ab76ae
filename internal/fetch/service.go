// Package fetch retrieves messages outside the long-lived connection. Jobs are
// published to a queue for a worker to run; a direct fetch drains the
// connection in-process.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// DefaultDirectTimeout bounds a direct fetch.
const DefaultDirectTimeout = 90 * time.Second

// Message attributes set on every fetch job.
const (
	AttrJobID      = "job_id"
	AttrDeviceKey  = "device_key"
	AttrPrivileged = "privileged"
)

// Publisher sends a job to the fetch queue and returns its server id.
type Publisher interface {
	Publish(ctx context.Context, data []byte, attributes map[string]string) (string, error)
}

// Drainer holds the connection open until the server queue is empty.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Job is the payload of a fetch job.
type Job struct {
	ID          string    `json:"job_id"`
	DeviceKey   string    `json:"device_key"`
	Privileged  bool      `json:"privileged"`
	RequestedAt time.Time `json:"requested_at"`
}

// Service implements registration.FetchService.
type Service struct {
	publisher     Publisher
	drainer       Drainer
	deviceKey     string
	directTimeout time.Duration
	clock         clock.Clock
	logger        *slog.Logger
}

// NewService creates a fetch service. A nil publisher refuses every job so
// callers fall back to a direct fetch.
func NewService(publisher Publisher, drainer Drainer, deviceKey string, directTimeout time.Duration, clk clock.Clock, logger *slog.Logger) *Service {
	if directTimeout <= 0 {
		directTimeout = DefaultDirectTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		publisher:     publisher,
		drainer:       drainer,
		deviceKey:     deviceKey,
		directTimeout: directTimeout,
		clock:         clk,
		logger:        logger.With("component", "FetchService"),
	}
}

// Enqueue publishes a fetch job. It reports false without error when no
// queue is configured.
func (s *Service) Enqueue(ctx context.Context, privileged bool) (bool, error) {
	if s.publisher == nil {
		return false, nil
	}

	job := Job{
		ID:          uuid.NewString(),
		DeviceKey:   s.deviceKey,
		Privileged:  privileged,
		RequestedAt: s.clock.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal fetch job: %w", err)
	}

	attrs := map[string]string{
		AttrJobID:      job.ID,
		AttrDeviceKey:  job.DeviceKey,
		AttrPrivileged: strconv.FormatBool(privileged),
	}
	serverID, err := s.publisher.Publish(ctx, data, attrs)
	if err != nil {
		return false, fmt.Errorf("failed to publish fetch job: %w", err)
	}

	s.logger.Debug("Fetch job enqueued", "job_id", job.ID, "message_id", serverID, "privileged", privileged)
	return true, nil
}

// RetrieveMessages drains the connection directly.
func (s *Service) RetrieveMessages(ctx context.Context) error {
	if s.drainer == nil {
		return fmt.Errorf("no connection available for direct fetch")
	}
	ctx, cancel := context.WithTimeout(ctx, s.directTimeout)
	defer cancel()

	start := s.clock.Now()
	if err := s.drainer.Drain(ctx); err != nil {
		return fmt.Errorf("direct fetch failed: %w", err)
	}
	s.logger.Debug("Direct fetch complete", "duration", s.clock.Since(start))
	return nil
}
