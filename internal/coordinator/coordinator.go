// Package coordinator drives the push registration state machine. It reacts
// to distributor callbacks and settings changes, serializes remote work on a
// coalescing runner and keeps the long-lived connection in the right mode.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/tinywideclouds/go-pushlink-service/internal/runner"
	"github.com/tinywideclouds/go-pushlink-service/internal/telemetry"
	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

// Submitter accepts jobs for serialized execution. A job submitted while
// another is waiting replaces it.
type Submitter interface {
	Submit(job runner.Job)
}

// Dependencies are the collaborators the coordinator drives.
// Connection, Notifier, Clock and Metrics are optional.
type Dependencies struct {
	Store        registration.StatusStore
	Relay        registration.RelayClient
	Distributors registration.DistributorPlatform
	Linker       registration.DeviceLinker
	Connection   registration.ConnectionManager
	Notifier     registration.Notifier
	Runner       Submitter
	Clock        clock.Clock
	Metrics      *telemetry.Metrics
}

// Options tune coordinator behaviour.
type Options struct {
	// DefaultRelayURL is used while no relay URL has been configured.
	DefaultRelayURL string
}

// Coordinator implements registration.EndpointHandler and the settings operations.
type Coordinator struct {
	store        registration.StatusStore
	relay        registration.RelayClient
	distributors registration.DistributorPlatform
	linker       registration.DeviceLinker
	conn         registration.ConnectionManager
	notifier     registration.Notifier
	runner       Submitter
	clock        clock.Clock
	metrics      *telemetry.Metrics
	opts         Options
	logger       *slog.Logger

	mu                sync.Mutex
	pending           bool
	gen               uint64
	distributorIntent bool
	lastStatus        registration.Status
}

// New validates the dependencies and builds a coordinator.
func New(deps Dependencies, opts Options, logger *slog.Logger) (*Coordinator, error) {
	if deps.Store == nil || deps.Relay == nil || deps.Distributors == nil || deps.Linker == nil || deps.Runner == nil {
		return nil, errors.New("coordinator requires a store, relay client, distributor platform, device linker and runner")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Coordinator{
		store:        deps.Store,
		relay:        deps.Relay,
		distributors: deps.Distributors,
		linker:       deps.Linker,
		conn:         deps.Connection,
		notifier:     deps.Notifier,
		runner:       deps.Runner,
		clock:        clk,
		metrics:      deps.Metrics,
		opts:         Options{DefaultRelayURL: NormalizeRelayURL(opts.DefaultRelayURL)},
		logger:       logger.With("component", "Coordinator"),
	}, nil
}

// --- Distributor callbacks ---

// OnNewEndpoint records a new endpoint and, when the current status allows
// it, schedules a registration with the relay.
func (c *Coordinator) OnNewEndpoint(ctx context.Context, endpoint string) error {
	s, err := c.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	if s.Endpoint == endpoint {
		c.logger.Debug("Endpoint unchanged, ignoring")
		return nil
	}

	if err := c.store.Write(ctx, registration.Delta{Endpoint: registration.Ref(endpoint)}); err != nil {
		return fmt.Errorf("failed to store endpoint: %w", err)
	}
	s.Endpoint = endpoint

	settled := c.settledStatus(ctx, s)
	switch {
	case settled == registration.StatusAirGapped:
		c.logger.Info("Endpoint changed while air-gapped; relay must be updated manually")
	case settled.Retryable():
		c.logger.Info("Endpoint changed, registering with relay", "previous_status", settled)
		c.schedule()
	default:
		c.logger.Debug("Endpoint changed", "status", settled)
	}

	c.publish(ctx, registration.EventEndpointChanged)
	return nil
}

// OnRegistrationFailed surfaces a distributor-side failure to observers.
func (c *Coordinator) OnRegistrationFailed(ctx context.Context) error {
	c.logger.Warn("Distributor registration failed")
	c.publish(ctx, registration.EventRegistrationFailed)
	return nil
}

// OnUnregistered clears the endpoint after the distributor released the app.
func (c *Coordinator) OnUnregistered(ctx context.Context) error {
	if err := c.store.Write(ctx, registration.Delta{Endpoint: registration.Ref("")}); err != nil {
		return fmt.Errorf("failed to clear endpoint: %w", err)
	}
	c.logger.Info("Unregistered from distributor")
	c.publish(ctx, registration.EventEndpointChanged)
	return c.EnsureConnectionMode(ctx)
}

// --- Settings ---

// SetEnabled turns the feature on or off. Enabling with no distributor
// installed is a no-op.
func (c *Coordinator) SetEnabled(ctx context.Context, enabled bool) error {
	if !enabled {
		return c.disable(ctx)
	}

	available, err := c.distributors.Available(ctx)
	if err != nil {
		return fmt.Errorf("failed to list distributors: %w", err)
	}
	if len(available) == 0 {
		c.logger.Info("No distributor available, leaving push disabled")
		return nil
	}

	err = c.store.Write(ctx, registration.Delta{
		Enabled:     registration.Ref(true),
		Distributor: registration.Ref(available[0].ID),
	})
	if err != nil {
		return fmt.Errorf("failed to enable: %w", err)
	}
	c.logger.Info("Push enabled", "distributor", available[0].ID)

	c.mu.Lock()
	c.distributorIntent = true
	c.mu.Unlock()

	c.schedule()
	c.publish(ctx, registration.EventStatusChanged)
	return nil
}

func (c *Coordinator) disable(ctx context.Context) error {
	s, err := c.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}

	err = c.store.Write(ctx, registration.Delta{
		Enabled:     registration.Ref(false),
		Distributor: registration.Ref(""),
	})
	if err != nil {
		return fmt.Errorf("failed to disable: %w", err)
	}

	if s.Distributor != "" {
		if err := c.distributors.Unregister(ctx, s.Distributor); err != nil {
			c.logger.Warn("Failed to unregister from distributor", "distributor", s.Distributor, "err", err)
		}
	}
	c.logger.Info("Push disabled")
	return c.Reevaluate(ctx)
}

// SetAirGapped persists the flag and re-evaluates. It never calls the relay directly.
func (c *Coordinator) SetAirGapped(ctx context.Context, airGapped bool) error {
	if err := c.store.Write(ctx, registration.Delta{AirGapped: registration.Ref(airGapped)}); err != nil {
		return fmt.Errorf("failed to store air-gapped flag: %w", err)
	}
	return c.Reevaluate(ctx)
}

// SetFetchStrategy persists the preference only.
func (c *Coordinator) SetFetchStrategy(ctx context.Context, strategy registration.FetchStrategy) error {
	if err := c.store.Write(ctx, registration.Delta{FetchStrategy: registration.Ref(strategy)}); err != nil {
		return fmt.Errorf("failed to store fetch strategy: %w", err)
	}
	c.publish(ctx, registration.EventStatusChanged)
	return nil
}

// SetRelayURL normalizes and persists the relay URL, then re-evaluates.
func (c *Coordinator) SetRelayURL(ctx context.Context, relayURL string) error {
	normalized := NormalizeRelayURL(relayURL)
	if err := c.store.Write(ctx, registration.Delta{RelayURL: registration.Ref(normalized)}); err != nil {
		return fmt.Errorf("failed to store relay url: %w", err)
	}
	return c.Reevaluate(ctx)
}

// SetDistributor binds an installed distributor and asks it for an endpoint.
func (c *Coordinator) SetDistributor(ctx context.Context, distributorID string) error {
	available, err := c.distributors.Available(ctx)
	if err != nil {
		return fmt.Errorf("failed to list distributors: %w", err)
	}
	if len(available) == 0 {
		return registration.ErrNoDistributor
	}
	if !containsDistributor(available, distributorID) {
		return fmt.Errorf("%w: %s", registration.ErrUnknownDistributor, distributorID)
	}

	s, err := c.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	if s.Distributor != "" && s.Distributor != distributorID {
		if err := c.distributors.Unregister(ctx, s.Distributor); err != nil {
			c.logger.Warn("Failed to unregister previous distributor", "distributor", s.Distributor, "err", err)
		}
	}

	if err := c.store.Write(ctx, registration.Delta{Distributor: registration.Ref(distributorID)}); err != nil {
		return fmt.Errorf("failed to store distributor: %w", err)
	}
	if err := c.distributors.Register(ctx, distributorID); err != nil {
		return fmt.Errorf("failed to register with distributor %s: %w", distributorID, err)
	}

	c.logger.Info("Distributor selected", "distributor", distributorID)
	c.publish(ctx, registration.EventStatusChanged)
	return nil
}

// --- Evaluation ---

// Reevaluate schedules a registration attempt when the settled status is
// retryable; otherwise it notifies and corrects the connection mode.
func (c *Coordinator) Reevaluate(ctx context.Context) error {
	s, err := c.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}

	if c.settledStatus(ctx, s).Retryable() {
		c.schedule()
		c.publish(ctx, registration.EventStatusChanged)
		return nil
	}

	c.publish(ctx, registration.EventStatusChanged)
	return c.EnsureConnectionMode(ctx)
}

// EnsureConnectionMode restarts the connection only when its foreground
// mode differs from the one the current settings require.
func (c *Coordinator) EnsureConnectionMode(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	s, err := c.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}

	required := requiresForeground(s, c.settledStatus(ctx, s))
	if c.conn.IsForeground() == required {
		return nil
	}

	c.logger.Info("Restarting connection", "foreground", required)
	if err := c.conn.Restart(ctx, required); err != nil {
		return fmt.Errorf("failed to restart connection: %w", err)
	}
	return nil
}

// Status returns the effective status, including the in-flight marker.
func (c *Coordinator) Status(ctx context.Context) (registration.Status, error) {
	s, err := c.store.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read settings: %w", err)
	}
	return c.currentStatus(ctx, s), nil
}

// Close drops the in-flight marker once the runner has stopped. A job the
// runner discarded would otherwise leave the status PENDING.
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	c.gen++
	wasPending := c.pending
	c.pending = false
	c.mu.Unlock()

	if wasPending {
		c.logger.Info("Discarded pending registration on shutdown")
		c.publish(ctx, registration.EventStatusChanged)
	}
}

// --- Jobs ---

// schedule marks a registration as in flight and submits the reconcile job.
// Only the job carrying the latest generation may clear the marker, since a
// replaced job never runs.
func (c *Coordinator) schedule() {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.pending = true
	c.mu.Unlock()

	c.runner.Submit(func(ctx context.Context) {
		c.reconcile(ctx, gen)
	})
}

func (c *Coordinator) reconcile(ctx context.Context, gen uint64) {
	defer c.finish(ctx, gen)

	if c.takeDistributorIntent() {
		c.registerDistributor(ctx)
		c.publish(ctx, registration.EventStatusChanged)
		c.linkDevice(ctx)
		c.publish(ctx, registration.EventStatusChanged)
	}

	s, err := c.store.Read(ctx)
	if err != nil {
		c.logger.Error("Failed to read settings for registration", "err", err)
		return
	}
	settled := c.settledStatus(ctx, s)
	if !settled.Retryable() {
		c.logger.Debug("Registration no longer needed", "status", settled)
		return
	}
	c.registerWithRelay(ctx, s)
}

func (c *Coordinator) finish(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if c.gen == gen {
		c.pending = false
	}
	c.mu.Unlock()

	c.publish(ctx, registration.EventStatusChanged)
	if err := c.EnsureConnectionMode(ctx); err != nil {
		c.logger.Error("Failed to adjust connection mode", "err", err)
	}
}

func (c *Coordinator) takeDistributorIntent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	intent := c.distributorIntent
	c.distributorIntent = false
	return intent
}

func (c *Coordinator) registerDistributor(ctx context.Context) {
	s, err := c.store.Read(ctx)
	if err != nil {
		c.logger.Error("Failed to read settings", "err", err)
		return
	}
	if s.Distributor == "" {
		return
	}
	if err := c.distributors.Register(ctx, s.Distributor); err != nil {
		c.logger.Warn("Distributor registration request failed", "distributor", s.Distributor, "err", err)
	}
}

// linkDevice makes sure a device identity exists. A first-time link also
// moves an unset status to MISSING_ENDPOINT.
func (c *Coordinator) linkDevice(ctx context.Context) (registration.DeviceIdentity, bool) {
	s, err := c.store.Read(ctx)
	if err != nil {
		c.logger.Error("Failed to read settings", "err", err)
		return registration.DeviceIdentity{}, false
	}

	device, err := c.linker.EnsureDevice(ctx, s.Device)
	if err != nil {
		c.logger.Error("Device linking failed", "err", err)
		c.writeStatus(ctx, registration.Delta{RegistrationStatus: registration.Ref(registration.StatusInternalError)})
		return registration.DeviceIdentity{}, false
	}

	var delta registration.Delta
	if device != s.Device {
		delta.Device = &device
	}
	if s.RegistrationStatus == "" {
		delta.RegistrationStatus = registration.Ref(registration.StatusMissingEndpoint)
	}
	if !delta.IsEmpty() {
		c.writeStatus(ctx, delta)
	}
	return device, true
}

// registerWithRelay discovers the relay and, when it answers, submits the
// endpoint. Every path ends in a persisted terminal status.
func (c *Coordinator) registerWithRelay(ctx context.Context, s registration.Settings) {
	if s.Device.IsZero() {
		device, ok := c.linkDevice(ctx)
		if !ok {
			c.metrics.RecordRegistration(ctx, string(registration.StatusInternalError))
			return
		}
		s.Device = device
	}

	relayURL := s.RelayURL
	if relayURL == "" {
		relayURL = c.opts.DefaultRelayURL
	}

	discovery, err := c.relay.DiscoverRelay(ctx, relayURL)
	if err != nil {
		c.logger.Error("Relay discovery failed", "url", relayURL, "err", err)
		c.writeOutcome(ctx, false, registration.StatusInternalError)
		return
	}
	if discovery != registration.DiscoveryReachable {
		c.logger.Warn("Relay not found", "url", relayURL, "result", discovery)
		c.writeOutcome(ctx, false, registration.StatusServerNotFoundAtURL)
		return
	}

	if s.Endpoint == "" {
		c.writeOutcome(ctx, true, registration.StatusMissingEndpoint)
		return
	}

	status, err := c.relay.RegisterEndpoint(ctx, s.Device, s.Endpoint, relayURL)
	if err != nil {
		c.logger.Error("Relay registration failed", "err", err)
		status = registration.StatusInternalError
	}
	c.writeOutcome(ctx, true, status)
}

func (c *Coordinator) writeOutcome(ctx context.Context, reachable bool, status registration.Status) {
	c.metrics.RecordRegistration(ctx, string(status))
	c.writeStatus(ctx, registration.Delta{
		RelayReachable:     registration.Ref(reachable),
		RegistrationStatus: registration.Ref(status),
	})
}

func (c *Coordinator) writeStatus(ctx context.Context, delta registration.Delta) {
	if err := c.store.Write(ctx, delta); err != nil {
		c.logger.Error("Failed to persist registration outcome", "err", err)
	}
}

// --- Helpers ---

func (c *Coordinator) isPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// anyAvailable reports whether a distributor is installed. A failed lookup
// is treated as available so a transient platform error does not mask the
// persisted status.
func (c *Coordinator) anyAvailable(ctx context.Context) bool {
	available, err := c.distributors.Available(ctx)
	if err != nil {
		c.logger.Warn("Failed to list distributors", "err", err)
		return true
	}
	return len(available) > 0
}

func (c *Coordinator) settledStatus(ctx context.Context, s registration.Settings) registration.Status {
	return effectiveStatus(s, c.anyAvailable(ctx), false)
}

func (c *Coordinator) currentStatus(ctx context.Context, s registration.Settings) registration.Status {
	return effectiveStatus(s, c.anyAvailable(ctx), c.isPending())
}

func (c *Coordinator) publish(ctx context.Context, kind registration.EventKind) {
	s, err := c.store.Read(ctx)
	if err != nil {
		c.logger.Error("Failed to read settings for notification", "err", err)
		return
	}
	status := c.currentStatus(ctx, s)

	c.mu.Lock()
	changed := status != c.lastStatus
	c.lastStatus = status
	c.mu.Unlock()
	if changed {
		c.metrics.RecordTransition(ctx, string(status))
		c.logger.Debug("Status changed", "status", status)
	}

	if c.notifier == nil {
		return
	}
	c.notifier.Publish(registration.Event{
		Kind:     kind,
		Status:   status,
		Endpoint: s.Endpoint,
		At:       c.clock.Now(),
	})
}

func containsDistributor(list []registration.Distributor, id string) bool {
	for _, d := range list {
		if d.ID == id {
			return true
		}
	}
	return false
}
