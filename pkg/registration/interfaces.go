package registration

import (
	"context"
	"time"
)

// StatusStore persists Settings. Writes apply a Delta atomically.
// Callers serialize writes through the coordinator's runner.
type StatusStore interface {
	// Read returns a consistent snapshot; an empty store yields DefaultSettings.
	Read(ctx context.Context) (Settings, error)
	// Write applies all fields of the delta as a unit.
	Write(ctx context.Context, delta Delta) error
}

// Discovery is the outcome of probing a relay URL.
type Discovery string

const (
	DiscoveryReachable   Discovery = "reachable"
	DiscoveryUnreachable Discovery = "unreachable"
	DiscoveryMalformed   Discovery = "malformed"
)

// RelayClient performs the two remote operations registration depends on.
// A returned error means the call did not produce an outcome (transport
// failure, timeout, unparseable response).
type RelayClient interface {
	// DiscoverRelay checks that relayURL answers as a compatible relay.
	DiscoverRelay(ctx context.Context, relayURL string) (Discovery, error)
	// RegisterEndpoint submits endpoint and device identity; the outcome is
	// one of OK, FORBIDDEN_UUID, MISSING_ENDPOINT or INTERNAL_ERROR.
	RegisterEndpoint(ctx context.Context, device DeviceIdentity, endpoint, relayURL string) (Status, error)
}

// DistributorPlatform is the push distributor plugin surface.
type DistributorPlatform interface {
	// Available enumerates installed distributors at call time.
	Available(ctx context.Context) ([]Distributor, error)
	// Register asks the distributor to issue an endpoint for this app.
	Register(ctx context.Context, distributorID string) error
	// Unregister releases the app from the distributor. The platform later
	// reports it through EndpointHandler.OnUnregistered.
	Unregister(ctx context.Context, distributorID string) error
}

// DeviceLinker performs the initialization handshake that yields the
// identity registered with the relay.
type DeviceLinker interface {
	EnsureDevice(ctx context.Context, current DeviceIdentity) (DeviceIdentity, error)
}

// KeepAliveRegistrar holds the long-lived connection open while a token is registered.
type KeepAliveRegistrar interface {
	RegisterKeepAliveToken(key string)
	RemoveKeepAliveToken(key string)
}

// ConnectionManager controls the long-lived message connection.
type ConnectionManager interface {
	KeepAliveRegistrar
	// IsForeground reports whether the connection runs in always-on mode.
	IsForeground() bool
	// Restart tears the connection down and recreates it in the given mode.
	Restart(ctx context.Context, foreground bool) error
}

// FetchService retrieves messages outside the long-lived connection.
type FetchService interface {
	// Enqueue schedules a fetch job. false or an error means the job was not accepted.
	Enqueue(ctx context.Context, privileged bool) (bool, error)
	// RetrieveMessages fetches synchronously; it is always available.
	RetrieveMessages(ctx context.Context) error
}

// WakeLock is a held lease. Release is safe to call more than once.
type WakeLock interface {
	Release()
}

// WakeLocker hands out leases that expire on their own after timeout.
type WakeLocker interface {
	Acquire(tag string, timeout time.Duration) WakeLock
}

// Notifier receives an Event after every transition.
type Notifier interface {
	Publish(event Event)
}

// EndpointHandler receives distributor lifecycle callbacks.
type EndpointHandler interface {
	OnNewEndpoint(ctx context.Context, endpoint string) error
	OnRegistrationFailed(ctx context.Context) error
	OnUnregistered(ctx context.Context) error
}

// MessageHandler receives wake-ups.
type MessageHandler interface {
	OnMessage(ctx context.Context, payload []byte) error
}

// EventHandler is the full inbound surface a distributor drives.
type EventHandler interface {
	EndpointHandler
	MessageHandler
}

type combinedHandler struct {
	EndpointHandler
	MessageHandler
}

// Combine joins an endpoint handler and a message handler into one EventHandler.
func Combine(endpoints EndpointHandler, messages MessageHandler) EventHandler {
	return combinedHandler{EndpointHandler: endpoints, MessageHandler: messages}
}
