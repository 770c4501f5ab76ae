// Package unifiedpush provides distributor platforms: UnifiedPush over D-Bus
// and a static list of distributors that report back over HTTP.
package unifiedpush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

// D-Bus names of the UnifiedPush protocol.
const (
	DistributorPrefix    = "org.unifiedpush.Distributor."
	DistributorPath      = dbus.ObjectPath("/org/unifiedpush/Distributor")
	DistributorInterface = "org.unifiedpush.Distributor1"
	ConnectorPath        = dbus.ObjectPath("/org/unifiedpush/Connector")
	ConnectorInterface   = "org.unifiedpush.Connector1"

	resultSucceeded = "REGISTRATION_SUCCEEDED"
)

// ErrRegistrationRefused is returned when a distributor declines to register.
var ErrRegistrationRefused = errors.New("distributor refused registration")

// Bus is the subset of *dbus.Conn the platform uses.
type Bus interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	BusObject() dbus.BusObject
	Export(v interface{}, path dbus.ObjectPath, iface string) error
}

// DBusPlatform implements registration.DistributorPlatform over the session bus.
type DBusPlatform struct {
	bus         Bus
	serviceName string
	token       string
	description string
	logger      *slog.Logger

	mu      sync.RWMutex
	handler registration.EventHandler
	baseCtx context.Context
}

// NewDBusPlatform creates the platform. serviceName is the well-known bus
// name distributors call back on. An empty token generates one.
func NewDBusPlatform(bus Bus, serviceName, token, description string, logger *slog.Logger) *DBusPlatform {
	if token == "" {
		token = uuid.NewString()
	}
	return &DBusPlatform{
		bus:         bus,
		serviceName: serviceName,
		token:       token,
		description: description,
		logger:      logger.With("component", "UnifiedPushDBus"),
	}
}

// Token is the instance token sent to distributors.
func (p *DBusPlatform) Token() string {
	return p.token
}

// Listen exports the connector object so distributors can deliver
// endpoints and messages to handler.
func (p *DBusPlatform) Listen(ctx context.Context, handler registration.EventHandler) error {
	p.mu.Lock()
	p.handler = handler
	p.baseCtx = ctx
	p.mu.Unlock()

	if err := p.bus.Export(&connector{platform: p}, ConnectorPath, ConnectorInterface); err != nil {
		return fmt.Errorf("failed to export connector: %w", err)
	}
	p.logger.Info("UnifiedPush connector exported", "path", ConnectorPath, "service", p.serviceName)
	return nil
}

// Available lists distributors that currently own a bus name.
func (p *DBusPlatform) Available(ctx context.Context) ([]registration.Distributor, error) {
	var names []string
	if err := p.bus.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return nil, fmt.Errorf("failed to list bus names: %w", err)
	}

	var out []registration.Distributor
	for _, name := range names {
		if !strings.HasPrefix(name, DistributorPrefix) {
			continue
		}
		out = append(out, registration.Distributor{
			ID:    name,
			Label: strings.TrimPrefix(name, DistributorPrefix),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Register asks the distributor for an endpoint. The endpoint itself arrives
// later through the connector.
func (p *DBusPlatform) Register(ctx context.Context, distributorID string) error {
	if !strings.HasPrefix(distributorID, DistributorPrefix) {
		return fmt.Errorf("%w: %s", registration.ErrUnknownDistributor, distributorID)
	}

	var result, reason string
	call := p.bus.Object(distributorID, DistributorPath).
		CallWithContext(ctx, DistributorInterface+".Register", 0, p.serviceName, p.token, p.description)
	if err := call.Store(&result, &reason); err != nil {
		return fmt.Errorf("register call to %s failed: %w", distributorID, err)
	}

	if result != resultSucceeded {
		p.logger.Warn("Distributor refused registration", "distributor", distributorID, "reason", reason)
		if h, ctx := p.callback(); h != nil {
			if err := h.OnRegistrationFailed(ctx); err != nil {
				p.logger.Error("Failed to report registration failure", "err", err)
			}
		}
		return fmt.Errorf("%w: %s", ErrRegistrationRefused, reason)
	}
	p.logger.Info("Registered with distributor", "distributor", distributorID)
	return nil
}

// Unregister releases the token at the distributor.
func (p *DBusPlatform) Unregister(ctx context.Context, distributorID string) error {
	call := p.bus.Object(distributorID, DistributorPath).
		CallWithContext(ctx, DistributorInterface+".Unregister", 0, p.token)
	if call.Err != nil {
		return fmt.Errorf("unregister call to %s failed: %w", distributorID, call.Err)
	}
	return nil
}

func (p *DBusPlatform) callback() (registration.EventHandler, context.Context) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ctx := p.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	return p.handler, ctx
}

// connector is the object distributors call. Method names and signatures
// follow org.unifiedpush.Connector1.
type connector struct {
	platform *DBusPlatform
}

func (c *connector) route(token string, fn func(ctx context.Context, h registration.EventHandler) error) *dbus.Error {
	if token != c.platform.token {
		c.platform.logger.Warn("Ignoring callback for unknown token")
		return nil
	}
	h, ctx := c.platform.callback()
	if h == nil {
		return nil
	}
	if err := fn(ctx, h); err != nil {
		c.platform.logger.Error("Connector callback failed", "err", err)
		return dbus.MakeFailedError(err)
	}
	return nil
}

func (c *connector) NewEndpoint(token, endpoint string) *dbus.Error {
	return c.route(token, func(ctx context.Context, h registration.EventHandler) error {
		return h.OnNewEndpoint(ctx, endpoint)
	})
}

func (c *connector) Unregistered(token string) *dbus.Error {
	return c.route(token, func(ctx context.Context, h registration.EventHandler) error {
		return h.OnUnregistered(ctx)
	})
}

func (c *connector) Message(token string, message []byte, messageID string) *dbus.Error {
	return c.route(token, func(ctx context.Context, h registration.EventHandler) error {
		c.platform.logger.Debug("Push message received", "message_id", messageID)
		return h.OnMessage(ctx, message)
	})
}
