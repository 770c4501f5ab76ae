package relay

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

const passwordBytes = 18

// IdentityLinker creates the linked-device identity submitted to the relay.
// An existing identity is kept as is.
type IdentityLinker struct {
	deviceID int
	logger   *slog.Logger
}

// NewIdentityLinker returns a linker that assigns deviceID to new identities.
func NewIdentityLinker(deviceID int, logger *slog.Logger) *IdentityLinker {
	if deviceID <= 0 {
		deviceID = 1
	}
	return &IdentityLinker{deviceID: deviceID, logger: logger.With("component", "IdentityLinker")}
}

// EnsureDevice implements registration.DeviceLinker.
func (l *IdentityLinker) EnsureDevice(ctx context.Context, current registration.DeviceIdentity) (registration.DeviceIdentity, error) {
	if !current.IsZero() {
		return current, nil
	}
	if err := ctx.Err(); err != nil {
		return registration.DeviceIdentity{}, err
	}

	buf := make([]byte, passwordBytes)
	if _, err := rand.Read(buf); err != nil {
		return registration.DeviceIdentity{}, fmt.Errorf("failed to generate device password: %w", err)
	}

	identity := registration.DeviceIdentity{
		UUID:     uuid.NewString(),
		DeviceID: l.deviceID,
		Password: base64.RawURLEncoding.EncodeToString(buf),
	}
	l.logger.Info("Linked new device identity", "uuid", identity.UUID, "device_id", identity.DeviceID)
	return identity, nil
}
