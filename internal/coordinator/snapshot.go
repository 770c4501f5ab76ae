package coordinator

import (
	"context"
	"fmt"

	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

const noDistributorLabel = "No distributor available"

// Snapshot builds the presentation view. It has no side effects.
func (c *Coordinator) Snapshot(ctx context.Context) (registration.Snapshot, error) {
	s, err := c.store.Read(ctx)
	if err != nil {
		return registration.Snapshot{}, fmt.Errorf("failed to read settings: %w", err)
	}

	anyAvailable := true
	available, err := c.distributors.Available(ctx)
	if err != nil {
		c.logger.Warn("Failed to list distributors", "err", err)
		available = nil
	} else {
		anyAvailable = len(available) > 0
	}

	selected := registration.NoneSelected
	for i, d := range available {
		if d.ID == s.Distributor {
			selected = i
			break
		}
	}

	status := effectiveStatus(s, anyAvailable, c.isPending())
	if !anyAvailable {
		available = []registration.Distributor{{ID: "", Label: noDistributorLabel}}
	}
	if available == nil {
		available = []registration.Distributor{}
	}

	return registration.Snapshot{
		Enabled:        s.Enabled,
		AirGapped:      s.AirGapped,
		DeviceID:       s.Device.DeviceID,
		Distributors:   available,
		Selected:       selected,
		Endpoint:       s.Endpoint,
		RelayURL:       s.RelayURL,
		RelayReachable: s.RelayReachable,
		FetchStrategy:  s.FetchStrategy,
		Status:         status,
	}, nil
}
