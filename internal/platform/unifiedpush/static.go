package unifiedpush

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

// StaticPlatform serves a fixed distributor list. Its distributors deliver
// endpoints and messages through the HTTP callback routes.
type StaticPlatform struct {
	distributors []registration.Distributor
	logger       *slog.Logger

	mu         sync.Mutex
	registered map[string]bool
}

// NewStaticPlatform creates a platform over distributors.
func NewStaticPlatform(distributors []registration.Distributor, logger *slog.Logger) *StaticPlatform {
	return &StaticPlatform{
		distributors: append([]registration.Distributor(nil), distributors...),
		logger:       logger.With("component", "StaticDistributors"),
		registered:   make(map[string]bool),
	}
}

func (p *StaticPlatform) Available(_ context.Context) ([]registration.Distributor, error) {
	return append([]registration.Distributor(nil), p.distributors...), nil
}

func (p *StaticPlatform) Register(_ context.Context, distributorID string) error {
	if !p.known(distributorID) {
		return fmt.Errorf("%w: %s", registration.ErrUnknownDistributor, distributorID)
	}
	p.mu.Lock()
	p.registered[distributorID] = true
	p.mu.Unlock()
	p.logger.Info("Awaiting endpoint from distributor", "distributor", distributorID)
	return nil
}

func (p *StaticPlatform) Unregister(_ context.Context, distributorID string) error {
	p.mu.Lock()
	delete(p.registered, distributorID)
	p.mu.Unlock()
	return nil
}

// Registered reports whether Register was called for distributorID since
// its last Unregister.
func (p *StaticPlatform) Registered(distributorID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registered[distributorID]
}

func (p *StaticPlatform) known(id string) bool {
	for _, d := range p.distributors {
		if d.ID == id {
			return true
		}
	}
	return false
}
