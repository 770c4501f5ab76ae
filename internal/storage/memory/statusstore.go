// Package memory provides an in-process StatusStore.
package memory

import (
	"context"
	"sync"

	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

// StatusStore keeps Settings in memory. It is used in tests and when no
// durable backend is configured.
type StatusStore struct {
	mu       sync.RWMutex
	settings registration.Settings
}

// NewStatusStore returns a store seeded with the default settings.
func NewStatusStore() *StatusStore {
	return &StatusStore{settings: registration.DefaultSettings()}
}

// Read implements registration.StatusStore.
func (s *StatusStore) Read(_ context.Context) (registration.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

// Write implements registration.StatusStore.
func (s *StatusStore) Write(_ context.Context, delta registration.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = delta.Apply(s.settings)
	return nil
}
