// Package registration contains the public domain model and collaborator
// interfaces for the push registration service.
package registration

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the health of the push channel registration. Exactly one is active.
type Status string

const (
	StatusDisabled            Status = "DISABLED"
	StatusNoDistributor       Status = "NO_DISTRIBUTOR"
	StatusPending             Status = "PENDING"
	StatusOK                  Status = "OK"
	StatusForbiddenUUID       Status = "FORBIDDEN_UUID"
	StatusInternalError       Status = "INTERNAL_ERROR"
	StatusServerNotFoundAtURL Status = "SERVER_NOT_FOUND_AT_URL"
	StatusMissingEndpoint     Status = "MISSING_ENDPOINT"
	StatusAirGapped           Status = "AIR_GAPPED"
)

var allStatuses = []Status{
	StatusDisabled,
	StatusNoDistributor,
	StatusPending,
	StatusOK,
	StatusForbiddenUUID,
	StatusInternalError,
	StatusServerNotFoundAtURL,
	StatusMissingEndpoint,
	StatusAirGapped,
}

// ParseStatus maps a persisted value back onto a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown registration status %q", s)
}

// Retryable reports whether a changed endpoint or re-evaluation should
// trigger a new registration attempt from this status.
func (s Status) Retryable() bool {
	switch s {
	case StatusOK, StatusInternalError, StatusMissingEndpoint, StatusServerNotFoundAtURL, StatusForbiddenUUID:
		return true
	}
	return false
}

// FetchStrategy selects how messages are retrieved when a wake-up arrives.
type FetchStrategy string

const (
	// FetchViaConnection keeps the long-lived connection open for a short window.
	FetchViaConnection FetchStrategy = "connection"
	// FetchOutOfBand enqueues a separate fetch job.
	FetchOutOfBand FetchStrategy = "out_of_band"
)

// ParseFetchStrategy accepts the canonical names plus the legacy aliases
// used by older clients ("websocket"/"polling" and "rest"/"request").
func ParseFetchStrategy(s string) (FetchStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(FetchViaConnection), "websocket", "polling":
		return FetchViaConnection, nil
	case string(FetchOutOfBand), "rest", "request":
		return FetchOutOfBand, nil
	}
	return "", fmt.Errorf("unknown fetch strategy %q", s)
}

// DeviceIdentity is the linked-device identity submitted to the relay.
type DeviceIdentity struct {
	UUID     string `json:"uuid" firestore:"uuid"`
	DeviceID int    `json:"device_id" firestore:"device_id"`
	Password string `json:"password" firestore:"password"`
}

// IsZero reports whether no identity has been linked yet.
func (d DeviceIdentity) IsZero() bool {
	return d.UUID == ""
}

// Settings is the persisted state read by the coordinator. RegistrationStatus
// holds the last relay outcome, not the effective status.
type Settings struct {
	Enabled             bool           `json:"enabled"`
	AirGapped           bool           `json:"air_gapped"`
	Distributor         string         `json:"distributor"`
	Endpoint            string         `json:"endpoint"`
	RelayURL            string         `json:"relay_url"`
	RelayReachable      bool           `json:"relay_reachable"`
	FetchStrategy       FetchStrategy  `json:"fetch_strategy"`
	RegistrationStatus  Status         `json:"status"`
	LastPrivilegedFetch time.Time      `json:"last_privileged_fetch"`
	Device              DeviceIdentity `json:"device"`
}

// PushActive reports whether the feature is on and bound to a distributor,
// which is when wake-ups are acted on.
func (s Settings) PushActive() bool {
	return s.Enabled && s.Distributor != ""
}

// DefaultSettings is what an empty store reads as.
func DefaultSettings() Settings {
	return Settings{FetchStrategy: FetchViaConnection}
}

// Distributor describes a push distributor available on the platform.
type Distributor struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// NoneSelected is the selected index when no listed distributor is bound.
const NoneSelected = -1

// Snapshot is the presentation view of the current state.
type Snapshot struct {
	Enabled        bool          `json:"enabled"`
	AirGapped      bool          `json:"air_gapped"`
	DeviceID       int           `json:"device_id"`
	Distributors   []Distributor `json:"distributors"`
	Selected       int           `json:"selected"`
	Endpoint       string        `json:"endpoint"`
	RelayURL       string        `json:"relay_url"`
	RelayReachable bool          `json:"relay_reachable"`
	FetchStrategy  FetchStrategy `json:"fetch_strategy"`
	Status         Status        `json:"status"`
}

// EventKind tells observers what changed.
type EventKind string

const (
	EventStatusChanged      EventKind = "status_changed"
	EventEndpointChanged    EventKind = "endpoint_changed"
	EventRegistrationFailed EventKind = "registration_failed"
)

// Event is emitted after every transition.
type Event struct {
	Kind     EventKind `json:"kind"`
	Status   Status    `json:"status"`
	Endpoint string    `json:"endpoint"`
	At       time.Time `json:"at"`
}

var (
	// ErrNoDistributor is returned when an operation needs a bound distributor.
	ErrNoDistributor = errors.New("no distributor available")
	// ErrUnknownDistributor is returned when selecting a distributor that is not installed.
	ErrUnknownDistributor = errors.New("unknown distributor")
)
