package coordinator

import (
	"strings"

	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

// effectiveStatus folds persisted settings, distributor availability and the
// in-flight marker into the single status shown to observers.
func effectiveStatus(s registration.Settings, anyAvailable, pending bool) registration.Status {
	switch {
	case !anyAvailable:
		return registration.StatusNoDistributor
	case !s.Enabled:
		return registration.StatusDisabled
	case s.Distributor == "":
		return registration.StatusNoDistributor
	case s.AirGapped:
		return registration.StatusAirGapped
	case pending:
		return registration.StatusPending
	case s.RegistrationStatus == "":
		return registration.StatusMissingEndpoint
	default:
		return s.RegistrationStatus
	}
}

// requiresForeground reports whether the long-lived connection has to stay
// up on its own. Push delivery replaces it only once the relay has accepted
// a live endpoint.
func requiresForeground(s registration.Settings, settled registration.Status) bool {
	pushReady := settled == registration.StatusOK && s.Endpoint != ""
	return !pushReady
}

// NormalizeRelayURL trims the input and guarantees a trailing slash. Blank
// input clears the URL.
func NormalizeRelayURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if !strings.HasSuffix(u, "/") {
		u += "/"
	}
	return u
}
