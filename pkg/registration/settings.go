package registration

import (
	"fmt"
	"strconv"
	"time"
)

// Delta is a set of field updates applied as a unit. Nil fields are left untouched.
type Delta struct {
	Enabled             *bool
	AirGapped           *bool
	Distributor         *string
	Endpoint            *string
	RelayURL            *string
	RelayReachable      *bool
	FetchStrategy       *FetchStrategy
	RegistrationStatus  *Status
	LastPrivilegedFetch *time.Time
	Device              *DeviceIdentity
}

// Ref returns a pointer to v, for building a Delta inline.
func Ref[T any](v T) *T {
	return &v
}

// IsEmpty reports whether the delta carries no update.
func (d Delta) IsEmpty() bool {
	return d.Enabled == nil && d.AirGapped == nil && d.Distributor == nil && d.Endpoint == nil &&
		d.RelayURL == nil && d.RelayReachable == nil && d.FetchStrategy == nil &&
		d.RegistrationStatus == nil && d.LastPrivilegedFetch == nil && d.Device == nil
}

// Apply returns s with the delta's fields replaced.
func (d Delta) Apply(s Settings) Settings {
	if d.Enabled != nil {
		s.Enabled = *d.Enabled
	}
	if d.AirGapped != nil {
		s.AirGapped = *d.AirGapped
	}
	if d.Distributor != nil {
		s.Distributor = *d.Distributor
	}
	if d.Endpoint != nil {
		s.Endpoint = *d.Endpoint
	}
	if d.RelayURL != nil {
		s.RelayURL = *d.RelayURL
	}
	if d.RelayReachable != nil {
		s.RelayReachable = *d.RelayReachable
	}
	if d.FetchStrategy != nil {
		s.FetchStrategy = *d.FetchStrategy
	}
	if d.RegistrationStatus != nil {
		s.RegistrationStatus = *d.RegistrationStatus
	}
	if d.LastPrivilegedFetch != nil {
		s.LastPrivilegedFetch = *d.LastPrivilegedFetch
	}
	if d.Device != nil {
		s.Device = *d.Device
	}
	return s
}

// Keys used by key/value backed stores.
const (
	KeyEnabled             = "enabled"
	KeyAirGapped           = "air_gapped"
	KeyDistributor         = "distributor"
	KeyEndpoint            = "endpoint"
	KeyRelayURL            = "relay_url"
	KeyRelayReachable      = "relay_reachable"
	KeyFetchStrategy       = "fetch_strategy"
	KeyRegistrationStatus  = "status"
	KeyLastPrivilegedFetch = "last_privileged_fetch"
	KeyDeviceUUID          = "device_uuid"
	KeyDeviceID            = "device_id"
	KeyDevicePassword      = "device_password"
)

// Values flattens the delta into string key/value pairs.
func (d Delta) Values() map[string]string {
	out := make(map[string]string)
	if d.Enabled != nil {
		out[KeyEnabled] = strconv.FormatBool(*d.Enabled)
	}
	if d.AirGapped != nil {
		out[KeyAirGapped] = strconv.FormatBool(*d.AirGapped)
	}
	if d.Distributor != nil {
		out[KeyDistributor] = *d.Distributor
	}
	if d.Endpoint != nil {
		out[KeyEndpoint] = *d.Endpoint
	}
	if d.RelayURL != nil {
		out[KeyRelayURL] = *d.RelayURL
	}
	if d.RelayReachable != nil {
		out[KeyRelayReachable] = strconv.FormatBool(*d.RelayReachable)
	}
	if d.FetchStrategy != nil {
		out[KeyFetchStrategy] = string(*d.FetchStrategy)
	}
	if d.RegistrationStatus != nil {
		out[KeyRegistrationStatus] = string(*d.RegistrationStatus)
	}
	if d.LastPrivilegedFetch != nil {
		out[KeyLastPrivilegedFetch] = d.LastPrivilegedFetch.UTC().Format(time.RFC3339Nano)
	}
	if d.Device != nil {
		out[KeyDeviceUUID] = d.Device.UUID
		out[KeyDeviceID] = strconv.Itoa(d.Device.DeviceID)
		out[KeyDevicePassword] = d.Device.Password
	}
	return out
}

// SettingsFromValues rebuilds Settings from key/value pairs. Missing keys keep
// their defaults; malformed values are reported.
func SettingsFromValues(values map[string]string) (Settings, error) {
	s := DefaultSettings()
	var err error

	parseBool := func(key string, dst *bool) {
		v, ok := values[key]
		if !ok || err != nil {
			return
		}
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			err = fmt.Errorf("setting %s: %w", key, perr)
			return
		}
		*dst = b
	}

	parseBool(KeyEnabled, &s.Enabled)
	parseBool(KeyAirGapped, &s.AirGapped)
	parseBool(KeyRelayReachable, &s.RelayReachable)
	if err != nil {
		return Settings{}, err
	}

	s.Distributor = values[KeyDistributor]
	s.Endpoint = values[KeyEndpoint]
	s.RelayURL = values[KeyRelayURL]

	if v, ok := values[KeyFetchStrategy]; ok && v != "" {
		fs, perr := ParseFetchStrategy(v)
		if perr != nil {
			return Settings{}, fmt.Errorf("setting %s: %w", KeyFetchStrategy, perr)
		}
		s.FetchStrategy = fs
	}
	if v, ok := values[KeyRegistrationStatus]; ok && v != "" {
		st, perr := ParseStatus(v)
		if perr != nil {
			return Settings{}, fmt.Errorf("setting %s: %w", KeyRegistrationStatus, perr)
		}
		s.RegistrationStatus = st
	}
	if v, ok := values[KeyLastPrivilegedFetch]; ok && v != "" {
		t, perr := time.Parse(time.RFC3339Nano, v)
		if perr != nil {
			return Settings{}, fmt.Errorf("setting %s: %w", KeyLastPrivilegedFetch, perr)
		}
		s.LastPrivilegedFetch = t
	}

	s.Device.UUID = values[KeyDeviceUUID]
	s.Device.Password = values[KeyDevicePassword]
	if v, ok := values[KeyDeviceID]; ok && v != "" {
		id, perr := strconv.Atoi(v)
		if perr != nil {
			return Settings{}, fmt.Errorf("setting %s: %w", KeyDeviceID, perr)
		}
		s.Device.DeviceID = id
	}
	return s, nil
}
