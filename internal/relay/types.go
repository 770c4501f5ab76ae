package relay

// registerRequest is the body POSTed to the relay to link an endpoint.
type registerRequest struct {
	UUID     string `json:"uuid"`
	DeviceID int    `json:"device_id"`
	Password string `json:"password"`
	Endpoint string `json:"endpoint"`
	Ping     bool   `json:"ping"`
}

// Relay response paths.
const (
	versionPath = "mollysocket.version"
	statusPath  = "mollysocket.status"
)

// Relay registration outcomes as reported in the response body.
const (
	relayStatusOK              = "ok"
	relayStatusForbidden       = "forbidden"
	relayStatusInvalidUUID     = "invalid_uuid"
	relayStatusInvalidEndpoint = "invalid_endpoint"
	relayStatusMissingEndpoint = "missing_endpoint"
	relayStatusInternalError   = "internal_error"
)
