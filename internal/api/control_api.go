package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

const maxMessageBytes = 64 << 10

// Controller is the registration surface the API drives.
type Controller interface {
	registration.EndpointHandler
	SetEnabled(ctx context.Context, enabled bool) error
	SetAirGapped(ctx context.Context, airGapped bool) error
	SetFetchStrategy(ctx context.Context, strategy registration.FetchStrategy) error
	SetRelayURL(ctx context.Context, relayURL string) error
	SetDistributor(ctx context.Context, distributorID string) error
	Snapshot(ctx context.Context) (registration.Snapshot, error)
}

// ControlAPI serves distributor callbacks and the settings routes.
type ControlAPI struct {
	Controller Controller
	Messages   registration.MessageHandler
	Logger     *slog.Logger
}

// NewControlAPI creates the handlers.
func NewControlAPI(controller Controller, messages registration.MessageHandler, logger *slog.Logger) *ControlAPI {
	return &ControlAPI{
		Controller: controller,
		Messages:   messages,
		Logger:     logger.With("component", "ControlAPI"),
	}
}

// --- Distributor callbacks ---

// EndpointRequest carries a new endpoint from the distributor.
type EndpointRequest struct {
	Endpoint string `json:"endpoint"`
}

// NewEndpoint accepts a new endpoint from the distributor.
func (api *ControlAPI) NewEndpoint(w http.ResponseWriter, r *http.Request) {
	var req EndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := api.Controller.OnNewEndpoint(r.Context(), req.Endpoint); err != nil {
		api.Logger.Error("failed to handle new endpoint", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to handle endpoint")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// RegistrationFailed reports a distributor-side registration failure.
func (api *ControlAPI) RegistrationFailed(w http.ResponseWriter, r *http.Request) {
	if err := api.Controller.OnRegistrationFailed(r.Context()); err != nil {
		api.Logger.Error("failed to handle registration failure", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to handle registration failure")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unregistered reports that the distributor released the app.
func (api *ControlAPI) Unregistered(w http.ResponseWriter, r *http.Request) {
	if err := api.Controller.OnUnregistered(r.Context()); err != nil {
		api.Logger.Error("failed to handle unregistration", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to handle unregistration")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Message delivers a push wake-up. The body is passed on unread.
func (api *ControlAPI) Message(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes+1))
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(payload) > maxMessageBytes {
		response.WriteJSONError(w, http.StatusRequestEntityTooLarge, "message too large")
		return
	}
	if err := api.Messages.OnMessage(r.Context(), payload); err != nil {
		api.Logger.Error("failed to handle wake-up", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to handle message")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- Status ---

// Status returns the current snapshot as JSON.
func (api *ControlAPI) Status(w http.ResponseWriter, r *http.Request) {
	snap, err := api.Controller.Snapshot(r.Context())
	if err != nil {
		api.Logger.Error("failed to build status snapshot", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		api.Logger.Warn("failed to write status", "err", err)
	}
}

// --- Settings ---

// EnabledRequest toggles push registration.
type EnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetEnabled turns push registration on or off.
func (api *ControlAPI) SetEnabled(w http.ResponseWriter, r *http.Request) {
	var req EnabledRequest
	if !api.decodeSetting(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		response.WriteJSONError(w, http.StatusBadRequest, "missing enabled")
		return
	}
	api.respond(w, r, "enabled", api.Controller.SetEnabled(r.Context(), *req.Enabled))
}

// AirGappedRequest toggles air-gapped mode.
type AirGappedRequest struct {
	AirGapped *bool `json:"air_gapped"`
}

// SetAirGapped switches air-gapped mode.
func (api *ControlAPI) SetAirGapped(w http.ResponseWriter, r *http.Request) {
	var req AirGappedRequest
	if !api.decodeSetting(w, r, &req) {
		return
	}
	if req.AirGapped == nil {
		response.WriteJSONError(w, http.StatusBadRequest, "missing air_gapped")
		return
	}
	api.respond(w, r, "air_gapped", api.Controller.SetAirGapped(r.Context(), *req.AirGapped))
}

// FetchStrategyRequest names a fetch strategy.
type FetchStrategyRequest struct {
	FetchStrategy string `json:"fetch_strategy"`
}

// SetFetchStrategy changes how messages are fetched after a wake-up.
func (api *ControlAPI) SetFetchStrategy(w http.ResponseWriter, r *http.Request) {
	var req FetchStrategyRequest
	if !api.decodeSetting(w, r, &req) {
		return
	}
	strategy, err := registration.ParseFetchStrategy(req.FetchStrategy)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	api.respond(w, r, "fetch_strategy", api.Controller.SetFetchStrategy(r.Context(), strategy))
}

// RelayURLRequest sets the relay URL. Empty clears it.
type RelayURLRequest struct {
	RelayURL string `json:"relay_url"`
}

// SetRelayURL changes the relay the endpoint is registered with.
func (api *ControlAPI) SetRelayURL(w http.ResponseWriter, r *http.Request) {
	var req RelayURLRequest
	if !api.decodeSetting(w, r, &req) {
		return
	}
	api.respond(w, r, "relay_url", api.Controller.SetRelayURL(r.Context(), req.RelayURL))
}

// DistributorRequest selects a distributor by ID.
type DistributorRequest struct {
	Distributor string `json:"distributor"`
}

// SetDistributor selects the distributor. Unknown IDs get 404.
func (api *ControlAPI) SetDistributor(w http.ResponseWriter, r *http.Request) {
	var req DistributorRequest
	if !api.decodeSetting(w, r, &req) {
		return
	}
	if req.Distributor == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing distributor")
		return
	}
	err := api.Controller.SetDistributor(r.Context(), req.Distributor)
	if errors.Is(err, registration.ErrUnknownDistributor) || errors.Is(err, registration.ErrNoDistributor) {
		response.WriteJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	api.respond(w, r, "distributor", err)
}

// decodeSetting checks the caller identity and decodes the body into req.
func (api *ControlAPI) decodeSetting(w http.ResponseWriter, r *http.Request, req any) bool {
	if _, ok := middleware.GetUserHandleFromContext(r.Context()); !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (api *ControlAPI) respond(w http.ResponseWriter, r *http.Request, setting string, err error) {
	if err != nil {
		api.Logger.Error("failed to update setting", "setting", setting, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to update "+setting)
		return
	}
	user, _ := middleware.GetUserHandleFromContext(r.Context())
	api.Logger.Info("Setting updated", "setting", setting, "user", user)
	w.WriteHeader(http.StatusNoContent)
}
