// Package pushlinkservice assembles the registration coordinator, wake-up
// dispatcher, connection manager and HTTP control surface into one service.
package pushlinkservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-pushlink-service/internal/api"
	"github.com/tinywideclouds/go-pushlink-service/internal/connection"
	"github.com/tinywideclouds/go-pushlink-service/internal/coordinator"
	"github.com/tinywideclouds/go-pushlink-service/internal/fetch"
	"github.com/tinywideclouds/go-pushlink-service/internal/notify"
	"github.com/tinywideclouds/go-pushlink-service/internal/runner"
	"github.com/tinywideclouds/go-pushlink-service/internal/telemetry"
	"github.com/tinywideclouds/go-pushlink-service/internal/wakeup"
	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
	"github.com/tinywideclouds/go-pushlink-service/pushlinkservice/config"
)

// Listener is implemented by distributor platforms that deliver callbacks
// themselves rather than through the HTTP routes.
type Listener interface {
	Listen(ctx context.Context, handler registration.EventHandler) error
}

// Dependencies are the infrastructure clients built by the binary.
type Dependencies struct {
	Store        registration.StatusStore
	Relay        registration.RelayClient
	Distributors registration.DistributorPlatform
	Linker       registration.DeviceLinker
	// Publisher is optional; without it every wake-up fetches directly.
	Publisher fetch.Publisher
	Locks     registration.WakeLocker
	// Messages receives what the long-lived connection reads.
	Messages       connection.Handler
	Clock          clock.Clock
	Metrics        *telemetry.Metrics
	MetricsHandler http.Handler
}

type Wrapper struct {
	*microservice.BaseServer
	runner      *runner.Runner
	connection  *connection.Manager
	coordinator *coordinator.Coordinator
	dispatcher  *wakeup.Dispatcher
	events      *notify.Broadcaster
	listener    Listener
	logger      *slog.Logger
}

// New assembles the service.
func New(
	cfg *config.Config,
	deps Dependencies,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	locks := deps.Locks
	if locks == nil {
		locks = wakeup.NewLeaseLocker(clk, nil, logger)
	}

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Runner, events and connection
	jobRunner := runner.New(logger, deps.Metrics)
	events := notify.New(logger, 0)
	conn := connection.NewManager(connection.Config{
		URL:         cfg.Connection.URL,
		ReadTimeout: cfg.Connection.ReadTimeout,
		AlwaysOn:    cfg.Connection.AlwaysOn,
	}, deps.Messages, clk, logger)

	// 3. Coordinator
	coord, err := coordinator.New(coordinator.Dependencies{
		Store:        deps.Store,
		Relay:        deps.Relay,
		Distributors: deps.Distributors,
		Linker:       deps.Linker,
		Connection:   conn,
		Notifier:     events,
		Runner:       jobRunner,
		Clock:        clk,
		Metrics:      deps.Metrics,
	}, coordinator.Options{DefaultRelayURL: cfg.Relay.DefaultURL}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	// 4. Wake-up dispatcher
	fetchService := fetch.NewService(deps.Publisher, conn, cfg.Storage.DeviceKey, cfg.Fetch.DirectTimeout, clk, logger)
	dispatcher := wakeup.NewDispatcher(wakeup.Dependencies{
		Store:      deps.Store,
		Connection: conn,
		Fetch:      fetchService,
		Locks:      locks,
		Clock:      clk,
		Metrics:    deps.Metrics,
	}, cfg.Fetch.MinPrivilegedInterval, logger)

	// 5. API
	controlAPI := api.NewControlAPI(coord, dispatcher, logger)
	eventsAPI := api.NewEventsAPI(events, logger)

	// Register Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	callback := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(handlerFunc))
	}
	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	// 1. Distributor callbacks
	callback("POST /api/v1/distributor/endpoint", controlAPI.NewEndpoint)
	callback("POST /api/v1/distributor/registration-failed", controlAPI.RegistrationFailed)
	callback("POST /api/v1/distributor/unregistered", controlAPI.Unregistered)
	callback("POST /api/v1/distributor/message", controlAPI.Message)

	// 2. Status and events
	handle("GET /api/v1/status", controlAPI.Status)
	handle("GET /api/v1/events", eventsAPI.Stream)

	// 3. Settings
	handle("PUT /api/v1/settings/enabled", controlAPI.SetEnabled)
	handle("PUT /api/v1/settings/air-gapped", controlAPI.SetAirGapped)
	handle("PUT /api/v1/settings/fetch-strategy", controlAPI.SetFetchStrategy)
	handle("PUT /api/v1/settings/relay-url", controlAPI.SetRelayURL)
	handle("PUT /api/v1/settings/distributor", controlAPI.SetDistributor)

	// 4. Global OPTIONS for the API namespace (CORS preflight)
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	if deps.MetricsHandler != nil {
		mux.Handle("GET /metrics", deps.MetricsHandler)
	}

	w := &Wrapper{
		BaseServer:  baseServer,
		runner:      jobRunner,
		connection:  conn,
		coordinator: coord,
		dispatcher:  dispatcher,
		events:      events,
		logger:      logger,
	}
	if l, ok := deps.Distributors.(Listener); ok {
		w.listener = l
	}
	return w, nil
}

// Coordinator exposes the registration coordinator.
func (w *Wrapper) Coordinator() *coordinator.Coordinator {
	return w.coordinator
}

// Events exposes the event broadcaster.
func (w *Wrapper) Events() *notify.Broadcaster {
	return w.events
}

// Connection exposes the connection manager.
func (w *Wrapper) Connection() *connection.Manager {
	return w.connection
}

// Start launches the background components, re-evaluates the persisted
// state and then serves HTTP until shutdown.
func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Registration components starting...")
	w.runner.Start(ctx)
	w.connection.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if w.listener != nil {
		g.Go(func() error {
			return w.listener.Listen(ctx, registration.Combine(w.coordinator, w.dispatcher))
		})
	}
	g.Go(func() error {
		return w.coordinator.Reevaluate(gctx)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to start registration components: %w", err)
	}

	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

// Shutdown stops the HTTP server, then the background workers.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}

	var g errgroup.Group
	g.Go(func() error {
		w.runner.Stop()
		w.coordinator.Close(context.WithoutCancel(ctx))
		return nil
	})
	g.Go(func() error {
		w.connection.Stop()
		return nil
	})
	g.Go(func() error {
		w.dispatcher.Close()
		w.dispatcher.Wait()
		return nil
	})
	_ = g.Wait()

	w.logger.Info("Service shutdown complete.")
	return finalErr
}
