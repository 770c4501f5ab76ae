package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-pushlink-service/internal/fetch"
	"github.com/tinywideclouds/go-pushlink-service/internal/platform/unifiedpush"
	"github.com/tinywideclouds/go-pushlink-service/internal/relay"
	"github.com/tinywideclouds/go-pushlink-service/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-pushlink-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-pushlink-service/internal/storage/memory"
	"github.com/tinywideclouds/go-pushlink-service/internal/storage/sqlite"
	"github.com/tinywideclouds/go-pushlink-service/internal/telemetry"
	"github.com/tinywideclouds/go-pushlink-service/internal/wakeup"
	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
	"github.com/tinywideclouds/go-pushlink-service/pushlinkservice"
	"github.com/tinywideclouds/go-pushlink-service/pushlinkservice/config"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-pushlink-service")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config mapping failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Metrics ---
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		exporter, err := otelprom.New()
		if err != nil {
			logger.Error("Prometheus exporter failed", "err", err)
			os.Exit(1)
		}
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		defer provider.Shutdown(context.Background())
		otel.SetMeterProvider(provider)

		metrics, err = telemetry.NewMetrics(provider)
		if err != nil {
			logger.Error("Metric instruments failed", "err", err)
			os.Exit(1)
		}
		metricsHandler = promhttp.Handler()
	}

	// --- Status Store (Decorated) ---
	store, closeStore, err := newStatusStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Status store failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		store = cache.NewCachedStatusStore(store, redisClient, cfg.Redis.TTL, cfg.Storage.DeviceKey, logger)
		logger.Info("StatusStore upgraded", "type", "redis_cached_"+cfg.Storage.Backend)
	}

	// --- Distributors ---
	distributors, err := newDistributorPlatform(cfg, logger)
	if err != nil {
		logger.Error("Distributor platform failed", "err", err)
		os.Exit(1)
	}

	// --- Wake locks ---
	var inhibitor wakeup.Inhibitor
	if systemBus, err := dbus.ConnectSystemBus(); err != nil {
		logger.Warn("System bus unavailable, wake locks will not inhibit sleep", "err", err)
	} else {
		defer systemBus.Close()
		inhibitor = wakeup.NewLogindInhibitor(systemBus, "pushlink")
	}
	locks := wakeup.NewLeaseLocker(nil, inhibitor, logger)

	// --- Fetch queue ---
	var publisher fetch.Publisher
	if cfg.Fetch.TopicID != "" {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			logger.Error("PubSub client failed", "err", err)
			os.Exit(1)
		}
		defer psClient.Close()
		if err := ensureTopic(ctx, psClient, cfg.ProjectID, cfg.Fetch.TopicID, logger); err != nil {
			logger.Error("Fetch topic unavailable", "err", err)
			os.Exit(1)
		}
		pubsubPublisher := fetch.NewPubsubPublisher(psClient, cfg.Fetch.TopicID)
		defer pubsubPublisher.Stop()
		publisher = pubsubPublisher
	}

	// --- Auth ---
	identityURL := os.Getenv("IDENTITY_SERVICE_URL")
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	if err != nil {
		logger.Error("JWT discovery failed", "err", err)
		os.Exit(1)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		logger.Error("Auth middleware failed", "err", err)
		os.Exit(1)
	}

	// --- Service ---
	service, err := pushlinkservice.New(cfg, pushlinkservice.Dependencies{
		Store:          store,
		Relay:          relay.NewClient(cfg.Relay.Timeout, cfg.Relay.Ping, logger),
		Distributors:   distributors,
		Linker:         relay.NewIdentityLinker(cfg.Relay.DeviceID, logger),
		Publisher:      publisher,
		Locks:          locks,
		Messages:       logEnvelope(logger),
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	}, authMiddleware, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = service.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting service...")
	if err := service.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

func newStatusStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (registration.StatusStore, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath, cfg.Storage.DeviceKey)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("StatusStore initialized", "type", "sqlite", "path", cfg.Storage.SQLitePath)
		return store, func() { _ = store.Close() }, nil
	case config.BackendFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client failed: %w", err)
		}
		logger.Info("StatusStore initialized", "type", "firestore")
		return fsStore.NewFirestoreStore(fsClient, cfg.Storage.DeviceKey), func() { _ = fsClient.Close() }, nil
	default:
		logger.Info("StatusStore initialized", "type", "memory")
		return memory.NewStatusStore(), func() {}, nil
	}
}

func newDistributorPlatform(cfg *config.Config, logger *slog.Logger) (registration.DistributorPlatform, error) {
	if cfg.Distributor.Mode != config.ModeDBus {
		return unifiedpush.NewStaticPlatform(cfg.Distributor.Static, logger), nil
	}

	sessionBus, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("session bus unavailable: %w", err)
	}
	reply, err := sessionBus.RequestName(cfg.Distributor.ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("bus name %s already taken", cfg.Distributor.ServiceName)
	}
	return unifiedpush.NewDBusPlatform(sessionBus, cfg.Distributor.ServiceName, cfg.Distributor.Token, "pushlink", logger), nil
}

func ensureTopic(ctx context.Context, client *pubsub.Client, projectID, topicID string, logger *slog.Logger) error {
	name := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: name})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Topic already exists, skipping creation", "topic", name)
			return nil
		}
		return fmt.Errorf("could not create topic %s: %w", name, err)
	}
	logger.Info("Fetch topic created", "topic", name)
	return nil
}

func logEnvelope(logger *slog.Logger) func(context.Context, []byte) error {
	return func(_ context.Context, message []byte) error {
		logger.Debug("Envelope received", "bytes", len(message))
		return nil
	}
}
