package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

// Storage backends.
const (
	BackendMemory    = "memory"
	BackendSQLite    = "sqlite"
	BackendFirestore = "firestore"
)

// Distributor modes.
const (
	ModeDBus   = "dbus"
	ModeStatic = "static"
)

type StorageConfig struct {
	Backend    string
	SQLitePath string
	DeviceKey  string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type RelayConfig struct {
	DefaultURL string
	Timeout    time.Duration
	DeviceID   int
	Ping       bool
}

type ConnectionConfig struct {
	URL         string
	ReadTimeout time.Duration
	AlwaysOn    bool
}

type FetchConfig struct {
	TopicID               string
	MinPrivilegedInterval time.Duration
	DirectTimeout         time.Duration
}

type DistributorConfig struct {
	Mode        string
	ServiceName string
	Token       string
	Static      []registration.Distributor
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID      string
	ListenAddr     string
	MetricsEnabled bool

	CorsConfig  middleware.CorsConfig
	Storage     StorageConfig
	Redis       RedisConfig
	Relay       RelayConfig
	Connection  ConnectionConfig
	Fetch       FetchConfig
	Distributor DistributorConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("METRICS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.MetricsEnabled = enabled
	}

	// Storage Overrides
	if val := os.Getenv("STORAGE_BACKEND"); val != "" {
		logger.Debug("Overriding config value", "key", "STORAGE_BACKEND", "source", "env")
		cfg.Storage.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("SQLITE_PATH"); val != "" {
		cfg.Storage.SQLitePath = val
	}
	if val := os.Getenv("DEVICE_KEY"); val != "" {
		cfg.Storage.DeviceKey = val
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// Relay, connection and fetch
	if val := os.Getenv("RELAY_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "RELAY_URL", "source", "env")
		cfg.Relay.DefaultURL = val
	}
	if val := os.Getenv("CONNECTION_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "CONNECTION_URL", "source", "env")
		cfg.Connection.URL = val
	}
	if val := os.Getenv("FETCH_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "FETCH_TOPIC_ID", "source", "env")
		cfg.Fetch.TopicID = val
	}
	if val := os.Getenv("DISTRIBUTOR_MODE"); val != "" {
		logger.Debug("Overriding config value", "key", "DISTRIBUTOR_MODE", "source", "env")
		cfg.Distributor.Mode = strings.ToLower(val)
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Final Validation
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	if cfg.Storage.DeviceKey == "" {
		cfg.Storage.DeviceKey = "default"
	}
	switch cfg.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if cfg.Storage.SQLitePath == "" {
			return nil, fmt.Errorf("storage.sqlite_path is required for the sqlite backend (set via YAML or SQLITE_PATH env var)")
		}
	case BackendFirestore:
		if cfg.ProjectID == "" {
			return nil, fmt.Errorf("project_id is required for the firestore backend (set via YAML or PROJECT_ID env var)")
		}
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	if cfg.Distributor.Mode == "" {
		cfg.Distributor.Mode = ModeStatic
	}
	switch cfg.Distributor.Mode {
	case ModeStatic:
	case ModeDBus:
		if cfg.Distributor.ServiceName == "" {
			return nil, fmt.Errorf("distributor.service_name is required for dbus mode")
		}
	default:
		return nil, fmt.Errorf("unknown distributor mode %q", cfg.Distributor.Mode)
	}

	if cfg.Fetch.TopicID != "" && cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required when fetch.topic_id is set")
	}
	if cfg.Connection.URL == "" {
		return nil, fmt.Errorf("connection.url is required (set via YAML or CONNECTION_URL env var)")
	}
	if cfg.Redis.Enabled && cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = time.Hour
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
