package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlStorageConfig struct {
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
	DeviceKey  string `yaml:"device_key"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TTL      string `yaml:"ttl"`
}

type YamlRelayConfig struct {
	DefaultURL string `yaml:"default_url"`
	Timeout    string `yaml:"timeout"`
	DeviceID   int    `yaml:"device_id"`
	Ping       bool   `yaml:"ping"`
}

type YamlConnectionConfig struct {
	URL         string `yaml:"url"`
	ReadTimeout string `yaml:"read_timeout"`
	AlwaysOn    bool   `yaml:"always_on"`
}

type YamlFetchConfig struct {
	TopicID               string `yaml:"topic_id"`
	MinPrivilegedInterval string `yaml:"min_privileged_interval"`
	DirectTimeout         string `yaml:"direct_timeout"`
}

type YamlDistributor struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
}

type YamlDistributorConfig struct {
	Mode        string            `yaml:"mode"`
	ServiceName string            `yaml:"service_name"`
	Token       string            `yaml:"token"`
	Static      []YamlDistributor `yaml:"static"`
}

type YamlMetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID         string                `yaml:"project_id"`
	ListenAddr        string                `yaml:"listen_addr"`
	CorsConfig        YamlCorsConfig        `yaml:"cors"`
	StorageConfig     YamlStorageConfig     `yaml:"storage"`
	RedisConfig       YamlRedisConfig       `yaml:"redis"`
	RelayConfig       YamlRelayConfig       `yaml:"relay"`
	ConnectionConfig  YamlConnectionConfig  `yaml:"connection"`
	FetchConfig       YamlFetchConfig       `yaml:"fetch"`
	DistributorConfig YamlDistributorConfig `yaml:"distributor"`
	MetricsConfig     YamlMetricsConfig     `yaml:"metrics"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	durations := map[string]string{
		"redis.ttl":                     baseCfg.RedisConfig.TTL,
		"relay.timeout":                 baseCfg.RelayConfig.Timeout,
		"connection.read_timeout":       baseCfg.ConnectionConfig.ReadTimeout,
		"fetch.min_privileged_interval": baseCfg.FetchConfig.MinPrivilegedInterval,
		"fetch.direct_timeout":          baseCfg.FetchConfig.DirectTimeout,
	}
	parsed := make(map[string]time.Duration, len(durations))
	for key, raw := range durations {
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		parsed[key] = d
	}

	var static []registration.Distributor
	for _, d := range baseCfg.DistributorConfig.Static {
		label := d.Label
		if label == "" {
			label = d.ID
		}
		static = append(static, registration.Distributor{ID: d.ID, Label: label})
	}

	cfg := &Config{
		ProjectID:      baseCfg.ProjectID,
		ListenAddr:     baseCfg.ListenAddr,
		MetricsEnabled: baseCfg.MetricsConfig.Enabled,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Storage: StorageConfig{
			Backend:    baseCfg.StorageConfig.Backend,
			SQLitePath: baseCfg.StorageConfig.SQLitePath,
			DeviceKey:  baseCfg.StorageConfig.DeviceKey,
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
			TTL:      parsed["redis.ttl"],
		},
		Relay: RelayConfig{
			DefaultURL: baseCfg.RelayConfig.DefaultURL,
			Timeout:    parsed["relay.timeout"],
			DeviceID:   baseCfg.RelayConfig.DeviceID,
			Ping:       baseCfg.RelayConfig.Ping,
		},
		Connection: ConnectionConfig{
			URL:         baseCfg.ConnectionConfig.URL,
			ReadTimeout: parsed["connection.read_timeout"],
			AlwaysOn:    baseCfg.ConnectionConfig.AlwaysOn,
		},
		Fetch: FetchConfig{
			TopicID:               baseCfg.FetchConfig.TopicID,
			MinPrivilegedInterval: parsed["fetch.min_privileged_interval"],
			DirectTimeout:         parsed["fetch.direct_timeout"],
		},
		Distributor: DistributorConfig{
			Mode:        baseCfg.DistributorConfig.Mode,
			ServiceName: baseCfg.DistributorConfig.ServiceName,
			Token:       baseCfg.DistributorConfig.Token,
			Static:      static,
		},
	}

	logger.Debug("YAML config mapping complete",
		"listen_addr", cfg.ListenAddr,
		"storage_backend", cfg.Storage.Backend,
		"distributor_mode", cfg.Distributor.Mode,
	)

	return cfg, nil
}
