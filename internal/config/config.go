package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the network server configuration
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Database     DatabaseConfig     `yaml:"database"`
	NATS         NATSConfig         `yaml:"nats"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	API          APIConfig          `yaml:"api"`
	JWT          JWTConfig          `yaml:"jwt"`
	Network      NetworkConfig      `yaml:"network"`
	Cache        CacheConfig        `yaml:"cache"`
	FrameCounter FrameCounterConfig `yaml:"frame_counter"`
	ADR          ADRConfig          `yaml:"adr"`
	Processor    ProcessorConfig    `yaml:"processor"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // postgres | memory
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig configures the optional MQTT telemetry sink
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// APIConfig represents the admin API configuration
type APIConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Listen            string `yaml:"listen"`
	AdminUser         string `yaml:"admin_user"`
	AdminPasswordHash string `yaml:"admin_password_hash"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// NetworkConfig represents network server configuration
type NetworkConfig struct {
	// GatewayID identifies this frame server towards the backing store.
	GatewayID           string        `yaml:"gateway_id"`
	NetID               string        `yaml:"net_id"`
	Band                string        `yaml:"band"`
	DeduplicationWindow time.Duration `yaml:"deduplication_window"`
	// DefaultDeduplication applies when a twin does not set a mode.
	DefaultDeduplication string `yaml:"default_deduplication"`
}

// CacheConfig controls device cache freshness
type CacheConfig struct {
	ValidationInterval    time.Duration `yaml:"validation_interval"`
	RefreshInterval       time.Duration `yaml:"refresh_interval"`
	MaxUnobservedLifetime time.Duration `yaml:"max_unobserved_lifetime"`
	InitConcurrency       int           `yaml:"init_concurrency"`
}

// FrameCounterConfig controls counter validation and persistence
type FrameCounterConfig struct {
	MaxGap     uint32 `yaml:"max_gap"`
	FlushDelta uint32 `yaml:"flush_delta"`
}

// ADRConfig controls the adaptive data rate engine
type ADRConfig struct {
	Enabled     bool    `yaml:"enabled"`
	HistorySize int     `yaml:"history_size"`
	MarginDB    float64 `yaml:"margin_db"`
	StepDB      float64 `yaml:"step_db"`
	MaxNbRep    uint8   `yaml:"max_nb_rep"`
}

// ProcessorConfig selects the per-device scheduling strategy
type ProcessorConfig struct {
	Scheduler string `yaml:"scheduler"` // fifo | lifo
}

// Default returns a configuration populated with defaults only
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, then applies env overrides and defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if gatewayID := os.Getenv("GATEWAY_ID"); gatewayID != "" {
		c.Network.GatewayID = gatewayID
	}
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "lorawan"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "network-server"
	}

	if c.API.Listen == "" {
		c.API.Listen = ":8090"
	}
	if c.API.AdminUser == "" {
		c.API.AdminUser = "admin"
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = time.Hour
	}

	if c.Network.Band == "" {
		c.Network.Band = "CN470"
	}
	if c.Network.NetID == "" {
		c.Network.NetID = "000000"
	}
	if c.Network.DeduplicationWindow == 0 {
		c.Network.DeduplicationWindow = time.Minute
	}
	if c.Network.DefaultDeduplication == "" {
		c.Network.DefaultDeduplication = "drop"
	}

	if c.Cache.ValidationInterval == 0 {
		c.Cache.ValidationInterval = 10 * time.Minute
	}
	if c.Cache.RefreshInterval == 0 {
		c.Cache.RefreshInterval = 48 * time.Hour
	}
	if c.Cache.MaxUnobservedLifetime == 0 {
		c.Cache.MaxUnobservedLifetime = 60 * 24 * time.Hour
	}
	if c.Cache.InitConcurrency == 0 {
		c.Cache.InitConcurrency = 8
	}

	if c.FrameCounter.MaxGap == 0 {
		c.FrameCounter.MaxGap = 16384
	}
	if c.FrameCounter.FlushDelta == 0 {
		c.FrameCounter.FlushDelta = 10
	}

	if c.ADR.HistorySize == 0 {
		c.ADR.HistorySize = 20
	}
	if c.ADR.MarginDB == 0 {
		c.ADR.MarginDB = 5
	}
	if c.ADR.StepDB == 0 {
		c.ADR.StepDB = 3
	}
	if c.ADR.MaxNbRep == 0 {
		c.ADR.MaxNbRep = 3
	}

	if c.Processor.Scheduler == "" {
		c.Processor.Scheduler = "fifo"
	}
}

// Validate checks values that have no sensible fallback
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Network.GatewayID == "" {
		return fmt.Errorf("network.gateway_id is required")
	}

	switch strings.ToLower(c.Network.DefaultDeduplication) {
	case "drop", "mark", "none":
	default:
		return fmt.Errorf("unknown deduplication mode %q", c.Network.DefaultDeduplication)
	}

	switch strings.ToLower(c.Processor.Scheduler) {
	case "fifo", "lifo":
	default:
		return fmt.Errorf("unknown scheduler %q", c.Processor.Scheduler)
	}

	if c.Cache.RefreshInterval > c.Cache.MaxUnobservedLifetime {
		return fmt.Errorf("cache.refresh_interval must not exceed cache.max_unobserved_lifetime")
	}

	if c.API.Enabled && c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required when the admin API is enabled")
	}

	if c.ADR.StepDB <= 0 {
		return fmt.Errorf("adr.step_db must be positive")
	}

	return nil
}

// PrintConfigSummary logs the effective configuration
func (c *Config) PrintConfigSummary() {
	log.Info().
		Str("gateway_id", c.Network.GatewayID).
		Str("band", c.Network.Band).
		Str("database", c.Database.Driver).
		Str("nats", c.NATS.URL).
		Bool("mqtt", c.MQTT.Enabled).
		Bool("api", c.API.Enabled).
		Dur("dedup_window", c.Network.DeduplicationWindow).
		Dur("cache_validation", c.Cache.ValidationInterval).
		Dur("cache_refresh", c.Cache.RefreshInterval).
		Uint32("fcnt_max_gap", c.FrameCounter.MaxGap).
		Uint32("fcnt_flush_delta", c.FrameCounter.FlushDelta).
		Int("adr_history", c.ADR.HistorySize).
		Str("scheduler", c.Processor.Scheduler).
		Msg("configuration summary")
}
