// Package config provides environment-driven configuration for driftmq.
//
// All settings are read from the environment with sensible defaults, so a
// bare `driftmq serve` starts a working broker. The bridge identity
// (broker ID and token) is seeded on first launch and persisted in the data
// directory so it survives restarts.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Environment variable names.
const (
	EnvMQTTPort             = "MQTT_PORT"
	EnvMQTTHost             = "MQTT_HOST"
	EnvHTTPPort             = "HTTP_PORT"
	EnvManagementPort       = "MANAGEMENT_PORT"
	EnvMessageMaxLength     = "MESSAGE_MAX_LENGTH"
	EnvPublishRateLimit     = "PUBLISH_RATE_LIMIT"
	EnvMessageExpireTime    = "MESSAGE_EXPIRE_TIME"
	EnvCacheCleanupInterval = "CACHE_CLEANUP_INTERVAL"
	EnvTimeseriesRetention  = "TIMESERIES_RETENTION_DAYS"
	EnvBridgeEnabled        = "BRIDGE_ENABLED"
	EnvBrokerID             = "BROKER_ID"
	EnvBridgeToken          = "BRIDGE_TOKEN"
	EnvBridgeReconnect      = "BRIDGE_RECONNECT_INTERVAL"
	EnvUserToken            = "USER_TOKEN"
	EnvDataDir              = "DATA_DIR"
	EnvLogLevel             = "LOG_LEVEL"
	EnvLogFormat            = "LOG_FORMAT"
)

// Config holds the full broker configuration.
type Config struct {
	MQTTPort int
	MQTTHost string

	HTTPPort       int
	ManagementPort int

	// MessageMaxLength is the maximum publish payload size in bytes.
	MessageMaxLength int
	// PublishRateLimit is the minimum interval between publishes per client.
	PublishRateLimit time.Duration
	// MessageExpireTime is how long spooled HTTP messages stay readable.
	MessageExpireTime time.Duration
	// CacheCleanupInterval is the cadence of the spool expiry sweep.
	CacheCleanupInterval time.Duration

	TimeseriesRetentionDays int

	BridgeEnabled           bool
	BrokerID                string
	BridgeToken             string
	BridgeReconnectInterval time.Duration

	// UserToken protects the management API. Empty means open.
	UserToken string

	DataDir string

	LogLevel  string
	LogFormat string
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		MQTTPort:                1883,
		MQTTHost:                "0.0.0.0",
		HTTPPort:                3000,
		ManagementPort:          3001,
		MessageMaxLength:        1024,
		PublishRateLimit:        1000 * time.Millisecond,
		MessageExpireTime:       120 * time.Second,
		CacheCleanupInterval:    10 * time.Second,
		TimeseriesRetentionDays: 30,
		BridgeEnabled:           false,
		BridgeReconnectInterval: 5 * time.Second,
		DataDir:                 defaultDataDir(),
	}
}

// FromEnv builds a Config from the environment, starting from defaults.
// Unset or malformed variables keep their default value.
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv(EnvMQTTPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTTPort = port
		}
	}
	if v := os.Getenv(EnvMQTTHost); v != "" {
		cfg.MQTTHost = v
	}
	if v := os.Getenv(EnvHTTPPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = port
		}
	}
	if v := os.Getenv(EnvManagementPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = port
		}
	}
	if v := os.Getenv(EnvMessageMaxLength); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MessageMaxLength = n
		}
	}
	if v := os.Getenv(EnvPublishRateLimit); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.PublishRateLimit = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv(EnvMessageExpireTime); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.MessageExpireTime = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv(EnvCacheCleanupInterval); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.CacheCleanupInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv(EnvTimeseriesRetention); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.TimeseriesRetentionDays = days
		}
	}
	if v := os.Getenv(EnvBridgeEnabled); v != "" {
		cfg.BridgeEnabled = v == "true" || v == "1" || v == "yes"
	}
	if v := os.Getenv(EnvBrokerID); v != "" {
		cfg.BrokerID = v
	}
	if v := os.Getenv(EnvBridgeToken); v != "" {
		cfg.BridgeToken = v
	}
	if v := os.Getenv(EnvBridgeReconnect); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.BridgeReconnectInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv(EnvUserToken); v != "" {
		cfg.UserToken = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// defaultDataDir returns the default data directory following XDG conventions.
func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "driftmq")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "driftmq-data")
	}
	return filepath.Join(home, ".local", "share", "driftmq")
}
