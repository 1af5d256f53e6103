package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Profile names recognized by Load. The constrained profile lowers
// connection counts and raises timeouts for small hosts.
const (
	ProfileDefault     = "default"
	ProfileConstrained = "constrained"
)

// Config holds the application configuration
type Config struct {
	Profile    string           `json:"profile"`
	Server     ServerConfig     `json:"server"`
	Redis      RedisConfig      `json:"redis"`
	Graph      GraphConfig      `json:"graph"`
	Resilience ResilienceConfig `json:"resilience"`
	Queue      QueueConfig      `json:"queue"`
	Logging    LoggingConfig    `json:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// GraphConfig contains Meta Graph API configuration
type GraphConfig struct {
	BaseURL     string        `json:"base_url"`
	APIVersion  string        `json:"api_version"`
	AppID       string        `json:"app_id"`
	AppSecret   string        `json:"app_secret"`
	AccessToken string        `json:"access_token"`
	VerifyToken string        `json:"verify_token"`
	CallTimeout time.Duration `json:"call_timeout"`
}

// ResilienceConfig contains circuit breaker, backoff, and connection
// manager settings
type ResilienceConfig struct {
	BreakerFailureThreshold int           `json:"breaker_failure_threshold"`
	BreakerRecoveryTimeout  time.Duration `json:"breaker_recovery_timeout"`
	BreakerCallTimeout      time.Duration `json:"breaker_call_timeout"`
	BreakerHalfOpenMaxCalls int           `json:"breaker_half_open_max_calls"`

	BackoffBase              time.Duration `json:"backoff_base"`
	BackoffMax               time.Duration `json:"backoff_max"`
	BackoffMaxJitter         time.Duration `json:"backoff_max_jitter"`
	BackoffReduceThreshold   float64       `json:"backoff_reduce_threshold"`
	BackoffCriticalThreshold float64       `json:"backoff_critical_threshold"`

	MaxConnections       int           `json:"max_connections"`
	ConnectionTimeout    time.Duration `json:"connection_timeout"`
	ProbeTimeout         time.Duration `json:"probe_timeout"`
	HealthCheckInterval  time.Duration `json:"health_check_interval"`
	ReconnectDelay       time.Duration `json:"reconnect_delay"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`
}

// QueueConfig contains outbound message queue configuration
type QueueConfig struct {
	Name            string        `json:"name"`
	Concurrency     int           `json:"concurrency"`
	PollInterval    time.Duration `json:"poll_interval"`
	MaxAttempts     int           `json:"max_attempts"`
	RetryDelay      time.Duration `json:"retry_delay"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Profile: getEnvString("DEPLOY_PROFILE", ProfileDefault),
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Graph: GraphConfig{
			BaseURL:     getEnvString("API_BASE_URL", "https://graph.facebook.com"),
			APIVersion:  getEnvString("GRAPH_API_VERSION", "v19.0"),
			AppID:       getEnvString("META_APP_ID", ""),
			AppSecret:   getEnvString("IG_APP_SECRET", ""),
			AccessToken: getEnvString("IG_ACCESS_TOKEN", ""),
			VerifyToken: getEnvString("IG_VERIFY_TOKEN", ""),
			CallTimeout: getEnvDuration("GRAPH_CALL_TIMEOUT", 15*time.Second),
		},
		Resilience: ResilienceConfig{
			BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			BreakerRecoveryTimeout:  getEnvDuration("BREAKER_RECOVERY_TIMEOUT", 60*time.Second),
			BreakerCallTimeout:      getEnvDuration("BREAKER_CALL_TIMEOUT", 10*time.Second),
			BreakerHalfOpenMaxCalls: getEnvInt("BREAKER_HALF_OPEN_MAX_CALLS", 1),

			BackoffBase:              getEnvDuration("BACKOFF_BASE", 60*time.Second),
			BackoffMax:               getEnvDuration("BACKOFF_MAX", 15*time.Minute),
			BackoffMaxJitter:         getEnvDuration("BACKOFF_MAX_JITTER", 5*time.Second),
			BackoffReduceThreshold:   getEnvFloat("BACKOFF_REDUCE_THRESHOLD", 75.0),
			BackoffCriticalThreshold: getEnvFloat("BACKOFF_CRITICAL_THRESHOLD", 90.0),

			MaxConnections:       getEnvInt("REDIS_MAX_CONNECTIONS", 5),
			ConnectionTimeout:    getEnvDuration("REDIS_CONNECTION_TIMEOUT", 10*time.Second),
			ProbeTimeout:         getEnvDuration("REDIS_PROBE_TIMEOUT", 2*time.Second),
			HealthCheckInterval:  getEnvDuration("REDIS_HEALTH_CHECK_INTERVAL", 30*time.Second),
			ReconnectDelay:       getEnvDuration("REDIS_RECONNECT_DELAY", 5*time.Second),
			MaxReconnectAttempts: getEnvInt("REDIS_MAX_RECONNECT_ATTEMPTS", 5),
		},
		Queue: QueueConfig{
			Name:            getEnvString("QUEUE_NAME", "outbound"),
			Concurrency:     getEnvInt("QUEUE_CONCURRENCY", 5),
			PollInterval:    getEnvDuration("QUEUE_POLL_INTERVAL", 1*time.Second),
			MaxAttempts:     getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
			RetryDelay:      getEnvDuration("QUEUE_RETRY_DELAY", 30*time.Second),
			ShutdownTimeout: getEnvDuration("QUEUE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
	}

	config.applyProfile()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// applyProfile rescales pool sizes and timeouts for the selected deployment
// profile. Explicit env overrides are applied before this, so the profile
// only touches values still at their defaults.
func (c *Config) applyProfile() {
	if c.Profile != ProfileConstrained {
		return
	}

	if os.Getenv("REDIS_POOL_SIZE") == "" {
		c.Redis.PoolSize = 3
	}
	if os.Getenv("REDIS_MAX_CONNECTIONS") == "" {
		c.Resilience.MaxConnections = 3
	}
	if os.Getenv("REDIS_CONNECTION_TIMEOUT") == "" {
		c.Resilience.ConnectionTimeout = 20 * time.Second
	}
	if os.Getenv("BREAKER_CALL_TIMEOUT") == "" {
		c.Resilience.BreakerCallTimeout = 15 * time.Second
	}
	if os.Getenv("QUEUE_CONCURRENCY") == "" {
		c.Queue.Concurrency = 2
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Profile != ProfileDefault && c.Profile != ProfileConstrained {
		return fmt.Errorf("unknown deploy profile: %s", c.Profile)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Resilience.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}
	if c.Resilience.BreakerHalfOpenMaxCalls <= 0 {
		return fmt.Errorf("breaker half-open max calls must be positive")
	}
	if c.Resilience.BackoffBase <= 0 || c.Resilience.BackoffMax < c.Resilience.BackoffBase {
		return fmt.Errorf("backoff durations must satisfy 0 < base <= max")
	}
	if c.Resilience.BackoffReduceThreshold <= 0 ||
		c.Resilience.BackoffCriticalThreshold < c.Resilience.BackoffReduceThreshold {
		return fmt.Errorf("backoff thresholds must satisfy 0 < reduce <= critical")
	}
	if c.Resilience.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max attempts must be positive")
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
