// Package config holds the Config struct enumerated in spec §6 and its
// loaders: BurntSushi/toml for a config file (grounded on
// zhu733756-influxdb-cluster's go.mod, which lists the same module), with
// environment variable overrides following
// johnjansen-torua/cmd/coordinator's getenv fallback convention.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is every tunable spec §6 names, grouped by the component that
// consumes it.
type Config struct {
	// Replication / routing (internal/router).
	ReplicationFactor      int  `toml:"replication_factor"`
	EnableReadFromReplicas bool `toml:"enable_read_from_replicas"`
	MaxRetryAttempts       int  `toml:"max_retry_attempts"`
	HealthCheckIntervalMS  int  `toml:"health_check_interval_ms"`

	// Retry/backoff (internal/router, internal/wal).
	BaseRetryDelayMS int `toml:"base_retry_delay_ms"`
	MaxRetryDelayMS  int `toml:"max_retry_delay_ms"`

	// WAL (internal/wal).
	MaxTransactionAgeMS int `toml:"max_transaction_age_ms"`

	// Cache (internal/cache).
	CacheObjectTTLSeconds      int  `toml:"cache_object_ttl_seconds"`
	CacheAssociationTTLSeconds int  `toml:"cache_association_ttl_seconds"`
	AssocWindowSize            int  `toml:"assoc_window_size"`
	EnableCaching              bool `toml:"enable_caching"`

	// Circuit breaker (internal/router).
	CircuitBreakerFailureThreshold  int `toml:"circuit_breaker_failure_threshold"`
	CircuitBreakerRecoveryTimeoutMS int `toml:"circuit_breaker_recovery_timeout_ms"`
	EnableCircuitBreaker            bool `toml:"enable_circuit_breaker"`
}

// Default returns the spec §6 defaults.
func Default() Config {
	return Config{
		ReplicationFactor:               2,
		EnableReadFromReplicas:          true,
		MaxRetryAttempts:                3,
		HealthCheckIntervalMS:           10_000,
		MaxTransactionAgeMS:             60_000,
		BaseRetryDelayMS:                100,
		MaxRetryDelayMS:                 5_000,
		CacheObjectTTLSeconds:           300,
		CacheAssociationTTLSeconds:      600,
		AssocWindowSize:                 1024,
		CircuitBreakerFailureThreshold:  5,
		CircuitBreakerRecoveryTimeoutMS: 60_000,
		EnableCaching:                   true,
		EnableCircuitBreaker:            true,
	}
}

// Load reads a TOML config file layered on top of Default, then applies
// environment overrides via LoadEnv. An empty path skips the file and
// only applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %q: %w", path, err)
		}
	}
	LoadEnv(&cfg)
	return cfg, nil
}

// LoadEnv overrides cfg's fields from TAO_-prefixed environment variables
// when present, the same "check env, fall back to existing value" shape
// as johnjansen-torua/cmd/coordinator's getenv.
func LoadEnv(cfg *Config) {
	setIntEnv("TAO_REPLICATION_FACTOR", &cfg.ReplicationFactor)
	setBoolEnv("TAO_ENABLE_READ_FROM_REPLICAS", &cfg.EnableReadFromReplicas)
	setIntEnv("TAO_MAX_RETRY_ATTEMPTS", &cfg.MaxRetryAttempts)
	setIntEnv("TAO_HEALTH_CHECK_INTERVAL_MS", &cfg.HealthCheckIntervalMS)
	setIntEnv("TAO_BASE_RETRY_DELAY_MS", &cfg.BaseRetryDelayMS)
	setIntEnv("TAO_MAX_RETRY_DELAY_MS", &cfg.MaxRetryDelayMS)
	setIntEnv("TAO_MAX_TRANSACTION_AGE_MS", &cfg.MaxTransactionAgeMS)
	setIntEnv("TAO_CACHE_OBJECT_TTL_SECONDS", &cfg.CacheObjectTTLSeconds)
	setIntEnv("TAO_CACHE_ASSOCIATION_TTL_SECONDS", &cfg.CacheAssociationTTLSeconds)
	setIntEnv("TAO_ASSOC_WINDOW_SIZE", &cfg.AssocWindowSize)
	setBoolEnv("TAO_ENABLE_CACHING", &cfg.EnableCaching)
	setIntEnv("TAO_CIRCUIT_BREAKER_FAILURE_THRESHOLD", &cfg.CircuitBreakerFailureThreshold)
	setIntEnv("TAO_CIRCUIT_BREAKER_RECOVERY_TIMEOUT_MS", &cfg.CircuitBreakerRecoveryTimeoutMS)
	setBoolEnv("TAO_ENABLE_CIRCUIT_BREAKER", &cfg.EnableCircuitBreaker)
}

// getenv retrieves an environment variable with a default fallback,
// following johnjansen-torua/cmd/coordinator's getenv convention.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func setIntEnv(key string, dst *int) {
	raw := getenv(key, "")
	if raw == "" {
		return
	}
	if n, err := strconv.Atoi(raw); err == nil {
		*dst = n
	}
}

func setBoolEnv(key string, dst *bool) {
	raw := getenv(key, "")
	if raw == "" {
		return
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		*dst = b
	}
}

// HealthCheckInterval and the helpers below convert the
// millisecond/second integer fields to time.Duration for components that
// want them pre-parsed.
func (c Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMS) * time.Millisecond
}

func (c Config) BaseRetryDelay() time.Duration {
	return time.Duration(c.BaseRetryDelayMS) * time.Millisecond
}

func (c Config) MaxRetryDelay() time.Duration {
	return time.Duration(c.MaxRetryDelayMS) * time.Millisecond
}

func (c Config) MaxTransactionAge() time.Duration {
	return time.Duration(c.MaxTransactionAgeMS) * time.Millisecond
}

func (c Config) CacheObjectTTL() time.Duration {
	return time.Duration(c.CacheObjectTTLSeconds) * time.Second
}

func (c Config) CacheAssociationTTL() time.Duration {
	return time.Duration(c.CacheAssociationTTLSeconds) * time.Second
}

func (c Config) CircuitBreakerRecoveryTimeout() time.Duration {
	return time.Duration(c.CircuitBreakerRecoveryTimeoutMS) * time.Millisecond
}
