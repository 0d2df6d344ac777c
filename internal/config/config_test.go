package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	if cfg.ReplicationFactor != 2 {
		t.Errorf("ReplicationFactor = %d, want 2", cfg.ReplicationFactor)
	}
	if cfg.MaxRetryAttempts != 3 {
		t.Errorf("MaxRetryAttempts = %d, want 3", cfg.MaxRetryAttempts)
	}
	if cfg.AssocWindowSize != 1024 {
		t.Errorf("AssocWindowSize = %d, want 1024", cfg.AssocWindowSize)
	}
	if !cfg.EnableCaching || !cfg.EnableCircuitBreaker || !cfg.EnableReadFromReplicas {
		t.Error("expected all feature flags enabled by default")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tao.toml")
	contents := `
max_retry_attempts = 7
enable_caching = false
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxRetryAttempts != 7 {
		t.Errorf("MaxRetryAttempts = %d, want 7", cfg.MaxRetryAttempts)
	}
	if cfg.EnableCaching {
		t.Error("expected enable_caching overridden to false")
	}
	// Untouched fields keep their defaults.
	if cfg.ReplicationFactor != 2 {
		t.Errorf("ReplicationFactor = %d, want unchanged default 2", cfg.ReplicationFactor)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("TAO_MAX_RETRY_ATTEMPTS", "9")
	t.Setenv("TAO_ENABLE_CACHING", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxRetryAttempts != 9 {
		t.Errorf("MaxRetryAttempts = %d, want 9 from env", cfg.MaxRetryAttempts)
	}
	if cfg.EnableCaching {
		t.Error("expected TAO_ENABLE_CACHING=false to override default")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if cfg.HealthCheckInterval().Seconds() != 10 {
		t.Errorf("HealthCheckInterval = %v, want 10s", cfg.HealthCheckInterval())
	}
	if cfg.CacheObjectTTL().Seconds() != 300 {
		t.Errorf("CacheObjectTTL = %v, want 300s", cfg.CacheObjectTTL())
	}
}
