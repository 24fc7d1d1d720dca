package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want 0.0.0.0", cfg.Host)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.DefaultModel != "qwen3-coder-plus" {
		t.Errorf("DefaultModel = %q", cfg.DefaultModel)
	}
	if !cfg.StreamEnabled {
		t.Errorf("StreamEnabled should default to true")
	}
	if cfg.RateLimitBackend != "memory" {
		t.Errorf("RateLimitBackend = %q, want memory", cfg.RateLimitBackend)
	}
	if cfg.MaxRetryAccounts != 3 {
		t.Errorf("MaxRetryAccounts = %d, want 3", cfg.MaxRetryAccounts)
	}
}

func TestLoadReadsEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STREAM", "false")
	t.Setenv("DEFAULT_MODEL", "qwen3-coder-flash")

	cfg := Load()

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.StreamEnabled {
		t.Errorf("StreamEnabled should be false")
	}
	if cfg.DefaultModel != "qwen3-coder-flash" {
		t.Errorf("DefaultModel = %q", cfg.DefaultModel)
	}
}

func TestLoadSplitsBootstrapAPIKeys(t *testing.T) {
	t.Setenv("API_KEY", "sk-one,sk-two, sk-three")

	cfg := Load()

	if len(cfg.BootstrapAPIKeys) != 3 {
		t.Fatalf("BootstrapAPIKeys = %v, want 3 entries", cfg.BootstrapAPIKeys)
	}
}

func TestValidateRequiresEncryptionKey(t *testing.T) {
	cfg := Load()
	cfg.EncryptionKey = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a missing encryption key")
	}
}

func TestValidateRequiresRedisAddrForRedisBackend(t *testing.T) {
	cfg := Load()
	cfg.EncryptionKey = "k"
	cfg.RateLimitBackend = "redis"
	cfg.RedisAddr = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a redis backend with no address")
	}
}

func TestValidatePasses(t *testing.T) {
	cfg := Load()
	cfg.EncryptionKey = "k"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
