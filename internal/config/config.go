package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Host string
	Port int

	// Persistence
	DataDir string

	// Security
	EncryptionKey string
	// BootstrapAPIKeys are raw keys accepted at startup without going
	// through the api-key store (operator convenience; optional).
	BootstrapAPIKeys []string

	// Vendor
	DefaultModel   string
	StreamEnabled  bool
	OAuthClientID  string
	OAuthAuthHost  string // device-code + token endpoint host
	DefaultAPIBase string // fallback resource_url when an account has none

	// OAuth lifecycle
	RefreshTickInterval time.Duration
	TokenRefreshAdvance time.Duration

	// Request
	RequestTimeoutChat   time.Duration
	RequestTimeoutSearch time.Duration
	MaxRequestBodyMB     int
	MaxRetryAccounts     int

	// Rate limiting
	RateLimitBackend string // "memory" | "redis"
	RedisAddr        string

	// Upstream egress
	UpstreamProxyType string
	UpstreamProxyHost string
	UpstreamProxyPort int
	UpstreamProxyUser string
	UpstreamProxyPass string

	// Logging
	DebugLog     bool
	LogFileLimit int

	// Shutdown
	ShutdownGrace time.Duration
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8080),

		DataDir: envOr("DATA_DIR", defaultDataDir()),

		EncryptionKey:    os.Getenv("ENCRYPTION_KEY"),
		BootstrapAPIKeys: splitCSV(os.Getenv("API_KEY")),

		DefaultModel:   envOr("DEFAULT_MODEL", "qwen3-coder-plus"),
		StreamEnabled:  envBool("STREAM", true),
		OAuthClientID:  envOr("OAUTH_CLIENT_ID", "f0304373b74a44d2b584a3fb70ca9e56"),
		OAuthAuthHost:  envOr("OAUTH_AUTH_HOST", "https://chat.qwen.ai"),
		DefaultAPIBase: envOr("DEFAULT_API_BASE", "https://portal.qwen.ai/v1"),

		RefreshTickInterval: envDurationSeconds("REFRESH_TICK_INTERVAL", 5*time.Minute),
		TokenRefreshAdvance: envDurationSeconds("TOKEN_REFRESH_ADVANCE", 60*time.Second),

		RequestTimeoutChat:   envDurationSeconds("REQUEST_TIMEOUT_CHAT", 60*time.Second),
		RequestTimeoutSearch: envDurationSeconds("REQUEST_TIMEOUT_SEARCH", 30*time.Second),
		MaxRequestBodyMB:     envInt("REQUEST_MAX_SIZE_MB", 32),
		MaxRetryAccounts:     envInt("MAX_RETRY_ACCOUNTS", 3),

		RateLimitBackend: envOr("RATE_LIMIT_BACKEND", "memory"),
		RedisAddr:        envOr("REDIS_ADDR", ""),

		UpstreamProxyType: envOr("UPSTREAM_PROXY_TYPE", ""),
		UpstreamProxyHost: envOr("UPSTREAM_PROXY_HOST", ""),
		UpstreamProxyPort: envInt("UPSTREAM_PROXY_PORT", 0),
		UpstreamProxyUser: envOr("UPSTREAM_PROXY_USER", ""),
		UpstreamProxyPass: envOr("UPSTREAM_PROXY_PASS", ""),

		DebugLog:     envBool("DEBUG_LOG", false),
		LogFileLimit: envInt("LOG_FILE_LIMIT", 1000),

		ShutdownGrace: envDurationSeconds("SHUTDOWN_GRACE", 5*time.Second),
	}
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if c.RateLimitBackend == "redis" && c.RedisAddr == "" {
		return errMissing("REDIS_ADDR")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".qwen"
	}
	return home + "/.qwen"
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDurationSeconds parses the env value as whole seconds, the natural unit
// for operator-facing tick/timeout knobs.
func envDurationSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}
