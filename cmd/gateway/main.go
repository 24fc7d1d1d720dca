package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/qwen-relay/gateway/internal/account"
	"github.com/qwen-relay/gateway/internal/apikey"
	"github.com/qwen-relay/gateway/internal/audit"
	"github.com/qwen-relay/gateway/internal/config"
	"github.com/qwen-relay/gateway/internal/counters"
	"github.com/qwen-relay/gateway/internal/events"
	"github.com/qwen-relay/gateway/internal/httpserver"
	"github.com/qwen-relay/gateway/internal/router"
	"github.com/qwen-relay/gateway/internal/store"
	"github.com/qwen-relay/gateway/internal/transport"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.DebugLog {
		level = slog.LevelDebug
	}
	logHandler := events.NewLogHandler(level, cfg.LogFileLimit)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("gateway starting", "version", version)

	dir, err := store.NewDir(cfg.DataDir)
	if err != nil {
		slog.Error("data directory init failed", "error", err)
		os.Exit(1)
	}
	slog.Info("data directory ready", "path", cfg.DataDir)

	crypto := account.NewCrypto(cfg.EncryptionKey)
	if _, err := crypto.DeriveKey("qwen-relay-accounts"); err != nil {
		slog.Error("key derivation failed", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus(cfg.LogFileLimit)
	pool := account.NewPool(dir, crypto, bus)
	if err := pool.LoadAll(context.Background()); err != nil {
		slog.Error("account pool load failed", "error", err)
		os.Exit(1)
	}
	slog.Info("account pool ready", "accounts", len(pool.List()))

	oauth := account.NewOAuthClient(cfg.OAuthClientID, cfg.OAuthAuthHost, nil)
	devices := account.NewDeviceFlowRegistry()
	devicesCtx, cancelDevices := context.WithCancel(context.Background())
	defer cancelDevices()
	go devices.RunCleanup(devicesCtx)

	scheduler := account.NewRefreshScheduler(pool, oauth.Refresh, cfg.RefreshTickInterval)
	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	defer cancelScheduler()
	go scheduler.Run(schedulerCtx)

	ctr := counters.New(dir)
	if err := ctr.Load(); err != nil {
		slog.Error("counters load failed", "error", err)
		os.Exit(1)
	}
	countersDone := make(chan struct{})
	go ctr.Run(countersDone)
	defer close(countersDone)

	tm := transport.NewManager(cfg.RequestTimeoutChat)
	transportCtx, cancelTransport := context.WithCancel(context.Background())
	defer cancelTransport()
	go tm.RunCleanup(transportCtx)
	defer tm.Close()

	rt := router.New(pool, oauth.Refresh, cfg, tm, ctr, bus)

	keyStore := apikey.NewStore(dir)
	if err := keyStore.Load(); err != nil {
		slog.Error("api key store load failed", "error", err)
		os.Exit(1)
	}

	var limiter apikey.RateLimiter
	switch cfg.RateLimitBackend {
	case "redis":
		limiter = apikey.NewRedisLimiter(cfg.RedisAddr)
	default:
		limiter = apikey.NewMemoryLimiter()
	}
	validator := apikey.NewValidator(keyStore, limiter, cfg.BootstrapAPIKeys)

	auditLog, err := audit.Open(dir.Path("audit.db"))
	if err != nil {
		slog.Error("audit log init failed", "error", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	srv := httpserver.New(cfg, rt, validator, pool, oauth, devices, ctr, auditLog, bus)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
