// Package httpserver wires the account pool, router, api-key validator and
// audit log into the northbound OpenAI-shaped HTTP surface.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qwen-relay/gateway/internal/account"
	"github.com/qwen-relay/gateway/internal/apikey"
	"github.com/qwen-relay/gateway/internal/audit"
	"github.com/qwen-relay/gateway/internal/config"
	"github.com/qwen-relay/gateway/internal/counters"
	"github.com/qwen-relay/gateway/internal/events"
	"github.com/qwen-relay/gateway/internal/router"
)

// Server is the gateway's northbound HTTP server.
type Server struct {
	cfg        *config.Config
	router     *router.Router
	validator  *apikey.Validator
	pool       *account.Pool
	oauth      *account.OAuthClient
	devices    *account.DeviceFlowRegistry
	counters   *counters.Counters
	audit      *audit.Log
	bus        *events.Bus
	httpServer *http.Server
	startTime  time.Time
}

func New(cfg *config.Config, rt *router.Router, validator *apikey.Validator, pool *account.Pool, oauth *account.OAuthClient, devices *account.DeviceFlowRegistry, ctr *counters.Counters, auditLog *audit.Log, bus *events.Bus) *Server {
	s := &Server{
		cfg:       cfg,
		router:    rt,
		validator: validator,
		pool:      pool,
		oauth:     oauth,
		devices:   devices,
		counters:  ctr,
		audit:     auditLog,
		bus:       bus,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeoutChat + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	auth := s.validator.Authenticate

	mux.Handle("POST /v1/chat/completions", auth(http.HandlerFunc(s.handleChatCompletions)))
	mux.Handle("GET /v1/models", auth(http.HandlerFunc(s.handleModels)))
	mux.Handle("POST /v1/web/search", auth(http.HandlerFunc(s.handleWebSearch)))
	mux.Handle("GET /health", auth(http.HandlerFunc(s.handleHealth)))

	// Not gated behind an existing key — this is the flow that issues one.
	mux.HandleFunc("POST /auth/initiate", s.handleAuthInitiate)
	mux.HandleFunc("POST /auth/poll", s.handleAuthPoll)
}

// Run starts the server and blocks until a shutdown signal arrives or the
// listener fails.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
