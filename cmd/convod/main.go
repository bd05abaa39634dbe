package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/flitsinc/go-convo/internal/agent"
	"github.com/flitsinc/go-convo/internal/api"
	"github.com/flitsinc/go-convo/internal/config"
	"github.com/flitsinc/go-convo/internal/registry"
	"github.com/flitsinc/go-convo/internal/store"
	"github.com/flitsinc/go-convo/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	exportDir := filepath.Join(cfg.DataDir, "exports")
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		log.Fatalf("create export dir: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	factory := store.NewFactory(store.FactoryConfig{
		Backend:     cfg.Backend,
		SessionsDir: cfg.SessionsDir,
		DBPath:      cfg.DBPath,
	}, logger)
	st, err := factory.Get(context.Background())
	if err != nil {
		log.Fatalf("open conversation store: %v", err)
	}

	reg := registry.New(agent.EchoFactory, st, logger, registry.Options{})

	apiServer := &api.Server{
		Store:    st,
		Registry: reg,
		Logger:   logger,
		Exec: stream.Options{
			MaxSteps:          cfg.MaxSteps,
			HeartbeatInterval: time.Duration(cfg.HeartbeatSeconds) * time.Second,
			ToolOutputLimit:   cfg.ToolOutputLimit,
		},
		PageSize:  cfg.PageSize,
		ExportDir: exportDir,
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Handler:           loggingMiddleware(logger, apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		logger.Info("convod listening", "addr", listener.Addr().String(), "backend", cfg.Backend)
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	_ = httpServer.Close()
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).String())
	})
}
