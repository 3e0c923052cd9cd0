package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"credmint/internal/app"
	"credmint/internal/platform/config"
	"credmint/internal/platform/httpserver"
	"credmint/internal/platform/logger"
)

// main serves the issuance API. With WORKER_ENABLED it also runs a worker
// pool in-process, which is required when no Redis queue is configured.
func main() {
	cfg, err := config.FromEnv()
	log := logger.New(cfg.Server.LogLevel, cfg.Server.LogFormat)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewServer(ctx, cfg, log)
	if err != nil {
		log.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if !cfg.Server.WorkerEnabled && !a.UsesSharedQueue() {
		log.Warn("WORKER_ENABLED=false without REDIS_URL; batches will time out with no workers")
	}

	srv := httpserver.New(cfg.Server.Addr, a.Router())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, srv, 30*time.Second, log)
	})
	if cfg.Server.WorkerEnabled {
		g.Go(func() error {
			return a.RunWorkers(gctx)
		})
	}

	log.Info("credmint server started", "addr", cfg.Server.Addr, "worker_enabled", cfg.Server.WorkerEnabled)
	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("credmint server stopped")
}
