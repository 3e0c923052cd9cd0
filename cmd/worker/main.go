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

// main runs a standalone stamping worker against the shared Redis queue and
// serves /metrics and /healthz on CREDMINT_ADDR.
func main() {
	cfg, err := config.FromEnv()
	log := logger.New(cfg.Server.LogLevel, cfg.Server.LogFormat)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Redis.URL == "" {
		log.Error("REDIS_URL is required for a standalone worker")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewWorker(ctx, cfg, log)
	if err != nil {
		log.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	srv := httpserver.New(cfg.Server.Addr, a.Router())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, srv, 10*time.Second, log)
	})
	g.Go(func() error {
		return a.RunWorkers(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("credmint worker stopped")
}
