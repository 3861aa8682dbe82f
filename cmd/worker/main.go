package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"orderflow_billing/internal/app"
	"orderflow_billing/internal/config"
	"orderflow_billing/internal/logger"
	"orderflow_billing/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	zapLog, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLog.Sync()

	if err := cfg.Validate(); err != nil {
		zapLog.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, zapLog)
	if err != nil {
		zapLog.Fatal("failed to initialize services", zap.Error(err))
	}
	defer a.Close()

	// Without Redis only one worker may run.
	var lease tasks.Lease
	if a.Cache != nil {
		lease = a.Cache
	}
	runner := tasks.NewRunner(a.Store, a.TaskRegistry(), lease, cfg.WorkerInterval, zapLog)

	zapLog.Info("worker started", zap.Duration("interval", cfg.WorkerInterval))
	runner.Loop(ctx, cfg.WorkerInterval)
	zapLog.Info("worker stopped")
}
