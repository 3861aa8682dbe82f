package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"orderflow_billing/internal/app"
	"orderflow_billing/internal/config"
	"orderflow_billing/internal/handlers"
	"orderflow_billing/internal/logger"
	authMiddleware "orderflow_billing/internal/middleware"
	"orderflow_billing/internal/services"
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

	if err := services.AutoMigrate(a.DB, zapLog); err != nil {
		zapLog.Fatal("failed to run database migrations", zap.Error(err))
	}

	// Operator routes reject every request until Firebase is configured.
	var verifier authMiddleware.TokenVerifier
	authClient, err := services.InitFirebase(ctx, cfg.FirebaseCredentialsPath, zapLog)
	if err != nil {
		zapLog.Warn("firebase initialization failed, admin routes are disabled", zap.Error(err))
	} else if authClient != nil {
		verifier = authClient
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = authMiddleware.JSONErrorHandler(zapLog)
	e.Use(middleware.Recover())
	e.Use(logger.RequestLogger(zapLog))

	handlers.RegisterRoutes(e, handlers.Handlers{
		Orders:   handlers.NewOrderHandler(a.Ledger, a.Invoices, a.Checkout, zapLog),
		Payments: handlers.NewPaymentHandler(a.Reconciler, zapLog),
		Recovery: handlers.NewRecoveryHandler(a.Recovery, a.Gateways, cfg.AppURL),
		Admin:    handlers.NewAdminHandler(a.Ledger, a.Canceller, a.Refunds, a.Reconciler, a.Tax, zapLog),
	}, authMiddleware.RequireOperator(verifier))

	go func() {
		zapLog.Info("server starting", zap.String("port", cfg.Port))
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Fatal("server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("graceful shutdown failed", zap.Error(err))
	}
}
