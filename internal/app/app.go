// Package app assembles the stores, provider adapters and services shared by the binaries.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"orderflow_billing/internal/config"
	"orderflow_billing/internal/gateway"
	"orderflow_billing/internal/repository"
	"orderflow_billing/internal/services"
	"orderflow_billing/internal/tasks"
)

// App holds the wired services. Cache is nil when Redis is not configured.
type App struct {
	Config   *config.Config
	Log      *zap.Logger
	DB       *gorm.DB
	Store    repository.Store
	Cache    *services.RedisCache
	Gateways *gateway.Gateways

	Tax        *services.TaxService
	Sequencer  *services.Sequencer
	Ledger     *services.Ledger
	Invoices   *services.InvoiceService
	Checkout   *services.CheckoutService
	Dispatcher *services.Dispatcher
	Reconciler *services.Reconciler
	Refunds    *services.RefundOrchestrator
	Recovery   *services.RecoveryService
	Sweeper    *services.Sweeper
	Canceller  *services.Canceller
}

// New connects to Postgres (and Redis when configured) and wires every service.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	db, err := services.InitDB(cfg.DBURL, cfg.Env != "production", log)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a := &App{Config: cfg, Log: log, DB: db, Store: repository.NewGormStore(db)}

	var cache services.Cache
	if cfg.RedisURL != "" {
		a.Cache, err = services.NewRedisCache(cfg.RedisURL, log)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		cache = a.Cache
	} else {
		log.Warn("REDIS_URL not set, tax rates are read uncached and the worker runs without a lease")
	}

	a.Gateways = gateways(cfg, log)

	var effects []services.Effect
	a.Tax = services.NewTaxService(a.Store, cache, cfg.DefaultTaxRate, cfg.DefaultTaxCountry, log)
	a.Sequencer = services.NewSequencer(a.Store, cfg.InvoiceMaxAttempts, log)
	a.Ledger = services.NewLedger(a.Store, a.Sequencer, a.Tax, cfg.OrderTTL, log)
	a.Invoices = services.NewInvoiceService(a.Store, a.Sequencer, log)
	effects = append(effects, services.NewInvoiceEffect(a.Invoices), services.NewCreditsEffect(a.Store))

	if cfg.DocumentEmissionTopicARN != "" {
		publisher, err := services.NewSNSPublisher(ctx, cfg.DocumentEmissionTopicARN, log)
		if err != nil {
			return nil, fmt.Errorf("init document emission publisher: %w", err)
		}
		effects = append(effects, services.NewDocumentEmissionEffect(publisher))
	} else {
		log.Warn("DOCUMENT_EMISSION_TOPIC_ARN not set, signature and notarial documents will not be emitted")
	}

	var email, whatsapp services.Notifier
	if mailer := services.NewEmailService(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.EmailFrom); mailer.Configured() {
		email = mailer
	}
	if cfg.WahaAPIKey != "" {
		whatsapp = services.NewWahaService(cfg.WahaBaseURL, cfg.WahaAPIKey)
	}
	effects = append(effects, services.NewNotificationEffect(email, whatsapp))

	a.Dispatcher = services.NewDispatcher(a.Store, a.Ledger, log, effects...)
	a.Checkout = services.NewCheckoutService(a.Store, a.Gateways, cfg.AppURL, log)
	a.Reconciler = services.NewReconciler(a.Store, a.Gateways, services.NewMatcher(a.Store, log), a.Ledger, a.Dispatcher, log)
	a.Refunds = services.NewRefundOrchestrator(a.Store, a.Ledger, a.Gateways, log)
	a.Recovery = services.NewRecoveryService(a.Store, cfg.RecoveryTokenTTL, log)
	a.Sweeper = services.NewSweeper(a.Store, a.Ledger, a.Gateways, cfg.SweepBatchSize, log)
	a.Canceller = services.NewCanceller(a.Store, a.Ledger, a.Gateways, log)
	return a, nil
}

func gateways(cfg *config.Config, log *zap.Logger) *gateway.Gateways {
	var enabled []gateway.Gateway
	if cfg.StripeEnabled() {
		enabled = append(enabled, gateway.NewStripeGateway(gateway.NewStripeClient(cfg.StripeSecretKey), cfg.StripeWebhookKey))
	}
	if cfg.MidtransEnabled() {
		api := gateway.NewMidtransService(cfg.MidtransServerKey, cfg.MidtransIsProduction)
		enabled = append(enabled, gateway.NewMidtransGateway(api, cfg.MidtransServerKey))
	}
	if len(enabled) == 0 {
		log.Warn("no payment provider configured, checkout is disabled")
	}
	return gateway.NewGateways(enabled...)
}

// TaskRegistry returns a registry with every task definition bound to this app's services.
func (a *App) TaskRegistry() *tasks.Registry {
	registry := tasks.NewRegistry()
	tasks.DefineTasks(registry, tasks.Dependencies{
		Sweeper:    a.Sweeper,
		Reconciler: a.Reconciler,
		Log:        a.Log,
	})
	return registry
}

// Close releases the database pool and the Redis client.
func (a *App) Close() {
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.Log.Warn("failed to close redis", zap.Error(err))
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
