package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"orderflow_billing/internal/gateway"
	"orderflow_billing/internal/repository"
)

// ExpirationReport summarizes one expiration sweep
type ExpirationReport struct {
	Scanned   int `json:"scanned"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
}

// Sweeper cancels pending_payment orders whose payment window has closed. Runs concurrently
// with itself and with the reconciler; the ledger's row lock decides every race.
type Sweeper struct {
	store     repository.Store
	ledger    *Ledger
	closer    paymentCloser
	batchSize int
	log       *zap.Logger
	now       func() time.Time
}

func NewSweeper(store repository.Store, ledger *Ledger, gateways *gateway.Gateways, batchSize int, log *zap.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Sweeper{
		store:     store,
		ledger:    ledger,
		closer:    paymentCloser{store: store, gateways: gateways, log: log},
		batchSize: batchSize,
		log:       log,
		now:       time.Now,
	}
}

// Sweep expires one batch of overdue orders.
func (s *Sweeper) Sweep(ctx context.Context) (*ExpirationReport, error) {
	now := s.now()
	orders, err := s.store.ListExpiredPendingOrders(ctx, now, s.batchSize)
	if err != nil {
		return nil, err
	}

	report := &ExpirationReport{Scanned: len(orders)}
	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		changed, err := s.ledger.Expire(ctx, o.ID, now)
		if err != nil {
			s.log.Error("failed to expire order", zap.String("order_id", o.ID.String()), zap.Error(err))
			report.Skipped++
			continue
		}
		if !changed {
			report.Skipped++
			continue
		}
		report.Cancelled++
		s.closer.close(ctx, o.ID, "order expired")
	}

	if report.Scanned > 0 {
		s.log.Info("expiration sweep finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("cancelled", report.Cancelled),
			zap.Int("skipped", report.Skipped))
	}
	return report, nil
}
