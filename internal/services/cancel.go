package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow_billing/internal/gateway"
	"orderflow_billing/internal/models"
	"orderflow_billing/internal/repository"
)

// paymentCloser fails the pending payment of a cancelled order and voids its provider
// handle. A success that still arrives later is dead-lettered as paid_after_cancel.
type paymentCloser struct {
	store    repository.Store
	gateways *gateway.Gateways
	log      *zap.Logger
}

func (c paymentCloser) close(ctx context.Context, orderID uuid.UUID, reason string) {
	var closed *models.Payment
	err := c.store.Transaction(ctx, func(tx repository.Store) error {
		p, err := tx.FindOpenPayment(ctx, orderID)
		if repository.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if p.Status != models.PaymentStatusPending {
			return nil
		}
		p.Status = models.PaymentStatusFailed
		p.FailureReason = reason
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		closed = p
		return nil
	})
	if err != nil {
		c.log.Error("failed to close payment of cancelled order", zap.String("order_id", orderID.String()), zap.Error(err))
		return
	}
	if closed == nil || isPlaceholder(closed.ProviderPaymentID) {
		return
	}

	gw, err := c.gateways.Get(closed.Provider)
	if err != nil {
		return
	}
	ref, err := paymentRef(ctx, c.store, closed)
	if err == nil {
		err = gw.CancelPaymentHandle(ctx, ref)
	}
	if err != nil {
		c.log.Warn("failed to cancel payment handle",
			zap.String("order_id", orderID.String()),
			zap.String("payment_id", closed.ID.String()),
			zap.Error(err))
	}
}

// Canceller serves operator cancellations. The order moves to cancelled through the ledger
// and whatever payment it still had open is closed with it.
type Canceller struct {
	ledger *Ledger
	closer paymentCloser
}

func NewCanceller(store repository.Store, ledger *Ledger, gateways *gateway.Gateways, log *zap.Logger) *Canceller {
	return &Canceller{
		ledger: ledger,
		closer: paymentCloser{store: store, gateways: gateways, log: log},
	}
}

// Cancel cancels an unpaid order. Cancelling an already cancelled order is a no-op that
// still closes a payment left pending by an earlier attempt.
func (c *Canceller) Cancel(ctx context.Context, orderID uuid.UUID, t Transition) (bool, error) {
	changed, err := c.ledger.Cancel(ctx, orderID, t)
	if err != nil {
		return false, err
	}
	c.closer.close(ctx, orderID, "order cancelled")
	return changed, nil
}
