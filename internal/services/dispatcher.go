package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/models"
	"orderflow_billing/internal/repository"
)

// A running effect not touched for this long is assumed to belong to a dead process.
const defaultEffectStaleAfter = 10 * time.Minute

// DispatchReport is the per-effect state of one order after a dispatch pass
type DispatchReport struct {
	OrderID   uuid.UUID                                 `json:"order_id"`
	Effects   map[models.EffectType]models.EffectStatus `json:"effects"`
	Completed bool                                      `json:"completed"`
}

// Dispatcher fires the business effects of paid orders, each at most once per
// (order_id, effect_type), and completes the order once provisioning effects are done.
type Dispatcher struct {
	store      repository.Store
	ledger     *Ledger
	effects    []Effect
	staleAfter time.Duration
	log        *zap.Logger
	now        func() time.Time
}

func NewDispatcher(store repository.Store, ledger *Ledger, log *zap.Logger, effects ...Effect) *Dispatcher {
	return &Dispatcher{
		store:      store,
		ledger:     ledger,
		effects:    effects,
		staleAfter: defaultEffectStaleAfter,
		log:        log,
		now:        time.Now,
	}
}

// Dispatch runs every applicable effect that is not done yet. Effect failures are recorded
// and reported, never returned: they must not block the order or the other effects.
func (d *Dispatcher) Dispatch(ctx context.Context, orderID uuid.UUID) (*DispatchReport, error) {
	order, err := d.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	report := &DispatchReport{OrderID: orderID, Effects: map[models.EffectType]models.EffectStatus{}}
	if order.Status != models.OrderStatusPaid && order.Status != models.OrderStatusCompleted {
		return report, nil
	}
	if order.PaymentID == nil {
		return nil, apperr.Newf(apperr.KindInternal, "order %s is %s without a settling payment", orderID, order.Status)
	}
	payment, err := d.store.GetPayment(ctx, *order.PaymentID)
	if err != nil {
		return nil, err
	}

	provisioned := true
	for _, effect := range d.effects {
		if !effect.Applies(order) {
			continue
		}
		status := d.run(ctx, order, payment, effect)
		report.Effects[effect.Type()] = status
		if effect.Provisions() && status != models.EffectStatusDone {
			provisioned = false
		}
	}

	switch {
	case order.Status == models.OrderStatusCompleted:
		report.Completed = true
	case provisioned:
		if _, err := d.ledger.Complete(ctx, orderID, Transition{
			Description: "provisioning effects confirmed",
			PaymentID:   order.PaymentID,
			OccurredAt:  d.now(),
		}); err != nil {
			return report, err
		}
		report.Completed = true
	}
	return report, nil
}

func (d *Dispatcher) run(ctx context.Context, order *models.Order, payment *models.Payment, effect Effect) models.EffectStatus {
	logger := d.log.With(
		zap.String("order_id", order.ID.String()),
		zap.String("effect", string(effect.Type())))

	claimed, record, err := d.store.ClaimEffect(ctx, order.ID, effect.Type(), d.now().Add(-d.staleAfter))
	if err != nil {
		logger.Error("failed to claim side effect", zap.Error(err))
		return models.EffectStatusFailed
	}
	if !claimed {
		return record.Status
	}

	if applyErr := effect.Apply(ctx, order, payment); applyErr != nil {
		record.Status = models.EffectStatusFailed
		record.LastError = applyErr.Error()
		if err := d.store.UpdateEffect(ctx, record); err != nil {
			logger.Error("failed to record side effect failure", zap.Error(err))
		}
		d.recordFailure(ctx, order, record, applyErr)
		return models.EffectStatusFailed
	}

	now := d.now()
	record.Status = models.EffectStatusDone
	record.LastError = ""
	record.CompletedAt = &now
	if err := d.store.UpdateEffect(ctx, record); err != nil {
		// The claim goes stale and the effect is replayed; Apply tolerates that.
		logger.Error("failed to mark side effect done", zap.Error(err))
		return models.EffectStatusRunning
	}
	logger.Info("side effect done", zap.Int("attempts", record.Attempts))
	return models.EffectStatusDone
}

func (d *Dispatcher) recordFailure(ctx context.Context, order *models.Order, record *models.SideEffect, cause error) {
	err := apperr.New(apperr.KindSideEffectFailed, fmt.Sprintf("%s effect failed", record.EffectType), cause)
	d.log.Error("side effect failed",
		zap.String("order_id", order.ID.String()),
		zap.String("effect", string(record.EffectType)),
		zap.Int("attempts", record.Attempts),
		zap.Error(err))

	orderID := order.ID
	if _, recErr := d.store.RecordReconciliationItem(ctx, &models.ReconciliationItem{
		DedupKey:  fmt.Sprintf("%s:%s:%s", models.ReconSideEffectFailed, order.ID, record.EffectType),
		Kind:      models.ReconSideEffectFailed,
		Status:    models.ReconStatusOpen,
		OrderID:   &orderID,
		PaymentID: order.PaymentID,
		Detail:    err.Error(),
	}); recErr != nil {
		d.log.Error("failed to record side effect failure", zap.String("order_id", order.ID.String()), zap.Error(recErr))
	}
}
