package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/gateway"
	"orderflow_billing/internal/models"
	"orderflow_billing/internal/repository"
)

// RefundRequest asks for a full reversal of an order's settling payment
type RefundRequest struct {
	OrderID     uuid.UUID
	Reason      string
	RequestedBy string
}

// RefundOrchestrator reverses paid orders. The order only becomes refunded once the provider
// has confirmed the reversal; a pending reversal is polled on the next call instead of
// being issued twice.
type RefundOrchestrator struct {
	store    repository.Store
	ledger   *Ledger
	gateways *gateway.Gateways
	log      *zap.Logger
	now      func() time.Time
}

func NewRefundOrchestrator(store repository.Store, ledger *Ledger, gateways *gateway.Gateways, log *zap.Logger) *RefundOrchestrator {
	return &RefundOrchestrator{
		store:    store,
		ledger:   ledger,
		gateways: gateways,
		log:      log,
		now:      time.Now,
	}
}

// Refund returns the confirmed Refund. A reversal the provider has not settled yet is
// returned together with an apperr.KindRefundPending error.
func (o *RefundOrchestrator) Refund(ctx context.Context, req RefundRequest) (*models.Refund, error) {
	order, err := o.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPaid && order.Status != models.OrderStatusCompleted {
		err := apperr.Newf(apperr.KindInvalidTransition, "order %s is %s and cannot be refunded", order.ID, order.Status)
		o.ledger.recordInvalidTransition(ctx, order.ID, order.Status, models.OrderStatusRefunded, Transition{
			EventType:   EventRefundRequested,
			Description: "refund requested by " + req.RequestedBy,
			PaymentID:   order.PaymentID,
		}, err)
		return nil, err
	}
	if order.PaymentID == nil {
		return nil, apperr.Newf(apperr.KindInternal, "order %s is %s without a settling payment", order.ID, order.Status)
	}
	payment, err := o.store.GetPayment(ctx, *order.PaymentID)
	if err != nil {
		return nil, err
	}
	gw, err := o.gateways.Get(payment.Provider)
	if err != nil {
		return nil, err
	}
	ref, err := paymentRef(ctx, o.store, payment)
	if err != nil {
		return nil, err
	}

	logger := o.log.With(
		zap.String("order_id", order.ID.String()),
		zap.String("payment_id", payment.ID.String()),
		zap.String("provider", string(payment.Provider)))

	active, err := o.store.FindActiveRefund(ctx, payment.ID)
	switch {
	case err == nil:
		return o.resume(ctx, gw, ref, order, active, logger)
	case !repository.IsNotFound(err):
		return nil, err
	}

	res, err := gw.CreateRefund(ctx, ref, payment.Amount)
	if err != nil {
		logger.Warn("provider refund failed", zap.Error(err))
		return nil, err
	}

	refund := &models.Refund{
		OrderID:          order.ID,
		PaymentID:        payment.ID,
		Provider:         payment.Provider,
		ProviderRefundID: res.ProviderRefundID,
		Amount:           payment.Amount,
		Currency:         payment.Currency,
		Status:           refundStatus(res.Status),
		Reason:           strings.TrimSpace(req.Reason),
		RequestedBy:      req.RequestedBy,
	}
	if !res.Amount.IsZero() {
		refund.Amount = res.Amount
	}
	if res.Status == gateway.RefundFailed {
		refund.Reason = strings.TrimSpace(refund.Reason + " " + res.FailureReason)
	}
	if refund.Status == models.RefundStatusSucceeded {
		now := o.now()
		refund.ConfirmedAt = &now
	}
	if err := o.store.CreateRefund(ctx, refund); err != nil {
		if !errors.Is(err, repository.ErrDuplicateKey) {
			return nil, err
		}
		// A concurrent call recorded the same provider reversal first.
		existing, findErr := o.store.FindActiveRefund(ctx, payment.ID)
		if findErr != nil {
			return nil, findErr
		}
		refund = existing
	}
	logger.Info("provider refund recorded",
		zap.String("refund_id", refund.ID.String()),
		zap.String("provider_refund_id", refund.ProviderRefundID),
		zap.String("status", string(refund.Status)))
	return o.settle(ctx, order, refund, res.FailureReason)
}

// resume finishes a refund recorded by an earlier call.
func (o *RefundOrchestrator) resume(ctx context.Context, gw gateway.Gateway, ref gateway.PaymentRef, order *models.Order, refund *models.Refund, logger *zap.Logger) (*models.Refund, error) {
	if refund.Status == models.RefundStatusPending {
		res, err := gw.GetRefund(ctx, ref, refund.ProviderRefundID)
		if err != nil {
			return refund, err
		}
		status := refundStatus(res.Status)
		if status != refund.Status {
			refund.Status = status
			if status == models.RefundStatusSucceeded {
				now := o.now()
				refund.ConfirmedAt = &now
			}
			if err := o.store.UpdateRefund(ctx, refund); err != nil {
				return nil, err
			}
			logger.Info("provider refund status changed",
				zap.String("refund_id", refund.ID.String()),
				zap.String("status", string(status)))
		}
		return o.settle(ctx, order, refund, res.FailureReason)
	}
	return o.settle(ctx, order, refund, "")
}

func (o *RefundOrchestrator) settle(ctx context.Context, order *models.Order, refund *models.Refund, failure string) (*models.Refund, error) {
	switch refund.Status {
	case models.RefundStatusPending:
		return refund, apperr.New(apperr.KindRefundPending,
			fmt.Sprintf("refund %s is awaiting provider confirmation", refund.ProviderRefundID), nil)
	case models.RefundStatusFailed:
		if failure == "" {
			failure = "rejected by provider"
		}
		return refund, apperr.Newf(apperr.KindValidation, "refund of order %s failed: %s", order.ID, failure)
	}

	paymentID := refund.PaymentID
	if _, err := o.ledger.MarkRefunded(ctx, order.ID, Transition{
		Description: fmt.Sprintf("%s refund %s confirmed for %s %s", refund.Provider, refund.ProviderRefundID, refund.Amount, refund.Currency),
		Provider:    refund.Provider,
		EventID:     "refund:" + refund.ProviderRefundID,
		PaymentID:   &paymentID,
		OccurredAt:  o.now(),
	}); err != nil {
		return refund, err
	}
	return refund, nil
}

func refundStatus(s gateway.RefundStatus) models.RefundStatus {
	switch s {
	case gateway.RefundSucceeded:
		return models.RefundStatusSucceeded
	case gateway.RefundFailed:
		return models.RefundStatusFailed
	}
	return models.RefundStatusPending
}
