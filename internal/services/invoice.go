package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow_billing/internal/models"
	"orderflow_billing/internal/repository"
)

// InvoiceService issues the billing record of a paid order.
type InvoiceService struct {
	store     repository.Store
	sequencer *Sequencer
	log       *zap.Logger
	now       func() time.Time
}

func NewInvoiceService(store repository.Store, sequencer *Sequencer, log *zap.Logger) *InvoiceService {
	return &InvoiceService{store: store, sequencer: sequencer, log: log, now: time.Now}
}

// Issue creates the order's invoice, or returns the existing one. Amounts are copied from
// the order as priced at creation: subtotal, tax and the charged total.
func (s *InvoiceService) Issue(ctx context.Context, order *models.Order, payment *models.Payment) (*models.Invoice, error) {
	existing, err := s.store.GetInvoiceByOrder(ctx, order.ID)
	if err == nil {
		return existing, nil
	}
	if !repository.IsNotFound(err) {
		return nil, err
	}

	invoice := &models.Invoice{
		OrganizationID: order.OrganizationID,
		OrderID:        order.ID,
		PaymentID:      payment.ID,
		Subtotal:       order.Subtotal,
		Tax:            order.TaxAmount,
		Total:          order.Amount,
		Currency:       order.Currency,
		IssuedAt:       s.now(),
	}
	_, err = s.sequencer.Allocate(ctx, order.OrganizationID, models.SequenceScopeInvoice, func(n int64) error {
		invoice.Number = n
		err := s.store.CreateInvoice(ctx, invoice)
		if errors.Is(err, repository.ErrDuplicateKey) {
			// Lost a race for this order rather than for the number.
			if other, lookupErr := s.store.GetInvoiceByOrder(ctx, order.ID); lookupErr == nil {
				*invoice = *other
				return nil
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("invoice issued",
		zap.String("order_id", order.ID.String()),
		zap.String("invoice", invoice.DisplayNumber()),
		zap.String("total", invoice.Total.String()))
	return invoice, nil
}

func (s *InvoiceService) Get(ctx context.Context, orderID uuid.UUID) (*models.Invoice, error) {
	return s.store.GetInvoiceByOrder(ctx, orderID)
}
