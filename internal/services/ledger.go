package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/models"
	"orderflow_billing/internal/money"
	"orderflow_billing/internal/repository"
)

const maxOrderTTL = 30 * 24 * time.Hour

// Order history event types
const (
	EventOrderCreated    = "order_created"
	EventPaymentSettled  = "payment_settled"
	EventProvisioned     = "provisioned"
	EventOrderExpired    = "order_expired"
	EventOrderCancelled  = "order_cancelled"
	EventRefundConfirmed = "refund_confirmed"
	EventRefundRequested = "refund_requested"
)

var allowedTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusPendingPayment: {models.OrderStatusPaid, models.OrderStatusCancelled},
	models.OrderStatusPaid:           {models.OrderStatusCompleted, models.OrderStatusRefunded},
	models.OrderStatusCompleted:      {models.OrderStatusRefunded},
}

// CanTransition reports whether from -> to is an edge of the order state machine.
func CanTransition(from, to models.OrderStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition describes who or what is moving an order and why.
type Transition struct {
	EventType   string
	Description string
	Provider    models.PaymentProvider
	EventID     string
	PaymentID   *uuid.UUID
	OccurredAt  time.Time
}

// CreateOrderInput is the order creation request. Amount is the pre-tax subtotal; when
// ProductData has lines it may be zero or must match their total.
type CreateOrderInput struct {
	OrganizationID string
	ProductType    models.ProductType
	ProductData    models.ProductData
	Amount         decimal.Decimal
	Currency       string
	TaxCountry     string
	ExpiresInHours int
	CustomerEmail  string
	CustomerPhone  string
	NotifyChannel  models.NotificationChannel
}

// Ledger owns the order state machine. No other component writes Order.Status.
type Ledger struct {
	store     repository.Store
	sequencer *Sequencer
	tax       *TaxService
	orderTTL  time.Duration
	log       *zap.Logger
	now       func() time.Time
}

func NewLedger(store repository.Store, sequencer *Sequencer, tax *TaxService, orderTTL time.Duration, log *zap.Logger) *Ledger {
	return &Ledger{
		store:     store,
		sequencer: sequencer,
		tax:       tax,
		orderTTL:  orderTTL,
		log:       log,
		now:       time.Now,
	}
}

// CreateOrder prices the bundle, allocates an order number and stores the order in pending_payment.
func (l *Ledger) CreateOrder(ctx context.Context, in CreateOrderInput) (*models.Order, error) {
	currency := money.NormalizeCurrency(in.Currency)
	subtotal, err := in.subtotal(currency)
	if err != nil {
		return nil, err
	}

	country := strings.ToUpper(strings.TrimSpace(in.TaxCountry))
	if country == "" {
		country = l.tax.DefaultCountry()
	}
	rate, err := l.tax.Rate(ctx, country)
	if err != nil {
		return nil, fmt.Errorf("resolve tax rate: %w", err)
	}
	tax := l.tax.Compute(subtotal, rate, currency)

	ttl := l.orderTTL
	if in.ExpiresInHours > 0 {
		ttl = time.Duration(in.ExpiresInHours) * time.Hour
	}
	if ttl > maxOrderTTL {
		ttl = maxOrderTTL
	}

	notify := in.NotifyChannel
	if notify == "" {
		switch {
		case in.CustomerEmail != "":
			notify = models.NotificationChannelEmail
		case in.CustomerPhone != "":
			notify = models.NotificationChannelWhatsapp
		default:
			notify = models.NotificationChannelNone
		}
	}

	order := &models.Order{
		ID:             uuid.New(),
		OrganizationID: in.OrganizationID,
		Status:         models.OrderStatusPendingPayment,
		ProductType:    in.ProductType,
		ProductData:    in.ProductData,
		Subtotal:       subtotal,
		TaxAmount:      tax,
		Amount:         subtotal.Add(tax),
		Currency:       currency,
		TaxCountry:     country,
		ExpiresAt:      l.now().Add(ttl),
		CustomerEmail:  in.CustomerEmail,
		CustomerPhone:  in.CustomerPhone,
		NotifyChannel:  notify,
	}

	_, err = l.sequencer.Allocate(ctx, in.OrganizationID, models.SequenceScopeOrder, func(n int64) error {
		order.OrderNumber = n
		return l.store.Transaction(ctx, func(tx repository.Store) error {
			if err := tx.CreateOrder(ctx, order); err != nil {
				return err
			}
			return tx.AppendOrderHistory(ctx, &models.OrderHistory{
				OrderID:     order.ID,
				ToStatus:    models.OrderStatusPendingPayment,
				EventType:   EventOrderCreated,
				Description: fmt.Sprintf("order #%d created for %s %s", n, order.Amount, currency),
			})
		})
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.String("organization_id", order.OrganizationID),
		zap.Int64("order_number", order.OrderNumber),
		zap.String("amount", order.Amount.String()),
		zap.String("currency", currency))
	return order, nil
}

func (in CreateOrderInput) subtotal(currency string) (decimal.Decimal, error) {
	if strings.TrimSpace(in.OrganizationID) == "" {
		return decimal.Zero, apperr.Newf(apperr.KindValidation, "organization_id is required")
	}
	if !in.ProductType.Valid() {
		return decimal.Zero, apperr.Newf(apperr.KindValidation, "unknown product_type %q", in.ProductType)
	}
	if !money.ValidCurrency(currency) {
		return decimal.Zero, apperr.Newf(apperr.KindValidation, "invalid currency %q", in.Currency)
	}
	if in.ExpiresInHours < 0 {
		return decimal.Zero, apperr.Newf(apperr.KindValidation, "expires_in_hours must be positive")
	}
	if in.ProductType == models.ProductTypeCreditPackage && in.ProductData.Credits <= 0 {
		return decimal.Zero, apperr.Newf(apperr.KindValidation, "credit packages must carry a positive credits count")
	}
	for i, line := range in.ProductData.Lines {
		if line.Quantity <= 0 || line.UnitPrice.IsNegative() {
			return decimal.Zero, apperr.Newf(apperr.KindValidation, "line %d has an invalid quantity or unit price", i)
		}
	}

	subtotal := in.Amount
	if len(in.ProductData.Lines) > 0 {
		subtotal = in.ProductData.LinesTotal()
		if !in.Amount.IsZero() && !in.Amount.Equal(subtotal) {
			return decimal.Zero, apperr.Newf(apperr.KindValidation, "amount %s does not match line total %s", in.Amount, subtotal)
		}
	}
	if !subtotal.IsPositive() {
		return decimal.Zero, apperr.Newf(apperr.KindValidation, "amount must be positive")
	}
	if !money.Round(subtotal, currency).Equal(subtotal) {
		return decimal.Zero, apperr.Newf(apperr.KindValidation, "amount %s has more decimal places than %s allows", subtotal, currency)
	}
	return subtotal, nil
}

// GetOrder returns the order with its audit trail.
func (l *Ledger) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, []models.OrderHistory, error) {
	order, err := l.store.GetOrder(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	history, err := l.store.ListOrderHistory(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return order, history, nil
}

// MarkPaid moves pending_payment -> paid for paymentID. It is a no-op when the order was
// already settled by the same payment. The expiry guard is evaluated at t.OccurredAt.
func (l *Ledger) MarkPaid(ctx context.Context, orderID, paymentID uuid.UUID, t Transition) (bool, error) {
	if t.EventType == "" {
		t.EventType = EventPaymentSettled
	}
	t.PaymentID = &paymentID
	return l.apply(ctx, orderID, models.OrderStatusPaid, t, func(o *models.Order) (bool, error) {
		if o.PaymentID != nil && *o.PaymentID == paymentID && o.Status != models.OrderStatusPendingPayment {
			return false, nil
		}
		if o.Status == models.OrderStatusPendingPayment && o.Expired(t.OccurredAt) {
			return false, apperr.Newf(apperr.KindInvalidTransition,
				"payment confirmed at %s after order expired at %s",
				t.OccurredAt.UTC().Format(time.RFC3339), o.ExpiresAt.UTC().Format(time.RFC3339))
		}
		o.PaymentID = &paymentID
		return true, nil
	})
}

// Complete moves paid -> completed once provisioning is confirmed.
func (l *Ledger) Complete(ctx context.Context, orderID uuid.UUID, t Transition) (bool, error) {
	if t.EventType == "" {
		t.EventType = EventProvisioned
	}
	return l.apply(ctx, orderID, models.OrderStatusCompleted, t, func(o *models.Order) (bool, error) {
		return o.Status != models.OrderStatusCompleted, nil
	})
}

// Expire cancels the order if it is still pending_payment and past its deadline at now.
// Orders that moved on in the meantime are left alone.
func (l *Ledger) Expire(ctx context.Context, orderID uuid.UUID, now time.Time) (bool, error) {
	t := Transition{
		EventType:   EventOrderExpired,
		Description: "payment window elapsed without confirmation",
		OccurredAt:  now,
	}
	return l.apply(ctx, orderID, models.OrderStatusCancelled, t, func(o *models.Order) (bool, error) {
		return o.Status == models.OrderStatusPendingPayment && o.Expired(now), nil
	})
}

// Cancel is the operator cancellation of an unpaid order.
func (l *Ledger) Cancel(ctx context.Context, orderID uuid.UUID, t Transition) (bool, error) {
	if t.EventType == "" {
		t.EventType = EventOrderCancelled
	}
	return l.apply(ctx, orderID, models.OrderStatusCancelled, t, func(o *models.Order) (bool, error) {
		return o.Status != models.OrderStatusCancelled, nil
	})
}

// MarkRefunded moves paid or completed -> refunded. Callers must hold a confirmed provider reversal.
func (l *Ledger) MarkRefunded(ctx context.Context, orderID uuid.UUID, t Transition) (bool, error) {
	if t.EventType == "" {
		t.EventType = EventRefundConfirmed
	}
	return l.apply(ctx, orderID, models.OrderStatusRefunded, t, nil)
}

// apply runs one guarded transition in its own transaction. guard may veto the change
// (false, nil) to make the call a no-op, or fail it.
func (l *Ledger) apply(ctx context.Context, orderID uuid.UUID, to models.OrderStatus, t Transition, guard func(o *models.Order) (bool, error)) (bool, error) {
	var from models.OrderStatus
	changed := false

	err := l.store.Transaction(ctx, func(tx repository.Store) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		from = order.Status

		if guard != nil {
			proceed, err := guard(order)
			if err != nil {
				return err
			}
			if !proceed {
				return nil
			}
		}
		if !CanTransition(order.Status, to) {
			return apperr.Newf(apperr.KindInvalidTransition, "order %s cannot move from %s to %s", orderID, order.Status, to)
		}

		order.Status = to
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.AppendOrderHistory(ctx, &models.OrderHistory{
			OrderID:     orderID,
			FromStatus:  from,
			ToStatus:    to,
			EventType:   t.EventType,
			Description: t.Description,
		}); err != nil {
			return err
		}
		changed = true
		return nil
	})

	if apperr.KindOf(err) == apperr.KindInvalidTransition {
		l.recordInvalidTransition(ctx, orderID, from, to, t, err)
		return false, err
	}
	if err != nil {
		return false, err
	}
	if changed {
		l.log.Info("order transitioned",
			zap.String("order_id", orderID.String()),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("event_type", t.EventType))
	}
	return changed, nil
}

// recordInvalidTransition keeps the rejected change for operator review. It runs after the
// transaction rolled back so the record survives.
func (l *Ledger) recordInvalidTransition(ctx context.Context, orderID uuid.UUID, from, to models.OrderStatus, t Transition, cause error) {
	kind := models.ReconInvalidTransition
	if to == models.OrderStatusPaid && (from == models.OrderStatusCancelled || from == models.OrderStatusPendingPayment) {
		kind = models.ReconPaidAfterCancel
	}
	ref := t.EventID
	if ref == "" {
		ref = uuid.NewString()
	}

	id := orderID
	item := &models.ReconciliationItem{
		DedupKey:  fmt.Sprintf("%s:%s:%s->%s:%s", kind, orderID, from, to, ref),
		Kind:      kind,
		Status:    models.ReconStatusOpen,
		Provider:  t.Provider,
		EventID:   t.EventID,
		OrderID:   &id,
		PaymentID: t.PaymentID,
		Detail:    cause.Error(),
	}
	if _, err := l.store.RecordReconciliationItem(ctx, item); err != nil {
		l.log.Error("failed to record invalid transition", zap.String("order_id", orderID.String()), zap.Error(err))
	}
	l.log.Warn("invalid order transition",
		zap.String("order_id", orderID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("event_type", t.EventType),
		zap.String("event_id", t.EventID),
		zap.String("kind", string(kind)),
		zap.Error(cause))
}
