package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/gateway"
	"orderflow_billing/internal/models"
	"orderflow_billing/internal/repository"
)

// CheckoutResult holds the result of a checkout attempt
type CheckoutResult struct {
	Payment     *models.Payment
	RedirectURL string
	ClientToken string
	IsExisting  bool
}

// CheckoutService starts or resumes the provider payment of an order.
type CheckoutService struct {
	store    repository.Store
	gateways *gateway.Gateways
	appURL   string
	log      *zap.Logger
	now      func() time.Time
}

func NewCheckoutService(store repository.Store, gateways *gateway.Gateways, appURL string, log *zap.Logger) *CheckoutService {
	return &CheckoutService{
		store:    store,
		gateways: gateways,
		appURL:   appURL,
		log:      log,
		now:      time.Now,
	}
}

// StartCheckout returns a payment handle for the order on provider. An open handle of the
// same provider is reused unless forceNew is set; any other open handle is superseded.
// The pending Payment row is stored before the provider is called.
func (s *CheckoutService) StartCheckout(ctx context.Context, orderID uuid.UUID, provider models.PaymentProvider, forceNew bool) (*CheckoutResult, error) {
	gw, err := s.gateways.Get(provider)
	if err != nil {
		return nil, err
	}
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPendingPayment {
		return nil, apperr.Newf(apperr.KindConflict, "order %s is %s and cannot be paid", orderID, order.Status)
	}
	if order.Expired(s.now()) {
		return nil, apperr.Newf(apperr.KindConflict, "order %s expired at %s", orderID, order.ExpiresAt.UTC().Format(time.RFC3339))
	}

	existing, err := s.store.FindOpenPayment(ctx, orderID)
	switch {
	case err == nil:
		if existing.Status == models.PaymentStatusSucceeded {
			return nil, apperr.Newf(apperr.KindConflict, "order %s already has a successful payment", orderID)
		}
		if existing.Provider == provider && !forceNew && !isPlaceholder(existing.ProviderPaymentID) {
			return &CheckoutResult{
				Payment:     existing,
				RedirectURL: existing.RedirectURL,
				ClientToken: existing.ClientToken,
				IsExisting:  true,
			}, nil
		}
	case repository.IsNotFound(err):
		existing = nil
	default:
		return nil, err
	}

	payment := &models.Payment{
		ID:       uuid.New(),
		OrderID:  order.ID,
		Provider: provider,
		Status:   models.PaymentStatusPending,
		Amount:   order.Amount,
		Currency: order.Currency,
	}
	payment.ProviderPaymentID = placeholderProviderID(payment.ID)

	err = s.store.Transaction(ctx, func(tx repository.Store) error {
		if existing != nil {
			if err := s.supersede(ctx, tx, existing, payment.ID); err != nil {
				return err
			}
		}
		return tx.CreatePayment(ctx, payment)
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.cancelHandle(ctx, existing)
	}

	handle, err := gw.CreatePaymentHandle(ctx, gateway.HandleRequest{
		Order:     *order,
		PaymentID: payment.ID,
		ReturnURL: s.returnURL(provider),
		CancelURL: s.appURL + "/checkout/cancelled",
	})
	if err != nil {
		s.abandon(ctx, payment, err)
		return nil, err
	}

	err = s.store.Transaction(ctx, func(tx repository.Store) error {
		current, err := tx.GetPaymentForUpdate(ctx, payment.ID)
		if err != nil {
			return err
		}
		// A webhook may have matched and backfilled the row already.
		if isPlaceholder(current.ProviderPaymentID) {
			current.ProviderPaymentID = handle.ProviderPaymentID
		}
		current.RedirectURL = handle.RedirectURL
		current.ClientToken = handle.ClientToken
		if err := tx.UpdatePayment(ctx, current); err != nil {
			return err
		}
		if err := s.recordHandleFacts(ctx, tx, current.ID, handle); err != nil {
			return err
		}
		*payment = *current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("checkout started",
		zap.String("order_id", order.ID.String()),
		zap.String("payment_id", payment.ID.String()),
		zap.String("provider", string(provider)),
		zap.String("provider_payment_id", payment.ProviderPaymentID))
	return &CheckoutResult{
		Payment:     payment,
		RedirectURL: payment.RedirectURL,
		ClientToken: payment.ClientToken,
	}, nil
}

func (s *CheckoutService) returnURL(provider models.PaymentProvider) string {
	if provider == models.ProviderStripe {
		return s.appURL + "/checkout/stripe/return?session_id={CHECKOUT_SESSION_ID}"
	}
	return s.appURL + "/checkout/" + string(provider) + "/return"
}

func (s *CheckoutService) supersede(ctx context.Context, tx repository.Store, old *models.Payment, by uuid.UUID) error {
	current, err := tx.GetPaymentForUpdate(ctx, old.ID)
	if err != nil {
		return err
	}
	if current.Status != models.PaymentStatusPending {
		return apperr.Newf(apperr.KindConflict, "payment %s is %s and cannot be superseded", current.ID, current.Status)
	}
	current.Status = models.PaymentStatusFailed
	current.FailureReason = "superseded"
	if err := tx.UpdatePayment(ctx, current); err != nil {
		return err
	}
	_, err = tx.AppendFact(ctx, &models.MetadataFact{
		WrittenAt:  s.now(),
		EntityType: models.EntityPayment,
		EntityID:   current.ID,
		Key:        models.FactSupersededBy,
		Value:      by.String(),
		Version:    models.FactSchemaVersion,
	})
	*old = *current
	return err
}

// cancelHandle voids the provider object of a superseded payment. Best effort: a handle
// that survives still resolves to a failed local payment.
func (s *CheckoutService) cancelHandle(ctx context.Context, p *models.Payment) {
	if isPlaceholder(p.ProviderPaymentID) {
		return
	}
	gw, err := s.gateways.Get(p.Provider)
	if err != nil {
		return
	}
	ref, err := paymentRef(ctx, s.store, p)
	if err == nil {
		err = gw.CancelPaymentHandle(ctx, ref)
	}
	if err != nil {
		s.log.Warn("failed to cancel superseded payment handle",
			zap.String("payment_id", p.ID.String()),
			zap.String("provider", string(p.Provider)),
			zap.Error(err))
	}
}

// abandon fails a payment whose handle could not be created so the order can be retried.
func (s *CheckoutService) abandon(ctx context.Context, payment *models.Payment, cause error) {
	s.log.Warn("payment handle creation failed",
		zap.String("order_id", payment.OrderID.String()),
		zap.String("payment_id", payment.ID.String()),
		zap.String("provider", string(payment.Provider)),
		zap.Error(cause))

	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		current, err := tx.GetPaymentForUpdate(ctx, payment.ID)
		if err != nil {
			return err
		}
		if current.Status != models.PaymentStatusPending {
			return nil
		}
		current.Status = models.PaymentStatusFailed
		current.FailureReason = "handle creation failed: " + cause.Error()
		return tx.UpdatePayment(ctx, current)
	})
	if err != nil {
		s.log.Error("failed to abandon payment", zap.String("payment_id", payment.ID.String()), zap.Error(err))
	}
}

func (s *CheckoutService) recordHandleFacts(ctx context.Context, tx repository.Store, paymentID uuid.UUID, handle *gateway.Handle) error {
	now := s.now()
	add := func(key, value string) error {
		if value == "" {
			return nil
		}
		_, err := tx.AppendFact(ctx, &models.MetadataFact{
			WrittenAt:  now,
			EntityType: models.EntityPayment,
			EntityID:   paymentID,
			Key:        key,
			Value:      value,
			Version:    models.FactSchemaVersion,
		})
		return err
	}
	if err := add(models.FactAliasID, handle.ProviderPaymentID); err != nil {
		return err
	}
	for _, alias := range handle.AliasIDs {
		if err := add(models.FactAliasID, alias); err != nil {
			return err
		}
	}
	for k, v := range handle.Facts {
		if err := add(k, v); err != nil {
			return err
		}
	}
	return nil
}
