package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/models"
	"orderflow_billing/internal/repository"
)

const defaultRecoveryTokenTTL = 7 * 24 * time.Hour

// RecoveryToken is an opaque, single-use link back to an abandoned order
type RecoveryToken struct {
	Token     string    `json:"token"`
	OrderID   uuid.UUID `json:"order_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RecoveryService issues and redeems recovery tokens. Tokens live as facts on the order.
type RecoveryService struct {
	store repository.Store
	ttl   time.Duration
	log   *zap.Logger
	now   func() time.Time
}

func NewRecoveryService(store repository.Store, ttl time.Duration, log *zap.Logger) *RecoveryService {
	if ttl <= 0 {
		ttl = defaultRecoveryTokenTTL
	}
	return &RecoveryService{store: store, ttl: ttl, log: log, now: time.Now}
}

// Issue creates a token for an order that can still be paid.
func (s *RecoveryService) Issue(ctx context.Context, orderID uuid.UUID) (*RecoveryToken, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !order.CanPay(now) {
		return nil, apperr.Newf(apperr.KindConflict, "order %s is %s and cannot be recovered", orderID, order.Status)
	}

	token := &RecoveryToken{
		Token:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		OrderID:   orderID,
		ExpiresAt: now.Add(s.ttl),
	}
	if _, err := s.store.AppendFact(ctx, &models.MetadataFact{
		WrittenAt:  now,
		ExpiresAt:  &token.ExpiresAt,
		EntityType: models.EntityOrder,
		EntityID:   orderID,
		Key:        models.FactRecoveryToken,
		Value:      token.Token,
		Version:    models.FactSchemaVersion,
	}); err != nil {
		return nil, err
	}

	s.log.Info("recovery token issued",
		zap.String("order_id", orderID.String()),
		zap.Time("expires_at", token.ExpiresAt))
	return token, nil
}

// Resolve redeems token and returns its order. A token works once and only before it expires.
func (s *RecoveryService) Resolve(ctx context.Context, token string) (*models.Order, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperr.Newf(apperr.KindValidation, "recovery token is required")
	}
	now := s.now()

	var orderID uuid.UUID
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		fact, err := tx.FindFact(ctx, models.EntityOrder, models.FactRecoveryToken, token)
		if repository.IsNotFound(err) {
			return apperr.Newf(apperr.KindNotFound, "recovery token not found")
		}
		if err != nil {
			return err
		}
		if !fact.Live(now) {
			return apperr.Newf(apperr.KindNotFound, "recovery token expired")
		}
		created, err := tx.AppendFact(ctx, &models.MetadataFact{
			WrittenAt:  now,
			EntityType: models.EntityOrder,
			EntityID:   fact.EntityID,
			Key:        models.FactRecoveryTokenConsumed,
			Value:      token,
			Version:    models.FactSchemaVersion,
		})
		if err != nil {
			return err
		}
		if !created {
			return apperr.Newf(apperr.KindConflict, "recovery token already used")
		}
		orderID = fact.EntityID
		return nil
	})
	if err != nil {
		return nil, err
	}

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	s.log.Info("recovery token redeemed",
		zap.String("order_id", orderID.String()),
		zap.String("status", string(order.Status)))
	return order, nil
}
