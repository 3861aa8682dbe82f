package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/gateway"
	"orderflow_billing/internal/models"
	"orderflow_billing/internal/repository"
)

// Payments are stored under a local placeholder id until the provider returns its own.
const localPaymentPrefix = "local:"

func placeholderProviderID(paymentID uuid.UUID) string {
	return localPaymentPrefix + paymentID.String()
}

func isPlaceholder(providerPaymentID string) bool {
	return strings.HasPrefix(providerPaymentID, localPaymentPrefix)
}

// Match strategies, in priority order
const (
	MatchByProviderID = "provider_payment_id"
	MatchByAlias      = "alias_id"
	MatchByPaymentID  = "payment_id"
	MatchByOrderID    = "order_id"
)

// Match is a payment found for a provider event and the strategy that found it
type Match struct {
	Payment  *models.Payment
	Strategy string
}

// Matcher resolves provider events to local payments.
type Matcher struct {
	store repository.Store
	log   *zap.Logger
}

func NewMatcher(store repository.Store, log *zap.Logger) *Matcher {
	return &Matcher{store: store, log: log}
}

// Match tries the exact provider id, then every recorded alias, then a local payment id the
// provider echoed back, then the order id, stopping at the first hit.
func (m *Matcher) Match(ctx context.Context, event *gateway.PaymentEvent) (*Match, error) {
	if event.ProviderPaymentID != "" {
		p, err := m.store.FindPaymentByProviderID(ctx, event.Provider, event.ProviderPaymentID)
		if err == nil {
			return &Match{Payment: p, Strategy: MatchByProviderID}, nil
		}
		if !repository.IsNotFound(err) {
			return nil, err
		}
	}

	if candidates := event.CandidateIDs(); len(candidates) > 0 {
		p, err := m.store.FindPaymentByAlias(ctx, event.Provider, candidates)
		if err == nil {
			return &Match{Payment: p, Strategy: MatchByAlias}, nil
		}
		if !repository.IsNotFound(err) {
			return nil, err
		}
		// An alias can still be the stored primary id before the provider assigned its final one.
		for _, id := range event.AliasIDs {
			if id == "" || id == event.ProviderPaymentID {
				continue
			}
			p, err := m.store.FindPaymentByProviderID(ctx, event.Provider, id)
			if err == nil {
				return &Match{Payment: p, Strategy: MatchByAlias}, nil
			}
			if !repository.IsNotFound(err) {
				return nil, err
			}
		}
	}

	// Midtrans echoes the local payment id as its merchant order id. It pins the exact
	// payment even after a newer one took the order's open slot.
	for _, id := range event.CandidateIDs() {
		paymentID, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		p, err := m.store.GetPayment(ctx, paymentID)
		if repository.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if p.Provider == event.Provider {
			return &Match{Payment: p, Strategy: MatchByPaymentID}, nil
		}
	}

	if orderID, err := uuid.Parse(event.OrderID); err == nil {
		p, err := m.store.FindOpenPayment(ctx, orderID)
		if err == nil && p.Provider == event.Provider {
			return &Match{Payment: p, Strategy: MatchByOrderID}, nil
		}
		if err != nil && !repository.IsNotFound(err) {
			return nil, err
		}
	}

	return nil, apperr.New(apperr.KindUnmatchedPaymentEvent,
		"no local payment for "+string(event.Provider)+" event "+event.EventID, nil)
}

// Backfill records every identifier the event carries on the payment and promotes the
// provider's primary id, so later events match on the exact id. Must run inside tx with
// the payment row locked.
func (m *Matcher) Backfill(ctx context.Context, tx repository.Store, payment *models.Payment, event *gateway.PaymentEvent) error {
	now := time.Now()
	appendFact := func(key, value string) error {
		if value == "" {
			return nil
		}
		_, err := tx.AppendFact(ctx, &models.MetadataFact{
			WrittenAt:  now,
			EntityType: models.EntityPayment,
			EntityID:   payment.ID,
			Key:        key,
			Value:      value,
			Version:    models.FactSchemaVersion,
		})
		return err
	}

	for _, id := range event.CandidateIDs() {
		if err := appendFact(models.FactAliasID, id); err != nil {
			return err
		}
	}
	for k, v := range event.Facts {
		if err := appendFact(k, v); err != nil {
			return err
		}
	}

	primary := event.ProviderPaymentID
	if primary == "" || primary == payment.ProviderPaymentID {
		return nil
	}
	if !isPlaceholder(payment.ProviderPaymentID) {
		if err := appendFact(models.FactAliasID, payment.ProviderPaymentID); err != nil {
			return err
		}
	}

	other, err := tx.FindPaymentByProviderID(ctx, payment.Provider, primary)
	switch {
	case err == nil && other.ID != payment.ID:
		m.log.Warn("provider payment id already belongs to another payment",
			zap.String("payment_id", payment.ID.String()),
			zap.String("other_payment_id", other.ID.String()),
			zap.String("provider_payment_id", primary))
		return nil
	case err != nil && !repository.IsNotFound(err):
		return err
	}

	m.log.Info("backfilling provider payment id",
		zap.String("payment_id", payment.ID.String()),
		zap.String("from", payment.ProviderPaymentID),
		zap.String("to", primary))
	payment.ProviderPaymentID = primary
	if err := tx.UpdatePayment(ctx, payment); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			return apperr.New(apperr.KindConflict, "provider payment id already in use", err)
		}
		return err
	}
	return nil
}

// paymentRef collects what an adapter needs to address an existing payment.
func paymentRef(ctx context.Context, store repository.FactRepository, p *models.Payment) (gateway.PaymentRef, error) {
	ref := gateway.PaymentRef{
		PaymentID:         p.ID,
		OrderID:           p.OrderID,
		ProviderPaymentID: p.ProviderPaymentID,
		Amount:            p.Amount,
		Currency:          p.Currency,
		Facts:             map[string]string{},
	}
	facts, err := store.ListFacts(ctx, models.EntityPayment, p.ID)
	if err != nil {
		return ref, err
	}
	for _, f := range facts {
		if f.Key == models.FactAliasID {
			ref.Aliases = append(ref.Aliases, f.Value)
			continue
		}
		ref.Facts[f.Key] = f.Value
	}
	return ref, nil
}
