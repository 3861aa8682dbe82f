package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/gateway"
	"orderflow_billing/internal/models"
	"orderflow_billing/internal/repository"
)

// ReconcileResult describes what one provider event did to local state
type ReconcileResult struct {
	Provider      models.PaymentProvider    `json:"provider"`
	EventID       string                    `json:"event_id,omitempty"`
	EventType     string                    `json:"event_type,omitempty"`
	Ignored       bool                      `json:"ignored,omitempty"`
	MatchedBy     string                    `json:"matched_by,omitempty"`
	PaymentID     *uuid.UUID                `json:"payment_id,omitempty"`
	OrderID       *uuid.UUID                `json:"order_id,omitempty"`
	PaymentStatus models.PaymentStatus      `json:"payment_status,omitempty"`
	OrderStatus   models.OrderStatus        `json:"order_status,omitempty"`
	Anomaly       models.ReconciliationKind `json:"anomaly,omitempty"`
	Dispatch      *DispatchReport           `json:"dispatch,omitempty"`
}

// SweepReport summarizes one reconciliation sweep
type SweepReport struct {
	Resumed      int `json:"resumed"`
	Redispatched int `json:"redispatched"`
	Completed    int `json:"completed"`
	Anomalies    int `json:"anomalies"`
}

// Reconciler turns provider events into payment and order state. Every step commits on its
// own and is idempotent, so a redelivery or a sweep finishes whatever a crash interrupted.
type Reconciler struct {
	store      repository.Store
	gateways   *gateway.Gateways
	matcher    *Matcher
	ledger     *Ledger
	dispatcher *Dispatcher
	staleAfter time.Duration
	log        *zap.Logger
	now        func() time.Time
}

func NewReconciler(store repository.Store, gateways *gateway.Gateways, matcher *Matcher, ledger *Ledger, dispatcher *Dispatcher, log *zap.Logger) *Reconciler {
	return &Reconciler{
		store:      store,
		gateways:   gateways,
		matcher:    matcher,
		ledger:     ledger,
		dispatcher: dispatcher,
		staleAfter: defaultEffectStaleAfter,
		log:        log,
		now:        time.Now,
	}
}

// HandleWebhook verifies, logs and processes one inbound webhook body.
func (r *Reconciler) HandleWebhook(ctx context.Context, provider models.PaymentProvider, payload []byte, header http.Header) (*ReconcileResult, error) {
	gw, err := r.gateways.Get(provider)
	if err != nil {
		return nil, err
	}
	event, parseErr := gw.ParseWebhook(ctx, payload, header)

	callback := &models.PaymentCallbackHistory{
		Provider:       provider,
		SignatureValid: !errors.Is(parseErr, gateway.ErrInvalidSignature),
		Payload:        jsonPayload(payload),
	}
	if event != nil {
		callback.EventID = event.EventID
		callback.EventType = event.EventType
	}
	if err := r.store.RecordCallback(ctx, callback); err != nil {
		r.log.Error("failed to record payment callback", zap.String("provider", string(provider)), zap.Error(err))
	}

	switch {
	case errors.Is(parseErr, gateway.ErrInvalidSignature):
		r.log.Warn("rejected webhook with invalid signature", zap.String("provider", string(provider)))
		return nil, apperr.New(apperr.KindUnauthorized, "invalid webhook signature", parseErr)
	case errors.Is(parseErr, gateway.ErrEventIgnored):
		return &ReconcileResult{Provider: provider, Ignored: true}, nil
	case parseErr != nil:
		return nil, apperr.New(apperr.KindValidation, "malformed webhook payload", parseErr)
	}
	return r.Process(ctx, event)
}

// Confirm looks a payment up by any identifier the customer's browser brought back and feeds
// the provider's authoritative outcome through Process.
func (r *Reconciler) Confirm(ctx context.Context, provider models.PaymentProvider, reference string) (*ReconcileResult, error) {
	gw, err := r.gateways.Get(provider)
	if err != nil {
		return nil, err
	}
	payment, err := r.findByReference(ctx, provider, reference)
	if err != nil {
		return nil, err
	}
	ref, err := paymentRef(ctx, r.store, payment)
	if err != nil {
		return nil, err
	}
	event, err := gw.ConfirmAndRetrieveOutcome(ctx, ref)
	if err != nil {
		return nil, err
	}
	return r.Process(ctx, event)
}

func (r *Reconciler) findByReference(ctx context.Context, provider models.PaymentProvider, reference string) (*models.Payment, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, apperr.Newf(apperr.KindValidation, "payment reference is required")
	}
	p, err := r.store.FindPaymentByProviderID(ctx, provider, reference)
	if err == nil || !repository.IsNotFound(err) {
		return p, err
	}
	p, err = r.store.FindPaymentByAlias(ctx, provider, []string{reference})
	if err == nil || !repository.IsNotFound(err) {
		return p, err
	}
	if id, parseErr := uuid.Parse(reference); parseErr == nil {
		p, err = r.store.GetPayment(ctx, id)
		if err == nil && p.Provider == provider {
			return p, nil
		}
	}
	return nil, apperr.Newf(apperr.KindNotFound, "no %s payment for reference %q", provider, reference)
}

// Process applies a normalized provider event. Anomalies are recorded and reported in the
// result; only storage failures are returned as errors.
func (r *Reconciler) Process(ctx context.Context, event *gateway.PaymentEvent) (*ReconcileResult, error) {
	result := &ReconcileResult{Provider: event.Provider, EventID: event.EventID, EventType: event.EventType}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now()
	}
	logger := r.log.With(
		zap.String("provider", string(event.Provider)),
		zap.String("event_id", event.EventID),
		zap.String("outcome", string(event.Outcome.Status)))

	match, err := r.matcher.Match(ctx, event)
	if apperr.KindOf(err) == apperr.KindUnmatchedPaymentEvent {
		r.deadLetter(ctx, event, err)
		result.Anomaly = models.ReconUnmatchedEvent
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	result.MatchedBy = match.Strategy

	var (
		payment  models.Payment
		settled  bool
		anomaly  models.ReconciliationKind
		detail   string
		previous models.PaymentStatus
	)
	err = r.store.Transaction(ctx, func(tx repository.Store) error {
		p, err := tx.GetPaymentForUpdate(ctx, match.Payment.ID)
		if err != nil {
			return err
		}
		previous = p.Status
		if err := r.matcher.Backfill(ctx, tx, p, event); err != nil {
			return err
		}

		switch event.Outcome.Status {
		case gateway.OutcomeFailed:
			// A succeeded payment is never downgraded by a late or reordered failure.
			if p.Status == models.PaymentStatusPending {
				p.Status = models.PaymentStatusFailed
				p.FailureReason = event.Outcome.FailureReason
				if err := tx.UpdatePayment(ctx, p); err != nil {
					return err
				}
			}
		case gateway.OutcomeSucceeded:
			if p.Status == models.PaymentStatusSucceeded {
				settled = true
				break
			}
			if !amountMatches(p, event.Outcome) {
				anomaly = models.ReconAmountMismatch
				detail = fmt.Sprintf("provider reported %s %s for payment of %s %s",
					event.Outcome.Amount, event.Outcome.Currency, p.Amount, p.Currency)
				break
			}
			other, err := r.supersedeOthers(ctx, tx, p)
			if err != nil {
				return err
			}
			if other != nil {
				anomaly = models.ReconDuplicatePayment
				detail = fmt.Sprintf("order %s already settled by payment %s; payment %s needs a refund", p.OrderID, other.ID, p.ID)
				break
			}
			occurred := event.OccurredAt
			p.Status = models.PaymentStatusSucceeded
			p.SucceededAt = &occurred
			p.FailureReason = ""
			if event.Outcome.Method != "" {
				p.Method = event.Outcome.Method
			}
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return err
			}
			settled = true
		}
		payment = *p
		return nil
	})
	if err != nil {
		return nil, err
	}

	paymentID, orderID := payment.ID, payment.OrderID
	result.PaymentID = &paymentID
	result.OrderID = &orderID
	result.PaymentStatus = payment.Status
	if payment.Status != previous {
		logger.Info("payment status updated",
			zap.String("payment_id", paymentID.String()),
			zap.String("from", string(previous)),
			zap.String("to", string(payment.Status)),
			zap.String("matched_by", match.Strategy))
	}

	if anomaly != "" {
		r.recordAnomaly(ctx, anomaly, event, &payment, detail)
		result.Anomaly = anomaly
	}
	if settled {
		r.settle(ctx, event, &payment, result)
	}

	if order, err := r.store.GetOrder(ctx, orderID); err == nil {
		result.OrderStatus = order.Status
	}
	return result, nil
}

// settle moves the order to paid and fires its effects. Failures here leave a succeeded
// payment on a pending order, which ResumeStranded picks up.
func (r *Reconciler) settle(ctx context.Context, event *gateway.PaymentEvent, payment *models.Payment, result *ReconcileResult) {
	paymentID := payment.ID
	_, err := r.ledger.MarkPaid(ctx, payment.OrderID, payment.ID, Transition{
		Description: fmt.Sprintf("%s payment %s confirmed", event.Provider, payment.ProviderPaymentID),
		Provider:    event.Provider,
		EventID:     event.EventID,
		PaymentID:   &paymentID,
		OccurredAt:  event.OccurredAt,
	})
	if apperr.KindOf(err) == apperr.KindInvalidTransition {
		result.Anomaly = models.ReconInvalidTransition
		if order, getErr := r.store.GetOrder(ctx, payment.OrderID); getErr == nil &&
			(order.Status == models.OrderStatusCancelled || order.Status == models.OrderStatusPendingPayment) {
			result.Anomaly = models.ReconPaidAfterCancel
		}
		return
	}
	if err != nil {
		r.log.Error("failed to mark order paid",
			zap.String("order_id", payment.OrderID.String()),
			zap.String("payment_id", payment.ID.String()),
			zap.Error(err))
		return
	}

	report, err := r.dispatcher.Dispatch(ctx, payment.OrderID)
	if err != nil {
		r.log.Error("failed to dispatch side effects", zap.String("order_id", payment.OrderID.String()), zap.Error(err))
	}
	result.Dispatch = report
}

// supersedeOthers fails the order's other pending payments so p can hold the open slot. It
// returns the other payment when one already succeeded.
func (r *Reconciler) supersedeOthers(ctx context.Context, tx repository.Store, p *models.Payment) (*models.Payment, error) {
	payments, err := tx.ListPaymentsByOrder(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	for i := range payments {
		other := &payments[i]
		if other.ID == p.ID || other.Status == models.PaymentStatusFailed {
			continue
		}
		if other.Status == models.PaymentStatusSucceeded {
			return other, nil
		}
		other.Status = models.PaymentStatusFailed
		other.FailureReason = "superseded"
		if err := tx.UpdatePayment(ctx, other); err != nil {
			return nil, err
		}
		if _, err := tx.AppendFact(ctx, &models.MetadataFact{
			WrittenAt:  r.now(),
			EntityType: models.EntityPayment,
			EntityID:   other.ID,
			Key:        models.FactSupersededBy,
			Value:      p.ID.String(),
			Version:    models.FactSchemaVersion,
		}); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func amountMatches(p *models.Payment, outcome gateway.PaymentOutcome) bool {
	if outcome.Currency != "" && !strings.EqualFold(outcome.Currency, p.Currency) {
		return false
	}
	return outcome.Amount.IsZero() || outcome.Amount.Equal(p.Amount)
}

func (r *Reconciler) deadLetter(ctx context.Context, event *gateway.PaymentEvent, cause error) {
	payload, err := json.Marshal(event)
	if err != nil {
		payload = nil
	}
	item := &models.ReconciliationItem{
		DedupKey: fmt.Sprintf("unmatched:%s:%s", event.Provider, event.EventID),
		Kind:     models.ReconUnmatchedEvent,
		Status:   models.ReconStatusOpen,
		Provider: event.Provider,
		EventID:  event.EventID,
		Detail:   cause.Error(),
		Payload:  datatypes.JSON(payload),
	}
	if id, parseErr := uuid.Parse(event.OrderID); parseErr == nil {
		item.OrderID = &id
	}
	created, err := r.store.RecordReconciliationItem(ctx, item)
	if err != nil {
		r.log.Error("failed to dead-letter payment event", zap.String("event_id", event.EventID), zap.Error(err))
	}
	r.log.Warn("unmatched payment event",
		zap.String("provider", string(event.Provider)),
		zap.String("event_id", event.EventID),
		zap.String("provider_payment_id", event.ProviderPaymentID),
		zap.Strings("alias_ids", event.AliasIDs),
		zap.String("order_id", event.OrderID),
		zap.Bool("new_item", created))
}

func (r *Reconciler) recordAnomaly(ctx context.Context, kind models.ReconciliationKind, event *gateway.PaymentEvent, p *models.Payment, detail string) {
	orderID, paymentID := p.OrderID, p.ID
	payload, _ := json.Marshal(event)
	if _, err := r.store.RecordReconciliationItem(ctx, &models.ReconciliationItem{
		DedupKey:  fmt.Sprintf("%s:%s:%s", kind, event.Provider, event.EventID),
		Kind:      kind,
		Status:    models.ReconStatusOpen,
		Provider:  event.Provider,
		EventID:   event.EventID,
		OrderID:   &orderID,
		PaymentID: &paymentID,
		Detail:    detail,
		Payload:   datatypes.JSON(payload),
	}); err != nil {
		r.log.Error("failed to record reconciliation item", zap.String("kind", string(kind)), zap.Error(err))
	}
	r.log.Warn("payment anomaly",
		zap.String("kind", string(kind)),
		zap.String("order_id", orderID.String()),
		zap.String("payment_id", paymentID.String()),
		zap.String("event_id", event.EventID),
		zap.String("detail", detail))
}

// Sweep resumes payments that succeeded on an order still pending_payment, then re-dispatches
// effects for orders that have been paid for longer than the effect stale window.
func (r *Reconciler) Sweep(ctx context.Context, limit int) (*SweepReport, error) {
	report := &SweepReport{}

	stranded, err := r.store.ListStrandedPayments(ctx, limit)
	if err != nil {
		return nil, err
	}
	for i := range stranded {
		p := &stranded[i]
		occurred := p.UpdatedAt
		if p.SucceededAt != nil {
			occurred = *p.SucceededAt
		}
		paymentID := p.ID
		_, err := r.ledger.MarkPaid(ctx, p.OrderID, p.ID, Transition{
			Description: fmt.Sprintf("stranded %s payment %s resumed", p.Provider, p.ProviderPaymentID),
			Provider:    p.Provider,
			EventID:     "stranded:" + p.ID.String(),
			PaymentID:   &paymentID,
			OccurredAt:  occurred,
		})
		if apperr.KindOf(err) == apperr.KindInvalidTransition {
			report.Anomalies++
			continue
		}
		if err != nil {
			r.log.Error("failed to resume stranded payment", zap.String("payment_id", p.ID.String()), zap.Error(err))
			continue
		}
		report.Resumed++
		if d, err := r.dispatcher.Dispatch(ctx, p.OrderID); err == nil && d.Completed {
			report.Completed++
		}
	}

	paid, err := r.store.ListOrdersByStatus(ctx, models.OrderStatusPaid, r.now().Add(-r.staleAfter), limit)
	if err != nil {
		return report, err
	}
	for _, o := range paid {
		d, err := r.dispatcher.Dispatch(ctx, o.ID)
		if err != nil {
			r.log.Error("failed to re-dispatch paid order", zap.String("order_id", o.ID.String()), zap.Error(err))
			continue
		}
		report.Redispatched++
		if d.Completed {
			report.Completed++
		}
	}

	if report.Resumed+report.Redispatched+report.Anomalies > 0 {
		r.log.Info("reconciliation sweep finished",
			zap.Int("resumed", report.Resumed),
			zap.Int("redispatched", report.Redispatched),
			zap.Int("completed", report.Completed),
			zap.Int("anomalies", report.Anomalies))
	}
	return report, nil
}

// ListItems returns reconciliation items for operator review.
func (r *Reconciler) ListItems(ctx context.Context, filter repository.ReconciliationFilter) ([]models.ReconciliationItem, error) {
	return r.store.ListReconciliationItems(ctx, filter)
}

// ReplayItem retries an open item: dead-lettered events go back through Process and failed
// effects are dispatched again. The item is resolved when the retry clears the anomaly.
func (r *Reconciler) ReplayItem(ctx context.Context, itemID uuid.UUID, operator string) (*models.ReconciliationItem, error) {
	item, err := r.store.GetReconciliationItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status != models.ReconStatusOpen {
		return nil, apperr.Newf(apperr.KindConflict, "reconciliation item %s is already %s", itemID, item.Status)
	}

	var cleared bool
	switch item.Kind {
	case models.ReconUnmatchedEvent:
		var event gateway.PaymentEvent
		if err := json.Unmarshal(item.Payload, &event); err != nil {
			return nil, apperr.New(apperr.KindValidation, "stored event payload is unreadable", err)
		}
		result, err := r.Process(ctx, &event)
		if err != nil {
			return nil, err
		}
		cleared = result.Anomaly != models.ReconUnmatchedEvent
	case models.ReconSideEffectFailed:
		if item.OrderID == nil {
			return nil, apperr.Newf(apperr.KindValidation, "reconciliation item %s has no order", itemID)
		}
		report, err := r.dispatcher.Dispatch(ctx, *item.OrderID)
		if err != nil {
			return nil, err
		}
		cleared = true
		for _, status := range report.Effects {
			if status != models.EffectStatusDone {
				cleared = false
			}
		}
	default:
		return nil, apperr.Newf(apperr.KindValidation, "%s items need a manual resolution", item.Kind)
	}

	item.Attempts++
	if cleared {
		now := r.now()
		item.Status = models.ReconStatusResolved
		item.Resolution = "replayed"
		item.ResolvedBy = operator
		item.ResolvedAt = &now
	}
	if err := r.store.UpdateReconciliationItem(ctx, item); err != nil {
		return nil, err
	}
	r.log.Info("reconciliation item replayed",
		zap.String("item_id", itemID.String()),
		zap.String("kind", string(item.Kind)),
		zap.Bool("resolved", cleared),
		zap.Int("attempts", item.Attempts),
		zap.String("operator", operator))
	return item, nil
}

// ResolveItem closes an item with an operator note.
func (r *Reconciler) ResolveItem(ctx context.Context, itemID uuid.UUID, operator, note string) (*models.ReconciliationItem, error) {
	if strings.TrimSpace(note) == "" {
		return nil, apperr.Newf(apperr.KindValidation, "a resolution note is required")
	}
	item, err := r.store.GetReconciliationItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status == models.ReconStatusResolved {
		return item, nil
	}
	now := r.now()
	item.Status = models.ReconStatusResolved
	item.Resolution = note
	item.ResolvedBy = operator
	item.ResolvedAt = &now
	if err := r.store.UpdateReconciliationItem(ctx, item); err != nil {
		return nil, err
	}
	r.log.Info("reconciliation item resolved",
		zap.String("item_id", itemID.String()),
		zap.String("kind", string(item.Kind)),
		zap.String("operator", operator))
	return item, nil
}

// jsonPayload stores a webhook body as JSON, quoting it when it is not JSON already.
func jsonPayload(payload []byte) datatypes.JSON {
	if json.Valid(payload) {
		return datatypes.JSON(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return datatypes.JSON(quoted)
}
