package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"orderflow_billing/internal/models"
	"orderflow_billing/internal/money"
	"orderflow_billing/internal/repository"
)

// Effect is one business consequence of a paid order. Apply must be safe to repeat: the
// dispatcher runs it at most once successfully, but a crash can replay an attempt.
type Effect interface {
	Type() models.EffectType
	Applies(order *models.Order) bool
	// Provisions reports whether the order is only delivered once this effect is done.
	Provisions() bool
	Apply(ctx context.Context, order *models.Order, payment *models.Payment) error
}

// InvoiceEffect issues the invoice.
type InvoiceEffect struct {
	invoices *InvoiceService
}

func NewInvoiceEffect(invoices *InvoiceService) *InvoiceEffect {
	return &InvoiceEffect{invoices: invoices}
}

func (e *InvoiceEffect) Type() models.EffectType { return models.EffectInvoice }

func (e *InvoiceEffect) Applies(order *models.Order) bool { return true }

func (e *InvoiceEffect) Provisions() bool { return false }

func (e *InvoiceEffect) Apply(ctx context.Context, order *models.Order, payment *models.Payment) error {
	_, err := e.invoices.Issue(ctx, order, payment)
	return err
}

// CreditsEffect tops up the organization's credit balance for credit packages.
type CreditsEffect struct {
	store repository.CreditRepository
}

func NewCreditsEffect(store repository.CreditRepository) *CreditsEffect {
	return &CreditsEffect{store: store}
}

func (e *CreditsEffect) Type() models.EffectType { return models.EffectCredits }

func (e *CreditsEffect) Applies(order *models.Order) bool {
	return order.ProductType == models.ProductTypeCreditPackage && order.ProductData.Credits > 0
}

func (e *CreditsEffect) Provisions() bool { return true }

func (e *CreditsEffect) Apply(ctx context.Context, order *models.Order, payment *models.Payment) error {
	// A false return means the order was credited by an earlier attempt.
	_, err := e.store.ApplyCredits(ctx, &models.CreditEntry{
		OrganizationID: order.OrganizationID,
		OrderID:        order.ID,
		Credits:        order.ProductData.Credits,
	})
	return err
}

// DocumentEmissionMessage asks the signing workflow to start for a paid order.
type DocumentEmissionMessage struct {
	OrderID        string             `json:"order_id"`
	OrganizationID string             `json:"organization_id"`
	OrderNumber    int64              `json:"order_number"`
	ProductType    models.ProductType `json:"product_type"`
	ProductData    models.ProductData `json:"product_data"`
	PaymentID      string             `json:"payment_id"`
	PaidAt         time.Time          `json:"paid_at"`
}

// DocumentEmissionEffect triggers document emission for signature and notarial products.
type DocumentEmissionEffect struct {
	publisher Publisher
}

func NewDocumentEmissionEffect(publisher Publisher) *DocumentEmissionEffect {
	return &DocumentEmissionEffect{publisher: publisher}
}

func (e *DocumentEmissionEffect) Type() models.EffectType { return models.EffectDocumentEmission }

func (e *DocumentEmissionEffect) Applies(order *models.Order) bool {
	return order.ProductType == models.ProductTypeSignature || order.ProductType == models.ProductTypeNotarial
}

func (e *DocumentEmissionEffect) Provisions() bool { return true }

func (e *DocumentEmissionEffect) Apply(ctx context.Context, order *models.Order, payment *models.Payment) error {
	paidAt := payment.UpdatedAt
	if payment.SucceededAt != nil {
		paidAt = *payment.SucceededAt
	}
	msg, err := json.Marshal(DocumentEmissionMessage{
		OrderID:        order.ID.String(),
		OrganizationID: order.OrganizationID,
		OrderNumber:    order.OrderNumber,
		ProductType:    order.ProductType,
		ProductData:    order.ProductData,
		PaymentID:      payment.ID.String(),
		PaidAt:         paidAt.UTC(),
	})
	if err != nil {
		return err
	}
	return e.publisher.Publish(ctx, msg, map[string]string{
		"event_type": "document_emission.requested",
		"dedup_key":  "document_emission:" + order.ID.String(),
	})
}

// NotificationEffect tells the customer the payment went through, on their chosen channel.
type NotificationEffect struct {
	email    Notifier
	whatsapp Notifier
}

// NewNotificationEffect accepts nil notifiers for channels that are not configured.
func NewNotificationEffect(email, whatsapp Notifier) *NotificationEffect {
	return &NotificationEffect{email: email, whatsapp: whatsapp}
}

func (e *NotificationEffect) Type() models.EffectType { return models.EffectNotification }

func (e *NotificationEffect) Applies(order *models.Order) bool {
	_, to := e.route(order)
	return to != ""
}

func (e *NotificationEffect) Provisions() bool { return false }

func (e *NotificationEffect) Apply(ctx context.Context, order *models.Order, payment *models.Payment) error {
	notifier, to := e.route(order)
	if to == "" {
		return nil
	}
	subject := fmt.Sprintf("Payment received for order #%d", order.OrderNumber)
	body := fmt.Sprintf("We received your payment of %s %s for order #%d. Thank you!",
		order.Amount.StringFixed(money.Precision(order.Currency)), order.Currency, order.OrderNumber)
	return notifier.Send(ctx, to, subject, body)
}

func (e *NotificationEffect) route(order *models.Order) (Notifier, string) {
	switch order.NotifyChannel {
	case models.NotificationChannelEmail:
		if e.email != nil && order.CustomerEmail != "" {
			return e.email, order.CustomerEmail
		}
	case models.NotificationChannelWhatsapp:
		if e.whatsapp != nil && order.CustomerPhone != "" {
			return e.whatsapp, order.CustomerPhone
		}
	}
	return nil, ""
}
