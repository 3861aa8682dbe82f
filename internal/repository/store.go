// Package repository is the durable store behind the reconciliation core. Every multi-step
// mutation runs inside Store.Transaction; row reads that precede a write use the ForUpdate
// variants so concurrent callers serialize on the row.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/models"
)

// ErrDuplicateKey is returned when an insert violates a unique constraint.
var ErrDuplicateKey = errors.New("duplicate key")

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
	ListExpiredPendingOrders(ctx context.Context, now time.Time, limit int) ([]models.Order, error)
	ListOrdersByStatus(ctx context.Context, status models.OrderStatus, updatedBefore time.Time, limit int) ([]models.Order, error)
	AppendOrderHistory(ctx context.Context, entry *models.OrderHistory) error
	ListOrderHistory(ctx context.Context, orderID uuid.UUID) ([]models.OrderHistory, error)
}

type PaymentRepository interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
	FindPaymentByProviderID(ctx context.Context, provider models.PaymentProvider, providerPaymentID string) (*models.Payment, error)
	// FindPaymentByAlias matches any payment of provider carrying one of aliases as an alias_id fact.
	FindPaymentByAlias(ctx context.Context, provider models.PaymentProvider, aliases []string) (*models.Payment, error)
	// FindOpenPayment returns the order's payment that is not failed.
	FindOpenPayment(ctx context.Context, orderID uuid.UUID) (*models.Payment, error)
	ListPaymentsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Payment, error)
	// ListStrandedPayments returns succeeded payments whose order is still pending_payment.
	ListStrandedPayments(ctx context.Context, limit int) ([]models.Payment, error)
}

type FactRepository interface {
	// AppendFact inserts fact unless the identical (entity, key, value) already exists.
	AppendFact(ctx context.Context, fact *models.MetadataFact) (bool, error)
	ListFacts(ctx context.Context, entityType models.EntityType, entityID uuid.UUID) ([]models.MetadataFact, error)
	FindFact(ctx context.Context, entityType models.EntityType, key, value string) (*models.MetadataFact, error)
}

type InvoiceRepository interface {
	// NextCounterValue atomically increments and returns the counter for (organization, scope).
	NextCounterValue(ctx context.Context, organizationID, scope string) (int64, error)
	CreateInvoice(ctx context.Context, invoice *models.Invoice) error
	GetInvoiceByOrder(ctx context.Context, orderID uuid.UUID) (*models.Invoice, error)
}

type RefundRepository interface {
	CreateRefund(ctx context.Context, refund *models.Refund) error
	UpdateRefund(ctx context.Context, refund *models.Refund) error
	// FindActiveRefund returns the payment's refund that is not failed.
	FindActiveRefund(ctx context.Context, paymentID uuid.UUID) (*models.Refund, error)
}

type EffectRepository interface {
	// ClaimEffect takes ownership of (order, effect). A done effect is never claimed; a failed
	// effect, or a running one last touched before staleBefore, is reclaimed.
	ClaimEffect(ctx context.Context, orderID uuid.UUID, effect models.EffectType, staleBefore time.Time) (bool, *models.SideEffect, error)
	UpdateEffect(ctx context.Context, effect *models.SideEffect) error
	ListEffects(ctx context.Context, orderID uuid.UUID) ([]models.SideEffect, error)
}

type CreditRepository interface {
	// ApplyCredits records entry and adds its credits to the organization balance.
	// It reports false when the order was already credited.
	ApplyCredits(ctx context.Context, entry *models.CreditEntry) (bool, error)
	GetCreditAccount(ctx context.Context, organizationID string) (*models.CreditAccount, error)
}

// ReconciliationFilter narrows ListReconciliationItems; zero values match everything.
type ReconciliationFilter struct {
	Status models.ReconciliationStatus
	Kind   models.ReconciliationKind
	Limit  int
}

type ReconciliationRepository interface {
	// RecordReconciliationItem inserts item unless an item with the same DedupKey exists.
	RecordReconciliationItem(ctx context.Context, item *models.ReconciliationItem) (bool, error)
	GetReconciliationItem(ctx context.Context, id uuid.UUID) (*models.ReconciliationItem, error)
	UpdateReconciliationItem(ctx context.Context, item *models.ReconciliationItem) error
	ListReconciliationItems(ctx context.Context, filter ReconciliationFilter) ([]models.ReconciliationItem, error)
	RecordCallback(ctx context.Context, callback *models.PaymentCallbackHistory) error
}

type TaxRepository interface {
	GetTaxRate(ctx context.Context, country string) (*models.TaxRate, error)
	SaveTaxRate(ctx context.Context, rate *models.TaxRate) error
}

type TaskRepository interface {
	CreateTask(ctx context.Context, task *models.ScheduledTask) error
	SaveTask(ctx context.Context, task *models.ScheduledTask) error
	ListDueTasks(ctx context.Context, now time.Time) ([]models.ScheduledTask, error)
	ListTasks(ctx context.Context) ([]models.ScheduledTask, error)
	FindActiveTask(ctx context.Context, name string) (*models.ScheduledTask, error)
	RecordTaskHistory(ctx context.Context, history *models.ScheduledTaskHistory) error
}

// Store groups every repository. Transaction runs fn against a Store bound to one database
// transaction, committing when fn returns nil and rolling back otherwise.
type Store interface {
	OrderRepository
	PaymentRepository
	FactRepository
	InvoiceRepository
	RefundRepository
	EffectRepository
	CreditRepository
	ReconciliationRepository
	TaxRepository
	TaskRepository

	Transaction(ctx context.Context, fn func(tx Store) error) error
}
