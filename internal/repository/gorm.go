package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/models"
)

// GormStore implements Store on PostgreSQL through gorm. The *gorm.DB must be opened with
// TranslateError so unique violations surface as gorm.ErrDuplicatedKey.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperr.New(apperr.KindNotFound, op+": not found", err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w: %v", op, ErrDuplicateKey, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var forUpdate = clause.Locking{Strength: "UPDATE"}

// Orders

func (s *GormStore) CreateOrder(ctx context.Context, order *models.Order) error {
	return translate("create order", s.conn(ctx).Create(order).Error)
}

func (s *GormStore) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := s.conn(ctx).First(&order, "id = ?", id).Error; err != nil {
		return nil, translate("get order", err)
	}
	return &order, nil
}

func (s *GormStore) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := s.conn(ctx).Clauses(forUpdate).First(&order, "id = ?", id).Error; err != nil {
		return nil, translate("lock order", err)
	}
	return &order, nil
}

func (s *GormStore) UpdateOrder(ctx context.Context, order *models.Order) error {
	return translate("update order", s.conn(ctx).Save(order).Error)
}

func (s *GormStore) ListExpiredPendingOrders(ctx context.Context, now time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.conn(ctx).
		Where("status = ? AND expires_at < ?", models.OrderStatusPendingPayment, now).
		Order("expires_at").
		Limit(limit).
		Find(&orders).Error
	return orders, translate("list expired orders", err)
}

func (s *GormStore) ListOrdersByStatus(ctx context.Context, status models.OrderStatus, updatedBefore time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.conn(ctx).
		Where("status = ? AND updated_at < ?", status, updatedBefore).
		Order("updated_at").
		Limit(limit).
		Find(&orders).Error
	return orders, translate("list orders by status", err)
}

func (s *GormStore) AppendOrderHistory(ctx context.Context, entry *models.OrderHistory) error {
	return translate("append order history", s.conn(ctx).Create(entry).Error)
}

func (s *GormStore) ListOrderHistory(ctx context.Context, orderID uuid.UUID) ([]models.OrderHistory, error) {
	var history []models.OrderHistory
	err := s.conn(ctx).Where("order_id = ?", orderID).Order("id").Find(&history).Error
	return history, translate("list order history", err)
}

// Payments

func (s *GormStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return translate("create payment", s.conn(ctx).Create(payment).Error)
}

func (s *GormStore) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := s.conn(ctx).First(&payment, "id = ?", id).Error; err != nil {
		return nil, translate("get payment", err)
	}
	return &payment, nil
}

func (s *GormStore) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := s.conn(ctx).Clauses(forUpdate).First(&payment, "id = ?", id).Error; err != nil {
		return nil, translate("lock payment", err)
	}
	return &payment, nil
}

func (s *GormStore) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	return translate("update payment", s.conn(ctx).Save(payment).Error)
}

func (s *GormStore) FindPaymentByProviderID(ctx context.Context, provider models.PaymentProvider, providerPaymentID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.conn(ctx).
		Where("provider = ? AND provider_payment_id = ?", provider, providerPaymentID).
		First(&payment).Error
	if err != nil {
		return nil, translate("find payment by provider id", err)
	}
	return &payment, nil
}

func (s *GormStore) FindPaymentByAlias(ctx context.Context, provider models.PaymentProvider, aliases []string) (*models.Payment, error) {
	if len(aliases) == 0 {
		return nil, apperr.New(apperr.KindNotFound, "find payment by alias: not found", nil)
	}
	db := s.conn(ctx)
	aliased := db.Model(&models.MetadataFact{}).
		Select("entity_id").
		Where("entity_type = ? AND key = ? AND value IN ?", models.EntityPayment, models.FactAliasID, aliases)

	var payment models.Payment
	err := db.Where("provider = ? AND id IN (?)", provider, aliased).
		Order("created_at DESC").
		First(&payment).Error
	if err != nil {
		return nil, translate("find payment by alias", err)
	}
	return &payment, nil
}

func (s *GormStore) FindOpenPayment(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	err := s.conn(ctx).
		Where("order_id = ? AND status <> ?", orderID, models.PaymentStatusFailed).
		First(&payment).Error
	if err != nil {
		return nil, translate("find open payment", err)
	}
	return &payment, nil
}

func (s *GormStore) ListPaymentsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.conn(ctx).Where("order_id = ?", orderID).Order("created_at").Find(&payments).Error
	return payments, translate("list payments", err)
}

func (s *GormStore) ListStrandedPayments(ctx context.Context, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.conn(ctx).
		Joins("JOIN orders ON orders.id = payments.order_id").
		Where("payments.status = ? AND orders.status = ?", models.PaymentStatusSucceeded, models.OrderStatusPendingPayment).
		Order("payments.updated_at").
		Limit(limit).
		Find(&payments).Error
	return payments, translate("list stranded payments", err)
}

// Facts

func (s *GormStore) AppendFact(ctx context.Context, fact *models.MetadataFact) (bool, error) {
	if fact.WrittenAt.IsZero() {
		fact.WrittenAt = time.Now()
	}
	if fact.Version == 0 {
		fact.Version = models.FactSchemaVersion
	}
	res := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(fact)
	if res.Error != nil {
		return false, translate("append fact", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) ListFacts(ctx context.Context, entityType models.EntityType, entityID uuid.UUID) ([]models.MetadataFact, error) {
	var facts []models.MetadataFact
	err := s.conn(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("id").
		Find(&facts).Error
	return facts, translate("list facts", err)
}

func (s *GormStore) FindFact(ctx context.Context, entityType models.EntityType, key, value string) (*models.MetadataFact, error) {
	var fact models.MetadataFact
	err := s.conn(ctx).
		Where("entity_type = ? AND key = ? AND value = ?", entityType, key, value).
		Order("id DESC").
		First(&fact).Error
	if err != nil {
		return nil, translate("find fact", err)
	}
	return &fact, nil
}

// Invoicing

const nextCounterSQL = `INSERT INTO invoice_counters (organization_id, scope, last_value, updated_at)
VALUES (?, ?, 1, ?)
ON CONFLICT (organization_id, scope)
DO UPDATE SET last_value = invoice_counters.last_value + 1, updated_at = EXCLUDED.updated_at
RETURNING last_value`

func (s *GormStore) NextCounterValue(ctx context.Context, organizationID, scope string) (int64, error) {
	var value int64
	row := s.conn(ctx).Raw(nextCounterSQL, organizationID, scope, time.Now()).Row()
	if err := row.Scan(&value); err != nil {
		return 0, translate("next counter value", err)
	}
	return value, nil
}

func (s *GormStore) CreateInvoice(ctx context.Context, invoice *models.Invoice) error {
	return translate("create invoice", s.conn(ctx).Create(invoice).Error)
}

func (s *GormStore) GetInvoiceByOrder(ctx context.Context, orderID uuid.UUID) (*models.Invoice, error) {
	var invoice models.Invoice
	if err := s.conn(ctx).First(&invoice, "order_id = ?", orderID).Error; err != nil {
		return nil, translate("get invoice", err)
	}
	return &invoice, nil
}

// Refunds

func (s *GormStore) CreateRefund(ctx context.Context, refund *models.Refund) error {
	return translate("create refund", s.conn(ctx).Create(refund).Error)
}

func (s *GormStore) UpdateRefund(ctx context.Context, refund *models.Refund) error {
	return translate("update refund", s.conn(ctx).Save(refund).Error)
}

func (s *GormStore) FindActiveRefund(ctx context.Context, paymentID uuid.UUID) (*models.Refund, error) {
	var refund models.Refund
	err := s.conn(ctx).
		Where("payment_id = ? AND status <> ?", paymentID, models.RefundStatusFailed).
		First(&refund).Error
	if err != nil {
		return nil, translate("find active refund", err)
	}
	return &refund, nil
}

// Side effects

func (s *GormStore) ClaimEffect(ctx context.Context, orderID uuid.UUID, effect models.EffectType, staleBefore time.Time) (bool, *models.SideEffect, error) {
	db := s.conn(ctx)
	record := models.SideEffect{
		OrderID:    orderID,
		EffectType: effect,
		Status:     models.EffectStatusRunning,
		Attempts:   1,
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if res.Error != nil {
		return false, nil, translate("claim effect", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, &record, nil
	}

	if err := db.Where("order_id = ? AND effect_type = ?", orderID, effect).First(&record).Error; err != nil {
		return false, nil, translate("load effect", err)
	}
	if record.Status == models.EffectStatusDone {
		return false, &record, nil
	}

	now := time.Now()
	res = db.Model(&models.SideEffect{}).
		Where("id = ? AND (status = ? OR (status = ? AND updated_at < ?))",
			record.ID, models.EffectStatusFailed, models.EffectStatusRunning, staleBefore).
		Updates(map[string]interface{}{
			"status":     models.EffectStatusRunning,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, nil, translate("reclaim effect", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, &record, nil
	}
	record.Status = models.EffectStatusRunning
	record.Attempts++
	record.UpdatedAt = now
	return true, &record, nil
}

func (s *GormStore) UpdateEffect(ctx context.Context, effect *models.SideEffect) error {
	return translate("update effect", s.conn(ctx).Save(effect).Error)
}

func (s *GormStore) ListEffects(ctx context.Context, orderID uuid.UUID) ([]models.SideEffect, error) {
	var effects []models.SideEffect
	err := s.conn(ctx).Where("order_id = ?", orderID).Order("id").Find(&effects).Error
	return effects, translate("list effects", err)
}

// Credits

// ApplyCredits inserts the entry and bumps the account balance in one transaction, so a
// failed balance update rolls the entry back and a retry credits the account again.
func (s *GormStore) ApplyCredits(ctx context.Context, entry *models.CreditEntry) (bool, error) {
	applied := false
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			DoNothing: true,
		}).Create(entry)
		if res.Error != nil {
			return translate("insert credit entry", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		now := time.Now()
		account := models.CreditAccount{OrganizationID: entry.OrganizationID, Balance: entry.Credits, UpdatedAt: now}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "organization_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"balance":    gorm.Expr("credit_accounts.balance + ?", entry.Credits),
				"updated_at": now,
			}),
		}).Create(&account).Error
		if err != nil {
			return translate("credit account", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *GormStore) GetCreditAccount(ctx context.Context, organizationID string) (*models.CreditAccount, error) {
	var account models.CreditAccount
	if err := s.conn(ctx).First(&account, "organization_id = ?", organizationID).Error; err != nil {
		return nil, translate("get credit account", err)
	}
	return &account, nil
}

// Reconciliation

func (s *GormStore) RecordReconciliationItem(ctx context.Context, item *models.ReconciliationItem) (bool, error) {
	res := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedup_key"}},
		DoNothing: true,
	}).Create(item)
	if res.Error != nil {
		return false, translate("record reconciliation item", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) GetReconciliationItem(ctx context.Context, id uuid.UUID) (*models.ReconciliationItem, error) {
	var item models.ReconciliationItem
	if err := s.conn(ctx).First(&item, "id = ?", id).Error; err != nil {
		return nil, translate("get reconciliation item", err)
	}
	return &item, nil
}

func (s *GormStore) UpdateReconciliationItem(ctx context.Context, item *models.ReconciliationItem) error {
	return translate("update reconciliation item", s.conn(ctx).Save(item).Error)
}

func (s *GormStore) ListReconciliationItems(ctx context.Context, filter ReconciliationFilter) ([]models.ReconciliationItem, error) {
	query := s.conn(ctx).Order("created_at")
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var items []models.ReconciliationItem
	return items, translate("list reconciliation items", query.Find(&items).Error)
}

func (s *GormStore) RecordCallback(ctx context.Context, callback *models.PaymentCallbackHistory) error {
	return translate("record callback", s.conn(ctx).Create(callback).Error)
}

// Tax

func (s *GormStore) GetTaxRate(ctx context.Context, country string) (*models.TaxRate, error) {
	var rate models.TaxRate
	if err := s.conn(ctx).First(&rate, "country = ?", country).Error; err != nil {
		return nil, translate("get tax rate", err)
	}
	return &rate, nil
}

func (s *GormStore) SaveTaxRate(ctx context.Context, rate *models.TaxRate) error {
	return translate("save tax rate", s.conn(ctx).Save(rate).Error)
}

// Scheduled tasks

func (s *GormStore) CreateTask(ctx context.Context, task *models.ScheduledTask) error {
	return translate("create task", s.conn(ctx).Create(task).Error)
}

func (s *GormStore) SaveTask(ctx context.Context, task *models.ScheduledTask) error {
	return translate("save task", s.conn(ctx).Save(task).Error)
}

func (s *GormStore) ListDueTasks(ctx context.Context, now time.Time) ([]models.ScheduledTask, error) {
	var tasks []models.ScheduledTask
	err := s.conn(ctx).
		Where("status = ? AND due <= ?", models.ScheduledTaskStatusActive, now).
		Order("due").
		Find(&tasks).Error
	return tasks, translate("list due tasks", err)
}

func (s *GormStore) ListTasks(ctx context.Context) ([]models.ScheduledTask, error) {
	var tasks []models.ScheduledTask
	return tasks, translate("list tasks", s.conn(ctx).Order("id").Find(&tasks).Error)
}

func (s *GormStore) FindActiveTask(ctx context.Context, name string) (*models.ScheduledTask, error) {
	var task models.ScheduledTask
	err := s.conn(ctx).
		Where("task_name = ? AND status = ?", name, models.ScheduledTaskStatusActive).
		First(&task).Error
	if err != nil {
		return nil, translate("find active task", err)
	}
	return &task, nil
}

func (s *GormStore) RecordTaskHistory(ctx context.Context, history *models.ScheduledTaskHistory) error {
	return translate("record task history", s.conn(ctx).Create(history).Error)
}
