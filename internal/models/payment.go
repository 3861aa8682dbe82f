package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PaymentProvider names a supported payment gateway
type PaymentProvider string

const (
	ProviderStripe   PaymentProvider = "stripe"
	ProviderMidtrans PaymentProvider = "midtrans"
)

// PaymentStatus represents the outcome of one payment attempt
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Payment is one attempt by one provider to settle one order.
// At most one non-failed payment exists per order.
type Payment struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID           uuid.UUID       `gorm:"type:uuid;not null;index;uniqueIndex:idx_payments_open_order,where:status <> 'failed'" json:"order_id"`
	Provider          PaymentProvider `gorm:"type:varchar(20);not null;uniqueIndex:idx_payments_provider_ref,priority:1" json:"provider"`
	ProviderPaymentID string          `gorm:"type:varchar(255);not null;uniqueIndex:idx_payments_provider_ref,priority:2" json:"provider_payment_id"`
	Status            PaymentStatus   `gorm:"type:varchar(20);not null;index" json:"status"`
	Amount            decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"amount"`
	Currency          string          `gorm:"type:varchar(3);not null" json:"currency"`

	RedirectURL   string     `gorm:"type:text" json:"redirect_url,omitempty"`
	ClientToken   string     `gorm:"type:varchar(255)" json:"client_token,omitempty"`
	Method        string     `gorm:"type:varchar(50)" json:"method,omitempty"`
	FailureReason string     `gorm:"type:text" json:"failure_reason,omitempty"`
	SucceededAt   *time.Time `json:"succeeded_at,omitempty"`
}

// BeforeCreate assigns a random identifier
func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
