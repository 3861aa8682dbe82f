package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RefundStatus represents the provider-side state of a reversal
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
)

// Refund records a reversal of a payment. A payment has at most one non-failed refund.
type Refund struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID          uuid.UUID       `gorm:"type:uuid;not null;index" json:"order_id"`
	PaymentID        uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_refunds_active_payment,where:status <> 'failed'" json:"payment_id"`
	Provider         PaymentProvider `gorm:"type:varchar(20);not null" json:"provider"`
	ProviderRefundID string          `gorm:"type:varchar(255)" json:"provider_refund_id"`
	Amount           decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"amount"`
	Currency         string          `gorm:"type:varchar(3);not null" json:"currency"`
	Status           RefundStatus    `gorm:"type:varchar(20);not null" json:"status"`
	Reason           string          `gorm:"type:text" json:"reason,omitempty"`
	RequestedBy      string          `gorm:"type:varchar(255)" json:"requested_by,omitempty"`
	ConfirmedAt      *time.Time      `json:"confirmed_at,omitempty"`
}

// BeforeCreate assigns a random identifier
func (r *Refund) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
