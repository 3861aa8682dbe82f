package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Invoice is the billing record for a paid order. Amounts never change after creation.
type Invoice struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrganizationID string    `gorm:"type:varchar(100);not null;uniqueIndex:idx_invoices_org_number,priority:1" json:"organization_id"`
	Number         int64     `gorm:"not null;uniqueIndex:idx_invoices_org_number,priority:2" json:"number"`
	OrderID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"order_id"`
	PaymentID      uuid.UUID `gorm:"type:uuid;not null" json:"payment_id"`

	Subtotal decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"subtotal"`
	Tax      decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"tax"`
	Total    decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"total"`
	Currency string          `gorm:"type:varchar(3);not null" json:"currency"`
	IssuedAt time.Time       `json:"issued_at"`

	ExternalPDFURL string `gorm:"type:text" json:"external_pdf_url,omitempty"`
	ExternalStatus string `gorm:"type:varchar(50)" json:"external_status,omitempty"`
}

// BeforeCreate assigns a random identifier
func (i *Invoice) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// DisplayNumber formats the sequential number for documents
func (i Invoice) DisplayNumber() string {
	return fmt.Sprintf("INV-%06d", i.Number)
}

// Sequence scopes
const (
	SequenceScopeInvoice = "invoice"
	SequenceScopeOrder   = "order"
)

// InvoiceCounter holds the last allocated number per organization and scope
type InvoiceCounter struct {
	OrganizationID string    `gorm:"type:varchar(100);primaryKey" json:"organization_id"`
	Scope          string    `gorm:"type:varchar(20);primaryKey" json:"scope"`
	LastValue      int64     `gorm:"not null;default:0" json:"last_value"`
	UpdatedAt      time.Time `json:"updated_at"`
}
