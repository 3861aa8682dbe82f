package models

import (
	"time"

	"github.com/google/uuid"
)

// CreditAccount holds the prepaid credit balance of an organization
type CreditAccount struct {
	OrganizationID string    `gorm:"type:varchar(100);primaryKey" json:"organization_id"`
	Balance        int64     `gorm:"not null;default:0" json:"balance"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CreditEntry is the ledger line for one credit top-up; at most one per order
type CreditEntry struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OrganizationID string    `gorm:"type:varchar(100);not null;index" json:"organization_id"`
	OrderID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"order_id"`
	Credits        int64     `gorm:"not null" json:"credits"`
}
