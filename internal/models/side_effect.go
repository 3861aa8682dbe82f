package models

import (
	"time"

	"github.com/google/uuid"
)

// EffectType names a business effect fired after an order is paid
type EffectType string

const (
	EffectInvoice          EffectType = "invoice"
	EffectCredits          EffectType = "credits"
	EffectDocumentEmission EffectType = "document_emission"
	EffectNotification     EffectType = "notification"
)

// EffectStatus tracks one (order, effect) execution
type EffectStatus string

const (
	EffectStatusRunning EffectStatus = "running"
	EffectStatusDone    EffectStatus = "done"
	EffectStatusFailed  EffectStatus = "failed"
)

// SideEffect is the execution record for one effect of one order
type SideEffect struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID     uuid.UUID    `gorm:"type:uuid;not null;uniqueIndex:idx_side_effects_order_type,priority:1" json:"order_id"`
	EffectType  EffectType   `gorm:"type:varchar(30);not null;uniqueIndex:idx_side_effects_order_type,priority:2" json:"effect_type"`
	Status      EffectStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	Attempts    int          `gorm:"not null;default:0" json:"attempts"`
	LastError   string       `gorm:"type:text" json:"last_error,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}
