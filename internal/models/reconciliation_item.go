package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ReconciliationKind classifies an anomaly that needs operator attention
type ReconciliationKind string

const (
	ReconUnmatchedEvent    ReconciliationKind = "unmatched_event"
	ReconInvalidTransition ReconciliationKind = "invalid_transition"
	ReconSideEffectFailed  ReconciliationKind = "side_effect_failed"
	ReconPaidAfterCancel   ReconciliationKind = "paid_after_cancel"
	ReconAmountMismatch    ReconciliationKind = "amount_mismatch"
	ReconDuplicatePayment  ReconciliationKind = "duplicate_payment"
)

type ReconciliationStatus string

const (
	ReconStatusOpen     ReconciliationStatus = "open"
	ReconStatusResolved ReconciliationStatus = "resolved"
)

// ReconciliationItem is a dead-lettered event or anomaly kept for manual or scheduled remediation.
// DedupKey collapses redeliveries of the same anomaly into one row.
type ReconciliationItem struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	DedupKey  string               `gorm:"type:varchar(255);not null;uniqueIndex" json:"dedup_key"`
	Kind      ReconciliationKind   `gorm:"type:varchar(30);not null;index:idx_recon_status_kind,priority:2" json:"kind"`
	Status    ReconciliationStatus `gorm:"type:varchar(20);not null;index:idx_recon_status_kind,priority:1" json:"status"`
	Provider  PaymentProvider      `gorm:"type:varchar(20)" json:"provider,omitempty"`
	EventID   string               `gorm:"type:varchar(255)" json:"event_id,omitempty"`
	OrderID   *uuid.UUID           `gorm:"type:uuid;index" json:"order_id,omitempty"`
	PaymentID *uuid.UUID           `gorm:"type:uuid" json:"payment_id,omitempty"`
	Detail    string               `gorm:"type:text" json:"detail"`
	Payload   datatypes.JSON       `gorm:"type:jsonb" json:"payload,omitempty"`
	Attempts  int                  `gorm:"not null;default:0" json:"attempts"`

	Resolution string     `gorm:"type:text" json:"resolution,omitempty"`
	ResolvedBy string     `gorm:"type:varchar(255)" json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// BeforeCreate assigns a random identifier
func (r *ReconciliationItem) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
