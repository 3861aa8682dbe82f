package models

import (
	"time"

	"github.com/google/uuid"
)

// EntityType names the table a metadata fact is attached to
type EntityType string

const (
	EntityOrder   EntityType = "order"
	EntityPayment EntityType = "payment"
)

// Fact keys
const (
	FactAliasID               = "alias_id"
	FactCheckoutSessionID     = "checkout_session_id"
	FactPaymentIntentID       = "payment_intent_id"
	FactMidtransOrderID       = "midtrans_order_id"
	FactSupersededBy          = "superseded_by"
	FactRecoveryToken         = "recovery_token"
	FactRecoveryTokenConsumed = "recovery_token_consumed"
)

// FactSchemaVersion is written on every new fact so readers can evolve the value encoding.
const FactSchemaVersion = 1

// MetadataFact is an append-only correlation value attached to an order or payment.
// Facts are never updated; a new value for the same key is a new row.
type MetadataFact struct {
	ID        uint       `gorm:"primarykey" json:"id"`
	WrittenAt time.Time  `gorm:"not null" json:"written_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	EntityType EntityType `gorm:"type:varchar(20);not null;uniqueIndex:idx_facts_entity_key_value,priority:1;index:idx_facts_key_value,priority:1" json:"entity_type"`
	EntityID   uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_facts_entity_key_value,priority:2" json:"entity_id"`
	Key        string     `gorm:"type:varchar(64);not null;uniqueIndex:idx_facts_entity_key_value,priority:3;index:idx_facts_key_value,priority:2" json:"key"`
	Value      string     `gorm:"type:varchar(255);not null;uniqueIndex:idx_facts_entity_key_value,priority:4;index:idx_facts_key_value,priority:3" json:"value"`
	Version    int        `gorm:"not null;default:1" json:"version"`
}

// Live reports whether the fact has not expired at t
func (f MetadataFact) Live(t time.Time) bool {
	return f.ExpiresAt == nil || t.Before(*f.ExpiresAt)
}
