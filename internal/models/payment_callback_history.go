package models

import (
	"time"

	"gorm.io/datatypes"
)

// PaymentCallbackHistory stores every inbound provider callback as received
type PaymentCallbackHistory struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	Provider       PaymentProvider `gorm:"type:varchar(20);not null;index" json:"provider"`
	EventID        string          `gorm:"type:varchar(255);index" json:"event_id"`
	EventType      string          `gorm:"type:varchar(100)" json:"event_type"`
	SignatureValid bool            `json:"signature_valid"`
	Payload        datatypes.JSON  `gorm:"type:jsonb" json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}
