package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TaxRate is the sales tax rate of a jurisdiction, e.g. 0.19 for 19%
type TaxRate struct {
	Country   string          `gorm:"type:varchar(2);primaryKey" json:"country"`
	Rate      decimal.Decimal `gorm:"type:numeric(6,4);not null" json:"rate"`
	UpdatedAt time.Time       `json:"updated_at"`
}
