package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderStatus represents where an order is in its payment lifecycle
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusCompleted      OrderStatus = "completed"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusRefunded       OrderStatus = "refunded"
)

// ProductType identifies the product bundle an order sells
type ProductType string

const (
	ProductTypeSignature     ProductType = "signature"
	ProductTypeNotarial      ProductType = "notarial"
	ProductTypeCreditPackage ProductType = "credit_package"
)

// Valid reports whether t is a known product type
func (t ProductType) Valid() bool {
	switch t {
	case ProductTypeSignature, ProductTypeNotarial, ProductTypeCreditPackage:
		return true
	}
	return false
}

// LineItem is one priced line of a product bundle
type LineItem struct {
	ProductID   string          `json:"product_id"`
	Description string          `json:"description,omitempty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
}

// Subtotal returns unit price times quantity
func (l LineItem) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// ProductData is the immutable snapshot of what the order sells
type ProductData struct {
	ProductID string     `json:"product_id"`
	Lines     []LineItem `json:"lines"`
	Credits   int64      `json:"credits,omitempty"`
}

// LinesTotal sums the line subtotals
func (p ProductData) LinesTotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range p.Lines {
		total = total.Add(l.Subtotal())
	}
	return total
}

// Order is a purchase intent for one product bundle
type Order struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrganizationID string      `gorm:"type:varchar(100);not null;uniqueIndex:idx_orders_org_number,priority:1" json:"organization_id"`
	OrderNumber    int64       `gorm:"not null;uniqueIndex:idx_orders_org_number,priority:2" json:"order_number"`
	Status         OrderStatus `gorm:"type:varchar(20);not null;index:idx_orders_status_expires,priority:1" json:"status"`
	ProductType    ProductType `gorm:"type:varchar(50);not null" json:"product_type"`
	ProductData    ProductData `gorm:"type:jsonb;serializer:json" json:"product_data"`

	// Amount is the charged total: Subtotal plus TaxAmount.
	Subtotal   decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"subtotal"`
	TaxAmount  decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"tax_amount"`
	Amount     decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"amount"`
	Currency   string          `gorm:"type:varchar(3);not null" json:"currency"`
	TaxCountry string          `gorm:"type:varchar(2)" json:"tax_country"`

	PaymentID *uuid.UUID `gorm:"type:uuid" json:"payment_id,omitempty"`
	ExpiresAt time.Time  `gorm:"not null;index:idx_orders_status_expires,priority:2" json:"expires_at"`

	CustomerEmail string              `gorm:"type:varchar(255)" json:"customer_email,omitempty"`
	CustomerPhone string              `gorm:"type:varchar(50)" json:"customer_phone,omitempty"`
	NotifyChannel NotificationChannel `gorm:"type:varchar(20);default:'email'" json:"notify_channel"`
}

// BeforeCreate assigns a random identifier
func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// Expired reports whether the payment window had closed at t
func (o Order) Expired(t time.Time) bool {
	return t.After(o.ExpiresAt)
}

// CanPay reports whether a confirmation that occurred at t may settle the order
func (o Order) CanPay(t time.Time) bool {
	return o.Status == OrderStatusPendingPayment && !o.Expired(t)
}

// OrderHistory is an append-only audit entry written on every status change
type OrderHistory struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OrderID     uuid.UUID   `gorm:"type:uuid;not null;index" json:"order_id"`
	FromStatus  OrderStatus `gorm:"type:varchar(20)" json:"from_status"`
	ToStatus    OrderStatus `gorm:"type:varchar(20);not null" json:"to_status"`
	EventType   string      `gorm:"type:varchar(50);not null" json:"event_type"`
	Description string      `gorm:"type:text" json:"description"`
}

// TableName keeps the audit table name singular per order
func (OrderHistory) TableName() string {
	return "order_history"
}
