package handlers

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/models"
)

// CreateOrderRequest is the body of POST /orders. Amount is the pre-tax subtotal.
type CreateOrderRequest struct {
	OrganizationID string                     `json:"organization_id"`
	ProductType    models.ProductType         `json:"product_type"`
	ProductData    models.ProductData         `json:"product_data"`
	Amount         decimal.Decimal            `json:"amount"`
	Currency       string                     `json:"currency"`
	TaxCountry     string                     `json:"tax_country"`
	ExpiresInHours int                        `json:"expires_in_hours"`
	CustomerEmail  string                     `json:"customer_email"`
	CustomerPhone  string                     `json:"customer_phone"`
	NotifyChannel  models.NotificationChannel `json:"notify_channel"`
}

// OrderResponse is an order with its audit trail and invoice, when one was issued
type OrderResponse struct {
	Order   *models.Order         `json:"order"`
	History []models.OrderHistory `json:"history"`
	Invoice *InvoiceResponse      `json:"invoice,omitempty"`
}

type InvoiceResponse struct {
	*models.Invoice
	DisplayNumber string `json:"display_number"`
}

// CheckoutRequest is the body of POST /orders/:id/checkout. Redirect answers with a 303 to
// the provider page instead of JSON, for plain HTML forms.
type CheckoutRequest struct {
	Provider models.PaymentProvider `json:"provider" form:"provider"`
	ForceNew bool                   `json:"force_new" form:"force_new"`
	Redirect bool                   `json:"redirect" form:"redirect"`
}

type RefundRequest struct {
	Reason string `json:"reason"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type ResolveRequest struct {
	Note string `json:"note"`
}

type TaxRateRequest struct {
	Rate decimal.Decimal `json:"rate"`
}

func parseUUIDParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.Newf(apperr.KindValidation, "invalid %s", name)
	}
	return id, nil
}

func bind(c echo.Context, dest interface{}) error {
	if err := c.Bind(dest); err != nil {
		return apperr.New(apperr.KindValidation, "invalid request body", err)
	}
	return nil
}
