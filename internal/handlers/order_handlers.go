package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"orderflow_billing/internal/repository"
	"orderflow_billing/internal/services"
)

// OrderHandler serves order creation, lookup and checkout
type OrderHandler struct {
	ledger   *services.Ledger
	invoices *services.InvoiceService
	checkout *services.CheckoutService
	log      *zap.Logger
}

func NewOrderHandler(ledger *services.Ledger, invoices *services.InvoiceService, checkout *services.CheckoutService, log *zap.Logger) *OrderHandler {
	return &OrderHandler{ledger: ledger, invoices: invoices, checkout: checkout, log: log}
}

// CreateOrder prices and stores a new order in pending_payment
func (h *OrderHandler) CreateOrder(c echo.Context) error {
	var req CreateOrderRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	order, err := h.ledger.CreateOrder(c.Request().Context(), services.CreateOrderInput{
		OrganizationID: req.OrganizationID,
		ProductType:    req.ProductType,
		ProductData:    req.ProductData,
		Amount:         req.Amount,
		Currency:       req.Currency,
		TaxCountry:     req.TaxCountry,
		ExpiresInHours: req.ExpiresInHours,
		CustomerEmail:  req.CustomerEmail,
		CustomerPhone:  req.CustomerPhone,
		NotifyChannel:  req.NotifyChannel,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, order)
}

// GetOrder returns the order, its history and its invoice
func (h *OrderHandler) GetOrder(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	order, history, err := h.ledger.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	resp := OrderResponse{Order: order, History: history}

	invoice, err := h.invoices.Get(ctx, id)
	switch {
	case err == nil:
		resp.Invoice = &InvoiceResponse{Invoice: invoice, DisplayNumber: invoice.DisplayNumber()}
	case !repository.IsNotFound(err):
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// StartCheckout opens (or reuses) a provider payment for the order
func (h *OrderHandler) StartCheckout(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	var req CheckoutRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	result, err := h.checkout.StartCheckout(c.Request().Context(), id, req.Provider, req.ForceNew)
	if err != nil {
		return err
	}
	if req.Redirect && result.RedirectURL != "" {
		return c.Redirect(http.StatusSeeOther, result.RedirectURL)
	}

	status := http.StatusCreated
	if result.IsExisting {
		status = http.StatusOK
	}
	return c.JSON(status, map[string]interface{}{
		"payment_id":   result.Payment.ID,
		"provider":     result.Payment.Provider,
		"status":       result.Payment.Status,
		"redirect_url": result.RedirectURL,
		"token":        result.ClientToken,
		"is_existing":  result.IsExisting,
	})
}
