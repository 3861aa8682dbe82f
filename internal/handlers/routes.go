package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"orderflow_billing/internal/models"
)

// Handlers groups everything the HTTP surface serves
type Handlers struct {
	Orders   *OrderHandler
	Payments *PaymentHandler
	Recovery *RecoveryHandler
	Admin    *AdminHandler
}

// RegisterRoutes mounts the public, provider-facing and operator routes. requireOperator
// guards everything under /admin.
func RegisterRoutes(e *echo.Echo, h Handlers, requireOperator echo.MiddlewareFunc) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// Order API
	e.POST("/orders", h.Orders.CreateOrder)
	e.GET("/orders/:id", h.Orders.GetOrder)
	e.POST("/orders/:id/checkout", h.Orders.StartCheckout)

	// Provider callbacks and browser returns
	e.POST("/webhooks/stripe", h.Payments.Webhook(models.ProviderStripe))
	e.POST("/webhooks/midtrans", h.Payments.Webhook(models.ProviderMidtrans))
	e.GET("/checkout/stripe/return", h.Payments.StripeReturn)
	e.GET("/checkout/midtrans/return", h.Payments.MidtransReturn)
	e.GET("/checkout/cancelled", h.Payments.CheckoutCancelled)

	e.GET("/recover/:token", h.Recovery.Resolve)

	admin := e.Group("/admin", requireOperator)
	admin.POST("/orders/:id/refund", h.Admin.Refund)
	admin.POST("/orders/:id/cancel", h.Admin.Cancel)
	admin.POST("/orders/:id/recovery-token", h.Recovery.IssueToken)
	admin.GET("/reconciliation", h.Admin.ListReconciliation)
	admin.POST("/reconciliation/:id/retry", h.Admin.RetryReconciliation)
	admin.POST("/reconciliation/:id/resolve", h.Admin.ResolveReconciliation)
	admin.PUT("/tax-rates/:country", h.Admin.SetTaxRate)
}
