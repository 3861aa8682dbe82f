package handlers

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/models"
	"orderflow_billing/internal/services"
)

const maxWebhookBody = 1 << 20

// PaymentHandler receives provider webhooks and browser returns. Both end in the reconciler.
type PaymentHandler struct {
	reconciler *services.Reconciler
	log        *zap.Logger
}

func NewPaymentHandler(reconciler *services.Reconciler, log *zap.Logger) *PaymentHandler {
	return &PaymentHandler{reconciler: reconciler, log: log}
}

// Webhook returns the handler for one provider's notifications. The raw body is kept for
// signature verification.
func (h *PaymentHandler) Webhook(provider models.PaymentProvider) echo.HandlerFunc {
	return func(c echo.Context) error {
		payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
		if err != nil {
			return apperr.New(apperr.KindValidation, "failed to read webhook body", err)
		}

		result, err := h.reconciler.HandleWebhook(c.Request().Context(), provider, payload, c.Request().Header)
		if err != nil {
			return err
		}
		if result.Anomaly == models.ReconUnmatchedEvent {
			// Dead-lettered; the provider must not retry.
			return c.JSON(http.StatusAccepted, result)
		}
		return c.JSON(http.StatusOK, result)
	}
}

// StripeReturn confirms the checkout session the customer came back from
func (h *PaymentHandler) StripeReturn(c echo.Context) error {
	return h.confirm(c, models.ProviderStripe, c.QueryParam("session_id"))
}

// MidtransReturn confirms the Snap transaction the customer came back from
func (h *PaymentHandler) MidtransReturn(c echo.Context) error {
	return h.confirm(c, models.ProviderMidtrans, c.QueryParam("order_id"))
}

func (h *PaymentHandler) confirm(c echo.Context, provider models.PaymentProvider, reference string) error {
	if reference == "" {
		return apperr.Newf(apperr.KindValidation, "missing %s payment reference", provider)
	}
	result, err := h.reconciler.Confirm(c.Request().Context(), provider, reference)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// CheckoutCancelled is where providers send customers who abandon the payment page
func (h *PaymentHandler) CheckoutCancelled(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
}
