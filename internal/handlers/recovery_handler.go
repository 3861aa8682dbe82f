package handlers

import (
	"net/http"

	"github.com/a-h/templ"
	"github.com/labstack/echo/v4"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/gateway"
	"orderflow_billing/internal/services"
	"orderflow_billing/internal/views"
)

// RecoveryHandler issues recovery links and serves the landing page behind them
type RecoveryHandler struct {
	recovery *services.RecoveryService
	gateways *gateway.Gateways
	appURL   string
}

func NewRecoveryHandler(recovery *services.RecoveryService, gateways *gateway.Gateways, appURL string) *RecoveryHandler {
	return &RecoveryHandler{recovery: recovery, gateways: gateways, appURL: appURL}
}

// IssueToken creates a recovery link for an unpaid order
func (h *RecoveryHandler) IssueToken(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	token, err := h.recovery.Issue(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"token":      token.Token,
		"order_id":   token.OrderID,
		"expires_at": token.ExpiresAt,
		"url":        h.appURL + "/recover/" + token.Token,
	})
}

// Resolve redeems the token. Browsers get the landing page, API clients the order id.
func (h *RecoveryHandler) Resolve(c echo.Context) error {
	order, err := h.recovery.Resolve(c.Request().Context(), c.Param("token"))
	wantsJSON := c.Request().Header.Get(echo.HeaderAccept) == echo.MIMEApplicationJSON

	if err != nil {
		if wantsJSON {
			return err
		}
		kind := apperr.KindOf(err)
		if kind != apperr.KindNotFound && kind != apperr.KindConflict && kind != apperr.KindValidation {
			return err
		}
		return render(c, apperr.HTTPStatus(err), views.RecoveryUnavailable("Ask the seller for a new payment link."))
	}

	if wantsJSON {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"order_id": order.ID,
			"status":   order.Status,
		})
	}
	return render(c, http.StatusOK, views.RecoveryPage(views.RecoveryPageProps{
		Order:     order,
		Providers: h.gateways.Providers(),
	}))
}

func render(c echo.Context, status int, component templ.Component) error {
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(status)
	return component.Render(c.Request().Context(), c.Response())
}
