package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/middleware"
	"orderflow_billing/internal/models"
	"orderflow_billing/internal/repository"
	"orderflow_billing/internal/services"
)

// AdminHandler serves operator actions: refunds, cancellations, the reconciliation queue and tax rates
type AdminHandler struct {
	ledger     *services.Ledger
	cancels    *services.Canceller
	refunds    *services.RefundOrchestrator
	reconciler *services.Reconciler
	tax        *services.TaxService
	log        *zap.Logger
}

func NewAdminHandler(ledger *services.Ledger, cancels *services.Canceller, refunds *services.RefundOrchestrator, reconciler *services.Reconciler, tax *services.TaxService, log *zap.Logger) *AdminHandler {
	return &AdminHandler{ledger: ledger, cancels: cancels, refunds: refunds, reconciler: reconciler, tax: tax, log: log}
}

// Refund reverses the settling payment of a paid order
func (h *AdminHandler) Refund(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	var req RefundRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	refund, err := h.refunds.Refund(c.Request().Context(), services.RefundRequest{
		OrderID:     id,
		Reason:      req.Reason,
		RequestedBy: middleware.Operator(c),
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindRefundPending && refund != nil {
			return c.JSON(http.StatusAccepted, refund)
		}
		return err
	}
	return c.JSON(http.StatusOK, refund)
}

// Cancel cancels an order that has not been paid and closes its open payment
func (h *AdminHandler) Cancel(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	var req CancelRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	description := "cancelled by " + middleware.Operator(c)
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		description += ": " + reason
	}

	ctx := c.Request().Context()
	if _, err := h.cancels.Cancel(ctx, id, services.Transition{Description: description}); err != nil {
		return err
	}
	order, _, err := h.ledger.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, order)
}

// ListReconciliation lists reconciliation items, open ones by default
func (h *AdminHandler) ListReconciliation(c echo.Context) error {
	filter := repository.ReconciliationFilter{
		Status: models.ReconciliationStatus(c.QueryParam("status")),
		Kind:   models.ReconciliationKind(c.QueryParam("kind")),
		Limit:  100,
	}
	if filter.Status == "" {
		filter.Status = models.ReconStatusOpen
	} else if filter.Status == "all" {
		filter.Status = ""
	}
	if limitStr := c.QueryParam("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			return apperr.Newf(apperr.KindValidation, "invalid limit %q", limitStr)
		}
		filter.Limit = limit
	}

	items, err := h.reconciler.ListItems(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if items == nil {
		items = []models.ReconciliationItem{}
	}
	return c.JSON(http.StatusOK, items)
}

// RetryReconciliation replays an open item
func (h *AdminHandler) RetryReconciliation(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	item, err := h.reconciler.ReplayItem(c.Request().Context(), id, middleware.Operator(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, item)
}

// ResolveReconciliation closes an item with an operator note
func (h *AdminHandler) ResolveReconciliation(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	var req ResolveRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	item, err := h.reconciler.ResolveItem(c.Request().Context(), id, middleware.Operator(c), req.Note)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, item)
}

// SetTaxRate stores the rate of one country
func (h *AdminHandler) SetTaxRate(c echo.Context) error {
	var req TaxRateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	country := strings.ToUpper(c.Param("country"))
	if err := h.tax.SetRate(c.Request().Context(), country, req.Rate); err != nil {
		return err
	}
	h.log.Info("tax rate updated",
		zap.String("country", country),
		zap.String("rate", req.Rate.String()),
		zap.String("operator", middleware.Operator(c)))
	return c.JSON(http.StatusOK, map[string]string{"country": country, "rate": req.Rate.String()})
}
