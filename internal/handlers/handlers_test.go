package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/auth"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/gateway"
	"orderflow_billing/internal/middleware"
	"orderflow_billing/internal/models"
	"orderflow_billing/internal/repository"
	"orderflow_billing/internal/services"
)

// stubGateway accepts webhooks signed with "good" whose body is
// {"id","payment_id","status","amount","currency"}.
type stubGateway struct {
	mu        sync.Mutex
	handles   int
	cancelled []string
}

type stubWebhook struct {
	ID        string          `json:"id"`
	PaymentID string          `json:"payment_id"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

func (g *stubGateway) Provider() models.PaymentProvider { return models.ProviderStripe }

func (g *stubGateway) CreatePaymentHandle(ctx context.Context, req gateway.HandleRequest) (*gateway.Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handles++
	id := fmt.Sprintf("pi_%d", g.handles)
	return &gateway.Handle{
		ProviderPaymentID: id,
		AliasIDs:          []string{"cs_" + id},
		RedirectURL:       "https://checkout.example.com/" + id,
	}, nil
}

func (g *stubGateway) CancelPaymentHandle(ctx context.Context, ref gateway.PaymentRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, ref.ProviderPaymentID)
	return nil
}

func (g *stubGateway) ConfirmAndRetrieveOutcome(ctx context.Context, ref gateway.PaymentRef) (*gateway.PaymentEvent, error) {
	return &gateway.PaymentEvent{
		Provider:          models.ProviderStripe,
		EventID:           "confirm:" + ref.ProviderPaymentID,
		EventType:         "checkout.session.completed",
		OccurredAt:        time.Now(),
		ProviderPaymentID: ref.ProviderPaymentID,
		Outcome:           gateway.PaymentOutcome{Status: gateway.OutcomeSucceeded, Amount: ref.Amount, Currency: ref.Currency},
	}, nil
}

func (g *stubGateway) CreateRefund(ctx context.Context, ref gateway.PaymentRef, amount decimal.Decimal) (*gateway.RefundResult, error) {
	return &gateway.RefundResult{ProviderRefundID: "re_" + ref.ProviderPaymentID, Status: gateway.RefundSucceeded, Amount: amount}, nil
}

func (g *stubGateway) GetRefund(ctx context.Context, ref gateway.PaymentRef, providerRefundID string) (*gateway.RefundResult, error) {
	return &gateway.RefundResult{ProviderRefundID: providerRefundID, Status: gateway.RefundSucceeded}, nil
}

func (g *stubGateway) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*gateway.PaymentEvent, error) {
	if header.Get("X-Signature") != "good" {
		return nil, gateway.ErrInvalidSignature
	}
	var body stubWebhook
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}
	if body.Status == "" {
		return nil, gateway.ErrEventIgnored
	}
	return &gateway.PaymentEvent{
		Provider:          models.ProviderStripe,
		EventID:           body.ID,
		EventType:         "payment_intent." + body.Status,
		OccurredAt:        time.Now(),
		ProviderPaymentID: body.PaymentID,
		Outcome: gateway.PaymentOutcome{
			Status:   gateway.OutcomeStatus(body.Status),
			Amount:   body.Amount,
			Currency: body.Currency,
		},
		Raw: payload,
	}, nil
}

type stubVerifier struct{}

func (stubVerifier) VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error) {
	if idToken != "operator-token" {
		return nil, fmt.Errorf("invalid token")
	}
	return &auth.Token{UID: "op-1", Claims: map[string]interface{}{"operator": true, "email": "ops@example.com"}}, nil
}

type server struct {
	e     *echo.Echo
	store *repository.MemoryStore
	gw    *stubGateway
}

func newServer(t *testing.T) *server {
	t.Helper()
	log := zap.NewNop()
	store := repository.NewMemoryStore()
	gw := &stubGateway{}
	gateways := gateway.NewGateways(gw)

	tax := services.NewTaxService(store, nil, decimal.Zero, "CL", log)
	sequencer := services.NewSequencer(store, 8, log)
	ledger := services.NewLedger(store, sequencer, tax, 24*time.Hour, log)
	invoices := services.NewInvoiceService(store, sequencer, log)
	dispatcher := services.NewDispatcher(store, ledger, log,
		services.NewInvoiceEffect(invoices),
		services.NewCreditsEffect(store),
	)
	reconciler := services.NewReconciler(store, gateways, services.NewMatcher(store, log), ledger, dispatcher, log)
	checkout := services.NewCheckoutService(store, gateways, "https://app.example.com", log)

	e := echo.New()
	e.HTTPErrorHandler = middleware.JSONErrorHandler(log)
	RegisterRoutes(e, Handlers{
		Orders:   NewOrderHandler(ledger, invoices, checkout, log),
		Payments: NewPaymentHandler(reconciler, log),
		Recovery: NewRecoveryHandler(services.NewRecoveryService(store, 0, log), gateways, "https://app.example.com"),
		Admin: NewAdminHandler(ledger,
			services.NewCanceller(store, ledger, gateways, log),
			services.NewRefundOrchestrator(store, ledger, gateways, log),
			reconciler, tax, log),
	}, middleware.RequireOperator(stubVerifier{}))
	return &server{e: e, store: store, gw: gw}
}

func (s *server) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *server) admin(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	return s.do(t, method, path, body, map[string]string{echo.HeaderAuthorization: "Bearer operator-token"})
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
}

func (s *server) createOrder(t *testing.T) models.Order {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/orders", `{
		"organization_id": "org-1",
		"product_type": "credit_package",
		"product_data": {"product_id": "credits-50", "credits": 50},
		"amount": "4990",
		"currency": "clp",
		"customer_email": "buyer@example.com"
	}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var order models.Order
	decode(t, rec, &order)
	return order
}

func (s *server) checkout(t *testing.T, orderID uuid.UUID) map[string]interface{} {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/orders/"+orderID.String()+"/checkout", `{"provider":"stripe"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out map[string]interface{}
	decode(t, rec, &out)
	return out
}

func TestOrders_CreateAndGet(t *testing.T) {
	s := newServer(t)
	order := s.createOrder(t)
	assert.Equal(t, models.OrderStatusPendingPayment, order.Status)
	assert.Equal(t, "CLP", order.Currency)
	assert.Equal(t, "4990", order.Amount.String())
	assert.Equal(t, int64(1), order.OrderNumber)

	rec := s.do(t, http.MethodGet, "/orders/"+order.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp OrderResponse
	decode(t, rec, &resp)
	assert.Equal(t, order.ID, resp.Order.ID)
	require.Len(t, resp.History, 1)
	assert.Nil(t, resp.Invoice)

	rec = s.do(t, http.MethodGet, "/orders/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodGet, "/orders/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOrders_CreateValidation(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodPost, "/orders", `{"organization_id":"org-1","product_type":"credit_package","amount":"-1","currency":"CLP"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/orders", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckout_ReuseAndRedirect(t *testing.T) {
	s := newServer(t)
	order := s.createOrder(t)

	first := s.checkout(t, order.ID)
	assert.Equal(t, "https://checkout.example.com/pi_1", first["redirect_url"])
	assert.Equal(t, false, first["is_existing"])

	rec := s.do(t, http.MethodPost, "/orders/"+order.ID.String()+"/checkout", `{"provider":"stripe"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var again map[string]interface{}
	decode(t, rec, &again)
	assert.Equal(t, first["payment_id"], again["payment_id"])

	form := url.Values{"provider": {"stripe"}, "redirect": {"true"}, "force_new": {"true"}}
	req := httptest.NewRequest(http.MethodPost, "/orders/"+order.ID.String()+"/checkout", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec = httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "https://checkout.example.com/pi_2", rec.Header().Get(echo.HeaderLocation))
}

func TestWebhook_SettlesOrder(t *testing.T) {
	s := newServer(t)
	order := s.createOrder(t)
	s.checkout(t, order.ID)
	body := `{"id":"evt_1","payment_id":"pi_1","status":"succeeded","amount":"4990","currency":"CLP"}`

	rec := s.do(t, http.MethodPost, "/webhooks/stripe", body, map[string]string{"X-Signature": "forged"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	for i := 0; i < 3; i++ {
		rec = s.do(t, http.MethodPost, "/webhooks/stripe", body, map[string]string{"X-Signature": "good"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	var result services.ReconcileResult
	decode(t, rec, &result)
	assert.Equal(t, models.OrderStatusCompleted, result.OrderStatus)

	rec = s.do(t, http.MethodGet, "/orders/"+order.ID.String(), "", nil)
	var resp OrderResponse
	decode(t, rec, &resp)
	require.NotNil(t, resp.Invoice)
	assert.Equal(t, "INV-000001", resp.Invoice.DisplayNumber)

	rec = s.do(t, http.MethodPost, "/webhooks/stripe", `{"id":"evt_2"}`, map[string]string{"X-Signature": "good"})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &result)
	assert.True(t, result.Ignored)
}

func TestWebhook_UnmatchedIsAccepted(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodPost, "/webhooks/stripe",
		`{"id":"evt_9","payment_id":"pi_unknown","status":"succeeded","amount":"10","currency":"USD"}`,
		map[string]string{"X-Signature": "good"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.admin(t, http.MethodGet, "/admin/reconciliation?kind=unmatched_event", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var items []models.ReconciliationItem
	decode(t, rec, &items)
	require.Len(t, items, 1)
	assert.Equal(t, "evt_9", items[0].EventID)

	rec = s.admin(t, http.MethodPost, "/admin/reconciliation/"+items[0].ID.String()+"/resolve", `{"note":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.admin(t, http.MethodPost, "/admin/reconciliation/"+items[0].ID.String()+"/resolve", `{"note":"test event from dashboard"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved models.ReconciliationItem
	decode(t, rec, &resolved)
	assert.Equal(t, models.ReconStatusResolved, resolved.Status)
	assert.Equal(t, "ops@example.com", resolved.ResolvedBy)
}

func TestStripeReturn_Confirms(t *testing.T) {
	s := newServer(t)
	order := s.createOrder(t)
	s.checkout(t, order.ID)

	rec := s.do(t, http.MethodGet, "/checkout/stripe/return?session_id=cs_pi_1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result services.ReconcileResult
	decode(t, rec, &result)
	assert.Equal(t, models.OrderStatusCompleted, result.OrderStatus)

	rec = s.do(t, http.MethodGet, "/checkout/stripe/return", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_RefundAndCancel(t *testing.T) {
	s := newServer(t)
	paid := s.createOrder(t)
	s.checkout(t, paid.ID)
	rec := s.do(t, http.MethodGet, "/checkout/stripe/return?session_id=pi_1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/admin/orders/"+paid.ID.String()+"/refund", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.admin(t, http.MethodPost, "/admin/orders/"+paid.ID.String()+"/refund", `{"reason":"duplicate purchase"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var refund models.Refund
	decode(t, rec, &refund)
	assert.Equal(t, models.RefundStatusSucceeded, refund.Status)
	assert.Equal(t, "ops@example.com", refund.RequestedBy)

	rec = s.admin(t, http.MethodPost, "/admin/orders/"+paid.ID.String()+"/cancel", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var body middleware.ErrorBody
	decode(t, rec, &body)
	assert.Equal(t, apperr.KindInvalidTransition, body.Error.Kind)

	open := s.createOrder(t)
	rec = s.admin(t, http.MethodPost, "/admin/orders/"+open.ID.String()+"/cancel", `{"reason":"customer asked"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled models.Order
	decode(t, rec, &cancelled)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
}

func TestAdmin_CancelClosesOpenPayment(t *testing.T) {
	s := newServer(t)
	order := s.createOrder(t)
	s.checkout(t, order.ID)

	rec := s.admin(t, http.MethodPost, "/admin/orders/"+order.ID.String()+"/cancel", `{"reason":"customer asked"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	payments, err := s.store.ListPaymentsByOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusFailed, payments[0].Status)
	assert.Equal(t, "order cancelled", payments[0].FailureReason)
	assert.Equal(t, []string{payments[0].ProviderPaymentID}, s.gw.cancelled)
}

func TestAdmin_TaxRates(t *testing.T) {
	s := newServer(t)
	rec := s.admin(t, http.MethodPut, "/admin/tax-rates/de", `{"rate":"0.19"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rate, err := s.store.GetTaxRate(context.Background(), "DE")
	require.NoError(t, err)
	assert.Equal(t, "0.19", rate.Rate.String())

	rec = s.admin(t, http.MethodPut, "/admin/tax-rates/de", `{"rate":"1.5"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.admin(t, http.MethodGet, "/admin/reconciliation?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecovery_Flow(t *testing.T) {
	s := newServer(t)
	order := s.createOrder(t)

	rec := s.admin(t, http.MethodPost, "/admin/orders/"+order.ID.String()+"/recovery-token", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var issued map[string]interface{}
	decode(t, rec, &issued)
	token := issued["token"].(string)
	assert.Equal(t, "https://app.example.com/recover/"+token, issued["url"])

	rec = s.do(t, http.MethodGet, "/recover/"+token, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/html")
	assert.Contains(t, rec.Body.String(), "/orders/"+order.ID.String()+"/checkout")
	assert.Contains(t, rec.Body.String(), "4990 CLP")

	rec = s.do(t, http.MethodGet, "/recover/"+token, "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "no longer valid")

	rec = s.do(t, http.MethodGet, "/recover/unknown", "", map[string]string{echo.HeaderAccept: echo.MIMEApplicationJSON})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body middleware.ErrorBody
	decode(t, rec, &body)
	assert.Equal(t, apperr.KindNotFound, body.Error.Kind)
}
