package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/gateway"
	"orderflow_billing/internal/models"
	"orderflow_billing/internal/repository"
)

// fakeGateway is an in-process provider. Handles get sequential ids; confirmations echo
// the payment amount back with the configured outcome.
type fakeGateway struct {
	mu       sync.Mutex
	provider models.PaymentProvider

	createErr  error
	handles    int
	cancelled  []string
	confirm    gateway.OutcomeStatus
	confirmErr error

	refund       *gateway.RefundResult
	refundErr    error
	refundCalls  int
	refundLookup *gateway.RefundResult
	lookupCalls  int

	webhookEvent *gateway.PaymentEvent
	webhookErr   error
}

func newFakeGateway(provider models.PaymentProvider) *fakeGateway {
	return &fakeGateway{provider: provider, confirm: gateway.OutcomeSucceeded}
}

func (g *fakeGateway) Provider() models.PaymentProvider { return g.provider }

func (g *fakeGateway) CreatePaymentHandle(ctx context.Context, req gateway.HandleRequest) (*gateway.Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.handles++
	id := fmt.Sprintf("%s_pay_%d", g.provider, g.handles)
	return &gateway.Handle{
		ProviderPaymentID: id,
		AliasIDs:          []string{"sess_" + id},
		Facts:             map[string]string{models.FactCheckoutSessionID: "sess_" + id},
		RedirectURL:       "https://pay.example.com/" + id,
		ClientToken:       "tok_" + id,
	}, nil
}

func (g *fakeGateway) CancelPaymentHandle(ctx context.Context, ref gateway.PaymentRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, ref.ProviderPaymentID)
	return nil
}

func (g *fakeGateway) ConfirmAndRetrieveOutcome(ctx context.Context, ref gateway.PaymentRef) (*gateway.PaymentEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.confirmErr != nil {
		return nil, g.confirmErr
	}
	return &gateway.PaymentEvent{
		Provider:          g.provider,
		EventID:           fmt.Sprintf("confirm:%s:%s", ref.ProviderPaymentID, g.confirm),
		EventType:         "confirmation",
		OccurredAt:        time.Now(),
		ProviderPaymentID: ref.ProviderPaymentID,
		OrderID:           ref.OrderID.String(),
		Outcome: gateway.PaymentOutcome{
			Status:   g.confirm,
			Amount:   ref.Amount,
			Currency: ref.Currency,
			Method:   "card",
		},
	}, nil
}

func (g *fakeGateway) CreateRefund(ctx context.Context, ref gateway.PaymentRef, amount decimal.Decimal) (*gateway.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	if g.refund != nil {
		res := *g.refund
		return &res, nil
	}
	return &gateway.RefundResult{ProviderRefundID: "re_" + ref.ProviderPaymentID, Status: gateway.RefundSucceeded, Amount: amount}, nil
}

func (g *fakeGateway) GetRefund(ctx context.Context, ref gateway.PaymentRef, providerRefundID string) (*gateway.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookupCalls++
	if g.refundLookup == nil {
		return nil, errors.New("refund lookup not configured")
	}
	res := *g.refundLookup
	return &res, nil
}

func (g *fakeGateway) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*gateway.PaymentEvent, error) {
	if g.webhookErr != nil {
		return nil, g.webhookErr
	}
	return g.webhookEvent, nil
}

type fakeCache struct {
	mu   sync.Mutex
	data map[string]interface{}
	gets int
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string]interface{}{}}
}

func (c *fakeCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *fakeCache) Get(ctx context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.data[key]
	if !ok {
		return ErrCacheMiss
	}
	switch d := dest.(type) {
	case *decimal.Decimal:
		*d = v.(decimal.Decimal)
	default:
		return errors.New("unsupported cache type")
	}
	return nil
}

func (c *fakeCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	err      error
	messages []map[string]string
}

func (p *fakePublisher) Publish(ctx context.Context, message []byte, attributes map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, attributes)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

type fakeNotifier struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (n *fakeNotifier) Send(ctx context.Context, to, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, to+"|"+subject)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// testEnv wires every service over one in-memory store
type testEnv struct {
	store      *repository.MemoryStore
	cache      *fakeCache
	stripe     *fakeGateway
	midtrans   *fakeGateway
	publisher  *fakePublisher
	email      *fakeNotifier
	whatsapp   *fakeNotifier
	tax        *TaxService
	sequencer  *Sequencer
	ledger     *Ledger
	invoices   *InvoiceService
	matcher    *Matcher
	dispatcher *Dispatcher
	checkout   *CheckoutService
	reconciler *Reconciler
	sweeper    *Sweeper
	canceller  *Canceller
	refunds    *RefundOrchestrator
	recovery   *RecoveryService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zap.NewNop()
	store := repository.NewMemoryStore()
	env := &testEnv{
		store:     store,
		cache:     newFakeCache(),
		stripe:    newFakeGateway(models.ProviderStripe),
		midtrans:  newFakeGateway(models.ProviderMidtrans),
		publisher: &fakePublisher{},
		email:     &fakeNotifier{},
		whatsapp:  &fakeNotifier{},
	}
	gateways := gateway.NewGateways(env.stripe, env.midtrans)

	env.tax = NewTaxService(store, env.cache, decimal.Zero, "CL", log)
	env.sequencer = NewSequencer(store, 8, log)
	env.sequencer.baseBackoff = time.Millisecond
	env.ledger = NewLedger(store, env.sequencer, env.tax, 24*time.Hour, log)
	env.invoices = NewInvoiceService(store, env.sequencer, log)
	env.matcher = NewMatcher(store, log)
	env.dispatcher = NewDispatcher(store, env.ledger, log,
		NewInvoiceEffect(env.invoices),
		NewCreditsEffect(store),
		NewDocumentEmissionEffect(env.publisher),
		NewNotificationEffect(env.email, env.whatsapp),
	)
	env.checkout = NewCheckoutService(store, gateways, "https://app.example.com", log)
	env.reconciler = NewReconciler(store, gateways, env.matcher, env.ledger, env.dispatcher, log)
	env.sweeper = NewSweeper(store, env.ledger, gateways, 50, log)
	env.canceller = NewCanceller(store, env.ledger, gateways, log)
	env.refunds = NewRefundOrchestrator(store, env.ledger, gateways, log)
	env.recovery = NewRecoveryService(store, 7*24*time.Hour, log)
	return env
}

// creditOrder creates a CLP credit package order of 6990.
func (e *testEnv) creditOrder(t *testing.T) *models.Order {
	t.Helper()
	order, err := e.ledger.CreateOrder(context.Background(), CreateOrderInput{
		OrganizationID: "org-1",
		ProductType:    models.ProductTypeCreditPackage,
		ProductData:    models.ProductData{ProductID: "credits-100", Credits: 100},
		Amount:         decimal.NewFromInt(6990),
		Currency:       "CLP",
		CustomerEmail:  "buyer@example.com",
	})
	require.NoError(t, err)
	return order
}

func (e *testEnv) startCheckout(t *testing.T, order *models.Order, provider models.PaymentProvider) *models.Payment {
	t.Helper()
	res, err := e.checkout.StartCheckout(context.Background(), order.ID, provider, false)
	require.NoError(t, err)
	return res.Payment
}

func (e *testEnv) order(t *testing.T, id uuid.UUID) *models.Order {
	t.Helper()
	o, err := e.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (e *testEnv) payment(t *testing.T, id uuid.UUID) *models.Payment {
	t.Helper()
	p, err := e.store.GetPayment(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (e *testEnv) items(t *testing.T, kind models.ReconciliationKind) []models.ReconciliationItem {
	t.Helper()
	items, err := e.store.ListReconciliationItems(context.Background(), repository.ReconciliationFilter{Kind: kind})
	require.NoError(t, err)
	return items
}

// successEvent is a provider webhook reporting p as paid.
func successEvent(p *models.Payment, eventID string) *gateway.PaymentEvent {
	return &gateway.PaymentEvent{
		Provider:          p.Provider,
		EventID:           eventID,
		EventType:         "payment.succeeded",
		OccurredAt:        time.Now(),
		ProviderPaymentID: p.ProviderPaymentID,
		OrderID:           p.OrderID.String(),
		Outcome: gateway.PaymentOutcome{
			Status:   gateway.OutcomeSucceeded,
			Amount:   p.Amount,
			Currency: p.Currency,
			Method:   "card",
		},
	}
}

func requireKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, apperr.KindOf(err), err.Error())
}
