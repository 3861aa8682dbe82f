package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/webhook"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/models"
)

const testWebhookSecret = "whsec_test"

type fakeStripeAPI struct {
	sessionParams *stripe.CheckoutSessionParams
	session       *stripe.CheckoutSession
	intent        *stripe.PaymentIntent
	intentLookups []string
	expired       []string
	refundParams  *stripe.RefundParams
	refund        *stripe.Refund
	err           error
}

func (f *fakeStripeAPI) NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.sessionParams = params
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeStripeAPI) GetCheckoutSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeStripeAPI) ExpireCheckoutSession(id string, params *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error) {
	f.expired = append(f.expired, id)
	return f.session, f.err
}

func (f *fakeStripeAPI) GetPaymentIntent(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.intentLookups = append(f.intentLookups, id)
	if f.err != nil {
		return nil, f.err
	}
	return f.intent, nil
}

func (f *fakeStripeAPI) NewRefund(params *stripe.RefundParams) (*stripe.Refund, error) {
	f.refundParams = params
	if f.err != nil {
		return nil, f.err
	}
	return f.refund, nil
}

func (f *fakeStripeAPI) GetRefund(id string, params *stripe.RefundParams) (*stripe.Refund, error) {
	return f.refund, f.err
}

func signedHeader(t *testing.T, payload []byte) http.Header {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	h := http.Header{}
	h.Set("Stripe-Signature", signed.Header)
	return h
}

func TestStripeCreatePaymentHandle(t *testing.T) {
	api := &fakeStripeAPI{session: &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}}
	gw := NewStripeGateway(api, testWebhookSecret)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gw.now = func() time.Time { return now }

	order := models.Order{
		ID:          uuid.New(),
		OrderNumber: 42,
		ProductType: models.ProductTypeSignature,
		Amount:      decimal.NewFromInt(6990),
		Currency:    "CLP",
		ExpiresAt:   now.Add(48 * time.Hour),
	}
	paymentID := uuid.New()

	handle, err := gw.CreatePaymentHandle(context.Background(), HandleRequest{
		Order:     order,
		PaymentID: paymentID,
		ReturnURL: "https://app.test/return",
		CancelURL: "https://app.test/cancel",
	})
	require.NoError(t, err)

	assert.Equal(t, "cs_test_1", handle.ProviderPaymentID)
	assert.Equal(t, "cs_test_1", handle.Facts[models.FactCheckoutSessionID])
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", handle.RedirectURL)

	params := api.sessionParams
	require.Len(t, params.LineItems, 1)
	assert.Equal(t, int64(6990), *params.LineItems[0].PriceData.UnitAmount, "zero-decimal currency is sent as-is")
	assert.Equal(t, "clp", *params.LineItems[0].PriceData.Currency)
	assert.Equal(t, order.ID.String(), params.Metadata["order_id"])
	assert.Equal(t, paymentID.String(), params.PaymentIntentData.Metadata["payment_id"])
	assert.Equal(t, now.Add(stripeMaxSessionTTL).Unix(), *params.ExpiresAt, "session expiry is clamped")
}

func TestStripeCreatePaymentHandleProviderDown(t *testing.T) {
	api := &fakeStripeAPI{err: &stripe.Error{HTTPStatusCode: http.StatusServiceUnavailable, Msg: "try later"}}
	gw := NewStripeGateway(api, testWebhookSecret)

	_, err := gw.CreatePaymentHandle(context.Background(), HandleRequest{
		Order:     models.Order{ID: uuid.New(), Amount: decimal.RequireFromString("12.34"), Currency: "USD", ExpiresAt: time.Now().Add(time.Hour)},
		PaymentID: uuid.New(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrProviderUnavailable))
}

func TestStripeErrorClassification(t *testing.T) {
	assert.Equal(t, apperr.KindProviderUnavailable, apperr.KindOf(stripeError("op", &stripe.Error{HTTPStatusCode: 429})))
	assert.Equal(t, apperr.KindProviderUnavailable, apperr.KindOf(stripeError("op", errors.New("connection reset"))))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(stripeError("op", &stripe.Error{HTTPStatusCode: 400})))
}

func TestStripeParseWebhookCheckoutCompleted(t *testing.T) {
	gw := NewStripeGateway(&fakeStripeAPI{}, testWebhookSecret)
	payload := []byte(`{
		"id": "evt_1",
		"object": "event",
		"type": "checkout.session.completed",
		"created": 1767225600,
		"data": {"object": {
			"id": "cs_test_1",
			"object": "checkout.session",
			"payment_status": "paid",
			"status": "complete",
			"amount_total": 1234,
			"currency": "usd",
			"client_reference_id": "order-ref",
			"payment_intent": "pi_test_1",
			"metadata": {"order_id": "11111111-1111-1111-1111-111111111111"}
		}}
	}`)

	event, err := gw.ParseWebhook(context.Background(), payload, signedHeader(t, payload))
	require.NoError(t, err)

	assert.Equal(t, "evt_1", event.EventID)
	assert.Equal(t, "pi_test_1", event.ProviderPaymentID)
	assert.Equal(t, []string{"pi_test_1", "cs_test_1"}, event.CandidateIDs())
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", event.OrderID)
	assert.Equal(t, OutcomeSucceeded, event.Outcome.Status)
	assert.True(t, decimal.RequireFromString("12.34").Equal(event.Outcome.Amount))
	assert.Equal(t, "USD", event.Outcome.Currency)
	assert.Equal(t, "pi_test_1", event.Facts[models.FactPaymentIntentID])
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), event.OccurredAt)
}

func TestStripeParseWebhookExpiredSession(t *testing.T) {
	gw := NewStripeGateway(&fakeStripeAPI{}, testWebhookSecret)
	payload := []byte(`{"id":"evt_2","object":"event","type":"checkout.session.expired","created":1767225600,
		"data":{"object":{"id":"cs_test_2","object":"checkout.session","payment_status":"unpaid","status":"expired","amount_total":500,"currency":"usd"}}}`)

	event, err := gw.ParseWebhook(context.Background(), payload, signedHeader(t, payload))
	require.NoError(t, err)
	assert.Equal(t, "cs_test_2", event.ProviderPaymentID)
	assert.Equal(t, OutcomeFailed, event.Outcome.Status)
	assert.NotEmpty(t, event.Outcome.FailureReason)
}

func TestStripeParseWebhookPaymentFailed(t *testing.T) {
	gw := NewStripeGateway(&fakeStripeAPI{}, testWebhookSecret)
	payload := []byte(`{"id":"evt_3","object":"event","type":"payment_intent.payment_failed","created":1767225600,
		"data":{"object":{"id":"pi_test_3","object":"payment_intent","status":"requires_payment_method","amount":900,"currency":"eur",
		"last_payment_error":{"message":"Your card was declined."}}}}`)

	event, err := gw.ParseWebhook(context.Background(), payload, signedHeader(t, payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, event.Outcome.Status)
	assert.Equal(t, "Your card was declined.", event.Outcome.FailureReason)
}

func TestStripeParseWebhookRejectsBadSignature(t *testing.T) {
	gw := NewStripeGateway(&fakeStripeAPI{}, testWebhookSecret)
	payload := []byte(`{"id":"evt_4","object":"event","type":"checkout.session.completed","data":{"object":{}}}`)
	h := http.Header{}
	h.Set("Stripe-Signature", "t=1,v1=deadbeef")

	_, err := gw.ParseWebhook(context.Background(), payload, h)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestStripeParseWebhookIgnoresOtherTypes(t *testing.T) {
	gw := NewStripeGateway(&fakeStripeAPI{}, testWebhookSecret)
	payload := []byte(`{"id":"evt_5","object":"event","type":"customer.created","created":1767225600,"data":{"object":{"id":"cus_1"}}}`)

	_, err := gw.ParseWebhook(context.Background(), payload, signedHeader(t, payload))
	assert.ErrorIs(t, err, ErrEventIgnored)
}

func TestStripeConfirmBySession(t *testing.T) {
	api := &fakeStripeAPI{session: &stripe.CheckoutSession{
		ID:            "cs_test_1",
		PaymentStatus: "paid",
		AmountTotal:   1234,
		Currency:      "usd",
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_test_1"},
	}}
	gw := NewStripeGateway(api, testWebhookSecret)

	event, err := gw.ConfirmAndRetrieveOutcome(context.Background(), PaymentRef{ProviderPaymentID: "cs_test_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, event.Outcome.Status)
	assert.Equal(t, "pi_test_1", event.ProviderPaymentID)
	assert.Equal(t, "confirm:pi_test_1:succeeded", event.EventID)
}

func TestStripeCreateRefundResolvesCharge(t *testing.T) {
	api := &fakeStripeAPI{
		intent: &stripe.PaymentIntent{ID: "pi_test_1", LatestCharge: &stripe.Charge{ID: "ch_test_1"}},
		refund: &stripe.Refund{ID: "re_test_1", Status: "succeeded", Amount: 1234},
	}
	gw := NewStripeGateway(api, testWebhookSecret)
	ref := PaymentRef{
		PaymentID:         uuid.New(),
		OrderID:           uuid.New(),
		ProviderPaymentID: "cs_test_1",
		Facts:             map[string]string{models.FactPaymentIntentID: "pi_test_1"},
		Currency:          "USD",
	}

	result, err := gw.CreateRefund(context.Background(), ref, decimal.RequireFromString("12.34"))
	require.NoError(t, err)

	assert.Equal(t, []string{"pi_test_1"}, api.intentLookups)
	assert.Equal(t, "ch_test_1", *api.refundParams.Charge)
	assert.Equal(t, int64(1234), *api.refundParams.Amount)
	assert.Equal(t, RefundIdempotencyKey(ref.PaymentID), *api.refundParams.IdempotencyKey)
	assert.Equal(t, RefundSucceeded, result.Status)
	assert.Equal(t, "re_test_1", result.ProviderRefundID)
}

func TestStripeCreateRefundWithoutCharge(t *testing.T) {
	api := &fakeStripeAPI{intent: &stripe.PaymentIntent{ID: "pi_test_1"}}
	gw := NewStripeGateway(api, testWebhookSecret)

	_, err := gw.CreateRefund(context.Background(), PaymentRef{PaymentID: uuid.New(), ProviderPaymentID: "pi_test_1", Currency: "USD"}, decimal.NewFromInt(1))
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestStripeCancelPaymentHandleExpiresSession(t *testing.T) {
	api := &fakeStripeAPI{session: &stripe.CheckoutSession{ID: "cs_test_1"}}
	gw := NewStripeGateway(api, testWebhookSecret)

	require.NoError(t, gw.CancelPaymentHandle(context.Background(), PaymentRef{ProviderPaymentID: "cs_test_1"}))
	assert.Equal(t, []string{"cs_test_1"}, api.expired)

	require.NoError(t, gw.CancelPaymentHandle(context.Background(), PaymentRef{ProviderPaymentID: "local:abc"}))
	assert.Len(t, api.expired, 1)
}
