package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"github.com/stripe/stripe-go/v80/webhook"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/models"
	"orderflow_billing/internal/money"
)

// Checkout sessions must expire between 30 minutes and 24 hours after creation.
const (
	stripeMinSessionTTL = 31 * time.Minute
	stripeMaxSessionTTL = 23 * time.Hour
)

// StripeAPI is the part of the Stripe client the adapter calls.
type StripeAPI interface {
	NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	GetCheckoutSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	ExpireCheckoutSession(id string, params *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error)
	GetPaymentIntent(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	NewRefund(params *stripe.RefundParams) (*stripe.Refund, error)
	GetRefund(id string, params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClient struct {
	api *client.API
}

// NewStripeClient builds a client bound to secretKey without touching the package-level stripe.Key.
func NewStripeClient(secretKey string) StripeAPI {
	return &stripeClient{api: client.New(secretKey, nil)}
}

func (c *stripeClient) NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return c.api.CheckoutSessions.New(params)
}

func (c *stripeClient) GetCheckoutSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return c.api.CheckoutSessions.Get(id, params)
}

func (c *stripeClient) ExpireCheckoutSession(id string, params *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error) {
	return c.api.CheckoutSessions.Expire(id, params)
}

func (c *stripeClient) GetPaymentIntent(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return c.api.PaymentIntents.Get(id, params)
}

func (c *stripeClient) NewRefund(params *stripe.RefundParams) (*stripe.Refund, error) {
	return c.api.Refunds.New(params)
}

func (c *stripeClient) GetRefund(id string, params *stripe.RefundParams) (*stripe.Refund, error) {
	return c.api.Refunds.Get(id, params)
}

// StripeGateway is the card processor adapter. Payments start as hosted checkout sessions
// (cs_...) and settle as payment intents (pi_...), so both ids identify the same payment.
type StripeGateway struct {
	api           StripeAPI
	webhookSecret string
	now           func() time.Time
}

func NewStripeGateway(api StripeAPI, webhookSecret string) *StripeGateway {
	return &StripeGateway{api: api, webhookSecret: webhookSecret, now: time.Now}
}

func (g *StripeGateway) Provider() models.PaymentProvider {
	return models.ProviderStripe
}

func (g *StripeGateway) CreatePaymentHandle(ctx context.Context, req HandleRequest) (*Handle, error) {
	order := req.Order
	wire, err := money.ToWire(order.Amount, order.Currency, money.ProfileMinorUnits)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "order amount cannot be charged", err)
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String("payment"),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(order.Currency)),
				UnitAmount: stripe.Int64(wire),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(fmt.Sprintf("Order #%d (%s)", order.OrderNumber, order.ProductType)),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		SuccessURL:        stripe.String(req.ReturnURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(order.ID.String()),
		ExpiresAt:         stripe.Int64(g.sessionExpiry(order.ExpiresAt).Unix()),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{
				"order_id":   order.ID.String(),
				"payment_id": req.PaymentID.String(),
			},
		},
	}
	if order.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(order.CustomerEmail)
	}
	params.AddMetadata("order_id", order.ID.String())
	params.AddMetadata("payment_id", req.PaymentID.String())
	params.SetIdempotencyKey("checkout-" + req.PaymentID.String())
	params.Context = ctx

	sess, err := g.api.NewCheckoutSession(params)
	if err != nil {
		return nil, stripeError("create checkout session", err)
	}
	return &Handle{
		ProviderPaymentID: sess.ID,
		AliasIDs:          []string{sess.ID},
		Facts:             map[string]string{models.FactCheckoutSessionID: sess.ID},
		RedirectURL:       sess.URL,
	}, nil
}

func (g *StripeGateway) sessionExpiry(orderExpiry time.Time) time.Time {
	now := g.now()
	switch {
	case orderExpiry.Before(now.Add(stripeMinSessionTTL)):
		return now.Add(stripeMinSessionTTL)
	case orderExpiry.After(now.Add(stripeMaxSessionTTL)):
		return now.Add(stripeMaxSessionTTL)
	}
	return orderExpiry
}

func (g *StripeGateway) CancelPaymentHandle(ctx context.Context, ref PaymentRef) error {
	sessionID := ref.Facts[models.FactCheckoutSessionID]
	if sessionID == "" && strings.HasPrefix(ref.ProviderPaymentID, "cs_") {
		sessionID = ref.ProviderPaymentID
	}
	if sessionID == "" {
		return nil
	}
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := g.api.ExpireCheckoutSession(sessionID, params); err != nil {
		return stripeError("expire checkout session", err)
	}
	return nil
}

func (g *StripeGateway) ConfirmAndRetrieveOutcome(ctx context.Context, ref PaymentRef) (*PaymentEvent, error) {
	var event *PaymentEvent
	if strings.HasPrefix(ref.ProviderPaymentID, "pi_") {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		pi, err := g.api.GetPaymentIntent(ref.ProviderPaymentID, params)
		if err != nil {
			return nil, stripeError("retrieve payment intent", err)
		}
		event = intentEvent(pi)
	} else {
		sessionID := ref.Facts[models.FactCheckoutSessionID]
		if sessionID == "" {
			sessionID = ref.ProviderPaymentID
		}
		params := &stripe.CheckoutSessionParams{}
		params.AddExpand("payment_intent")
		params.Context = ctx
		sess, err := g.api.GetCheckoutSession(sessionID, params)
		if err != nil {
			return nil, stripeError("retrieve checkout session", err)
		}
		event = sessionEvent(sess)
	}
	event.EventType = "confirmation"
	event.EventID = fmt.Sprintf("confirm:%s:%s", event.ProviderPaymentID, event.Outcome.Status)
	event.OccurredAt = g.now()
	return event, nil
}

func (g *StripeGateway) CreateRefund(ctx context.Context, ref PaymentRef, amount decimal.Decimal) (*RefundResult, error) {
	chargeID, err := g.resolveCharge(ctx, ref)
	if err != nil {
		return nil, err
	}
	wire, err := money.ToWire(amount, ref.Currency, money.ProfileMinorUnits)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "refund amount cannot be encoded", err)
	}

	params := &stripe.RefundParams{
		Charge: stripe.String(chargeID),
		Amount: stripe.Int64(wire),
	}
	params.AddMetadata("payment_id", ref.PaymentID.String())
	params.AddMetadata("order_id", ref.OrderID.String())
	params.SetIdempotencyKey(RefundIdempotencyKey(ref.PaymentID))
	params.Context = ctx

	r, err := g.api.NewRefund(params)
	if err != nil {
		return nil, stripeError("create refund", err)
	}
	return stripeRefundResult(r, ref.Currency), nil
}

func (g *StripeGateway) GetRefund(ctx context.Context, ref PaymentRef, providerRefundID string) (*RefundResult, error) {
	params := &stripe.RefundParams{}
	params.Context = ctx
	r, err := g.api.GetRefund(providerRefundID, params)
	if err != nil {
		return nil, stripeError("retrieve refund", err)
	}
	return stripeRefundResult(r, ref.Currency), nil
}

// resolveCharge walks session -> payment intent -> latest charge. Refunds must target the
// charge; neither the session id nor the intent id is reversible by itself.
func (g *StripeGateway) resolveCharge(ctx context.Context, ref PaymentRef) (string, error) {
	intentID := ref.Facts[models.FactPaymentIntentID]
	if strings.HasPrefix(ref.ProviderPaymentID, "pi_") {
		intentID = ref.ProviderPaymentID
	}
	if intentID == "" {
		sessionID := ref.Facts[models.FactCheckoutSessionID]
		if sessionID == "" {
			sessionID = ref.ProviderPaymentID
		}
		params := &stripe.CheckoutSessionParams{}
		params.AddExpand("payment_intent")
		params.Context = ctx
		sess, err := g.api.GetCheckoutSession(sessionID, params)
		if err != nil {
			return "", stripeError("retrieve checkout session", err)
		}
		if sess.PaymentIntent == nil || sess.PaymentIntent.ID == "" {
			return "", apperr.Newf(apperr.KindValidation, "checkout session %s has no payment intent", sessionID)
		}
		intentID = sess.PaymentIntent.ID
	}

	params := &stripe.PaymentIntentParams{}
	params.AddExpand("latest_charge")
	params.Context = ctx
	pi, err := g.api.GetPaymentIntent(intentID, params)
	if err != nil {
		return "", stripeError("retrieve payment intent", err)
	}
	if pi.LatestCharge == nil || pi.LatestCharge.ID == "" {
		return "", apperr.Newf(apperr.KindValidation, "payment intent %s has no charge to refund", intentID)
	}
	return pi.LatestCharge.ID, nil
}

func (g *StripeGateway) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.Data == nil {
		return nil, ErrEventIgnored
	}

	var out *PaymentEvent
	switch string(event.Type) {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed", "checkout.session.expired":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		out = sessionEvent(&sess)
		switch string(event.Type) {
		case "checkout.session.async_payment_failed":
			out.Outcome.Status = OutcomeFailed
			out.Outcome.FailureReason = "asynchronous payment failed"
		case "checkout.session.expired":
			out.Outcome.Status = OutcomeFailed
			out.Outcome.FailureReason = "checkout session expired"
		}
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out = intentEvent(&pi)
	default:
		return nil, ErrEventIgnored
	}

	out.EventID = event.ID
	out.EventType = string(event.Type)
	out.OccurredAt = time.Unix(event.Created, 0).UTC()
	out.Raw = payload
	return out, nil
}

func sessionEvent(sess *stripe.CheckoutSession) *PaymentEvent {
	currency := strings.ToUpper(string(sess.Currency))
	event := &PaymentEvent{
		Provider:          models.ProviderStripe,
		ProviderPaymentID: sess.ID,
		AliasIDs:          []string{sess.ID},
		OrderID:           sess.Metadata["order_id"],
		Facts:             map[string]string{models.FactCheckoutSessionID: sess.ID},
		Outcome: PaymentOutcome{
			Status:   OutcomePending,
			Amount:   money.FromWire(sess.AmountTotal, currency, money.ProfileMinorUnits),
			Currency: currency,
		},
	}
	if event.OrderID == "" {
		event.OrderID = sess.ClientReferenceID
	}
	if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
		event.ProviderPaymentID = sess.PaymentIntent.ID
		event.Facts[models.FactPaymentIntentID] = sess.PaymentIntent.ID
	}
	switch {
	case string(sess.PaymentStatus) == "paid":
		event.Outcome.Status = OutcomeSucceeded
	case string(sess.Status) == "expired":
		event.Outcome.Status = OutcomeFailed
		event.Outcome.FailureReason = "checkout session expired"
	}
	return event
}

func intentEvent(pi *stripe.PaymentIntent) *PaymentEvent {
	currency := strings.ToUpper(string(pi.Currency))
	event := &PaymentEvent{
		Provider:          models.ProviderStripe,
		ProviderPaymentID: pi.ID,
		OrderID:           pi.Metadata["order_id"],
		Facts:             map[string]string{models.FactPaymentIntentID: pi.ID},
		Outcome: PaymentOutcome{
			Status:   OutcomePending,
			Amount:   money.FromWire(pi.Amount, currency, money.ProfileMinorUnits),
			Currency: currency,
		},
	}
	if len(pi.PaymentMethodTypes) > 0 {
		event.Outcome.Method = pi.PaymentMethodTypes[0]
	}
	switch string(pi.Status) {
	case "succeeded":
		event.Outcome.Status = OutcomeSucceeded
	case "canceled":
		event.Outcome.Status = OutcomeFailed
		event.Outcome.FailureReason = "payment intent canceled"
	default:
		if pi.LastPaymentError != nil {
			event.Outcome.Status = OutcomeFailed
			event.Outcome.FailureReason = pi.LastPaymentError.Msg
		}
	}
	return event
}

func stripeRefundResult(r *stripe.Refund, currency string) *RefundResult {
	result := &RefundResult{
		ProviderRefundID: r.ID,
		Status:           RefundPending,
		Amount:           money.FromWire(r.Amount, currency, money.ProfileMinorUnits),
	}
	switch string(r.Status) {
	case "succeeded":
		result.Status = RefundSucceeded
	case "failed", "canceled":
		result.Status = RefundFailed
		result.FailureReason = "refund " + string(r.Status)
	}
	return result
}

// stripeError maps Stripe failures onto the error taxonomy: throttling, 5xx and transport
// errors are retryable, any other API error is a rejection.
func stripeError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode != 0 {
		if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= http.StatusInternalServerError {
			return unavailable(op, err)
		}
		return rejected(op, err)
	}
	return unavailable(op, err)
}
