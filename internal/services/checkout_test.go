package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/models"
)

func TestCheckout_CreatesPendingPaymentWithHandle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.creditOrder(t)

	res, err := env.checkout.StartCheckout(ctx, order.ID, models.ProviderStripe, false)
	require.NoError(t, err)
	assert.False(t, res.IsExisting)
	assert.Equal(t, "https://pay.example.com/stripe_pay_1", res.RedirectURL)
	assert.Equal(t, "tok_stripe_pay_1", res.ClientToken)

	p := env.payment(t, res.Payment.ID)
	assert.Equal(t, models.PaymentStatusPending, p.Status)
	assert.Equal(t, "stripe_pay_1", p.ProviderPaymentID)
	assert.True(t, p.Amount.Equal(order.Amount))
	assert.Equal(t, "CLP", p.Currency)

	facts, err := env.store.ListFacts(ctx, models.EntityPayment, p.ID)
	require.NoError(t, err)
	values := map[string][]string{}
	for _, f := range facts {
		values[f.Key] = append(values[f.Key], f.Value)
	}
	assert.ElementsMatch(t, []string{"stripe_pay_1", "sess_stripe_pay_1"}, values[models.FactAliasID])
	assert.Equal(t, []string{"sess_stripe_pay_1"}, values[models.FactCheckoutSessionID])
}

func TestCheckout_ReusesOpenHandle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.creditOrder(t)
	first := env.startCheckout(t, order, models.ProviderStripe)

	again, err := env.checkout.StartCheckout(ctx, order.ID, models.ProviderStripe, false)
	require.NoError(t, err)
	assert.True(t, again.IsExisting)
	assert.Equal(t, first.ID, again.Payment.ID)
	assert.Equal(t, 1, env.stripe.handles)
}

func TestCheckout_ForceNewSupersedes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.creditOrder(t)
	first := env.startCheckout(t, order, models.ProviderStripe)

	res, err := env.checkout.StartCheckout(ctx, order.ID, models.ProviderStripe, true)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, res.Payment.ID)

	old := env.payment(t, first.ID)
	assert.Equal(t, models.PaymentStatusFailed, old.Status)
	assert.Equal(t, "superseded", old.FailureReason)
	assert.Equal(t, []string{"stripe_pay_1"}, env.stripe.cancelled)

	fact, err := env.store.FindFact(ctx, models.EntityPayment, models.FactSupersededBy, res.Payment.ID.String())
	require.NoError(t, err)
	assert.Equal(t, first.ID, fact.EntityID)

	open, err := env.store.FindOpenPayment(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Payment.ID, open.ID)
}

func TestCheckout_SwitchingProviderSupersedes(t *testing.T) {
	env := newTestEnv(t)
	order := env.creditOrder(t)
	first := env.startCheckout(t, order, models.ProviderStripe)
	second := env.startCheckout(t, order, models.ProviderMidtrans)

	assert.Equal(t, models.PaymentStatusFailed, env.payment(t, first.ID).Status)
	assert.Equal(t, models.PaymentStatusPending, env.payment(t, second.ID).Status)
	assert.Equal(t, models.ProviderMidtrans, second.Provider)
}

func TestCheckout_ProviderErrorLeavesOrderRetryable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.creditOrder(t)
	env.stripe.createErr = apperr.New(apperr.KindProviderUnavailable, "create checkout session", errors.New("503"))

	_, err := env.checkout.StartCheckout(ctx, order.ID, models.ProviderStripe, false)
	requireKind(t, err, apperr.KindProviderUnavailable)
	assert.True(t, apperr.Retryable(err))
	assert.Equal(t, models.OrderStatusPendingPayment, env.order(t, order.ID).Status)

	payments, err := env.store.ListPaymentsByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusFailed, payments[0].Status)

	env.stripe.createErr = nil
	res, err := env.checkout.StartCheckout(ctx, order.ID, models.ProviderStripe, false)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, res.Payment.Status)
}

func TestCheckout_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("paid order", func(t *testing.T) {
		env := newTestEnv(t)
		order := env.creditOrder(t)
		p := env.startCheckout(t, order, models.ProviderStripe)
		_, err := env.reconciler.Process(ctx, successEvent(p, "evt_paid"))
		require.NoError(t, err)

		_, err = env.checkout.StartCheckout(ctx, order.ID, models.ProviderStripe, true)
		requireKind(t, err, apperr.KindConflict)
	})

	t.Run("expired order", func(t *testing.T) {
		env := newTestEnv(t)
		order := env.creditOrder(t)
		env.checkout.now = func() time.Time { return order.ExpiresAt.Add(time.Minute) }

		_, err := env.checkout.StartCheckout(ctx, order.ID, models.ProviderStripe, false)
		requireKind(t, err, apperr.KindConflict)
	})

	t.Run("provider not enabled", func(t *testing.T) {
		env := newTestEnv(t)
		order := env.creditOrder(t)
		_, err := env.checkout.StartCheckout(ctx, order.ID, "paypal", false)
		requireKind(t, err, apperr.KindValidation)
	})
}
