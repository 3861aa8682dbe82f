package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow_billing/internal/models"
)

func TestSweeper_CancelsOverdueOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	overdue := env.creditOrder(t)
	withPayment := env.creditOrder(t)
	p := env.startCheckout(t, withPayment, models.ProviderStripe)

	env.sweeper.now = func() time.Time { return withPayment.ExpiresAt.Add(time.Minute) }
	report, err := env.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExpirationReport{Scanned: 2, Cancelled: 2}, *report)

	assert.Equal(t, models.OrderStatusCancelled, env.order(t, overdue.ID).Status)
	assert.Equal(t, models.OrderStatusCancelled, env.order(t, withPayment.ID).Status)

	closed := env.payment(t, p.ID)
	assert.Equal(t, models.PaymentStatusFailed, closed.Status)
	assert.Equal(t, "order expired", closed.FailureReason)
	assert.Equal(t, []string{p.ProviderPaymentID}, env.stripe.cancelled)

	report, err = env.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
}

func TestSweeper_LeavesLiveAndPaidOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	live := env.creditOrder(t)
	paid := env.creditOrder(t)
	p := env.startCheckout(t, paid, models.ProviderStripe)
	_, err := env.reconciler.Process(ctx, successEvent(p, "evt_paid"))
	require.NoError(t, err)

	env.sweeper.now = func() time.Time { return live.ExpiresAt.Add(-time.Minute) }
	report, err := env.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Equal(t, models.OrderStatusPendingPayment, env.order(t, live.ID).Status)

	env.sweeper.now = func() time.Time { return paid.ExpiresAt.Add(time.Hour) }
	report, err = env.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cancelled)
	assert.Equal(t, models.OrderStatusCompleted, env.order(t, paid.ID).Status)
}
