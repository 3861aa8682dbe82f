package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/models"
)

var allStatuses = []models.OrderStatus{
	models.OrderStatusPendingPayment,
	models.OrderStatusPaid,
	models.OrderStatusCompleted,
	models.OrderStatusCancelled,
	models.OrderStatusRefunded,
}

func TestLedger_CreateOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order := env.creditOrder(t)
	assert.Equal(t, models.OrderStatusPendingPayment, order.Status)
	assert.Equal(t, int64(1), order.OrderNumber)
	assert.True(t, order.Amount.Equal(decimal.NewFromInt(6990)))
	assert.True(t, order.TaxAmount.IsZero())
	assert.Equal(t, "CL", order.TaxCountry)
	assert.Equal(t, models.NotificationChannelEmail, order.NotifyChannel)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), order.ExpiresAt, time.Minute)

	second := env.creditOrder(t)
	assert.Equal(t, int64(2), second.OrderNumber)

	_, history, err := env.ledger.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, EventOrderCreated, history[0].EventType)
	assert.Equal(t, models.OrderStatusPendingPayment, history[0].ToStatus)
}

func TestLedger_CreateOrderAddsTax(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.tax.SetRate(ctx, "de", decimal.RequireFromString("0.19")))

	order, err := env.ledger.CreateOrder(ctx, CreateOrderInput{
		OrganizationID: "org-eu",
		ProductType:    models.ProductTypeSignature,
		ProductData: models.ProductData{Lines: []models.LineItem{
			{ProductID: "sig", UnitPrice: decimal.RequireFromString("12.50"), Quantity: 2},
			{ProductID: "stamp", UnitPrice: decimal.RequireFromString("0.99"), Quantity: 1},
		}},
		Currency:       "eur",
		TaxCountry:     "DE",
		ExpiresInHours: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, "EUR", order.Currency)
	assert.Equal(t, "25.99", order.Subtotal.String())
	assert.Equal(t, "4.94", order.TaxAmount.String())
	assert.Equal(t, "30.93", order.Amount.String())
	assert.Equal(t, models.NotificationChannelNone, order.NotifyChannel)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), order.ExpiresAt, time.Minute)
}

func TestLedger_CreateOrderValidation(t *testing.T) {
	env := newTestEnv(t)
	valid := CreateOrderInput{
		OrganizationID: "org-1",
		ProductType:    models.ProductTypeNotarial,
		Amount:         decimal.NewFromInt(100),
		Currency:       "USD",
	}

	tests := []struct {
		name   string
		mutate func(in *CreateOrderInput)
	}{
		{"missing organization", func(in *CreateOrderInput) { in.OrganizationID = " " }},
		{"unknown product", func(in *CreateOrderInput) { in.ProductType = "hardware" }},
		{"bad currency", func(in *CreateOrderInput) { in.Currency = "DOLLARS" }},
		{"zero amount", func(in *CreateOrderInput) { in.Amount = decimal.Zero }},
		{"negative amount", func(in *CreateOrderInput) { in.Amount = decimal.NewFromInt(-5) }},
		{"fractional zero-decimal amount", func(in *CreateOrderInput) {
			in.Currency = "CLP"
			in.Amount = decimal.RequireFromString("6990.5")
		}},
		{"credit package without credits", func(in *CreateOrderInput) { in.ProductType = models.ProductTypeCreditPackage }},
		{"amount disagrees with lines", func(in *CreateOrderInput) {
			in.ProductData.Lines = []models.LineItem{{ProductID: "x", UnitPrice: decimal.NewFromInt(99), Quantity: 1}}
		}},
		{"negative expiry", func(in *CreateOrderInput) { in.ExpiresInHours = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			_, err := env.ledger.CreateOrder(context.Background(), in)
			requireKind(t, err, apperr.KindValidation)
		})
	}
}

func TestLedger_EveryIllegalEdgeIsRejected(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			from, to := from, to
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				env := newTestEnv(t)
				ctx := context.Background()
				order := env.creditOrder(t)
				order.Status = from
				require.NoError(t, env.store.UpdateOrder(ctx, order))

				changed, err := env.ledger.apply(ctx, order.ID, to, Transition{EventType: "test", EventID: "evt-1"}, nil)
				after := env.order(t, order.ID)

				if CanTransition(from, to) {
					require.NoError(t, err)
					assert.True(t, changed)
					assert.Equal(t, to, after.Status)
					return
				}
				requireKind(t, err, apperr.KindInvalidTransition)
				assert.False(t, changed)
				assert.Equal(t, from, after.Status)

				recorded := append(env.items(t, models.ReconInvalidTransition), env.items(t, models.ReconPaidAfterCancel)...)
				require.Len(t, recorded, 1)
				assert.Equal(t, order.ID, *recorded[0].OrderID)
				assert.Equal(t, "evt-1", recorded[0].EventID)
			})
		}
	}
}

func TestLedger_MarkPaidIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.creditOrder(t)
	paymentID := uuid.New()

	changed, err := env.ledger.MarkPaid(ctx, order.ID, paymentID, Transition{OccurredAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = env.ledger.MarkPaid(ctx, order.ID, paymentID, Transition{OccurredAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, changed)

	after := env.order(t, order.ID)
	assert.Equal(t, models.OrderStatusPaid, after.Status)
	assert.Equal(t, paymentID, *after.PaymentID)

	_, history, err := env.ledger.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	// A different payment cannot settle the same order twice.
	_, err = env.ledger.MarkPaid(ctx, order.ID, uuid.New(), Transition{OccurredAt: time.Now()})
	requireKind(t, err, apperr.KindInvalidTransition)
}

func TestLedger_MarkPaidAfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.creditOrder(t)

	_, err := env.ledger.MarkPaid(ctx, order.ID, uuid.New(), Transition{
		EventID:    "late",
		OccurredAt: order.ExpiresAt.Add(time.Minute),
	})
	requireKind(t, err, apperr.KindInvalidTransition)
	assert.Equal(t, models.OrderStatusPendingPayment, env.order(t, order.ID).Status)
	assert.Len(t, env.items(t, models.ReconPaidAfterCancel), 1)

	// Confirmation that happened before the deadline still counts when delivered late.
	changed, err := env.ledger.MarkPaid(ctx, order.ID, uuid.New(), Transition{OccurredAt: order.ExpiresAt.Add(-time.Minute)})
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestLedger_ExpireOnlyAfterDeadline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.creditOrder(t)

	changed, err := env.ledger.Expire(ctx, order.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = env.ledger.Expire(ctx, order.ID, order.ExpiresAt.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.OrderStatusCancelled, env.order(t, order.ID).Status)

	changed, err = env.ledger.Expire(ctx, order.ID, order.ExpiresAt.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)
}
