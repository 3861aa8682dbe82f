package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOrder_CanPay(t *testing.T) {
	expires := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	order := Order{Status: OrderStatusPendingPayment, ExpiresAt: expires}

	assert.True(t, order.CanPay(expires.Add(-time.Minute)))
	assert.True(t, order.CanPay(expires))
	assert.False(t, order.CanPay(expires.Add(time.Second)))

	order.Status = OrderStatusCancelled
	assert.False(t, order.CanPay(expires.Add(-time.Minute)))
}

func TestProductData_LinesTotal(t *testing.T) {
	data := ProductData{Lines: []LineItem{
		{ProductID: "sig-basic", UnitPrice: decimal.NewFromInt(2990), Quantity: 2},
		{ProductID: "notary-addon", UnitPrice: decimal.NewFromInt(1010), Quantity: 1},
	}}
	assert.True(t, data.LinesTotal().Equal(decimal.NewFromInt(6990)))
	assert.True(t, ProductData{}.LinesTotal().IsZero())
}

func TestScheduledTask_NextDue(t *testing.T) {
	due := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rule := "FREQ=MINUTELY;INTERVAL=5"

	recurring := ScheduledTask{Due: due, TaskType: ScheduledTaskTypeRecurring, RecurringInterval: &rule}
	next := recurring.NextDue(due.Add(12 * time.Minute))
	assert.Equal(t, due.Add(15*time.Minute), next)

	onetime := ScheduledTask{Due: due, TaskType: ScheduledTaskTypeOneTime}
	assert.Equal(t, due, onetime.NextDue(due.Add(time.Hour)))

	bad := "not a rule"
	broken := ScheduledTask{Due: due, TaskType: ScheduledTaskTypeRecurring, RecurringInterval: &bad}
	assert.Equal(t, due, broken.NextDue(due.Add(time.Hour)))
}

func TestScheduledTask_RecurringAndRetry(t *testing.T) {
	due := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rule := "FREQ=HOURLY"
	empty := ""

	assert.True(t, ScheduledTask{TaskType: ScheduledTaskTypeRecurring, RecurringInterval: &rule}.Recurring())
	assert.False(t, ScheduledTask{TaskType: ScheduledTaskTypeRecurring, RecurringInterval: &empty}.Recurring())
	assert.False(t, ScheduledTask{TaskType: ScheduledTaskTypeOneTime, RecurringInterval: &rule}.Recurring())

	task := ScheduledTask{FailedAttempts: 3}
	assert.Equal(t, due.Add(3*time.Minute), task.RetryDue(due, time.Minute))
}

func TestInvoice_DisplayNumber(t *testing.T) {
	assert.Equal(t, "INV-000042", Invoice{Number: 42}.DisplayNumber())
}
