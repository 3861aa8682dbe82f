package tasks

import (
	"context"

	"orderflow_billing/internal/models"
	"orderflow_billing/internal/services"
)

// OrderExpirer cancels overdue pending orders
type OrderExpirer interface {
	Sweep(ctx context.Context) (*services.ExpirationReport, error)
}

// ExpireOrdersTaskDef runs the expiration sweeper
type ExpireOrdersTaskDef struct {
	sweeper OrderExpirer
}

func (t *ExpireOrdersTaskDef) TaskID() string {
	return "expire_orders"
}

func (t *ExpireOrdersTaskDef) HandleExecution(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
	report, err := t.sweeper.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"scanned":   report.Scanned,
		"cancelled": report.Cancelled,
		"skipped":   report.Skipped,
	}, nil
}

// StrandedSweeper resumes succeeded payments the ledger never saw and re-dispatches paid orders
type StrandedSweeper interface {
	Sweep(ctx context.Context, limit int) (*services.SweepReport, error)
}

// ReconcileStrandedArgs defines the arguments for a reconcile_stranded task
type ReconcileStrandedArgs struct {
	Limit int `json:"limit"`
}

// ReconcileStrandedTaskDef runs the reconciliation sweep
type ReconcileStrandedTaskDef struct {
	reconciler StrandedSweeper
}

func (t *ReconcileStrandedTaskDef) TaskID() string {
	return "reconcile_stranded"
}

func (t *ReconcileStrandedTaskDef) HandleExecution(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
	args := ReconcileStrandedArgs{Limit: 100}
	if err := decodeArgs(task, &args); err != nil {
		return nil, err
	}
	report, err := t.reconciler.Sweep(ctx, args.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"resumed":      report.Resumed,
		"redispatched": report.Redispatched,
		"completed":    report.Completed,
		"anomalies":    report.Anomalies,
	}, nil
}
