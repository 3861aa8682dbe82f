package tasks

import (
	"time"

	"go.uber.org/zap"

	"orderflow_billing/internal/models"
)

// PaymentReconciler is the reconciler surface the tasks use
type PaymentReconciler interface {
	StrandedSweeper
	ItemReplayer
}

// Dependencies are the services the task definitions drive
type Dependencies struct {
	Sweeper    OrderExpirer
	Reconciler PaymentReconciler
	Log        *zap.Logger
}

// DefineTasks registers all available tasks on r
func DefineTasks(r *Registry, deps Dependencies) {
	logInfo := &LogInfoTaskDef{log: deps.Log}
	r.Register(logInfo.TaskID(), logInfo.HandleExecution)

	expire := &ExpireOrdersTaskDef{sweeper: deps.Sweeper}
	r.Register(expire.TaskID(), expire.HandleExecution)

	stranded := &ReconcileStrandedTaskDef{reconciler: deps.Reconciler}
	r.Register(stranded.TaskID(), stranded.HandleExecution)

	replay := &ReplayUnmatchedTaskDef{reconciler: deps.Reconciler, log: deps.Log}
	r.Register(replay.TaskID(), replay.HandleExecution)
}

// DefaultSchedules are the recurring tasks a fresh deployment needs, starting at from
func DefaultSchedules(from time.Time) ([]*models.ScheduledTask, error) {
	defs := []struct {
		name string
		rule string
		args interface{}
	}{
		{"expire_orders", "FREQ=MINUTELY;INTERVAL=5", nil},
		{"reconcile_stranded", "FREQ=MINUTELY;INTERVAL=10", ReconcileStrandedArgs{Limit: 100}},
		{"replay_unmatched_events", "FREQ=MINUTELY;INTERVAL=15", ReplayUnmatchedArgs{MaxAttempts: 5, Limit: 100}},
	}
	out := make([]*models.ScheduledTask, 0, len(defs))
	for _, d := range defs {
		task, err := BuildScheduledTask(d.name, d.args, from, d.rule, 3)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}
