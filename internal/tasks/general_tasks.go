package tasks

import (
	"context"

	"go.uber.org/zap"

	"orderflow_billing/internal/models"
)

// LogInfoTaskDef writes its message argument to the worker log. Operators schedule it to
// check that the worker is picking up tasks.
type LogInfoTaskDef struct {
	log *zap.Logger
}

// TaskID returns the unique identifier for this task
func (t *LogInfoTaskDef) TaskID() string {
	return "log_info"
}

// HandleExecution handles logging information
func (t *LogInfoTaskDef) HandleExecution(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
	message, ok := task.Arguments["message"].(string)
	if !ok {
		message = "No message provided"
	}
	t.log.Info("log_info task", zap.String("message", message), zap.Uint("task_id", task.ID))

	return map[string]interface{}{
		"status":            "success",
		"message":           message,
		"max_attempts_info": task.MaxAttempt,
	}, nil
}
