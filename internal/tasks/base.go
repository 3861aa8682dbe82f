package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"orderflow_billing/internal/models"
)

// BuildScheduledTask is a helper to build ScheduledTask records generically. A non-empty
// rule makes the task recurring and must parse as an RFC 5545 RRULE.
func BuildScheduledTask(taskName string, args interface{}, due time.Time, rule string, maxAttempt int) (*models.ScheduledTask, error) {
	mapArgs := map[string]interface{}{}
	if args != nil {
		argsBytes, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal args: %w", err)
		}
		if err := json.Unmarshal(argsBytes, &mapArgs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal into map: %w", err)
		}
	}
	if maxAttempt <= 0 {
		maxAttempt = 1
	}

	task := &models.ScheduledTask{
		TaskName:   taskName,
		Arguments:  mapArgs,
		Due:        due,
		Status:     models.ScheduledTaskStatusActive,
		TaskType:   models.ScheduledTaskTypeOneTime,
		MaxAttempt: maxAttempt,
	}
	if rule != "" {
		if _, err := rrule.StrToRRule(rule); err != nil {
			return nil, fmt.Errorf("invalid recurrence rule %q: %w", rule, err)
		}
		task.TaskType = models.ScheduledTaskTypeRecurring
		task.RecurringInterval = &rule
	}
	return task, nil
}

// decodeArgs maps the stored argument map onto a typed struct
func decodeArgs(task models.ScheduledTask, out interface{}) error {
	if len(task.Arguments) == 0 {
		return nil
	}
	argsBytes, err := json.Marshal(task.Arguments)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}
	if err := json.Unmarshal(argsBytes, out); err != nil {
		return fmt.Errorf("failed to unmarshal args: %w", err)
	}
	return nil
}
