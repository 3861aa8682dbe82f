package models

import (
	"time"

	"github.com/teambition/rrule-go"
	"gorm.io/gorm"
)

// ScheduledTaskStatus represents the status of a scheduled task
type ScheduledTaskStatus string

const (
	ScheduledTaskStatusActive   ScheduledTaskStatus = "active"
	ScheduledTaskStatusDone     ScheduledTaskStatus = "done"
	ScheduledTaskStatusFailure  ScheduledTaskStatus = "failure"
	ScheduledTaskStatusDisabled ScheduledTaskStatus = "disabled"
)

// ScheduledTaskType represents the type of scheduled task
type ScheduledTaskType string

const (
	ScheduledTaskTypeOneTime   ScheduledTaskType = "onetime"
	ScheduledTaskTypeRecurring ScheduledTaskType = "recurring"
)

// TaskRunStatus is the outcome of one execution recorded in ScheduledTaskHistory
type TaskRunStatus string

const (
	TaskRunSuccess         TaskRunStatus = "success"
	TaskRunFailure         TaskRunStatus = "failure"
	TaskRunHandlerNotFound TaskRunStatus = "handler_not_found"
)

// ScheduledTask is a unit of background work (expiration sweep, reconciliation pass, ...)
// picked up by the worker once Due has passed
type ScheduledTask struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	TaskName          string                 `gorm:"type:varchar(255)" json:"task_name"`
	Arguments         map[string]interface{} `gorm:"serializer:json" json:"arguments"`
	LastRun           *time.Time             `json:"last_run"`
	Due               time.Time              `gorm:"index:idx_scheduled_tasks_status_due,priority:2,where:deleted_at IS NULL" json:"due"`
	RecurringInterval *string                `gorm:"type:text" json:"recurring_interval"`
	Status            ScheduledTaskStatus    `gorm:"type:varchar(20);index:idx_scheduled_tasks_status_due,priority:1,where:deleted_at IS NULL" json:"status"`
	TaskType          ScheduledTaskType      `gorm:"type:varchar(20);default:'onetime'" json:"task_type"`
	MaxAttempt        int                    `json:"max_attempt"`
	FailedAttempts    int                    `gorm:"not null;default:0" json:"failed_attempts"`
	LastError         string                 `gorm:"type:text" json:"last_error,omitempty"`
}

// Recurring reports whether the task repeats on an RRULE.
func (t ScheduledTask) Recurring() bool {
	return t.TaskType == ScheduledTaskTypeRecurring && t.RecurringInterval != nil && *t.RecurringInterval != ""
}

// NextDue returns the first recurrence strictly after now, anchored at the current Due.
// One-time tasks and unparsable rules return Due unchanged.
func (t ScheduledTask) NextDue(now time.Time) time.Time {
	if !t.Recurring() {
		return t.Due
	}
	rule, err := rrule.StrToRRule(*t.RecurringInterval)
	if err != nil {
		return t.Due
	}
	rule.DTStart(t.Due)
	if next := rule.After(now, false); !next.IsZero() {
		return next
	}
	return t.Due
}

// RetryDue backs a failed run off linearly by FailedAttempts.
func (t ScheduledTask) RetryDue(failedAt time.Time, delay time.Duration) time.Time {
	return failedAt.Add(delay * time.Duration(t.FailedAttempts))
}

// ScheduledTaskHistory is one execution of a task, kept for operators
type ScheduledTaskHistory struct {
	ID              uint           `gorm:"primarykey" json:"id"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
	ScheduledTaskID uint           `gorm:"index" json:"scheduled_task_id"`

	TaskName      string                 `gorm:"type:varchar(255)" json:"task_name"`
	RunAt         time.Time              `json:"run_at"`
	RuntimeMs     int64                  `json:"runtime_ms"`
	Status        TaskRunStatus          `gorm:"type:varchar(50)" json:"status"`
	AttemptNumber int                    `json:"attempt_number"`
	Arguments     map[string]interface{} `gorm:"serializer:json" json:"arguments"`
	Result        map[string]interface{} `gorm:"serializer:json" json:"result"`
}
