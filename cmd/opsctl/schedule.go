package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"orderflow_billing/internal/app"
	"orderflow_billing/internal/models"
	"orderflow_billing/internal/tasks"
)

func scheduleCmd() *cobra.Command {
	var (
		taskName   string
		argsStr    string
		dueStr     string
		recurring  string
		maxAttempt int
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Create a scheduled task for the worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if taskName == "" {
				return fmt.Errorf("--task-name is required")
			}
			var args map[string]interface{}
			if argsStr != "" {
				if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
					return fmt.Errorf("invalid JSON arguments: %w", err)
				}
			}
			due, err := parseDue(dueStr)
			if err != nil {
				return err
			}
			task, err := tasks.BuildScheduledTask(taskName, args, due, recurring, maxAttempt)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if _, ok := a.TaskRegistry().Get(taskName); !ok {
					return fmt.Errorf("unknown task %q", taskName)
				}
				if err := a.Store.CreateTask(ctx, task); err != nil {
					return err
				}
				return printJSON(cmd, task)
			})
		},
	}
	cmd.Flags().StringVar(&taskName, "task-name", "", "Registered task name")
	cmd.Flags().StringVar(&argsStr, "arguments", "", "JSON arguments for the task")
	cmd.Flags().StringVar(&dueStr, "due", "", "First run, RFC3339 or '2006-01-02 15:04' local time (default now)")
	cmd.Flags().StringVar(&recurring, "recurring", "", "RRULE recurrence, e.g. FREQ=MINUTELY;INTERVAL=5")
	cmd.Flags().IntVar(&maxAttempt, "max-attempt", 3, "Attempts before the run is given up")

	cmd.AddCommand(&cobra.Command{
		Use:   "defaults",
		Short: "Create the recurring expiry, stranded-payment and replay tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			defaults, err := tasks.DefaultSchedules(time.Now())
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				created := make([]*models.ScheduledTask, 0, len(defaults))
				for _, task := range defaults {
					if err := a.Store.CreateTask(ctx, task); err != nil {
						return fmt.Errorf("create %s: %w", task.TaskName, err)
					}
					created = append(created, task)
				}
				return printJSON(cmd, created)
			})
		},
	})
	return cmd
}

func parseDue(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	if due, err := time.Parse(time.RFC3339, s); err == nil {
		return due, nil
	}
	due, err := time.ParseInLocation("2006-01-02 15:04", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid due date %q, use RFC3339 or '2006-01-02 15:04'", s)
	}
	return due, nil
}
