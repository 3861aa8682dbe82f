package tasks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow_billing/internal/models"
	"orderflow_billing/internal/repository"
)

// ItemReplayer lists and retries reconciliation items
type ItemReplayer interface {
	ListItems(ctx context.Context, filter repository.ReconciliationFilter) ([]models.ReconciliationItem, error)
	ReplayItem(ctx context.Context, itemID uuid.UUID, operator string) (*models.ReconciliationItem, error)
}

// ReplayUnmatchedArgs defines the arguments for a replay_unmatched_events task
type ReplayUnmatchedArgs struct {
	MaxAttempts int `json:"max_attempts"`
	Limit       int `json:"limit"`
}

// ReplayUnmatchedTaskDef retries dead-lettered provider events. Events for payments created
// after the event arrived match on replay; items past MaxAttempts are left to operators.
type ReplayUnmatchedTaskDef struct {
	reconciler ItemReplayer
	log        *zap.Logger
}

func (t *ReplayUnmatchedTaskDef) TaskID() string {
	return "replay_unmatched_events"
}

func (t *ReplayUnmatchedTaskDef) HandleExecution(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
	args := ReplayUnmatchedArgs{MaxAttempts: 5, Limit: 100}
	if err := decodeArgs(task, &args); err != nil {
		return nil, err
	}

	items, err := t.reconciler.ListItems(ctx, repository.ReconciliationFilter{
		Status: models.ReconStatusOpen,
		Kind:   models.ReconUnmatchedEvent,
		Limit:  args.Limit,
	})
	if err != nil {
		return nil, err
	}

	replayed, resolved, exhausted := 0, 0, 0
	var failures []string
	for _, item := range items {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if item.Attempts >= args.MaxAttempts {
			exhausted++
			continue
		}
		replayed++
		updated, err := t.reconciler.ReplayItem(ctx, item.ID, "worker")
		if err != nil {
			t.log.Warn("failed to replay unmatched event",
				zap.String("item_id", item.ID.String()),
				zap.String("event_id", item.EventID),
				zap.Error(err))
			failures = append(failures, fmt.Sprintf("%s: %v", item.ID, err))
			continue
		}
		if updated.Status == models.ReconStatusResolved {
			resolved++
		}
	}

	result := map[string]interface{}{
		"replayed":  replayed,
		"resolved":  resolved,
		"exhausted": exhausted,
	}
	if len(failures) > 0 {
		result["errors"] = failures
	}
	return result, nil
}
