package tasks

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow_billing/internal/models"
	"orderflow_billing/internal/repository"
)

const (
	leaseKey          = "worker:tick_lease"
	defaultRetryDelay = time.Minute
)

// Lease is the distributed lock a tick runs under. services.RedisCache satisfies it.
type Lease interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// Runner executes due ScheduledTask rows. One tick runs at a time across all workers when
// a lease is configured.
type Runner struct {
	store      repository.TaskRepository
	registry   *Registry
	lease      Lease
	leaseTTL   time.Duration
	retryDelay time.Duration
	owner      string
	log        *zap.Logger
	now        func() time.Time
}

// NewRunner accepts a nil lease for single-worker deployments.
func NewRunner(store repository.TaskRepository, registry *Registry, lease Lease, leaseTTL time.Duration, log *zap.Logger) *Runner {
	host, _ := os.Hostname()
	return &Runner{
		store:      store,
		registry:   registry,
		lease:      lease,
		leaseTTL:   leaseTTL,
		retryDelay: defaultRetryDelay,
		owner:      fmt.Sprintf("%s/%s", host, uuid.NewString()),
		log:        log,
		now:        time.Now,
	}
}

// RunOnce executes every task that is due and returns how many ran.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	if r.lease != nil {
		acquired, err := r.lease.Acquire(ctx, leaseKey, r.owner, r.leaseTTL)
		if err != nil {
			return 0, fmt.Errorf("acquire worker lease: %w", err)
		}
		if !acquired {
			r.log.Debug("worker lease held elsewhere, skipping tick")
			return 0, nil
		}
		defer func() {
			if err := r.lease.Release(context.WithoutCancel(ctx), leaseKey, r.owner); err != nil {
				r.log.Warn("failed to release worker lease", zap.Error(err))
			}
		}()
	}

	pending, err := r.store.ListDueTasks(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("list due tasks: %w", err)
	}
	if len(pending) == 0 {
		r.log.Debug("no pending tasks found")
		return 0, nil
	}
	r.log.Info("found pending tasks", zap.Int("count", len(pending)))

	ran := 0
	for _, task := range pending {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		r.execute(ctx, task)
		ran++
	}
	return ran, nil
}

func (r *Runner) execute(ctx context.Context, task models.ScheduledTask) {
	logger := r.log.With(zap.String("task", task.TaskName), zap.Uint("task_id", task.ID))
	startTime := r.now()
	task.LastRun = &startTime
	attempt := task.FailedAttempts + 1

	handler, found := r.registry.Get(task.TaskName)
	if !found {
		logger.Error("task handler not found, marking as failure")
		task.Status = models.ScheduledTaskStatusFailure
		task.LastError = "handler not found"
		r.recordHistory(ctx, logger, task, startTime, 0, models.TaskRunHandlerNotFound, attempt,
			map[string]interface{}{"error": "Handler not found"})
		r.save(ctx, logger, &task)
		return
	}

	result, err := handler(ctx, task)
	runtime := r.now().Sub(startTime)

	status := models.TaskRunSuccess
	if err != nil {
		status = models.TaskRunFailure
		result = map[string]interface{}{"error": err.Error()}
		logger.Error("task failed", zap.Int("attempt", attempt), zap.Error(err))
	} else {
		logger.Info("task completed", zap.Duration("runtime", runtime))
	}
	r.recordHistory(ctx, logger, task, startTime, runtime, status, attempt, result)

	if err != nil {
		task.FailedAttempts++
		task.LastError = err.Error()
		switch {
		case task.FailedAttempts < task.MaxAttempt:
			task.Due = task.RetryDue(startTime, r.retryDelay)
		case task.Recurring():
			// The series continues at its next occurrence.
			logger.Error("max attempts reached, skipping to next occurrence", zap.Int("max_attempt", task.MaxAttempt))
			task.FailedAttempts = 0
			r.advance(&task, startTime)
		default:
			logger.Error("max attempts reached", zap.Int("max_attempt", task.MaxAttempt))
			task.Status = models.ScheduledTaskStatusFailure
		}
		r.save(ctx, logger, &task)
		return
	}

	task.FailedAttempts = 0
	task.LastError = ""
	if task.Recurring() {
		r.advance(&task, startTime)
	} else {
		task.Status = models.ScheduledTaskStatusDone
	}
	r.save(ctx, logger, &task)
}

// advance moves a recurring task to its next occurrence, or marks it done when the rule
// has none left.
func (r *Runner) advance(task *models.ScheduledTask, now time.Time) {
	nextDue := task.NextDue(now)
	// a next due that is not in the future would run the task repeatedly
	if nextDue.After(task.Due) && nextDue.After(now) {
		task.Status = models.ScheduledTaskStatusActive
		task.Due = nextDue
		return
	}
	task.Status = models.ScheduledTaskStatusDone
}

func (r *Runner) recordHistory(ctx context.Context, logger *zap.Logger, task models.ScheduledTask, runAt time.Time, runtime time.Duration, status models.TaskRunStatus, attempt int, result map[string]interface{}) {
	history := &models.ScheduledTaskHistory{
		ScheduledTaskID: task.ID,
		TaskName:        task.TaskName,
		RunAt:           runAt,
		RuntimeMs:       runtime.Milliseconds(),
		Status:          status,
		AttemptNumber:   attempt,
		Arguments:       task.Arguments,
		Result:          result,
	}
	if err := r.store.RecordTaskHistory(ctx, history); err != nil {
		logger.Error("failed to record task history", zap.Error(err))
	}
}

func (r *Runner) save(ctx context.Context, logger *zap.Logger, task *models.ScheduledTask) {
	if err := r.store.SaveTask(ctx, task); err != nil {
		logger.Error("failed to update task", zap.Error(err))
	}
}

// Loop runs a tick immediately and then every interval until ctx is cancelled.
func (r *Runner) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.log.Error("worker tick failed", zap.Error(err))
	}
}
