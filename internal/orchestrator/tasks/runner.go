// Package tasks drains the durable task queue with a bounded worker pool.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
	"github.com/ventupx/wrb-vpn-system/pkg/events"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

// Queue is the durable store behind the runner.
type Queue interface {
	Enqueue(ctx context.Context, task *model.Task) (*model.Task, bool, error)
	Claim(ctx context.Context, now time.Time, lease time.Duration) (*model.Task, error)
	ExtendLease(ctx context.Context, id string, until time.Time) error
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, reason string) error
	Requeue(ctx context.Context, id string, reason string) error
	ReclaimExpired(ctx context.Context, now time.Time) (int64, error)
	ListOpenByNode(ctx context.Context, nodeID uint) ([]*model.Task, error)
}

// Handler executes one task. A retryable error puts the task back on the queue while attempts remain.
type Handler func(ctx context.Context, task *model.Task) error

// Config sizes the worker pool.
type Config struct {
	Workers      int
	PollInterval time.Duration
	UnitTimeout  time.Duration
	LeaseTTL     time.Duration
	MaxAttempts  int
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 2 * time.Second,
		UnitTimeout:  5 * time.Minute,
		LeaseTTL:     10 * time.Minute,
		MaxAttempts:  3,
	}
}

// Runner claims tasks and runs them on a fixed number of workers. Submission returns as soon as
// the task is persisted; callers observe the outcome through the node's status.
type Runner struct {
	queue    Queue
	config   Config
	events   *events.Publisher
	logger   *logger.Logger
	handlers map[model.TaskKind]Handler
	wake     chan struct{}
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a task runner
func NewRunner(queue Queue, config Config, pub *events.Publisher, log *logger.Logger) *Runner {
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.UnitTimeout <= 0 {
		config.UnitTimeout = defaults.UnitTimeout
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = defaults.LeaseTTL
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}

	return &Runner{
		queue:    queue,
		config:   config,
		events:   pub,
		logger:   log.WithComponent("tasks.runner"),
		handlers: make(map[model.TaskKind]Handler),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Handle registers the handler for a task kind. It must be called before Start.
func (r *Runner) Handle(kind model.TaskKind, h Handler) {
	r.handlers[kind] = h
}

// Submit persists a task and wakes an idle worker. A task already queued or running for the same
// node and kind is returned instead of a new one.
func (r *Runner) Submit(ctx context.Context, task *model.Task) (*model.Task, error) {
	queued, created, err := r.queue.Enqueue(ctx, task)
	if err != nil {
		return nil, err
	}
	if created {
		r.logger.DebugContext(ctx, "task queued", "task_id", queued.ID, "node_id", queued.NodeID, "kind", queued.Kind)
	} else {
		r.logger.DebugContext(ctx, "duplicate dispatch absorbed", "task_id", queued.ID, "node_id", queued.NodeID, "kind", queued.Kind)
	}
	r.Notify()
	return queued, nil
}

// Enqueue satisfies the queue interface of producers that should also wake the workers.
func (r *Runner) Enqueue(ctx context.Context, task *model.Task) (*model.Task, bool, error) {
	queued, created, err := r.queue.Enqueue(ctx, task)
	if err == nil {
		r.Notify()
	}
	return queued, created, err
}

// ListOpenByNode returns the node's queued and running tasks.
func (r *Runner) ListOpenByNode(ctx context.Context, nodeID uint) ([]*model.Task, error) {
	return r.queue.ListOpenByNode(ctx, nodeID)
}

// Notify wakes one idle worker without blocking.
func (r *Runner) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start reclaims tasks whose lease expired while no runner held them and starts the workers.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("task runner is already running")
	}

	reclaimed, err := r.queue.ReclaimExpired(ctx, r.now())
	if err != nil {
		return fmt.Errorf("failed to reclaim expired tasks: %w", err)
	}
	if reclaimed > 0 {
		r.logger.InfoContext(ctx, "reclaimed tasks with expired leases", "count", reclaimed)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	for i := 0; i < r.config.Workers; i++ {
		r.wg.Add(1)
		go r.worker(runCtx, i)
	}
	r.running = true

	r.logger.InfoContext(ctx, "task runner started", "workers", r.config.Workers,
		"poll_interval", r.config.PollInterval, "unit_timeout", r.config.UnitTimeout)
	return nil
}

// Stop cancels in-flight units and waits for the workers, bounded by ctx.
// Interrupted tasks go back to the queue.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	r.running = false
	select {
	case <-done:
		r.logger.Info("task runner stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("timeout waiting for task workers to finish")
		return ctx.Err()
	}
}

func (r *Runner) worker(ctx context.Context, id int) {
	defer r.wg.Done()
	log := r.logger.With("worker", id)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		// drain everything runnable before sleeping again
		for {
			ran, err := r.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				log.ErrorCtx(ctx, "failed to claim task", err)
			}
			if !ran || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// RunOnce claims and executes a single task. It reports whether a task was claimed.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	task, err := r.queue.Claim(ctx, r.now(), r.config.LeaseTTL)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	r.execute(ctx, task)
	return true, nil
}

func (r *Runner) execute(ctx context.Context, task *model.Task) {
	ctx = logger.WithNodeID(logger.WithTaskID(ctx, task.ID), task.NodeID)
	op := r.logger.StartOp(ctx, "run_task", "kind", task.Kind, "attempt", task.Attempts)

	handler, ok := r.handlers[task.Kind]
	if !ok {
		err := apperrors.NewTaskError(apperrors.ErrCodeTaskFailed,
			fmt.Sprintf("no handler for task kind %q", task.Kind), false, nil)
		r.finish(ctx, op, task, err)
		return
	}

	unitCtx, cancel := context.WithTimeout(ctx, r.config.UnitTimeout)
	defer cancel()

	stopHeartbeat := r.heartbeat(unitCtx, task)
	err := handler(unitCtx, task)
	stopHeartbeat()

	if err == nil && unitCtx.Err() != nil && ctx.Err() == nil {
		err = apperrors.NewTaskError(apperrors.ErrCodeTimeout,
			fmt.Sprintf("task exceeded %s", r.config.UnitTimeout), true, unitCtx.Err())
	}
	r.finish(ctx, op, task, err)
}

// heartbeat keeps the lease alive while a long unit runs.
func (r *Runner) heartbeat(ctx context.Context, task *model.Task) func() {
	interval := r.config.LeaseTTL / 2
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.queue.ExtendLease(ctx, task.ID, r.now().Add(r.config.LeaseTTL)); err != nil {
					r.logger.WarnCtx(ctx, "failed to extend task lease", err, "task_id", task.ID)
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// finish records the outcome. It writes with a fresh context so a shutdown still persists the result.
func (r *Runner) finish(ctx context.Context, op *logger.Operation, task *model.Task, runErr error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var (
		status model.TaskStatus
		err    error
		reason string
	)
	switch {
	case runErr == nil:
		status = model.TaskDone
		err = r.queue.Complete(writeCtx, task.ID)
		op.Complete("task done")

	case ctx.Err() != nil:
		// shutting down; another runner picks it up
		status = model.TaskQueued
		reason = "interrupted: " + runErr.Error()
		err = r.queue.Requeue(writeCtx, task.ID, reason)
		op.Progress("task interrupted, requeued")

	case retryable(runErr) && task.Attempts < r.config.MaxAttempts:
		status = model.TaskQueued
		reason = runErr.Error()
		err = r.queue.Requeue(writeCtx, task.ID, reason)
		op.Fail(runErr, "task failed, will retry", "max_attempts", r.config.MaxAttempts)

	default:
		status = model.TaskFailed
		reason = runErr.Error()
		err = r.queue.Fail(writeCtx, task.ID, reason)
		op.Fail(runErr, "task failed")
	}

	if err != nil {
		r.logger.ErrorCtx(ctx, "failed to record task outcome", err, "task_id", task.ID, "status", status)
	}
	if status == model.TaskQueued {
		r.Notify()
		return
	}
	r.events.TaskFinished(writeCtx, task.ID, task.NodeID, string(task.Kind), string(status), task.Attempts, reason)
}

func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return apperrors.IsRetryable(err)
}
