package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/db"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
)

var openTaskStatuses = []model.TaskStatus{model.TaskQueued, model.TaskRunning}

// TaskRepository is the durable queue behind the task runner.
type TaskRepository struct {
	store *db.Store
}

// NewTaskRepository creates a new task repository
func NewTaskRepository(s *db.Store) *TaskRepository {
	return &TaskRepository{store: s}
}

// Enqueue inserts a queued task unless one for the same node and kind is already
// queued or running, in which case the existing task is returned with created=false.
func (r *TaskRepository) Enqueue(ctx context.Context, task *model.Task) (*model.Task, bool, error) {
	var out model.Task
	created := false

	err := r.store.ExecTx(ctx, func(tx *gorm.DB) error {
		err := tx.Where("node_id = ? AND kind = ? AND status IN ?", task.NodeID, task.Kind, openTaskStatuses).
			First(&out).Error
		if err == nil {
			return nil
		}
		if !isNotFound(err) {
			return err
		}

		out = *task
		if out.ID == "" {
			out.ID = uuid.NewString()
		}
		out.Status = model.TaskQueued
		out.Attempts = 0
		out.LeaseUntil = nil
		created = true
		return tx.Create(&out).Error
	})
	if err != nil {
		return nil, false, dbError("enqueue task", err)
	}
	return &out, created, nil
}

// Claim leases the oldest runnable task: queued, or running with an expired lease.
// Nodes that already have a task under a live lease are skipped, so at most one
// unit works on a node at a time. It returns nil when nothing is runnable.
func (r *TaskRepository) Claim(ctx context.Context, now time.Time, lease time.Duration) (*model.Task, error) {
	var claimed *model.Task
	now = now.UTC()

	err := r.store.ExecTx(ctx, func(tx *gorm.DB) error {
		busy := tx.Model(&model.Task{}).
			Select("node_id").
			Where("status = ? AND lease_until >= ?", model.TaskRunning, now)

		var candidates []model.Task
		err := tx.Where("status = ? OR (status = ? AND lease_until < ?)", model.TaskQueued, model.TaskRunning, now).
			Where("node_id NOT IN (?)", busy).
			Order("created_at ASC").
			Limit(4).
			Find(&candidates).Error
		if err != nil {
			return err
		}

		until := now.Add(lease)
		for i := range candidates {
			c := candidates[i]
			res := tx.Model(&model.Task{}).
				Where("id = ? AND status = ? AND attempts = ?", c.ID, c.Status, c.Attempts).
				Updates(map[string]any{
					"status":      model.TaskRunning,
					"attempts":    c.Attempts + 1,
					"lease_until": until,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			c.Status = model.TaskRunning
			c.Attempts++
			c.LeaseUntil = &until
			claimed = &c
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, dbError("claim task", err)
	}
	return claimed, nil
}

// ExtendLease pushes the lease of a running task forward.
func (r *TaskRepository) ExtendLease(ctx context.Context, id string, until time.Time) error {
	until = until.UTC()
	err := r.store.DB(ctx).Model(&model.Task{}).
		Where("id = ? AND status = ?", id, model.TaskRunning).
		Update("lease_until", until).Error
	if err != nil {
		return dbError("extend task lease", err)
	}
	return nil
}

func (r *TaskRepository) Complete(ctx context.Context, id string) error {
	return r.finish(ctx, id, model.TaskDone, "")
}

func (r *TaskRepository) Fail(ctx context.Context, id string, reason string) error {
	return r.finish(ctx, id, model.TaskFailed, reason)
}

// Requeue returns a running task to the queue after a retryable failure.
func (r *TaskRepository) Requeue(ctx context.Context, id string, reason string) error {
	return r.finish(ctx, id, model.TaskQueued, reason)
}

func (r *TaskRepository) finish(ctx context.Context, id string, status model.TaskStatus, reason string) error {
	res := r.store.DB(ctx).Model(&model.Task{}).Where("id = ?", id).
		Updates(map[string]any{
			"status":      status,
			"last_error":  reason,
			"lease_until": nil,
		})
	if res.Error != nil {
		return dbError("update task", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NewTaskError(apperrors.ErrCodeTaskFailed,
			fmt.Sprintf("task %s not found", id), false, nil)
	}
	return nil
}

// ReclaimExpired requeues running tasks whose lease ended before now.
func (r *TaskRepository) ReclaimExpired(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	res := r.store.DB(ctx).Model(&model.Task{}).
		Where("status = ? AND lease_until < ?", model.TaskRunning, now).
		Updates(map[string]any{"status": model.TaskQueued, "lease_until": nil})
	if res.Error != nil {
		return 0, dbError("reclaim expired tasks", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*model.Task, error) {
	var t model.Task
	if err := r.store.DB(ctx).First(&t, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return nil, apperrors.NewTaskError(apperrors.ErrCodeTaskFailed,
				fmt.Sprintf("task %s not found", id), false, err)
		}
		return nil, dbError("get task", err)
	}
	return &t, nil
}

// ListOpenByNode returns the node's queued and running tasks.
func (r *TaskRepository) ListOpenByNode(ctx context.Context, nodeID uint) ([]*model.Task, error) {
	var tasks []*model.Task
	err := r.store.DB(ctx).Where("node_id = ? AND status IN ?", nodeID, openTaskStatuses).
		Order("created_at ASC").Find(&tasks).Error
	if err != nil {
		return nil, dbError("list open node tasks", err)
	}
	return tasks, nil
}

func (r *TaskRepository) ListByNode(ctx context.Context, nodeID uint) ([]*model.Task, error) {
	var tasks []*model.Task
	err := r.store.DB(ctx).Where("node_id = ?", nodeID).Order("created_at ASC").Find(&tasks).Error
	if err != nil {
		return nil, dbError("list node tasks", err)
	}
	return tasks, nil
}

// CountByStatus returns queue depth per status.
func (r *TaskRepository) CountByStatus(ctx context.Context) (map[model.TaskStatus]int64, error) {
	var rows []struct {
		Status model.TaskStatus
		Count  int64
	}
	err := r.store.DB(ctx).Model(&model.Task{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, dbError("count tasks", err)
	}

	out := make(map[model.TaskStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}
