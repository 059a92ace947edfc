// Package storage provides the GORM-backed persistence layer for runs.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/maintkit/maintkit/pkg/core"
)

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying database handle.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Run{})
}

// CreateRun persists a new run, assigning an ID when absent.
func (s *GormStorage) CreateRun(ctx context.Context, run *core.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = core.StatusEnqueued
	}
	return s.db.WithContext(ctx).Create(run).Error
}

// GetRun retrieves a run by ID, or nil when absent.
func (s *GormStorage) GetRun(ctx context.Context, id string) (*core.Run, error) {
	var run core.Run
	err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// UpdateRun writes the run's status and bookkeeping columns guarded by its
// lock version. The update only lands when the stored lock_version still
// matches the in-memory one; zero rows affected means another writer got
// there first and the caller observes ErrStaleRun.
//
// Progress columns (tick_count, time_running, cursor) are owned by
// UpdateProgress and RefreshAggregates and are never written here: the
// in-memory copy is usually behind the atomic increments, and a transition
// must not roll them back.
func (s *GormStorage) UpdateRun(ctx context.Context, run *core.Run) error {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.Run{}).
		Where("id = ? AND lock_version = ?", run.ID, run.LockVersion).
		Updates(map[string]any{
			"status":        run.Status,
			"job_id":        run.JobID,
			"tick_total":    run.TickTotal,
			"error_class":   run.ErrorClass,
			"error_message": run.ErrorMessage,
			"backtrace":     run.Backtrace,
			"started_at":    run.StartedAt,
			"ended_at":      run.EndedAt,
			"lock_version":  run.LockVersion + 1,
			"updated_at":    now,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrStaleRun
	}
	run.LockVersion++
	run.UpdatedAt = now
	return nil
}

// ReloadStatus refreshes only the run's status, lock version, and
// updated-at from the authoritative row.
func (s *GormStorage) ReloadStatus(ctx context.Context, run *core.Run) error {
	var row core.Run
	err := s.db.WithContext(ctx).
		Select("status", "lock_version", "updated_at").
		First(&row, "id = ?", run.ID).Error
	if err != nil {
		return err
	}
	run.Status = row.Status
	run.LockVersion = row.LockVersion
	run.UpdatedAt = row.UpdatedAt
	return nil
}

// UpdateProgress applies tick and duration deltas as atomic increments
// against the stored value, avoiding optimistic-lock contention on the
// per-tick hot path. Callers reload to observe the new values.
func (s *GormStorage) UpdateProgress(ctx context.Context, id string, ticks int64, duration time.Duration, cursor *string) error {
	updates := map[string]any{
		"tick_count":   gorm.Expr("tick_count + ?", ticks),
		"time_running": gorm.Expr("time_running + ?", duration.Seconds()),
		"updated_at":   time.Now(),
	}
	if cursor != nil {
		updates["cursor"] = *cursor
	}
	return s.db.WithContext(ctx).
		Model(&core.Run{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// RefreshAggregates overwrites a parent run's aggregate progress columns.
// Status and lock version are left alone so the refresh never contends
// with a concurrent transition.
func (s *GormStorage) RefreshAggregates(ctx context.Context, id string, tickCount int64, timeRunning float64) error {
	return s.db.WithContext(ctx).
		Model(&core.Run{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"tick_count":   tickCount,
			"time_running": timeRunning,
			"updated_at":   time.Now(),
		}).Error
}

// ChildRuns returns all children of a parent, ordered by partition index.
func (s *GormStorage) ChildRuns(ctx context.Context, parentID string) ([]*core.Run, error) {
	var runs []*core.Run
	err := s.db.WithContext(ctx).
		Where("parent_run_id = ?", parentID).
		Order("partition_index ASC").
		Find(&runs).Error
	return runs, err
}

// ActiveRuns returns active runs for a task name.
func (s *GormStorage) ActiveRuns(ctx context.Context, taskName string) ([]*core.Run, error) {
	var runs []*core.Run
	err := s.db.WithContext(ctx).
		Where("task_name = ?", taskName).
		Where("status IN ?", core.ActiveStatuses).
		Order("created_at ASC").
		Find(&runs).Error
	return runs, err
}

// RunsByStatus returns up to limit runs in the given status.
func (s *GormStorage) RunsByStatus(ctx context.Context, status core.Status, limit int) ([]*core.Run, error) {
	var runs []*core.Run
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Limit(limit).
		Find(&runs).Error
	return runs, err
}
