package core

import (
	"context"
	"time"
)

// Storage defines the persistence layer for runs. The runs row is the only
// shared mutable resource in the system; it is never locked pessimistically.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// CreateRun persists a new run, assigning an ID when absent.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID, or nil when absent.
	GetRun(ctx context.Context, id string) (*Run, error)

	// UpdateRun writes the run's status and bookkeeping columns guarded
	// by its lock version. A stale version returns ErrStaleRun and leaves
	// the row untouched; on success the in-memory version is advanced.
	// Progress columns are owned by UpdateProgress and RefreshAggregates
	// and must not be written by a transition.
	UpdateRun(ctx context.Context, run *Run) error

	// ReloadStatus refreshes only the run's status, lock version, and
	// updated-at from the authoritative row.
	ReloadStatus(ctx context.Context, run *Run) error

	// UpdateProgress applies tick and duration deltas as atomic counter
	// increments against the stored value, optionally advancing the
	// cursor. It does not consult the lock version; callers reload to
	// observe the result.
	UpdateProgress(ctx context.Context, id string, ticks int64, duration time.Duration, cursor *string) error

	// RefreshAggregates overwrites a parent run's aggregate progress
	// columns without touching status or lock version.
	RefreshAggregates(ctx context.Context, id string, tickCount int64, timeRunning float64) error

	// ChildRuns returns all children of a parent, ordered by partition
	// index.
	ChildRuns(ctx context.Context, parentID string) ([]*Run, error)

	// ActiveRuns returns active runs for a task name.
	ActiveRuns(ctx context.Context, taskName string) ([]*Run, error)

	// RunsByStatus returns up to limit runs in the given status.
	RunsByStatus(ctx context.Context, status Status, limit int) ([]*Run, error)
}

// RunEnqueuer is the execution-job collaborator: it accepts a child or solo
// run and schedules its workload. A false return or an error means the
// enqueue failed; the caller persists the failure onto the run and ceases.
type RunEnqueuer interface {
	Enqueue(ctx context.Context, run *Run) (bool, error)
}

// MonitorEnqueuer schedules the polling coordinator for a parent run. The
// job ID is assigned into the parent before Enqueue so the parent can be
// correlated with its monitor.
type MonitorEnqueuer interface {
	RunEnqueuer

	JobID() string
}
