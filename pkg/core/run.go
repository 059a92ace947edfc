// Package core provides the domain models and collaborator contracts for
// maintenance runs.
package core

import (
	"time"
)

// Status represents the current state of a run.
type Status string

const (
	StatusEnqueued    Status = "enqueued"
	StatusRunning     Status = "running"
	StatusSucceeded   Status = "succeeded"
	StatusCancelling  Status = "cancelling"
	StatusCancelled   Status = "cancelled"
	StatusInterrupted Status = "interrupted"
	StatusPausing     Status = "pausing"
	StatusPaused      Status = "paused"
	StatusErrored     Status = "errored"
)

// ActiveStatuses are the statuses of runs that still have a live claim on a
// worker or are waiting for one.
var ActiveStatuses = []Status{
	StatusEnqueued,
	StatusRunning,
	StatusPaused,
	StatusPausing,
	StatusCancelling,
	StatusInterrupted,
}

// StoppingStatuses are the statuses of runs winding down, or already wound
// down, via a stop request. Cancelled stays in this set even though it is
// terminal, which keeps shutdown handling uniform.
var StoppingStatuses = []Status{
	StatusPausing,
	StatusCancelling,
	StatusCancelled,
}

// CompletedStatuses are terminal: once reached, no status-changing call may
// alter them.
var CompletedStatuses = []Status{
	StatusSucceeded,
	StatusErrored,
	StatusCancelled,
}

// StuckThreshold is how long a run may sit in pausing or cancelling without
// a row update before any actor may force it to its target terminal state.
const StuckThreshold = 5 * time.Minute

// Run is one persisted unit of work: either a parent run that fans out into
// partitioned children, or a child/solo run that executes work directly.
// Parent and child rows share one table and are distinguished by which of
// the partition and concurrency fields are set.
type Run struct {
	ID       string `gorm:"primaryKey;size:36"`
	TaskName string `gorm:"index:idx_runs_task_status;size:255;not null"`
	Status   Status `gorm:"index:idx_runs_task_status;index:idx_runs_parent_status;size:20;default:'enqueued'"`

	// LockVersion guards every status write with optimistic concurrency.
	// Writers whose in-memory version is stale observe ErrStaleRun and must
	// reload and retry.
	LockVersion int64 `gorm:"not null;default:0"`

	// JobID correlates the run with the job that drives it: the execution
	// job for a child or solo run, the monitor job for a parent.
	JobID string `gorm:"size:36"`

	// Progress accounting. TickCount never decreases while the run is
	// active; on a parent it is superseded by aggregates copied from the
	// children. TimeRunning is wall-clock seconds.
	TickCount   int64 `gorm:"not null;default:0"`
	TickTotal   *int64
	TimeRunning float64 `gorm:"not null;default:0"`

	// Partition fields, set only on child runs. Cursor and EndCursor are
	// inclusive boundaries over the collection's ordering key.
	Cursor         *string `gorm:"size:255"`
	EndCursor      *string `gorm:"size:255"`
	PartitionIndex *int    `gorm:"uniqueIndex:idx_runs_parent_partition"`
	EstimatedCount *int64

	// ConcurrencyLevel is set only on parent runs, at creation, and is
	// immutable thereafter.
	ConcurrencyLevel *int

	ParentRunID *string `gorm:"index:idx_runs_parent_status;uniqueIndex:idx_runs_parent_partition;size:36"`

	// Error fields, written at most once, on the transition into errored.
	ErrorClass   string `gorm:"size:255"`
	ErrorMessage string `gorm:"type:text"`
	Backtrace    string `gorm:"type:text"`

	Arguments []byte `gorm:"type:bytes"`
	Metadata  []byte `gorm:"type:bytes"`

	StartedAt *time.Time
	EndedAt   *time.Time
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName sets the runs table name.
func (Run) TableName() string {
	return "maintenance_runs"
}

// Parent reports whether the run fans out into child runs.
func (r *Run) Parent() bool {
	return r.ConcurrencyLevel != nil
}

// Child reports whether the run executes one partition of a parent.
func (r *Run) Child() bool {
	return r.ParentRunID != nil
}

// Active reports whether the run is in an active status.
func (r *Run) Active() bool {
	return statusIn(r.Status, ActiveStatuses)
}

// Stopping reports whether the run is winding down, or already wound down,
// via a stop request.
func (r *Run) Stopping() bool {
	return statusIn(r.Status, StoppingStatuses)
}

// Completed reports whether the run has reached a terminal status.
func (r *Run) Completed() bool {
	return statusIn(r.Status, CompletedStatuses)
}

// Stuck reports whether the run has sat in pausing or cancelling without a
// row update for at least StuckThreshold. A stuck run may be force-advanced
// to its target terminal state by whichever actor next evaluates it.
func (r *Run) Stuck(now time.Time) bool {
	if r.Status != StatusPausing && r.Status != StatusCancelling {
		return false
	}
	return now.Sub(r.UpdatedAt) >= StuckThreshold
}

// Runtime returns the wall-clock span between the run starting and ending,
// or zero when either endpoint is missing.
func (r *Run) Runtime() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
