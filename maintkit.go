// Package maintkit coordinates long-running, resumable maintenance runs
// over large datasets, optionally partitioning a task's collection into
// independent shards that execute concurrently.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Create storage and collaborators
//	db, _ := gorm.Open(sqlite.Open("runs.db"), &gorm.Config{})
//	store := maintkit.NewGormStorage(db)
//	store.Migrate(context.Background())
//
//	tasks := maintkit.NewRegistry()
//	tasks.Register("purge-stale-sessions", &PurgeTask{DB: db})
//
//	runs := maintkit.NewLifecycle(store, maintkit.WithCallbackSource(tasks))
//	pool := maintkit.NewPool(store, runs, tasks)
//	go pool.Start(ctx)
//
//	r := maintkit.NewRunner(maintkit.RunnerConfig{
//	    Storage: store, Tasks: tasks, Lifecycle: runs, Jobs: pool,
//	    NewMonitor: func() maintkit.MonitorEnqueuer {
//	        return maintkit.NewMonitorJob(store, runs)
//	    },
//	})
//
//	// Fan the task out over four partitions
//	parent, err := r.RunConcurrent(ctx, "purge-stale-sessions", maintkit.WithConcurrency(4))
package maintkit

import (
	"time"

	"gorm.io/gorm"

	"github.com/maintkit/maintkit/pkg/core"
	"github.com/maintkit/maintkit/pkg/executor"
	"github.com/maintkit/maintkit/pkg/lifecycle"
	"github.com/maintkit/maintkit/pkg/monitor"
	"github.com/maintkit/maintkit/pkg/runner"
	"github.com/maintkit/maintkit/pkg/schedule"
	"github.com/maintkit/maintkit/pkg/security"
	"github.com/maintkit/maintkit/pkg/storage"
	"github.com/maintkit/maintkit/pkg/task"
)

// Type aliases for the public API
type (
	// Run is one persisted unit of work, parent or child.
	Run = core.Run

	// Status represents the current state of a run.
	Status = core.Status

	// Storage defines the persistence layer for runs.
	Storage = core.Storage

	// Collection is the dataset a task iterates over.
	Collection = core.Collection

	// RandomAccessCollection is a Collection eligible for partitioning.
	RandomAccessCollection = core.RandomAccessCollection

	// ItemFunc visits one item of a collection scan.
	ItemFunc = core.ItemFunc

	// Callbacks are the per-task lifecycle hooks.
	Callbacks = core.Callbacks

	// ErrorDetail describes a persisted work-level failure.
	ErrorDetail = core.ErrorDetail

	// Event is the interface for all run lifecycle events.
	Event = core.Event

	// RunStarted is emitted when a run enters running.
	RunStarted = core.RunStarted

	// RunCompleted is the one-shot terminal notification.
	RunCompleted = core.RunCompleted

	// RunProgress is emitted when a parent's aggregates refresh.
	RunProgress = core.RunProgress

	// RunEnqueuer is the execution-job collaborator contract.
	RunEnqueuer = core.RunEnqueuer

	// MonitorEnqueuer is the monitor-job collaborator contract.
	MonitorEnqueuer = core.MonitorEnqueuer

	// Task is a user-supplied unit of maintenance work.
	Task = task.Task

	// ConcurrentTask is a Task declaring a concurrency level.
	ConcurrentTask = task.ConcurrentTask

	// Registry resolves task definitions by name.
	Registry = task.Registry

	// RegisterOption configures a task registration.
	RegisterOption = task.RegisterOption

	// Lifecycle applies status transitions to runs.
	Lifecycle = lifecycle.Service

	// LifecycleOption configures a Lifecycle.
	LifecycleOption = lifecycle.Option

	// Runner orchestrates run creation.
	Runner = runner.Runner

	// RunnerConfig wires a Runner's collaborators.
	RunnerConfig = runner.Config

	// RunOption modifies how a run is started.
	RunOption = runner.RunOption

	// Partition is one cursor range of a partitioned collection.
	Partition = runner.Partition

	// Scheduler starts runs on a recurrence.
	Scheduler = runner.Scheduler

	// ScheduledRun pairs a task with a recurrence.
	ScheduledRun = runner.ScheduledRun

	// Monitor reconciles a parent run from its children.
	Monitor = monitor.Monitor

	// MonitorJob is the in-process monitor-job collaborator.
	MonitorJob = monitor.Job

	// Pool is the in-process execution-job collaborator.
	Pool = executor.Pool

	// GormStorage implements Storage using GORM.
	GormStorage = storage.GormStorage

	// Schedule computes when a recurring run fires next.
	Schedule = schedule.Schedule
)

// Status constants
const (
	StatusEnqueued    = core.StatusEnqueued
	StatusRunning     = core.StatusRunning
	StatusSucceeded   = core.StatusSucceeded
	StatusCancelling  = core.StatusCancelling
	StatusCancelled   = core.StatusCancelled
	StatusInterrupted = core.StatusInterrupted
	StatusPausing     = core.StatusPausing
	StatusPaused      = core.StatusPaused
	StatusErrored     = core.StatusErrored
)

// Limits
const (
	MinConcurrency = security.MinConcurrency
	MaxConcurrency = security.MaxConcurrency
)

// Error variables
var (
	ErrTaskNotFound           = core.ErrTaskNotFound
	ErrInvalidTaskName        = core.ErrInvalidTaskName
	ErrInvalidConcurrency     = core.ErrInvalidConcurrency
	ErrUnsupportedConcurrency = core.ErrUnsupportedConcurrency
	ErrStaleRun               = core.ErrStaleRun
	ErrEnqueueFailed          = core.ErrEnqueueFailed
)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return task.NewRegistry()
}

// NewLifecycle creates the run state machine service.
func NewLifecycle(store Storage, opts ...LifecycleOption) *Lifecycle {
	return lifecycle.NewService(store, opts...)
}

// WithCallbackSource wires per-task callback hooks into the lifecycle.
func WithCallbackSource(src core.CallbackSource) LifecycleOption {
	return lifecycle.WithCallbackSource(src)
}

// WithTaskCallbacks attaches lifecycle hooks to a task registration.
func WithTaskCallbacks(cb Callbacks) RegisterOption {
	return task.WithCallbacks(cb)
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return runner.New(cfg)
}

// NewScheduler creates a scheduler triggering runs through the runner.
func NewScheduler(r *Runner, opts ...runner.SchedulerOption) *Scheduler {
	return runner.NewScheduler(r, opts...)
}

// NewMonitorJob creates a monitor job for one parent run.
func NewMonitorJob(store Storage, runs *Lifecycle, opts ...monitor.Option) *MonitorJob {
	return monitor.NewJob(store, runs, opts...)
}

// NewPool creates an in-process execution pool.
func NewPool(store Storage, runs *Lifecycle, tasks *Registry, opts ...executor.Option) *Pool {
	return executor.NewPool(store, runs, tasks, opts...)
}

// Run option functions

// WithArguments attaches JSON-serialized task arguments to a run.
func WithArguments(args any) RunOption {
	return runner.WithArguments(args)
}

// WithMetadata attaches JSON-serialized caller metadata to a run.
func WithMetadata(meta any) RunOption {
	return runner.WithMetadata(meta)
}

// WithConcurrency overrides the task's declared concurrency level.
func WithConcurrency(level int) RunOption {
	return runner.WithConcurrency(level)
}

// Schedule functions

// Every creates a schedule that fires at fixed intervals.
func Every(d time.Duration) Schedule {
	return schedule.Every(d)
}

// Daily creates a schedule that fires at a specific UTC time each day.
func Daily(hour, minute int) Schedule {
	return schedule.Daily(hour, minute)
}

// Cron creates a schedule from a five-field cron expression.
func Cron(expr string) (Schedule, error) {
	return schedule.Cron(expr)
}
