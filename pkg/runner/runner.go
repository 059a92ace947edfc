// Package runner creates runs: solo runs handed straight to an execution
// job, and concurrent runs fanned out into partitioned children watched by
// a monitor.
package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/maintkit/maintkit/pkg/core"
	"github.com/maintkit/maintkit/pkg/lifecycle"
	"github.com/maintkit/maintkit/pkg/security"
	"github.com/maintkit/maintkit/pkg/task"
)

// Runner orchestrates run creation and hands runs to the job collaborators.
type Runner struct {
	store     core.Storage
	tasks     *task.Registry
	lifecycle *lifecycle.Service
	jobs      core.RunEnqueuer
	monitors  func() core.MonitorEnqueuer
	logger    *slog.Logger
}

// Config wires a Runner's collaborators.
type Config struct {
	Storage   core.Storage
	Tasks     *task.Registry
	Lifecycle *lifecycle.Service
	Jobs      core.RunEnqueuer

	// NewMonitor builds one monitor job per parent run.
	NewMonitor func() core.MonitorEnqueuer

	Logger *slog.Logger
}

// New creates a Runner.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:     cfg.Storage,
		tasks:     cfg.Tasks,
		lifecycle: cfg.Lifecycle,
		jobs:      cfg.Jobs,
		monitors:  cfg.NewMonitor,
		logger:    logger,
	}
}

// Run creates a solo run for the task and enqueues its execution job.
func (r *Runner) Run(ctx context.Context, taskName string, opts ...RunOption) (*core.Run, error) {
	if _, err := r.tasks.Get(taskName); err != nil {
		return nil, err
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	run := &core.Run{
		ID:        uuid.New().String(),
		TaskName:  taskName,
		Status:    core.StatusEnqueued,
		Arguments: o.Arguments,
		Metadata:  o.Metadata,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("runner: create run: %w", err)
	}
	if err := r.enqueue(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// RunConcurrent creates a parent run, partitions the task's collection,
// creates one child run per partition, enqueues each child's execution job
// and one monitor job for the parent, and returns the parent.
//
// If a child's enqueue fails, the failure is persisted onto that child and
// the whole operation aborts; siblings already enqueued are left enqueued
// and must be cancelled by the operator.
func (r *Runner) RunConcurrent(ctx context.Context, taskName string, opts ...RunOption) (*core.Run, error) {
	def, err := r.tasks.Get(taskName)
	if err != nil {
		return nil, err
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	level := o.Concurrency
	if level == 0 {
		ct, ok := def.(task.ConcurrentTask)
		if !ok {
			return nil, fmt.Errorf("task %q declares no concurrency level: %w", taskName, core.ErrInvalidConcurrency)
		}
		level = ct.ConcurrencyLevel()
	}
	if err := security.ValidateConcurrency(level); err != nil {
		return nil, err
	}

	// Concurrency needs random access by an orderable key; collections
	// that must be consumed sequentially are rejected before any run is
	// created.
	col, ok := def.Collection().(core.RandomAccessCollection)
	if !ok {
		return nil, fmt.Errorf("task %q: %w", taskName, core.ErrUnsupportedConcurrency)
	}

	parent := &core.Run{
		ID:               uuid.New().String(),
		TaskName:         taskName,
		Status:           core.StatusEnqueued,
		ConcurrencyLevel: &level,
		Arguments:        o.Arguments,
		Metadata:         o.Metadata,
	}
	if err := r.store.CreateRun(ctx, parent); err != nil {
		return nil, fmt.Errorf("runner: create parent run: %w", err)
	}

	parts, err := Partitions(ctx, col, level)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, p := range parts {
		total += p.Size
	}
	if total > 0 {
		parent.TickTotal = &total
	}

	for i, p := range parts {
		index := i
		start, end, size := p.Start, p.End, p.Size
		child := &core.Run{
			ID:             uuid.New().String(),
			TaskName:       taskName,
			Status:         core.StatusEnqueued,
			ParentRunID:    &parent.ID,
			PartitionIndex: &index,
			Cursor:         &start,
			EndCursor:      &end,
			EstimatedCount: &size,
			TickTotal:      &size,
			Arguments:      o.Arguments,
			Metadata:       o.Metadata,
		}
		if err := r.store.CreateRun(ctx, child); err != nil {
			return nil, fmt.Errorf("runner: create partition %d run: %w", i, err)
		}
		if err := r.enqueue(ctx, child); err != nil {
			return nil, fmt.Errorf("runner: partition %d: %w", i, err)
		}
	}

	mon := r.monitors()
	parent.JobID = mon.JobID()
	if err := r.store.UpdateRun(ctx, parent); err != nil {
		return nil, fmt.Errorf("runner: assign monitor job: %w", err)
	}
	ok, err = mon.Enqueue(ctx, parent)
	if err == nil && !ok {
		err = core.ErrEnqueueFailed
	}
	if err != nil {
		r.persistEnqueueFailure(ctx, parent, err)
		return nil, fmt.Errorf("runner: enqueue monitor: %w", err)
	}

	return parent, nil
}

// Resume re-enqueues a paused or interrupted run so its job picks it back
// up at the stored cursor. A parent run gets a fresh monitor job; a child
// or solo run goes back to the execution queue.
func (r *Runner) Resume(ctx context.Context, runID string) (*core.Run, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("runner: load run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("runner: run %q not found", runID)
	}
	if run.Status != core.StatusPaused && run.Status != core.StatusInterrupted {
		return nil, fmt.Errorf("runner: run %q is %s: %w", runID, run.Status, core.ErrRunNotActive)
	}

	run.Status = core.StatusEnqueued
	if run.Parent() {
		mon := r.monitors()
		run.JobID = mon.JobID()
		if err := r.store.UpdateRun(ctx, run); err != nil {
			return nil, fmt.Errorf("runner: re-enqueue parent run: %w", err)
		}
		ok, err := mon.Enqueue(ctx, run)
		if err == nil && !ok {
			err = core.ErrEnqueueFailed
		}
		if err != nil {
			r.persistEnqueueFailure(ctx, run, err)
			return nil, fmt.Errorf("runner: enqueue monitor: %w", err)
		}
		return run, nil
	}

	if err := r.store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("runner: re-enqueue run: %w", err)
	}
	if err := r.enqueue(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// enqueue hands a run to the execution-job collaborator. Failure is
// persisted onto the run before being returned.
func (r *Runner) enqueue(ctx context.Context, run *core.Run) error {
	ok, err := r.jobs.Enqueue(ctx, run)
	if err == nil && !ok {
		err = core.ErrEnqueueFailed
	}
	if err != nil {
		r.persistEnqueueFailure(ctx, run, err)
		return err
	}
	return nil
}

func (r *Runner) persistEnqueueFailure(ctx context.Context, run *core.Run, cause error) {
	if err := r.lifecycle.RecordError(ctx, run, cause); err != nil {
		r.logger.Error("failed to persist enqueue failure",
			"run_id", run.ID, "task", run.TaskName, "error", err, "cause", cause)
	}
}
