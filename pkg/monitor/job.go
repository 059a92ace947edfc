package monitor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/maintkit/maintkit/pkg/core"
	"github.com/maintkit/maintkit/pkg/lifecycle"
)

// Job is the in-process monitor-job collaborator: it carries the job ID
// assigned into the parent run and starts the monitor on its own
// goroutine when enqueued.
type Job struct {
	store  core.Storage
	runs   *lifecycle.Service
	id     string
	opts   []Option
	logger *slog.Logger
}

// NewJob creates a monitor job for one parent run.
func NewJob(store core.Storage, runs *lifecycle.Service, opts ...Option) *Job {
	return &Job{
		store:  store,
		runs:   runs,
		id:     uuid.New().String(),
		opts:   opts,
		logger: slog.Default(),
	}
}

// JobID implements core.MonitorEnqueuer.
func (j *Job) JobID() string {
	return j.id
}

// Enqueue implements core.MonitorEnqueuer. The monitor outlives the
// enqueueing call, so it detaches from the caller's cancellation.
func (j *Job) Enqueue(ctx context.Context, parent *core.Run) (bool, error) {
	m := New(j.store, j.runs, parent.ID, j.opts...)
	go func() {
		if err := m.Start(context.WithoutCancel(ctx)); err != nil && !isContextErr(err) {
			j.logger.Error("monitor exited", "parent_run_id", parent.ID, "error", err)
		}
	}()
	return true, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
