// Package lifecycle owns the run status state machine: every transition a
// run can make, the optimistic-lock retry discipline that persists it, and
// the callbacks and notifications that fire when a terminal status is
// reached.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/maintkit/maintkit/pkg/core"
	"github.com/maintkit/maintkit/pkg/security"
)

// errSettled signals that a conflicting writer already drove the run to a
// terminal status, so the local transition has nothing left to do.
var errSettled = errors.New("lifecycle: run already settled by another writer")

// Service applies status transitions to runs. All writes go through the
// storage layer's lock-version check and the shared conflict retrier; the
// run row is never locked pessimistically.
type Service struct {
	store     core.Storage
	callbacks core.CallbackSource
	logger    *slog.Logger
	clock     func() time.Time
	retry     retrier

	mu        sync.RWMutex
	eventSubs []chan core.Event
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source, used by tests to exercise
// stuck-state handling.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithCallbackSource wires the per-task callback hooks.
func WithCallbackSource(src core.CallbackSource) Option {
	return func(s *Service) { s.callbacks = src }
}

// WithRetrySleep overrides the delay between conflict retries, used by
// tests to run the schedule without waiting it out.
func WithRetrySleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.retry.sleep = sleep }
}

// NewService creates a lifecycle service over the given storage.
func NewService(store core.Storage, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
		clock:  time.Now,
		retry:  newRetrier(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start moves an enqueued (or resumed) run into running. It is a no-op
// when the run is already running, stopping, or completed.
func (s *Service) Start(ctx context.Context, run *core.Run) error {
	if run.Stopping() || run.Completed() || run.Status == core.StatusRunning {
		return nil
	}
	run.Status = core.StatusRunning
	if run.StartedAt == nil {
		now := s.clock()
		run.StartedAt = &now
	}
	return s.persistTransition(ctx, run)
}

// Cancel requests cancellation. A running run enters cancelling and is
// finished off by its job's shutdown; a paused or stuck run has no live
// job to do that, so it goes straight to cancelled.
func (s *Service) Cancel(ctx context.Context, run *core.Run) error {
	now := s.clock()
	switch {
	case run.Completed():
		return nil
	case run.Status == core.StatusPaused || run.Stuck(now):
		run.Status = core.StatusCancelled
		run.EndedAt = &now
	case run.Status == core.StatusCancelling:
		return nil
	default:
		run.Status = core.StatusCancelling
	}
	return s.persistTransition(ctx, run)
}

// Pause requests a pause. A run stuck in pausing is force-advanced to
// paused; a cancel already in flight wins over a pause request.
func (s *Service) Pause(ctx context.Context, run *core.Run) error {
	now := s.clock()
	switch {
	case run.Completed() || run.Status == core.StatusPaused:
		return nil
	case run.Status == core.StatusCancelling:
		return nil
	case run.Status == core.StatusPausing:
		if !run.Stuck(now) {
			return nil
		}
		run.Status = core.StatusPaused
	default:
		run.Status = core.StatusPausing
	}
	return s.persistTransition(ctx, run)
}

// JobShutdown records that the run's job is letting go of it: a pending
// stop request resolves to its terminal status, anything else becomes
// interrupted. Interrupted covers crashes and preemption; the run can be
// resumed by re-enqueueing it.
func (s *Service) JobShutdown(ctx context.Context, run *core.Run) error {
	now := s.clock()
	switch {
	case run.Status == core.StatusCancelling:
		run.Status = core.StatusCancelled
		run.EndedAt = &now
	case run.Status == core.StatusPausing:
		run.Status = core.StatusPaused
	case run.Completed() || run.Status == core.StatusPaused:
		return nil
	default:
		run.Status = core.StatusInterrupted
	}
	return s.persistTransition(ctx, run)
}

// Succeed marks the run's work as exhausted.
func (s *Service) Succeed(ctx context.Context, run *core.Run) error {
	if run.Completed() {
		return nil
	}
	now := s.clock()
	run.Status = core.StatusSucceeded
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	run.EndedAt = &now
	return s.persistTransition(ctx, run)
}

// RecordError persists an unhandled work error as the run's terminal
// errored state, capturing the error type, message, and stack.
func (s *Service) RecordError(ctx context.Context, run *core.Run, err error) error {
	return s.RecordErrorDetail(ctx, run, core.ErrorDetail{
		Class:     errorClass(err),
		Message:   err.Error(),
		Backtrace: string(debug.Stack()),
	})
}

// RecordErrorDetail persists an already-described failure, truncating each
// field to its column limit. The monitor uses it to copy a child's error
// onto the parent.
func (s *Service) RecordErrorDetail(ctx context.Context, run *core.Run, detail core.ErrorDetail) error {
	if run.Completed() {
		return nil
	}
	now := s.clock()
	run.Status = core.StatusErrored
	run.ErrorClass = security.SanitizeErrorClass(detail.Class)
	run.ErrorMessage = security.SanitizeErrorMessage(detail.Message)
	run.Backtrace = security.SanitizeBacktrace(detail.Backtrace)
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	run.EndedAt = &now
	return s.persistTransition(ctx, run)
}

// Tick reports progress as atomic counter increments, bypassing the lock
// version entirely. The in-memory run is not refreshed; callers reload to
// observe the new totals.
func (s *Service) Tick(ctx context.Context, run *core.Run, ticks int64, duration time.Duration, cursor *string) error {
	return s.store.UpdateProgress(ctx, run.ID, ticks, duration, cursor)
}

// Progress refreshes a parent run's aggregate columns from its children's
// totals without a full transition write.
func (s *Service) Progress(ctx context.Context, run *core.Run, tickCount int64, timeRunning float64) error {
	if err := s.store.RefreshAggregates(ctx, run.ID, tickCount, timeRunning); err != nil {
		return err
	}
	s.emit(&core.RunProgress{
		RunID:       run.ID,
		TickCount:   tickCount,
		TickTotal:   run.TickTotal,
		TimeRunning: timeRunning,
		Timestamp:   s.clock(),
	})
	return nil
}

// persistTransition commits the run's in-memory status through the
// optimistic-lock retry discipline, then fires the notification and
// callback owed to whatever status actually landed.
func (s *Service) persistTransition(ctx context.Context, run *core.Run) error {
	err := s.retry.Do(ctx,
		func() error { return s.store.UpdateRun(ctx, run) },
		func(ctx context.Context) error { return s.reconcile(ctx, run) },
	)
	if errors.Is(err, errSettled) {
		return nil
	}
	if err != nil {
		return err
	}
	s.afterTransition(ctx, run)
	return nil
}

// reconcile reloads the authoritative status after a lock conflict and
// replays the writer's intent against it, the same way the public entry
// point would have decided had it seen the fresh status: a local succeeded
// or errored resolution is forced through, a cancel intent still cancels
// (directly terminal when the run landed paused meanwhile), a pause intent
// yields to a cancel already in flight, and a job shutdown re-derives its
// target. Intents already satisfied by the competing writer settle as
// no-ops.
func (s *Service) reconcile(ctx context.Context, run *core.Run) error {
	intent := run.Status

	if err := s.store.ReloadStatus(ctx, run); err != nil {
		return err
	}
	if run.Completed() {
		return errSettled
	}

	now := s.clock()
	switch intent {
	case core.StatusSucceeded:
		run.Status = core.StatusSucceeded
		run.EndedAt = &now
	case core.StatusErrored:
		run.Status = core.StatusErrored
		run.EndedAt = &now
	case core.StatusRunning:
		if run.Stopping() || run.Status == core.StatusRunning {
			return errSettled
		}
		run.Status = core.StatusRunning
	case core.StatusCancelling, core.StatusCancelled:
		switch run.Status {
		case core.StatusPaused:
			run.Status = core.StatusCancelled
			run.EndedAt = &now
		case core.StatusCancelling:
			return errSettled
		default:
			run.Status = core.StatusCancelling
		}
	case core.StatusPausing, core.StatusPaused:
		switch run.Status {
		case core.StatusCancelling, core.StatusPausing, core.StatusPaused:
			return errSettled
		default:
			run.Status = core.StatusPausing
		}
	default: // a job shutdown resolves whatever stop request is pending
		switch run.Status {
		case core.StatusCancelling:
			run.Status = core.StatusCancelled
			run.EndedAt = &now
		case core.StatusPausing:
			run.Status = core.StatusPaused
		case core.StatusPaused:
			return errSettled
		default:
			run.Status = core.StatusInterrupted
		}
	}
	return nil
}

// terminalCallback maps each callback-bearing status to the hook it owes.
var terminalCallback = map[core.Status]func(core.Callbacks) func(context.Context, *core.Run){
	core.StatusSucceeded:   func(c core.Callbacks) func(context.Context, *core.Run) { return c.Complete },
	core.StatusCancelled:   func(c core.Callbacks) func(context.Context, *core.Run) { return c.Cancel },
	core.StatusInterrupted: func(c core.Callbacks) func(context.Context, *core.Run) { return c.Interrupt },
	core.StatusPaused:      func(c core.Callbacks) func(context.Context, *core.Run) { return c.Pause },
}

func (s *Service) afterTransition(ctx context.Context, run *core.Run) {
	switch run.Status {
	case core.StatusRunning:
		s.emit(&core.RunStarted{Run: run, Timestamp: s.clock()})
		s.invokeCallback(ctx, run, "start", func(c core.Callbacks) func(context.Context, *core.Run) {
			return c.Start
		})
	case core.StatusSucceeded, core.StatusCancelled, core.StatusPaused:
		s.emit(s.completedEvent(run, nil))
		s.invokeCallback(ctx, run, string(run.Status), terminalCallback[run.Status])
	case core.StatusErrored:
		detail := &core.ErrorDetail{
			Class:     run.ErrorClass,
			Message:   run.ErrorMessage,
			Backtrace: run.Backtrace,
		}
		s.emit(s.completedEvent(run, detail))
		s.invokeErrorCallback(ctx, run, *detail)
	case core.StatusInterrupted:
		s.invokeCallback(ctx, run, "interrupt", terminalCallback[run.Status])
	}
}

func (s *Service) completedEvent(run *core.Run, detail *core.ErrorDetail) *core.RunCompleted {
	return &core.RunCompleted{
		RunID:     run.ID,
		JobID:     run.JobID,
		TaskName:  run.TaskName,
		Status:    run.Status,
		Arguments: run.Arguments,
		Metadata:  run.Metadata,
		Runtime:   run.Runtime(),
		TickCount: run.TickCount,
		Error:     detail,
		Timestamp: s.clock(),
	}
}

// invokeCallback runs a task hook, swallowing panics: the state transition
// has already committed and a broken hook must not undo that.
func (s *Service) invokeCallback(ctx context.Context, run *core.Run, name string, pick func(core.Callbacks) func(context.Context, *core.Run)) {
	if s.callbacks == nil || pick == nil {
		return
	}
	fn := pick(s.callbacks.RunCallbacks(run.TaskName))
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("run callback panicked",
				"callback", name, "task", run.TaskName, "run_id", run.ID, "panic", r)
		}
	}()
	fn(ctx, run)
}

func (s *Service) invokeErrorCallback(ctx context.Context, run *core.Run, detail core.ErrorDetail) {
	if s.callbacks == nil {
		return
	}
	fn := s.callbacks.RunCallbacks(run.TaskName).Error
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("run callback panicked",
				"callback", "error", "task", run.TaskName, "run_id", run.ID, "panic", r)
		}
	}()
	fn(ctx, run, detail)
}

func errorClass(err error) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}
