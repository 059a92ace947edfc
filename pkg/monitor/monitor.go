// Package monitor reconciles a parent run's state from its children: a
// single-purpose polling coordinator, one instance per parent, alive for
// the parent's whole active lifetime.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/maintkit/maintkit/pkg/core"
	"github.com/maintkit/maintkit/pkg/lifecycle"
)

// DefaultPollInterval is how long the monitor sleeps between polls.
const DefaultPollInterval = 5 * time.Second

// Monitor polls one parent run's children until the parent reaches a
// terminal state. It re-arms a timer between polls and holds nothing while
// waiting.
type Monitor struct {
	store    core.Storage
	runs     *lifecycle.Service
	parentID string
	interval time.Duration
	maxPolls int
	logger   *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPollInterval sets the delay between polls.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithMaxPolls bounds how many polls run before giving up, used by tests.
// Zero means unbounded.
func WithMaxPolls(n int) Option {
	return func(m *Monitor) { m.maxPolls = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// New creates a Monitor for the given parent run.
func New(store core.Storage, runs *lifecycle.Service, parentID string, opts ...Option) *Monitor {
	m := &Monitor{
		store:    store,
		runs:     runs,
		parentID: parentID,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start polls until the parent reaches a terminal state or a stop request
// takes over. The loop re-arms a timer after each poll; transient storage
// errors are logged and the next poll retried.
func (m *Monitor) Start(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		done, err := m.poll(ctx)
		if err != nil {
			m.logger.Error("monitor poll failed", "parent_run_id", m.parentID, "error", err)
		}
		if done {
			return nil
		}

		polls++
		if m.maxPolls > 0 && polls >= m.maxPolls {
			return nil
		}
		timer.Reset(m.interval)
	}
}

// poll reconciles the parent from a snapshot of its children. The snapshot
// may catch a child mid-transition; that is tolerated by simply polling
// again rather than assuming finality.
func (m *Monitor) poll(ctx context.Context) (bool, error) {
	parent, err := m.store.GetRun(ctx, m.parentID)
	if err != nil {
		return false, err
	}
	if parent == nil || parent.Completed() {
		return true, nil
	}
	if parent.Stopping() {
		// a cancel or pause request owns the parent's transition now
		return true, nil
	}

	children, err := m.store.ChildRuns(ctx, m.parentID)
	if err != nil {
		return false, err
	}

	if bad := firstFailed(children); bad != nil {
		return true, m.fail(ctx, parent, children, bad)
	}

	if allCompleted(children) {
		return true, m.succeed(ctx, parent, children)
	}

	ticks, running := aggregate(children)
	if err := m.runs.Progress(ctx, parent, ticks, running); err != nil {
		return false, err
	}
	return false, nil
}

// succeed copies the children's aggregate progress onto the parent and
// marks it succeeded. Tick counts sum; time running takes the maximum,
// since the children ran in parallel wall-clock time. The aggregates land
// through the progress path; the succeed transition itself never writes
// them.
func (m *Monitor) succeed(ctx context.Context, parent *core.Run, children []*core.Run) error {
	ticks, running := aggregate(children)
	if err := m.store.RefreshAggregates(ctx, parent.ID, ticks, running); err != nil {
		return err
	}
	parent.TickCount, parent.TimeRunning = ticks, running
	return m.runs.Succeed(ctx, parent)
}

// fail poisons the parent with the first failed child's outcome and
// force-cancels every sibling still active, paused ones included. A failed
// child always causes total parent failure; there are no partial-success
// semantics for concurrent runs.
func (m *Monitor) fail(ctx context.Context, parent *core.Run, children []*core.Run, bad *core.Run) error {
	var failErr error
	if bad.Status == core.StatusErrored {
		failErr = m.runs.RecordErrorDetail(ctx, parent, core.ErrorDetail{
			Class:     bad.ErrorClass,
			Message:   bad.ErrorMessage,
			Backtrace: bad.Backtrace,
		})
	} else {
		// a cancelled child cancels the parent through the same two-step
		// cancelling -> cancelled transition external watchers expect
		failErr = m.cancelOut(ctx, parent)
	}

	for _, child := range children {
		if child.ID == bad.ID || !child.Active() {
			continue
		}
		if err := m.cancelOut(ctx, child); err != nil {
			m.logger.Error("failed to cancel sibling run",
				"run_id", child.ID, "parent_run_id", parent.ID, "error", err)
		}
	}
	return failErr
}

// cancelOut drives a run through cancelling and straight on to cancelled.
func (m *Monitor) cancelOut(ctx context.Context, run *core.Run) error {
	if err := m.runs.Cancel(ctx, run); err != nil {
		return err
	}
	if run.Status != core.StatusCancelling {
		return nil
	}
	return m.runs.JobShutdown(ctx, run)
}

func allCompleted(children []*core.Run) bool {
	for _, child := range children {
		if !child.Completed() {
			return false
		}
	}
	return true
}

func firstFailed(children []*core.Run) *core.Run {
	for _, child := range children {
		if child.Status == core.StatusErrored || child.Status == core.StatusCancelled {
			return child
		}
	}
	return nil
}

func aggregate(children []*core.Run) (ticks int64, timeRunning float64) {
	for _, child := range children {
		ticks += child.TickCount
		if child.TimeRunning > timeRunning {
			timeRunning = child.TimeRunning
		}
	}
	return ticks, timeRunning
}
