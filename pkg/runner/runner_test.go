package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/maintkit/maintkit/pkg/core"
	"github.com/maintkit/maintkit/pkg/lifecycle"
	"github.com/maintkit/maintkit/pkg/storage"
	"github.com/maintkit/maintkit/pkg/task"
)

// fakeEnqueuer captures enqueued runs and can be primed to fail.
type fakeEnqueuer struct {
	enqueued []*core.Run
	failAt   int // 1-based call number that fails; 0 never fails
	err      error
	calls    int
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, run *core.Run) (bool, error) {
	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		if f.err != nil {
			return false, f.err
		}
		return false, nil
	}
	f.enqueued = append(f.enqueued, run)
	return true, nil
}

type fakeMonitor struct {
	fakeEnqueuer
	id string
}

func (f *fakeMonitor) JobID() string { return f.id }

// seqTask iterates a sequential-only collection.
type seqTask struct {
	col core.Collection
}

func (t *seqTask) Collection() core.Collection        { return t.col }
func (t *seqTask) Process(context.Context, any) error { return nil }

// splitTask declares a concurrency level over a seekable collection.
type splitTask struct {
	seqTask
	level int
}

func (t *splitTask) ConcurrencyLevel() int { return t.level }

// seqOnly wraps a memCollection but hides its random-access methods.
type seqOnly struct {
	inner *memCollection
}

func (c *seqOnly) Count(ctx context.Context) (int64, error) { return c.inner.Count(ctx) }
func (c *seqOnly) Scan(ctx context.Context, cursor string, fn core.ItemFunc) error {
	return c.inner.Scan(ctx, cursor, fn)
}

type runnerHarness struct {
	store   *storage.GormStorage
	tasks   *task.Registry
	jobs    *fakeEnqueuer
	monitor *fakeMonitor
	runner  *Runner
}

func newRunnerHarness(t *testing.T) *runnerHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// each new pool connection to :memory: would get its own empty database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	store := storage.NewGormStorage(db)
	require.NoError(t, store.Migrate(context.Background()))

	h := &runnerHarness{
		store:   store,
		tasks:   task.NewRegistry(),
		jobs:    &fakeEnqueuer{},
		monitor: &fakeMonitor{id: "monitor-job-1"},
	}
	h.runner = New(Config{
		Storage:    store,
		Tasks:      h.tasks,
		Lifecycle:  lifecycle.NewService(store),
		Jobs:       h.jobs,
		NewMonitor: func() core.MonitorEnqueuer { return h.monitor },
	})
	return h
}

func TestRun_CreatesAndEnqueuesSoloRun(t *testing.T) {
	ctx := context.Background()
	h := newRunnerHarness(t)
	require.NoError(t, h.tasks.Register("purge.sessions", &seqTask{col: &seqOnly{newMemCollection(1, 2, 3)}}))

	run, err := h.runner.Run(ctx, "purge.sessions", WithArguments(map[string]int{"days": 30}))
	require.NoError(t, err)

	assert.Equal(t, core.StatusEnqueued, run.Status)
	assert.False(t, run.Parent())
	assert.False(t, run.Child())
	assert.JSONEq(t, `{"days":30}`, string(run.Arguments))

	require.Len(t, h.jobs.enqueued, 1)
	assert.Equal(t, run.ID, h.jobs.enqueued[0].ID)

	stored, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestRun_UnknownTask(t *testing.T) {
	ctx := context.Background()
	h := newRunnerHarness(t)

	_, err := h.runner.Run(ctx, "no.such.task")
	assert.ErrorIs(t, err, core.ErrTaskNotFound)
	assert.Empty(t, h.jobs.enqueued)
}

func TestRunConcurrent_FansOutChildrenAndMonitor(t *testing.T) {
	ctx := context.Background()
	h := newRunnerHarness(t)
	require.NoError(t, h.tasks.Register("purge.sessions",
		&splitTask{seqTask: seqTask{col: newMemCollection(1, 2, 3, 4, 5, 6)}, level: 2}))

	parent, err := h.runner.RunConcurrent(ctx, "purge.sessions")
	require.NoError(t, err)

	require.NotNil(t, parent.ConcurrencyLevel)
	assert.Equal(t, 2, *parent.ConcurrencyLevel)
	require.NotNil(t, parent.TickTotal)
	assert.EqualValues(t, 6, *parent.TickTotal)
	assert.Equal(t, "monitor-job-1", parent.JobID)

	children, err := h.store.ChildRuns(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for i, child := range children {
		assert.Equal(t, i, *child.PartitionIndex)
		assert.Equal(t, parent.ID, *child.ParentRunID)
		require.NotNil(t, child.Cursor)
		require.NotNil(t, child.EndCursor)
		require.NotNil(t, child.TickTotal)
		assert.EqualValues(t, 3, *child.TickTotal)
	}
	assert.Equal(t, "1", *children[0].Cursor)
	assert.Equal(t, "3", *children[0].EndCursor)
	assert.Equal(t, "4", *children[1].Cursor)
	assert.Equal(t, "6", *children[1].EndCursor)

	assert.Len(t, h.jobs.enqueued, 2, "one execution job per child")
	require.Len(t, h.monitor.enqueued, 1, "one monitor job for the parent")
	assert.Equal(t, parent.ID, h.monitor.enqueued[0].ID)
}

func TestRunConcurrent_OptionOverridesDeclaredLevel(t *testing.T) {
	ctx := context.Background()
	h := newRunnerHarness(t)
	require.NoError(t, h.tasks.Register("purge.sessions",
		&splitTask{seqTask: seqTask{col: newMemCollection(1, 2, 3, 4, 5, 6)}, level: 2}))

	parent, err := h.runner.RunConcurrent(ctx, "purge.sessions", WithConcurrency(3))
	require.NoError(t, err)
	assert.Equal(t, 3, *parent.ConcurrencyLevel)

	children, err := h.store.ChildRuns(ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, children, 3)
}

func TestRunConcurrent_NoLevelAnywhere(t *testing.T) {
	ctx := context.Background()
	h := newRunnerHarness(t)
	require.NoError(t, h.tasks.Register("purge.sessions", &seqTask{col: newMemCollection(1, 2, 3)}))

	_, err := h.runner.RunConcurrent(ctx, "purge.sessions")
	assert.ErrorIs(t, err, core.ErrInvalidConcurrency)
}

func TestRunConcurrent_SequentialCollectionRejected(t *testing.T) {
	ctx := context.Background()
	h := newRunnerHarness(t)
	require.NoError(t, h.tasks.Register("purge.sessions", &seqTask{col: &seqOnly{newMemCollection(1, 2, 3)}}))

	_, err := h.runner.RunConcurrent(ctx, "purge.sessions", WithConcurrency(2))
	assert.ErrorIs(t, err, core.ErrUnsupportedConcurrency)

	// rejected before any run row exists
	runs, err := h.store.RunsByStatus(ctx, core.StatusEnqueued, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunConcurrent_EmptyCollection(t *testing.T) {
	ctx := context.Background()
	h := newRunnerHarness(t)
	require.NoError(t, h.tasks.Register("purge.sessions",
		&splitTask{seqTask: seqTask{col: newMemCollection()}, level: 2}))

	parent, err := h.runner.RunConcurrent(ctx, "purge.sessions")
	require.NoError(t, err)

	children, err := h.store.ChildRuns(ctx, parent.ID)
	require.NoError(t, err)
	assert.Empty(t, children, "nothing to partition")
	require.Len(t, h.monitor.enqueued, 1, "monitor still settles the parent")
}

func TestRunConcurrent_ChildEnqueueFailurePersisted(t *testing.T) {
	ctx := context.Background()
	h := newRunnerHarness(t)
	require.NoError(t, h.tasks.Register("purge.sessions",
		&splitTask{seqTask: seqTask{col: newMemCollection(1, 2, 3, 4)}, level: 2}))

	h.jobs.failAt = 2
	h.jobs.err = errors.New("queue full")

	_, err := h.runner.RunConcurrent(ctx, "purge.sessions")
	require.Error(t, err)

	// the failing child carries the enqueue error
	errored, err := h.store.RunsByStatus(ctx, core.StatusErrored, 10)
	require.NoError(t, err)
	require.Len(t, errored, 1)
	assert.True(t, errored[0].Child())
	assert.Contains(t, errored[0].ErrorMessage, "queue full")

	// the sibling that made it onto the queue stays enqueued
	require.Len(t, h.jobs.enqueued, 1)
	sibling, err := h.store.GetRun(ctx, h.jobs.enqueued[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusEnqueued, sibling.Status)
}

func TestRunConcurrent_MonitorEnqueueFailurePersisted(t *testing.T) {
	ctx := context.Background()
	h := newRunnerHarness(t)
	require.NoError(t, h.tasks.Register("purge.sessions",
		&splitTask{seqTask: seqTask{col: newMemCollection(1, 2, 3, 4)}, level: 2}))

	h.monitor.failAt = 1

	_, err := h.runner.RunConcurrent(ctx, "purge.sessions")
	assert.ErrorIs(t, err, core.ErrEnqueueFailed)

	errored, err := h.store.RunsByStatus(ctx, core.StatusErrored, 10)
	require.NoError(t, err)
	require.Len(t, errored, 1)
	assert.True(t, errored[0].Parent())
}

func TestResume_InterruptedRunGoesBackToQueue(t *testing.T) {
	ctx := context.Background()
	h := newRunnerHarness(t)
	require.NoError(t, h.tasks.Register("purge.sessions", &seqTask{col: &seqOnly{newMemCollection(1, 2, 3)}}))

	cursor := "2"
	run := &core.Run{
		TaskName:  "purge.sessions",
		Status:    core.StatusInterrupted,
		TickCount: 2,
		Cursor:    &cursor,
	}
	require.NoError(t, h.store.CreateRun(ctx, run))

	resumed, err := h.runner.Resume(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusEnqueued, resumed.Status)
	require.NotNil(t, resumed.Cursor)
	assert.Equal(t, "2", *resumed.Cursor, "the stored cursor survives the resume")

	require.Len(t, h.jobs.enqueued, 1)
	assert.Equal(t, run.ID, h.jobs.enqueued[0].ID)
}

func TestResume_ParentGetsFreshMonitor(t *testing.T) {
	ctx := context.Background()
	h := newRunnerHarness(t)

	level := 2
	parent := &core.Run{
		TaskName:         "purge.sessions",
		Status:           core.StatusPaused,
		ConcurrencyLevel: &level,
	}
	require.NoError(t, h.store.CreateRun(ctx, parent))

	resumed, err := h.runner.Resume(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusEnqueued, resumed.Status)
	assert.Equal(t, "monitor-job-1", resumed.JobID)

	require.Len(t, h.monitor.enqueued, 1)
	assert.Empty(t, h.jobs.enqueued, "parents never enter the execution queue")
}

func TestResume_OnlyPausedOrInterrupted(t *testing.T) {
	ctx := context.Background()
	h := newRunnerHarness(t)

	for _, status := range []core.Status{
		core.StatusEnqueued, core.StatusRunning, core.StatusCancelling,
		core.StatusSucceeded, core.StatusErrored, core.StatusCancelled,
	} {
		run := &core.Run{TaskName: "purge.sessions", Status: status}
		require.NoError(t, h.store.CreateRun(ctx, run))

		_, err := h.runner.Resume(ctx, run.ID)
		assert.ErrorIs(t, err, core.ErrRunNotActive, "status %s", status)
	}
}

func TestResume_MissingRun(t *testing.T) {
	ctx := context.Background()
	h := newRunnerHarness(t)

	_, err := h.runner.Resume(ctx, "gone")
	assert.Error(t, err)
}

func TestRunOptions_BadArguments(t *testing.T) {
	ctx := context.Background()
	h := newRunnerHarness(t)
	require.NoError(t, h.tasks.Register("purge.sessions", &seqTask{col: &seqOnly{newMemCollection(1)}}))

	_, err := h.runner.Run(ctx, "purge.sessions", WithArguments(make(chan int)))
	assert.Error(t, err, "unserializable arguments are rejected up front")
}
