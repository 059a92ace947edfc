// Package executor provides the in-process execution-job collaborator: a
// worker pool that iterates a run's slice of its task's collection,
// reporting ticks and completion into the run.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maintkit/maintkit/pkg/core"
	"github.com/maintkit/maintkit/pkg/lifecycle"
	"github.com/maintkit/maintkit/pkg/task"
)

// Defaults
const (
	DefaultConcurrency       = 4
	DefaultQueueDepth        = 64
	DefaultFlushEvery        = 100
	DefaultStopCheckInterval = time.Second
)

// errStopRun aborts a scan when the run must stop iterating: a stop
// request was observed or the worker is shutting down.
var errStopRun = errors.New("executor: run stopped")

// Pool processes runs handed to it by a Runner. It implements
// core.RunEnqueuer; Start must be running for enqueued runs to execute.
type Pool struct {
	store       core.Storage
	runs        *lifecycle.Service
	tasks       *task.Registry
	concurrency int
	flushEvery  int
	stopCheck   time.Duration
	queue       chan *core.Run
	logger      *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithConcurrency sets how many runs execute in parallel.
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithQueueDepth sets how many runs may wait for a worker before Enqueue
// starts declining.
func WithQueueDepth(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.queue = make(chan *core.Run, n)
		}
	}
}

// WithFlushEvery sets how many ticks accumulate before progress is
// persisted.
func WithFlushEvery(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.flushEvery = n
		}
	}
}

// WithStopCheckInterval sets how often a running scan reloads the run's
// status to observe pause and cancel requests.
func WithStopCheckInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.stopCheck = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates an execution pool.
func NewPool(store core.Storage, runs *lifecycle.Service, tasks *task.Registry, opts ...Option) *Pool {
	p := &Pool{
		store:       store,
		runs:        runs,
		tasks:       tasks,
		concurrency: DefaultConcurrency,
		flushEvery:  DefaultFlushEvery,
		stopCheck:   DefaultStopCheckInterval,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.queue == nil {
		p.queue = make(chan *core.Run, DefaultQueueDepth)
	}
	return p
}

// Enqueue implements core.RunEnqueuer. A full queue declines the run
// rather than blocking the caller.
func (p *Pool) Enqueue(ctx context.Context, run *core.Run) (bool, error) {
	select {
	case p.queue <- run:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	default:
		return false, nil
	}
}

// Start runs the pool's workers until the context is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case run := <-p.queue:
					p.execute(gctx, run)
				}
			}
		})
	}
	return g.Wait()
}

// execute drives one run from claim to a settled status.
func (p *Pool) execute(ctx context.Context, run *core.Run) {
	// final transitions must land even when the worker context is gone
	persistCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			p.recordError(persistCtx, run, fmt.Errorf("panic: %v", r))
		}
	}()

	def, err := p.tasks.Get(run.TaskName)
	if err != nil {
		p.recordError(persistCtx, run, err)
		return
	}

	// the run may have been cancelled or paused between enqueue and pickup
	if err := p.store.ReloadStatus(ctx, run); err != nil {
		p.logger.Error("failed to reload run before start", "run_id", run.ID, "error", err)
		return
	}
	if run.Completed() {
		return
	}
	if run.Stopping() {
		p.shutdown(persistCtx, run)
		return
	}

	col := def.Collection()
	if run.TickTotal == nil {
		if total, err := col.Count(ctx); err == nil {
			run.TickTotal = &total
		}
	}
	if err := p.runs.Start(ctx, run); err != nil {
		p.logger.Error("failed to start run", "run_id", run.ID, "error", err)
		return
	}
	if run.Status != core.StatusRunning {
		p.shutdown(persistCtx, run)
		return
	}

	it := &iteration{pool: p, ctx: ctx, run: run, def: def}
	it.reset()
	scanErr := p.scan(ctx, run, col, it.visit)
	it.flush(persistCtx)

	switch {
	case scanErr == nil:
		if err := p.runs.Succeed(persistCtx, run); err != nil {
			p.logger.Error("failed to mark run succeeded", "run_id", run.ID, "error", err)
		}
	case errors.Is(scanErr, errStopRun):
		p.shutdown(persistCtx, run)
	default:
		p.recordError(persistCtx, run, scanErr)
	}
}

// scan iterates the run's slice of the collection: the partition boundary
// range for a child, the whole collection for a solo run, resuming after
// the stored cursor when progress was already made.
func (p *Pool) scan(ctx context.Context, run *core.Run, col core.Collection, fn core.ItemFunc) error {
	if run.Child() && run.Cursor != nil && run.EndCursor != nil {
		rac, ok := col.(core.RandomAccessCollection)
		if !ok {
			return core.ErrUnsupportedConcurrency
		}
		resume := ""
		if run.TickCount > 0 {
			resume = *run.Cursor
		}
		return rac.ScanRange(ctx, *run.Cursor, *run.EndCursor, resume, fn)
	}

	cursor := ""
	if run.Cursor != nil && run.TickCount > 0 {
		cursor = *run.Cursor
	}
	return col.Scan(ctx, cursor, fn)
}

func (p *Pool) shutdown(ctx context.Context, run *core.Run) {
	if err := p.runs.JobShutdown(ctx, run); err != nil {
		p.logger.Error("failed to shut down run", "run_id", run.ID, "error", err)
	}
}

func (p *Pool) recordError(ctx context.Context, run *core.Run, cause error) {
	if err := p.runs.RecordError(ctx, run, cause); err != nil {
		p.logger.Error("failed to record run error",
			"run_id", run.ID, "error", err, "cause", cause)
	}
}

// iteration accumulates per-item progress between flushes and watches for
// stop requests.
type iteration struct {
	pool *Pool
	ctx  context.Context
	run  *core.Run
	def  task.Task

	ticks     int64
	cursor    string
	lastFlush time.Time
	lastCheck time.Time
}

func (it *iteration) reset() {
	now := time.Now()
	it.lastFlush = now
	it.lastCheck = now
}

func (it *iteration) visit(item any, cursor string) error {
	if it.ctx.Err() != nil {
		return errStopRun
	}
	if time.Since(it.lastCheck) >= it.pool.stopCheck {
		it.lastCheck = time.Now()
		it.flush(it.ctx)
		if err := it.pool.store.ReloadStatus(it.ctx, it.run); err != nil {
			return err
		}
		if it.run.Stopping() {
			return errStopRun
		}
	}

	if err := it.def.Process(it.ctx, item); err != nil {
		return err
	}
	it.ticks++
	it.cursor = cursor
	if it.ticks >= int64(it.pool.flushEvery) {
		it.flush(it.ctx)
	}
	return nil
}

// flush persists accumulated ticks, elapsed time, and the latest cursor as
// atomic increments.
func (it *iteration) flush(ctx context.Context) {
	if it.ticks == 0 {
		return
	}
	elapsed := time.Since(it.lastFlush)
	cursor := it.cursor
	if err := it.pool.runs.Tick(ctx, it.run, it.ticks, elapsed, &cursor); err != nil {
		it.pool.logger.Error("failed to persist run progress", "run_id", it.run.ID, "error", err)
		return
	}
	it.run.TickCount += it.ticks
	it.ticks = 0
	it.lastFlush = time.Now()
}
