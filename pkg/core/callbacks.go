package core

import "context"

// Callbacks are the per-task lifecycle hooks. Each hook is invoked exactly
// once per status it maps to; failures are caught and logged by the caller,
// never propagated, since hooks run after the authoritative state
// transition has already committed.
type Callbacks struct {
	Start     func(ctx context.Context, run *Run)
	Complete  func(ctx context.Context, run *Run)
	Cancel    func(ctx context.Context, run *Run)
	Interrupt func(ctx context.Context, run *Run)
	Pause     func(ctx context.Context, run *Run)
	Error     func(ctx context.Context, run *Run, detail ErrorDetail)
}

// CallbackSource resolves the callbacks declared for a task.
type CallbackSource interface {
	RunCallbacks(taskName string) Callbacks
}
