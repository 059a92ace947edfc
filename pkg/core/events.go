package core

import "time"

// Event is the interface for all run lifecycle events.
type Event interface {
	eventMarker()
}

// RunStarted is emitted when a run's execution job claims it and it enters
// the running status.
type RunStarted struct {
	Run       *Run
	Timestamp time.Time
}

func (*RunStarted) eventMarker() {}

// RunCompleted is the one-shot notification emitted when a run reaches
// succeeded, errored, cancelled, or paused. Mid-transition statuses never
// produce one.
type RunCompleted struct {
	RunID     string
	JobID     string
	TaskName  string
	Status    Status
	Arguments []byte
	Metadata  []byte
	Runtime   time.Duration
	TickCount int64
	Error     *ErrorDetail
	Timestamp time.Time
}

func (*RunCompleted) eventMarker() {}

// RunProgress is emitted when a parent run's aggregates are refreshed from
// its children.
type RunProgress struct {
	RunID       string
	TickCount   int64
	TickTotal   *int64
	TimeRunning float64
	Timestamp   time.Time
}

func (*RunProgress) eventMarker() {}
