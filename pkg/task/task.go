// Package task defines the contract a maintenance task fulfills and the
// registry that resolves task definitions by name.
package task

import (
	"context"

	"github.com/maintkit/maintkit/pkg/core"
)

// Task is a user-supplied unit of maintenance work: a dataset and a
// per-item processing function. The execution job iterates the collection
// and hands each item to Process.
type Task interface {
	// Collection returns the dataset the task iterates over.
	Collection() core.Collection

	// Process handles one item. An error here becomes the run's terminal
	// errored state.
	Process(ctx context.Context, item any) error
}

// ConcurrentTask is a Task that declares a concurrency level, making it
// eligible for partitioned concurrent runs. The level must be between 2
// and 8 and its collection must support random access by an orderable key.
type ConcurrentTask interface {
	Task

	ConcurrencyLevel() int
}
