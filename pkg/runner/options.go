package runner

import (
	"encoding/json"
	"fmt"
)

// RunOptions holds configuration for starting a run.
type RunOptions struct {
	Arguments   []byte
	Metadata    []byte
	Concurrency int
}

// RunOption modifies RunOptions.
type RunOption func(*RunOptions) error

// WithArguments attaches task arguments, serialized as JSON, to the run.
func WithArguments(args any) RunOption {
	return func(o *RunOptions) error {
		data, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("runner: marshal arguments: %w", err)
		}
		o.Arguments = data
		return nil
	}
}

// WithMetadata attaches caller metadata, serialized as JSON, to the run.
func WithMetadata(meta any) RunOption {
	return func(o *RunOptions) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("runner: marshal metadata: %w", err)
		}
		o.Metadata = data
		return nil
	}
}

// WithConcurrency overrides the task's declared concurrency level.
func WithConcurrency(level int) RunOption {
	return func(o *RunOptions) error {
		o.Concurrency = level
		return nil
	}
}

func buildOptions(opts []RunOption) (*RunOptions, error) {
	o := &RunOptions{}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}
