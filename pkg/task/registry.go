package task

import (
	"fmt"
	"sort"
	"sync"

	"github.com/maintkit/maintkit/pkg/core"
	"github.com/maintkit/maintkit/pkg/security"
)

// Registry holds the named task definitions and their callbacks. It also
// serves as the lifecycle service's callback source.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]Task
	callbacks map[string]core.Callbacks
}

// RegisterOption configures a task registration.
type RegisterOption func(*registration)

type registration struct {
	callbacks core.Callbacks
}

// WithCallbacks attaches lifecycle hooks to the task.
func WithCallbacks(cb core.Callbacks) RegisterOption {
	return func(r *registration) { r.callbacks = cb }
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:     make(map[string]Task),
		callbacks: make(map[string]core.Callbacks),
	}
}

// Register adds a task definition under a name. Names must be alphanumeric
// (starting with a letter); a ConcurrentTask must declare a level between
// 2 and 8 or registration fails with a configuration error.
func (r *Registry) Register(name string, t Task, opts ...RegisterOption) error {
	if err := security.ValidateTaskName(name); err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task: nil definition for %q", name)
	}
	if ct, ok := t.(ConcurrentTask); ok {
		if err := security.ValidateConcurrency(ct.ConcurrencyLevel()); err != nil {
			return fmt.Errorf("task %q: %w", name, err)
		}
	}

	reg := &registration{}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = t
	r.callbacks[name] = reg.callbacks
	return nil
}

// Get resolves a task definition by name.
func (r *Registry) Get(name string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", name, core.ErrTaskNotFound)
	}
	return t, nil
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunCallbacks implements core.CallbackSource.
func (r *Registry) RunCallbacks(taskName string) core.Callbacks {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.callbacks[taskName]
}
