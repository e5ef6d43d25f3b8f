package crawler

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type registration struct {
	id       int64
	level    int
	callback Callback
}

// Registry maps task names to callbacks and their persisted ids.
// It becomes read-only once Freeze is called.
type Registry struct {
	mu     sync.RWMutex
	store  TaskStore
	tasks  map[string]registration
	frozen bool
}

// NewRegistry builds a Registry persisting tasks through store.
func NewRegistry(store TaskStore) *Registry {
	return &Registry{
		store: store,
		tasks: make(map[string]registration),
	}
}

// Register persists the task once and binds cb to it. Registering a known
// name rebinds the callback without creating another task record.
func (r *Registry) Register(ctx context.Context, name string, level int, cb Callback) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("task name is required")
	}
	if cb == nil {
		return 0, fmt.Errorf("task %q: callback is required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return 0, fmt.Errorf("register %q: %w", name, ErrRegistryFrozen)
	}
	if existing, ok := r.tasks[name]; ok {
		existing.callback = cb
		r.tasks[name] = existing
		return existing.id, nil
	}
	id, err := r.store.RegisterTask(ctx, name, level)
	if err != nil {
		return 0, fmt.Errorf("register task %q: %w", name, err)
	}
	r.tasks[name] = registration{id: id, level: level, callback: cb}
	return id, nil
}

// Resolve returns the persisted id of a registered task.
func (r *Registry) Resolve(name string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tasks[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return reg.id, nil
}

// Lookup returns the callback bound to name.
func (r *Registry) Lookup(name string) (Callback, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tasks[name]
	return reg.callback, ok
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Names lists registered task names in order.
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
