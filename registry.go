package farmagent

import (
	"sync"

	"github.com/pkg/errors"
)

// TaskUnitFactory constructs a fresh task unit for one intent, bound to the
// device resource the owning worker drives. Units are single-use: the worker
// creates one per intent and discards it afterwards.
type TaskUnitFactory func(device DeviceResource) TaskUnit

type registryEntry struct {
	factory  TaskUnitFactory
	priority int
}

// Registry maps task types to unit factories and priorities. It replaces
// per-type conditional dispatch with table-driven construction.
type Registry struct {
	mu      sync.RWMutex
	entries map[TaskType]registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[TaskType]registryEntry)}
}

// Register binds taskType to a factory. A priority of 0 falls back to the
// static table. Registering the same type twice is an error.
func (r *Registry) Register(taskType TaskType, priority int, factory TaskUnitFactory) error {
	if factory == nil {
		return errors.New("registry: factory cannot be nil")
	}
	if priority == 0 {
		priority = DefaultPriority(taskType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[taskType]; exists {
		return errors.Errorf("registry: task type %s already registered", taskType)
	}
	r.entries[taskType] = registryEntry{factory: factory, priority: priority}
	return nil
}

// New builds a unit for taskType, reporting false for unknown types.
func (r *Registry) New(taskType TaskType, device DeviceResource) (TaskUnit, bool) {
	r.mu.RLock()
	entry, ok := r.entries[taskType]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return entry.factory(device), true
}

// Priority returns the effective priority for taskType. Unregistered types
// fall back to the static table so the scanner can still order them.
func (r *Registry) Priority(taskType TaskType) int {
	r.mu.RLock()
	entry, ok := r.entries[taskType]
	r.mu.RUnlock()
	if ok {
		return entry.priority
	}
	return DefaultPriority(taskType)
}

// Types returns the registered task types in unspecified order.
func (r *Registry) Types() []TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TaskType, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	return out
}
