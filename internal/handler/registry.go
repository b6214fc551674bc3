package handler

import (
	"fmt"
	"sync"

	"github.com/cuongbtq/jobpool/internal/job"
)

// Registry maps job types to handlers. Types are registered explicitly at
// startup; there is no dynamic name resolution.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register binds h to the given job type. Registering the same type twice is
// a programming error and panics, matching how duplicate routes are treated.
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[jobType]; exists {
		panic(fmt.Sprintf("handler already registered for job type %q", jobType))
	}
	r.handlers[jobType] = h
}

// Lookup returns the handler for jobType, or ErrHandlerNotFound.
func (r *Registry) Lookup(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrHandlerNotFound, jobType)
	}
	return h, nil
}

// Types returns the registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
