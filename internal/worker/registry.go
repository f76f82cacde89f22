package worker

import (
	"context"
	"sync"

	"github.com/tonglam/letletme-data-sub003/internal/job"
)

// Handler processes one job and returns its opaque return value
type Handler func(ctx context.Context, j *job.Job) ([]byte, error)

// Registry maps job names to handlers. The worker looks the handler up at
// fetch time; unknown names feed the fail path.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for a job name, replacing any existing one
func (r *Registry) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Get retrieves a handler by job name
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, exists := r.handlers[name]
	return handler, exists
}

// Count returns the number of registered handlers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
